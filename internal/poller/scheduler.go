// Package poller schedules and runs PayPal status polls for payments and
// preapprovals.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"adaptivepay/internal/adaptive"
	"adaptivepay/internal/common/events"
	"adaptivepay/internal/common/middleware"
)

// Updater polls PayPal and applies the result.
type Updater interface {
	UpdatePayment(ctx context.Context, id int64) (*adaptive.Payment, error)
	UpdatePreapproval(ctx context.Context, id int64) (*adaptive.Preapproval, error)
}

func update(ctx context.Context, u Updater, aggregate string, id int64) error {
	switch aggregate {
	case events.AggregatePayment:
		_, err := u.UpdatePayment(ctx, id)
		return err
	case events.AggregatePreapproval:
		_, err := u.UpdatePreapproval(ctx, id)
		return err
	default:
		return fmt.Errorf("unknown aggregate %q", aggregate)
	}
}

// LocalScheduler runs updates in-process once their delay has passed.
// Pending updates are lost on restart; the sweeper picks them up again.
type LocalScheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	updater Updater
	timers  map[*time.Timer]struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewLocalScheduler creates a scheduler. Bind must be called before the
// first update fires.
func NewLocalScheduler(logger *slog.Logger) *LocalScheduler {
	return &LocalScheduler{
		logger: logger,
		timers: make(map[*time.Timer]struct{}),
	}
}

// Bind sets the updater the scheduled polls run against.
func (s *LocalScheduler) Bind(u Updater) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updater = u
}

// SchedulePaymentUpdate implements adaptive.Scheduler.
func (s *LocalScheduler) SchedulePaymentUpdate(ctx context.Context, id int64, delay time.Duration) error {
	return s.schedule(ctx, events.AggregatePayment, id, delay)
}

// SchedulePreapprovalUpdate implements adaptive.Scheduler.
func (s *LocalScheduler) SchedulePreapprovalUpdate(ctx context.Context, id int64, delay time.Duration) error {
	return s.schedule(ctx, events.AggregatePreapproval, id, delay)
}

func (s *LocalScheduler) schedule(ctx context.Context, aggregate string, id int64, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("schedule %s %d: scheduler stopped", aggregate, id)
	}

	correlationID := middleware.GetCorrelationID(ctx)
	var timer *time.Timer
	s.wg.Add(1)
	timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.timers, timer)
		u := s.updater
		s.mu.Unlock()
		if u == nil {
			s.logger.Error("scheduled update without updater", "aggregate", aggregate, "id", id)
			return
		}

		runCtx := middleware.WithCorrelationID(context.Background(), correlationID)
		if err := update(runCtx, u, aggregate, id); err != nil {
			s.logger.Error("scheduled update failed", "aggregate", aggregate, "id", id, "error", err)
		}
	})
	s.timers[timer] = struct{}{}
	return nil
}

// Stop cancels pending updates and waits for running ones.
func (s *LocalScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for timer := range s.timers {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, timer)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Pending returns the number of updates waiting to run.
func (s *LocalScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// JetStreamScheduler publishes poll requests that a Worker picks up once
// they are due.
type JetStreamScheduler struct {
	publisher events.EventPublisher
	now       func() time.Time
}

// NewJetStreamScheduler creates a scheduler publishing through publisher.
func NewJetStreamScheduler(publisher events.EventPublisher) *JetStreamScheduler {
	return &JetStreamScheduler{publisher: publisher, now: time.Now}
}

// SchedulePaymentUpdate implements adaptive.Scheduler.
func (s *JetStreamScheduler) SchedulePaymentUpdate(ctx context.Context, id int64, delay time.Duration) error {
	return s.publish(ctx, events.EventPaymentPollRequested, events.AggregatePayment, id, delay)
}

// SchedulePreapprovalUpdate implements adaptive.Scheduler.
func (s *JetStreamScheduler) SchedulePreapprovalUpdate(ctx context.Context, id int64, delay time.Duration) error {
	return s.publish(ctx, events.EventPreapprovalPollRequested, events.AggregatePreapproval, id, delay)
}

func (s *JetStreamScheduler) publish(ctx context.Context, eventType, aggregate string, id int64, delay time.Duration) error {
	event, err := events.NewEvent(eventType, aggregate, strconv.FormatInt(id, 10), events.PollRequestedData{
		ID:        id,
		NotBefore: s.now().UTC().Add(delay),
	})
	if err != nil {
		return fmt.Errorf("building poll request: %w", err)
	}
	event.WithCorrelation(middleware.GetCorrelationID(ctx))
	if err := s.publisher.Publish(ctx, event); err != nil {
		return fmt.Errorf("publishing poll request: %w", err)
	}
	return nil
}
