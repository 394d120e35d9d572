package poller

import (
	"context"
	"log/slog"
	"time"

	"adaptivepay/internal/common/events"
	"adaptivepay/internal/common/middleware"
	"adaptivepay/internal/common/nats"
)

// Worker consumes poll requests published by JetStreamScheduler.
type Worker struct {
	updater Updater
	logger  *slog.Logger
	now     func() time.Time
}

// NewWorker creates a poll worker.
func NewWorker(updater Updater, logger *slog.Logger) *Worker {
	return &Worker{updater: updater, logger: logger, now: time.Now}
}

// Run consumes poll requests until ctx is canceled.
func (w *Worker) Run(ctx context.Context, sub *nats.Subscriber) error {
	return sub.Start(ctx, w.Handle)
}

// Handle is a nats.MessageHandler. Requests that are not yet due are
// redelivered when they are; poll failures are logged and acknowledged so a
// broken aggregate does not block the queue.
func (w *Worker) Handle(ctx context.Context, event *events.Event) error {
	var aggregate string
	switch event.Type {
	case events.EventPaymentPollRequested:
		aggregate = events.AggregatePayment
	case events.EventPreapprovalPollRequested:
		aggregate = events.AggregatePreapproval
	default:
		w.logger.Warn("ignoring event", "event_id", event.ID, "type", event.Type)
		return nil
	}

	var data events.PollRequestedData
	if err := event.DecodeData(&data); err != nil {
		w.logger.Error("malformed poll request", "event_id", event.ID, "error", err)
		return nil
	}

	if wait := data.NotBefore.Sub(w.now()); wait > 0 {
		return nats.RetryAfter(wait)
	}

	ctx = middleware.WithCorrelationID(ctx, event.CorrelationID)
	if err := update(ctx, w.updater, aggregate, data.ID); err != nil {
		w.logger.Error("poll failed",
			"aggregate", aggregate,
			"id", data.ID,
			"event_id", event.ID,
			"error", err,
		)
		return nil
	}

	w.logger.Debug("poll completed", "aggregate", aggregate, "id", data.ID)
	return nil
}
