package adaptive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"adaptivepay/internal/common/events"
	"adaptivepay/internal/common/metrics"
	"adaptivepay/internal/common/middleware"
	"adaptivepay/internal/common/money"
	"adaptivepay/internal/paypal"
)

// Precondition errors.
var (
	ErrUnprocessedPayment     = errors.New("can't update unprocessed payments")
	ErrUnprocessedPreapproval = errors.New("can't update unprocessed preapprovals")
	ErrRefundNotCompleted     = errors.New("cannot refund a payment until it is completed")
	ErrPreapprovalNotApproved = errors.New("preapproval is not approved")
	ErrSecretMismatch         = errors.New("secret mismatch")
	ErrUnexpectedStatus       = errors.New("unexpected status")
)

// Provider is the subset of the PayPal client the service needs.
type Provider interface {
	Pay(ctx context.Context, req paypal.PayRequest) (*paypal.PayResponse, *paypal.Exchange, error)
	PaymentDetails(ctx context.Context, payKey string) (*paypal.PaymentDetailsResponse, *paypal.Exchange, error)
	Refund(ctx context.Context, payKey string) (*paypal.Exchange, error)
	Preapproval(ctx context.Context, req paypal.PreapprovalRequest) (*paypal.PreapprovalResponse, *paypal.Exchange, error)
	PreapprovalDetails(ctx context.Context, preapprovalKey string) (*paypal.PreapprovalDetailsResponse, *paypal.Exchange, error)
	CancelPreapproval(ctx context.Context, preapprovalKey string) (*paypal.Exchange, error)
	PaymentURL(payKey string) string
	PreapprovalURL(preapprovalKey string) string
}

// Scheduler runs a status update for an aggregate after a delay.
type Scheduler interface {
	SchedulePaymentUpdate(ctx context.Context, id int64, delay time.Duration) error
	SchedulePreapprovalUpdate(ctx context.Context, id int64, delay time.Duration) error
}

// Config holds service configuration.
type Config struct {
	BaseURL   string        `envconfig:"PUBLIC_BASE_URL" required:"true"`
	UseIPN    bool          `envconfig:"PAYPAL_USE_IPN" default:"true"`
	UseChain  bool          `envconfig:"PAYPAL_USE_CHAIN" default:"true"`
	PollDelay time.Duration `envconfig:"POLL_DELAY" default:"10m"`
}

// Service is the reconciliation engine for payments and preapprovals.
type Service struct {
	cfg       Config
	store     Store
	provider  Provider
	scheduler Scheduler
	publisher events.EventPublisher
	urls      URLBuilder
	logger    *slog.Logger
}

// NewService creates a new service. publisher may be nil.
func NewService(cfg Config, store Store, provider Provider, scheduler Scheduler, publisher events.EventPublisher, logger *slog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		store:     store,
		provider:  provider,
		scheduler: scheduler,
		publisher: publisher,
		urls:      NewURLBuilder(cfg.BaseURL),
		logger:    logger,
	}
}

// URLs returns the callback URL builder.
func (s *Service) URLs() URLBuilder {
	return s.urls
}

// CreatePayment stores a new payment in status new.
func (s *Service) CreatePayment(ctx context.Context, amount money.Money) (*Payment, error) {
	p, err := NewPayment(amount)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	s.logger.Info("payment created", "payment_id", p.ID, "amount", p.Money.String())
	return p, nil
}

// GetPayment retrieves a payment.
func (s *Service) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	return s.store.GetPayment(ctx, id)
}

// PaymentNextURL is where the buyer approves the payment.
func (s *Service) PaymentNextURL(p *Payment) string {
	return s.provider.PaymentURL(p.PayKey)
}

// ProcessPaymentOptions are the optional inputs of ProcessPayment.
type ProcessPaymentOptions struct {
	Receivers      paypal.ReceiverList
	PreapprovalKey string
	RemoteAddr     string
}

// ProcessPayment creates the payment at PayPal. Provider failures are stored
// on the payment as status error and reported through the boolean, which is
// true when the payment ended up created or completed.
func (s *Service) ProcessPayment(ctx context.Context, p *Payment, opts ProcessPaymentOptions) (bool, error) {
	if p.ID == 0 {
		return false, errors.New("process payment: payment must be stored first")
	}

	req := paypal.PayRequest{
		Amount:         p.Money,
		ReturnURL:      s.urls.PaymentReturn(p),
		CancelURL:      s.urls.PaymentCancel(p),
		PreapprovalKey: opts.PreapprovalKey,
		RemoteAddr:     opts.RemoteAddr,
	}
	if s.cfg.UseIPN {
		req.IPNNotificationURL = s.urls.PaymentNotification(p)
	}

	receivers := opts.Receivers
	var err error
	if s.cfg.UseChain {
		receivers, err = receivers.PromotePrimary()
	}
	if err == nil {
		err = receivers.Validate(p.Money)
	}

	var resp *paypal.PayResponse
	var exchange *paypal.Exchange
	if err == nil {
		req.Receivers = receivers
		resp, exchange, err = s.provider.Pay(ctx, req)
	}

	before := p.Status
	updated, storeErr := s.store.WithPayment(ctx, p.ID, func(cur *Payment) error {
		before = cur.Status
		cur.recordExchange(exchange)
		applyPayResponse(cur, resp, err)
		return nil
	})
	if storeErr != nil {
		return false, fmt.Errorf("process payment %d: %w", p.ID, storeErr)
	}
	*p = *updated

	if err != nil {
		s.logger.Warn("pay failed", "payment_id", p.ID, "error", err)
	}
	s.paymentChanged(ctx, "process", before, p)

	if p.Status == PaymentCreated {
		s.schedulePayment(ctx, p.ID)
	}
	return p.Status == PaymentCreated || p.Status == PaymentCompleted, nil
}

func applyPayResponse(p *Payment, resp *paypal.PayResponse, err error) {
	if err != nil {
		p.Fail(err.Error())
		return
	}
	if resp.PayKey != "" {
		p.PayKey = resp.PayKey
	}

	switch {
	case resp.PaymentExecStatus == paypal.ExecCompleted:
		p.SetStatus(PaymentCompleted, "")
	case resp.PayKey != "" && resp.PaymentExecStatus == paypal.ExecCreated:
		p.SetStatus(PaymentCreated, "")
	case resp.PaymentExecStatus == paypal.ExecError:
		detail := "PayPal reported an error"
		if e := resp.FirstPayError(); e != nil {
			detail = fmt.Sprintf("%s %s: %s", e.Severity, e.ErrorID, e.Message)
		}
		p.Fail(detail)
	default:
		p.Fail(fmt.Sprintf("Unexpected paymentExecStatus %q", resp.PaymentExecStatus))
	}
}

// Refund refunds a completed payment in full and records the refund. The
// PayPal call runs while the payment row is locked, so concurrent refunds of
// one payment reach PayPal at most once.
func (s *Service) Refund(ctx context.Context, paymentID int64) (*Refund, error) {
	var refund *Refund
	var before PaymentStatus
	updated, err := s.store.RefundPayment(ctx, paymentID, func(cur *Payment) (*Refund, error) {
		if cur.Status != PaymentCompleted {
			return nil, ErrRefundNotCompleted
		}
		exchange, err := s.provider.Refund(ctx, cur.PayKey)
		if err != nil {
			s.logger.Error("refund failed", "payment_id", cur.ID, "error", err)
			return nil, err
		}
		before = cur.Status
		cur.SetStatus(PaymentRefunded, "")
		refund = newRefund(cur, exchange)
		return refund, nil
	})
	if err != nil {
		return nil, fmt.Errorf("refund payment %d: %w", paymentID, err)
	}
	s.paymentChanged(ctx, "refund", before, updated)
	return refund, nil
}

// GetRefund retrieves the refund of a payment.
func (s *Service) GetRefund(ctx context.Context, paymentID int64) (*Refund, error) {
	return s.store.GetRefundByPayment(ctx, paymentID)
}

// CreatePreapproval stores a new preapproval in status new.
func (s *Service) CreatePreapproval(ctx context.Context, amount money.Money, validUntil time.Time) (*Preapproval, error) {
	p, err := NewPreapproval(amount, validUntil)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreatePreapproval(ctx, p); err != nil {
		return nil, fmt.Errorf("create preapproval: %w", err)
	}
	s.logger.Info("preapproval created", "preapproval_id", p.ID, "amount", p.Money.String())
	return p, nil
}

// GetPreapproval retrieves a preapproval.
func (s *Service) GetPreapproval(ctx context.Context, id int64) (*Preapproval, error) {
	return s.store.GetPreapproval(ctx, id)
}

// PreapprovalNextURL is where the buyer approves the preapproval.
func (s *Service) PreapprovalNextURL(p *Preapproval) string {
	return s.provider.PreapprovalURL(p.PreapprovalKey)
}

// ProcessPreapprovalOptions are the optional inputs of ProcessPreapproval.
type ProcessPreapprovalOptions struct {
	// Next is appended to the return URL so the buyer can be sent on.
	Next       string
	RemoteAddr string
}

// ProcessPreapproval creates the preapproval at PayPal for a single payment
// between its creation and valid-until dates.
func (s *Service) ProcessPreapproval(ctx context.Context, p *Preapproval, opts ProcessPreapprovalOptions) (bool, error) {
	if p.ID == 0 {
		return false, errors.New("process preapproval: preapproval must be stored first")
	}

	req := paypal.PreapprovalRequest{
		Amount:               p.Money,
		ReturnURL:            s.urls.PreapprovalReturn(p, opts.Next),
		CancelURL:            s.urls.PreapprovalCancel(p),
		StartingDate:         p.CreatedAt,
		EndingDate:           p.ValidUntil,
		PinType:              paypal.PinNotRequired,
		MaxPayments:          1,
		MaxPaymentsPerPeriod: 1,
		RemoteAddr:           opts.RemoteAddr,
	}
	if s.cfg.UseIPN {
		req.IPNNotificationURL = s.urls.PreapprovalNotification(p)
	}

	resp, exchange, err := s.provider.Preapproval(ctx, req)

	before := p.Status
	updated, storeErr := s.store.WithPreapproval(ctx, p.ID, func(cur *Preapproval) error {
		before = cur.Status
		cur.recordExchange(exchange)
		switch {
		case err != nil:
			cur.Fail(err.Error())
		case resp.PreapprovalKey != "":
			cur.PreapprovalKey = resp.PreapprovalKey
			cur.SetStatus(PreapprovalCreated, "")
		default:
			cur.Fail("PayPal returned no preapproval key")
		}
		return nil
	})
	if storeErr != nil {
		return false, fmt.Errorf("process preapproval %d: %w", p.ID, storeErr)
	}
	*p = *updated

	if err != nil {
		s.logger.Warn("preapproval failed", "preapproval_id", p.ID, "error", err)
	}
	s.preapprovalChanged(ctx, "process", before, p)

	if p.Status == PreapprovalCreated {
		s.schedulePreapproval(ctx, p.ID)
	}
	return p.Status == PreapprovalCreated, nil
}

// CancelPreapproval cancels the preapproval at PayPal and marks it canceled.
func (s *Service) CancelPreapproval(ctx context.Context, id int64) (*Preapproval, error) {
	p, err := s.store.GetPreapproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Processed() {
		return nil, ErrUnprocessedPreapproval
	}

	exchange, err := s.provider.CancelPreapproval(ctx, p.PreapprovalKey)
	if err != nil {
		s.logger.Error("cancel preapproval failed", "preapproval_id", id, "error", err)
		return nil, err
	}

	before := p.Status
	updated, err := s.store.WithPreapproval(ctx, id, func(cur *Preapproval) error {
		before = cur.Status
		cur.recordExchange(exchange)
		cur.SetStatus(PreapprovalCanceled, "")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancel preapproval %d: %w", id, err)
	}
	s.preapprovalChanged(ctx, "cancel", before, updated)
	return updated, nil
}

// MarkPreapprovalUsed marks an approved preapproval used once a payment has
// drawn on it. Marking a used preapproval again is a no-op.
func (s *Service) MarkPreapprovalUsed(ctx context.Context, id int64) (*Preapproval, error) {
	var before PreapprovalStatus
	updated, err := s.store.WithPreapproval(ctx, id, func(cur *Preapproval) error {
		before = cur.Status
		if cur.Status != PreapprovalApproved && cur.Status != PreapprovalUsed {
			return fmt.Errorf("%w: status is %s", ErrPreapprovalNotApproved, cur.Status)
		}
		cur.SetStatus(PreapprovalUsed, "")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark preapproval %d used: %w", id, err)
	}
	s.preapprovalChanged(ctx, "mark_used", before, updated)
	return updated, nil
}

// StalePaymentIDs lists payments the sweeper should poll.
func (s *Service) StalePaymentIDs(ctx context.Context, olderThan time.Duration, limit int) ([]int64, error) {
	return s.store.ListStalePayments(ctx, olderThan, limit)
}

// StalePreapprovalIDs lists preapprovals the sweeper should poll.
func (s *Service) StalePreapprovalIDs(ctx context.Context, olderThan time.Duration, limit int) ([]int64, error) {
	return s.store.ListStalePreapprovals(ctx, olderThan, limit)
}

func (s *Service) schedulePayment(ctx context.Context, id int64) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.SchedulePaymentUpdate(ctx, id, s.cfg.PollDelay); err != nil {
		s.logger.Error("failed to schedule payment update", "payment_id", id, "error", err)
	}
}

func (s *Service) schedulePreapproval(ctx context.Context, id int64) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.SchedulePreapprovalUpdate(ctx, id, s.cfg.PollDelay); err != nil {
		s.logger.Error("failed to schedule preapproval update", "preapproval_id", id, "error", err)
	}
}

var paymentEvents = map[PaymentStatus]string{
	PaymentCompleted: events.EventPaymentCompleted,
	PaymentError:     events.EventPaymentError,
	PaymentRefunded:  events.EventPaymentRefunded,
}

var preapprovalEvents = map[PreapprovalStatus]string{
	PreapprovalApproved: events.EventPreapprovalApproved,
	PreapprovalCanceled: events.EventPreapprovalCanceled,
	PreapprovalUsed:     events.EventPreapprovalUsed,
	PreapprovalError:    events.EventPreapprovalError,
}

func (s *Service) paymentChanged(ctx context.Context, signal string, before PaymentStatus, p *Payment) {
	if p == nil || p.Status == before {
		return
	}
	metrics.Transitions.WithLabelValues(events.AggregatePayment, signal, string(p.Status)).Inc()
	s.logger.Info("payment status changed",
		"payment_id", p.ID,
		"signal", signal,
		"from", before,
		"status", p.Status,
		"status_detail", p.StatusDetail,
	)
	if eventType, ok := paymentEvents[p.Status]; ok {
		s.publish(ctx, eventType, events.AggregatePayment, p.ID, events.StatusChangedData{
			ID:           p.ID,
			Status:       string(p.Status),
			StatusDetail: p.StatusDetail,
			RemoteKey:    p.PayKey,
			Amount:       p.Money.AmountString(),
			Currency:     string(p.Money.Currency),
			ChangedAt:    p.UpdatedAt,
		})
	}
}

func (s *Service) preapprovalChanged(ctx context.Context, signal string, before PreapprovalStatus, p *Preapproval) {
	if p == nil || p.Status == before {
		return
	}
	metrics.Transitions.WithLabelValues(events.AggregatePreapproval, signal, string(p.Status)).Inc()
	s.logger.Info("preapproval status changed",
		"preapproval_id", p.ID,
		"signal", signal,
		"from", before,
		"status", p.Status,
		"status_detail", p.StatusDetail,
	)
	if eventType, ok := preapprovalEvents[p.Status]; ok {
		s.publish(ctx, eventType, events.AggregatePreapproval, p.ID, events.StatusChangedData{
			ID:           p.ID,
			Status:       string(p.Status),
			StatusDetail: p.StatusDetail,
			RemoteKey:    p.PreapprovalKey,
			Amount:       p.Money.AmountString(),
			Currency:     string(p.Money.Currency),
			ChangedAt:    p.UpdatedAt,
		})
	}
}

func (s *Service) publish(ctx context.Context, eventType, aggregate string, id int64, data any) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent(eventType, aggregate, strconv.FormatInt(id, 10), data)
	if err != nil {
		s.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	event.WithCorrelation(middleware.GetCorrelationID(ctx))
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish event", "type", eventType, "aggregate_id", id, "error", err)
	}
}
