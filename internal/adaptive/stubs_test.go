package adaptive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"adaptivepay/internal/common/database"
	"adaptivepay/internal/common/events"
	"adaptivepay/internal/common/money"
	"adaptivepay/internal/paypal"
)

// memStore keeps aggregates in memory. A single mutex stands in for the
// row lock.
type memStore struct {
	mu           sync.Mutex
	nextID       int64
	payments     map[int64]Payment
	preapprovals map[int64]Preapproval
	refunds      map[int64]Refund
}

func newMemStore() *memStore {
	return &memStore{
		payments:     make(map[int64]Payment),
		preapprovals: make(map[int64]Preapproval),
		refunds:      make(map[int64]Refund),
	}
}

func (m *memStore) CreatePayment(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	m.payments[p.ID] = *p
	return nil
}

func (m *memStore) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment: %w", database.ErrNotFound)
	}
	return &p, nil
}

func (m *memStore) WithPayment(ctx context.Context, id int64, fn func(p *Payment) error) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment: %w", database.ErrNotFound)
	}
	if err := fn(&p); err != nil {
		return nil, err
	}
	m.payments[id] = p
	return &p, nil
}

func (m *memStore) RefundPayment(ctx context.Context, id int64, fn func(p *Payment) (*Refund, error)) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment: %w", database.ErrNotFound)
	}
	refund, err := fn(&p)
	if err != nil {
		return nil, err
	}
	if refund != nil {
		if _, exists := m.refunds[id]; exists {
			return nil, database.ErrAlreadyExists
		}
		m.nextID++
		refund.ID = m.nextID
		m.refunds[id] = *refund
	}
	m.payments[id] = p
	return &p, nil
}

func (m *memStore) GetRefundByPayment(ctx context.Context, paymentID int64) (*Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.refunds[paymentID]
	if !ok {
		return nil, fmt.Errorf("refund: %w", database.ErrNotFound)
	}
	return &r, nil
}

func (m *memStore) ListStalePayments(ctx context.Context, olderThan time.Duration, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, p := range m.payments {
		if (p.Status == PaymentCreated || p.Status == PaymentReturned) && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) CreatePreapproval(ctx context.Context, p *Preapproval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	m.preapprovals[p.ID] = *p
	return nil
}

func (m *memStore) GetPreapproval(ctx context.Context, id int64) (*Preapproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.preapprovals[id]
	if !ok {
		return nil, fmt.Errorf("preapproval: %w", database.ErrNotFound)
	}
	return &p, nil
}

func (m *memStore) WithPreapproval(ctx context.Context, id int64, fn func(p *Preapproval) error) (*Preapproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.preapprovals[id]
	if !ok {
		return nil, fmt.Errorf("preapproval: %w", database.ErrNotFound)
	}
	if err := fn(&p); err != nil {
		return nil, err
	}
	m.preapprovals[id] = p
	return &p, nil
}

func (m *memStore) ListStalePreapprovals(ctx context.Context, olderThan time.Duration, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, p := range m.preapprovals {
		if p.NeedsUpdate() && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// stubProvider answers PayPal calls from canned responses and records the
// requests it receives.
type stubProvider struct {
	mu sync.Mutex

	payResp    *paypal.PayResponse
	payErr     error
	preResp    *paypal.PreapprovalResponse
	preErr     error
	payDetails *paypal.PaymentDetailsResponse
	preDetails *paypal.PreapprovalDetailsResponse
	refundErr  error
	refundHook func()
	cancelErr  error
	detailsErr error

	payRequests []paypal.PayRequest
	preRequests []paypal.PreapprovalRequest
	calls       []string
}

var stubExchange = &paypal.Exchange{Request: []byte(`{"req":true}`), Response: []byte(`{"resp":true}`)}

func (p *stubProvider) record(op string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, op)
}

func (p *stubProvider) callCount(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (p *stubProvider) Pay(ctx context.Context, req paypal.PayRequest) (*paypal.PayResponse, *paypal.Exchange, error) {
	p.record(paypal.OpPay)
	p.mu.Lock()
	p.payRequests = append(p.payRequests, req)
	p.mu.Unlock()
	if p.payErr != nil {
		return nil, stubExchange, p.payErr
	}
	return p.payResp, stubExchange, nil
}

func (p *stubProvider) PaymentDetails(ctx context.Context, payKey string) (*paypal.PaymentDetailsResponse, *paypal.Exchange, error) {
	p.record(paypal.OpPaymentDetails)
	if p.detailsErr != nil {
		return nil, stubExchange, p.detailsErr
	}
	return p.payDetails, stubExchange, nil
}

func (p *stubProvider) Refund(ctx context.Context, payKey string) (*paypal.Exchange, error) {
	p.record(paypal.OpRefund)
	if p.refundHook != nil {
		p.refundHook()
	}
	return stubExchange, p.refundErr
}

func (p *stubProvider) Preapproval(ctx context.Context, req paypal.PreapprovalRequest) (*paypal.PreapprovalResponse, *paypal.Exchange, error) {
	p.record(paypal.OpPreapproval)
	p.mu.Lock()
	p.preRequests = append(p.preRequests, req)
	p.mu.Unlock()
	if p.preErr != nil {
		return nil, stubExchange, p.preErr
	}
	return p.preResp, stubExchange, nil
}

func (p *stubProvider) PreapprovalDetails(ctx context.Context, key string) (*paypal.PreapprovalDetailsResponse, *paypal.Exchange, error) {
	p.record(paypal.OpPreapprovalDetails)
	if p.detailsErr != nil {
		return nil, stubExchange, p.detailsErr
	}
	return p.preDetails, stubExchange, nil
}

func (p *stubProvider) CancelPreapproval(ctx context.Context, key string) (*paypal.Exchange, error) {
	p.record(paypal.OpCancelPreapproval)
	return stubExchange, p.cancelErr
}

func (p *stubProvider) PaymentURL(payKey string) string {
	return "https://paypal.test/webscr?cmd=_ap-payment&paykey=" + payKey
}

func (p *stubProvider) PreapprovalURL(key string) string {
	return "https://paypal.test/webscr?cmd=_ap-preapproval&preapprovalkey=" + key
}

type scheduled struct {
	kind  string
	id    int64
	delay time.Duration
}

type stubScheduler struct {
	mu    sync.Mutex
	calls []scheduled
}

func (s *stubScheduler) SchedulePaymentUpdate(ctx context.Context, id int64, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, scheduled{kind: "payment", id: id, delay: delay})
	return nil
}

func (s *stubScheduler) SchedulePreapprovalUpdate(ctx context.Context, id int64, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, scheduled{kind: "preapproval", id: id, delay: delay})
	return nil
}

type stubPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *stubPublisher) Publish(ctx context.Context, event *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *stubPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	svc       *Service
	store     *memStore
	provider  *stubProvider
	scheduler *stubScheduler
	publisher *stubPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     newMemStore(),
		provider:  &stubProvider{},
		scheduler: &stubScheduler{},
		publisher: &stubPublisher{},
	}
	cfg := Config{
		BaseURL:   "https://shop.example",
		UseIPN:    true,
		UseChain:  true,
		PollDelay: 10 * time.Minute,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewService(cfg, f.store, f.provider, f.scheduler, f.publisher, logger)
	return f
}

// seedPayment stores a payment in the given status.
func (f *fixture) seedPayment(t *testing.T, amount money.Money, status PaymentStatus) *Payment {
	t.Helper()
	p, err := f.svc.CreatePayment(context.Background(), amount)
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if status != PaymentNew {
		p, err = f.store.WithPayment(context.Background(), p.ID, func(p *Payment) error {
			p.PayKey = "AP-SEED"
			p.SetStatus(status, "")
			return nil
		})
		if err != nil {
			t.Fatalf("seed payment: %v", err)
		}
	}
	return p
}

// seedPreapproval stores a preapproval in the given status.
func (f *fixture) seedPreapproval(t *testing.T, amount money.Money, status PreapprovalStatus) *Preapproval {
	t.Helper()
	p, err := f.svc.CreatePreapproval(context.Background(), amount, time.Time{})
	if err != nil {
		t.Fatalf("create preapproval: %v", err)
	}
	if status != PreapprovalNew {
		p, err = f.store.WithPreapproval(context.Background(), p.ID, func(p *Preapproval) error {
			p.PreapprovalKey = "PA-SEED"
			p.SetStatus(status, "")
			return nil
		})
		if err != nil {
			t.Fatalf("seed preapproval: %v", err)
		}
	}
	return p
}
