// Package adaptive holds the PayPal Adaptive Payments aggregates and the
// reconciliation engine that moves them through their lifecycle.
package adaptive

import (
	"errors"
	"time"

	"adaptivepay/internal/common/money"
	"adaptivepay/internal/paypal"
)

// PaymentStatus represents the status of a payment.
type PaymentStatus string

const (
	PaymentNew       PaymentStatus = "new"
	PaymentCreated   PaymentStatus = "created"
	PaymentCompleted PaymentStatus = "completed"
	PaymentError     PaymentStatus = "error"
	PaymentCanceled  PaymentStatus = "canceled"
	PaymentReturned  PaymentStatus = "returned"
	PaymentRefunded  PaymentStatus = "refunded"
)

// PreapprovalStatus represents the status of a preapproval.
type PreapprovalStatus string

const (
	PreapprovalNew      PreapprovalStatus = "new"
	PreapprovalCreated  PreapprovalStatus = "created"
	PreapprovalApproved PreapprovalStatus = "approved"
	PreapprovalError    PreapprovalStatus = "error"
	PreapprovalCanceled PreapprovalStatus = "canceled"
	PreapprovalReturned PreapprovalStatus = "returned"
	PreapprovalUsed     PreapprovalStatus = "used"
)

// RefundStatus represents the status of a refund.
type RefundStatus string

const (
	RefundNew       RefundStatus = "new"
	RefundCreated   RefundStatus = "created"
	RefundCompleted RefundStatus = "completed"
	RefundError     RefundStatus = "error"
	RefundCanceled  RefundStatus = "canceled"
	RefundReturned  RefundStatus = "returned"
)

// DefaultPreapprovalValidity is how long a preapproval stays valid when no
// end date is given.
const DefaultPreapprovalValidity = 90 * 24 * time.Hour

// Payment is a single Adaptive Payments Pay operation.
type Payment struct {
	ID            int64         `json:"id"`
	Money         money.Money   `json:"money"`
	Secret        string        `json:"-"`
	PayKey        string        `json:"pay_key,omitempty"`
	TransactionID string        `json:"transaction_id,omitempty"`
	Status        PaymentStatus `json:"status"`
	StatusDetail  string        `json:"status_detail,omitempty"`
	DebugRequest  string        `json:"debug_request,omitempty"`
	DebugResponse string        `json:"debug_response,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// NewPayment creates a payment in status new with a fresh secret.
func NewPayment(amount money.Money) (*Payment, error) {
	if !amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}
	if !amount.Currency.Fits(amount.Amount) {
		return nil, money.ErrPrecision
	}
	now := time.Now().UTC()
	return &Payment{
		Money:     amount,
		Secret:    NewSecret(),
		Status:    PaymentNew,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// SetStatus moves the payment to status with detail. It reports whether
// anything changed.
func (p *Payment) SetStatus(status PaymentStatus, detail string) bool {
	if p.Status == status && p.StatusDetail == detail {
		return false
	}
	p.Status = status
	p.StatusDetail = detail
	p.UpdatedAt = time.Now().UTC()
	return true
}

// Fail moves the payment to error.
func (p *Payment) Fail(detail string) bool {
	return p.SetStatus(PaymentError, detail)
}

// Processed reports whether the payment has a pay key.
func (p *Payment) Processed() bool {
	return p.PayKey != ""
}

// NeedsUpdate reports whether polling PayPal may still change the payment.
func (p *Payment) NeedsUpdate() bool {
	switch p.Status {
	case PaymentCompleted, PaymentRefunded, PaymentCanceled:
		return false
	}
	return true
}

func (p *Payment) recordExchange(x *paypal.Exchange) {
	if x == nil {
		return
	}
	p.DebugRequest = string(x.Request)
	p.DebugResponse = string(x.Response)
}

// Preapproval authorises later payments up to a ceiling amount.
type Preapproval struct {
	ID             int64             `json:"id"`
	Money          money.Money       `json:"money"`
	ValidUntil     time.Time         `json:"valid_until"`
	Secret         string            `json:"-"`
	PreapprovalKey string            `json:"preapproval_key,omitempty"`
	Status         PreapprovalStatus `json:"status"`
	StatusDetail   string            `json:"status_detail,omitempty"`
	DebugRequest   string            `json:"debug_request,omitempty"`
	DebugResponse  string            `json:"debug_response,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewPreapproval creates a preapproval in status new. A zero validUntil
// defaults to 90 days from now.
func NewPreapproval(amount money.Money, validUntil time.Time) (*Preapproval, error) {
	if !amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}
	if !amount.Currency.Fits(amount.Amount) {
		return nil, money.ErrPrecision
	}
	now := time.Now().UTC()
	if validUntil.IsZero() {
		validUntil = now.Add(DefaultPreapprovalValidity)
	}
	if !validUntil.After(now) {
		return nil, errors.New("valid_until must be in the future")
	}
	return &Preapproval{
		Money:      amount,
		ValidUntil: validUntil.UTC(),
		Secret:     NewSecret(),
		Status:     PreapprovalNew,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// SetStatus moves the preapproval to status with detail. It reports whether
// anything changed.
func (p *Preapproval) SetStatus(status PreapprovalStatus, detail string) bool {
	if p.Status == status && p.StatusDetail == detail {
		return false
	}
	p.Status = status
	p.StatusDetail = detail
	p.UpdatedAt = time.Now().UTC()
	return true
}

// Fail moves the preapproval to error.
func (p *Preapproval) Fail(detail string) bool {
	return p.SetStatus(PreapprovalError, detail)
}

// Processed reports whether the preapproval has a preapproval key.
func (p *Preapproval) Processed() bool {
	return p.PreapprovalKey != ""
}

// NeedsUpdate reports whether polling PayPal may still change the preapproval.
func (p *Preapproval) NeedsUpdate() bool {
	switch p.Status {
	case PreapprovalCreated, PreapprovalReturned, PreapprovalApproved:
		return true
	}
	return false
}

func (p *Preapproval) recordExchange(x *paypal.Exchange) {
	if x == nil {
		return
	}
	p.DebugRequest = string(x.Request)
	p.DebugResponse = string(x.Response)
}

// Refund is the full refund of one completed payment.
type Refund struct {
	ID            int64        `json:"id"`
	PaymentID     int64        `json:"payment_id"`
	Money         money.Money  `json:"money"`
	Secret        string       `json:"-"`
	Status        RefundStatus `json:"status"`
	StatusDetail  string       `json:"status_detail,omitempty"`
	DebugRequest  string       `json:"debug_request,omitempty"`
	DebugResponse string       `json:"debug_response,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func newRefund(p *Payment, x *paypal.Exchange) *Refund {
	now := time.Now().UTC()
	r := &Refund{
		PaymentID: p.ID,
		Money:     p.Money,
		Secret:    NewSecret(),
		Status:    RefundCompleted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if x != nil {
		r.DebugRequest = string(x.Request)
		r.DebugResponse = string(x.Response)
	}
	return r
}
