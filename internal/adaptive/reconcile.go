package adaptive

import (
	"context"
	"fmt"

	"adaptivepay/internal/common/metrics"
	"adaptivepay/internal/common/money"
	"adaptivepay/internal/paypal"
	"adaptivepay/internal/paypal/ipn"
)

// PaymentReturned handles the buyer coming back from PayPal. A wrong secret
// yields ErrSecretMismatch and a payment that was neither created nor
// completed yields ErrUnexpectedStatus; both leave the payment in error.
func (s *Service) PaymentReturned(ctx context.Context, id int64, secret string) (*Payment, error) {
	var outcome error
	var before PaymentStatus
	p, err := s.store.WithPayment(ctx, id, func(p *Payment) error {
		before = p.Status
		if !SecretMatches(p.Secret, secret) {
			p.Fail(fmt.Sprintf("Return secret \"%s\" did not match", secret))
			outcome = ErrSecretMismatch
			return nil
		}
		if p.Status != PaymentCreated && p.Status != PaymentCompleted {
			p.Fail(fmt.Sprintf("Expected status to be created or completed, not %s - duplicate transaction?", p.Status))
			outcome = ErrUnexpectedStatus
			return nil
		}
		if p.Status != PaymentCompleted {
			p.SetStatus(PaymentReturned, "")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.paymentChanged(ctx, "return", before, p)
	if outcome != nil {
		return p, outcome
	}

	s.schedulePayment(ctx, p.ID)
	return p, nil
}

// PaymentCanceled handles the buyer abandoning the payment at PayPal. A
// payment that already reached a final status keeps it.
func (s *Service) PaymentCanceled(ctx context.Context, id int64, secret string) (*Payment, error) {
	var outcome error
	var before PaymentStatus
	p, err := s.store.WithPayment(ctx, id, func(p *Payment) error {
		before = p.Status
		if !SecretMatches(p.Secret, secret) {
			p.Fail(fmt.Sprintf("Cancel secret \"%s\" did not match", secret))
			outcome = ErrSecretMismatch
			return nil
		}
		switch p.Status {
		case PaymentNew, PaymentCreated, PaymentReturned:
			p.SetStatus(PaymentCanceled, "")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.paymentChanged(ctx, "cancel", before, p)
	return p, outcome
}

// PreapprovalReturned handles the buyer coming back from PayPal after
// approving a preapproval.
func (s *Service) PreapprovalReturned(ctx context.Context, id int64, secret string) (*Preapproval, error) {
	var outcome error
	var before PreapprovalStatus
	p, err := s.store.WithPreapproval(ctx, id, func(p *Preapproval) error {
		before = p.Status
		if !SecretMatches(p.Secret, secret) {
			p.Fail(fmt.Sprintf("Return secret \"%s\" did not match", secret))
			outcome = ErrSecretMismatch
			return nil
		}
		if p.Status != PreapprovalCreated && p.Status != PreapprovalApproved {
			p.Fail(fmt.Sprintf("Expected status to be created or approved not %s - duplicate transaction?", p.Status))
			outcome = ErrUnexpectedStatus
			return nil
		}
		if p.Status != PreapprovalApproved {
			p.SetStatus(PreapprovalReturned, "")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.preapprovalChanged(ctx, "return", before, p)
	if outcome != nil {
		return p, outcome
	}

	s.schedulePreapproval(ctx, p.ID)
	return p, nil
}

// PreapprovalCanceled handles the buyer abandoning a preapproval. Only the
// existence of the preapproval is checked.
func (s *Service) PreapprovalCanceled(ctx context.Context, id int64) (*Preapproval, error) {
	return s.store.GetPreapproval(ctx, id)
}

// HandleNotification applies a verified notification to the payment or
// preapproval it names. Unknown ids surface as database.ErrNotFound and a
// wrong secret as ErrSecretMismatch.
func (s *Service) HandleNotification(ctx context.Context, id int64, secret string, n *ipn.Notification) error {
	if n.Type == ipn.TypePreapproval {
		return s.preapprovalNotification(ctx, id, secret, n)
	}
	return s.paymentNotification(ctx, id, secret, n)
}

func (s *Service) paymentNotification(ctx context.Context, id int64, secret string, n *ipn.Notification) error {
	var outcome error
	var before PaymentStatus
	p, err := s.store.WithPayment(ctx, id, func(p *Payment) error {
		before = p.Status
		if !SecretMatches(p.Secret, secret) {
			p.Fail(fmt.Sprintf("IPN secret \"%s\" did not match db", secret))
			outcome = ErrSecretMismatch
			return nil
		}
		if n.Type == ipn.TypeAdjustment {
			s.logger.Warn("no action for notification",
				"type", n.Type,
				"status", n.Status,
				"payment_id", p.ID,
			)
			return nil
		}
		if p.Status == PaymentRefunded {
			s.logger.Info("ignoring notification for refunded payment", "payment_id", p.ID, "status", n.Status)
			return nil
		}
		applyPaymentNotification(p, n)
		return nil
	})
	if err != nil {
		return err
	}
	s.paymentChanged(ctx, "ipn", before, p)
	return outcome
}

func applyPaymentNotification(p *Payment, n *ipn.Notification) {
	var made *money.Money
	if txn := n.FirstTransaction(); txn != nil {
		if txn.ID != "" {
			p.TransactionID = txn.ID
		}
		made = txn.Amount
	}

	switch {
	case made == nil || !p.Money.Equal(*made):
		p.Fail(fmt.Sprintf("IPN amounts didn't match. Payment requested %s. Payment made %s", p.Money, describe(made)))
	case n.Status != ipn.StatusCompleted:
		p.Fail(fmt.Sprintf("PayPal status was \"%s\"", n.Status))
	default:
		p.SetStatus(PaymentCompleted, "")
	}
}

func (s *Service) preapprovalNotification(ctx context.Context, id int64, secret string, n *ipn.Notification) error {
	var outcome error
	var before PreapprovalStatus
	p, err := s.store.WithPreapproval(ctx, id, func(p *Preapproval) error {
		before = p.Status
		if !SecretMatches(p.Secret, secret) {
			p.Fail(fmt.Sprintf("IPN secret \"%s\" did not match db", secret))
			outcome = ErrSecretMismatch
			return nil
		}
		applyPreapprovalNotification(p, n)
		return nil
	})
	if err != nil {
		return err
	}
	s.preapprovalChanged(ctx, "ipn", before, p)
	return outcome
}

func applyPreapprovalNotification(p *Preapproval, n *ipn.Notification) {
	made := n.MaxTotalAmountOfAllPayments
	switch {
	case p.Status == PreapprovalCanceled:
		// canceled is final
	case made == nil || !p.Money.Equal(*made):
		p.Fail(fmt.Sprintf("IPN amounts didn't match. Preapproval requested %s. Preapproval made %s", p.Money, describe(made)))
	case n.Status == ipn.StatusCanceled:
		p.SetStatus(PreapprovalCanceled, "Cancellation received via IPN")
	case !n.Approved:
		p.Fail("The preapproval is not approved")
	case p.Status == PreapprovalUsed:
		// approval arriving after use does not undo it
	default:
		p.SetStatus(PreapprovalApproved, "")
	}
}

func describe(m *money.Money) string {
	if m == nil {
		return "nothing"
	}
	return m.String()
}

// UpdatePayment polls PayPal for the payment status. Payments that already
// reached completed, refunded or canceled are left alone.
func (s *Service) UpdatePayment(ctx context.Context, id int64) (*Payment, error) {
	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Processed() {
		metrics.Polls.WithLabelValues("payment", "unprocessed").Inc()
		return p, ErrUnprocessedPayment
	}
	if !p.NeedsUpdate() {
		metrics.Polls.WithLabelValues("payment", "skipped").Inc()
		return p, nil
	}

	details, _, err := s.provider.PaymentDetails(ctx, p.PayKey)
	if err != nil {
		metrics.Polls.WithLabelValues("payment", "error").Inc()
		return p, fmt.Errorf("payment details for %d: %w", id, err)
	}

	var before PaymentStatus
	updated, err := s.store.WithPayment(ctx, id, func(cur *Payment) error {
		before = cur.Status
		if cur.NeedsUpdate() {
			applyPaymentDetails(cur, details)
		}
		return nil
	})
	if err != nil {
		return p, err
	}
	metrics.Polls.WithLabelValues("payment", "ok").Inc()
	s.paymentChanged(ctx, "poll", before, updated)
	return updated, nil
}

func applyPaymentDetails(p *Payment, d *paypal.PaymentDetailsResponse) {
	switch d.Status {
	case paypal.ExecCompleted:
		p.SetStatus(PaymentCompleted, "")
	case paypal.ExecCreated:
		p.SetStatus(PaymentCreated, "")
	case paypal.ExecError:
		p.Fail(fmt.Sprintf("PayPal status was \"%s\"", d.Status))
	}
}

// UpdatePreapproval polls PayPal for the preapproval status. Only created,
// returned and approved preapprovals are polled.
func (s *Service) UpdatePreapproval(ctx context.Context, id int64) (*Preapproval, error) {
	p, err := s.store.GetPreapproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Processed() {
		metrics.Polls.WithLabelValues("preapproval", "unprocessed").Inc()
		return p, ErrUnprocessedPreapproval
	}
	if !p.NeedsUpdate() {
		metrics.Polls.WithLabelValues("preapproval", "skipped").Inc()
		return p, nil
	}

	details, _, err := s.provider.PreapprovalDetails(ctx, p.PreapprovalKey)
	if err != nil {
		metrics.Polls.WithLabelValues("preapproval", "error").Inc()
		return p, fmt.Errorf("preapproval details for %d: %w", id, err)
	}

	var before PreapprovalStatus
	updated, err := s.store.WithPreapproval(ctx, id, func(cur *Preapproval) error {
		before = cur.Status
		if cur.NeedsUpdate() {
			applyPreapprovalDetails(cur, details)
		}
		return nil
	})
	if err != nil {
		return p, err
	}
	metrics.Polls.WithLabelValues("preapproval", "ok").Inc()
	s.preapprovalChanged(ctx, "poll", before, updated)
	return updated, nil
}

func applyPreapprovalDetails(p *Preapproval, d *paypal.PreapprovalDetailsResponse) {
	switch {
	case d.MaxNumberOfPayments.Set && d.CurPayments.Set && d.CurPayments.Value == d.MaxNumberOfPayments.Value:
		p.SetStatus(PreapprovalUsed, "")
	case d.Status == ipn.StatusActive && bool(d.Approved):
		p.SetStatus(PreapprovalApproved, "")
	case d.Status == ipn.StatusActive:
		p.SetStatus(PreapprovalCreated, "")
	case d.Status == ipn.StatusCanceled:
		p.SetStatus(PreapprovalCanceled, "")
	}
}
