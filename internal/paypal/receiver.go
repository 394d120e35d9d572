package paypal

import (
	"encoding/json"
	"fmt"

	"adaptivepay/internal/common/money"
)

// MaxReceivers is the largest receiver list supported: a primary and one
// secondary receiver.
const MaxReceivers = 2

// Receiver is one party receiving money from a Pay call.
type Receiver struct {
	Email   string      `json:"email" validate:"required,email"`
	Amount  money.Money `json:"amount"`
	Primary bool        `json:"primary"`
}

// ReceiverList is an ordered list of receivers.
type ReceiverList []Receiver

// HasPrimary reports whether exactly one receiver is primary. More than one
// primary is an error.
func (l ReceiverList) HasPrimary() (bool, error) {
	n := 0
	for _, r := range l {
		if r.Primary {
			n++
		}
	}
	if n > 1 {
		return false, NewReceiverError("There can only be one primary Receiver")
	}
	return n == 1, nil
}

// Total sums all receiver amounts.
func (l ReceiverList) Total() (money.Money, error) {
	amounts := make([]money.Money, 0, len(l))
	for _, r := range l {
		amounts = append(amounts, r.Amount)
	}
	return money.Sum(amounts...)
}

// Validate checks the list against the payment total. A list with two
// receivers is a chained payment: exactly one must be primary and the
// receivers must not be owed more than the payment amount.
func (l ReceiverList) Validate(total money.Money) error {
	if len(l) == 0 {
		return NewReceiverError("at least one Receiver is required")
	}
	if len(l) > MaxReceivers {
		return NewReceiverError(fmt.Sprintf("at most %d Receivers are supported", MaxReceivers))
	}
	for _, r := range l {
		if err := validate.Var(r.Email, "required,email"); err != nil {
			return NewReceiverError(fmt.Sprintf("invalid receiver email %q", r.Email))
		}
		if !r.Amount.IsPositive() {
			return NewReceiverError(fmt.Sprintf("receiver %s amount must be positive", r.Email))
		}
		if r.Amount.Currency != total.Currency {
			return NewReceiverError(fmt.Sprintf("receiver %s currency %s does not match %s", r.Email, r.Amount.Currency, total.Currency))
		}
	}

	hasPrimary, err := l.HasPrimary()
	if err != nil {
		return err
	}
	if len(l) > 1 {
		if !hasPrimary {
			return NewReceiverError("a chained payment needs one primary Receiver")
		}
		sum, err := l.Total()
		if err != nil {
			return NewReceiverError(err.Error())
		}
		if sum.GreaterThan(total) {
			return NewReceiverError(fmt.Sprintf("receivers total %s exceeds payment amount %s", sum, total))
		}
	}
	return nil
}

// PromotePrimary returns a copy of the list with the first receiver marked
// primary when no receiver is.
func (l ReceiverList) PromotePrimary() (ReceiverList, error) {
	hasPrimary, err := l.HasPrimary()
	if err != nil {
		return nil, err
	}
	out := make(ReceiverList, len(l))
	copy(out, l)
	if !hasPrimary && len(out) > 0 {
		out[0].Primary = true
	}
	return out, nil
}

type wireReceiver struct {
	Email   string      `json:"email"`
	Amount  json.Number `json:"amount"`
	Primary bool        `json:"primary"`
}

type wireReceiverList struct {
	Receiver []wireReceiver `json:"receiver"`
}

func (l ReceiverList) wire() (wireReceiverList, error) {
	if _, err := l.HasPrimary(); err != nil {
		return wireReceiverList{}, err
	}
	out := wireReceiverList{Receiver: make([]wireReceiver, 0, len(l))}
	for _, r := range l {
		out.Receiver = append(out.Receiver, wireReceiver{
			Email:   r.Email,
			Amount:  json.Number(r.Amount.AmountString()),
			Primary: r.Primary,
		})
	}
	return out, nil
}
