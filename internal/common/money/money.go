package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency represents an ISO 4217 currency code
type Currency string

// zeroDecimal lists currencies PayPal only accepts in whole units.
var zeroDecimal = map[Currency]bool{
	"HUF": true,
	"JPY": true,
	"TWD": true,
}

// DefaultPlaces is the precision of every other currency.
var DefaultPlaces int32 = 2

// Places returns the number of decimal places used when formatting c.
func (c Currency) Places() int32 {
	if zeroDecimal[c] {
		return 0
	}
	return DefaultPlaces
}

// Valid reports whether c looks like an ISO 4217 code.
func (c Currency) Valid() bool {
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// ParseCurrency normalizes a currency code.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("invalid currency code %q", s)
	}
	return c, nil
}

// ErrPrecision is returned for amounts finer than the currency's smallest
// unit, which PayPal would round.
var ErrPrecision = errors.New("amount has more decimal places than the currency allows")

// Fits reports whether d can be expressed in c without rounding.
func (c Currency) Fits(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(c.Places()))
}

// Money is an exact decimal amount in a single currency
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency Currency        `json:"currency"`
}

// Parse builds Money from a decimal string such as "100.00".
func Parse(amount string, currency string) (Money, error) {
	cur, err := ParseCurrency(currency)
	if err != nil {
		return Money{}, err
	}
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if !cur.Fits(d) {
		return Money{}, fmt.Errorf("%s %s: %w", amount, cur, ErrPrecision)
	}
	return Money{Amount: d, Currency: cur}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(amount, currency string) Money {
	m, err := Parse(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.Amount.IsPositive()
}

// Add adds two money values (must be same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

// Compare returns -1, 0, or 1
func (m Money) Compare(other Money) (int, error) {
	if m.Currency != other.Currency {
		return 0, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return m.Amount.Cmp(other.Amount), nil
}

// Equal checks equality of the (amount, currency) pair. 100 and 100.00 are equal.
func (m Money) Equal(other Money) bool {
	return m.Currency == other.Currency && m.Amount.Equal(other.Amount)
}

// GreaterThan checks if m > other
func (m Money) GreaterThan(other Money) bool {
	cmp, err := m.Compare(other)
	return err == nil && cmp > 0
}

// AmountString renders the amount with the currency's decimal places.
func (m Money) AmountString() string {
	return m.Amount.StringFixed(m.Currency.Places())
}

// String returns "100.00 SEK"
func (m Money) String() string {
	return m.AmountString() + " " + string(m.Currency)
}

// MarshalJSON implements json.Marshaler
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}{
		Amount:   m.AmountString(),
		Currency: string(m.Currency),
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (m *Money) UnmarshalJSON(data []byte) error {
	var v struct {
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.Currency == "" {
		return errors.New("money: currency is required")
	}
	cur, err := ParseCurrency(v.Currency)
	if err != nil {
		return err
	}
	if !cur.Fits(v.Amount) {
		return fmt.Errorf("%s %s: %w", v.Amount, cur, ErrPrecision)
	}
	m.Amount = v.Amount
	m.Currency = cur
	return nil
}

// Sum adds up multiple money values
func Sum(amounts ...Money) (Money, error) {
	if len(amounts) == 0 {
		return Money{}, nil
	}

	result := amounts[0]
	for _, a := range amounts[1:] {
		var err error
		result, err = result.Add(a)
		if err != nil {
			return Money{}, err
		}
	}
	return result, nil
}
