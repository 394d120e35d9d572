// Package ipn verifies and parses PayPal Instant Payment Notifications sent
// for Adaptive Payments.
package ipn

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"adaptivepay/internal/common/money"
	"adaptivepay/internal/paypal"
)

// Notification types.
const (
	TypePayment     = "Adaptive Payment PAY"
	TypeAdjustment  = "Adjustment"
	TypePreapproval = "Adaptive Payment PREAPPROVAL"
)

// Notification statuses.
const (
	StatusCreated       = "CREATED"
	StatusCompleted     = "COMPLETED"
	StatusIncomplete    = "INCOMPLETE"
	StatusError         = "ERROR"
	StatusReversalError = "REVERSALERROR"
	StatusProcessing    = "PROCESSING"
	StatusPending       = "PENDING"
	StatusActive        = "ACTIVE"
	StatusCanceled      = "CANCELED"
)

// Action types.
const (
	ActionPay    = "PAY"
	ActionCreate = "CREATE"
)

// MaxTransactions is the number of transaction slots PayPal may send.
const MaxTransactions = 6

var knownTypes = []string{TypePayment, TypeAdjustment, TypePreapproval}

var knownStatuses = map[string]bool{
	StatusCreated:       true,
	StatusCompleted:     true,
	StatusIncomplete:    true,
	StatusError:         true,
	StatusReversalError: true,
	StatusProcessing:    true,
	StatusPending:       true,
	StatusActive:        true,
	StatusCanceled:      true,
}

// Transaction is one transaction[n] group of a notification.
type Transaction struct {
	ID                   string
	Status               string
	Amount               *money.Money
	IsPrimaryReceiver    bool
	RefundID             string
	RefundAmount         *money.Money
	RefundAccountCharged string
	IDForSender          string
	StatusForSenderTxn   string
	Receiver             string
	InvoiceID            string
}

// Notification is a verified IPN.
type Notification struct {
	Type         string
	Status       string
	SenderEmail  string
	ActionType   string
	Transactions []Transaction

	// Payment and adjustment fields.
	PayKey                            string
	PaymentRequestDate                *time.Time
	ReverseAllParallelPaymentsOnError bool
	ReturnURL                         string
	CancelURL                         string
	IPNNotificationURL                string
	Memo                              string
	FeesPayer                         string
	TrackingID                        string
	PreapprovalKey                    string
	ReasonCode                        string

	// Preapproval fields.
	Approved                        bool
	CurrencyCode                    string
	CurrentNumberOfPayments         *int64
	CurrentTotalAmountOfAllPayments *money.Money
	CurrentPeriodAttempts           *int64
	DateOfMonth                     *int64
	DayOfWeek                       *int64
	StartingDate                    *time.Time
	EndingDate                      *time.Time
	MaxTotalAmountOfAllPayments     *money.Money
	MaxAmountPerPayment             *money.Money
	MaxNumberOfPayments             *int64
	PaymentPeriod                   string
	PinType                         string
}

// FirstTransaction returns transaction 0, or nil when none was sent.
func (n *Notification) FirstTransaction() *Transaction {
	if len(n.Transactions) == 0 {
		return nil
	}
	return &n.Transactions[0]
}

// Parse decodes a form-encoded notification body. It does not verify it.
func Parse(body []byte) (*Notification, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, paypal.NewIpnError(fmt.Sprintf("invalid notification body: %v", err))
	}
	return ParseForm(form)
}

// ParseForm decodes already parsed notification values.
func ParseForm(form url.Values) (*Notification, error) {
	rawType := form.Get("transaction_type")
	typ := ""
	for _, known := range knownTypes {
		if strings.EqualFold(rawType, known) {
			typ = known
			break
		}
	}
	if typ == "" {
		return nil, paypal.NewIpnError("Unknown transaction_type received: " + rawType)
	}

	p := &parser{form: form}
	n := &Notification{
		Type:         typ,
		Status:       form.Get("status"),
		SenderEmail:  form.Get("sender_email"),
		ActionType:   form.Get("action_type"),
		Transactions: p.transactions(),

		PayKey:                            form.Get("pay_key"),
		PaymentRequestDate:                p.date("payment_request_date"),
		ReverseAllParallelPaymentsOnError: form.Get("reverse_all_parallel_payments_on_error") == "true",
		ReturnURL:                         form.Get("return_url"),
		CancelURL:                         form.Get("cancel_url"),
		IPNNotificationURL:                form.Get("ipn_notification_url"),
		Memo:                              form.Get("memo"),
		FeesPayer:                         form.Get("fees_payer"),
		TrackingID:                        form.Get("trackingId"),
		PreapprovalKey:                    form.Get("preapproval_key"),
		ReasonCode:                        form.Get("reason_code"),

		Approved:                        form.Get("approved") == "true",
		CurrencyCode:                    form.Get("currency_code"),
		CurrentNumberOfPayments:         p.integer("current_number_of_payments"),
		CurrentTotalAmountOfAllPayments: p.amountIn("current_total_amount_of_all_payments", form.Get("currency_code")),
		CurrentPeriodAttempts:           p.integer("current_period_attempts"),
		DateOfMonth:                     p.integer("date_of_month"),
		DayOfWeek:                       p.lenientInteger("day_of_week"),
		StartingDate:                    p.date("starting_date"),
		EndingDate:                      p.date("ending_date"),
		MaxTotalAmountOfAllPayments:     p.amountIn("max_total_amount_of_all_payments", form.Get("currency_code")),
		MaxAmountPerPayment:             p.amountIn("max_amount_per_payment", form.Get("currency_code")),
		MaxNumberOfPayments:             p.integer("max_number_of_payments"),
		PaymentPeriod:                   form.Get("payment_period"),
		PinType:                         form.Get("pin_type"),
	}
	if p.err != nil {
		return nil, paypal.NewIpnError(p.err.Error())
	}

	if n.Status != "" && !knownStatuses[n.Status] {
		return nil, paypal.NewIpnError("unknown status: " + n.Status)
	}
	if n.ActionType != "" && n.ActionType != ActionPay && n.ActionType != ActionCreate {
		return nil, paypal.NewIpnError("unknown action type: " + n.ActionType)
	}
	return n, nil
}

// parser keeps the first field error so ParseForm reads as a flat list.
type parser struct {
	form url.Values
	err  error
}

func (p *parser) fail(field string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", field, err)
	}
}

func (p *parser) integer(field string) *int64 {
	s := p.form.Get(field)
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		p.fail(field, err)
		return nil
	}
	return &n
}

func (p *parser) lenientInteger(field string) *int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(p.form.Get(field)), 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func (p *parser) money(field string) *money.Money {
	m, err := ParseMoney(p.form.Get(field))
	if err != nil {
		p.fail(field, err)
		return nil
	}
	return m
}

func (p *parser) amountIn(field, currency string) *money.Money {
	s := strings.TrimSpace(p.form.Get(field))
	if s == "" {
		return nil
	}
	if strings.Contains(s, " ") {
		return p.money(field)
	}
	m, err := money.Parse(s, currency)
	if err != nil {
		p.fail(field, err)
		return nil
	}
	return &m
}

func (p *parser) date(field string) *time.Time {
	t, err := ParseDate(p.form.Get(field))
	if err != nil {
		p.fail(field, err)
		return nil
	}
	return t
}

// transactions collects transaction[0..5] groups. Both transaction[n].field
// and transaction[n][field] keys are accepted; missing indices are skipped.
func (p *parser) transactions() []Transaction {
	var out []Transaction
	for i := 0; i < MaxTransactions; i++ {
		fields := make(map[string]string)
		dotted := fmt.Sprintf("transaction[%d].", i)
		bracketed := fmt.Sprintf("transaction[%d][", i)
		for k, v := range p.form {
			if len(v) == 0 {
				continue
			}
			switch {
			case strings.HasPrefix(k, dotted):
				fields[strings.TrimPrefix(k, dotted)] = v[0]
			case strings.HasPrefix(k, bracketed) && strings.HasSuffix(k, "]"):
				fields[strings.TrimSuffix(strings.TrimPrefix(k, bracketed), "]")] = v[0]
			}
		}
		if len(fields) == 0 {
			continue
		}

		txn := Transaction{
			ID:                   fields["id"],
			Status:               fields["status"],
			IsPrimaryReceiver:    fields["is_primary_receiver"] == "true",
			RefundID:             fields["refund_id"],
			RefundAccountCharged: fields["refund_account_charged"],
			IDForSender:          fields["id_for_sender"],
			StatusForSenderTxn:   fields["status_for_sender_txn"],
			Receiver:             fields["receiver"],
			InvoiceID:            fields["invoiceId"],
		}
		var err error
		if txn.Amount, err = ParseMoney(fields["amount"]); err != nil {
			p.fail(fmt.Sprintf("transaction[%d].amount", i), err)
		}
		if txn.RefundAmount, err = ParseMoney(fields["refund_amount"]); err != nil {
			p.fail(fmt.Sprintf("transaction[%d].refund_amount", i), err)
		}
		out = append(out, txn)
	}
	return out
}

// ParseMoney reads "SEK 100.00" (or "100.00 SEK"). Empty input yields nil;
// anything other than a currency and an amount is an error.
func ParseMoney(s string) (*money.Money, error) {
	parts := strings.Fields(s)
	if len(parts) == 0 {
		return nil, nil
	}
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed money %q", s)
	}
	currency, amount := parts[0], parts[1]
	if _, err := money.ParseCurrency(currency); err != nil {
		currency, amount = amount, currency
	}
	m, err := money.Parse(amount, currency)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// PayPal stamps notification dates in US Pacific time.
var zoneOffsets = map[string]int{
	"PDT": -7 * 3600,
	"PST": -8 * 3600,
	"UTC": 0,
	"GMT": 0,
}

// ParseDate reads "Thu Jun 09 07:23:38 PDT 2011" or RFC 3339 and returns
// the instant in UTC. Empty input yields nil.
func ParseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t, nil
	}

	parts := strings.Fields(s)
	if len(parts) != 6 {
		return nil, fmt.Errorf("unrecognised date %q", s)
	}
	offset, ok := zoneOffsets[strings.ToUpper(parts[4])]
	if !ok {
		return nil, fmt.Errorf("unknown time zone %q", parts[4])
	}
	zone := time.FixedZone(parts[4], offset)
	t, err := time.ParseInLocation("Mon Jan 2 15:04:05 2006", strings.Join([]string{parts[0], parts[1], parts[2], parts[3], parts[5]}, " "), zone)
	if err != nil {
		return nil, fmt.Errorf("unrecognised date %q: %w", s, err)
	}
	t = t.UTC()
	return &t, nil
}
