package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"adaptivepay/internal/common/money"
)

// Payment execution statuses returned by Pay.
const (
	ExecCreated   = "CREATED"
	ExecCompleted = "COMPLETED"
	ExecError     = "ERROR"
)

// PinNotRequired is the default preapproval pin type.
const PinNotRequired = "NOT_REQUIRED"

// PayRequest describes a Pay call.
type PayRequest struct {
	Amount             money.Money
	ReturnURL          string
	CancelURL          string
	Receivers          ReceiverList
	IPNNotificationURL string
	PreapprovalKey     string
	RemoteAddr         string
}

type payBody struct {
	ActionType         string           `json:"actionType"`
	CurrencyCode       string           `json:"currencyCode"`
	ReturnURL          string           `json:"returnUrl"`
	CancelURL          string           `json:"cancelUrl"`
	ReceiverList       wireReceiverList `json:"receiverList"`
	IPNNotificationURL string           `json:"ipnNotificationUrl,omitempty"`
	PreapprovalKey     string           `json:"preapprovalKey,omitempty"`
	RequestEnvelope    requestEnvelope  `json:"requestEnvelope"`
}

// PayErrorItem is one entry of payErrorList.
type PayErrorItem struct {
	Receiver *struct {
		Email   string      `json:"email"`
		Amount  json.Number `json:"amount"`
		Primary FlexBool    `json:"primary"`
	} `json:"receiver,omitempty"`
	Error ErrorData `json:"error"`
}

// PayResponse is the decoded Pay response.
type PayResponse struct {
	ResponseEnvelope  ResponseEnvelope `json:"responseEnvelope"`
	PayKey            string           `json:"payKey"`
	PaymentExecStatus string           `json:"paymentExecStatus"`
	PayErrorList      *struct {
		PayError []PayErrorItem `json:"payError"`
	} `json:"payErrorList,omitempty"`
}

// FirstPayError returns the first structured pay error, if any.
func (r *PayResponse) FirstPayError() *ErrorData {
	if r.PayErrorList == nil || len(r.PayErrorList.PayError) == 0 {
		return nil
	}
	return &r.PayErrorList.PayError[0].Error
}

// Pay creates a payment.
func (c *Client) Pay(ctx context.Context, req PayRequest) (*PayResponse, *Exchange, error) {
	if !req.Amount.IsPositive() {
		return nil, nil, fmt.Errorf("pay: amount must be positive, got %s", req.Amount)
	}
	if len(req.Receivers) == 0 {
		return nil, nil, NewReceiverError("at least one Receiver is required")
	}
	receivers, err := req.Receivers.wire()
	if err != nil {
		return nil, nil, err
	}

	body := payBody{
		ActionType:         "PAY",
		CurrencyCode:       string(req.Amount.Currency),
		ReturnURL:          req.ReturnURL,
		CancelURL:          req.CancelURL,
		ReceiverList:       receivers,
		IPNNotificationURL: req.IPNNotificationURL,
		PreapprovalKey:     req.PreapprovalKey,
		RequestEnvelope:    defaultEnvelope,
	}

	var resp PayResponse
	exchange, err := c.call(ctx, OpPay, req.RemoteAddr, body, &resp, newPayError)
	if err != nil {
		return nil, exchange, err
	}
	return &resp, exchange, nil
}

// PaymentDetailsResponse is the status snapshot of a payment.
type PaymentDetailsResponse struct {
	ResponseEnvelope ResponseEnvelope `json:"responseEnvelope"`
	Status           string           `json:"status"`
	PayKey           string           `json:"payKey,omitempty"`
	ActionType       string           `json:"actionType,omitempty"`
	CurrencyCode     string           `json:"currencyCode,omitempty"`
	SenderEmail      string           `json:"senderEmail,omitempty"`
	PreapprovalKey   string           `json:"preapprovalKey,omitempty"`
	TrackingID       string           `json:"trackingId,omitempty"`
}

// PaymentDetails fetches the current status of a payment.
func (c *Client) PaymentDetails(ctx context.Context, payKey string) (*PaymentDetailsResponse, *Exchange, error) {
	if payKey == "" {
		return nil, nil, errors.New("payment details: pay key is required")
	}
	body := struct {
		PayKey          string          `json:"payKey"`
		RequestEnvelope requestEnvelope `json:"requestEnvelope"`
	}{PayKey: payKey, RequestEnvelope: defaultEnvelope}

	var resp PaymentDetailsResponse
	exchange, err := c.call(ctx, OpPaymentDetails, "", body, &resp, newAPIError)
	if err != nil {
		return nil, exchange, err
	}
	return &resp, exchange, nil
}

// Refund refunds a payment in full.
func (c *Client) Refund(ctx context.Context, payKey string) (*Exchange, error) {
	if payKey == "" {
		return nil, errors.New("refund: pay key is required")
	}
	body := struct {
		PayKey          string          `json:"payKey"`
		RequestEnvelope requestEnvelope `json:"requestEnvelope"`
	}{PayKey: payKey, RequestEnvelope: defaultEnvelope}

	return c.call(ctx, OpRefund, "", body, nil, newRefundError)
}

// PreapprovalRequest describes a Preapproval call. Zero values of PinType,
// MaxPayments and MaxPaymentsPerPeriod fall back to NOT_REQUIRED, 1 and 1.
type PreapprovalRequest struct {
	Amount               money.Money
	ReturnURL            string
	CancelURL            string
	StartingDate         time.Time
	EndingDate           time.Time
	IPNNotificationURL   string
	PinType              string
	MaxPayments          int
	MaxPaymentsPerPeriod int
	RemoteAddr           string
}

type preapprovalBody struct {
	CurrencyCode                 string          `json:"currencyCode"`
	ReturnURL                    string          `json:"returnUrl"`
	CancelURL                    string          `json:"cancelUrl"`
	StartingDate                 string          `json:"startingDate"`
	EndingDate                   string          `json:"endingDate"`
	MaxNumberOfPayments          int             `json:"maxNumberOfPayments"`
	MaxNumberOfPaymentsPerPeriod int             `json:"maxNumberOfPaymentsPerPeriod"`
	MaxTotalAmountOfAllPayments  json.Number     `json:"maxTotalAmountOfAllPayments"`
	PinType                      string          `json:"pinType"`
	IPNNotificationURL           string          `json:"ipnNotificationUrl,omitempty"`
	RequestEnvelope              requestEnvelope `json:"requestEnvelope"`
}

// PreapprovalResponse is the decoded Preapproval response.
type PreapprovalResponse struct {
	ResponseEnvelope ResponseEnvelope `json:"responseEnvelope"`
	PreapprovalKey   string           `json:"preapprovalKey"`
}

// Preapproval creates a preapproval.
func (c *Client) Preapproval(ctx context.Context, req PreapprovalRequest) (*PreapprovalResponse, *Exchange, error) {
	if !req.Amount.IsPositive() {
		return nil, nil, fmt.Errorf("preapproval: amount must be positive, got %s", req.Amount)
	}
	if req.PinType == "" {
		req.PinType = PinNotRequired
	}
	if req.MaxPayments == 0 {
		req.MaxPayments = 1
	}
	if req.MaxPaymentsPerPeriod == 0 {
		req.MaxPaymentsPerPeriod = 1
	}

	body := preapprovalBody{
		CurrencyCode:                 string(req.Amount.Currency),
		ReturnURL:                    req.ReturnURL,
		CancelURL:                    req.CancelURL,
		StartingDate:                 req.StartingDate.UTC().Format(time.RFC3339),
		EndingDate:                   req.EndingDate.UTC().Format(time.RFC3339),
		MaxNumberOfPayments:          req.MaxPayments,
		MaxNumberOfPaymentsPerPeriod: req.MaxPaymentsPerPeriod,
		MaxTotalAmountOfAllPayments:  json.Number(req.Amount.AmountString()),
		PinType:                      req.PinType,
		IPNNotificationURL:           req.IPNNotificationURL,
		RequestEnvelope:              defaultEnvelope,
	}

	var resp PreapprovalResponse
	exchange, err := c.call(ctx, OpPreapproval, req.RemoteAddr, body, &resp, newPreapproveError)
	if err != nil {
		return nil, exchange, err
	}
	return &resp, exchange, nil
}

// PreapprovalDetailsResponse is the status snapshot of a preapproval.
type PreapprovalDetailsResponse struct {
	ResponseEnvelope            ResponseEnvelope `json:"responseEnvelope"`
	Status                      string           `json:"status"`
	Approved                    FlexBool         `json:"approved"`
	CurPayments                 FlexInt          `json:"curPayments"`
	MaxNumberOfPayments         FlexInt          `json:"maxNumberOfPayments"`
	CurPaymentsAmount           string           `json:"curPaymentsAmount,omitempty"`
	MaxTotalAmountOfAllPayments string           `json:"maxTotalAmountOfAllPayments,omitempty"`
	CurrencyCode                string           `json:"currencyCode,omitempty"`
	StartingDate                string           `json:"startingDate,omitempty"`
	EndingDate                  string           `json:"endingDate,omitempty"`
	PinType                     string           `json:"pinType,omitempty"`
}

// PreapprovalDetails fetches the current status of a preapproval.
func (c *Client) PreapprovalDetails(ctx context.Context, preapprovalKey string) (*PreapprovalDetailsResponse, *Exchange, error) {
	if preapprovalKey == "" {
		return nil, nil, errors.New("preapproval details: preapproval key is required")
	}
	body := struct {
		PreapprovalKey  string          `json:"preapprovalKey"`
		RequestEnvelope requestEnvelope `json:"requestEnvelope"`
	}{PreapprovalKey: preapprovalKey, RequestEnvelope: defaultEnvelope}

	var resp PreapprovalDetailsResponse
	exchange, err := c.call(ctx, OpPreapprovalDetails, "", body, &resp, newAPIError)
	if err != nil {
		return nil, exchange, err
	}
	return &resp, exchange, nil
}

// CancelPreapproval cancels a preapproval.
func (c *Client) CancelPreapproval(ctx context.Context, preapprovalKey string) (*Exchange, error) {
	if preapprovalKey == "" {
		return nil, errors.New("cancel preapproval: preapproval key is required")
	}
	body := struct {
		PreapprovalKey  string          `json:"preapprovalKey"`
		RequestEnvelope requestEnvelope `json:"requestEnvelope"`
	}{PreapprovalKey: preapprovalKey, RequestEnvelope: defaultEnvelope}

	return c.call(ctx, OpCancelPreapproval, "", body, nil, newCancelPreapprovalError)
}
