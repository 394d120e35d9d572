package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"adaptivepay/internal/common/metrics"
)

// Adaptive Payments operations.
const (
	OpPay                = "Pay"
	OpPaymentDetails     = "PaymentDetails"
	OpRefund             = "Refund"
	OpPreapproval        = "Preapproval"
	OpPreapprovalDetails = "PreapprovalDetails"
	OpCancelPreapproval  = "CancelPreapproval"
)

// Acknowledgement codes treated as success.
const (
	AckSuccess            = "Success"
	AckSuccessWithWarning = "SuccessWithWarning"
)

// Client calls the Adaptive Payments API.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new client. Missing endpoints are filled from the
// sandbox or production presets.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	cfg = cfg.WithDefaults()
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.config
}

// Exchange is the raw request and response of one call, kept for audit.
type Exchange struct {
	Request  []byte
	Response []byte
}

type requestEnvelope struct {
	ErrorLanguage string `json:"errorLanguage"`
}

var defaultEnvelope = requestEnvelope{ErrorLanguage: "en_US"}

// ResponseEnvelope is the common envelope of every response.
type ResponseEnvelope struct {
	Timestamp     string `json:"timestamp,omitempty"`
	Ack           string `json:"ack"`
	CorrelationID string `json:"correlationId,omitempty"`
	Build         string `json:"build,omitempty"`
}

// ErrorData is one entry of a response error list.
type ErrorData struct {
	ErrorID  string `json:"errorId"`
	Domain   string `json:"domain,omitempty"`
	Severity string `json:"severity,omitempty"`
	Category string `json:"category,omitempty"`
	Message  string `json:"message"`
}

type envelopeOnly struct {
	ResponseEnvelope *ResponseEnvelope `json:"responseEnvelope"`
	Error            []ErrorData       `json:"error"`
}

// Acknowledged reports whether ack is Success or SuccessWithWarning.
func Acknowledged(ack string) bool {
	return ack == AckSuccess || ack == AckSuccessWithWarning
}

func (c *Client) headers(remoteAddr string) http.Header {
	h := http.Header{}
	h.Set("X-PAYPAL-SECURITY-USERID", c.config.UserID)
	h.Set("X-PAYPAL-SECURITY-PASSWORD", c.config.Password)
	h.Set("X-PAYPAL-SECURITY-SIGNATURE", c.config.Signature)
	h.Set("X-PAYPAL-REQUEST-DATA-FORMAT", "JSON")
	h.Set("X-PAYPAL-RESPONSE-DATA-FORMAT", "JSON")
	h.Set("X-PAYPAL-APPLICATION-ID", c.config.ApplicationID)
	if remoteAddr != "" {
		h.Set("X-PAYPAL-DEVICE-IPADDRESS", remoteAddr)
	}
	h.Set("Content-Type", "application/json")
	return h
}

// call posts body to the operation endpoint and decodes an acknowledged
// response into out. A response that is not acknowledged is reported with
// fail, carrying the first error message or "unknown".
func (c *Client) call(ctx context.Context, op, remoteAddr string, body, out any, fail func(string) error) (*Exchange, error) {
	start := time.Now()
	outcome := "error"
	defer func() {
		metrics.ProviderCallDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
	}()

	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", op, err)
	}
	exchange := &Exchange{Request: reqBody}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint+op, bytes.NewReader(reqBody))
	if err != nil {
		return exchange, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header = c.headers(remoteAddr)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return exchange, fmt.Errorf("paypal %s: http request: %w", op, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return exchange, fmt.Errorf("paypal %s: read response: %w", op, err)
	}
	exchange.Response = respBody

	c.logger.Debug("paypal call",
		"operation", op,
		"status", httpResp.StatusCode,
		"request", string(reqBody),
		"response", string(respBody),
	)

	var env envelopeOnly
	if err := json.Unmarshal(respBody, &env); err != nil {
		if httpResp.StatusCode >= 400 {
			return exchange, fail(fmt.Sprintf("paypal api error: status=%d body=%s", httpResp.StatusCode, string(respBody)))
		}
		return exchange, fail(fmt.Sprintf("invalid response: %v", err))
	}

	if env.ResponseEnvelope == nil || !Acknowledged(env.ResponseEnvelope.Ack) {
		msg := "unknown"
		if len(env.Error) > 0 && env.Error[0].Message != "" {
			msg = env.Error[0].Message
		}
		outcome = "rejected"
		return exchange, fail(msg)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return exchange, fail(fmt.Sprintf("invalid response: %v", err))
		}
	}

	outcome = "ok"
	return exchange, nil
}

// PaymentURL is where a buyer is sent to approve a payment.
func (c *Client) PaymentURL(payKey string) string {
	return fmt.Sprintf("%s?cmd=_ap-payment&paykey=%s", c.config.PaymentHost, payKey)
}

// PreapprovalURL is where a buyer is sent to approve a preapproval.
func (c *Client) PreapprovalURL(preapprovalKey string) string {
	return fmt.Sprintf("%s?cmd=_ap-preapproval&preapprovalkey=%s", c.config.PaymentHost, preapprovalKey)
}

// FlexInt decodes integers PayPal sends either as numbers or as strings.
type FlexInt struct {
	Value int64
	Set   bool
}

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = FlexInt{}
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %s: %w", string(data), err)
	}
	*f = FlexInt{Value: n, Set: true}
	return nil
}

func (f FlexInt) MarshalJSON() ([]byte, error) {
	if !f.Set {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(f.Value, 10)), nil
}

// FlexBool decodes booleans PayPal sends as true/false or "true"/"false".
type FlexBool bool

func (b *FlexBool) UnmarshalJSON(data []byte) error {
	s := strings.ToLower(strings.Trim(string(data), `"`))
	*b = FlexBool(s == "true")
	return nil
}
