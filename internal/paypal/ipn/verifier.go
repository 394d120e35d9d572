package ipn

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"adaptivepay/internal/common/metrics"
	"adaptivepay/internal/paypal"
)

// Verified is the body PayPal answers a genuine notification with.
const Verified = "VERIFIED"

// Verifier confirms notifications with PayPal before parsing them.
type Verifier struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewVerifier creates a verifier posting back to the configured payment host.
func NewVerifier(cfg paypal.Config, logger *slog.Logger) *Verifier {
	cfg = cfg.WithDefaults()
	return &Verifier{
		url:        cfg.PaymentHost + "?cmd=_notify-validate",
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Verify posts the raw body back to PayPal and parses it once PayPal has
// answered VERIFIED. Every failure is a *paypal.IpnError.
func (v *Verifier) Verify(ctx context.Context, body []byte) (*Notification, error) {
	if err := v.confirm(ctx, body); err != nil {
		metrics.Notifications.WithLabelValues("unverified").Inc()
		return nil, err
	}

	n, err := Parse(body)
	if err != nil {
		metrics.Notifications.WithLabelValues("invalid").Inc()
		return nil, err
	}
	metrics.Notifications.WithLabelValues("verified").Inc()
	return n, nil
}

func (v *Verifier) confirm(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return paypal.NewIpnError(fmt.Sprintf("create verify request: %v", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return paypal.NewIpnError(fmt.Sprintf("verify request: %v", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return paypal.NewIpnError(fmt.Sprintf("read verify response: %v", err))
	}

	if resp.StatusCode != http.StatusOK {
		return paypal.NewIpnError(fmt.Sprintf("PayPal response code was %d", resp.StatusCode))
	}
	// Only the exact literal verifies, without surrounding whitespace.
	if got := string(respBody); got != Verified {
		v.logger.Warn("ipn not verified", "response", got)
		return paypal.NewIpnError(fmt.Sprintf("PayPal response was %q", got))
	}
	return nil
}
