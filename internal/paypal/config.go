// Package paypal is a client for the PayPal Adaptive Payments API.
package paypal

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	SandboxEndpoint      = "https://svcs.sandbox.paypal.com/AdaptivePayments/"
	SandboxPaymentHost   = "https://www.sandbox.paypal.com/cgi-bin/webscr"
	SandboxApplicationID = "APP-80W284485P519543T"

	ProductionEndpoint    = "https://svcs.paypal.com/AdaptivePayments/"
	ProductionPaymentHost = "https://www.paypal.com/webscr"
)

// Config holds PayPal client configuration.
type Config struct {
	Sandbox       bool          `envconfig:"PAYPAL_SANDBOX" default:"true"`
	Endpoint      string        `envconfig:"PAYPAL_ENDPOINT" validate:"required,url"`
	PaymentHost   string        `envconfig:"PAYPAL_PAYMENT_HOST" validate:"required,url"`
	UserID        string        `envconfig:"PAYPAL_USERID" required:"true" validate:"required"`
	Password      string        `envconfig:"PAYPAL_PASSWORD" required:"true" validate:"required"`
	Signature     string        `envconfig:"PAYPAL_SIGNATURE" required:"true" validate:"required"`
	ApplicationID string        `envconfig:"PAYPAL_APPLICATION_ID" validate:"required"`
	Timeout       time.Duration `envconfig:"PAYPAL_TIMEOUT" default:"30s" validate:"gt=0"`
}

var validate = validator.New()

// WithDefaults fills endpoint, payment host and application id from the
// sandbox or production presets when they are not set explicitly.
func (c Config) WithDefaults() Config {
	if c.Sandbox {
		if c.Endpoint == "" {
			c.Endpoint = SandboxEndpoint
		}
		if c.PaymentHost == "" {
			c.PaymentHost = SandboxPaymentHost
		}
		if c.ApplicationID == "" {
			c.ApplicationID = SandboxApplicationID
		}
	} else {
		if c.Endpoint == "" {
			c.Endpoint = ProductionEndpoint
		}
		if c.PaymentHost == "" {
			c.PaymentHost = ProductionPaymentHost
		}
	}
	if !strings.HasSuffix(c.Endpoint, "/") {
		c.Endpoint += "/"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Validate checks that the configuration can be used to talk to PayPal.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid paypal config: %w", err)
	}
	return nil
}
