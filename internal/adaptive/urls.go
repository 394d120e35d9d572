package adaptive

import (
	"fmt"
	"net/url"
	"strings"
)

// Callback paths. The chi routes in the api package mirror these.
const (
	PaymentReturnPath     = "/paypal/return/pay/%d/%s/"
	PaymentCancelPath     = "/paypal/cancel/pay/%d/%s/"
	PreapprovalReturnPath = "/paypal/return/pre/%d/%s/"
	PreapprovalCancelPath = "/paypal/cancel/pre/%d/"
	NotificationPath      = "/paypal/ipn/%d/%s/"
)

// URLBuilder renders the secret-bearing callback URLs handed to PayPal.
type URLBuilder struct {
	base string
}

// NewURLBuilder creates a builder for the public base URL of the service.
func NewURLBuilder(baseURL string) URLBuilder {
	return URLBuilder{base: strings.TrimSuffix(baseURL, "/")}
}

func (b URLBuilder) PaymentReturn(p *Payment) string {
	return b.base + fmt.Sprintf(PaymentReturnPath, p.ID, p.Secret)
}

func (b URLBuilder) PaymentCancel(p *Payment) string {
	return b.base + fmt.Sprintf(PaymentCancelPath, p.ID, p.Secret)
}

func (b URLBuilder) PaymentNotification(p *Payment) string {
	return b.base + fmt.Sprintf(NotificationPath, p.ID, p.Secret)
}

// PreapprovalReturn appends next as ?next= when it is set.
func (b URLBuilder) PreapprovalReturn(p *Preapproval, next string) string {
	u := b.base + fmt.Sprintf(PreapprovalReturnPath, p.ID, p.Secret)
	if next != "" {
		u += "?next=" + url.QueryEscape(next)
	}
	return u
}

func (b URLBuilder) PreapprovalCancel(p *Preapproval) string {
	return b.base + fmt.Sprintf(PreapprovalCancelPath, p.ID)
}

func (b URLBuilder) PreapprovalNotification(p *Preapproval) string {
	return b.base + fmt.Sprintf(NotificationPath, p.ID, p.Secret)
}
