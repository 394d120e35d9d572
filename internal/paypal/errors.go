package paypal

import "errors"

// APIError is the base of every Adaptive Payments error. The typed errors
// below unwrap to it, so errors.As(err, new(*APIError)) matches all of them.
type APIError struct {
	Message string
}

func (e *APIError) Error() string { return e.Message }

// PayError is returned when a Pay call is not acknowledged.
type PayError struct{ APIError }

func (e *PayError) Unwrap() error { return &e.APIError }

// PreapproveError is returned when a Preapproval call is not acknowledged.
type PreapproveError struct{ APIError }

func (e *PreapproveError) Unwrap() error { return &e.APIError }

// CancelPreapprovalError is returned when CancelPreapproval is not acknowledged.
type CancelPreapprovalError struct{ APIError }

func (e *CancelPreapprovalError) Unwrap() error { return &e.APIError }

// RefundError is returned when a Refund call is not acknowledged.
type RefundError struct{ APIError }

func (e *RefundError) Unwrap() error { return &e.APIError }

// IpnError is returned when a notification cannot be verified or parsed.
type IpnError struct{ APIError }

func (e *IpnError) Unwrap() error { return &e.APIError }

// ReceiverError is returned for an invalid receiver list.
type ReceiverError struct{ APIError }

func (e *ReceiverError) Unwrap() error { return &e.APIError }

func newPayError(msg string) error               { return &PayError{APIError{msg}} }
func newPreapproveError(msg string) error        { return &PreapproveError{APIError{msg}} }
func newCancelPreapprovalError(msg string) error { return &CancelPreapprovalError{APIError{msg}} }
func newRefundError(msg string) error            { return &RefundError{APIError{msg}} }
func newAPIError(msg string) error               { return &APIError{msg} }

// NewIpnError creates an IpnError.
func NewIpnError(msg string) *IpnError { return &IpnError{APIError{msg}} }

// NewReceiverError creates a ReceiverError.
func NewReceiverError(msg string) *ReceiverError { return &ReceiverError{APIError{msg}} }

// IsAPIError reports whether err belongs to the Adaptive Payments error family.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
