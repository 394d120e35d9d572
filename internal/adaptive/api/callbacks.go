// Package api exposes the PayPal callback endpoints and the admin API.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"adaptivepay/internal/adaptive"
	"adaptivepay/internal/common/api"
	"adaptivepay/internal/common/database"
	"adaptivepay/internal/common/money"
	"adaptivepay/internal/paypal/ipn"
)

// maxNotificationBytes bounds the IPN body read from PayPal.
const maxNotificationBytes = 64 << 10

// Engine is the part of adaptive.Service the handlers drive.
type Engine interface {
	CreatePayment(ctx context.Context, amount money.Money) (*adaptive.Payment, error)
	ProcessPayment(ctx context.Context, p *adaptive.Payment, opts adaptive.ProcessPaymentOptions) (bool, error)
	GetPayment(ctx context.Context, id int64) (*adaptive.Payment, error)
	PaymentNextURL(p *adaptive.Payment) string
	PaymentReturned(ctx context.Context, id int64, secret string) (*adaptive.Payment, error)
	PaymentCanceled(ctx context.Context, id int64, secret string) (*adaptive.Payment, error)
	UpdatePayment(ctx context.Context, id int64) (*adaptive.Payment, error)
	Refund(ctx context.Context, paymentID int64) (*adaptive.Refund, error)
	GetRefund(ctx context.Context, paymentID int64) (*adaptive.Refund, error)

	CreatePreapproval(ctx context.Context, amount money.Money, validUntil time.Time) (*adaptive.Preapproval, error)
	ProcessPreapproval(ctx context.Context, p *adaptive.Preapproval, opts adaptive.ProcessPreapprovalOptions) (bool, error)
	GetPreapproval(ctx context.Context, id int64) (*adaptive.Preapproval, error)
	PreapprovalNextURL(p *adaptive.Preapproval) string
	PreapprovalReturned(ctx context.Context, id int64, secret string) (*adaptive.Preapproval, error)
	PreapprovalCanceled(ctx context.Context, id int64) (*adaptive.Preapproval, error)
	UpdatePreapproval(ctx context.Context, id int64) (*adaptive.Preapproval, error)
	CancelPreapproval(ctx context.Context, id int64) (*adaptive.Preapproval, error)
	MarkPreapprovalUsed(ctx context.Context, id int64) (*adaptive.Preapproval, error)

	HandleNotification(ctx context.Context, id int64, secret string, n *ipn.Notification) error
}

// NotificationVerifier confirms an IPN body with PayPal and parses it.
type NotificationVerifier interface {
	Verify(ctx context.Context, body []byte) (*ipn.Notification, error)
}

// Callbacks handles the requests PayPal and returning buyers send.
type Callbacks struct {
	engine   Engine
	verifier NotificationVerifier
	logger   *slog.Logger
}

// NewCallbacks creates the callback handler.
func NewCallbacks(engine Engine, verifier NotificationVerifier, logger *slog.Logger) *Callbacks {
	return &Callbacks{engine: engine, verifier: verifier, logger: logger}
}

// Routes returns the callback routes. They mirror the paths in adaptive.URLBuilder.
func (h *Callbacks) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/return/pay/{id:[0-9]+}/{secret}/", h.PaymentReturn)
	r.Get("/cancel/pay/{id:[0-9]+}/{secret}/", h.PaymentCancel)
	r.Get("/return/pre/{id:[0-9]+}/{secret}/", h.PreapprovalReturn)
	r.Get("/cancel/pre/{id:[0-9]+}/", h.PreapprovalCancel)
	r.Post("/ipn/{id:[0-9]+}/{secret}/", h.Notification)

	return r
}

// PaymentReturn handles GET /paypal/return/pay/{id}/{secret}/
func (h *Callbacks) PaymentReturn(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.PaymentReturned(r.Context(), pathID(r), chi.URLParam(r, "secret"))
	if err != nil {
		h.callbackError(w, "payment return", err)
		return
	}
	h.finish(w, r, p)
}

// PaymentCancel handles GET /paypal/cancel/pay/{id}/{secret}/
func (h *Callbacks) PaymentCancel(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.PaymentCanceled(r.Context(), pathID(r), chi.URLParam(r, "secret"))
	if err != nil {
		h.callbackError(w, "payment cancel", err)
		return
	}
	h.finish(w, r, p)
}

// PreapprovalReturn handles GET /paypal/return/pre/{id}/{secret}/
func (h *Callbacks) PreapprovalReturn(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.PreapprovalReturned(r.Context(), pathID(r), chi.URLParam(r, "secret"))
	if err != nil {
		h.callbackError(w, "preapproval return", err)
		return
	}
	h.finish(w, r, p)
}

// PreapprovalCancel handles GET /paypal/cancel/pre/{id}/
func (h *Callbacks) PreapprovalCancel(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.PreapprovalCanceled(r.Context(), pathID(r))
	if err != nil {
		h.callbackError(w, "preapproval cancel", err)
		return
	}
	h.finish(w, r, p)
}

// Notification handles POST /paypal/ipn/{id}/{secret}/
func (h *Callbacks) Notification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBytes))
	if err != nil {
		api.BadRequest(w, "failed to read notification")
		return
	}

	n, err := h.verifier.Verify(r.Context(), body)
	if err != nil {
		h.logger.Warn("notification rejected", "error", err, "remote_addr", r.RemoteAddr)
		api.BadRequest(w, err.Error())
		return
	}

	id := pathID(r)
	if err := h.engine.HandleNotification(r.Context(), id, chi.URLParam(r, "secret"), n); err != nil {
		h.callbackError(w, "notification", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// finish sends the buyer on to a local next URL when one was given.
func (h *Callbacks) finish(w http.ResponseWriter, r *http.Request, v any) {
	if next := r.URL.Query().Get("next"); isLocalPath(next) {
		http.Redirect(w, r, next, http.StatusFound)
		return
	}
	api.WriteData(w, http.StatusOK, v)
}

func (h *Callbacks) callbackError(w http.ResponseWriter, what string, err error) {
	switch {
	case database.IsNotFound(err):
		api.NotFound(w, "not found")
	case errors.Is(err, adaptive.ErrSecretMismatch):
		api.BadRequest(w, "secret mismatch")
	case database.IsLockTimeout(err):
		h.logger.Warn(what+" timed out waiting for a row lock", "error", err)
		api.Unavailable(w, "record is busy")
	case errors.Is(err, adaptive.ErrUnexpectedStatus):
		h.logger.Error(what+" out of order", "error", err)
		api.InternalError(w, "unexpected status")
	default:
		h.logger.Error(what+" failed", "error", err)
		api.InternalError(w, what+" failed")
	}
}

// isLocalPath accepts absolute paths on this host only.
func isLocalPath(next string) bool {
	return strings.HasPrefix(next, "/") && !strings.HasPrefix(next, "//") && !strings.Contains(next, "\\")
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id
}
