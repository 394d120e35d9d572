package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"adaptivepay/internal/adaptive"
	"adaptivepay/internal/common/api"
	"adaptivepay/internal/common/database"
	"adaptivepay/internal/common/middleware"
	"adaptivepay/internal/common/money"
	"adaptivepay/internal/paypal"
)

// Handler handles admin HTTP requests
type Handler struct {
	engine Engine
	logger *slog.Logger
}

// NewHandler creates a new admin handler
func NewHandler(engine Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// Routes returns the admin routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/payments", h.CreatePayment)
	r.Get("/payments/{id:[0-9]+}", h.GetPayment)
	r.Post("/payments/{id:[0-9]+}/update", h.UpdatePayment)
	r.Post("/payments/{id:[0-9]+}/refund", h.RefundPayment)
	r.Get("/payments/{id:[0-9]+}/refund", h.GetRefund)

	r.Post("/preapprovals", h.CreatePreapproval)
	r.Get("/preapprovals/{id:[0-9]+}", h.GetPreapproval)
	r.Post("/preapprovals/{id:[0-9]+}/update", h.UpdatePreapproval)
	r.Post("/preapprovals/{id:[0-9]+}/cancel", h.CancelPreapproval)
	r.Post("/preapprovals/{id:[0-9]+}/mark-used", h.MarkPreapprovalUsed)

	return r
}

// ReceiverRequest is one receiver of a payment
type ReceiverRequest struct {
	Email   string `json:"email" validate:"required,email"`
	Amount  string `json:"amount" validate:"required,amount"`
	Primary bool   `json:"primary"`
}

// CreatePaymentRequest is the API request for creating a payment
type CreatePaymentRequest struct {
	Amount         string            `json:"amount" validate:"required,amount"`
	Currency       string            `json:"currency" validate:"required,len=3"`
	Receivers      []ReceiverRequest `json:"receivers" validate:"required,min=1,max=2,dive"`
	PreapprovalKey string            `json:"preapproval_key"`
}

// PaymentResponse is a payment plus where the buyer approves it
type PaymentResponse struct {
	Payment   *adaptive.Payment `json:"payment"`
	NextURL   string            `json:"next_url,omitempty"`
	Processed bool              `json:"processed"`
}

// CreatePayment handles POST /payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	amount, err := money.Parse(req.Amount, req.Currency)
	if err != nil {
		api.ValidationError(w, err)
		return
	}
	receivers := make(paypal.ReceiverList, 0, len(req.Receivers))
	for _, rr := range req.Receivers {
		m, err := money.Parse(rr.Amount, req.Currency)
		if err != nil {
			api.ValidationError(w, err)
			return
		}
		receivers = append(receivers, paypal.Receiver{Email: rr.Email, Amount: m, Primary: rr.Primary})
	}

	p, err := h.engine.CreatePayment(r.Context(), amount)
	if err != nil {
		h.logger.Error("failed to create payment", "error", err)
		api.InternalError(w, "failed to create payment")
		return
	}

	ok, err := h.engine.ProcessPayment(r.Context(), p, adaptive.ProcessPaymentOptions{
		Receivers:      receivers,
		PreapprovalKey: req.PreapprovalKey,
		RemoteAddr:     remoteIP(r),
	})
	if err != nil {
		h.logger.Error("failed to process payment", "payment_id", p.ID, "error", err)
		api.InternalError(w, "failed to process payment")
		return
	}

	h.logger.Info("payment requested",
		"payment_id", p.ID,
		"status", p.Status,
		"operator", middleware.GetOperator(r.Context()),
	)
	resp := PaymentResponse{Payment: p, Processed: ok}
	if ok && p.Status == adaptive.PaymentCreated {
		resp.NextURL = h.engine.PaymentNextURL(p)
	}
	api.WriteData(w, http.StatusCreated, resp)
}

// GetPayment handles GET /payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.GetPayment(r.Context(), pathID(r))
	if err != nil {
		h.writeError(w, "get payment", err)
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// UpdatePayment handles POST /payments/{id}/update
func (h *Handler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.UpdatePayment(r.Context(), pathID(r))
	if err != nil {
		h.writeError(w, "update payment", err)
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// RefundPayment handles POST /payments/{id}/refund
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	refund, err := h.engine.Refund(r.Context(), pathID(r))
	if err != nil {
		h.writeError(w, "refund payment", err)
		return
	}
	h.logger.Info("payment refunded",
		"payment_id", refund.PaymentID,
		"operator", middleware.GetOperator(r.Context()),
	)
	api.WriteData(w, http.StatusCreated, refund)
}

// GetRefund handles GET /payments/{id}/refund
func (h *Handler) GetRefund(w http.ResponseWriter, r *http.Request) {
	refund, err := h.engine.GetRefund(r.Context(), pathID(r))
	if err != nil {
		h.writeError(w, "get refund", err)
		return
	}
	api.WriteData(w, http.StatusOK, refund)
}

// CreatePreapprovalRequest is the API request for creating a preapproval
type CreatePreapprovalRequest struct {
	Amount     string     `json:"amount" validate:"required,amount"`
	Currency   string     `json:"currency" validate:"required,len=3"`
	ValidUntil *time.Time `json:"valid_until"`
	Next       string     `json:"next" validate:"max=2048"`
}

// PreapprovalResponse is a preapproval plus where the buyer approves it
type PreapprovalResponse struct {
	Preapproval *adaptive.Preapproval `json:"preapproval"`
	NextURL     string                `json:"next_url,omitempty"`
	Processed   bool                  `json:"processed"`
}

// CreatePreapproval handles POST /preapprovals
func (h *Handler) CreatePreapproval(w http.ResponseWriter, r *http.Request) {
	var req CreatePreapprovalRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	amount, err := money.Parse(req.Amount, req.Currency)
	if err != nil {
		api.ValidationError(w, err)
		return
	}
	var validUntil time.Time
	if req.ValidUntil != nil {
		validUntil = *req.ValidUntil
	}

	p, err := h.engine.CreatePreapproval(r.Context(), amount, validUntil)
	if err != nil {
		api.ValidationError(w, err)
		return
	}

	ok, err := h.engine.ProcessPreapproval(r.Context(), p, adaptive.ProcessPreapprovalOptions{
		Next:       req.Next,
		RemoteAddr: remoteIP(r),
	})
	if err != nil {
		h.logger.Error("failed to process preapproval", "preapproval_id", p.ID, "error", err)
		api.InternalError(w, "failed to process preapproval")
		return
	}

	resp := PreapprovalResponse{Preapproval: p, Processed: ok}
	if ok {
		resp.NextURL = h.engine.PreapprovalNextURL(p)
	}
	api.WriteData(w, http.StatusCreated, resp)
}

// GetPreapproval handles GET /preapprovals/{id}
func (h *Handler) GetPreapproval(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.GetPreapproval(r.Context(), pathID(r))
	if err != nil {
		h.writeError(w, "get preapproval", err)
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// UpdatePreapproval handles POST /preapprovals/{id}/update
func (h *Handler) UpdatePreapproval(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.UpdatePreapproval(r.Context(), pathID(r))
	if err != nil {
		h.writeError(w, "update preapproval", err)
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// CancelPreapproval handles POST /preapprovals/{id}/cancel
func (h *Handler) CancelPreapproval(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.CancelPreapproval(r.Context(), pathID(r))
	if err != nil {
		h.writeError(w, "cancel preapproval", err)
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// MarkPreapprovalUsed handles POST /preapprovals/{id}/mark-used
func (h *Handler) MarkPreapprovalUsed(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.MarkPreapprovalUsed(r.Context(), pathID(r))
	if err != nil {
		h.writeError(w, "mark preapproval used", err)
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

func (h *Handler) writeError(w http.ResponseWriter, what string, err error) {
	switch {
	case database.IsNotFound(err):
		api.NotFound(w, "not found")
	case errors.Is(err, adaptive.ErrRefundNotCompleted),
		errors.Is(err, adaptive.ErrPreapprovalNotApproved),
		errors.Is(err, adaptive.ErrUnprocessedPayment),
		errors.Is(err, adaptive.ErrUnprocessedPreapproval):
		api.Conflict(w, err.Error())
	case errors.Is(err, database.ErrAlreadyExists):
		api.Conflict(w, "already exists")
	case database.IsLockTimeout(err):
		h.logger.Warn(what+" timed out waiting for a row lock", "error", err)
		api.Unavailable(w, "record is busy")
	case paypal.IsAPIError(err):
		h.logger.Warn(what+" rejected by PayPal", "error", err)
		api.BadGateway(w, err.Error())
	default:
		h.logger.Error(what+" failed", "error", err)
		api.InternalError(w, what+" failed")
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ErrInvalidAPIKey is returned for an admin API key that does not match.
var ErrInvalidAPIKey = errors.New("invalid API key")

// AdminKeyValidator accepts exactly the configured admin key.
func AdminKeyValidator(key string) middleware.APIKeyValidator {
	return func(ctx context.Context, apiKey string) (string, error) {
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
			return "", ErrInvalidAPIKey
		}
		return "admin", nil
	}
}
