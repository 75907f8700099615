package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/reibot/backend/internal/models"
)

// maxWebhookBody bounds the bytes read before the signature check. Nothing
// in the body is parsed until the signature matches.
const maxWebhookBody = 1 << 20

// Processor applies authenticated notifications and serves user payment calls.
type Processor interface {
	HandleNotification(ctx context.Context, n *Notification) error
	CreatePayment(ctx context.Context, userID int64, amount decimal.Decimal) (*models.Payment, error)
	CheckStatus(ctx context.Context, providerID string) (*models.Payment, error)
	History(ctx context.Context, userID int64, limit int) ([]*models.Payment, error)
}

type Handler struct {
	svc       Processor
	validator *Validator // nil when no webhook secret is configured
	log       *slog.Logger
}

func NewHandler(svc Processor, validator *Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, validator: validator, log: log}
}

// Webhook handles POST /webhooks/payments.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if h.validator == nil {
		h.log.Error("webhook rejected: no secret configured")
		http.Error(w, "webhook processing unavailable", http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	sig := r.Header.Get(SignatureHeader)
	if !h.validator.VerifySignature(body, sig) {
		h.log.Warn("webhook rejected", "error", ErrInvalidSignature, "remote_addr", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if n.ID == "" || n.CreatedAt == "" || n.PaymentRef() == "" {
		http.Error(w, "missing id, created_at or payment id", http.StatusBadRequest)
		return
	}

	err = h.validator.Validate(r.Context(), body, sig, n.ID, n.CreatedAt)
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicateWebhook):
		h.log.Info("duplicate webhook", "webhook_id", n.ID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrStaleTimestamp),
		errors.Is(err, ErrFutureTimestamp), errors.Is(err, ErrBadTimestamp):
		h.log.Warn("webhook rejected", "webhook_id", n.ID, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	default:
		h.log.Error("webhook receipt store failed", "webhook_id", n.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := h.svc.HandleNotification(r.Context(), &n); err != nil {
		h.log.Error("webhook processing failed", "webhook_id", n.ID, "event", n.Event,
			"provider_payment_id", n.PaymentRef(), "error", err)
		if ferr := h.validator.Forget(r.Context(), n.ID); ferr != nil {
			h.log.Error("forget webhook receipt failed", "webhook_id", n.ID, "error", ferr)
		}
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createPaymentRequest struct {
	UserID int64           `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

// Create handles POST /v1/payments.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.UserID <= 0 || !req.Amount.IsPositive() {
		http.Error(w, "user_id and a positive amount are required", http.StatusBadRequest)
		return
	}
	p, err := h.svc.CreatePayment(r.Context(), req.UserID, req.Amount)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, p)
	case errors.Is(err, ErrProviderDisabled):
		http.Error(w, "payments unavailable", http.StatusServiceUnavailable)
	default:
		h.log.Error("create payment failed", "user_id", req.UserID, "error", err)
		http.Error(w, "create payment failed", http.StatusBadGateway)
	}
}

// Check handles POST /v1/payments/{provider_id}/check.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("provider_id")
	if id == "" {
		http.Error(w, "provider_id is required", http.StatusBadRequest)
		return
	}
	p, err := h.svc.CheckStatus(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, p)
	case errors.Is(err, ErrPaymentNotFound):
		http.Error(w, "payment not found", http.StatusNotFound)
	case errors.Is(err, ErrProviderDisabled):
		http.Error(w, "payments unavailable", http.StatusServiceUnavailable)
	default:
		h.log.Error("check payment failed", "provider_payment_id", id, "error", err)
		http.Error(w, "check payment failed", http.StatusBadGateway)
	}
}

// History handles GET /v1/users/{id}/payments?limit=N.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.svc.History(r.Context(), userID, limit)
	if err != nil {
		h.log.Error("list payments failed", "user_id", userID, "error", err)
		http.Error(w, "list payments failed", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.Payment{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": userID, "payments": list})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
