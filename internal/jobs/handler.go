package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/reibot/backend/internal/ledger"
	"github.com/reibot/backend/internal/models"
	"github.com/reibot/backend/internal/pricing"
)

// Lifecycle is the part of Service the HTTP layer calls.
type Lifecycle interface {
	Submit(ctx context.Context, req SubmitRequest) (*Admission, error)
	Get(ctx context.Context, id int64) (*models.Job, error)
	Cancel(ctx context.Context, id, actor int64, reason string) (*models.Job, error)
	Position(ctx context.Context, id int64) (int, bool, error)
	ListActive(ctx context.Context, userID int64) ([]*models.Job, error)
}

// Pricer resolves a cost estimate when the caller omits one.
type Pricer interface {
	Price(ctx context.Context, provider, model, action string) (decimal.Decimal, error)
}

var (
	_ Lifecycle = (*Service)(nil)
	_ Pricer    = (*pricing.Service)(nil)
)

type CreateJobRequest struct {
	UserID       int64            `json:"user_id"`
	Type         string           `json:"type"`
	Params       json.RawMessage  `json:"params"`
	CostEstimate *decimal.Decimal `json:"cost_estimate,omitempty"`
	Provider     string           `json:"provider,omitempty"`
	Model        string           `json:"model,omitempty"`
	Action       string           `json:"action,omitempty"`
	IsAdmin      bool             `json:"is_admin,omitempty"`
	IsPaid       bool             `json:"is_paid,omitempty"`
}

type CancelRequest struct {
	Actor  int64  `json:"actor"`
	Reason string `json:"reason"`
}

type rejection struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

type Handler struct {
	svc    Lifecycle
	prices Pricer
	log    *slog.Logger
}

func NewHandler(svc Lifecycle, prices Pricer, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, prices: prices, log: log}
}

// outcomeStatus maps admission rejections to HTTP codes.
var outcomeStatus = map[Outcome]int{
	OutcomeRateLimited:       http.StatusTooManyRequests,
	OutcomeCostLimited:       http.StatusForbidden,
	OutcomeInsufficientFunds: http.StatusPaymentRequired,
	OutcomeTooManyJobs:       http.StatusConflict,
	OutcomeBusy:              http.StatusConflict,
}

// Create handles POST /v1/jobs.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.UserID <= 0 || req.Type == "" {
		http.Error(w, "user_id and type are required", http.StatusBadRequest)
		return
	}

	var cost decimal.Decimal
	if req.CostEstimate != nil {
		cost = *req.CostEstimate
	} else {
		if h.prices == nil || req.Provider == "" {
			http.Error(w, "cost_estimate or provider is required", http.StatusBadRequest)
			return
		}
		p, err := h.prices.Price(r.Context(), req.Provider, req.Model, req.Action)
		if errors.Is(err, pricing.ErrNoPrice) {
			http.Error(w, "no price configured for this action", http.StatusBadRequest)
			return
		}
		if err != nil {
			h.log.Error("price lookup failed", "provider", req.Provider, "model", req.Model, "action", req.Action, "error", err)
			http.Error(w, "price lookup failed", http.StatusInternalServerError)
			return
		}
		cost = p
	}
	if !cost.IsPositive() {
		http.Error(w, "cost must be positive", http.StatusBadRequest)
		return
	}

	adm, err := h.svc.Submit(r.Context(), SubmitRequest{
		UserID:       req.UserID,
		Type:         req.Type,
		Params:       req.Params,
		CostEstimate: cost,
		IsAdmin:      req.IsAdmin,
		IsPaid:       req.IsPaid,
	})
	if errors.Is(err, ErrInvalidRequest) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		h.log.Error("create job failed", "user_id", req.UserID, "error", err)
		http.Error(w, "create job failed", http.StatusInternalServerError)
		return
	}
	if adm.Outcome != OutcomeAccepted {
		code, ok := outcomeStatus[adm.Outcome]
		if !ok {
			code = http.StatusInternalServerError
		}
		rej := rejection{Error: string(adm.Outcome), Message: adm.Message}
		if adm.RetryAfter > 0 {
			rej.RetryAfter = int((adm.RetryAfter + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(rej.RetryAfter))
		}
		writeJSON(w, code, rej)
		return
	}
	writeJSON(w, http.StatusCreated, adm.Job)
}

// Get handles GET /v1/jobs/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.svc.Get(r.Context(), id)
	if errors.Is(err, ErrJobNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("get job failed", "job_id", id, "error", err)
		http.Error(w, "get job failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Cancel handles POST /v1/jobs/{id}/cancel and its admin twin.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req CancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by request"
	}
	job, err := h.svc.Cancel(r.Context(), id, req.Actor, req.Reason)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, job)
	case errors.Is(err, ErrJobNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
	case errors.Is(err, ErrJobTerminal):
		http.Error(w, "job already finished", http.StatusConflict)
	case errors.Is(err, ledger.ErrReservationReleased):
		h.log.Error("cancel hit released reservation", "job_id", id, "error", err)
		http.Error(w, "ledger integrity error", http.StatusInternalServerError)
	default:
		h.log.Error("cancel job failed", "job_id", id, "error", err)
		http.Error(w, "cancel job failed", http.StatusInternalServerError)
	}
}

// Position handles GET /v1/jobs/{id}/position.
func (h *Handler) Position(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	rank, queued, err := h.svc.Position(r.Context(), id)
	if err != nil {
		h.log.Error("queue position failed", "job_id", id, "error", err)
		http.Error(w, "queue position failed", http.StatusInternalServerError)
		return
	}
	resp := map[string]any{"job_id": id, "queued": queued}
	if queued {
		resp["position"] = rank
	}
	writeJSON(w, http.StatusOK, resp)
}

// Active handles GET /v1/users/{id}/jobs.
func (h *Handler) Active(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	list, err := h.svc.ListActive(r.Context(), userID)
	if err != nil {
		h.log.Error("list active jobs failed", "user_id", userID, "error", err)
		http.Error(w, "list jobs failed", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
