package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/reibot/backend/internal/joblock"
	"github.com/reibot/backend/internal/jobs"
	"github.com/reibot/backend/internal/ledger"
	"github.com/reibot/backend/internal/middleware"
	"github.com/reibot/backend/internal/models"
	"github.com/reibot/backend/internal/pricing"
	"github.com/reibot/backend/internal/queue"
	"github.com/reibot/backend/internal/ratelimit"
)

// LedgerAdmin covers manual corrections.
type LedgerAdmin interface {
	Adjust(ctx context.Context, userID int64, amount decimal.Decimal, refType models.RefType, refID, description string) (bool, error)
	MigrateBalance(ctx context.Context, userID int64, amount decimal.Decimal) (bool, error)
	Balance(ctx context.Context, userID int64) (decimal.Decimal, error)
	DeleteEntry(ctx context.Context, id int64) error
}

// CacheVerifier compares and rebuilds balance_cache.
type CacheVerifier interface {
	Verify(ctx context.Context) ([]models.BalanceMismatch, error)
	Refresh(ctx context.Context, userID int64) error
	RefreshAll(ctx context.Context) (int64, error)
}

type RateResetter interface {
	Reset(ctx context.Context, userID int64) error
}

type JobCanceller interface {
	Cancel(ctx context.Context, id, actor int64, reason string) (*models.Job, error)
}

type LockBreaker interface {
	IsLocked(ctx context.Context, userID int64) (bool, error)
	ForceRelease(ctx context.Context, userID int64) (bool, error)
}

// QueueInspector is the read side of the job queue.
type QueueInspector interface {
	Peek(ctx context.Context, n int) ([]queue.Item, error)
	Len(ctx context.Context) (int, error)
	TierCounts(ctx context.Context) (map[queue.Tier]int, error)
}

type PriceBook interface {
	List(ctx context.Context) ([]*models.PricingOverride, error)
	Set(ctx context.Context, provider, model, action string, price decimal.Decimal, updatedBy string) (*models.PricingOverride, error)
	Delete(ctx context.Context, provider, model, action string) error
}

var (
	_ LedgerAdmin    = (*ledger.Service)(nil)
	_ CacheVerifier  = (*ledger.BalanceCache)(nil)
	_ RateResetter   = (*ratelimit.Limiter)(nil)
	_ JobCanceller   = (*jobs.Service)(nil)
	_ LockBreaker    = (joblock.Locker)(nil)
	_ QueueInspector = (queue.Queue)(nil)
	_ PriceBook      = (*pricing.Service)(nil)
)

// AdminHandler serves /api/v1/admin endpoints. Every route sits behind
// middleware.AdminAuth.
type AdminHandler struct {
	Ledger  LedgerAdmin
	Cache   CacheVerifier
	Limiter RateResetter
	Jobs    JobCanceller
	Locks   LockBreaker
	Queue   QueueInspector
	Prices  PriceBook
	Logger  *slog.Logger
}

func (h *AdminHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func adminName(r *http.Request) string {
	if c := middleware.AdminFromCtx(r.Context()); c != nil {
		return c.Username
	}
	return "admin"
}

// --- POST /api/v1/admin/users/{id}/adjust ---

type adjustRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	RefType     models.RefType  `json:"ref_type"`
	RefID       string          `json:"ref_id"`
	Description string          `json:"description"`
}

type adjustResponse struct {
	Applied bool            `json:"applied"`
	RefType models.RefType  `json:"ref_type"`
	RefID   string          `json:"ref_id"`
	Balance decimal.Decimal `json:"balance"`
}

func (h *AdminHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	if req.RefType == "" {
		req.RefType = models.RefAdminAdjust
	}
	if req.RefID == "" {
		req.RefID = "admin_" + uuid.NewString()
	}
	if req.Description == "" {
		req.Description = "manual adjustment by " + adminName(r)
	}

	applied, err := h.Ledger.Adjust(r.Context(), userID, req.Amount, req.RefType, req.RefID, req.Description)
	switch {
	case errors.Is(err, ledger.ErrInvalidRefType), errors.Is(err, ledger.ErrZeroAmount), errors.Is(err, ledger.ErrAmountSign):
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
		return
	case err != nil:
		h.logger().Error("admin adjust", "user_id", userID, "ref_id", req.RefID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	bal, err := h.Ledger.Balance(r.Context(), userID)
	if err != nil {
		h.logger().Warn("balance after adjust", "user_id", userID, "error", err)
	}
	h.logger().Info("admin adjust", "admin", adminName(r), "user_id", userID,
		"ref_type", req.RefType, "ref_id", req.RefID, "amount", req.Amount.String(), "applied", applied)
	writeJSON(w, http.StatusOK, adjustResponse{Applied: applied, RefType: req.RefType, RefID: req.RefID, Balance: bal})
}

// --- POST /api/v1/admin/users/{id}/migrate ---

type migrateRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// MigrateBalance carries a legacy balance into the ledger. A second call for
// the same user reports applied=false.
func (h *AdminHandler) MigrateBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req migrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		http.Error(w, `{"error":"amount must be positive"}`, http.StatusBadRequest)
		return
	}
	applied, err := h.Ledger.MigrateBalance(r.Context(), userID, req.Amount)
	if err != nil {
		h.logger().Error("migrate balance", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	bal, err := h.Ledger.Balance(r.Context(), userID)
	if err != nil {
		h.logger().Warn("balance after migration", "user_id", userID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"applied": applied, "balance": bal})
}

// --- POST /api/v1/admin/users/{id}/ratelimit/reset ---

func (h *AdminHandler) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.Limiter.Reset(r.Context(), userID); err != nil {
		h.logger().Error("reset rate limit", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	h.logger().Info("rate limit reset", "admin", adminName(r), "user_id", userID)
	w.WriteHeader(http.StatusNoContent)
}

// --- POST /api/v1/admin/jobs/{id}/cancel ---

type adminCancelRequest struct {
	Reason string `json:"reason"`
}

func (h *AdminHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req adminCancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by admin"
	}
	job, err := h.Jobs.Cancel(r.Context(), id, 0, adminName(r)+": "+req.Reason)
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
		return
	case errors.Is(err, jobs.ErrJobTerminal), errors.Is(err, jobs.ErrInvalidTransition):
		http.Error(w, `{"error":"job already finished"}`, http.StatusConflict)
		return
	case err != nil:
		h.logger().Error("admin cancel job", "job_id", id, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// LockStatus handles GET /api/v1/admin/locks/{user_id}.
func (h *AdminHandler) LockStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "user_id")
	if !ok {
		return
	}
	locked, err := h.Locks.IsLocked(r.Context(), userID)
	if err != nil {
		h.logger().Error("check job lock", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": userID, "locked": locked})
}

// --- DELETE /api/v1/admin/locks/{user_id} ---

func (h *AdminHandler) ForceReleaseLock(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "user_id")
	if !ok {
		return
	}
	released, err := h.Locks.ForceRelease(r.Context(), userID)
	if err != nil {
		h.logger().Error("force release lock", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if released {
		h.logger().Warn("job lock force-released", "admin", adminName(r), "user_id", userID)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

// --- GET /api/v1/admin/queue?limit=N ---

type queueView struct {
	Length int            `json:"length"`
	Tiers  map[string]int `json:"tiers"`
	Head   []queue.Item   `json:"head"`
}

func (h *AdminHandler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n, err := h.Queue.Len(ctx)
	if err != nil {
		h.logger().Error("queue length", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	counts, err := h.Queue.TierCounts(ctx)
	if err != nil {
		h.logger().Error("queue tier counts", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	head, err := h.Queue.Peek(ctx, queryInt(r, "limit", 20))
	if err != nil {
		h.logger().Error("queue peek", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	view := queueView{Length: n, Tiers: make(map[string]int, len(queue.Tiers)), Head: head}
	for _, t := range queue.Tiers {
		view.Tiers[t.String()] = counts[t]
	}
	if view.Head == nil {
		view.Head = []queue.Item{}
	}
	writeJSON(w, http.StatusOK, view)
}

// --- /api/v1/admin/pricing ---

type priceRequest struct {
	Provider string          `json:"provider"`
	Model    string          `json:"model"`
	Action   string          `json:"action"`
	PriceRUB decimal.Decimal `json:"price_rub"`
}

func (h *AdminHandler) ListPrices(w http.ResponseWriter, r *http.Request) {
	list, err := h.Prices.List(r.Context())
	if err != nil {
		h.logger().Error("list prices", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.PricingOverride{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *AdminHandler) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	o, err := h.Prices.Set(r.Context(), req.Provider, req.Model, req.Action, req.PriceRUB, adminName(r))
	switch {
	case errors.Is(err, pricing.ErrInvalidPrice), errors.Is(err, pricing.ErrEmptyProvider):
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
		return
	case err != nil:
		h.logger().Error("set price", "provider", req.Provider, "model", req.Model, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// DeletePrice takes provider, model and action as query parameters.
func (h *AdminHandler) DeletePrice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("provider") == "" {
		http.Error(w, `{"error":"provider is required"}`, http.StatusBadRequest)
		return
	}
	err := h.Prices.Delete(r.Context(), q.Get("provider"), q.Get("model"), q.Get("action"))
	switch {
	case errors.Is(err, pricing.ErrNotFound):
		http.Error(w, `{"error":"override not found"}`, http.StatusNotFound)
		return
	case err != nil:
		h.logger().Error("delete price", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- /api/v1/admin/ledger ---

type verifyResponse struct {
	Mismatches []models.BalanceMismatch `json:"mismatches"`
	Repaired   int                      `json:"repaired"`
}

// VerifyLedger handles POST /api/v1/admin/ledger/verify?repair=true.
func (h *AdminHandler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mismatches, err := h.Cache.Verify(ctx)
	if err != nil {
		h.logger().Error("verify balances", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	resp := verifyResponse{Mismatches: mismatches}
	if resp.Mismatches == nil {
		resp.Mismatches = []models.BalanceMismatch{}
	}
	for _, m := range mismatches {
		h.logger().Error("balance cache drift", "user_id", m.UserID,
			"cached", m.Cached.String(), "actual", m.Actual.String())
	}
	if r.URL.Query().Get("repair") == "true" {
		for _, m := range mismatches {
			if err := h.Cache.Refresh(ctx, m.UserID); err != nil {
				h.logger().Error("refresh balance cache", "user_id", m.UserID, "error", err)
				continue
			}
			resp.Repaired++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// RebuildCache handles POST /api/v1/admin/ledger/rebuild: every
// balance_cache row is recomputed from the ledger.
func (h *AdminHandler) RebuildCache(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Cache.RefreshAll(r.Context())
	if err != nil {
		h.logger().Error("rebuild balance cache", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	h.logger().Warn("balance cache rebuilt", "admin", adminName(r), "rows", rows)
	writeJSON(w, http.StatusOK, map[string]int64{"rows": rows})
}

// DeleteLedgerEntry handles DELETE /api/v1/admin/ledger/{id}.
func (h *AdminHandler) DeleteLedgerEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	err := h.Ledger.DeleteEntry(r.Context(), id)
	switch {
	case errors.Is(err, ledger.ErrEntryNotFound):
		http.Error(w, `{"error":"entry not found"}`, http.StatusNotFound)
		return
	case err != nil:
		h.logger().Error("delete ledger entry", "entry_id", id, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	h.logger().Warn("ledger entry deleted by admin", "admin", adminName(r), "entry_id", id)
	w.WriteHeader(http.StatusNoContent)
}
