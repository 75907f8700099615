package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/reibot/backend/internal/ledger"
	"github.com/reibot/backend/internal/models"
	"github.com/reibot/backend/internal/ratelimit"
)

// LedgerReader is the read side of the ledger service.
type LedgerReader interface {
	Balance(ctx context.Context, userID int64) (decimal.Decimal, error)
	History(ctx context.Context, userID int64, limit int) ([]*models.LedgerEntry, error)
}

// CachedBalances serves display balances. Money decisions never read it.
type CachedBalances interface {
	Get(ctx context.Context, userID int64) (*models.BalanceCache, error)
}

// SpendingReporter summarizes recent spend against the configured caps.
type SpendingReporter interface {
	Stats(ctx context.Context, userID int64) (*ratelimit.SpendingStats, error)
}

var (
	_ LedgerReader     = (*ledger.Service)(nil)
	_ CachedBalances   = (*ledger.BalanceCache)(nil)
	_ SpendingReporter = (*ratelimit.CostController)(nil)
)

// AccountHandler serves /v1/users/{id}/... endpoints.
type AccountHandler struct {
	Ledger LedgerReader
	Cache  CachedBalances
	Spend  SpendingReporter
	Logger *slog.Logger
}

type balanceResponse struct {
	UserID        int64            `json:"user_id"`
	Balance       decimal.Decimal  `json:"balance"`
	CachedBalance *decimal.Decimal `json:"cached_balance,omitempty"`
	EntryCount    int              `json:"entry_count"`
}

func (h *AccountHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// Balance handles GET /v1/users/{id}/balance. The balance is the ledger sum;
// the cached row is included for comparison when available.
func (h *AccountHandler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	bal, err := h.Ledger.Balance(r.Context(), userID)
	if err != nil {
		h.logger().Error("balance", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	resp := balanceResponse{UserID: userID, Balance: bal}
	if h.Cache != nil {
		if c, err := h.Cache.Get(r.Context(), userID); err == nil {
			resp.CachedBalance = &c.Balance
			resp.EntryCount = c.EntryCount
		} else {
			h.logger().Warn("balance cache read", "user_id", userID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// History handles GET /v1/users/{id}/ledger?limit=N.
func (h *AccountHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	entries, err := h.Ledger.History(r.Context(), userID, queryInt(r, "limit", 50))
	if err != nil {
		h.logger().Error("ledger history", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": userID, "entries": entries})
}

// Spending handles GET /v1/users/{id}/spending.
func (h *AccountHandler) Spending(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	stats, err := h.Spend.Stats(r.Context(), userID)
	if err != nil {
		h.logger().Error("spending stats", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
