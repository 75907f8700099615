package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/reibot/backend/internal/auth"
	"github.com/reibot/backend/internal/jobs"
	"github.com/reibot/backend/internal/ledger"
	"github.com/reibot/backend/internal/middleware"
	"github.com/reibot/backend/internal/models"
	"github.com/reibot/backend/internal/pricing"
	"github.com/reibot/backend/internal/queue"
	"github.com/reibot/backend/internal/ratelimit"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type adjustCall struct {
	userID  int64
	amount  decimal.Decimal
	refType models.RefType
	refID   string
}

type mockLedger struct {
	mu       sync.Mutex
	balances map[int64]decimal.Decimal
	entries  []*models.LedgerEntry
	applied  map[string]bool
	adjusts  []adjustCall
	deleted  []int64
	err      error
}

func newMockLedger() *mockLedger {
	return &mockLedger{balances: make(map[int64]decimal.Decimal), applied: make(map[string]bool)}
}

func (m *mockLedger) Balance(_ context.Context, userID int64) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], m.err
}

func (m *mockLedger) History(_ context.Context, userID int64, limit int) ([]*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range m.entries {
		if e.UserID == userID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, m.err
}

func (m *mockLedger) Adjust(_ context.Context, userID int64, amount decimal.Decimal, refType models.RefType, refID, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !refType.IsAdmin() {
		return false, ledger.ErrInvalidRefType
	}
	m.adjusts = append(m.adjusts, adjustCall{userID, amount, refType, refID})
	if m.applied[refID] {
		return false, nil
	}
	m.applied[refID] = true
	m.balances[userID] = m.balances[userID].Add(amount)
	return true, nil
}

func (m *mockLedger) MigrateBalance(_ context.Context, userID int64, amount decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("migration-%d", userID)
	if m.applied[key] {
		return false, nil
	}
	m.applied[key] = true
	m.balances[userID] = m.balances[userID].Add(amount)
	return true, nil
}

func (m *mockLedger) DeleteEntry(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.ID == id {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			m.deleted = append(m.deleted, id)
			return nil
		}
	}
	return ledger.ErrEntryNotFound
}

type mockCache struct {
	mu         sync.Mutex
	rows       map[int64]*models.BalanceCache
	mismatches []models.BalanceMismatch
	refreshed  []int64
	rebuilt    int
}

func (c *mockCache) Get(_ context.Context, userID int64) (*models.BalanceCache, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if row, ok := c.rows[userID]; ok {
		return row, nil
	}
	return &models.BalanceCache{UserID: userID}, nil
}

func (c *mockCache) Verify(context.Context) ([]models.BalanceMismatch, error) {
	return c.mismatches, nil
}

func (c *mockCache) Refresh(_ context.Context, userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshed = append(c.refreshed, userID)
	return nil
}

func (c *mockCache) RefreshAll(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebuilt++
	return int64(len(c.rows)), nil
}

type stubSpending struct{ stats *ratelimit.SpendingStats }

func (s stubSpending) Stats(context.Context, int64) (*ratelimit.SpendingStats, error) {
	return s.stats, nil
}

type mockResetter struct{ reset []int64 }

func (m *mockResetter) Reset(_ context.Context, userID int64) error {
	m.reset = append(m.reset, userID)
	return nil
}

type mockCanceller struct {
	reason string
	err    error
}

func (m *mockCanceller) Cancel(_ context.Context, id, _ int64, reason string) (*models.Job, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.reason = reason
	return &models.Job{ID: id, Status: models.JobCancelled}, nil
}

type mockLocks struct{ held map[int64]bool }

func (m *mockLocks) IsLocked(_ context.Context, userID int64) (bool, error) {
	return m.held[userID], nil
}

func (m *mockLocks) ForceRelease(_ context.Context, userID int64) (bool, error) {
	was := m.held[userID]
	delete(m.held, userID)
	return was, nil
}

type mockPrices struct {
	mu    sync.Mutex
	items map[string]*models.PricingOverride
}

func (m *mockPrices) List(context.Context) ([]*models.PricingOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.PricingOverride
	for _, o := range m.items {
		out = append(out, o)
	}
	return out, nil
}

func (m *mockPrices) Set(_ context.Context, provider, model, action string, price decimal.Decimal, by string) (*models.PricingOverride, error) {
	if provider == "" {
		return nil, pricing.ErrEmptyProvider
	}
	if price.IsNegative() {
		return nil, pricing.ErrInvalidPrice
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o := &models.PricingOverride{Provider: provider, Model: model, Action: action, PriceRUB: price, UpdatedBy: by}
	m.items[pricing.Key(provider, model, action)] = o
	return o, nil
}

func (m *mockPrices) Delete(_ context.Context, provider, model, action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pricing.Key(provider, model, action)
	if _, ok := m.items[k]; !ok {
		return pricing.ErrNotFound
	}
	delete(m.items, k)
	return nil
}

func withAdmin(r *http.Request) *http.Request {
	return r.WithContext(middleware.WithAdmin(r.Context(), &auth.Claims{AdminID: 1, Username: "root", Role: auth.RoleAdmin}))
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ---------------------------------------------------------------------------
// AccountHandler
// ---------------------------------------------------------------------------

func TestAccountBalance(t *testing.T) {
	l := newMockLedger()
	l.balances[5] = dec("120.50")
	cache := &mockCache{rows: map[int64]*models.BalanceCache{5: {UserID: 5, Balance: dec("100"), EntryCount: 3}}}
	h := &AccountHandler{Ledger: l, Cache: cache}

	req := httptest.NewRequest(http.MethodGet, "/v1/users/5/balance", nil)
	req.SetPathValue("id", "5")
	rec := httptest.NewRecorder()
	h.Balance(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp balanceResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Balance.Equal(dec("120.50")) {
		t.Errorf("balance = %s, want ledger sum 120.50", resp.Balance)
	}
	if resp.CachedBalance == nil || !resp.CachedBalance.Equal(dec("100")) || resp.EntryCount != 3 {
		t.Errorf("cached = %v entries = %d", resp.CachedBalance, resp.EntryCount)
	}
}

func TestAccountBalance_BadID(t *testing.T) {
	h := &AccountHandler{Ledger: newMockLedger()}
	req := httptest.NewRequest(http.MethodGet, "/v1/users/x/balance", nil)
	req.SetPathValue("id", "x")
	rec := httptest.NewRecorder()
	h.Balance(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAccountHistory_Limit(t *testing.T) {
	l := newMockLedger()
	for i := int64(1); i <= 5; i++ {
		l.entries = append(l.entries, &models.LedgerEntry{ID: i, UserID: 9, Amount: dec("1")})
	}
	h := &AccountHandler{Ledger: l}
	req := httptest.NewRequest(http.MethodGet, "/v1/users/9/ledger?limit=2", nil)
	req.SetPathValue("id", "9")
	rec := httptest.NewRecorder()
	h.History(rec, req)

	var resp struct {
		Entries []models.LedgerEntry `json:"entries"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Entries) != 2 {
		t.Errorf("entries = %d, want 2", len(resp.Entries))
	}
}

func TestAccountSpending(t *testing.T) {
	h := &AccountHandler{Spend: stubSpending{stats: &ratelimit.SpendingStats{DailySpent: dec("42")}}}
	req := httptest.NewRequest(http.MethodGet, "/v1/users/3/spending", nil)
	req.SetPathValue("id", "3")
	rec := httptest.NewRecorder()
	h.Spending(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"daily_spent":"42"`) {
		t.Errorf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

// ---------------------------------------------------------------------------
// AdminHandler
// ---------------------------------------------------------------------------

func TestAdminAdjust_Idempotent(t *testing.T) {
	l := newMockLedger()
	h := &AdminHandler{Ledger: l}

	do := func() adjustResponse {
		body := `{"amount":"50","ref_type":"admin_add","ref_id":"ticket-17"}`
		req := withAdmin(httptest.NewRequest(http.MethodPost, "/api/v1/admin/users/4/adjust", strings.NewReader(body)))
		req.SetPathValue("id", "4")
		rec := httptest.NewRecorder()
		h.Adjust(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		var resp adjustResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		return resp
	}

	first, second := do(), do()
	if !first.Applied || second.Applied {
		t.Errorf("applied = %v then %v, want true then false", first.Applied, second.Applied)
	}
	if !second.Balance.Equal(dec("50")) {
		t.Errorf("balance = %s, want 50", second.Balance)
	}
}

func TestAdminAdjust_GeneratesRefAndRejectsBadType(t *testing.T) {
	l := newMockLedger()
	h := &AdminHandler{Ledger: l}

	req := withAdmin(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":"-10"}`)))
	req.SetPathValue("id", "4")
	rec := httptest.NewRecorder()
	h.Adjust(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(l.adjusts) != 1 || l.adjusts[0].refType != models.RefAdminAdjust || !strings.HasPrefix(l.adjusts[0].refID, "admin_") {
		t.Errorf("adjust = %+v", l.adjusts)
	}

	req = withAdmin(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":"10","ref_type":"payment"}`)))
	req.SetPathValue("id", "4")
	rec = httptest.NewRecorder()
	h.Adjust(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("non-admin ref type: status = %d, want 400", rec.Code)
	}
}

func TestAdminMigrateBalance_Once(t *testing.T) {
	l := newMockLedger()
	h := &AdminHandler{Ledger: l}

	var applied []bool
	for i := 0; i < 2; i++ {
		req := withAdmin(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":"300"}`)))
		req.SetPathValue("id", "6")
		rec := httptest.NewRecorder()
		h.MigrateBalance(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var resp struct {
			Applied bool `json:"applied"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		applied = append(applied, resp.Applied)
	}
	if !applied[0] || applied[1] || !l.balances[6].Equal(dec("300")) {
		t.Errorf("applied = %v balance = %s", applied, l.balances[6])
	}

	req := withAdmin(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":"0"}`)))
	req.SetPathValue("id", "6")
	rec := httptest.NewRecorder()
	h.MigrateBalance(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("zero amount: status = %d, want 400", rec.Code)
	}
}

func TestAdminCancelJob(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusOK},
		{"missing", jobs.ErrJobNotFound, http.StatusNotFound},
		{"terminal", jobs.ErrJobTerminal, http.StatusConflict},
		{"store down", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &mockCanceller{err: tt.err}
			h := &AdminHandler{Jobs: c}
			req := withAdmin(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reason":"stuck"}`)))
			req.SetPathValue("id", "11")
			rec := httptest.NewRecorder()
			h.CancelJob(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.err == nil && c.reason != "root: stuck" {
				t.Errorf("reason = %q", c.reason)
			}
		})
	}
}

func TestAdminForceReleaseLockAndReset(t *testing.T) {
	locks := &mockLocks{held: map[int64]bool{8: true}}
	resetter := &mockResetter{}
	h := &AdminHandler{Locks: locks, Limiter: resetter}

	req := withAdmin(httptest.NewRequest(http.MethodDelete, "/", nil))
	req.SetPathValue("user_id", "8")
	rec := httptest.NewRecorder()
	h.ForceReleaseLock(rec, req)
	if !strings.Contains(rec.Body.String(), `"released":true`) {
		t.Errorf("body = %s", rec.Body.String())
	}

	req = withAdmin(httptest.NewRequest(http.MethodPost, "/", nil))
	req.SetPathValue("id", "8")
	rec = httptest.NewRecorder()
	h.ResetRateLimit(rec, req)
	if rec.Code != http.StatusNoContent || len(resetter.reset) != 1 {
		t.Errorf("status = %d resets = %v", rec.Code, resetter.reset)
	}
}

func TestAdminLockStatus(t *testing.T) {
	h := &AdminHandler{Locks: &mockLocks{held: map[int64]bool{8: true}}}
	for id, want := range map[string]string{"8": `"locked":true`, "9": `"locked":false`} {
		req := withAdmin(httptest.NewRequest(http.MethodGet, "/", nil))
		req.SetPathValue("user_id", id)
		rec := httptest.NewRecorder()
		h.LockStatus(rec, req)
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), want) {
			t.Errorf("user %s: status = %d body = %s", id, rec.Code, rec.Body.String())
		}
	}

	req := withAdmin(httptest.NewRequest(http.MethodGet, "/", nil))
	req.SetPathValue("user_id", "abc")
	rec := httptest.NewRecorder()
	h.LockStatus(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d, want 400", rec.Code)
	}
}

func TestAdminQueueStatus(t *testing.T) {
	q := queue.NewMemoryQueue()
	ctx := context.Background()
	_ = q.Enqueue(ctx, 1, queue.TierNormal, nil)
	_ = q.Enqueue(ctx, 2, queue.TierCritical, nil)
	h := &AdminHandler{Queue: q}

	rec := httptest.NewRecorder()
	h.QueueStatus(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/queue", nil))

	var view queueView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.Length != 2 || view.Tiers["critical"] != 1 || view.Tiers["normal"] != 1 || view.Tiers["low"] != 0 {
		t.Errorf("view = %+v", view)
	}
	if len(view.Head) != 2 || view.Head[0].JobID != 2 {
		t.Errorf("head = %+v, want critical job first", view.Head)
	}
}

func TestAdminPricing(t *testing.T) {
	prices := &mockPrices{items: make(map[string]*models.PricingOverride)}
	h := &AdminHandler{Prices: prices}

	req := withAdmin(httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"provider":"kling","model":"v2","price_rub":"35"}`)))
	rec := httptest.NewRecorder()
	h.SetPrice(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"updated_by":"root"`) {
		t.Fatalf("set: status = %d body = %s", rec.Code, rec.Body.String())
	}

	req = withAdmin(httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"provider":"kling","price_rub":"-1"}`)))
	rec = httptest.NewRecorder()
	h.SetPrice(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("negative price: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ListPrices(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.Contains(rec.Body.String(), `"provider":"kling"`) {
		t.Errorf("list = %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.DeletePrice(rec, httptest.NewRequest(http.MethodDelete, "/?provider=kling&model=v2", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete: status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.DeletePrice(rec, httptest.NewRequest(http.MethodDelete, "/?provider=kling&model=v2", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.DeletePrice(rec, httptest.NewRequest(http.MethodDelete, "/", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("no provider: status = %d, want 400", rec.Code)
	}
}

func TestAdminVerifyLedger_Repair(t *testing.T) {
	cache := &mockCache{mismatches: []models.BalanceMismatch{
		{UserID: 1, Cached: dec("10"), Actual: dec("12")},
		{UserID: 2, Cached: dec("5"), Actual: dec("0")},
	}}
	h := &AdminHandler{Cache: cache}

	rec := httptest.NewRecorder()
	h.VerifyLedger(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/ledger/verify", nil))
	var resp verifyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Mismatches) != 2 || resp.Repaired != 0 || len(cache.refreshed) != 0 {
		t.Errorf("dry run: %+v refreshed=%v", resp, cache.refreshed)
	}

	rec = httptest.NewRecorder()
	h.VerifyLedger(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/ledger/verify?repair=true", nil))
	resp = verifyResponse{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Repaired != 2 || len(cache.refreshed) != 2 {
		t.Errorf("repair: %+v refreshed=%v", resp, cache.refreshed)
	}
}

func TestAdminRebuildCache(t *testing.T) {
	cache := &mockCache{rows: map[int64]*models.BalanceCache{1: {UserID: 1}, 2: {UserID: 2}}}
	h := &AdminHandler{Cache: cache}

	rec := httptest.NewRecorder()
	h.RebuildCache(rec, withAdmin(httptest.NewRequest(http.MethodPost, "/api/v1/admin/ledger/rebuild", nil)))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"rows":2`) {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if cache.rebuilt != 1 {
		t.Errorf("rebuilt = %d", cache.rebuilt)
	}
}

func TestAdminDeleteLedgerEntry(t *testing.T) {
	l := newMockLedger()
	l.entries = []*models.LedgerEntry{{ID: 3, UserID: 1}}
	h := &AdminHandler{Ledger: l}

	for _, want := range []int{http.StatusNoContent, http.StatusNotFound} {
		req := withAdmin(httptest.NewRequest(http.MethodDelete, "/", nil))
		req.SetPathValue("id", "3")
		rec := httptest.NewRecorder()
		h.DeleteLedgerEntry(rec, req)
		if rec.Code != want {
			t.Errorf("status = %d, want %d", rec.Code, want)
		}
	}
}
