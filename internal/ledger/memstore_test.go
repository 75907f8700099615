package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/reibot/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory Store. Writes apply immediately and are undone on Rollback; the
// per-user mutex stands in for pg_advisory_xact_lock and is held until the
// transaction ends.
// ---------------------------------------------------------------------------

type memTx struct {
	pgx.Tx // unimplemented methods panic

	store *memStore
	held  []int64
	undo  []func()
	done  bool
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	if err := t.store.commitErr(); err != nil {
		t.rollback()
		return err
	}
	t.undo = nil
	t.finish()
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.rollback()
	return nil
}

func (t *memTx) rollback() {
	t.store.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.store.mu.Unlock()
	t.undo = nil
	t.finish()
}

func (t *memTx) finish() {
	t.done = true
	for _, id := range t.held {
		t.store.userLock(id).Unlock()
	}
	t.held = nil
}

type memStore struct {
	mu      sync.Mutex
	entries map[int64]*models.LedgerEntry
	nextID  int64
	locks   map[int64]*sync.Mutex
	locksMu sync.Mutex

	// failInsert, when set, makes Insert fail for matching entries.
	failInsert func(e *models.LedgerEntry) error
	failCommit error
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[int64]*models.LedgerEntry), locks: make(map[int64]*sync.Mutex)}
}

var _ Store = (*memStore)(nil)

func (s *memStore) commitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.failCommit
	s.failCommit = nil
	return err
}

func (s *memStore) userLock(id int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

func (s *memStore) Begin(context.Context) (pgx.Tx, error) {
	return &memTx{store: s}, nil
}

func (s *memStore) LockUser(_ context.Context, tx pgx.Tx, userID int64) error {
	t := tx.(*memTx)
	for _, id := range t.held {
		if id == userID {
			return nil
		}
	}
	s.userLock(userID).Lock()
	t.held = append(t.held, userID)
	return nil
}

func (s *memStore) Insert(_ context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	t := tx.(*memTx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert != nil {
		if err := s.failInsert(e); err != nil {
			return err
		}
	}
	for _, x := range s.entries {
		if x.UserID == e.UserID && x.RefType == e.RefType && x.RefID == e.RefID {
			return ErrDuplicateRef
		}
	}
	s.nextID++
	e.ID = s.nextID
	e.CreatedAt = time.Now()
	cp := *e
	s.entries[e.ID] = &cp
	id := e.ID
	t.undo = append(t.undo, func() { delete(s.entries, id) })
	return nil
}

func (s *memStore) FindByRef(_ context.Context, _ pgx.Tx, userID int64, refType models.RefType, refID string) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.entries {
		if x.UserID == userID && x.RefType == refType && x.RefID == refID {
			cp := *x
			return &cp, nil
		}
	}
	return nil, ErrEntryNotFound
}

func (s *memStore) update(t *memTx, id int64, fn func(e *models.LedgerEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.Settlement != models.SettlementHeld {
		return ErrEntryNotFound
	}
	before := *e
	fn(e)
	t.undo = append(t.undo, func() { *s.entries[id] = before })
	return nil
}

func (s *memStore) Promote(_ context.Context, tx pgx.Tx, id int64, newRefID string, amount decimal.Decimal, at time.Time) error {
	return s.update(tx.(*memTx), id, func(e *models.LedgerEntry) {
		origin := e.RefID
		e.RefType = models.RefJob
		e.RefID = newRefID
		e.Amount = amount
		e.Settlement = models.SettlementCharged
		e.SettledAt = &at
		e.OriginRefID = &origin
	})
}

func (s *memStore) MarkReleased(_ context.Context, tx pgx.Tx, id int64, at time.Time) error {
	return s.update(tx.(*memTx), id, func(e *models.LedgerEntry) {
		e.Settlement = models.SettlementReleased
		e.SettledAt = &at
	})
}

func (s *memStore) sum(userID int64) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, x := range s.entries {
		if x.UserID == userID {
			total = total.Add(x.Amount)
		}
	}
	return total
}

func (s *memStore) SumTx(_ context.Context, _ pgx.Tx, userID int64) (decimal.Decimal, error) {
	return s.sum(userID), nil
}

func (s *memStore) Sum(_ context.Context, userID int64) (decimal.Decimal, error) {
	return s.sum(userID), nil
}

func (s *memStore) SpentSince(_ context.Context, userID int64, since time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, x := range s.entries {
		if x.UserID == userID && x.Kind == models.KindDebit && !x.CreatedAt.Before(since) {
			total = total.Sub(x.Amount)
		}
	}
	return total, nil
}

func (s *memStore) ListByUser(_ context.Context, userID int64, limit int) ([]*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.LedgerEntry
	for _, x := range s.entries {
		if x.UserID == userID {
			cp := *x
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) DeleteTx(_ context.Context, tx pgx.Tx, id int64) (int64, error) {
	t := tx.(*memTx)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return 0, ErrEntryNotFound
	}
	delete(s.entries, id)
	t.undo = append(t.undo, func() { s.entries[id] = e })
	return e.UserID, nil
}

func (s *memStore) OwnerOf(_ context.Context, id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return 0, ErrEntryNotFound
	}
	return e.UserID, nil
}

// byRef returns the committed-or-pending entry with the given key.
func (s *memStore) byRef(userID int64, refType models.RefType, refID string) *models.LedgerEntry {
	e, err := s.FindByRef(context.Background(), nil, userID, refType, refID)
	if errors.Is(err, ErrEntryNotFound) {
		return nil
	}
	return e
}

func (s *memStore) count(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, x := range s.entries {
		if x.UserID == userID {
			n++
		}
	}
	return n
}

// ---
// memCache is an Observer that recomputes a user's balance inside the
// writing transaction and restores the old value on rollback.
// ---

type memCache struct {
	store *memStore
	mu    sync.Mutex
	rows  map[int64]balanceRow
	calls int
}

func newMemCache(s *memStore) *memCache {
	return &memCache{store: s, rows: make(map[int64]balanceRow)}
}

func (c *memCache) LedgerChanged(_ context.Context, tx pgx.Tx, userID int64) error {
	t := tx.(*memTx)
	row := balanceRow{balance: c.store.sum(userID), entries: c.store.count(userID)}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	old, had := c.rows[userID]
	c.rows[userID] = row
	t.undo = append(t.undo, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if had {
			c.rows[userID] = old
		} else {
			delete(c.rows, userID)
		}
	})
	return nil
}

func (c *memCache) snapshot() map[int64]balanceRow {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]balanceRow, len(c.rows))
	for k, v := range c.rows {
		out[k] = v
	}
	return out
}
