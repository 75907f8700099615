package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/reibot/backend/internal/events"
	"github.com/reibot/backend/internal/ledger"
	"github.com/reibot/backend/internal/models"
	"github.com/reibot/backend/internal/queue"
	"github.com/reibot/backend/internal/ratelimit"
)

// ---------------------------------------------------------------------------
// Job store with undo-on-rollback transactions
// ---------------------------------------------------------------------------

type memTx struct {
	pgx.Tx

	store *memJobStore
	undo  []func()
	done  bool
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.undo = nil
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	return nil
}

type memJobStore struct {
	mu     sync.Mutex
	jobs   map[int64]*models.Job
	nextID int64
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[int64]*models.Job)}
}

var _ Store = (*memJobStore)(nil)

func (s *memJobStore) Begin(context.Context) (pgx.Tx, error) {
	return &memTx{store: s}, nil
}

func (s *memJobStore) CreateTx(_ context.Context, tx pgx.Tx, j *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	j.ID = s.nextID
	j.Status = models.JobPending
	j.CreatedAt = time.Now()
	cp := *j
	s.jobs[j.ID] = &cp
	id := j.ID
	tx.(*memTx).undo = append(tx.(*memTx).undo, func() { delete(s.jobs, id) })
	return nil
}

func (s *memJobStore) get(id int64) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memJobStore) Get(_ context.Context, id int64) (*models.Job, error) { return s.get(id) }

func (s *memJobStore) GetTx(_ context.Context, _ pgx.Tx, id int64) (*models.Job, error) {
	return s.get(id)
}

func (s *memJobStore) TransitionTx(_ context.Context, tx pgx.Tx, id int64, to models.JobStatus, f Fields) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !models.CanTransition(j.Status, to) {
		return nil, refusal(j.Status)
	}
	before := *j
	now := time.Now()
	j.Status = to
	if to == models.JobProcessing && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if to.IsTerminal() {
		j.CompletedAt = &now
	}
	if to == models.JobCompleted {
		j.Progress = 100
	}
	if f.ResultURL != nil {
		j.ResultURL = f.ResultURL
	}
	if f.ErrorMessage != nil {
		j.ErrorMessage = f.ErrorMessage
	}
	if f.CostActual != nil {
		j.CostActual = f.CostActual
	}
	if f.CancelledBy != nil {
		j.CancelledBy = f.CancelledBy
	}
	if f.CancelReason != nil {
		j.CancelReason = f.CancelReason
	}
	tx.(*memTx).undo = append(tx.(*memTx).undo, func() { *s.jobs[id] = before })
	cp := *j
	return &cp, nil
}

func (s *memJobStore) filter(keep func(j *models.Job) bool) []*models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if keep(j) {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func active(j *models.Job) bool {
	return j.Status == models.JobPending || j.Status == models.JobProcessing
}

func (s *memJobStore) Overdue(_ context.Context, now time.Time, limit int) ([]*models.Job, error) {
	out := s.filter(func(j *models.Job) bool { return active(j) && j.ExpiresAt.Before(now) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memJobStore) ListActive(_ context.Context, userID int64) ([]*models.Job, error) {
	return s.filter(func(j *models.Job) bool { return j.UserID == userID && active(j) }), nil
}

func (s *memJobStore) CountActive(ctx context.Context, userID int64) (int, error) {
	list, _ := s.ListActive(ctx, userID)
	return len(list), nil
}

func (s *memJobStore) IncrementRetry(_ context.Context, id int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return 0, ErrJobNotFound
	}
	j.RetryCount++
	return j.RetryCount, nil
}

func (s *memJobStore) SetProgress(_ context.Context, id int64, pct int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobProcessing {
		return ErrNotProcessing
	}
	j.Progress = pct
	return nil
}

// ---------------------------------------------------------------------------
// Ledger fake: tracks balances, held reservations and settlement refs
// ---------------------------------------------------------------------------

type fakeLedger struct {
	mu       sync.Mutex
	balance  map[int64]decimal.Decimal
	held     map[string]decimal.Decimal
	released map[string]bool
	charged  map[string]decimal.Decimal
	refunds  map[string]decimal.Decimal // "<ref_type>/<ref_id>"
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balance:  make(map[int64]decimal.Decimal),
		held:     make(map[string]decimal.Decimal),
		released: make(map[string]bool),
		charged:  make(map[string]decimal.Decimal),
		refunds:  make(map[string]decimal.Decimal),
	}
}

func (l *fakeLedger) fund(userID int64, amount string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balance[userID] = l.balance[userID].Add(decimal.RequireFromString(amount))
}

func (l *fakeLedger) balanceOf(userID int64) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance[userID]
}

func (l *fakeLedger) ReserveTx(_ context.Context, _ pgx.Tx, userID int64, amount decimal.Decimal, refID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[refID]; ok {
		return true, nil
	}
	if l.balance[userID].LessThan(amount) {
		return false, nil
	}
	l.balance[userID] = l.balance[userID].Sub(amount)
	l.held[refID] = amount
	return true, nil
}

func (l *fakeLedger) ChargeReservedTx(_ context.Context, _ pgx.Tx, userID int64, refID string, actual decimal.Decimal, newRefID, _ string) (ledger.ChargeResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.charged[newRefID]; ok {
		return ledger.ChargeResult{AlreadyApplied: true, Charged: c}, nil
	}
	if l.released[refID] {
		return ledger.ChargeResult{}, ledger.ErrReservationReleased
	}
	reserved, ok := l.held[refID]
	if !ok {
		return ledger.ChargeResult{}, ledger.ErrReservationNotFound
	}
	delete(l.held, refID)
	l.charged[newRefID] = actual
	delta := reserved.Sub(actual)
	l.balance[userID] = l.balance[userID].Add(delta)
	return ledger.ChargeResult{Reserved: reserved, Charged: actual, Reconciled: delta}, nil
}

func (l *fakeLedger) ReleaseReservationTx(_ context.Context, _ pgx.Tx, userID int64, refID string, refundType models.RefType, refundRefID, _ string) (ledger.ReleaseResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	amount, ok := l.held[refID]
	if !ok {
		return ledger.ReleaseResult{}, nil
	}
	delete(l.held, refID)
	l.released[refID] = true
	l.refunds[string(refundType)+"/"+refundRefID] = amount
	l.balance[userID] = l.balance[userID].Add(amount)
	return ledger.ReleaseResult{Released: true, Refunded: amount}, nil
}

func (l *fakeLedger) RefundTx(_ context.Context, _ pgx.Tx, userID int64, amount decimal.Decimal, refType models.RefType, refID, _ string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := string(refType) + "/" + refID
	if _, ok := l.refunds[key]; ok {
		return false, nil
	}
	l.refunds[key] = amount
	l.balance[userID] = l.balance[userID].Add(amount)
	return true, nil
}

func (l *fakeLedger) refundCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.refunds)
}

// ---------------------------------------------------------------------------
// Admission stubs, failing queue, event recorder
// ---------------------------------------------------------------------------

type stubLimiter struct{ decision ratelimit.Decision }

func (s *stubLimiter) Allow(context.Context, int64, string, int, time.Duration) ratelimit.Decision {
	return s.decision
}

type stubCost struct{ decision ratelimit.CostDecision }

func (s *stubCost) Check(context.Context, int64, decimal.Decimal) ratelimit.CostDecision {
	return s.decision
}

type failingQueue struct {
	*queue.MemoryQueue
}

func (failingQueue) Enqueue(context.Context, int64, queue.Tier, map[string]string) error {
	return errors.New("queue unavailable")
}

type recorder struct {
	mu     sync.Mutex
	events []events.JobEvent
}

func (r *recorder) PublishJob(_ context.Context, e events.JobEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
