package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/reibot/backend/internal/models"
)

// ReapExpiredArgs expires jobs past their deadline.
type ReapExpiredArgs struct {
	Limit int `json:"limit"`
}

func (ReapExpiredArgs) Kind() string { return "reap_expired_jobs" }

// PurgeReceiptsArgs deletes expired webhook receipts.
type PurgeReceiptsArgs struct{}

func (PurgeReceiptsArgs) Kind() string { return "purge_webhook_receipts" }

// CleanupRateEventsArgs prunes rate-limit events older than MaxWindow.
type CleanupRateEventsArgs struct {
	MaxWindow time.Duration `json:"max_window"`
}

func (CleanupRateEventsArgs) Kind() string { return "cleanup_rate_events" }

// VerifyBalancesArgs compares the balance cache with the ledger.
type VerifyBalancesArgs struct{}

func (VerifyBalancesArgs) Kind() string { return "verify_balances" }

// Reaper is implemented by jobs.Service.
type Reaper interface {
	ExpireOverdue(ctx context.Context, now time.Time, limit int) (int, error)
}

type ReceiptPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

type RateCleaner interface {
	Cleanup(ctx context.Context, maxWindow time.Duration) (int64, error)
}

// BalanceVerifier is implemented by ledger.BalanceCache.
type BalanceVerifier interface {
	Verify(ctx context.Context) ([]models.BalanceMismatch, error)
	Refresh(ctx context.Context, userID int64) error
}

type ReapExpiredWorker struct {
	river.WorkerDefaults[ReapExpiredArgs]
	reaper Reaper
}

func (w *ReapExpiredWorker) Work(ctx context.Context, job *river.Job[ReapExpiredArgs]) error {
	limit := job.Args.Limit
	if limit <= 0 {
		limit = 100
	}
	if _, err := w.reaper.ExpireOverdue(ctx, time.Now(), limit); err != nil {
		return fmt.Errorf("reap expired jobs: %w", err)
	}
	return nil
}

type PurgeReceiptsWorker struct {
	river.WorkerDefaults[PurgeReceiptsArgs]
	purger ReceiptPurger
	log    *slog.Logger
}

func (w *PurgeReceiptsWorker) Work(ctx context.Context, _ *river.Job[PurgeReceiptsArgs]) error {
	n, err := w.purger.PurgeExpired(ctx)
	if err != nil {
		return fmt.Errorf("purge webhook receipts: %w", err)
	}
	if n > 0 {
		w.log.Info("purged webhook receipts", "count", n)
	}
	return nil
}

type CleanupRateEventsWorker struct {
	river.WorkerDefaults[CleanupRateEventsArgs]
	cleaner RateCleaner
}

func (w *CleanupRateEventsWorker) Work(ctx context.Context, job *river.Job[CleanupRateEventsArgs]) error {
	if _, err := w.cleaner.Cleanup(ctx, job.Args.MaxWindow); err != nil {
		return fmt.Errorf("cleanup rate events: %w", err)
	}
	return nil
}

type VerifyBalancesWorker struct {
	river.WorkerDefaults[VerifyBalancesArgs]
	verifier BalanceVerifier
	log      *slog.Logger
}

// Work logs every drifted user at error level and rebuilds their cache row.
func (w *VerifyBalancesWorker) Work(ctx context.Context, _ *river.Job[VerifyBalancesArgs]) error {
	mismatches, err := w.verifier.Verify(ctx)
	if err != nil {
		return fmt.Errorf("verify balances: %w", err)
	}
	for _, m := range mismatches {
		w.log.Error("balance cache drift", "user_id", m.UserID, "cached", m.Cached.String(), "actual", m.Actual.String())
		if err := w.verifier.Refresh(ctx, m.UserID); err != nil {
			return fmt.Errorf("refresh balance for user %d: %w", m.UserID, err)
		}
	}
	return nil
}

// Maintenance holds the collaborators and schedule of the periodic jobs.
type Maintenance struct {
	Reaper       Reaper
	Receipts     ReceiptPurger
	Rates        RateCleaner
	Balances     BalanceVerifier
	ReapEvery    time.Duration
	ReapBatch    int
	PurgeEvery   time.Duration
	CleanupEvery time.Duration
	RateWindow   time.Duration
	VerifyEvery  time.Duration
	Log          *slog.Logger
}

// Register adds the maintenance workers and returns their schedules.
func (m Maintenance) Register(workers *river.Workers) []*river.PeriodicJob {
	log := m.Log
	if log == nil {
		log = slog.Default()
	}
	river.AddWorker(workers, &ReapExpiredWorker{reaper: m.Reaper})
	river.AddWorker(workers, &PurgeReceiptsWorker{purger: m.Receipts, log: log})
	river.AddWorker(workers, &CleanupRateEventsWorker{cleaner: m.Rates})
	river.AddWorker(workers, &VerifyBalancesWorker{verifier: m.Balances, log: log})

	every := func(d time.Duration, args river.JobArgs) *river.PeriodicJob {
		return river.NewPeriodicJob(
			river.PeriodicInterval(d),
			func() (river.JobArgs, *river.InsertOpts) { return args, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		)
	}
	return []*river.PeriodicJob{
		every(m.ReapEvery, ReapExpiredArgs{Limit: m.ReapBatch}),
		every(m.PurgeEvery, PurgeReceiptsArgs{}),
		every(m.CleanupEvery, CleanupRateEventsArgs{MaxWindow: m.RateWindow}),
		every(m.VerifyEvery, VerifyBalancesArgs{}),
	}
}
