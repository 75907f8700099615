// Package jobs owns the generation job lifecycle: admission, state
// transitions, and the money movements bound to each terminal state.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/reibot/backend/internal/config"
	"github.com/reibot/backend/internal/database"
	"github.com/reibot/backend/internal/events"
	"github.com/reibot/backend/internal/joblock"
	"github.com/reibot/backend/internal/ledger"
	"github.com/reibot/backend/internal/models"
	"github.com/reibot/backend/internal/queue"
	"github.com/reibot/backend/internal/ratelimit"
)

var (
	ErrJobNotFound       = errors.New("jobs: job not found")
	ErrJobTerminal       = errors.New("jobs: job is in a terminal state")
	ErrInvalidTransition = errors.New("jobs: invalid status transition")
	ErrNotProcessing     = errors.New("jobs: job is not processing")
	ErrInvalidProgress   = errors.New("jobs: progress must be between 0 and 100")
	ErrInvalidRequest    = errors.New("jobs: user_id, type and a positive cost are required")
)

// refusal explains why a transition out of current was rejected.
func refusal(current models.JobStatus) error {
	if current.IsTerminal() {
		return ErrJobTerminal
	}
	return ErrInvalidTransition
}

// Fields are written together with a transition. Nil fields are left as is.
type Fields struct {
	ResultURL    *string
	ErrorMessage *string
	CostActual   *decimal.Decimal
	CancelledBy  *int64
	CancelReason *string
}

type Store interface {
	database.TxBeginner
	CreateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error
	Get(ctx context.Context, id int64) (*models.Job, error)
	GetTx(ctx context.Context, tx pgx.Tx, id int64) (*models.Job, error)
	TransitionTx(ctx context.Context, tx pgx.Tx, id int64, to models.JobStatus, f Fields) (*models.Job, error)
	Overdue(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)
	ListActive(ctx context.Context, userID int64) ([]*models.Job, error)
	CountActive(ctx context.Context, userID int64) (int, error)
	IncrementRetry(ctx context.Context, id int64) (int, error)
	SetProgress(ctx context.Context, id int64, pct int) error
}

// Ledger is the part of the ledger service the lifecycle drives.
type Ledger interface {
	ReserveTx(ctx context.Context, tx pgx.Tx, userID int64, amount decimal.Decimal, refID string) (bool, error)
	ChargeReservedTx(ctx context.Context, tx pgx.Tx, userID int64, refID string, actual decimal.Decimal, newRefID, description string) (ledger.ChargeResult, error)
	ReleaseReservationTx(ctx context.Context, tx pgx.Tx, userID int64, refID string, refundType models.RefType, refundRefID, description string) (ledger.ReleaseResult, error)
	RefundTx(ctx context.Context, tx pgx.Tx, userID int64, amount decimal.Decimal, refType models.RefType, refID, description string) (bool, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, userID int64, action string, limit int, window time.Duration) ratelimit.Decision
}

type CostChecker interface {
	Check(ctx context.Context, userID int64, cost decimal.Decimal) ratelimit.CostDecision
}

type Config struct {
	Deadline         time.Duration
	MaxRuntime       time.Duration
	MaxRetries       int
	MaxActivePerUser int
	LockTTL          time.Duration
	RateLimit        int
	RateWindow       time.Duration
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Deadline:         cfg.Jobs.Deadline,
		MaxRuntime:       cfg.Jobs.MaxRuntime,
		MaxRetries:       cfg.Jobs.MaxRetries,
		MaxActivePerUser: cfg.Jobs.MaxActivePerUser,
		LockTTL:          cfg.Lock.TTL,
		RateLimit:        cfg.Limits.RequestsPerWindow,
		RateWindow:       cfg.Limits.Window,
	}
}

// Deps are the collaborators of Service. Events may be nil.
type Deps struct {
	Store   Store
	Ledger  Ledger
	Queue   queue.Queue
	Locks   joblock.Locker
	Limiter RateLimiter
	Cost    CostChecker
	Events  events.Publisher
}

type Service struct {
	store   Store
	ledger  Ledger
	queue   queue.Queue
	locks   joblock.Locker
	limiter RateLimiter
	cost    CostChecker
	events  events.Publisher
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
}

func NewService(d Deps, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if d.Events == nil {
		d.Events = events.Noop{}
	}
	return &Service{
		store:   d.Store,
		ledger:  d.Ledger,
		queue:   d.Queue,
		locks:   d.Locks,
		limiter: d.Limiter,
		cost:    d.Cost,
		events:  d.Events,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

const actionCreateJob = "create_job"

// Outcome is the admission verdict of Submit.
type Outcome string

const (
	OutcomeAccepted          Outcome = "accepted"
	OutcomeRateLimited       Outcome = "rate_limited"
	OutcomeCostLimited       Outcome = "cost_limited"
	OutcomeInsufficientFunds Outcome = "insufficient_funds"
	OutcomeTooManyJobs       Outcome = "too_many_jobs"
	OutcomeBusy              Outcome = "busy"
)

type Admission struct {
	Outcome    Outcome
	Message    string
	RetryAfter time.Duration
	Job        *models.Job
}

type SubmitRequest struct {
	UserID       int64
	Type         string
	Params       json.RawMessage
	CostEstimate decimal.Decimal
	IsAdmin      bool
	IsPaid       bool
}

// Submit admits a job: rate limit, spend caps, active-job cap, user lease,
// then the job row and its reservation in one transaction, then the queue.
// Rejections are returned as an Admission, not an error.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Admission, error) {
	if req.UserID <= 0 || req.Type == "" || !req.CostEstimate.IsPositive() {
		return nil, ErrInvalidRequest
	}

	if d := s.limiter.Allow(ctx, req.UserID, actionCreateJob, s.cfg.RateLimit, s.cfg.RateWindow); !d.Allowed {
		return &Admission{
			Outcome:    OutcomeRateLimited,
			Message:    fmt.Sprintf("too many requests, retry in %ds", int(d.RetryAfter.Seconds()+0.5)),
			RetryAfter: d.RetryAfter,
		}, nil
	}
	if cd := s.cost.Check(ctx, req.UserID, req.CostEstimate); !cd.Allowed {
		out := OutcomeCostLimited
		if cd.Reason == ratelimit.ReasonLowBalance {
			out = OutcomeInsufficientFunds
		}
		return &Admission{Outcome: out, Message: cd.Message}, nil
	}
	if s.cfg.MaxActivePerUser > 0 {
		n, err := s.store.CountActive(ctx, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("count active jobs: %w", err)
		}
		if n >= s.cfg.MaxActivePerUser {
			return &Admission{
				Outcome: OutcomeTooManyJobs,
				Message: fmt.Sprintf("%d jobs already active, limit is %d", n, s.cfg.MaxActivePerUser),
			}, nil
		}
	}

	tok, ok, err := s.locks.Acquire(ctx, req.UserID, s.leaseTTL())
	if err != nil {
		return nil, fmt.Errorf("acquire job lock: %w", err)
	}
	if !ok {
		return &Admission{Outcome: OutcomeBusy, Message: "another job is being submitted"}, nil
	}

	tier := queue.DeterminePriority(req.IsAdmin, req.IsPaid, req.Type)
	job, err := s.createReserved(ctx, req, tier, tok)
	if err != nil || job == nil {
		s.releaseLock(ctx, tok)
		if err != nil {
			return nil, err
		}
		return &Admission{Outcome: OutcomeInsufficientFunds, Message: "insufficient balance"}, nil
	}

	meta := map[string]string{"user_id": strconv.FormatInt(req.UserID, 10), "type": req.Type}
	if err := s.queue.Enqueue(ctx, job.ID, tier, meta); err != nil {
		s.log.Error("enqueue failed, cancelling job", "job_id", job.ID, "user_id", req.UserID, "error", err)
		if _, cerr := s.Cancel(ctx, job.ID, 0, "enqueue failed"); cerr != nil {
			s.log.Error("cancel after enqueue failure", "job_id", job.ID, "error", cerr)
		}
		return nil, fmt.Errorf("enqueue job %d: %w", job.ID, err)
	}

	s.log.Info("job admitted", "job_id", job.ID, "user_id", job.UserID, "type", job.Type,
		"tier", tier.String(), "cost_estimate", job.CostEstimate.String())
	s.publish(ctx, events.JobCreated, job)
	return &Admission{Outcome: OutcomeAccepted, Job: job}, nil
}

// leaseTTL covers the job's whole deadline so a lease cannot lapse while the
// job is still pending or processing. The reaper settles the job, and with
// it the lease, at the deadline.
func (s *Service) leaseTTL() time.Duration {
	if s.cfg.Deadline > s.cfg.LockTTL {
		return s.cfg.Deadline
	}
	return s.cfg.LockTTL
}

// createReserved returns a nil job when the balance cannot cover the estimate.
func (s *Service) createReserved(ctx context.Context, req SubmitRequest, tier queue.Tier, tok joblock.Token) (*models.Job, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	lockToken := tok.String()
	job := &models.Job{
		UserID:       req.UserID,
		Type:         req.Type,
		Priority:     int(tier),
		Params:       req.Params,
		CostEstimate: req.CostEstimate,
		ExpiresAt:    s.now().Add(s.cfg.Deadline),
		MaxRuntime:   int(s.cfg.MaxRuntime.Seconds()),
		MaxRetries:   s.cfg.MaxRetries,
		LockToken:    &lockToken,
	}
	if err := s.store.CreateTx(ctx, tx, job); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	ok, err := s.ledger.ReserveTx(ctx, tx, req.UserID, req.CostEstimate, job.ReservationRef())
	if err != nil {
		return nil, fmt.Errorf("reserve funds: %w", err)
	}
	if !ok {
		return nil, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*models.Job, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListActive(ctx context.Context, userID int64) ([]*models.Job, error) {
	return s.store.ListActive(ctx, userID)
}

// Position is the zero-based queue rank of a pending job.
func (s *Service) Position(ctx context.Context, id int64) (int, bool, error) {
	return s.queue.Position(ctx, id)
}

// Start moves a dequeued job to processing.
func (s *Service) Start(ctx context.Context, id int64) (*models.Job, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	job, err := s.store.TransitionTx(ctx, tx, id, models.JobProcessing, Fields{})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.publish(ctx, events.JobStarted, job)
	return job, nil
}

// Complete marks the job completed and charges its reservation at the
// actual cost in the same transaction. A non-positive cost charges the
// estimate.
func (s *Service) Complete(ctx context.Context, id int64, resultURL string, costActual decimal.Decimal) (*models.Job, ledger.ChargeResult, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, ledger.ChargeResult{}, err
	}
	defer tx.Rollback(ctx)

	cur, err := s.store.GetTx(ctx, tx, id)
	if err != nil {
		return nil, ledger.ChargeResult{}, err
	}
	actual := costActual
	if !actual.IsPositive() {
		actual = cur.CostEstimate
	}
	job, err := s.store.TransitionTx(ctx, tx, id, models.JobCompleted, Fields{ResultURL: &resultURL, CostActual: &actual})
	if err != nil {
		if errors.Is(err, ErrJobTerminal) {
			s.log.Warn("completion ignored, job already terminal", "job_id", id, "status", cur.Status)
		}
		return nil, ledger.ChargeResult{}, err
	}
	ref := job.ReservationRef()
	charge, err := s.ledger.ChargeReservedTx(ctx, tx, job.UserID, ref, actual, ref,
		fmt.Sprintf("job %d cost adjustment", job.ID))
	if err != nil {
		return nil, ledger.ChargeResult{}, fmt.Errorf("charge job %d: %w", job.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, ledger.ChargeResult{}, err
	}

	s.cleanup(ctx, job)
	s.log.Info("job completed", "job_id", job.ID, "user_id", job.UserID,
		"reserved", charge.Reserved.String(), "charged", actual.String(), "reconciled", charge.Reconciled.String())
	s.publish(ctx, events.JobCompleted, job)
	return job, charge, nil
}

// Fail marks the job failed and refunds its reservation.
func (s *Service) Fail(ctx context.Context, id int64, message string) (*models.Job, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	job, err := s.store.TransitionTx(ctx, tx, id, models.JobFailed, Fields{ErrorMessage: &message})
	if err != nil {
		if errors.Is(err, ErrJobTerminal) {
			s.log.Warn("failure ignored, job already terminal", "job_id", id)
		}
		return nil, err
	}
	refunded, err := s.release(ctx, tx, job, models.RefJob, job.ReservationRef()+"_refund", "refund for failed job "+strconv.FormatInt(job.ID, 10))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.cleanup(ctx, job)
	s.log.Info("job failed", "job_id", job.ID, "user_id", job.UserID, "refunded", refunded.String(), "error_message", message)
	s.publish(ctx, events.JobFailed, job)
	return job, nil
}

// Cancel stops a pending or processing job and returns its funds. actor 0
// means the system.
func (s *Service) Cancel(ctx context.Context, id, actor int64, reason string) (*models.Job, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	cur, err := s.store.GetTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status.IsTerminal() {
		return nil, ErrJobTerminal
	}
	f := Fields{CancelReason: &reason}
	if actor != 0 {
		f.CancelledBy = &actor
	}
	job, err := s.store.TransitionTx(ctx, tx, id, models.JobCancelled, f)
	if err != nil {
		return nil, err
	}
	refunded, err := s.release(ctx, tx, job, models.RefJobCancelled, job.ReservationRef(), "job cancelled: "+reason)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.cleanup(ctx, job)
	s.log.Info("job cancelled", "job_id", job.ID, "user_id", job.UserID, "actor", actor, "reason", reason, "refunded", refunded.String())
	s.publish(ctx, events.JobCancelled, job)
	return job, nil
}

// ExpireOverdue expires up to limit active jobs past their deadline and
// refunds each once. Jobs that settle concurrently are skipped.
func (s *Service) ExpireOverdue(ctx context.Context, now time.Time, limit int) (int, error) {
	overdue, err := s.store.Overdue(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list overdue jobs: %w", err)
	}
	expired := 0
	for _, j := range overdue {
		job, err := s.expire(ctx, j.ID)
		switch {
		case errors.Is(err, ErrJobTerminal), errors.Is(err, ErrInvalidTransition):
			continue
		case err != nil:
			s.log.Error("expire job failed", "job_id", j.ID, "user_id", j.UserID, "error", err)
			continue
		}
		s.cleanup(ctx, job)
		s.publish(ctx, events.JobExpired, job)
		expired++
	}
	if expired > 0 {
		s.log.Info("expired overdue jobs", "count", expired, "scanned", len(overdue))
	}
	return expired, nil
}

func (s *Service) expire(ctx context.Context, id int64) (*models.Job, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	msg := "deadline exceeded"
	job, err := s.store.TransitionTx(ctx, tx, id, models.JobExpired, Fields{ErrorMessage: &msg})
	if err != nil {
		return nil, err
	}
	refunded, err := s.release(ctx, tx, job, models.RefJobCancelled, job.ReservationRef(), "job expired")
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.log.Info("job expired", "job_id", job.ID, "user_id", job.UserID, "refunded", refunded.String())
	return job, nil
}

// release returns a job's money: the held reservation if any, otherwise the
// recorded charge.
func (s *Service) release(ctx context.Context, tx pgx.Tx, job *models.Job, refType models.RefType, refID, description string) (decimal.Decimal, error) {
	res, err := s.ledger.ReleaseReservationTx(ctx, tx, job.UserID, job.ReservationRef(), refType, refID, description)
	if err != nil {
		return decimal.Zero, fmt.Errorf("release reservation: %w", err)
	}
	if res.Released {
		return res.Refunded, nil
	}
	if job.CostActual == nil || !job.CostActual.IsPositive() {
		return decimal.Zero, nil
	}
	applied, err := s.ledger.RefundTx(ctx, tx, job.UserID, *job.CostActual, refType, refID, description)
	if err != nil {
		return decimal.Zero, fmt.Errorf("refund charge: %w", err)
	}
	if !applied {
		return decimal.Zero, nil
	}
	return *job.CostActual, nil
}

// RecordRetry increments and returns the job's retry count.
func (s *Service) RecordRetry(ctx context.Context, id int64) (int, error) {
	return s.store.IncrementRetry(ctx, id)
}

func (s *Service) Progress(ctx context.Context, id int64, pct int) error {
	if pct < 0 || pct > 100 {
		return ErrInvalidProgress
	}
	if err := s.store.SetProgress(ctx, id, pct); err != nil {
		return err
	}
	if job, err := s.store.Get(ctx, id); err == nil {
		s.publish(ctx, events.JobProgress, job)
	}
	return nil
}

// cleanup drops the queue entry and the user lease after a job settles.
func (s *Service) cleanup(ctx context.Context, job *models.Job) {
	if _, err := s.queue.Remove(ctx, job.ID); err != nil {
		s.log.Warn("remove job from queue", "job_id", job.ID, "error", err)
	}
	if job.LockToken != nil {
		s.releaseLock(ctx, joblock.Token{UserID: job.UserID, Value: *job.LockToken})
	}
}

func (s *Service) releaseLock(ctx context.Context, tok joblock.Token) {
	if _, err := s.locks.Release(ctx, tok); err != nil {
		s.log.Warn("release job lock", "user_id", tok.UserID, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, eventType string, job *models.Job) {
	s.events.PublishJob(ctx, events.NewJobEvent(eventType, job))
}
