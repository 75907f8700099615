// Package execution runs queued jobs against the provider and hosts the
// River periodic maintenance workers.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/reibot/backend/internal/jobs"
	"github.com/reibot/backend/internal/ledger"
	"github.com/reibot/backend/internal/models"
	"github.com/reibot/backend/internal/queue"
	"github.com/reibot/backend/internal/retry"
)

// JobRunner is the lifecycle surface the dispatcher drives.
type JobRunner interface {
	Start(ctx context.Context, id int64) (*models.Job, error)
	Complete(ctx context.Context, id int64, resultURL string, costActual decimal.Decimal) (*models.Job, ledger.ChargeResult, error)
	Fail(ctx context.Context, id int64, message string) (*models.Job, error)
	RecordRetry(ctx context.Context, id int64) (int, error)
	Progress(ctx context.Context, id int64, pct int) error
	Cancel(ctx context.Context, id, actor int64, reason string) (*models.Job, error)
}

var _ JobRunner = (*jobs.Service)(nil)

// WorkQueue is the part of the queue the dispatcher consumes. Enqueue puts
// back a job that could not be started.
type WorkQueue interface {
	Dequeue(ctx context.Context) (*queue.Item, bool, error)
	Enqueue(ctx context.Context, jobID int64, tier queue.Tier, metadata map[string]string) error
}

// ProviderBackoff spaces retries of a failed provider call.
func ProviderBackoff() retry.Policy {
	return retry.Policy{InitialDelay: 2 * time.Second, MaxDelay: 30 * time.Second, BackoffFactor: 2, Jitter: 0.2}
}

type Dispatcher struct {
	queue   WorkQueue
	jobs    JobRunner
	gen     Generator
	workers int
	poll    time.Duration
	backoff retry.Policy
	log     *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) bool
}

func NewDispatcher(q WorkQueue, runner JobRunner, gen Generator, workers int, poll time.Duration, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Dispatcher{queue: q, jobs: runner, gen: gen, workers: workers, poll: poll,
		backoff: ProviderBackoff(), log: log, sleep: sleepCtx}
}

// Run blocks until ctx is cancelled and every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.loop(ctx, worker)
		}(i)
	}
	d.log.Info("dispatcher started", "workers", d.workers)
	wg.Wait()
	d.log.Info("dispatcher stopped")
}

func (d *Dispatcher) loop(ctx context.Context, worker int) {
	idle := d.poll
	for ctx.Err() == nil {
		item, ok, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Warn("dequeue failed", "worker", worker, "error", err)
		}
		if err != nil || !ok {
			if !d.sleep(ctx, idle) {
				return
			}
			if idle < 10*d.poll {
				idle *= 2
			}
			continue
		}
		idle = d.poll
		if !d.Process(ctx, item) {
			// not started; back off before the next dequeue
			if !d.sleep(ctx, d.poll) {
				return
			}
		}
	}
}

// Process runs one dequeued job to a terminal state and reports false when
// the job could not be started. Settlement uses a context detached from ctx
// so shutdown cannot strand a started job's money.
func (d *Dispatcher) Process(ctx context.Context, item *queue.Item) bool {
	log := d.log.With("job_id", item.JobID)
	job, err := d.jobs.Start(ctx, item.JobID)
	if errors.Is(err, jobs.ErrJobTerminal) || errors.Is(err, jobs.ErrInvalidTransition) || errors.Is(err, jobs.ErrJobNotFound) {
		log.Info("skipping dequeued job", "reason", err)
		return true
	}
	if err != nil {
		d.putBack(ctx, item, err)
		return false
	}

	res, err := d.generate(ctx, job)
	settle := context.WithoutCancel(ctx)
	if err != nil {
		if _, ferr := d.jobs.Fail(settle, job.ID, err.Error()); ferr != nil {
			log.Error("mark job failed", "error", ferr)
		}
		return true
	}
	if !res.Success {
		if _, ferr := d.jobs.Fail(settle, job.ID, res.Error); ferr != nil {
			log.Error("mark job failed", "error", ferr)
		}
		return true
	}
	if _, _, err := d.jobs.Complete(settle, job.ID, res.ResultURL, res.Cost); err != nil {
		log.Error("complete job failed", "error", err)
	}
	return true
}

// putBack returns a still-pending job to its tier after Start failed. When
// the queue rejects it too the job is cancelled so its reservation is
// refunded now rather than at the deadline.
func (d *Dispatcher) putBack(ctx context.Context, item *queue.Item, cause error) {
	settle := context.WithoutCancel(ctx)
	log := d.log.With("job_id", item.JobID, "tier", item.Tier.String())
	err := d.queue.Enqueue(settle, item.JobID, item.Tier, item.Metadata)
	if err == nil {
		log.Warn("start job failed, requeued", "error", cause)
		return
	}
	log.Error("start job failed and requeue failed, cancelling", "start_error", cause, "error", err)
	_, cerr := d.jobs.Cancel(settle, item.JobID, 0, "dispatch failed: "+cause.Error())
	switch {
	case cerr == nil:
	case errors.Is(cerr, jobs.ErrJobTerminal), errors.Is(cerr, jobs.ErrJobNotFound):
		log.Info("job settled before cancel", "reason", cerr)
	default:
		log.Error("cancel undispatchable job failed", "error", cerr)
	}
}

// generate calls the provider under the job's runtime budget, retrying
// transient errors up to the job's retry limit.
func (d *Dispatcher) generate(ctx context.Context, job *models.Job) (Result, error) {
	for attempt := 1; ; attempt++ {
		runCtx, cancel := context.WithTimeout(ctx, job.MaxRuntimeDuration())
		runCtx = WithProgress(runCtx, d.progressFunc(ctx, job.ID))
		res, err := d.gen.Generate(runCtx, job)
		cancel()
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("shutdown during generation: %w", ctx.Err())
		}
		if !IsTransient(err) {
			return Result{}, err
		}
		retries, rerr := d.jobs.RecordRetry(ctx, job.ID)
		if rerr != nil {
			d.log.Warn("record retry", "job_id", job.ID, "error", rerr)
			retries = attempt
		}
		if retries > job.MaxRetries {
			return Result{}, fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}
		delay := d.backoff.Backoff(attempt)
		d.log.Warn("provider attempt failed, retrying", "job_id", job.ID, "attempt", attempt, "retry_delay", delay, "error", err)
		if !d.sleep(ctx, delay) {
			return Result{}, fmt.Errorf("shutdown during retry: %w", ctx.Err())
		}
	}
}

// progressFunc records provider progress on the job row.
func (d *Dispatcher) progressFunc(ctx context.Context, jobID int64) func(int) {
	ctx = context.WithoutCancel(ctx)
	return func(pct int) {
		if err := d.jobs.Progress(ctx, jobID, pct); err != nil {
			d.log.Warn("record job progress", "job_id", jobID, "progress", pct, "error", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
