package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reibot/backend/internal/database"
	"github.com/reibot/backend/internal/models"
)

const jobColumns = `id, user_id, type, status, priority, progress, params, result_url, error_message,
	cost_estimate, cost_actual, created_at, started_at, completed_at, expires_at, max_runtime,
	retry_count, max_retries, cancelled_by, cancel_reason, lock_token`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error {
	params := j.Params
	if len(params) == 0 {
		params = []byte(`{}`)
	}
	return tx.QueryRow(ctx, `
		INSERT INTO jobs (user_id, type, status, priority, params, cost_estimate, expires_at, max_runtime, max_retries, lock_token)
		VALUES ($1, $2, 'pending', $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, status, created_at
	`, j.UserID, j.Type, j.Priority, params, j.CostEstimate, j.ExpiresAt, j.MaxRuntime, j.MaxRetries, j.LockToken,
	).Scan(&j.ID, &j.Status, &j.CreatedAt)
}

func (r *Repository) Get(ctx context.Context, id int64) (*models.Job, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

// GetTx locks the job row until tx ends.
func (r *Repository) GetTx(ctx context.Context, tx pgx.Tx, id int64) (*models.Job, error) {
	return scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
}

// TransitionTx moves the job to `to` only from an allowed source state.
func (r *Repository) TransitionTx(ctx context.Context, tx pgx.Tx, id int64, to models.JobStatus, f Fields) (*models.Job, error) {
	sources := models.SourcesFor(to)
	from := make([]string, len(sources))
	for i, s := range sources {
		from[i] = string(s)
	}
	j, err := scanJob(tx.QueryRow(ctx, `
		UPDATE jobs SET
			status        = $2::text,
			started_at    = CASE WHEN $2::text = 'processing' THEN COALESCE(started_at, NOW()) ELSE started_at END,
			completed_at  = CASE WHEN $2::text IN ('completed', 'failed', 'cancelled', 'expired') THEN NOW() ELSE completed_at END,
			progress      = CASE WHEN $2::text = 'completed' THEN 100 ELSE progress END,
			result_url    = COALESCE($4, result_url),
			error_message = COALESCE($5, error_message),
			cost_actual   = COALESCE($6, cost_actual),
			cancelled_by  = COALESCE($7, cancelled_by),
			cancel_reason = COALESCE($8, cancel_reason)
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+jobColumns,
		id, string(to), from, f.ResultURL, f.ErrorMessage, f.CostActual, f.CancelledBy, f.CancelReason))
	if !errors.Is(err, ErrJobNotFound) {
		return j, err
	}

	var current models.JobStatus
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if database.IsNoRows(err) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return nil, refusal(current)
}

// Overdue returns active jobs whose deadline passed, oldest first.
func (r *Repository) Overdue(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	return r.list(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('pending', 'processing') AND expires_at < $1
		ORDER BY expires_at LIMIT $2`, now, limit)
}

func (r *Repository) ListActive(ctx context.Context, userID int64) ([]*models.Job, error) {
	return r.list(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE user_id = $1 AND status IN ('pending', 'processing')
		ORDER BY created_at`, userID)
}

func (r *Repository) CountActive(ctx context.Context, userID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE user_id = $1 AND status IN ('pending', 'processing')
	`, userID).Scan(&n)
	return n, err
}

func (r *Repository) IncrementRetry(ctx context.Context, id int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		UPDATE jobs SET retry_count = retry_count + 1 WHERE id = $1 RETURNING retry_count
	`, id).Scan(&n)
	if database.IsNoRows(err) {
		return 0, ErrJobNotFound
	}
	return n, err
}

func (r *Repository) SetProgress(ctx context.Context, id int64, pct int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET progress = $2 WHERE id = $1 AND status = 'processing'
	`, id, pct)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotProcessing
	}
	return nil
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.UserID, &j.Type, &j.Status, &j.Priority, &j.Progress, &j.Params,
		&j.ResultURL, &j.ErrorMessage, &j.CostEstimate, &j.CostActual, &j.CreatedAt, &j.StartedAt,
		&j.CompletedAt, &j.ExpiresAt, &j.MaxRuntime, &j.RetryCount, &j.MaxRetries, &j.CancelledBy,
		&j.CancelReason, &j.LockToken)
	if database.IsNoRows(err) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}
