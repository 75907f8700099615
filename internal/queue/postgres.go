package queue

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reibot/backend/internal/database"
)

// PostgresQueue keeps the queue in job_queue so every API and worker process
// shares it.
type PostgresQueue struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresQueue(pool *pgxpool.Pool) *PostgresQueue {
	return &PostgresQueue{pool: pool, now: time.Now}
}

var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) Enqueue(ctx context.Context, jobID int64, tier Tier, metadata map[string]string) error {
	if !validTier(tier) {
		return ErrInvalidTier
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	now := q.now()
	_, err := q.pool.Exec(ctx, `
		INSERT INTO job_queue (job_id, tier, score, enqueued_at, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id) DO UPDATE
		SET tier = EXCLUDED.tier, score = EXCLUDED.score, enqueued_at = EXCLUDED.enqueued_at,
		    metadata = EXCLUDED.metadata, seq = nextval(pg_get_serial_sequence('job_queue', 'seq'))
	`, jobID, int(tier), Score(tier, now), now, metadata)
	return err
}

// Dequeue pops in one statement; concurrent workers skip rows another
// transaction is already taking.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*Item, bool, error) {
	var it Item
	var tier int
	err := q.pool.QueryRow(ctx, `
		DELETE FROM job_queue
		WHERE job_id = (
			SELECT job_id FROM job_queue
			ORDER BY score DESC, seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING job_id, tier, score, enqueued_at, metadata
	`).Scan(&it.JobID, &tier, &it.Score, &it.EnqueuedAt, &it.Metadata)
	if database.IsNoRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	it.Tier = Tier(tier)
	return &it, true, nil
}

func (q *PostgresQueue) Peek(ctx context.Context, n int) ([]Item, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := q.pool.Query(ctx, `
		SELECT job_id, tier, score, enqueued_at, metadata FROM job_queue
		ORDER BY score DESC, seq ASC LIMIT $1
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var it Item
		var tier int
		if err := rows.Scan(&it.JobID, &tier, &it.Score, &it.EnqueuedAt, &it.Metadata); err != nil {
			return nil, err
		}
		it.Tier = Tier(tier)
		items = append(items, it)
	}
	return items, rows.Err()
}

func (q *PostgresQueue) Remove(ctx context.Context, jobID int64) (bool, error) {
	tag, err := q.pool.Exec(ctx, `DELETE FROM job_queue WHERE job_id = $1`, jobID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (q *PostgresQueue) Position(ctx context.Context, jobID int64) (int, bool, error) {
	var rank int
	err := q.pool.QueryRow(ctx, `
		SELECT (
			SELECT COUNT(*) FROM job_queue o
			WHERE o.score > t.score OR (o.score = t.score AND o.seq < t.seq)
		)
		FROM job_queue t WHERE t.job_id = $1
	`, jobID).Scan(&rank)
	if database.IsNoRows(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rank, true, nil
}

func (q *PostgresQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx, `SELECT COUNT(*) FROM job_queue`).Scan(&n)
	return n, err
}

// TierCounts counts rows by score band rather than the stored tier column so
// the numbers agree with dequeue order.
func (q *PostgresQueue) TierCounts(ctx context.Context) (map[Tier]int, error) {
	out := make(map[Tier]int, len(Tiers))
	for _, t := range Tiers {
		top := float64(t) * ScoreBand
		var n int
		if err := q.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM job_queue WHERE score BETWEEN $1 AND $2
		`, top-ScoreBand, top).Scan(&n); err != nil {
			return nil, err
		}
		out[t] = n
	}
	return out, nil
}
