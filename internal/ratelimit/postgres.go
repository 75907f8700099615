package ratelimit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore counts events in rate_events so every process shares limits.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Hit(ctx context.Context, userID int64, action string, now time.Time, window time.Duration, limit int) (int, time.Time, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, time.Time{}, err
	}
	defer tx.Rollback(ctx)

	// Count-then-insert must not interleave for the same key.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended('rate:' || $1::bigint::text || ':' || $2::text, 0))`,
		userID, action); err != nil {
		return 0, time.Time{}, err
	}

	since := now.Add(-window)
	var count int
	var oldest *time.Time
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*), MIN(occurred_at) FROM rate_events
		WHERE user_id = $1 AND action = $2 AND occurred_at > $3
	`, userID, action, since).Scan(&count, &oldest); err != nil {
		return 0, time.Time{}, err
	}

	if count < limit {
		if _, err := tx.Exec(ctx, `
			INSERT INTO rate_events (user_id, action, occurred_at) VALUES ($1, $2, $3)
		`, userID, action, now); err != nil {
			return 0, time.Time{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, time.Time{}, err
	}

	var first time.Time
	if oldest != nil {
		first = *oldest
	}
	return count, first, nil
}

func (s *PostgresStore) Reset(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM rate_events WHERE user_id = $1`, userID)
	return err
}

func (s *PostgresStore) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rate_events WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
