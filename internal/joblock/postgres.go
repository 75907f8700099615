package joblock

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reibot/backend/internal/database"
)

// PostgresLocker stores leases in job_locks. An existing row is replaced only
// once it has expired.
type PostgresLocker struct {
	pool *pgxpool.Pool
}

func NewPostgresLocker(pool *pgxpool.Pool) *PostgresLocker {
	return &PostgresLocker{pool: pool}
}

var _ Locker = (*PostgresLocker)(nil)

func (l *PostgresLocker) Acquire(ctx context.Context, userID int64, ttl time.Duration) (Token, bool, error) {
	tok := newToken(userID)
	var got string
	err := l.pool.QueryRow(ctx, `
		INSERT INTO job_locks (user_id, token, acquired_at, expires_at)
		VALUES ($1, $2, NOW(), NOW() + make_interval(secs => $3))
		ON CONFLICT (user_id) DO UPDATE
		SET token = EXCLUDED.token, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
		WHERE job_locks.expires_at <= NOW()
		RETURNING token
	`, userID, tok.Value, ttlOrDefault(ttl).Seconds()).Scan(&got)
	if database.IsNoRows(err) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, err
	}
	return tok, true, nil
}

func (l *PostgresLocker) Release(ctx context.Context, tok Token) (bool, error) {
	if tok.Value == "" {
		return false, ErrInvalidToken
	}
	tag, err := l.pool.Exec(ctx, `DELETE FROM job_locks WHERE user_id = $1 AND token = $2`, tok.UserID, tok.Value)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (l *PostgresLocker) IsLocked(ctx context.Context, userID int64) (bool, error) {
	var locked bool
	err := l.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM job_locks WHERE user_id = $1 AND expires_at > NOW())
	`, userID).Scan(&locked)
	return locked, err
}

func (l *PostgresLocker) ForceRelease(ctx context.Context, userID int64) (bool, error) {
	tag, err := l.pool.Exec(ctx, `DELETE FROM job_locks WHERE user_id = $1`, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
