package payments

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reibot/backend/internal/database"
)

// PostgresDedup keeps receipts in webhook_receipts. An expired receipt is
// overwritten as if absent.
type PostgresDedup struct {
	pool *pgxpool.Pool
}

func NewPostgresDedup(pool *pgxpool.Pool) *PostgresDedup {
	return &PostgresDedup{pool: pool}
}

var _ DedupStore = (*PostgresDedup)(nil)

func (d *PostgresDedup) MarkProcessed(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	var got string
	err := d.pool.QueryRow(ctx, `
		INSERT INTO webhook_receipts (webhook_id, processed_at, expires_at)
		VALUES ($1, NOW(), NOW() + make_interval(secs => $2))
		ON CONFLICT (webhook_id) DO UPDATE
		SET processed_at = EXCLUDED.processed_at, expires_at = EXCLUDED.expires_at
		WHERE webhook_receipts.expires_at <= NOW()
		RETURNING webhook_id
	`, id, ttl.Seconds()).Scan(&got)
	if database.IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *PostgresDedup) Forget(ctx context.Context, id string) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM webhook_receipts WHERE webhook_id = $1`, id)
	return err
}

func (d *PostgresDedup) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := d.pool.Exec(ctx, `DELETE FROM webhook_receipts WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MemoryDedup is the in-process receipt store used in tests.
type MemoryDedup struct {
	mu       sync.Mutex
	receipts map[string]time.Time
	now      func() time.Time
}

func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{receipts: make(map[string]time.Time), now: time.Now}
}

var _ DedupStore = (*MemoryDedup)(nil)

func (d *MemoryDedup) MarkProcessed(_ context.Context, id string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if exp, ok := d.receipts[id]; ok && now.Before(exp) {
		return false, nil
	}
	d.receipts[id] = now.Add(ttl)
	return true, nil
}

func (d *MemoryDedup) Forget(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.receipts, id)
	return nil
}

func (d *MemoryDedup) PurgeExpired(context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	var n int64
	for id, exp := range d.receipts {
		if !now.Before(exp) {
			delete(d.receipts, id)
			n++
		}
	}
	return n, nil
}
