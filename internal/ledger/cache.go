package ledger

import (
	"context"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/reibot/backend/internal/database"
	"github.com/reibot/backend/internal/models"
)

// Observer is notified inside the writing transaction after every ledger
// insert, update or delete that touches userID.
type Observer interface {
	LedgerChanged(ctx context.Context, tx pgx.Tx, userID int64) error
}

// BalanceCache materializes per-user ledger sums into balance_cache. It is
// never consulted for money decisions.
type BalanceCache struct {
	pool *pgxpool.Pool
}

func NewBalanceCache(pool *pgxpool.Pool) *BalanceCache {
	return &BalanceCache{pool: pool}
}

var _ Observer = (*BalanceCache)(nil)

const recomputeUser = `
	INSERT INTO balance_cache (user_id, balance, entry_count, last_updated)
	SELECT $1, COALESCE(SUM(amount), 0), COUNT(*), NOW() FROM ledger WHERE user_id = $1
	ON CONFLICT (user_id) DO UPDATE
	SET balance = EXCLUDED.balance, entry_count = EXCLUDED.entry_count, last_updated = EXCLUDED.last_updated
`

func (c *BalanceCache) LedgerChanged(ctx context.Context, tx pgx.Tx, userID int64) error {
	_, err := tx.Exec(ctx, recomputeUser, userID)
	return err
}

// Get returns the cached row, or a zero row if the user has none yet.
func (c *BalanceCache) Get(ctx context.Context, userID int64) (*models.BalanceCache, error) {
	b := models.BalanceCache{UserID: userID}
	err := c.pool.QueryRow(ctx, `
		SELECT balance, entry_count, last_updated FROM balance_cache WHERE user_id = $1
	`, userID).Scan(&b.Balance, &b.EntryCount, &b.LastUpdated)
	if database.IsNoRows(err) {
		return &b, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Refresh rebuilds one user's cache row from the ledger.
func (c *BalanceCache) Refresh(ctx context.Context, userID int64) error {
	_, err := c.pool.Exec(ctx, recomputeUser, userID)
	return err
}

// RefreshAll rebuilds every cache row and returns how many were written.
func (c *BalanceCache) RefreshAll(ctx context.Context) (int64, error) {
	tag, err := c.pool.Exec(ctx, `
		INSERT INTO balance_cache (user_id, balance, entry_count, last_updated)
		SELECT u.user_id, COALESCE(SUM(l.amount), 0), COUNT(l.id), NOW()
		FROM (SELECT user_id FROM ledger UNION SELECT user_id FROM balance_cache) u
		LEFT JOIN ledger l ON l.user_id = u.user_id
		GROUP BY u.user_id
		ON CONFLICT (user_id) DO UPDATE
		SET balance = EXCLUDED.balance, entry_count = EXCLUDED.entry_count, last_updated = EXCLUDED.last_updated
	`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type balanceRow struct {
	balance decimal.Decimal
	entries int
}

// Verify compares every cache row with the live ledger sum.
func (c *BalanceCache) Verify(ctx context.Context) ([]models.BalanceMismatch, error) {
	cached, err := c.load(ctx, `SELECT user_id, balance, entry_count FROM balance_cache`)
	if err != nil {
		return nil, err
	}
	actual, err := c.load(ctx, `SELECT user_id, SUM(amount), COUNT(*) FROM ledger GROUP BY user_id`)
	if err != nil {
		return nil, err
	}
	return compareBalances(cached, actual), nil
}

func (c *BalanceCache) load(ctx context.Context, query string) (map[int64]balanceRow, error) {
	rows, err := c.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]balanceRow)
	for rows.Next() {
		var id int64
		var b balanceRow
		if err := rows.Scan(&id, &b.balance, &b.entries); err != nil {
			return nil, err
		}
		out[id] = b
	}
	return out, rows.Err()
}

// compareBalances returns users whose cached balance differs from the actual
// sum by more than Epsilon, or who are missing from either side with a
// non-zero balance. The result is ordered by user id.
func compareBalances(cached, actual map[int64]balanceRow) []models.BalanceMismatch {
	seen := make(map[int64]struct{}, len(actual))
	var out []models.BalanceMismatch
	for id, a := range actual {
		seen[id] = struct{}{}
		c := cached[id]
		if c.balance.Sub(a.balance).Abs().GreaterThan(Epsilon) {
			out = append(out, models.BalanceMismatch{UserID: id, Cached: c.balance, Actual: a.balance, Entries: a.entries})
		}
	}
	for id, c := range cached {
		if _, ok := seen[id]; ok {
			continue
		}
		if c.balance.Abs().GreaterThan(Epsilon) {
			out = append(out, models.BalanceMismatch{UserID: id, Cached: c.balance, Actual: decimal.Zero})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
