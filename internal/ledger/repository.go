package ledger

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/reibot/backend/internal/database"
	"github.com/reibot/backend/internal/models"
)

const entryColumns = `id, user_id, kind, amount, ref_type, ref_id, description,
	COALESCE(settlement, ''), settled_at, origin_ref_id, created_at`

// Repository is the Postgres Store.
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

// LockUser serializes every ledger writer of one user until tx ends.
func (r *Repository) LockUser(ctx context.Context, tx pgx.Tx, userID int64) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended('ledger:' || $1::bigint::text, 0))`, userID)
	return err
}

// Insert appends e and fills ID and CreatedAt. A row with the same
// (user_id, ref_type, ref_id) yields ErrDuplicateRef without aborting tx.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO ledger (user_id, kind, amount, ref_type, ref_id, description, settlement)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		ON CONFLICT (user_id, ref_type, ref_id) DO NOTHING
		RETURNING id, created_at
	`, e.UserID, e.Kind, e.Amount, e.RefType, e.RefID, e.Description, e.Settlement).Scan(&e.ID, &e.CreatedAt)
	if database.IsNoRows(err) {
		return ErrDuplicateRef
	}
	return err
}

// FindByRef locks and returns the entry with the given key.
func (r *Repository) FindByRef(ctx context.Context, tx pgx.Tx, userID int64, refType models.RefType, refID string) (*models.LedgerEntry, error) {
	row := tx.QueryRow(ctx, `SELECT `+entryColumns+`
		FROM ledger WHERE user_id = $1 AND ref_type = $2 AND ref_id = $3
		FOR UPDATE
	`, userID, refType, refID)
	e, err := scanEntry(row)
	if database.IsNoRows(err) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

// Promote turns a held reservation into a job charge.
func (r *Repository) Promote(ctx context.Context, tx pgx.Tx, id int64, newRefID string, amount decimal.Decimal, at time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE ledger
		SET ref_type = $2, ref_id = $3, amount = $4, settlement = 'charged', settled_at = $5, origin_ref_id = ref_id
		WHERE id = $1 AND settlement = 'held'
	`, id, models.RefJob, newRefID, amount, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// MarkReleased records that a held reservation was given back.
func (r *Repository) MarkReleased(ctx context.Context, tx pgx.Tx, id int64, at time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE ledger SET settlement = 'released', settled_at = $2
		WHERE id = $1 AND settlement = 'held'
	`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (r *Repository) SumTx(ctx context.Context, tx pgx.Tx, userID int64) (decimal.Decimal, error) {
	return sum(ctx, tx, userID)
}

func (r *Repository) Sum(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return sum(ctx, r.pool, userID)
}

func sum(ctx context.Context, q database.Querier, userID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := q.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM ledger WHERE user_id = $1`, userID).Scan(&total)
	return total, err
}

// SpentSince sums the debits (as a positive number) created at or after since.
func (r *Repository) SpentSince(ctx context.Context, userID int64, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(-SUM(amount), 0) FROM ledger
		WHERE user_id = $1 AND kind = 'debit' AND created_at >= $2
	`, userID, since).Scan(&total)
	return total, err
}

func (r *Repository) ListByUser(ctx context.Context, userID int64, limit int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+`
		FROM ledger WHERE user_id = $1 ORDER BY id DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// DeleteTx removes an entry for admin correction and returns its owner.
func (r *Repository) DeleteTx(ctx context.Context, tx pgx.Tx, id int64) (int64, error) {
	var userID int64
	err := tx.QueryRow(ctx, `DELETE FROM ledger WHERE id = $1 RETURNING user_id`, id).Scan(&userID)
	if database.IsNoRows(err) {
		return 0, ErrEntryNotFound
	}
	return userID, err
}

// OwnerOf returns the user an entry belongs to.
func (r *Repository) OwnerOf(ctx context.Context, id int64) (int64, error) {
	var userID int64
	err := r.pool.QueryRow(ctx, `SELECT user_id FROM ledger WHERE id = $1`, id).Scan(&userID)
	if database.IsNoRows(err) {
		return 0, ErrEntryNotFound
	}
	return userID, err
}

func scanEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.ID, &e.UserID, &e.Kind, &e.Amount, &e.RefType, &e.RefID, &e.Description,
		&e.Settlement, &e.SettledAt, &e.OriginRefID, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
