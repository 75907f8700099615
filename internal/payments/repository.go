package payments

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reibot/backend/internal/database"
	"github.com/reibot/backend/internal/models"
)

const paymentColumns = `id, provider_payment_id, user_id, amount, status, confirmation_url, created_at, paid_at, expires_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Repo = (*Repository)(nil)

// Create inserts a payment. An existing provider_payment_id yields
// ErrPaymentExists.
func (r *Repository) Create(ctx context.Context, p *models.Payment) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO payments (provider_payment_id, user_id, amount, status, confirmation_url, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider_payment_id) DO NOTHING
		RETURNING id, created_at
	`, p.ProviderPaymentID, p.UserID, p.Amount, p.Status, p.ConfirmationURL, p.ExpiresAt).Scan(&p.ID, &p.CreatedAt)
	if database.IsNoRows(err) {
		return ErrPaymentExists
	}
	return err
}

func (r *Repository) GetByProviderID(ctx context.Context, providerID string) (*models.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE provider_payment_id = $1`, providerID))
}

// GetForUpdate locks the payment row until tx ends.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, providerID string) (*models.Payment, error) {
	return scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE provider_payment_id = $1 FOR UPDATE`, providerID))
}

// MarkPaidTx moves a pending payment to paid. Any other status is left as is
// and reported as ErrPaymentNotPending.
func (r *Repository) MarkPaidTx(ctx context.Context, tx pgx.Tx, id int64, at time.Time) error {
	tag, err := tx.Exec(ctx, `UPDATE payments SET status = 'paid', paid_at = $2 WHERE id = $1 AND status = 'pending'`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotPending
	}
	return nil
}

func (r *Repository) SetStatusTx(ctx context.Context, tx pgx.Tx, id int64, status models.PaymentStatus) error {
	_, err := tx.Exec(ctx, `UPDATE payments SET status = $2 WHERE id = $1`, id, status)
	return err
}

func (r *Repository) ListByUser(ctx context.Context, userID int64, limit int) ([]*models.Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.ID, &p.ProviderPaymentID, &p.UserID, &p.Amount, &p.Status,
		&p.ConfirmationURL, &p.CreatedAt, &p.PaidAt, &p.ExpiresAt)
	if database.IsNoRows(err) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
