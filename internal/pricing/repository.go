package pricing

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reibot/backend/internal/database"
	"github.com/reibot/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

func (r *Repository) Upsert(ctx context.Context, o *models.PricingOverride) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO pricing_overrides (provider, model, action, price_rub, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider, model, action) DO UPDATE
		SET price_rub = EXCLUDED.price_rub, updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at
		RETURNING updated_at
	`, o.Provider, o.Model, o.Action, o.PriceRUB, o.UpdatedBy, o.UpdatedAt).Scan(&o.UpdatedAt)
}

func (r *Repository) Get(ctx context.Context, provider, model, action string) (*models.PricingOverride, error) {
	var o models.PricingOverride
	err := r.pool.QueryRow(ctx, `
		SELECT provider, model, action, price_rub, updated_by, updated_at
		FROM pricing_overrides WHERE provider = $1 AND model = $2 AND action = $3
	`, provider, model, action).Scan(&o.Provider, &o.Model, &o.Action, &o.PriceRUB, &o.UpdatedBy, &o.UpdatedAt)
	if database.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *Repository) List(ctx context.Context) ([]*models.PricingOverride, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT provider, model, action, price_rub, updated_by, updated_at
		FROM pricing_overrides ORDER BY provider, model, action
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.PricingOverride
	for rows.Next() {
		var o models.PricingOverride
		if err := rows.Scan(&o.Provider, &o.Model, &o.Action, &o.PriceRUB, &o.UpdatedBy, &o.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &o)
	}
	return list, rows.Err()
}

func (r *Repository) Delete(ctx context.Context, provider, model, action string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM pricing_overrides WHERE provider = $1 AND model = $2 AND action = $3
	`, provider, model, action)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
