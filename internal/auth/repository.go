package auth

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reibot/backend/internal/database"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// Upsert creates the admin or replaces its password hash.
func (r *Repository) Upsert(ctx context.Context, username, passwordHash string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO admin_users (username, password_hash)
		VALUES ($1, $2)
		ON CONFLICT (username) DO UPDATE SET password_hash = EXCLUDED.password_hash
	`, username, passwordHash)
	return err
}

// GetByUsername returns the admin and password hash for login. Returns nil if not found.
func (r *Repository) GetByUsername(ctx context.Context, username string) (*Admin, string, error) {
	var a Admin
	var hash string
	err := r.pool.QueryRow(ctx, `
		SELECT id, username, last_login_at, password_hash
		FROM admin_users WHERE username = $1
	`, username).Scan(&a.ID, &a.Username, &a.LastLoginAt, &hash)
	if database.IsNoRows(err) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return &a, hash, nil
}

func (r *Repository) TouchLogin(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE admin_users SET last_login_at = NOW() WHERE id = $1`, id)
	return err
}
