package auth

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skillswap/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new user and returns it. New users start with zero
// credits and no admin rights.
func (r *Repository) Create(ctx context.Context, email, passwordHash, name string) (*models.User, error) {
	u := &models.User{Email: email, Name: name, PasswordHash: passwordHash}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO users (email, password_hash, name)
		VALUES ($1, $2, $3)
		RETURNING id, credits, is_admin, created_at, updated_at
	`, email, passwordHash, name)
	if err := row.Scan(&u.ID, &u.Credits, &u.IsAdmin, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return u, nil
}

// GetByEmail returns the user for login. Returns nil (no error) if the email
// is unknown, so the service can answer with a uniform credentials error.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := r.scanUser(r.pool.QueryRow(ctx, `
		SELECT id, email, name, password_hash, credits, is_admin, created_at, updated_at
		FROM users WHERE email = $1
	`, email))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return r.scanUser(r.pool.QueryRow(ctx, `
		SELECT id, email, name, password_hash, credits, is_admin, created_at, updated_at
		FROM users WHERE id = $1
	`, id))
}

func (r *Repository) scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Credits, &u.IsAdmin, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}
