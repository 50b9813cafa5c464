package payoutmethods

import (
	"context"
	"encoding/json"

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

type CreateParams struct {
	UserID   uuid.UUID
	Provider string
	Method   string
	Details  models.PayoutMethodDetails
}

// Create inserts a saved payout destination. The user's first method becomes
// the default; the NOT EXISTS subquery keeps that atomic under concurrent
// inserts.
func (r *Repository) Create(ctx context.Context, p CreateParams) (*models.UserPayoutMethod, error) {
	details, err := json.Marshal(p.Details)
	if err != nil {
		return nil, err
	}
	m := &models.UserPayoutMethod{
		UserID:   p.UserID,
		Provider: p.Provider,
		Method:   p.Method,
		Details:  p.Details,
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO user_payout_methods (user_id, provider, method, details, is_default)
		VALUES ($1, $2, $3, $4,
			NOT EXISTS (SELECT 1 FROM user_payout_methods WHERE user_id = $1))
		RETURNING id, is_default, is_verified, created_at
	`, p.UserID, p.Provider, p.Method, details)
	if err := row.Scan(&m.ID, &m.IsDefault, &m.IsVerified, &m.CreatedAt); err != nil {
		return nil, err
	}
	return m, nil
}

const methodColumns = `id, user_id, provider, method, details, is_default, is_verified, created_at`

func scanMethod(row pgx.Row) (*models.UserPayoutMethod, error) {
	var m models.UserPayoutMethod
	var details json.RawMessage
	if err := row.Scan(&m.ID, &m.UserID, &m.Provider, &m.Method, &details, &m.IsDefault, &m.IsVerified, &m.CreatedAt); err != nil {
		return nil, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &m.Details); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.UserPayoutMethod, error) {
	return scanMethod(r.pool.QueryRow(ctx, `
		SELECT `+methodColumns+` FROM user_payout_methods WHERE id = $1
	`, id))
}

// DefaultForProvider returns the user's default method for a provider,
// falling back to the most recent one when none is flagged default.
func (r *Repository) DefaultForProvider(ctx context.Context, userID uuid.UUID, provider string) (*models.UserPayoutMethod, error) {
	return scanMethod(r.pool.QueryRow(ctx, `
		SELECT `+methodColumns+` FROM user_payout_methods
		WHERE user_id = $1 AND provider = $2
		ORDER BY is_default DESC, created_at DESC
		LIMIT 1
	`, userID, provider))
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.UserPayoutMethod, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+methodColumns+` FROM user_payout_methods
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.UserPayoutMethod
	for rows.Next() {
		m, err := scanMethod(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

// SetDefault flags one method as the user's default, clearing the previous
// flag in the same transaction. Returns false when the method does not
// belong to the user.
func (r *Repository) SetDefault(ctx context.Context, userID, methodID uuid.UUID) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE user_payout_methods SET is_default = TRUE
		WHERE id = $1 AND user_id = $2
	`, methodID, userID)
	if err != nil {
		return false, err
	}
	if result.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, `
		UPDATE user_payout_methods SET is_default = FALSE
		WHERE user_id = $1 AND id <> $2
	`, userID, methodID); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// Delete removes a method owned by the user. Returns false when nothing
// matched.
func (r *Repository) Delete(ctx context.Context, userID, methodID uuid.UUID) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		DELETE FROM user_payout_methods WHERE id = $1 AND user_id = $2
	`, methodID, userID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}
