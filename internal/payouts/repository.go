package payouts

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

var _ Store = (*Repository)(nil)

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, p *models.Payout) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return tx.QueryRow(ctx, `
		INSERT INTO payouts (id, user_id, amount, fee_amount, net_amount, provider, method, method_details, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, p.ID, p.UserID, p.Amount, p.FeeAmount, p.NetAmount, p.Provider, p.Method, p.MethodDetails, p.Status).Scan(&p.CreatedAt, &p.UpdatedAt)
}

const payoutColumns = `id, user_id, amount, fee_amount, net_amount, provider, method, method_details,
	provider_reference, idempotency_key, status, admin_note, failure_code, failure_message,
	approved_at, processed_at, created_at, updated_at`

func scanPayout(row pgx.Row) (*models.Payout, error) {
	var p models.Payout
	err := row.Scan(&p.ID, &p.UserID, &p.Amount, &p.FeeAmount, &p.NetAmount, &p.Provider, &p.Method, &p.MethodDetails,
		&p.ProviderReference, &p.IdempotencyKey, &p.Status, &p.AdminNote, &p.FailureCode, &p.FailureMessage,
		&p.ApprovedAt, &p.ProcessedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Payout, error) {
	return scanPayout(r.pool.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id))
}

// GetForUpdateTx locks the payout row. Every state transition starts here so
// concurrent admin actions serialize on the row lock.
func (r *Repository) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Payout, error) {
	return scanPayout(tx.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1 FOR UPDATE`, id))
}

// SetApprovedTx transitions pending -> approved, stamping approved_at and
// assigning the idempotency key if none exists. Returns false when the
// payout was not pending (the transition is the loser of a race or is
// simply illegal).
func (r *Repository) SetApprovedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, idempotencyKey string) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE payouts SET status = 'approved', approved_at = now(),
			idempotency_key = COALESCE(idempotency_key, $2), updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id, idempotencyKey)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (r *Repository) SetRejectedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, note string) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE payouts SET status = 'rejected', admin_note = $2, processed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id, note)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// SetProcessingTx transitions approved -> processing. The worker applies it
// before calling the provider so a second dequeue of the same job sees the
// in-flight state and backs off.
func (r *Repository) SetProcessingTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, idempotencyKey string) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE payouts SET status = 'processing',
			idempotency_key = COALESCE(idempotency_key, $2), updated_at = now()
		WHERE id = $1 AND status = 'approved'
	`, id, idempotencyKey)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (r *Repository) SetPaidTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE payouts SET status = 'paid', processed_at = now(),
			failure_code = NULL, failure_message = NULL, updated_at = now()
		WHERE id = $1 AND status IN ('approved', 'processing')
	`, id)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (r *Repository) SetFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, code, message string) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE payouts SET status = 'failed', processed_at = now(),
			failure_code = $2, failure_message = $3, updated_at = now()
		WHERE id = $1 AND status IN ('approved', 'processing')
	`, id, code, message)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// SetProviderReference stores the provider's batch/order id, keeping any
// value another worker already recorded.
func (r *Repository) SetProviderReference(ctx context.Context, id uuid.UUID, reference string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE payouts SET provider_reference = $2, updated_at = now()
		WHERE id = $1 AND (provider_reference IS NULL OR provider_reference = '')
	`, id, reference)
	return err
}

// SetMethodDetailsTx persists hydrated method details (e.g. the default
// PayPal receiver resolved at execution time).
func (r *Repository) SetMethodDetailsTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, method string, details []byte) error {
	_, err := tx.Exec(ctx, `
		UPDATE payouts SET method = $2, method_details = $3, updated_at = now() WHERE id = $1
	`, id, method, details)
	return err
}

// FindByProviderReference matches a webhook's batch id against
// provider_reference first, then falls back to idempotency_key. The
// fallback covers the race where the job recorded the sender batch id but
// the provider's batch id was not stored yet.
func (r *Repository) FindByProviderReference(ctx context.Context, provider, reference string) (*models.Payout, error) {
	p, err := scanPayout(r.pool.QueryRow(ctx, `
		SELECT `+payoutColumns+` FROM payouts WHERE provider = $1 AND provider_reference = $2
	`, provider, reference))
	if err == nil {
		return p, nil
	}
	if err != pgx.ErrNoRows {
		return nil, err
	}
	return scanPayout(r.pool.QueryRow(ctx, `
		SELECT `+payoutColumns+` FROM payouts WHERE provider = $1 AND idempotency_key = $2
	`, provider, reference))
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Payout, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+payoutColumns+` FROM payouts WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayouts(rows)
}

func (r *Repository) ListAll(ctx context.Context) ([]*models.Payout, error) {
	rows, err := r.pool.Query(ctx, `SELECT ` + payoutColumns + ` FROM payouts ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayouts(rows)
}

func collectPayouts(rows pgx.Rows) ([]*models.Payout, error) {
	var list []*models.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}
