package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skillswap/backend/internal/models"
)

var errInsufficientBalance = errors.New("insufficient balance")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// RecordTransactionTx inserts a transaction row and applies its balance delta
// to the user row inside the caller's transaction.
//
// Credit-in types (credit_purchase, skill_earning, refund) touch the balance
// only when recorded as completed. Credit-out types (skill_payment, cashout)
// debit the balance as soon as they are recorded, pending included, so a
// pending cashout locks the funds. The debit is a conditional UPDATE: zero
// rows affected means the balance cannot cover the amount and nothing is
// written.
func (r *Repository) RecordTransactionTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	if models.CreditsOut(t.Type) && t.Status != models.TxStatusFailed {
		result, err := tx.Exec(ctx, `
			UPDATE users SET credits = credits - $1, updated_at = now()
			WHERE id = $2 AND credits >= $1
		`, t.Amount, t.UserID)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return errInsufficientBalance
		}
	}
	if models.CreditsIn(t.Type) && t.Status == models.TxStatusCompleted {
		if _, err := r.CreditUserTx(ctx, tx, t.UserID, t.Amount); err != nil {
			return err
		}
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return tx.QueryRow(ctx, `
		INSERT INTO transactions (id, user_id, type, amount, fee, status, reference_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, t.ID, t.UserID, t.Type, t.Amount, t.Fee, t.Status, t.ReferenceID).Scan(&t.CreatedAt, &t.UpdatedAt)
}

// CreditUserTx adds credits to the user row and returns the new balance.
func (r *Repository) CreditUserTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (newBalance int, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE users SET credits = credits + $1, updated_at = now()
		WHERE id = $2
		RETURNING credits
	`, amount, userID).Scan(&newBalance)
	return newBalance, err
}

// GetByReferenceForUpdate locks the transaction row matching reference_id.
// Call within a transaction; this is the serialization point for duplicate
// webhook deliveries against the same deposit.
func (r *Repository) GetByReferenceForUpdate(ctx context.Context, tx pgx.Tx, referenceID string) (*models.Transaction, error) {
	var t models.Transaction
	err := tx.QueryRow(ctx, `
		SELECT id, user_id, type, amount, fee, status, reference_id, created_at, updated_at
		FROM transactions WHERE reference_id = $1 FOR UPDATE
	`, referenceID).Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Fee, &t.Status, &t.ReferenceID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetByIDForUpdateTx locks a transaction row by id for an admin override.
func (r *Repository) GetByIDForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Transaction, error) {
	var t models.Transaction
	err := tx.QueryRow(ctx, `
		SELECT id, user_id, type, amount, fee, status, reference_id, created_at, updated_at
		FROM transactions WHERE id = $1 FOR UPDATE
	`, id).Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Fee, &t.Status, &t.ReferenceID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SetStatusTx updates one transaction's status by id.
func (r *Repository) SetStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error {
	_, err := tx.Exec(ctx, `
		UPDATE transactions SET status = $2, updated_at = now() WHERE id = $1
	`, id, status)
	return err
}

// SetReferenceTx updates one transaction's reference_id by id.
func (r *Repository) SetReferenceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, referenceID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE transactions SET reference_id = $2, updated_at = now() WHERE id = $1
	`, id, referenceID)
	return err
}

// SettlePendingByReferenceTx moves the pending transaction of the given type
// and reference to a terminal status. Payout transitions use this to settle
// the cashout entry recorded at request time.
func (r *Repository) SettlePendingByReferenceTx(ctx context.Context, tx pgx.Tx, referenceID, txType, status string) error {
	_, err := tx.Exec(ctx, `
		UPDATE transactions SET status = $3, updated_at = now()
		WHERE reference_id = $1 AND type = $2 AND status = 'pending'
	`, referenceID, txType, status)
	return err
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, type, amount, fee, status, reference_id, created_at, updated_at
		FROM transactions WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (r *Repository) ListAll(ctx context.Context) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, type, amount, fee, status, reference_id, created_at, updated_at
		FROM transactions ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func scanTransactions(rows pgx.Rows) ([]*models.Transaction, error) {
	var list []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Fee, &t.Status, &t.ReferenceID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}

// GetUserCredits reads the current balance off the user row.
func (r *Repository) GetUserCredits(ctx context.Context, userID uuid.UUID) (int, error) {
	var credits int
	err := r.pool.QueryRow(ctx, `SELECT credits FROM users WHERE id = $1`, userID).Scan(&credits)
	return credits, err
}

// PendingCashoutSum returns the total of pending cashout transactions, i.e.
// funds locked by payout requests that have not reached a terminal state.
func (r *Repository) PendingCashoutSum(ctx context.Context, userID uuid.UUID) (int, error) {
	var sum int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE user_id = $1 AND type = 'cashout' AND status = 'pending'
	`, userID).Scan(&sum)
	return sum, err
}

// CompletedSumSince sums completed transactions of one type created at or
// after the given time.
func (r *Repository) CompletedSumSince(ctx context.Context, userID uuid.UUID, txType string, since time.Time) (int, error) {
	var sum int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE user_id = $1 AND type = $2 AND status = 'completed' AND created_at >= $3
	`, userID, txType, since).Scan(&sum)
	return sum, err
}
