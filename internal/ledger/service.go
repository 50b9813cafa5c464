package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/skillswap/backend/internal/models"
)

// Service is the only write path to the user balance column. Deposit and
// payout services compose the tx-scoped operations inside their own
// transactions; everything else reads.
type Service interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	RecordTransactionTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	CreditUserTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (int, error)
	GetByReferenceForUpdate(ctx context.Context, tx pgx.Tx, referenceID string) (*models.Transaction, error)
	GetByIDForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Transaction, error)
	SetStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error
	SetReferenceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, referenceID string) error
	SettlePendingByReferenceTx(ctx context.Context, tx pgx.Tx, referenceID, txType, status string) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Transaction, error)
	ListAll(ctx context.Context) ([]*models.Transaction, error)
	GetUserCredits(ctx context.Context, userID uuid.UUID) (int, error)
	PendingCashoutSum(ctx context.Context, userID uuid.UUID) (int, error)
	CompletedSumSince(ctx context.Context, userID uuid.UUID, txType string, since time.Time) (int, error)
}

type service struct {
	repo *Repository
}

func NewService(repo *Repository) Service {
	return &service{repo: repo}
}

var _ Service = (*service)(nil)

func (s *service) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.repo.Begin(ctx)
}

func (s *service) RecordTransactionTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	return s.repo.RecordTransactionTx(ctx, tx, t)
}

func (s *service) CreditUserTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (int, error) {
	return s.repo.CreditUserTx(ctx, tx, userID, amount)
}

func (s *service) GetByReferenceForUpdate(ctx context.Context, tx pgx.Tx, referenceID string) (*models.Transaction, error) {
	return s.repo.GetByReferenceForUpdate(ctx, tx, referenceID)
}

func (s *service) GetByIDForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Transaction, error) {
	return s.repo.GetByIDForUpdateTx(ctx, tx, id)
}

func (s *service) SetStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error {
	return s.repo.SetStatusTx(ctx, tx, id, status)
}

func (s *service) SetReferenceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, referenceID string) error {
	return s.repo.SetReferenceTx(ctx, tx, id, referenceID)
}

func (s *service) SettlePendingByReferenceTx(ctx context.Context, tx pgx.Tx, referenceID, txType, status string) error {
	return s.repo.SettlePendingByReferenceTx(ctx, tx, referenceID, txType, status)
}

func (s *service) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Transaction, error) {
	return s.repo.ListByUser(ctx, userID)
}

func (s *service) ListAll(ctx context.Context) ([]*models.Transaction, error) {
	return s.repo.ListAll(ctx)
}

func (s *service) GetUserCredits(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.repo.GetUserCredits(ctx, userID)
}

func (s *service) PendingCashoutSum(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.repo.PendingCashoutSum(ctx, userID)
}

func (s *service) CompletedSumSince(ctx context.Context, userID uuid.UUID, txType string, since time.Time) (int, error) {
	return s.repo.CompletedSumSince(ctx, userID, txType, since)
}

// ErrInsufficientBalance is returned when a debit would take the user's
// balance negative.
var ErrInsufficientBalance = errInsufficientBalance

// RunningBalances annotates transactions (given newest-first) with the
// balance after each one, computed forward from the oldest. Cashouts and
// payments count from the moment they are recorded because the debit happens
// at request time; a later failure is compensated by its refund row, so the
// pair nets to zero.
func RunningBalances(list []*models.Transaction) []int {
	balances := make([]int, len(list))
	running := 0
	for i := len(list) - 1; i >= 0; i-- {
		t := list[i]
		switch {
		case models.CreditsIn(t.Type) && t.Status == models.TxStatusCompleted:
			running += t.Amount
		case models.CreditsOut(t.Type):
			running -= t.Amount
		}
		balances[i] = running
	}
	return balances
}
