package payouts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/skillswap/backend/internal/config"
	"github.com/skillswap/backend/internal/execution"
	"github.com/skillswap/backend/internal/ledger"
	"github.com/skillswap/backend/internal/models"
	"github.com/skillswap/backend/internal/providers"
)

// ErrInvalidStateTransition is returned when a transition is attempted from
// a status that does not allow it, including the loser of a concurrent
// admin-action race.
var ErrInvalidStateTransition = errors.New("invalid payout state transition")

// ErrBelowMinimum is returned when the requested gross amount is under the
// configured cashout floor.
var ErrBelowMinimum = errors.New("amount below minimum cashout")

// ErrMethodNotFound is returned when the payout method does not exist or
// does not belong to the requesting user.
var ErrMethodNotFound = errors.New("payout method not found")

// ErrNoteRequired is returned when a rejection carries no admin note.
var ErrNoteRequired = errors.New("rejection requires an admin note")

// ErrUnsupportedProvider is returned for payouts whose provider has no
// registered adapter.
var ErrUnsupportedProvider = errors.New("unsupported payout provider")

// MethodStore is the payout-method lookup the service needs: ownership
// validation at request time and default-method hydration at execution time.
type MethodStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.UserPayoutMethod, error)
	DefaultForProvider(ctx context.Context, userID uuid.UUID, provider string) (*models.UserPayoutMethod, error)
}

// Store is the persistence surface the service drives the state machine
// through. Satisfied by *Repository.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateTx(ctx context.Context, tx pgx.Tx, p *models.Payout) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Payout, error)
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Payout, error)
	SetApprovedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, idempotencyKey string) (bool, error)
	SetRejectedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, note string) (bool, error)
	SetProcessingTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, idempotencyKey string) (bool, error)
	SetPaidTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error)
	SetFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, code, message string) (bool, error)
	SetProviderReference(ctx context.Context, id uuid.UUID, reference string) error
	SetMethodDetailsTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, method string, details []byte) error
	FindByProviderReference(ctx context.Context, provider, reference string) (*models.Payout, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Payout, error)
	ListAll(ctx context.Context) ([]*models.Payout, error)
}

// InsertExecutePayoutTxFunc enqueues payout execution within the given
// transaction. Provided by main as a closure over river.Client.InsertTx, so
// the job becomes visible if and only if the approval commits.
type InsertExecutePayoutTxFunc func(ctx context.Context, tx pgx.Tx, args execution.ExecutePayoutJobArgs) error

type Service interface {
	Request(ctx context.Context, userID uuid.UUID, amount int, methodID uuid.UUID) (*models.Payout, error)
	Approve(ctx context.Context, payoutID, adminID uuid.UUID) (*models.Payout, error)
	Reject(ctx context.Context, payoutID uuid.UUID, note string) (*models.Payout, error)
	MarkPaid(ctx context.Context, payoutID uuid.UUID) error
	MarkFailed(ctx context.Context, payoutID uuid.UUID, code, message string) error
	ExecuteApproved(ctx context.Context, payoutID uuid.UUID) error
	ReconcileFromProvider(ctx context.Context, payout *models.Payout) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Payout, error)
	FindByProviderReference(ctx context.Context, provider, reference string) (*models.Payout, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Payout, error)
	ListAll(ctx context.Context) ([]*models.Payout, error)
	Breakdown(p *models.Payout) (gross, fee, net int)
}

type service struct {
	repo                Store
	ledger              ledger.Service
	methods             MethodStore
	payoutProviders     map[string]providers.PayoutProvider
	insertExecutePayout InsertExecutePayoutTxFunc
	payments            config.Payments
}

// NewService creates a payouts service. payoutProviders maps provider names
// (models.ProviderPayPal, models.ProviderManual) to their adapters.
func NewService(repo Store, ledgerSvc ledger.Service, methods MethodStore, payoutProviders map[string]providers.PayoutProvider, insertExecutePayout InsertExecutePayoutTxFunc, payments config.Payments) *service {
	return &service{
		repo:                repo,
		ledger:              ledgerSvc,
		methods:             methods,
		payoutProviders:     payoutProviders,
		insertExecutePayout: insertExecutePayout,
		payments:            payments,
	}
}

var _ Service = (*service)(nil)
var _ execution.PayoutService = (*service)(nil)

// Fee computes the cashout fee: floor(gross * feeRate).
func (s *service) fee(gross int) int {
	return int(math.Floor(float64(gross) * s.payments.FeeRate))
}

// Request validates the cashout, locks the funds by recording a pending
// cashout transaction (debiting the balance), and creates the payout row —
// all in one transaction. Two concurrent requests that together overdraw
// the balance cannot both commit: the second conditional debit affects zero
// rows and fails with ErrInsufficientBalance.
func (s *service) Request(ctx context.Context, userID uuid.UUID, amount int, methodID uuid.UUID) (*models.Payout, error) {
	if amount < s.payments.MinCashout {
		return nil, fmt.Errorf("%w: minimum is %d credits", ErrBelowMinimum, s.payments.MinCashout)
	}
	m, err := s.methods.GetByID(ctx, methodID)
	if err != nil || m.UserID != userID {
		return nil, ErrMethodNotFound
	}

	fee := s.fee(amount)
	net := amount - fee

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p := &models.Payout{
		ID:            uuid.New(),
		UserID:        userID,
		Amount:        amount,
		FeeAmount:     &fee,
		NetAmount:     &net,
		Provider:      m.Provider,
		Method:        &m.Method,
		MethodDetails: methodDetailsFor(m),
		Status:        models.PayoutStatusPending,
	}
	if err := s.repo.CreateTx(ctx, tx, p); err != nil {
		return nil, err
	}

	ref := models.PayoutReference(p.ID)
	if err := s.ledger.RecordTransactionTx(ctx, tx, &models.Transaction{
		UserID:      userID,
		Type:        models.TxTypeCashout,
		Amount:      amount,
		Fee:         fee,
		Status:      models.TxStatusPending,
		ReferenceID: &ref,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// methodDetailsFor snapshots the destination onto the payout. PayPal payouts
// need a receiver email, which saved methods carry as the provider
// reference; everything else keeps the safe details blob.
func methodDetailsFor(m *models.UserPayoutMethod) json.RawMessage {
	if m.Provider == models.ProviderPayPal {
		raw, _ := json.Marshal(map[string]string{"receiver": m.Details.ProviderReference})
		return raw
	}
	raw, _ := json.Marshal(m.Details)
	return raw
}

// Approve transitions pending -> approved. Automated providers get an
// execution job enqueued transactionally; manual payouts stay approved until
// an admin confirms the outside-the-system transfer with MarkPaid. The
// platform fee is credited to the approving admin as an earning.
func (s *service) Approve(ctx context.Context, payoutID, adminID uuid.UUID) (*models.Payout, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.GetForUpdateTx(ctx, tx, payoutID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PayoutStatusPending {
		return nil, fmt.Errorf("%w: approve from %s", ErrInvalidStateTransition, p.Status)
	}

	key := uuid.NewString()
	if p.IdempotencyKey != nil && *p.IdempotencyKey != "" {
		key = *p.IdempotencyKey
	}

	ok, err := s.repo.SetApprovedTx(ctx, tx, p.ID, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidStateTransition
	}
	if p.Provider != models.ProviderManual {
		if err := s.insertExecutePayout(ctx, tx, execution.ExecutePayoutJobArgs{PayoutID: p.ID}); err != nil {
			return nil, err
		}
	}

	if p.FeeAmount != nil && *p.FeeAmount > 0 {
		feeRef := "payout_fee_" + p.ID.String()
		if err := s.ledger.RecordTransactionTx(ctx, tx, &models.Transaction{
			UserID:      adminID,
			Type:        models.TxTypeSkillEarning,
			Amount:      *p.FeeAmount,
			Fee:         0,
			Status:      models.TxStatusCompleted,
			ReferenceID: &feeRef,
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, payoutID)
}

// Reject transitions pending -> rejected and returns the locked funds via a
// refund transaction. The note is mandatory; rejections are never silent.
func (s *service) Reject(ctx context.Context, payoutID uuid.UUID, note string) (*models.Payout, error) {
	if note == "" {
		return nil, ErrNoteRequired
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.GetForUpdateTx(ctx, tx, payoutID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PayoutStatusPending {
		return nil, fmt.Errorf("%w: reject from %s", ErrInvalidStateTransition, p.Status)
	}
	ok, err := s.repo.SetRejectedTx(ctx, tx, p.ID, note)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidStateTransition
	}
	if err := s.reverseDebitTx(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, payoutID)
}

// reverseDebitTx records the refund that undoes the cashout debit taken at
// request time and settles the pending cashout transaction as failed.
func (s *service) reverseDebitTx(ctx context.Context, tx pgx.Tx, p *models.Payout) error {
	ref := models.PayoutReference(p.ID)
	if err := s.ledger.RecordTransactionTx(ctx, tx, &models.Transaction{
		UserID:      p.UserID,
		Type:        models.TxTypeRefund,
		Amount:      p.Amount,
		Fee:         0,
		Status:      models.TxStatusCompleted,
		ReferenceID: &ref,
	}); err != nil {
		return err
	}
	return s.ledger.SettlePendingByReferenceTx(ctx, tx, ref, models.TxTypeCashout, models.TxStatusFailed)
}

// MarkPaid finalizes a payout the provider (or an admin, for manual
// transfers) confirmed. No balance change: the debit happened at request
// time.
func (s *service) MarkPaid(ctx context.Context, payoutID uuid.UUID) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.GetForUpdateTx(ctx, tx, payoutID)
	if err != nil {
		return err
	}
	ok, err := s.repo.SetPaidTx(ctx, tx, p.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: mark paid from %s", ErrInvalidStateTransition, p.Status)
	}
	if err := s.ledger.SettlePendingByReferenceTx(ctx, tx, models.PayoutReference(p.ID), models.TxTypeCashout, models.TxStatusCompleted); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MarkFailed records a provider-reported failure and restores the user's
// funds via a refund transaction.
func (s *service) MarkFailed(ctx context.Context, payoutID uuid.UUID, code, message string) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.GetForUpdateTx(ctx, tx, payoutID)
	if err != nil {
		return err
	}
	ok, err := s.repo.SetFailedTx(ctx, tx, p.ID, code, message)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: mark failed from %s", ErrInvalidStateTransition, p.Status)
	}
	if err := s.reverseDebitTx(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ExecuteApproved is the worker entry point. It flips approved -> processing
// before calling the provider, so a second dequeue of the same job finds the
// payout in flight and backs off instead of disbursing twice. A provider
// error after submission leaves the payout in processing for webhook/poll
// reconciliation; guessing failure there risks paying twice on retry.
func (s *service) ExecuteApproved(ctx context.Context, payoutID uuid.UUID) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.GetForUpdateTx(ctx, tx, payoutID)
	if err != nil {
		return err
	}

	switch p.Status {
	case models.PayoutStatusProcessing, models.PayoutStatusPaid, models.PayoutStatusFailed, models.PayoutStatusRejected:
		// Already in flight or settled; retried job is a no-op.
		return nil
	case models.PayoutStatusApproved:
	default:
		return fmt.Errorf("%w: execute from %s", ErrInvalidStateTransition, p.Status)
	}
	if p.Provider == models.ProviderManual {
		return fmt.Errorf("manual payout %s has no execution job; admin mark-paid settles it", p.ID)
	}

	key := uuid.NewString()
	if p.IdempotencyKey != nil && *p.IdempotencyKey != "" {
		key = *p.IdempotencyKey
	}
	p.IdempotencyKey = &key

	// Hydrate the destination before going in flight: a payout without a
	// usable method must fail cleanly, not sit in processing.
	if err := s.hydrateMethodDetailsTx(ctx, tx, p); err != nil {
		if _, ferr := s.repo.SetFailedTx(ctx, tx, p.ID, "method_error", err.Error()); ferr != nil {
			return ferr
		}
		if ferr := s.reverseDebitTx(ctx, tx, p); ferr != nil {
			return ferr
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			return cerr
		}
		return err
	}

	ok, err := s.repo.SetProcessingTx(ctx, tx, p.ID, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidStateTransition
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	prov, err := s.providerFor(p.Provider)
	if err != nil {
		return err
	}
	_, _, net := s.Breakdown(p)
	result, err := prov.CreatePayout(ctx, p, float64(net)*s.payments.CreditToUSDRate)
	if err != nil {
		// Outcome unknown: stay in processing and reconcile later.
		return err
	}
	if result.ProviderReference != "" {
		return s.repo.SetProviderReference(ctx, p.ID, result.ProviderReference)
	}
	return nil
}

// hydrateMethodDetailsTx fills in the PayPal receiver from the user's
// default method when the snapshot taken at request time is missing one.
func (s *service) hydrateMethodDetailsTx(ctx context.Context, tx pgx.Tx, p *models.Payout) error {
	if p.Provider != models.ProviderPayPal {
		return nil
	}
	var details struct {
		Receiver string `json:"receiver"`
	}
	if len(p.MethodDetails) > 0 {
		if err := json.Unmarshal(p.MethodDetails, &details); err == nil && details.Receiver != "" {
			return nil
		}
	}
	m, err := s.methods.DefaultForProvider(ctx, p.UserID, models.ProviderPayPal)
	if err != nil || m.Details.ProviderReference == "" {
		return fmt.Errorf("no default paypal payout method configured for user %s", p.UserID)
	}
	raw, _ := json.Marshal(map[string]string{"receiver": m.Details.ProviderReference})
	p.MethodDetails = raw
	method := m.Method
	p.Method = &method
	return s.repo.SetMethodDetailsTx(ctx, tx, p.ID, method, raw)
}

// ReconcileFromProvider is the poll path for payouts whose webhook never
// arrived (or arrived without a usable status): ask the provider and apply
// the terminal transition it reports.
func (s *service) ReconcileFromProvider(ctx context.Context, p *models.Payout) error {
	prov, err := s.providerFor(p.Provider)
	if err != nil {
		return err
	}
	ref := ""
	if p.ProviderReference != nil {
		ref = *p.ProviderReference
	}
	status, err := prov.QueryStatus(ctx, ref)
	if err != nil {
		return err
	}
	switch status.State {
	case providers.StatusPaid:
		return s.MarkPaid(ctx, p.ID)
	case providers.StatusFailed:
		return s.MarkFailed(ctx, p.ID, status.FailureCode, status.FailureMessage)
	}
	return nil
}

func (s *service) providerFor(name string) (providers.PayoutProvider, error) {
	prov, ok := s.payoutProviders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, name)
	}
	return prov, nil
}

func (s *service) GetByID(ctx context.Context, id uuid.UUID) (*models.Payout, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *service) FindByProviderReference(ctx context.Context, provider, reference string) (*models.Payout, error) {
	return s.repo.FindByProviderReference(ctx, provider, reference)
}

func (s *service) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Payout, error) {
	return s.repo.ListByUser(ctx, userID)
}

func (s *service) ListAll(ctx context.Context) ([]*models.Payout, error) {
	return s.repo.ListAll(ctx)
}

// Breakdown returns gross/fee/net for a payout. Rows created before fee
// fields existed are reconstructed with the configured fee rate; if the
// historical rate ever differed, those reconstructions are off — a known
// data-quality gap, surfaced at the read boundary rather than patched in
// the ledger.
func (s *service) Breakdown(p *models.Payout) (gross, fee, net int) {
	gross = p.Amount
	if p.FeeAmount != nil && p.NetAmount != nil {
		return gross, *p.FeeAmount, *p.NetAmount
	}
	fee = s.fee(gross)
	return gross, fee, gross - fee
}
