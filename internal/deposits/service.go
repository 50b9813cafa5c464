package deposits

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/skillswap/backend/internal/config"
	"github.com/skillswap/backend/internal/ledger"
	"github.com/skillswap/backend/internal/models"
	"github.com/skillswap/backend/internal/providers"
)

// ErrUnknownReference is returned when a confirmation references a deposit
// the system has no record of (e.g. a webhook raced local creation).
var ErrUnknownReference = errors.New("unknown deposit reference")

// ErrInvalidPackage is returned when neither a known package key nor an
// explicit positive credit amount was supplied.
var ErrInvalidPackage = errors.New("invalid credit package")

// ErrUnverifiedCallback is returned when a success callback carries no valid
// signature and no status poll is configured to corroborate it. The deposit
// stays pending; crediting on an unverifiable claim is not an option.
var ErrUnverifiedCallback = errors.New("unverified success callback")

// EventMarker marks a webhook event processed inside the same transaction
// that credits the wallet, so a crash cannot separate the two.
type EventMarker interface {
	MarkProcessedTx(ctx context.Context, tx pgx.Tx, eventID uuid.UUID) error
}

// CreateResult is what a deposit initiation hands back to the caller: where
// to redirect the buyer and the local correlation key for the confirmation.
type CreateResult struct {
	TransactionID     uuid.UUID
	Reference         string
	RedirectURL       string
	ProviderReference string
}

type Service struct {
	ledger   ledger.Service
	paypal   *providers.PayPalClient
	whish    *providers.Whish
	events   EventMarker
	payments config.Payments
}

func NewService(ledgerSvc ledger.Service, paypal *providers.PayPalClient, whish *providers.Whish, events EventMarker, payments config.Payments) *Service {
	return &Service{ledger: ledgerSvc, paypal: paypal, whish: whish, events: events, payments: payments}
}

// ResolveCredits turns a package key or explicit credit count into credits
// to grant. Explicit credits win when positive.
func (s *Service) ResolveCredits(packageKey string, credits int) (int, error) {
	if credits > 0 {
		return credits, nil
	}
	if n, ok := s.payments.Packages[packageKey]; ok && n > 0 {
		return n, nil
	}
	return 0, ErrInvalidPackage
}

// CreatePayPalOrder records a pending credit_purchase and creates a PayPal
// Checkout order. No credits are granted until a verified capture confirms
// payment. The transaction reference is upgraded from a temporary key to
// paypal_order_<id> once the order id is known, which is what webhook
// confirmation matches on.
func (s *Service) CreatePayPalOrder(ctx context.Context, userID uuid.UUID, credits int) (*CreateResult, error) {
	if credits <= 0 {
		return nil, ErrInvalidPackage
	}

	tmpRef := "paypal_tmp_" + uuid.NewString()
	t, err := s.recordPendingPurchase(ctx, userID, credits, tmpRef)
	if err != nil {
		return nil, err
	}

	result, err := s.paypal.CreateDeposit(ctx, providers.DepositIntent{
		TransactionID: t.ID,
		UserID:        userID,
		Reference:     tmpRef,
		Credits:       credits,
		AmountUSD:     float64(credits) * s.payments.CreditToUSDRate,
	})
	if err != nil {
		return nil, err
	}
	if result.ProviderReference == "" {
		return nil, fmt.Errorf("paypal order id missing")
	}

	reference := "paypal_order_" + result.ProviderReference
	tx, err := s.ledger.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	if err := s.ledger.SetReferenceTx(ctx, tx, t.ID, reference); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &CreateResult{
		TransactionID:     t.ID,
		Reference:         reference,
		RedirectURL:       result.RedirectURL,
		ProviderReference: result.ProviderReference,
	}, nil
}

// CreateWhishCollect records a pending credit_purchase and builds the hosted
// collect URL. The locally minted reference is the correlation key the
// callback echoes back.
func (s *Service) CreateWhishCollect(ctx context.Context, userID uuid.UUID, credits int) (*CreateResult, error) {
	if credits <= 0 {
		return nil, ErrInvalidPackage
	}

	reference := "whish_collect_" + uuid.NewString()
	t, err := s.recordPendingPurchase(ctx, userID, credits, reference)
	if err != nil {
		return nil, err
	}

	result, err := s.whish.CreateDeposit(ctx, providers.DepositIntent{
		TransactionID: t.ID,
		UserID:        userID,
		Reference:     reference,
		Credits:       credits,
		AmountUSD:     float64(credits) * s.payments.CreditToUSDRate,
	})
	if err != nil {
		return nil, err
	}

	return &CreateResult{
		TransactionID:     t.ID,
		Reference:         reference,
		RedirectURL:       result.RedirectURL,
		ProviderReference: result.ProviderReference,
	}, nil
}

func (s *Service) recordPendingPurchase(ctx context.Context, userID uuid.UUID, credits int, reference string) (*models.Transaction, error) {
	tx, err := s.ledger.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	t := &models.Transaction{
		UserID:      userID,
		Type:        models.TxTypeCreditPurchase,
		Amount:      credits,
		Fee:         0,
		Status:      models.TxStatusPending,
		ReferenceID: &reference,
	}
	if err := s.ledger.RecordTransactionTx(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Confirm settles a deposit by reference, exactly once. The lookup locks the
// transaction row, so two near-simultaneous deliveries for the same
// reference serialize and the second sees status completed and no-ops. A nil
// eventID skips event bookkeeping (poll-driven confirmation).
//
// outcome is a providers status constant: StatusPaid credits the wallet,
// StatusFailed records the failure without crediting, anything else leaves
// the deposit pending for reconciliation.
func (s *Service) Confirm(ctx context.Context, reference, outcome string, eventID *uuid.UUID) (*models.Transaction, error) {
	tx, err := s.ledger.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	t, err := s.ledger.GetByReferenceForUpdate(ctx, tx, reference)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnknownReference
		}
		return nil, err
	}

	switch {
	case t.Status == models.TxStatusCompleted:
		// Already credited; duplicate delivery is a handled case.
	case outcome == providers.StatusFailed:
		if err := s.ledger.SetStatusTx(ctx, tx, t.ID, models.TxStatusFailed); err != nil {
			return nil, err
		}
		t.Status = models.TxStatusFailed
	case outcome == providers.StatusPaid:
		if _, err := s.ledger.CreditUserTx(ctx, tx, t.UserID, t.Amount); err != nil {
			return nil, err
		}
		if err := s.ledger.SetStatusTx(ctx, tx, t.ID, models.TxStatusCompleted); err != nil {
			return nil, err
		}
		t.Status = models.TxStatusCompleted
	default:
		// Unknown outcome: stay pending, reconcile later.
	}

	if eventID != nil {
		if err := s.events.MarkProcessedTx(ctx, tx, *eventID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// ConfirmWhish confirms a Whish collect using the callback's status
// vocabulary. Unsigned callbacks are lower-trust, so when the adapter cannot
// verify a signature the reported success is re-checked against the
// server-to-server status poll before any crediting.
func (s *Service) ConfirmWhish(ctx context.Context, reference, rawStatus string, eventID *uuid.UUID, verified bool) (*models.Transaction, error) {
	outcome := providers.MapCollectStatus(rawStatus)
	if outcome == providers.StatusPaid && !verified {
		if !s.whish.CanQueryStatus() {
			// No signature and no way to ask the provider: anyone who knows
			// the reference could have sent this. Leave the deposit pending.
			return nil, ErrUnverifiedCallback
		}
		polled, err := s.whish.QueryStatus(ctx, reference)
		if err != nil {
			return nil, err
		}
		if polled.State != providers.StatusPaid {
			// Do not credit on an unconfirmed callback.
			outcome = providers.StatusUnknown
		}
	}
	return s.Confirm(ctx, reference, outcome, eventID)
}
