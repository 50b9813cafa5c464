// Package providers holds one adapter per payment rail behind a small
// capability surface: initiate a payment or payout, verify an inbound
// webhook, and query status for poll-based reconciliation. Reconciliation
// logic never branches on a concrete provider; adding a rail means adding an
// adapter here.
package providers

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/skillswap/backend/internal/models"
)

// ErrInvalidSignature is returned when an inbound webhook fails the
// provider's authenticity check.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// ErrProviderUnavailable wraps timeouts and 5xx responses from a provider.
var ErrProviderUnavailable = errors.New("payment provider unavailable")

// Provider-reported payout states, already mapped to our vocabulary.
const (
	StatusPaid       = "paid"
	StatusFailed     = "failed"
	StatusProcessing = "processing"
	StatusUnknown    = "unknown"
)

// InitiateResult is what starting a payment or payout on the provider side
// yields: the provider's reference and, for redirect flows, where to send
// the buyer.
type InitiateResult struct {
	ProviderReference string
	RedirectURL       string
}

// Status is a provider-reported payout state plus failure detail when the
// provider knows it.
type Status struct {
	State          string
	FailureCode    string
	FailureMessage string
}

// DepositIntent carries everything an adapter needs to start a collect or
// checkout flow for a pending credit purchase.
type DepositIntent struct {
	TransactionID uuid.UUID
	UserID        uuid.UUID
	Reference     string
	Credits       int
	AmountUSD     float64
}

// DepositProvider starts provider-side payments for credit purchases.
type DepositProvider interface {
	CreateDeposit(ctx context.Context, intent DepositIntent) (InitiateResult, error)
}

// PayoutProvider disburses an approved payout and reports on it afterwards.
// CreatePayout must be idempotent with respect to the payout's idempotency
// key: re-submitting the same payout may not move money twice.
type PayoutProvider interface {
	CreatePayout(ctx context.Context, payout *models.Payout, amountUSD float64) (InitiateResult, error)
	QueryStatus(ctx context.Context, providerReference string) (Status, error)
}

// WebhookVerifier checks that an inbound callback actually originated from
// the provider. Processing must refuse to act on an unverified webhook.
type WebhookVerifier interface {
	VerifySignature(ctx context.Context, payload []byte, header http.Header) error
}
