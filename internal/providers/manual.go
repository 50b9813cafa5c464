package providers

import (
	"context"

	"github.com/skillswap/backend/internal/models"
)

// Manual covers payouts executed outside the system (bank transfer, cash).
// Initiation is a no-op with a synthetic reference; status comes from admin
// actions, never from the provider.
type Manual struct{}

func NewManual() *Manual { return &Manual{} }

var _ PayoutProvider = (*Manual)(nil)

func (Manual) CreatePayout(_ context.Context, payout *models.Payout, _ float64) (InitiateResult, error) {
	ref := "manual_" + payout.ID.String()
	if payout.ProviderReference != nil && *payout.ProviderReference != "" {
		ref = *payout.ProviderReference
	}
	return InitiateResult{ProviderReference: ref}, nil
}

func (Manual) QueryStatus(_ context.Context, _ string) (Status, error) {
	return Status{State: StatusUnknown}, nil
}
