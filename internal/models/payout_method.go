package models

import (
	"time"

	"github.com/google/uuid"
)

// PayoutMethodDetails holds only what the UI needs to identify a saved
// destination. Full account credentials never enter the system.
type PayoutMethodDetails struct {
	Label             string `json:"label"`
	Last4             string `json:"last4,omitempty"`
	ProviderReference string `json:"provider_reference"`
}

type UserPayoutMethod struct {
	ID         uuid.UUID           `json:"id"`
	UserID     uuid.UUID           `json:"user_id"`
	Provider   string              `json:"provider"`
	Method     string              `json:"method"`
	Details    PayoutMethodDetails `json:"details"`
	IsDefault  bool                `json:"is_default"`
	IsVerified bool                `json:"is_verified"`
	CreatedAt  time.Time           `json:"created_at"`
}
