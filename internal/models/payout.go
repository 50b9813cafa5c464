package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Payout status state machine:
//
//	pending -> approved -> processing -> paid
//	pending -> rejected
//	processing -> failed (and approved -> failed via reconciliation)
const (
	PayoutStatusPending    = "pending"
	PayoutStatusApproved   = "approved"
	PayoutStatusProcessing = "processing"
	PayoutStatusPaid       = "paid"
	PayoutStatusRejected   = "rejected"
	PayoutStatusFailed     = "failed"
)

const (
	ProviderManual = "manual"
	ProviderPayPal = "paypal"
	ProviderWhish  = "whish"
)

type Payout struct {
	ID                uuid.UUID       `json:"id"`
	UserID            uuid.UUID       `json:"user_id"`
	Amount            int             `json:"amount"` // gross, in credits
	FeeAmount         *int            `json:"fee_amount,omitempty"`
	NetAmount         *int            `json:"net_amount,omitempty"`
	Provider          string          `json:"provider"`
	Method            *string         `json:"method,omitempty"`
	MethodDetails     json.RawMessage `json:"method_details,omitempty"`
	ProviderReference *string         `json:"provider_reference,omitempty"`
	IdempotencyKey    *string         `json:"idempotency_key,omitempty"`
	Status            string          `json:"status"`
	AdminNote         *string         `json:"admin_note,omitempty"`
	FailureCode       *string         `json:"failure_code,omitempty"`
	FailureMessage    *string         `json:"failure_message,omitempty"`
	ApprovedAt        *time.Time      `json:"approved_at,omitempty"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// PayoutTerminal reports whether status is one of the end states.
func PayoutTerminal(status string) bool {
	switch status {
	case PayoutStatusPaid, PayoutStatusRejected, PayoutStatusFailed:
		return true
	}
	return false
}

// PayoutReference is the transaction reference_id that links the cashout
// ledger entry to its payout row ("payout_<uuid>").
func PayoutReference(payoutID uuid.UUID) string {
	return "payout_" + payoutID.String()
}
