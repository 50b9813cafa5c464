package models

import (
	"time"

	"github.com/google/uuid"
)

// Transaction types. The sign convention is carried by the type, not the
// amount: purchases and earnings add credits, payments and cashouts remove
// them, refunds return previously removed credits.
const (
	TxTypeCreditPurchase = "credit_purchase"
	TxTypeSkillPayment   = "skill_payment"
	TxTypeSkillEarning   = "skill_earning"
	TxTypeCashout        = "cashout"
	TxTypeRefund         = "refund"
)

const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
)

type Transaction struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	Type        string    `json:"type"`
	Amount      int       `json:"amount"`
	Fee         int       `json:"fee"`
	Status      string    `json:"status"`
	ReferenceID *string   `json:"reference_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreditsIn reports whether tx adds credits to the user's balance.
func CreditsIn(txType string) bool {
	return txType == TxTypeCreditPurchase || txType == TxTypeSkillEarning || txType == TxTypeRefund
}

// CreditsOut reports whether tx removes credits from the user's balance.
func CreditsOut(txType string) bool {
	return txType == TxTypeSkillPayment || txType == TxTypeCashout
}
