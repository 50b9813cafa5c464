package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookEvent is the append-only audit record of an inbound provider
// callback. Rows are persisted before any side effect and only ever mutated
// to mark processed or record a processing error.
type WebhookEvent struct {
	ID              uuid.UUID       `json:"id"`
	Provider        string          `json:"provider"`
	EventType       string          `json:"event_type"`
	ExternalID      string          `json:"external_id"`
	Headers         json.RawMessage `json:"headers"`
	Payload         json.RawMessage `json:"payload"`
	Processed       bool            `json:"processed"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	ProcessingError *string         `json:"processing_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
