package webhooks

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skillswap/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert persists the raw event before any verification or processing, so
// every delivery leaves an audit row even when handling fails later.
func (r *Repository) Insert(ctx context.Context, e *models.WebhookEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	headers := e.Headers
	if headers == nil {
		headers = json.RawMessage(`{}`)
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO webhook_events (id, provider, event_type, external_id, headers, payload, processed)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		RETURNING created_at
	`, e.ID, e.Provider, e.EventType, e.ExternalID, headers, e.Payload).Scan(&e.CreatedAt)
}

// AlreadyProcessed reports whether an earlier delivery of the same provider
// event was handled to completion.
func (r *Repository) AlreadyProcessed(ctx context.Context, provider, externalID string, excludeID uuid.UUID) (bool, error) {
	if externalID == "" {
		return false, nil
	}
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM webhook_events
			WHERE provider = $1 AND external_id = $2 AND processed AND id <> $3
		)
	`, provider, externalID, excludeID).Scan(&exists)
	return exists, err
}

// MarkProcessed flags the event as handled.
func (r *Repository) MarkProcessed(ctx context.Context, eventID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE webhook_events SET processed = TRUE, processed_at = now() WHERE id = $1
	`, eventID)
	return err
}

// MarkProcessedTx is the same flag set inside a caller's transaction, so the
// event flips to processed atomically with the state change it caused.
func (r *Repository) MarkProcessedTx(ctx context.Context, tx pgx.Tx, eventID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE webhook_events SET processed = TRUE, processed_at = now() WHERE id = $1
	`, eventID)
	return err
}

// SetError records why handling failed. The event stays unprocessed so a
// redelivery can try again.
func (r *Repository) SetError(ctx context.Context, eventID uuid.UUID, msg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE webhook_events SET processing_error = $2 WHERE id = $1
	`, eventID, msg)
	return err
}
