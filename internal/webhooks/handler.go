package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/skillswap/backend/internal/deposits"
	"github.com/skillswap/backend/internal/models"
	"github.com/skillswap/backend/internal/providers"
)

// DepositConfirmer is the slice of the deposit service webhook processing
// needs.
type DepositConfirmer interface {
	Confirm(ctx context.Context, reference, outcome string, eventID *uuid.UUID) (*models.Transaction, error)
	ConfirmWhish(ctx context.Context, reference, rawStatus string, eventID *uuid.UUID, verified bool) (*models.Transaction, error)
}

// PayoutReconciler is the slice of the payout service webhook processing
// needs: batch lookup and the terminal transitions.
type PayoutReconciler interface {
	FindByProviderReference(ctx context.Context, provider, reference string) (*models.Payout, error)
	MarkPaid(ctx context.Context, payoutID uuid.UUID) error
	MarkFailed(ctx context.Context, payoutID uuid.UUID, code, message string) error
	ReconcileFromProvider(ctx context.Context, payout *models.Payout) error
}

// Capturer finalizes an approved PayPal order server-side.
type Capturer interface {
	CaptureOrder(ctx context.Context, orderID string) error
	VerifySignature(ctx context.Context, payload []byte, header http.Header) error
}

// EventStore is the audit log the handler writes through. Satisfied by
// *Repository.
type EventStore interface {
	Insert(ctx context.Context, e *models.WebhookEvent) error
	AlreadyProcessed(ctx context.Context, provider, externalID string, excludeID uuid.UUID) (bool, error)
	MarkProcessed(ctx context.Context, eventID uuid.UUID) error
	SetError(ctx context.Context, eventID uuid.UUID, msg string) error
}

type Handler struct {
	repo    EventStore
	depSvc  DepositConfirmer
	payouts PayoutReconciler
	paypal  Capturer
	whish   *providers.Whish
	log     *slog.Logger
}

func NewHandler(repo EventStore, depSvc DepositConfirmer, payouts PayoutReconciler, paypal Capturer, whish *providers.Whish, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{repo: repo, depSvc: depSvc, payouts: payouts, paypal: paypal, whish: whish, log: log}
}

type paypalEvent struct {
	ID           string `json:"id"`
	EventType    string `json:"event_type"`
	ResourceType string `json:"resource_type"`
	Resource     struct {
		ID                string `json:"id"`
		Status            string `json:"status"`
		PayoutBatchID     string `json:"payout_batch_id"`
		BatchHeader       *struct {
			PayoutBatchID  string `json:"payout_batch_id"`
			SenderBatchHdr *struct {
				SenderBatchID string `json:"sender_batch_id"`
			} `json:"sender_batch_header"`
		} `json:"batch_header"`
		SupplementaryData *struct {
			RelatedIDs *struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
	} `json:"resource"`
}

// PayPal handles POST /webhooks/paypal. The event row is written before
// anything else; a delivery that fails verification or processing still
// leaves its audit trail.
func (h *Handler) PayPal(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	var ev paypalEvent
	_ = json.Unmarshal(body, &ev)

	event := &models.WebhookEvent{
		Provider:   models.ProviderPayPal,
		EventType:  ev.EventType,
		ExternalID: ev.ID,
		Headers:    headerJSON(r.Header),
		Payload:    payloadJSON(body),
	}
	ctx := r.Context()
	if err := h.repo.Insert(ctx, event); err != nil {
		h.log.Error("persist paypal webhook failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := h.paypal.VerifySignature(ctx, body, r.Header); err != nil {
		_ = h.repo.SetError(ctx, event.ID, "invalid_signature")
		h.log.Warn("paypal webhook signature rejected", "event_id", event.ID, "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	done, err := h.repo.AlreadyProcessed(ctx, models.ProviderPayPal, ev.ID, event.ID)
	if err == nil && done {
		_ = h.repo.MarkProcessed(ctx, event.ID)
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.routePayPal(ctx, event.ID, &ev); err != nil {
		_ = h.repo.SetError(ctx, event.ID, err.Error())
		h.log.Error("paypal webhook processing failed", "event_id", event.ID, "event_type", ev.EventType, "error", err)
		http.Error(w, "processing error", http.StatusInternalServerError)
		return
	}
	// Unrecognized event types are acknowledged too; PayPal keeps
	// redelivering anything not answered with 2xx.
	_ = h.repo.MarkProcessed(ctx, event.ID)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) routePayPal(ctx context.Context, eventID uuid.UUID, ev *paypalEvent) error {
	switch {
	case ev.EventType == "CHECKOUT.ORDER.APPROVED":
		// Buyer approved in the browser; capture server-side, then credit.
		if err := h.paypal.CaptureOrder(ctx, ev.Resource.ID); err != nil {
			return err
		}
		return h.confirmDeposit(ctx, eventID, "paypal_order_"+ev.Resource.ID, providers.StatusPaid)

	case ev.EventType == "PAYMENT.CAPTURE.COMPLETED":
		return h.confirmDeposit(ctx, eventID, "paypal_order_"+paypalOrderID(ev), providers.StatusPaid)

	case ev.EventType == "PAYMENT.CAPTURE.DENIED" || ev.EventType == "PAYMENT.CAPTURE.DECLINED":
		return h.confirmDeposit(ctx, eventID, "paypal_order_"+paypalOrderID(ev), providers.StatusFailed)

	case strings.HasPrefix(ev.EventType, "PAYMENT.PAYOUTS-ITEM."):
		return h.settlePayout(ctx, ev, payoutItemOutcome(ev.EventType))

	case strings.HasPrefix(ev.EventType, "PAYMENT.PAYOUTSBATCH."):
		// Batch events carry no per-item verdict; ask the API instead.
		p, err := h.findPayout(ctx, ev)
		if err != nil {
			return err
		}
		if p == nil {
			return nil
		}
		return h.payouts.ReconcileFromProvider(ctx, p)
	}
	return nil
}

func (h *Handler) confirmDeposit(ctx context.Context, eventID uuid.UUID, reference, outcome string) error {
	_, err := h.depSvc.Confirm(ctx, reference, outcome, &eventID)
	if errors.Is(err, deposits.ErrUnknownReference) {
		// Not ours (or the order never got its reference upgrade). Keep the
		// event row flagged but do not bounce the delivery.
		return h.repo.SetError(ctx, eventID, "unknown deposit reference: "+reference)
	}
	return err
}

func (h *Handler) settlePayout(ctx context.Context, ev *paypalEvent, outcome string) error {
	p, err := h.findPayout(ctx, ev)
	if err != nil {
		return err
	}
	if p == nil || models.PayoutTerminal(p.Status) {
		return nil
	}
	switch outcome {
	case providers.StatusPaid:
		return h.payouts.MarkPaid(ctx, p.ID)
	case providers.StatusFailed:
		return h.payouts.MarkFailed(ctx, p.ID, ev.EventType, ev.Resource.Status)
	}
	return h.payouts.ReconcileFromProvider(ctx, p)
}

// findPayout matches the event's batch id against provider_reference, with
// the repository falling back to idempotency_key for batches created before
// the reference write-back landed.
func (h *Handler) findPayout(ctx context.Context, ev *paypalEvent) (*models.Payout, error) {
	batchID := ev.Resource.PayoutBatchID
	if batchID == "" && ev.Resource.BatchHeader != nil {
		batchID = ev.Resource.BatchHeader.PayoutBatchID
	}
	if batchID == "" {
		return nil, nil
	}
	p, err := h.payouts.FindByProviderReference(ctx, models.ProviderPayPal, batchID)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func paypalOrderID(ev *paypalEvent) string {
	if ev.Resource.SupplementaryData != nil && ev.Resource.SupplementaryData.RelatedIDs != nil {
		return ev.Resource.SupplementaryData.RelatedIDs.OrderID
	}
	return ev.Resource.ID
}

func payoutItemOutcome(eventType string) string {
	switch eventType {
	case "PAYMENT.PAYOUTS-ITEM.SUCCEEDED":
		return providers.StatusPaid
	case "PAYMENT.PAYOUTS-ITEM.FAILED",
		"PAYMENT.PAYOUTS-ITEM.BLOCKED",
		"PAYMENT.PAYOUTS-ITEM.DENIED",
		"PAYMENT.PAYOUTS-ITEM.CANCELED",
		"PAYMENT.PAYOUTS-ITEM.RETURNED",
		"PAYMENT.PAYOUTS-ITEM.REFUNDED":
		return providers.StatusFailed
	}
	return providers.StatusUnknown
}

type whishCallback struct {
	Reference  string `json:"reference"`
	Status     string `json:"status"`
	ExternalID string `json:"transaction_id"`
}

// Whish handles POST /webhooks/whish. Collect callbacks carry the local
// reference and a status string in the body; the optional HMAC header is
// the only transport-level authenticity signal.
func (h *Handler) Whish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	var cb whishCallback
	_ = json.Unmarshal(body, &cb)

	event := &models.WebhookEvent{
		Provider:   models.ProviderWhish,
		EventType:  "collect." + strings.ToLower(cb.Status),
		ExternalID: cb.ExternalID,
		Headers:    headerJSON(r.Header),
		Payload:    payloadJSON(body),
	}
	ctx := r.Context()
	if err := h.repo.Insert(ctx, event); err != nil {
		h.log.Error("persist whish webhook failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	verified := false
	if h.whish.Signed() {
		if err := h.whish.VerifySignature(ctx, body, r.Header); err != nil {
			_ = h.repo.SetError(ctx, event.ID, "invalid_signature")
			h.log.Warn("whish callback signature rejected", "event_id", event.ID)
			http.Error(w, "invalid signature", http.StatusBadRequest)
			return
		}
		verified = true
	}

	if cb.Reference == "" || cb.Status == "" {
		// Malformed callback: keep the evidence, do not provoke retries.
		_ = h.repo.SetError(ctx, event.ID, "missing reference or status")
		w.WriteHeader(http.StatusOK)
		return
	}

	if _, err := h.depSvc.ConfirmWhish(ctx, cb.Reference, cb.Status, &event.ID, verified); err != nil {
		if errors.Is(err, deposits.ErrUnknownReference) {
			_ = h.repo.SetError(ctx, event.ID, "unknown deposit reference: "+cb.Reference)
			w.WriteHeader(http.StatusOK)
			return
		}
		if errors.Is(err, deposits.ErrUnverifiedCallback) {
			// Retrying won't make it verifiable; keep the flagged event row
			// for support and leave the deposit pending.
			_ = h.repo.SetError(ctx, event.ID, "unverified success callback: "+cb.Reference)
			w.WriteHeader(http.StatusOK)
			return
		}
		_ = h.repo.SetError(ctx, event.ID, err.Error())
		h.log.Error("whish callback processing failed", "event_id", event.ID, "error", err)
		http.Error(w, "processing error", http.StatusInternalServerError)
		return
	}
	_ = h.repo.MarkProcessed(ctx, event.ID)
	w.WriteHeader(http.StatusOK)
}

// payloadJSON makes any body storable in the JSONB payload column: a body
// that is not valid JSON (form-encoded, truncated, empty) is wrapped as a
// JSON string so the verbatim bytes still land in the audit row.
func payloadJSON(body []byte) json.RawMessage {
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	raw, err := json.Marshal(string(body))
	if err != nil {
		return json.RawMessage(`""`)
	}
	return raw
}

func headerJSON(h http.Header) json.RawMessage {
	raw, err := json.Marshal(h)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
