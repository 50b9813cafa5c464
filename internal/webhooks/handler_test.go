package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/skillswap/backend/internal/deposits"
	"github.com/skillswap/backend/internal/models"
	"github.com/skillswap/backend/internal/providers"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type memEvents struct {
	mu       sync.Mutex
	inserted []*models.WebhookEvent
	errs     map[uuid.UUID]string
	done     map[uuid.UUID]bool
}

func newMemEvents() *memEvents {
	return &memEvents{errs: make(map[uuid.UUID]string), done: make(map[uuid.UUID]bool)}
}

func (m *memEvents) Insert(_ context.Context, e *models.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	m.inserted = append(m.inserted, &cp)
	return nil
}

func (m *memEvents) AlreadyProcessed(_ context.Context, provider, externalID string, excludeID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if externalID == "" {
		return false, nil
	}
	for _, e := range m.inserted {
		if e.Provider == provider && e.ExternalID == externalID && e.ID != excludeID && m.done[e.ID] {
			return true, nil
		}
	}
	return false, nil
}

func (m *memEvents) MarkProcessed(_ context.Context, eventID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done[eventID] = true
	return nil
}

func (m *memEvents) SetError(_ context.Context, eventID uuid.UUID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[eventID] = msg
	return nil
}

func (m *memEvents) lastEvent() *models.WebhookEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inserted) == 0 {
		return nil
	}
	return m.inserted[len(m.inserted)-1]
}

// ---

type depRec struct {
	mu         sync.Mutex
	confirms   []string // "reference:outcome"
	whish      []string // "reference:status:verified"
	confirmErr error
}

func (d *depRec) Confirm(_ context.Context, reference, outcome string, _ *uuid.UUID) (*models.Transaction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.confirmErr != nil {
		return nil, d.confirmErr
	}
	d.confirms = append(d.confirms, reference+":"+outcome)
	return &models.Transaction{}, nil
}

func (d *depRec) ConfirmWhish(_ context.Context, reference, rawStatus string, _ *uuid.UUID, verified bool) (*models.Transaction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.confirmErr != nil {
		return nil, d.confirmErr
	}
	d.whish = append(d.whish, fmt.Sprintf("%s:%s:%t", reference, rawStatus, verified))
	return &models.Transaction{}, nil
}

// ---

type payoutRec struct {
	mu         sync.Mutex
	payouts    map[string]*models.Payout // batch id -> payout
	paid       []uuid.UUID
	failed     []uuid.UUID
	reconciled []uuid.UUID
}

func (p *payoutRec) FindByProviderReference(_ context.Context, _, reference string) (*models.Payout, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pay, ok := p.payouts[reference]; ok {
		return pay, nil
	}
	return nil, pgx.ErrNoRows
}

func (p *payoutRec) MarkPaid(_ context.Context, payoutID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paid = append(p.paid, payoutID)
	return nil
}

func (p *payoutRec) MarkFailed(_ context.Context, payoutID uuid.UUID, _, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, payoutID)
	return nil
}

func (p *payoutRec) ReconcileFromProvider(_ context.Context, payout *models.Payout) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconciled = append(p.reconciled, payout.ID)
	return nil
}

// ---

type stubCapturer struct {
	verifyErr error
	captured  []string
}

func (s *stubCapturer) CaptureOrder(_ context.Context, orderID string) error {
	s.captured = append(s.captured, orderID)
	return nil
}

func (s *stubCapturer) VerifySignature(context.Context, []byte, http.Header) error {
	return s.verifyErr
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type whFixture struct {
	events  *memEvents
	deps    *depRec
	payouts *payoutRec
	paypal  *stubCapturer
	handler *Handler
}

func newWHFixture(whishSecret string) *whFixture {
	f := &whFixture{
		events:  newMemEvents(),
		deps:    &depRec{},
		payouts: &payoutRec{payouts: make(map[string]*models.Payout)},
		paypal:  &stubCapturer{},
	}
	whish := providers.NewWhish("https://pay.whish.example", "", "m-1", whishSecret, "USD", "", "")
	f.handler = NewHandler(f.events, f.deps, f.payouts, f.paypal, whish, nil)
	return f
}

func postPayPal(f *whFixture, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/paypal", bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	f.handler.PayPal(rec, req)
	return rec
}

func paypalBody(id, eventType string, resource map[string]any) string {
	raw, _ := json.Marshal(map[string]any{
		"id":         id,
		"event_type": eventType,
		"resource":   resource,
	})
	return string(raw)
}

// ---------------------------------------------------------------------------
// PayPal endpoint
// ---------------------------------------------------------------------------

func TestPayPalWebhook_PersistsBeforeVerification(t *testing.T) {
	f := newWHFixture("")
	f.paypal.verifyErr = providers.ErrInvalidSignature

	rec := postPayPal(f, paypalBody("WH-1", "CHECKOUT.ORDER.APPROVED", map[string]any{"id": "ORDER1"}))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", rec.Code)
	}
	// The event row exists despite the rejected signature.
	ev := f.events.lastEvent()
	if ev == nil {
		t.Fatal("event was not persisted")
	}
	if f.events.errs[ev.ID] != "invalid_signature" {
		t.Errorf("processing error: got %q, want invalid_signature", f.events.errs[ev.ID])
	}
	if len(f.deps.confirms) != 0 {
		t.Error("no deposit confirmation should run on a rejected signature")
	}
}

func TestPayPalWebhook_OrderApprovedCapturesAndCredits(t *testing.T) {
	f := newWHFixture("")

	rec := postPayPal(f, paypalBody("WH-2", "CHECKOUT.ORDER.APPROVED", map[string]any{"id": "ORDER2"}))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if len(f.paypal.captured) != 1 || f.paypal.captured[0] != "ORDER2" {
		t.Errorf("capture calls: %v", f.paypal.captured)
	}
	if len(f.deps.confirms) != 1 || f.deps.confirms[0] != "paypal_order_ORDER2:"+providers.StatusPaid {
		t.Errorf("confirms: %v", f.deps.confirms)
	}
	ev := f.events.lastEvent()
	if !f.events.done[ev.ID] {
		t.Error("event should be marked processed")
	}
}

func TestPayPalWebhook_CaptureCompletedUsesOrderID(t *testing.T) {
	f := newWHFixture("")

	body := paypalBody("WH-3", "PAYMENT.CAPTURE.COMPLETED", map[string]any{
		"id": "CAP9",
		"supplementary_data": map[string]any{
			"related_ids": map[string]string{"order_id": "ORDER3"},
		},
	})
	rec := postPayPal(f, body)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if len(f.deps.confirms) != 1 || f.deps.confirms[0] != "paypal_order_ORDER3:"+providers.StatusPaid {
		t.Errorf("confirms: %v", f.deps.confirms)
	}
}

func TestPayPalWebhook_DuplicateDeliveryShortCircuits(t *testing.T) {
	f := newWHFixture("")

	body := paypalBody("WH-4", "CHECKOUT.ORDER.APPROVED", map[string]any{"id": "ORDER4"})
	if rec := postPayPal(f, body); rec.Code != http.StatusOK {
		t.Fatalf("first delivery: %d", rec.Code)
	}
	if rec := postPayPal(f, body); rec.Code != http.StatusOK {
		t.Fatalf("second delivery: %d", rec.Code)
	}

	// One capture, one confirm; the replay only acknowledged.
	if len(f.paypal.captured) != 1 {
		t.Errorf("captures after replay: got %d, want 1", len(f.paypal.captured))
	}
	if len(f.deps.confirms) != 1 {
		t.Errorf("confirms after replay: got %d, want 1", len(f.deps.confirms))
	}
	// Both event rows persisted.
	if len(f.events.inserted) != 2 {
		t.Errorf("event rows: got %d, want 2", len(f.events.inserted))
	}
}

func TestPayPalWebhook_PayoutItemSucceeded(t *testing.T) {
	f := newWHFixture("")
	payout := &models.Payout{ID: uuid.New(), Status: models.PayoutStatusProcessing}
	f.payouts.payouts["PB-7"] = payout

	body := paypalBody("WH-5", "PAYMENT.PAYOUTS-ITEM.SUCCEEDED", map[string]any{
		"payout_batch_id": "PB-7",
	})
	if rec := postPayPal(f, body); rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if len(f.payouts.paid) != 1 || f.payouts.paid[0] != payout.ID {
		t.Errorf("paid payouts: %v", f.payouts.paid)
	}
}

func TestPayPalWebhook_PayoutItemFailed(t *testing.T) {
	f := newWHFixture("")
	payout := &models.Payout{ID: uuid.New(), Status: models.PayoutStatusProcessing}
	f.payouts.payouts["PB-8"] = payout

	body := paypalBody("WH-6", "PAYMENT.PAYOUTS-ITEM.FAILED", map[string]any{
		"payout_batch_id": "PB-8",
		"status":          "FAILED",
	})
	if rec := postPayPal(f, body); rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if len(f.payouts.failed) != 1 || f.payouts.failed[0] != payout.ID {
		t.Errorf("failed payouts: %v", f.payouts.failed)
	}
}

func TestPayPalWebhook_TerminalPayoutIgnoresReplay(t *testing.T) {
	f := newWHFixture("")
	payout := &models.Payout{ID: uuid.New(), Status: models.PayoutStatusPaid}
	f.payouts.payouts["PB-9"] = payout

	body := paypalBody("WH-7", "PAYMENT.PAYOUTS-ITEM.SUCCEEDED", map[string]any{
		"payout_batch_id": "PB-9",
	})
	if rec := postPayPal(f, body); rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if len(f.payouts.paid) != 0 {
		t.Error("terminal payout must not transition again")
	}
}

func TestPayPalWebhook_UnknownBatchAcknowledged(t *testing.T) {
	f := newWHFixture("")

	body := paypalBody("WH-8", "PAYMENT.PAYOUTS-ITEM.SUCCEEDED", map[string]any{
		"payout_batch_id": "PB-unknown",
	})
	if rec := postPayPal(f, body); rec.Code != http.StatusOK {
		t.Errorf("unknown batch should still be acknowledged, got %d", rec.Code)
	}
}

func TestPayPalWebhook_ProcessingErrorRecorded(t *testing.T) {
	f := newWHFixture("")
	f.deps.confirmErr = errors.New("db connection lost")

	rec := postPayPal(f, paypalBody("WH-9", "CHECKOUT.ORDER.APPROVED", map[string]any{"id": "ORDER9"}))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status: got %d, want 500", rec.Code)
	}
	ev := f.events.lastEvent()
	if f.events.errs[ev.ID] == "" {
		t.Error("processing error should be recorded on the event row")
	}
	if f.events.done[ev.ID] {
		t.Error("failed event must stay unprocessed for redelivery")
	}
}

// ---------------------------------------------------------------------------
// Whish endpoint
// ---------------------------------------------------------------------------

func signWhish(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWhish(f *whFixture, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/whish", bytes.NewReader(body))
	if sig != "" {
		req.Header.Set("X-Whish-Signature", sig)
	}
	rec := httptest.NewRecorder()
	f.handler.Whish(rec, req)
	return rec
}

func TestWhishWebhook_SignedAndVerified(t *testing.T) {
	f := newWHFixture("shh")
	body := []byte(`{"reference":"whish_collect_1","status":"success"}`)

	rec := postWhish(f, body, signWhish("shh", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if len(f.deps.whish) != 1 || f.deps.whish[0] != "whish_collect_1:success:true" {
		t.Errorf("whish confirms: %v", f.deps.whish)
	}
}

func TestWhishWebhook_BadSignatureRejected(t *testing.T) {
	f := newWHFixture("shh")
	body := []byte(`{"reference":"whish_collect_2","status":"success"}`)

	rec := postWhish(f, body, "deadbeef")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", rec.Code)
	}
	if len(f.deps.whish) != 0 {
		t.Error("no confirmation on bad signature")
	}
	ev := f.events.lastEvent()
	if ev == nil || f.events.errs[ev.ID] != "invalid_signature" {
		t.Error("event should be persisted and flagged")
	}
}

func TestWhishWebhook_UnsignedPassedThroughUnverified(t *testing.T) {
	f := newWHFixture("") // no secret configured
	body := []byte(`{"reference":"whish_collect_3","status":"success"}`)

	rec := postWhish(f, body, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if len(f.deps.whish) != 1 || f.deps.whish[0] != "whish_collect_3:success:false" {
		t.Errorf("whish confirms: %v", f.deps.whish)
	}
}

func TestWhishWebhook_UnverifiedCallbackFlagged(t *testing.T) {
	f := newWHFixture("")
	f.deps.confirmErr = deposits.ErrUnverifiedCallback
	body := []byte(`{"reference":"whish_collect_9","status":"success"}`)

	rec := postWhish(f, body, "")
	if rec.Code != http.StatusOK {
		t.Errorf("unverifiable callback should be acknowledged, got %d", rec.Code)
	}
	ev := f.events.lastEvent()
	if ev == nil || f.events.errs[ev.ID] == "" {
		t.Error("unverifiable callback should leave a flagged event row")
	}
	if f.events.done[ev.ID] {
		t.Error("flagged event must not be marked processed")
	}
}

func TestWhishWebhook_NonJSONBodyStillPersisted(t *testing.T) {
	f := newWHFixture("")
	body := []byte("reference=whish_collect_10&status=success")

	rec := postWhish(f, body, "")
	if rec.Code != http.StatusOK {
		t.Errorf("status: got %d, want 200", rec.Code)
	}
	ev := f.events.lastEvent()
	if ev == nil {
		t.Fatal("form-encoded callback was not persisted")
	}
	if !json.Valid(ev.Payload) {
		t.Errorf("payload must be storable JSON, got %q", ev.Payload)
	}
	// Unparseable body means no reference/status, so the event is flagged.
	if f.events.errs[ev.ID] == "" {
		t.Error("event should carry a processing error")
	}
}

func TestPayPalWebhook_NonJSONBodyStillPersisted(t *testing.T) {
	f := newWHFixture("")

	rec := postPayPal(f, `{"id": "WH-10", truncated`)
	if rec.Code != http.StatusOK {
		t.Errorf("status: got %d, want 200", rec.Code)
	}
	ev := f.events.lastEvent()
	if ev == nil {
		t.Fatal("truncated delivery was not persisted")
	}
	if !json.Valid(ev.Payload) {
		t.Errorf("payload must be storable JSON, got %q", ev.Payload)
	}
}

func TestWhishWebhook_MissingFieldsFlaggedNot500(t *testing.T) {
	f := newWHFixture("")
	body := []byte(`{"something":"else"}`)

	rec := postWhish(f, body, "")
	if rec.Code != http.StatusOK {
		t.Errorf("malformed callback should be acknowledged, got %d", rec.Code)
	}
	ev := f.events.lastEvent()
	if ev == nil || f.events.errs[ev.ID] == "" {
		t.Error("malformed callback should leave a flagged event row")
	}
	if len(f.deps.whish) != 0 {
		t.Error("no confirmation for malformed callback")
	}
}
