package deposits

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/skillswap/backend/internal/config"
	"github.com/skillswap/backend/internal/ledger"
	"github.com/skillswap/backend/internal/models"
	"github.com/skillswap/backend/internal/providers"
)

// ---------------------------------------------------------------------------
// In-memory ledger mock mirroring the repository's balance semantics.
// ---------------------------------------------------------------------------

type fakeTx struct {
	pgx.Tx
}

func (fakeTx) Commit(context.Context) error   { return nil }
func (fakeTx) Rollback(context.Context) error { return nil }

type memLedger struct {
	mu           sync.Mutex
	balances     map[uuid.UUID]int
	transactions []*models.Transaction
}

func newMemLedger() *memLedger {
	return &memLedger{balances: make(map[uuid.UUID]int)}
}

func (m *memLedger) Begin(context.Context) (pgx.Tx, error) { return fakeTx{}, nil }

func (m *memLedger) RecordTransactionTx(_ context.Context, _ pgx.Tx, t *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if models.CreditsOut(t.Type) && t.Status != models.TxStatusFailed {
		if m.balances[t.UserID] < t.Amount {
			return ledger.ErrInsufficientBalance
		}
		m.balances[t.UserID] -= t.Amount
	}
	if models.CreditsIn(t.Type) && t.Status == models.TxStatusCompleted {
		m.balances[t.UserID] += t.Amount
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	cp := *t
	m.transactions = append(m.transactions, &cp)
	return nil
}

func (m *memLedger) CreditUserTx(_ context.Context, _ pgx.Tx, userID uuid.UUID, amount int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] += amount
	return m.balances[userID], nil
}

func (m *memLedger) GetByReferenceForUpdate(_ context.Context, _ pgx.Tx, referenceID string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transactions {
		if t.ReferenceID != nil && *t.ReferenceID == referenceID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *memLedger) GetByIDForUpdateTx(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transactions {
		if t.ID == id {
			cp := *t
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *memLedger) SetStatusTx(_ context.Context, _ pgx.Tx, id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transactions {
		if t.ID == id {
			t.Status = status
			return nil
		}
	}
	return pgx.ErrNoRows
}

func (m *memLedger) SetReferenceTx(_ context.Context, _ pgx.Tx, id uuid.UUID, referenceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transactions {
		if t.ID == id {
			ref := referenceID
			t.ReferenceID = &ref
			return nil
		}
	}
	return pgx.ErrNoRows
}

func (m *memLedger) SettlePendingByReferenceTx(_ context.Context, _ pgx.Tx, referenceID, txType, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transactions {
		if t.ReferenceID != nil && *t.ReferenceID == referenceID && t.Type == txType && t.Status == models.TxStatusPending {
			t.Status = status
		}
	}
	return nil
}

func (m *memLedger) ListByUser(context.Context, uuid.UUID) ([]*models.Transaction, error) {
	return nil, nil
}

func (m *memLedger) ListAll(context.Context) ([]*models.Transaction, error) { return nil, nil }

func (m *memLedger) GetUserCredits(_ context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

func (m *memLedger) PendingCashoutSum(context.Context, uuid.UUID) (int, error) { return 0, nil }

func (m *memLedger) CompletedSumSince(context.Context, uuid.UUID, string, time.Time) (int, error) {
	return 0, nil
}

var _ ledger.Service = (*memLedger)(nil)

func (m *memLedger) balance(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[id]
}

func (m *memLedger) byStatus(status string) []*models.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Transaction
	for _, t := range m.transactions {
		if t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

// ---

type eventRec struct {
	mu     sync.Mutex
	marked []uuid.UUID
}

func (e *eventRec) MarkProcessedTx(_ context.Context, _ pgx.Tx, eventID uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marked = append(e.marked, eventID)
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testPayments() config.Payments {
	return config.Payments{
		FeeRate:         0.20,
		MinCashout:      10,
		CreditToUSDRate: 1.0,
		Packages:        map[string]int{"starter": 5, "plus": 10, "pro": 25, "mega": 50},
	}
}

// paypalStub serves oauth plus order create so CreatePayPalOrder runs against
// a real HTTP round trip.
func paypalStub(t *testing.T, orderID string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("POST /v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": orderID,
			"links": []map[string]string{
				{"rel": "self", "href": "https://api.example.com/orders/" + orderID},
				{"rel": "approve", "href": "https://pay.example.com/approve/" + orderID},
			},
		})
	})
	return httptest.NewServer(mux)
}

func paypalFor(srv *httptest.Server) *providers.PayPalClient {
	return providers.NewPayPalClient(config.PayPal{
		BaseURL:  srv.URL,
		ClientID: "id",
		Secret:   "secret",
		Currency: "USD",
	})
}

func unsignedWhish(statusURL string) *providers.Whish {
	return providers.NewWhish("https://whish.example.com/collect", statusURL, "merchant-1", "", "USD", "https://app.example.com/webhooks/whish", "https://app.example.com/wallet")
}

// ---------------------------------------------------------------------------
// Initiation
// ---------------------------------------------------------------------------

func TestCreatePayPalOrder_PendingAndReferenceUpgrade(t *testing.T) {
	srv := paypalStub(t, "ORDER123")
	defer srv.Close()

	led := newMemLedger()
	svc := NewService(led, paypalFor(srv), unsignedWhish(""), &eventRec{}, testPayments())

	user := uuid.New()
	res, err := svc.CreatePayPalOrder(context.Background(), user, 25)
	if err != nil {
		t.Fatalf("CreatePayPalOrder: %v", err)
	}
	if res.Reference != "paypal_order_ORDER123" {
		t.Errorf("reference: got %s, want paypal_order_ORDER123", res.Reference)
	}
	if res.RedirectURL != "https://pay.example.com/approve/ORDER123" {
		t.Errorf("redirect: got %s", res.RedirectURL)
	}

	// Pending purchase only: no credits yet.
	if got := led.balance(user); got != 0 {
		t.Errorf("balance before capture: got %d, want 0", got)
	}
	pending := led.byStatus(models.TxStatusPending)
	if len(pending) != 1 || *pending[0].ReferenceID != "paypal_order_ORDER123" {
		t.Fatalf("expected one pending purchase with upgraded reference, got %+v", pending)
	}
}

func TestCreateWhishCollect_BuildsRedirect(t *testing.T) {
	led := newMemLedger()
	svc := NewService(led, nil, unsignedWhish(""), &eventRec{}, testPayments())

	res, err := svc.CreateWhishCollect(context.Background(), uuid.New(), 10)
	if err != nil {
		t.Fatalf("CreateWhishCollect: %v", err)
	}
	if res.RedirectURL == "" {
		t.Error("expected a collect redirect URL")
	}
	if len(res.Reference) == 0 || res.Reference[:14] != "whish_collect_" {
		t.Errorf("reference: got %s, want whish_collect_ prefix", res.Reference)
	}
}

func TestResolveCredits(t *testing.T) {
	svc := NewService(newMemLedger(), nil, unsignedWhish(""), &eventRec{}, testPayments())

	if n, err := svc.ResolveCredits("pro", 0); err != nil || n != 25 {
		t.Errorf("pro package: got %d, %v", n, err)
	}
	if n, err := svc.ResolveCredits("", 7); err != nil || n != 7 {
		t.Errorf("explicit credits: got %d, %v", n, err)
	}
	if _, err := svc.ResolveCredits("gold", 0); err != ErrInvalidPackage {
		t.Errorf("unknown package: got %v, want ErrInvalidPackage", err)
	}
}

// ---------------------------------------------------------------------------
// Confirmation
// ---------------------------------------------------------------------------

func seedPending(led *memLedger, user uuid.UUID, credits int, reference string) {
	ref := reference
	led.transactions = append(led.transactions, &models.Transaction{
		ID: uuid.New(), UserID: user, Type: models.TxTypeCreditPurchase,
		Amount: credits, Status: models.TxStatusPending, ReferenceID: &ref,
	})
}

func TestConfirm_PaidCreditsOnce(t *testing.T) {
	led := newMemLedger()
	events := &eventRec{}
	svc := NewService(led, nil, unsignedWhish(""), events, testPayments())

	user := uuid.New()
	seedPending(led, user, 25, "paypal_order_A")

	ev1 := uuid.New()
	if _, err := svc.Confirm(context.Background(), "paypal_order_A", providers.StatusPaid, &ev1); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if got := led.balance(user); got != 25 {
		t.Errorf("balance after confirm: got %d, want 25", got)
	}

	// Duplicate delivery: handled, no second credit.
	ev2 := uuid.New()
	if _, err := svc.Confirm(context.Background(), "paypal_order_A", providers.StatusPaid, &ev2); err != nil {
		t.Fatalf("duplicate Confirm: %v", err)
	}
	if got := led.balance(user); got != 25 {
		t.Errorf("balance after duplicate: got %d, want 25", got)
	}
	if len(events.marked) != 2 {
		t.Errorf("both events should be marked processed, got %d", len(events.marked))
	}
}

func TestConfirm_FailedNeverCredits(t *testing.T) {
	led := newMemLedger()
	svc := NewService(led, nil, unsignedWhish(""), &eventRec{}, testPayments())

	user := uuid.New()
	seedPending(led, user, 25, "paypal_order_B")

	tr, err := svc.Confirm(context.Background(), "paypal_order_B", providers.StatusFailed, nil)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if tr.Status != models.TxStatusFailed {
		t.Errorf("status: got %s, want failed", tr.Status)
	}
	if got := led.balance(user); got != 0 {
		t.Errorf("failed deposit must not credit: got %d", got)
	}
}

func TestConfirm_UnknownReference(t *testing.T) {
	svc := NewService(newMemLedger(), nil, unsignedWhish(""), &eventRec{}, testPayments())
	if _, err := svc.Confirm(context.Background(), "paypal_order_missing", providers.StatusPaid, nil); err != ErrUnknownReference {
		t.Errorf("expected ErrUnknownReference, got: %v", err)
	}
}

func TestConfirm_UnknownOutcomeStaysPending(t *testing.T) {
	led := newMemLedger()
	svc := NewService(led, nil, unsignedWhish(""), &eventRec{}, testPayments())

	user := uuid.New()
	seedPending(led, user, 25, "whish_collect_C")

	tr, err := svc.Confirm(context.Background(), "whish_collect_C", providers.StatusUnknown, nil)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if tr.Status != models.TxStatusPending {
		t.Errorf("status: got %s, want pending", tr.Status)
	}
}

// ---------------------------------------------------------------------------
// Whish low-trust confirmation
// ---------------------------------------------------------------------------

func TestConfirmWhish_UnverifiedSuccessPolled(t *testing.T) {
	// Status endpoint disagrees with the callback: no credit.
	statusSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "pending"})
	}))
	defer statusSrv.Close()

	led := newMemLedger()
	svc := NewService(led, nil, unsignedWhish(statusSrv.URL), &eventRec{}, testPayments())

	user := uuid.New()
	seedPending(led, user, 10, "whish_collect_D")

	tr, err := svc.ConfirmWhish(context.Background(), "whish_collect_D", "success", nil, false)
	if err != nil {
		t.Fatalf("ConfirmWhish: %v", err)
	}
	if tr.Status != models.TxStatusPending {
		t.Errorf("unconfirmed callback must stay pending, got %s", tr.Status)
	}
	if got := led.balance(user); got != 0 {
		t.Errorf("balance: got %d, want 0", got)
	}
}

func TestConfirmWhish_UnverifiedSuccessWithoutPollNeverCredits(t *testing.T) {
	// No signature and no status endpoint: the callback is just a claim from
	// whoever knows the reference. It must not move money.
	led := newMemLedger()
	svc := NewService(led, nil, unsignedWhish(""), &eventRec{}, testPayments())

	user := uuid.New()
	seedPending(led, user, 10, "whish_collect_H")

	if _, err := svc.ConfirmWhish(context.Background(), "whish_collect_H", "success", nil, false); !errors.Is(err, ErrUnverifiedCallback) {
		t.Fatalf("expected ErrUnverifiedCallback, got: %v", err)
	}
	if got := led.balance(user); got != 0 {
		t.Errorf("balance: got %d, want 0", got)
	}
	pending := led.byStatus(models.TxStatusPending)
	if len(pending) != 1 {
		t.Errorf("deposit must stay pending, got %d pending rows", len(pending))
	}
}

func TestConfirmWhish_PollConfirmsSuccess(t *testing.T) {
	statusSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	}))
	defer statusSrv.Close()

	led := newMemLedger()
	svc := NewService(led, nil, unsignedWhish(statusSrv.URL), &eventRec{}, testPayments())

	user := uuid.New()
	seedPending(led, user, 10, "whish_collect_E")

	tr, err := svc.ConfirmWhish(context.Background(), "whish_collect_E", "success", nil, false)
	if err != nil {
		t.Fatalf("ConfirmWhish: %v", err)
	}
	if tr.Status != models.TxStatusCompleted {
		t.Errorf("status: got %s, want completed", tr.Status)
	}
	if got := led.balance(user); got != 10 {
		t.Errorf("balance: got %d, want 10", got)
	}
}

func TestConfirmWhish_VerifiedSkipsPoll(t *testing.T) {
	// No status URL configured; a verified callback is trusted directly.
	led := newMemLedger()
	svc := NewService(led, nil, unsignedWhish(""), &eventRec{}, testPayments())

	user := uuid.New()
	seedPending(led, user, 10, "whish_collect_F")

	tr, err := svc.ConfirmWhish(context.Background(), "whish_collect_F", "completed", nil, true)
	if err != nil {
		t.Fatalf("ConfirmWhish: %v", err)
	}
	if tr.Status != models.TxStatusCompleted {
		t.Errorf("status: got %s, want completed", tr.Status)
	}
}

func TestConfirmWhish_FailureNeedsNoPoll(t *testing.T) {
	led := newMemLedger()
	svc := NewService(led, nil, unsignedWhish(""), &eventRec{}, testPayments())

	user := uuid.New()
	seedPending(led, user, 10, "whish_collect_G")

	tr, err := svc.ConfirmWhish(context.Background(), "whish_collect_G", "failed", nil, false)
	if err != nil {
		t.Fatalf("ConfirmWhish: %v", err)
	}
	if tr.Status != models.TxStatusFailed {
		t.Errorf("status: got %s, want failed", tr.Status)
	}
}
