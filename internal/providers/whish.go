package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// whishSignatureHeader carries the hex HMAC-SHA256 of the raw callback body
// when the integration has a shared secret configured.
const whishSignatureHeader = "X-Whish-Signature"

// Whish implements the regional collect flow: deposits redirect the buyer to
// a hosted collect URL and confirmation arrives as a callback. The callback
// carries no documented signature scheme, so this adapter is treated as
// lower-trust: with a secret configured it verifies an HMAC header, and
// without one callers must confirm via the server-to-server status poll
// before crediting.
type Whish struct {
	CollectBaseURL string
	StatusURL      string
	MerchantID     string
	Secret         string
	Currency       string
	CallbackURL    string
	ReturnURL      string

	http *http.Client
}

func NewWhish(collectBaseURL, statusURL, merchantID, secret, currency, callbackURL, returnURL string) *Whish {
	return &Whish{
		CollectBaseURL: strings.TrimRight(collectBaseURL, "/"),
		StatusURL:      statusURL,
		MerchantID:     merchantID,
		Secret:         secret,
		Currency:       currency,
		CallbackURL:    callbackURL,
		ReturnURL:      returnURL,
		http:           &http.Client{Timeout: 20 * time.Second},
	}
}

var _ DepositProvider = (*Whish)(nil)
var _ WebhookVerifier = (*Whish)(nil)

// Signed reports whether callback signature verification is available.
func (w *Whish) Signed() bool { return w.Secret != "" }

// CanQueryStatus reports whether the server-to-server status poll is
// configured.
func (w *Whish) CanQueryStatus() bool { return w.StatusURL != "" }

// CreateDeposit builds the hosted collect URL. No provider call happens
// here; the reference we mint is the correlation key for the callback.
func (w *Whish) CreateDeposit(_ context.Context, intent DepositIntent) (InitiateResult, error) {
	q := url.Values{}
	q.Set("merchant_id", w.MerchantID)
	q.Set("reference", intent.Reference)
	q.Set("amount", strconv.Itoa(intent.Credits))
	q.Set("currency", w.Currency)
	q.Set("callback_url", w.CallbackURL)
	q.Set("return_url", w.ReturnURL)
	q.Set("customer_id", intent.UserID.String())

	return InitiateResult{
		ProviderReference: intent.Reference,
		RedirectURL:       w.CollectBaseURL + "/collect?" + q.Encode(),
	}, nil
}

// VerifySignature checks the HMAC header against the raw body. Without a
// configured secret there is nothing to verify and the caller must fall back
// to the status poll.
func (w *Whish) VerifySignature(_ context.Context, payload []byte, header http.Header) error {
	if !w.Signed() {
		return ErrInvalidSignature
	}
	sig := strings.TrimSpace(header.Get(whishSignatureHeader))
	if sig == "" {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(w.Secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// QueryStatus polls the merchant status endpoint for a collect reference.
// This is the trust anchor for unsigned callbacks.
func (w *Whish) QueryStatus(ctx context.Context, providerReference string) (Status, error) {
	if w.StatusURL == "" {
		return Status{State: StatusUnknown}, nil
	}
	q := url.Values{}
	q.Set("merchant_id", w.MerchantID)
	q.Set("reference", providerReference)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.StatusURL+"?"+q.Encode(), nil)
	if err != nil {
		return Status{}, err
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("whish status poll: %w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Status{State: StatusUnknown}, nil
	}

	var data struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Status{State: StatusUnknown}, nil
	}
	return Status{State: MapCollectStatus(data.Status)}, nil
}

// MapCollectStatus normalizes the status vocabulary Whish callbacks and
// status polls use into ours.
func MapCollectStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "completed", "paid", "approved":
		return StatusPaid
	case "failed", "cancelled", "canceled", "error", "declined":
		return StatusFailed
	default:
		return StatusUnknown
	}
}
