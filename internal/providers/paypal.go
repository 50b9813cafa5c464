package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skillswap/backend/internal/config"
	"github.com/skillswap/backend/internal/models"
)

// PayPalClient drives both PayPal rails: Checkout Orders v2 for deposits and
// Payouts v1 for cashouts. One client, one OAuth token cache.
type PayPalClient struct {
	cfg  config.PayPal
	http *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewPayPalClient(cfg config.PayPal) *PayPalClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &PayPalClient{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}
}

var _ DepositProvider = (*PayPalClient)(nil)
var _ PayoutProvider = (*PayPalClient)(nil)
var _ WebhookVerifier = (*PayPalClient)(nil)

func (c *PayPalClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}
	if c.cfg.ClientID == "" || c.cfg.Secret == "" {
		return "", fmt.Errorf("paypal client credentials not configured")
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.Secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("paypal oauth: %w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("paypal oauth failed: %s", readBodyForError(resp.Body))
	}

	var data struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("paypal oauth decode: %w", err)
	}
	if data.AccessToken == "" || data.ExpiresIn <= 0 {
		return "", fmt.Errorf("paypal oauth response missing token")
	}

	// Refresh a bit before the real expiry.
	ttl := time.Duration(data.ExpiresIn-60) * time.Second
	if ttl < time.Minute {
		ttl = time.Minute
	}
	c.token = data.AccessToken
	c.tokenExpiry = time.Now().Add(ttl)
	return c.token, nil
}

func (c *PayPalClient) doJSON(ctx context.Context, method, path string, body any) (*http.Response, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("paypal %s %s: %w: %v", method, path, ErrProviderUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		defer resp.Body.Close()
		return nil, fmt.Errorf("paypal %s %s: %w: status %d", method, path, ErrProviderUnavailable, resp.StatusCode)
	}
	return resp, nil
}

// CreateDeposit creates a Checkout order for a credit purchase and returns
// the approval URL the buyer is redirected to. 1 credit = 1 USD unless the
// configured rate says otherwise.
func (c *PayPalClient) CreateDeposit(ctx context.Context, intent DepositIntent) (InitiateResult, error) {
	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": "credits",
			"custom_id":    intent.TransactionID.String(),
			"invoice_id":   intent.Reference,
			"amount": map[string]string{
				"currency_code": c.cfg.Currency,
				"value":         fmt.Sprintf("%.2f", intent.AmountUSD),
			},
			"description": "SkillSwap credits",
		}},
		"application_context": map[string]string{
			"return_url":  c.cfg.CheckoutReturnURL,
			"cancel_url":  c.cfg.CheckoutCancelURL,
			"brand_name":  "SkillSwap",
			"user_action": "PAY_NOW",
		},
	}

	resp, err := c.doJSON(ctx, http.MethodPost, "/v2/checkout/orders", body)
	if err != nil {
		return InitiateResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return InitiateResult{}, fmt.Errorf("paypal create order failed: %s", readBodyForError(resp.Body))
	}

	var data struct {
		ID    string `json:"id"`
		Links []struct {
			Rel  string `json:"rel"`
			Href string `json:"href"`
		} `json:"links"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return InitiateResult{}, fmt.Errorf("paypal create order decode: %w", err)
	}
	if data.ID == "" {
		return InitiateResult{}, fmt.Errorf("paypal order response missing id")
	}
	var approval string
	for _, l := range data.Links {
		if l.Rel == "approve" {
			approval = l.Href
			break
		}
	}
	if approval == "" {
		return InitiateResult{}, fmt.Errorf("paypal order response missing approval url")
	}
	return InitiateResult{ProviderReference: data.ID, RedirectURL: approval}, nil
}

// CaptureOrder captures an approved order server-side so funds move even if
// the buyer never returns to the app. Capture is idempotent on PayPal's side.
func (c *PayPalClient) CaptureOrder(ctx context.Context, orderID string) error {
	resp, err := c.doJSON(ctx, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(orderID)+"/capture", struct{}{})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("paypal capture order %s failed: %s", orderID, readBodyForError(resp.Body))
	}
	return nil
}

type paypalReceiver struct {
	Receiver string `json:"receiver"`
}

// CreatePayout submits a single-item payouts batch. The payout's idempotency
// key is the sender_batch_id, which is PayPal's dedupe key for the Payouts
// API: a DUPLICATE_SENDER_BATCH_ID error means an earlier attempt already
// went through, and we reconcile by that key.
func (c *PayPalClient) CreatePayout(ctx context.Context, payout *models.Payout, amountUSD float64) (InitiateResult, error) {
	var method paypalReceiver
	if err := json.Unmarshal(payout.MethodDetails, &method); err != nil || method.Receiver == "" {
		return InitiateResult{}, fmt.Errorf("paypal payout receiver not configured for payout %s", payout.ID)
	}

	senderBatchID := ""
	if payout.IdempotencyKey != nil {
		senderBatchID = *payout.IdempotencyKey
	}
	if senderBatchID == "" {
		senderBatchID = uuid.NewString()
	}

	body := map[string]any{
		"sender_batch_header": map[string]string{
			"sender_batch_id": senderBatchID,
			"email_subject":   "You have a payout",
		},
		"items": []map[string]any{{
			"recipient_type": "EMAIL",
			"amount": map[string]string{
				"value":    fmt.Sprintf("%.2f", amountUSD),
				"currency": c.cfg.Currency,
			},
			"receiver":       method.Receiver,
			"note":           c.cfg.PayoutNote,
			"sender_item_id": models.PayoutReference(payout.ID),
		}},
	}

	resp, err := c.doJSON(ctx, http.MethodPost, "/v1/payments/payouts", body)
	if err != nil {
		return InitiateResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var perr struct {
			Name string `json:"name"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		_ = json.Unmarshal(raw, &perr)
		if resp.StatusCode == http.StatusBadRequest && perr.Name == "DUPLICATE_SENDER_BATCH_ID" {
			// Idempotent replay: the batch exists, reconcile via the key.
			return InitiateResult{ProviderReference: senderBatchID}, nil
		}
		return InitiateResult{}, fmt.Errorf("paypal create payout failed: %s", raw)
	}

	var data struct {
		BatchHeader struct {
			PayoutBatchID string `json:"payout_batch_id"`
		} `json:"batch_header"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return InitiateResult{}, fmt.Errorf("paypal create payout decode: %w", err)
	}
	batchID := data.BatchHeader.PayoutBatchID
	if batchID == "" {
		// At least keep the sender_batch_id so reconciliation can locate it.
		batchID = senderBatchID
	}
	return InitiateResult{ProviderReference: batchID}, nil
}

// QueryStatus maps a payouts-batch status to our payout vocabulary.
func (c *PayPalClient) QueryStatus(ctx context.Context, providerReference string) (Status, error) {
	if providerReference == "" {
		return Status{State: StatusUnknown}, nil
	}
	resp, err := c.doJSON(ctx, http.MethodGet, "/v1/payments/payouts/"+url.PathEscape(providerReference), nil)
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Status{State: StatusUnknown}, nil
	}

	var data struct {
		BatchHeader struct {
			BatchStatus string `json:"batch_status"`
		} `json:"batch_header"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Status{State: StatusUnknown}, nil
	}

	batchStatus := strings.ToUpper(data.BatchHeader.BatchStatus)
	switch batchStatus {
	case "SUCCESS":
		return Status{State: StatusPaid}, nil
	case "DENIED", "CANCELED", "FAILED":
		return Status{
			State:          StatusFailed,
			FailureCode:    batchStatus,
			FailureMessage: "paypal payout batch " + strings.ToLower(batchStatus),
		}, nil
	default:
		return Status{State: StatusProcessing}, nil
	}
}

// VerifySignature calls PayPal's verify-webhook-signature endpoint with the
// transmission headers and the raw event body.
func (c *PayPalClient) VerifySignature(ctx context.Context, payload []byte, header http.Header) error {
	if c.cfg.WebhookID == "" {
		return fmt.Errorf("paypal webhook_id not configured")
	}

	body := map[string]any{
		"auth_algo":         header.Get("Paypal-Auth-Algo"),
		"cert_url":          header.Get("Paypal-Cert-Url"),
		"transmission_id":   header.Get("Paypal-Transmission-Id"),
		"transmission_sig":  header.Get("Paypal-Transmission-Sig"),
		"transmission_time": header.Get("Paypal-Transmission-Time"),
		"webhook_id":        c.cfg.WebhookID,
		"webhook_event":     json.RawMessage(payload),
	}

	resp, err := c.doJSON(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ErrInvalidSignature
	}

	var data struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return ErrInvalidSignature
	}
	if !strings.EqualFold(data.VerificationStatus, "SUCCESS") {
		return ErrInvalidSignature
	}
	return nil
}

func readBodyForError(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 1<<14))
	return string(raw)
}
