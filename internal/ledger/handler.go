package ledger

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/skillswap/backend/internal/middleware"
	"github.com/skillswap/backend/internal/models"
)

type SettleRequest struct {
	PayeeID     string `json:"payee_id"`
	Amount      int    `json:"amount"`
	ReferenceID string `json:"reference_id"`
}

type OverrideStatusRequest struct {
	Status string `json:"status"`
}

type WalletResponse struct {
	Balance          int `json:"balance"`
	PendingCashout   int `json:"pending_cashout"`
	TaughtThisMonth  int `json:"taught_this_month"`
	LearnedThisMonth int `json:"learned_this_month"`
}

// TransactionEntry is a ledger row annotated with the balance after it.
type TransactionEntry struct {
	*models.Transaction
	RunningBalance int `json:"running_balance"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// Wallet handles GET /api/v1/wallet.
func (h *Handler) Wallet(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFromCtx(r.Context())
	if u == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()
	balance, err := h.svc.GetUserCredits(ctx, u.ID)
	if err != nil {
		h.log.Error("wallet balance lookup failed", "user_id", u.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	pending, err := h.svc.PendingCashoutSum(ctx, u.ID)
	if err != nil {
		h.log.Error("pending cashout sum failed", "user_id", u.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	now := time.Now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	taught, err := h.svc.CompletedSumSince(ctx, u.ID, models.TxTypeSkillEarning, monthStart)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	learned, err := h.svc.CompletedSumSince(ctx, u.ID, models.TxTypeSkillPayment, monthStart)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, WalletResponse{
		Balance:          balance,
		PendingCashout:   pending,
		TaughtThisMonth:  taught,
		LearnedThisMonth: learned,
	})
}

// ListMine handles GET /api/v1/transactions.
func (h *Handler) ListMine(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFromCtx(r.Context())
	if u == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	list, err := h.svc.ListByUser(r.Context(), u.ID)
	if err != nil {
		h.log.Error("list transactions failed", "user_id", u.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	balances := RunningBalances(list)
	entries := make([]TransactionEntry, 0, len(list))
	for i, t := range list {
		entries = append(entries, TransactionEntry{Transaction: t, RunningBalance: balances[i]})
	}
	writeJSON(w, http.StatusOK, entries)
}

// Settle handles POST /api/v1/transactions: a completed session moves
// credits from the learner to the teacher. Both rows commit or neither
// does; an overdrawn payer aborts the pair.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFromCtx(r.Context())
	if u == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	payeeID, err := uuid.Parse(req.PayeeID)
	if err != nil || req.Amount <= 0 {
		http.Error(w, "payee_id and a positive amount are required", http.StatusBadRequest)
		return
	}
	if payeeID == u.ID {
		http.Error(w, "cannot settle with yourself", http.StatusUnprocessableEntity)
		return
	}

	ctx := r.Context()
	tx, err := h.svc.Begin(ctx)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer tx.Rollback(ctx)

	var ref *string
	if req.ReferenceID != "" {
		ref = &req.ReferenceID
	}
	payment := &models.Transaction{
		UserID:      u.ID,
		Type:        models.TxTypeSkillPayment,
		Amount:      req.Amount,
		Status:      models.TxStatusCompleted,
		ReferenceID: ref,
	}
	if err := h.svc.RecordTransactionTx(ctx, tx, payment); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			http.Error(w, "insufficient credits", http.StatusUnprocessableEntity)
			return
		}
		h.log.Error("settle payment failed", "payer_id", u.ID, "error", err)
		http.Error(w, "settlement failed", http.StatusInternalServerError)
		return
	}
	earning := &models.Transaction{
		UserID:      payeeID,
		Type:        models.TxTypeSkillEarning,
		Amount:      req.Amount,
		Status:      models.TxStatusCompleted,
		ReferenceID: ref,
	}
	if err := h.svc.RecordTransactionTx(ctx, tx, earning); err != nil {
		h.log.Error("settle earning failed", "payee_id", payeeID, "error", err)
		http.Error(w, "settlement failed", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "settlement failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"payment": payment,
		"earning": earning,
	})
}

// ListAll handles GET /api/v1/admin/transactions.
func (h *Handler) ListAll(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListAll(r.Context())
	if err != nil {
		h.log.Error("list all transactions failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, list)
}

// OverrideStatus handles PATCH /api/v1/admin/transactions/{id}/status.
// Completing a pending credit-in transaction applies its credit; other
// combinations only rewrite the status field.
func (h *Handler) OverrideStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid transaction id", http.StatusBadRequest)
		return
	}
	var req OverrideStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	switch req.Status {
	case models.TxStatusPending, models.TxStatusCompleted, models.TxStatusFailed:
	default:
		http.Error(w, "invalid status", http.StatusUnprocessableEntity)
		return
	}

	ctx := r.Context()
	tx, err := h.svc.Begin(ctx)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer tx.Rollback(ctx)

	t, err := h.svc.GetByIDForUpdateTx(ctx, tx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, "transaction not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if t.Status != req.Status {
		if models.CreditsIn(t.Type) && t.Status == models.TxStatusPending && req.Status == models.TxStatusCompleted {
			if _, err := h.svc.CreditUserTx(ctx, tx, t.UserID, t.Amount); err != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
		}
		if err := h.svc.SetStatusTx(ctx, tx, t.ID, req.Status); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		t.Status = req.Status
	}
	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
