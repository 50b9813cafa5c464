package payouts

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/skillswap/backend/internal/ledger"
	"github.com/skillswap/backend/internal/middleware"
	"github.com/skillswap/backend/internal/models"
)

type RequestPayoutRequest struct {
	Amount   int    `json:"amount"`
	MethodID string `json:"method_id"`
}

type RejectRequest struct {
	Note string `json:"note"`
}

type MarkFailedRequest struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PayoutResponse is the payout row plus its fee breakdown, reconstructed
// for rows that predate the fee columns.
type PayoutResponse struct {
	*models.Payout
	Gross int `json:"gross"`
	Fee   int `json:"fee"`
	Net   int `json:"net"`
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

// Request handles POST /api/v1/payouts.
func (h *Handler) Request(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFromCtx(r.Context())
	if u == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req RequestPayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	methodID, err := uuid.Parse(req.MethodID)
	if err != nil {
		http.Error(w, "invalid method_id", http.StatusBadRequest)
		return
	}
	p, err := h.svc.Request(r.Context(), u.ID, req.Amount, methodID)
	if err != nil {
		switch {
		case errors.Is(err, ErrBelowMinimum):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, ErrMethodNotFound):
			http.Error(w, "payout method not found", http.StatusNotFound)
		case errors.Is(err, ledger.ErrInsufficientBalance):
			http.Error(w, "insufficient credits", http.StatusUnprocessableEntity)
		default:
			h.log.Error("payout request failed", "user_id", u.ID, "error", err)
			http.Error(w, "payout request failed", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusCreated, h.toResponse(p))
}

// ListMine handles GET /api/v1/payouts.
func (h *Handler) ListMine(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFromCtx(r.Context())
	if u == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	list, err := h.svc.ListByUser(r.Context(), u.ID)
	if err != nil {
		h.log.Error("list payouts failed", "user_id", u.ID, "error", err)
		http.Error(w, "could not list payouts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponses(list))
}

// ListAll handles GET /api/v1/admin/payouts.
func (h *Handler) ListAll(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListAll(r.Context())
	if err != nil {
		h.log.Error("list all payouts failed", "error", err)
		http.Error(w, "could not list payouts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponses(list))
}

// Approve handles POST /api/v1/admin/payouts/{id}/approve.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	admin := middleware.UserFromCtx(r.Context())
	if admin == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id, ok := payoutID(w, r)
	if !ok {
		return
	}
	p, err := h.svc.Approve(r.Context(), id, admin.ID)
	if err != nil {
		h.writeTransitionError(w, "approve", id, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(p))
}

// Reject handles POST /api/v1/admin/payouts/{id}/reject.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	id, ok := payoutID(w, r)
	if !ok {
		return
	}
	var req RejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	p, err := h.svc.Reject(r.Context(), id, req.Note)
	if err != nil {
		if errors.Is(err, ErrNoteRequired) {
			http.Error(w, "note is required", http.StatusUnprocessableEntity)
			return
		}
		h.writeTransitionError(w, "reject", id, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(p))
}

// MarkPaid handles POST /api/v1/admin/payouts/{id}/mark-paid, for manual
// confirmation of transfers settled outside the automated providers.
func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	id, ok := payoutID(w, r)
	if !ok {
		return
	}
	if err := h.svc.MarkPaid(r.Context(), id); err != nil {
		h.writeTransitionError(w, "mark paid", id, err)
		return
	}
	p, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		http.Error(w, "could not load payout", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(p))
}

// MarkFailed handles POST /api/v1/admin/payouts/{id}/mark-failed.
func (h *Handler) MarkFailed(w http.ResponseWriter, r *http.Request) {
	id, ok := payoutID(w, r)
	if !ok {
		return
	}
	var req MarkFailedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		req.Code = "admin_marked_failed"
	}
	if err := h.svc.MarkFailed(r.Context(), id, req.Code, req.Message); err != nil {
		h.writeTransitionError(w, "mark failed", id, err)
		return
	}
	p, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		http.Error(w, "could not load payout", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(p))
}

func (h *Handler) writeTransitionError(w http.ResponseWriter, action string, id uuid.UUID, err error) {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		http.Error(w, "payout not found", http.StatusNotFound)
	case errors.Is(err, ErrInvalidStateTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.log.Error("payout transition failed", "action", action, "payout_id", id, "error", err)
		http.Error(w, "payout update failed", http.StatusInternalServerError)
	}
}

func (h *Handler) toResponse(p *models.Payout) PayoutResponse {
	gross, fee, net := h.svc.Breakdown(p)
	return PayoutResponse{Payout: p, Gross: gross, Fee: fee, Net: net}
}

func (h *Handler) toResponses(list []*models.Payout) []PayoutResponse {
	out := make([]PayoutResponse, 0, len(list))
	for _, p := range list {
		out = append(out, h.toResponse(p))
	}
	return out
}

func payoutID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid payout id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
