package payoutmethods

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/skillswap/backend/internal/middleware"
	"github.com/skillswap/backend/internal/models"
)

type CreateRequest struct {
	Provider string                     `json:"provider"`
	Method   string                     `json:"method"`
	Details  models.PayoutMethodDetails `json:"details"`
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

// Create handles POST /api/v1/payout-methods.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFromCtx(r.Context())
	if u == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	m, err := h.svc.Create(r.Context(), u.ID, req.Provider, req.Method, req.Details)
	if err != nil {
		if errors.Is(err, ErrInvalidProvider) || errors.Is(err, ErrMissingReceiver) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		h.log.Error("create payout method failed", "user_id", u.ID, "error", err)
		http.Error(w, "could not save payout method", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// List handles GET /api/v1/payout-methods.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFromCtx(r.Context())
	if u == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	list, err := h.svc.List(r.Context(), u.ID)
	if err != nil {
		h.log.Error("list payout methods failed", "user_id", u.ID, "error", err)
		http.Error(w, "could not list payout methods", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.UserPayoutMethod{}
	}
	writeJSON(w, http.StatusOK, list)
}

// SetDefault handles POST /api/v1/payout-methods/{id}/default.
func (h *Handler) SetDefault(w http.ResponseWriter, r *http.Request) {
	h.ownedMethodAction(w, r, "set default payout method", h.svc.SetDefault)
}

// Delete handles DELETE /api/v1/payout-methods/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	h.ownedMethodAction(w, r, "delete payout method", h.svc.Delete)
}

func (h *Handler) ownedMethodAction(w http.ResponseWriter, r *http.Request, action string, fn func(ctx context.Context, userID, methodID uuid.UUID) error) {
	u := middleware.UserFromCtx(r.Context())
	if u == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	methodID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid method id", http.StatusBadRequest)
		return
	}
	if err := fn(r.Context(), u.ID, methodID); err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "payout method not found", http.StatusNotFound)
			return
		}
		h.log.Error(action+" failed", "user_id", u.ID, "method_id", methodID, "error", err)
		http.Error(w, action+" failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
