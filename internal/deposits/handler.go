package deposits

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/skillswap/backend/internal/middleware"
	"github.com/skillswap/backend/internal/providers"
)

type CreateDepositRequest struct {
	Package string `json:"package"`
	Credits int    `json:"credits"`
}

type CreateDepositResponse struct {
	TransactionID string `json:"transaction_id"`
	Reference     string `json:"reference"`
	RedirectURL   string `json:"redirect_url"`
}

type Handler struct {
	svc      *Service
	packages map[string]int
	log      *slog.Logger
}

func NewHandler(svc *Service, packages map[string]int, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, packages: packages, log: log}
}

// Packages handles GET /api/v1/deposits/packages.
func (h *Handler) Packages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.packages)
}

// CreatePayPal handles POST /api/v1/deposits/paypal.
func (h *Handler) CreatePayPal(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, h.svc.CreatePayPalOrder)
}

// CreateWhish handles POST /api/v1/deposits/whish.
func (h *Handler) CreateWhish(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, h.svc.CreateWhishCollect)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request, initiate func(ctx context.Context, userID uuid.UUID, credits int) (*CreateResult, error)) {
	u := middleware.UserFromCtx(r.Context())
	if u == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req CreateDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	credits, err := h.svc.ResolveCredits(req.Package, req.Credits)
	if err != nil {
		http.Error(w, "unknown credit package", http.StatusUnprocessableEntity)
		return
	}
	result, err := initiate(r.Context(), u.ID, credits)
	if err != nil {
		if errors.Is(err, providers.ErrProviderUnavailable) {
			http.Error(w, "payment provider unavailable", http.StatusBadGateway)
			return
		}
		h.log.Error("create deposit failed", "user_id", u.ID, "error", err)
		http.Error(w, "could not start deposit", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, CreateDepositResponse{
		TransactionID: result.TransactionID.String(),
		Reference:     result.Reference,
		RedirectURL:   result.RedirectURL,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
