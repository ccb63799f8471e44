package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/smartprospect/backend/internal/models"
	"github.com/smartprospect/backend/internal/payments"
)

// CreditService is the subset of the orchestrator the account endpoints use.
type CreditService interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	Balance(ctx context.Context, accountID uuid.UUID) (int64, error)
	LedgerHistory(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
	CreateCheckout(ctx context.Context, accountID uuid.UUID, tierID string) (*payments.Checkout, error)
}

// TierLister lists the credit bundles that can be bought.
type TierLister interface {
	Tiers() []payments.Tier
}

// CreditHandler serves account, ledger and checkout endpoints.
type CreditHandler struct {
	Svc    CreditService
	Tiers  TierLister
	Logger *slog.Logger
}

type meResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Balance     int64  `json:"balance"`
}

type tierResponse struct {
	ID      string `json:"id"`
	Credits int64  `json:"credits"`
}

type checkoutRequest struct {
	TierID string `json:"tier_id"`
}

type checkoutResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// Me handles GET /api/v1/account/me.
func (h *CreditHandler) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	acc, err := h.Svc.GetAccount(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.Logger, "get account", err)
		return
	}
	balance, err := h.Svc.Balance(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.Logger, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		ID:          acc.ID.String(),
		Email:       acc.Email,
		DisplayName: acc.DisplayName,
		Balance:     balance,
	})
}

// Ledger handles GET /api/v1/credit-ledger?limit=N.
func (h *CreditHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	list, err := h.Svc.LedgerHistory(r.Context(), id, limit)
	if err != nil {
		writeServiceError(w, r, h.Logger, "ledger history", err)
		return
	}
	if list == nil {
		list = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ListTiers handles GET /api/v1/credits/tiers.
func (h *CreditHandler) ListTiers(w http.ResponseWriter, r *http.Request) {
	out := []tierResponse{}
	if h.Tiers != nil {
		for _, t := range h.Tiers.Tiers() {
			out = append(out, tierResponse{ID: t.ID, Credits: t.Credits})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// Checkout handles POST /api/v1/credits/checkout.
func (h *CreditHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req checkoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TierID == "" {
		writeError(w, http.StatusBadRequest, "tier_id is required")
		return
	}
	co, err := h.Svc.CreateCheckout(r.Context(), id, req.TierID)
	if err != nil {
		writeServiceError(w, r, h.Logger, "create checkout", err)
		return
	}
	writeJSON(w, http.StatusCreated, checkoutResponse{SessionID: co.SessionID, URL: co.URL})
}
