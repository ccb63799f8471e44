package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/smartprospect/backend/internal/ledger"
	"github.com/smartprospect/backend/internal/lifecycle"
	"github.com/smartprospect/backend/internal/middleware"
	"github.com/smartprospect/backend/internal/orchestrator"
	"github.com/smartprospect/backend/internal/payments"
	"github.com/smartprospect/backend/internal/store"
)

// maxBodyBytes bounds every request body the handlers decode.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps orchestrator errors to HTTP responses. Anything it
// does not recognize is logged and answered with 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, log *slog.Logger, op string, err error) {
	var tErr *lifecycle.TransitionError
	switch {
	case errors.Is(err, orchestrator.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, "insufficient credits")
	case errors.As(err, &tErr):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  err.Error(),
			"status": string(tErr.From),
			"event":  string(tErr.Event),
		})
	case errors.Is(err, lifecycle.ErrIllegalTransition), errors.Is(err, orchestrator.ErrJobInFlight),
		errors.Is(err, ledger.ErrEventIDConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, payments.ErrUnknownTier):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, payments.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "payments are not configured")
	default:
		if log == nil {
			log = slog.Default()
		}
		log.ErrorContext(r.Context(), op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// caller returns the authenticated account id, answering 401 when absent.
func caller(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := middleware.AccountIDFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
	}
	return id, ok
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid campaign id")
		return uuid.Nil, false
	}
	return id, true
}
