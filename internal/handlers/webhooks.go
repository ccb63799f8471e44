package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/smartprospect/backend/internal/orchestrator"
	"github.com/smartprospect/backend/internal/payments"
	"github.com/smartprospect/backend/internal/workflow"
)

// WebhookService is the subset of the orchestrator that consumes inbound events.
type WebhookService interface {
	ApplyPurchase(ctx context.Context, ev payments.PurchaseCompleted) (orchestrator.Outcome, error)
	HandleGenerationCallback(ctx context.Context, cb *workflow.GenerationCallback) (orchestrator.Outcome, error)
	HandleDispatchCallback(ctx context.Context, cb *workflow.DispatchCallback) (orchestrator.Outcome, error)
}

// PaymentEvents verifies and decodes payment provider webhooks.
type PaymentEvents interface {
	ParseWebhook(payload []byte, signature string) (payments.Event, error)
}

// CallbackParser validates and decodes workflow engine callbacks.
type CallbackParser interface {
	ParseGeneration(body []byte) (*workflow.GenerationCallback, error)
	ParseDispatch(body []byte) (*workflow.DispatchCallback, error)
}

// WebhookHandler serves /webhooks endpoints. Every delivery that was
// understood is acknowledged with 200, including duplicates and callbacks
// that no longer apply.
type WebhookHandler struct {
	Svc      WebhookService
	Payments PaymentEvents
	Parser   CallbackParser
	Logger   *slog.Logger
}

type webhookResponse struct {
	Received bool   `json:"received"`
	Applied  bool   `json:"applied"`
	Outcome  string `json:"outcome,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Stripe handles POST /webhooks/stripe.
func (h *WebhookHandler) Stripe(w http.ResponseWriter, r *http.Request) {
	if h.Payments == nil {
		writeError(w, http.StatusServiceUnavailable, "payments are not configured")
		return
	}
	payload, ok := readBody(w, r)
	if !ok {
		return
	}
	ev, err := h.Payments.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, payments.ErrInvalidSignature):
		h.logger().WarnContext(r.Context(), "stripe webhook signature rejected", "error", err)
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	case errors.Is(err, payments.ErrInvalidEvent):
		h.logger().WarnContext(r.Context(), "stripe webhook malformed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, payments.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "payments are not configured")
		return
	case err != nil:
		h.logger().ErrorContext(r.Context(), "stripe webhook", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	switch ev := ev.(type) {
	case payments.PurchaseCompleted:
		outcome, err := h.Svc.ApplyPurchase(r.Context(), ev)
		h.acknowledge(w, r, "apply purchase", outcome, err)
	case payments.Ignored:
		h.logger().DebugContext(r.Context(), "stripe event ignored", "event_id", ev.EventID, "type", ev.Type, "reason", ev.Reason)
		writeJSON(w, http.StatusOK, webhookResponse{Received: true, Reason: ev.Reason})
	default:
		writeJSON(w, http.StatusOK, webhookResponse{Received: true})
	}
}

// Generation handles POST /webhooks/workflow/generation.
func (h *WebhookHandler) Generation(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	cb, err := h.Parser.ParseGeneration(body)
	if err != nil {
		h.rejectPayload(w, r, "generation", err)
		return
	}
	outcome, err := h.Svc.HandleGenerationCallback(r.Context(), cb)
	h.acknowledge(w, r, "generation callback", outcome, err)
}

// DispatchResult handles POST /webhooks/workflow/dispatch.
func (h *WebhookHandler) DispatchResult(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	cb, err := h.Parser.ParseDispatch(body)
	if err != nil {
		h.rejectPayload(w, r, "dispatch", err)
		return
	}
	outcome, err := h.Svc.HandleDispatchCallback(r.Context(), cb)
	h.acknowledge(w, r, "dispatch callback", outcome, err)
}

// acknowledge answers 200 for applied, duplicate and rejected outcomes. A
// rejected outcome carries its reason; any other error is a failure the
// sender should retry.
func (h *WebhookHandler) acknowledge(w http.ResponseWriter, r *http.Request, op string, outcome orchestrator.Outcome, err error) {
	if outcome == orchestrator.OutcomeRejected {
		resp := webhookResponse{Received: true, Outcome: string(outcome)}
		if err != nil {
			resp.Reason = err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if err != nil {
		writeServiceError(w, r, h.logger(), op, err)
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{
		Received: true,
		Applied:  outcome == orchestrator.OutcomeApplied,
		Outcome:  string(outcome),
	})
}

func (h *WebhookHandler) rejectPayload(w http.ResponseWriter, r *http.Request, kind string, err error) {
	if errors.Is(err, workflow.ErrInvalidCallback) {
		h.logger().WarnContext(r.Context(), "workflow callback rejected", "kind", kind, "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger().ErrorContext(r.Context(), "workflow callback", "kind", kind, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (h *WebhookHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return nil, false
	}
	return body, true
}
