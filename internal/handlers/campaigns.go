package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/smartprospect/backend/internal/models"
	"github.com/smartprospect/backend/internal/orchestrator"
)

// CampaignService is the subset of the orchestrator the campaign endpoints use.
type CampaignService interface {
	Cost(n int) int64
	CreateCampaign(ctx context.Context, owner uuid.UUID, in orchestrator.NewCampaign) (*models.Campaign, error)
	GetCampaign(ctx context.Context, owner, id uuid.UUID) (*models.Campaign, error)
	ListCampaigns(ctx context.Context, owner uuid.UUID) ([]*models.Campaign, error)
	Timeline(ctx context.Context, owner, id uuid.UUID) ([]*models.Transition, error)
	ListProspects(ctx context.Context, owner, id uuid.UUID) ([]*models.Prospect, error)
	ExportCSV(ctx context.Context, owner, id uuid.UUID, w io.Writer) error
	StartGeneration(ctx context.Context, owner, id uuid.UUID) (*models.JobRun, error)
	SubmitForReview(ctx context.Context, owner, id uuid.UUID) (*models.Campaign, error)
	Approve(ctx context.Context, owner, id uuid.UUID, note string) (*models.Campaign, error)
	PrepareDispatch(ctx context.Context, owner, id uuid.UUID) (*models.Campaign, error)
	Dispatch(ctx context.Context, owner, id uuid.UUID) (*models.JobRun, error)
	Retry(ctx context.Context, owner, id uuid.UUID) (*models.JobRun, error)
	Cancel(ctx context.Context, owner, id uuid.UUID, note string) (*models.Campaign, int64, error)
	DeleteCampaign(ctx context.Context, owner, id uuid.UUID) error
}

// CampaignHandler serves /api/v1/campaigns endpoints.
type CampaignHandler struct {
	Svc    CampaignService
	Logger *slog.Logger
}

type noteRequest struct {
	Note string `json:"note"`
}

// jobResponse pairs the job an action opened with the campaign state after
// the call, which is already *_failed when the engine refused it.
type jobResponse struct {
	Job      *models.JobRun   `json:"job"`
	Campaign *models.Campaign `json:"campaign"`
}

type cancelResponse struct {
	Campaign *models.Campaign `json:"campaign"`
	Refunded int64            `json:"refunded"`
}

type quoteResponse struct {
	Prospects int   `json:"prospects"`
	Cost      int64 `json:"cost"`
}

// Create handles POST /api/v1/campaigns.
func (h *CampaignHandler) Create(w http.ResponseWriter, r *http.Request) {
	owner, ok := caller(w, r)
	if !ok {
		return
	}
	var req orchestrator.NewCampaign
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := h.Svc.CreateCampaign(r.Context(), owner, req)
	if err != nil {
		writeServiceError(w, r, h.Logger, "create campaign", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// Quote handles GET /api/v1/campaigns/quote?prospects=N.
func (h *CampaignHandler) Quote(w http.ResponseWriter, r *http.Request) {
	var n int
	if _, err := fmt.Sscan(r.URL.Query().Get("prospects"), &n); err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "prospects must be a non-negative integer")
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{Prospects: n, Cost: h.Svc.Cost(n)})
}

// List handles GET /api/v1/campaigns.
func (h *CampaignHandler) List(w http.ResponseWriter, r *http.Request) {
	owner, ok := caller(w, r)
	if !ok {
		return
	}
	list, err := h.Svc.ListCampaigns(r.Context(), owner)
	if err != nil {
		writeServiceError(w, r, h.Logger, "list campaigns", err)
		return
	}
	if list == nil {
		list = []*models.Campaign{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Get handles GET /api/v1/campaigns/{id}.
func (h *CampaignHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.campaignAction(w, r, "get campaign", h.Svc.GetCampaign)
}

// Delete handles DELETE /api/v1/campaigns/{id}.
func (h *CampaignHandler) Delete(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := h.Svc.DeleteCampaign(r.Context(), owner, id); err != nil {
		writeServiceError(w, r, h.Logger, "delete campaign", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Timeline handles GET /api/v1/campaigns/{id}/timeline.
func (h *CampaignHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.target(w, r)
	if !ok {
		return
	}
	list, err := h.Svc.Timeline(r.Context(), owner, id)
	if err != nil {
		writeServiceError(w, r, h.Logger, "campaign timeline", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Prospects handles GET /api/v1/campaigns/{id}/prospects.
func (h *CampaignHandler) Prospects(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.target(w, r)
	if !ok {
		return
	}
	list, err := h.Svc.ListProspects(r.Context(), owner, id)
	if err != nil {
		writeServiceError(w, r, h.Logger, "list prospects", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Export handles GET /api/v1/campaigns/{id}/export.csv.
func (h *CampaignHandler) Export(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.target(w, r)
	if !ok {
		return
	}
	// Buffer so a failure can still produce a JSON error response.
	var buf bytes.Buffer
	if err := h.Svc.ExportCSV(r.Context(), owner, id, &buf); err != nil {
		writeServiceError(w, r, h.Logger, "export campaign", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="campaign-%s.csv"`, id))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// Generate handles POST /api/v1/campaigns/{id}/generate.
func (h *CampaignHandler) Generate(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, "start generation", h.Svc.StartGeneration)
}

// Dispatch handles POST /api/v1/campaigns/{id}/dispatch.
func (h *CampaignHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, "dispatch", h.Svc.Dispatch)
}

// Retry handles POST /api/v1/campaigns/{id}/retry.
func (h *CampaignHandler) Retry(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, "retry", h.Svc.Retry)
}

// SubmitForReview handles POST /api/v1/campaigns/{id}/submit-review.
func (h *CampaignHandler) SubmitForReview(w http.ResponseWriter, r *http.Request) {
	h.campaignAction(w, r, "submit for review", h.Svc.SubmitForReview)
}

// PrepareDispatch handles POST /api/v1/campaigns/{id}/prepare-dispatch.
func (h *CampaignHandler) PrepareDispatch(w http.ResponseWriter, r *http.Request) {
	h.campaignAction(w, r, "prepare dispatch", h.Svc.PrepareDispatch)
}

// Approve handles POST /api/v1/campaigns/{id}/approve. The body is optional.
func (h *CampaignHandler) Approve(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.target(w, r)
	if !ok {
		return
	}
	req, ok := optionalNote(w, r)
	if !ok {
		return
	}
	c, err := h.Svc.Approve(r.Context(), owner, id, req.Note)
	if err != nil {
		writeServiceError(w, r, h.Logger, "approve", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Cancel handles POST /api/v1/campaigns/{id}/cancel. The body is optional.
func (h *CampaignHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.target(w, r)
	if !ok {
		return
	}
	req, ok := optionalNote(w, r)
	if !ok {
		return
	}
	c, refund, err := h.Svc.Cancel(r.Context(), owner, id, req.Note)
	if err != nil {
		writeServiceError(w, r, h.Logger, "cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Campaign: c, Refunded: refund})
}

func (h *CampaignHandler) target(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	owner, ok := caller(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	id, ok := pathID(w, r)
	return owner, id, ok
}

func (h *CampaignHandler) campaignAction(w http.ResponseWriter, r *http.Request, op string,
	fn func(context.Context, uuid.UUID, uuid.UUID) (*models.Campaign, error)) {
	owner, id, ok := h.target(w, r)
	if !ok {
		return
	}
	c, err := fn(r.Context(), owner, id)
	if err != nil {
		writeServiceError(w, r, h.Logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *CampaignHandler) jobAction(w http.ResponseWriter, r *http.Request, op string,
	fn func(context.Context, uuid.UUID, uuid.UUID) (*models.JobRun, error)) {
	owner, id, ok := h.target(w, r)
	if !ok {
		return
	}
	job, err := fn(r.Context(), owner, id)
	if err != nil {
		writeServiceError(w, r, h.Logger, op, err)
		return
	}
	c, err := h.Svc.GetCampaign(r.Context(), owner, id)
	if err != nil {
		writeServiceError(w, r, h.Logger, op, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{Job: job, Campaign: c})
}

func optionalNote(w http.ResponseWriter, r *http.Request) (noteRequest, bool) {
	var req noteRequest
	if r.ContentLength == 0 {
		return req, true
	}
	return req, decodeJSON(w, r, &req)
}
