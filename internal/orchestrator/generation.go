package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/smartprospect/backend/internal/idempotency"
	"github.com/smartprospect/backend/internal/jobs"
	"github.com/smartprospect/backend/internal/lifecycle"
	"github.com/smartprospect/backend/internal/models"
	"github.com/smartprospect/backend/internal/store"
	"github.com/smartprospect/backend/internal/workflow"
)

// StartGeneration moves a created or failed campaign to generating, opens a
// generation job and then asks the workflow engine to render the assets.
// A failed outbound call is recorded on the campaign as generation_failed;
// it is not returned as an error.
func (s *Service) StartGeneration(ctx context.Context, owner, id uuid.UUID) (*models.JobRun, error) {
	var (
		job *models.JobRun
		req workflow.GenerationRequest
		fx  effects
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		fx.reset()
		c, err := ownedCampaign(ctx, tx, owner, id)
		if err != nil {
			return err
		}
		event := models.EventStartGeneration
		if c.Status == models.StatusGenerationFailed {
			event = models.EventRetry
		}
		tr, err := lifecycle.Apply(c, event, userActor(owner), "", s.nowUTC())
		if err != nil {
			return err
		}
		c.LastError = nil
		if err := record(ctx, tx, c, tr, &fx); err != nil {
			return err
		}
		job, err = s.jobs.Open(ctx, tx, c.ID, models.JobGeneration, nil)
		if err != nil {
			if errors.Is(err, jobs.ErrInFlight) {
				return fmt.Errorf("%w: %v", ErrJobInFlight, err)
			}
			return err
		}
		prospects, err := tx.ListProspects(ctx, c.ID)
		if err != nil {
			return err
		}
		req = workflow.GenerationRequest{
			JobID:        job.ID,
			CampaignID:   c.ID,
			OwnerID:      c.OwnerID,
			CampaignName: c.Name,
			Documents:    workflow.Documents{ServiceDocument: c.SourceDocument, ProspectList: c.ProspectList},
			CallbackURL:  s.callbackURL(models.JobGeneration),
			Prospects:    make([]workflow.ProspectInput, 0, len(prospects)),
		}
		for _, p := range prospects {
			if p.AssetStatus != models.AssetReady {
				p.AssetStatus = models.AssetCreating
				if err := tx.UpdateProspect(ctx, p); err != nil {
					return err
				}
			}
			req.Prospects = append(req.Prospects, workflow.ProspectInput{
				Ordinal:     p.Ordinal,
				CompanyName: p.CompanyName,
				ContactName: p.ContactName,
				Email:       p.Email,
				Website:     p.Website,
				Fields:      p.Fields,
			})
		}
		return s.jobs.SetRequest(ctx, tx, job, req)
	})
	if err != nil {
		return nil, err
	}
	s.observe(&fx)
	s.log.InfoContext(ctx, "generation started", "campaign_id", id, "job_id", job.ID)

	ack, callErr := s.callWorkflow(ctx, "generate", func(cctx context.Context) (*workflow.Accepted, error) {
		return s.workflow.StartGeneration(cctx, req)
	})
	if callErr != nil {
		failed, _, err := s.failJob(detach(ctx), job.ID, models.ActorSystem, callErr.Error())
		return failed, err
	}
	return s.attachRunID(detach(ctx), job, ack)
}

// callWorkflow runs one outbound call under the configured timeout.
func (s *Service) callWorkflow(ctx context.Context, op string, fn func(context.Context) (*workflow.Accepted, error)) (*workflow.Accepted, error) {
	if s.workflow == nil {
		return nil, &workflow.CallError{Op: op, Err: workflow.ErrNotConfigured}
	}
	cctx, cancel := context.WithTimeout(detach(ctx), s.cfg.CallTimeout)
	defer cancel()
	ack, err := fn(cctx)
	s.metrics.WorkflowCall(op, err)
	if err != nil {
		s.log.WarnContext(ctx, "workflow call failed", "op", op, "error", err)
	}
	return ack, err
}

func (s *Service) attachRunID(ctx context.Context, job *models.JobRun, ack *workflow.Accepted) (*models.JobRun, error) {
	if ack == nil || ack.RunID == "" {
		return job, nil
	}
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := s.jobs.AttachRunID(ctx, tx, job.ID, ack.RunID); err != nil {
			return err
		}
		j, err := tx.GetJobRun(ctx, job.ID)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		// The run id only speeds up reconciliation; the job stays valid without it.
		s.log.ErrorContext(ctx, "attach run id failed", "job_id", job.ID, "run_id", ack.RunID, "error", err)
	}
	return job, nil
}

// failedEvent maps a job kind to the event that records its failure.
func failedEvent(kind models.JobKind) models.CampaignEvent {
	if kind == models.JobDispatch {
		return models.EventDispatchFailed
	}
	return models.EventGenerationFailed
}

// failJob closes a still-pending job as error and moves its campaign to the
// matching *_failed status with reason as last_error. It is a no-op for jobs
// a callback has already closed.
func (s *Service) failJob(ctx context.Context, jobID uuid.UUID, actor, reason string) (*models.JobRun, bool, error) {
	var job *models.JobRun
	var fx effects
	var closed bool
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		fx.reset()
		closed = false
		var err error
		job, err = tx.GetJobRun(ctx, jobID)
		if err != nil {
			return err
		}
		if !job.Open() {
			return nil
		}
		if err := s.jobs.Close(ctx, tx, job, models.JobError, map[string]string{"error": reason}); err != nil {
			return err
		}
		closed = true
		c, err := tx.GetCampaign(ctx, job.CampaignID)
		if err != nil {
			return err
		}
		tr, err := lifecycle.Apply(c, failedEvent(job.Kind), actor, reason, s.nowUTC())
		if errors.Is(err, lifecycle.ErrIllegalTransition) {
			// Cancelled in the meantime; only the job is closed.
			return nil
		}
		if err != nil {
			return err
		}
		c.LastError = strPtr(reason)
		return record(ctx, tx, c, tr, &fx)
	})
	if err != nil {
		s.log.ErrorContext(ctx, "recording job failure failed", "job_id", jobID, "error", err)
		return nil, false, err
	}
	s.observe(&fx)
	if closed {
		s.log.WarnContext(ctx, "job failed", "job_id", jobID, "campaign_id", job.CampaignID, "kind", job.Kind, "reason", reason)
	}
	return job, closed, nil
}

// HandleGenerationCallback applies a generation result reported by the
// workflow engine. The claim on the callback's event id is committed with
// its effects, so redelivery yields OutcomeDuplicate. Callbacks for closed
// jobs or campaigns no longer generating are rejected but still claimed.
func (s *Service) HandleGenerationCallback(ctx context.Context, cb *workflow.GenerationCallback) (Outcome, error) {
	var (
		outcome Outcome
		reject  error
		fx      effects
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		fx.reset()
		outcome, reject = OutcomeApplied, nil
		first, err := s.guard.Claim(ctx, tx, idempotency.CategoryGeneration, cb.EventKey())
		if err != nil {
			return err
		}
		if !first {
			outcome = OutcomeDuplicate
			return nil
		}
		job, c, err := s.callbackTarget(ctx, tx, cb.Envelope, models.JobGeneration)
		if err != nil {
			if errors.Is(err, ErrStaleCallback) || errors.Is(err, lifecycle.ErrIllegalTransition) {
				outcome, reject = OutcomeRejected, err
				return nil
			}
			return err
		}

		var (
			event   models.CampaignEvent
			results []workflow.ProspectResult
			status  = models.JobSuccess
			reason  string
		)
		switch r := cb.Result.(type) {
		case workflow.GenerationSucceeded:
			event, results = models.EventGenerationSucceeded, r.Prospects
		case workflow.GenerationFailed:
			event, results, status, reason = models.EventGenerationFailed, r.Prospects, models.JobError, r.Reason
		default:
			return &ValidationError{Field: "status", Reason: "unknown generation result"}
		}

		tr, err := lifecycle.Apply(c, event, models.ActorWebhook, reason, s.nowUTC())
		if err != nil {
			outcome, reject = OutcomeRejected, err
			return nil
		}
		if err := applyProspectResults(ctx, tx, c.ID, results); err != nil {
			return err
		}
		if reason != "" {
			c.LastError = strPtr(reason)
		} else {
			c.LastError = nil
		}
		if err := record(ctx, tx, c, tr, &fx); err != nil {
			return err
		}
		if cb.RunID != "" && job.ExternalRunID == nil {
			job.ExternalRunID = strPtr(cb.RunID)
		}
		return s.jobs.Close(ctx, tx, job, status, callbackSnapshot(cb.Envelope, string(event), reason))
	})
	if err != nil {
		s.metrics.Callback("generation", "error")
		return "", err
	}
	s.observe(&fx)
	s.metrics.Callback("generation", string(outcome))
	s.logOutcome(ctx, "generation", cb.Envelope, outcome, reject)
	return outcome, reject
}

// callbackTarget loads and checks the job and campaign a callback refers to.
func (s *Service) callbackTarget(ctx context.Context, tx store.Tx, env workflow.Envelope, kind models.JobKind) (*models.JobRun, *models.Campaign, error) {
	job, err := tx.GetJobRun(ctx, env.JobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: unknown job %s", ErrStaleCallback, env.JobID)
	}
	if err != nil {
		return nil, nil, err
	}
	if job.CampaignID != env.CampaignID || job.Kind != kind {
		return nil, nil, fmt.Errorf("%w: job %s is a %s job of campaign %s", ErrStaleCallback, job.ID, job.Kind, job.CampaignID)
	}
	if !job.Open() {
		return nil, nil, fmt.Errorf("%w: job %s already %s", ErrStaleCallback, job.ID, job.Status)
	}
	c, err := tx.GetCampaign(ctx, job.CampaignID)
	if err != nil {
		return nil, nil, err
	}
	return job, c, nil
}

// applyProspectResults stores per-prospect assets. Prospects the engine did
// not report on are marked as failed.
func applyProspectResults(ctx context.Context, tx store.Tx, campaignID uuid.UUID, results []workflow.ProspectResult) error {
	prospects, err := tx.ListProspects(ctx, campaignID)
	if err != nil {
		return err
	}
	byOrdinal := make(map[int]*models.Prospect, len(prospects))
	for _, p := range prospects {
		byOrdinal[p.Ordinal] = p
	}
	touched := make(map[int]bool, len(results))
	for _, r := range results {
		p, ok := byOrdinal[r.Ordinal]
		if !ok {
			return &ValidationError{Field: "prospects.ordinal", Reason: fmt.Sprintf("campaign has no prospect %d", r.Ordinal)}
		}
		p.AssetStatus = r.Status
		p.Assets = r.Assets
		touched[r.Ordinal] = true
		if err := tx.UpdateProspect(ctx, p); err != nil {
			return err
		}
	}
	for _, p := range prospects {
		if touched[p.Ordinal] || p.AssetStatus != models.AssetCreating {
			continue
		}
		p.AssetStatus = models.AssetError
		if err := tx.UpdateProspect(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

type snapshot struct {
	EventID string `json:"event_id,omitempty"`
	RunID   string `json:"run_id,omitempty"`
	Event   string `json:"event"`
	Error   string `json:"error,omitempty"`
}

func callbackSnapshot(env workflow.Envelope, event, reason string) snapshot {
	return snapshot{EventID: env.EventID, RunID: env.RunID, Event: event, Error: reason}
}

func (s *Service) logOutcome(ctx context.Context, source string, env workflow.Envelope, outcome Outcome, reject error) {
	args := []any{"source", source, "event_id", env.EventKey(), "job_id", env.JobID, "campaign_id", env.CampaignID}
	switch outcome {
	case OutcomeDuplicate:
		s.log.DebugContext(ctx, "duplicate callback ignored", args...)
	case OutcomeRejected:
		s.log.WarnContext(ctx, "callback rejected", append(args, "error", reject)...)
	default:
		s.log.InfoContext(ctx, "callback applied", args...)
	}
}

// Retry re-runs the failed step of a campaign: generation from
// generation_failed, dispatch from dispatch_failed.
func (s *Service) Retry(ctx context.Context, owner, id uuid.UUID) (*models.JobRun, error) {
	c, err := s.GetCampaign(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case models.StatusGenerationFailed:
		return s.StartGeneration(ctx, owner, id)
	case models.StatusDispatchFailed:
		if _, err := s.transition(ctx, owner, id, models.EventRetry, ""); err != nil {
			return nil, err
		}
		return s.Dispatch(ctx, owner, id)
	default:
		return nil, &lifecycle.TransitionError{From: c.Status, Event: models.EventRetry}
	}
}
