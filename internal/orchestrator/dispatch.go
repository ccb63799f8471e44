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

// Dispatch asks the workflow engine to send the approved assets of a
// campaign in ready_for_dispatch. The campaign stays in ready_for_dispatch
// until the dispatch callback (or a failed call) moves it on.
func (s *Service) Dispatch(ctx context.Context, owner, id uuid.UUID) (*models.JobRun, error) {
	var (
		job *models.JobRun
		req workflow.DispatchRequest
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		c, err := ownedCampaign(ctx, tx, owner, id)
		if err != nil {
			return err
		}
		if err := lifecycle.Expect(c.Status, models.StatusReadyForDispatch, models.EventDispatchSucceeded); err != nil {
			return err
		}
		prospects, err := tx.ListProspects(ctx, c.ID)
		if err != nil {
			return err
		}
		req = workflow.DispatchRequest{
			CampaignID:  c.ID,
			CallbackURL: s.callbackURL(models.JobDispatch),
		}
		for _, p := range prospects {
			if p.AssetStatus != models.AssetReady {
				continue
			}
			req.Prospects = append(req.Prospects, workflow.DispatchProspect{
				Ordinal:     p.Ordinal,
				CompanyName: p.CompanyName,
				ContactName: p.ContactName,
				Email:       p.Email,
				Assets:      p.Assets,
			})
		}
		if len(req.Prospects) == 0 {
			return &ValidationError{Field: "prospects", Reason: "no prospect has ready assets"}
		}
		job, err = s.jobs.Open(ctx, tx, c.ID, models.JobDispatch, nil)
		if err != nil {
			if errors.Is(err, jobs.ErrInFlight) {
				return fmt.Errorf("%w: %v", ErrJobInFlight, err)
			}
			return err
		}
		req.JobID = job.ID
		return s.jobs.SetRequest(ctx, tx, job, req)
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "dispatch started", "campaign_id", id, "job_id", job.ID, "prospects", len(req.Prospects))

	ack, callErr := s.callWorkflow(ctx, "dispatch", func(cctx context.Context) (*workflow.Accepted, error) {
		return s.workflow.StartDispatch(cctx, req)
	})
	if callErr != nil {
		failed, _, err := s.failJob(detach(ctx), job.ID, models.ActorSystem, callErr.Error())
		return failed, err
	}
	return s.attachRunID(detach(ctx), job, ack)
}

// HandleDispatchCallback applies a dispatch result. It follows the same
// claim and rejection rules as HandleGenerationCallback.
func (s *Service) HandleDispatchCallback(ctx context.Context, cb *workflow.DispatchCallback) (Outcome, error) {
	var (
		outcome Outcome
		reject  error
		fx      effects
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		fx.reset()
		outcome, reject = OutcomeApplied, nil
		first, err := s.guard.Claim(ctx, tx, idempotency.CategoryDispatch, cb.EventKey())
		if err != nil {
			return err
		}
		if !first {
			outcome = OutcomeDuplicate
			return nil
		}
		job, c, err := s.callbackTarget(ctx, tx, cb.Envelope, models.JobDispatch)
		if err != nil {
			if errors.Is(err, ErrStaleCallback) {
				outcome, reject = OutcomeRejected, err
				return nil
			}
			return err
		}

		var (
			event  models.CampaignEvent
			status = models.JobSuccess
			reason string
		)
		switch r := cb.Result.(type) {
		case workflow.DispatchSucceeded:
			event = models.EventDispatchSucceeded
		case workflow.DispatchFailed:
			event, status, reason = models.EventDispatchFailed, models.JobError, r.Reason
		default:
			return &ValidationError{Field: "status", Reason: "unknown dispatch result"}
		}

		tr, err := lifecycle.Apply(c, event, models.ActorWebhook, reason, s.nowUTC())
		if err != nil {
			outcome, reject = OutcomeRejected, err
			return nil
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
		s.metrics.Callback("dispatch", "error")
		return "", err
	}
	s.observe(&fx)
	s.metrics.Callback("dispatch", string(outcome))
	s.logOutcome(ctx, "dispatch", cb.Envelope, outcome, reject)
	return outcome, reject
}
