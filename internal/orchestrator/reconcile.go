package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/smartprospect/backend/internal/models"
	"github.com/smartprospect/backend/internal/store"
	"github.com/smartprospect/backend/internal/workflow"
)

// ReconcileReport summarises one sweep.
type ReconcileReport struct {
	Examined int `json:"examined"`
	Failed   int `json:"failed"`
	Waiting  int `json:"waiting"`
	Skipped  int `json:"skipped"`
}

// Reconcile examines pending jobs older than the job TTL. A job whose run
// the engine still reports as running keeps waiting until the hard TTL;
// every other stale job is failed the same way a failed outbound call is.
// Concurrent sweeps and late callbacks are safe: failJob only acts on jobs
// that are still pending.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	var stale []*models.JobRun
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		stale, err = s.jobs.Stale(ctx, tx, s.cfg.JobTTL, s.cfg.ReconcileBatch)
		return err
	})
	if err != nil {
		return report, fmt.Errorf("list stale jobs: %w", err)
	}

	var errs []error
	for _, job := range stale {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		report.Examined++
		reason, wait := s.assess(ctx, job)
		if wait {
			report.Waiting++
			s.metrics.Reconciled("waiting")
			continue
		}
		_, closed, err := s.failJob(ctx, job.ID, models.ActorReconciler, fmt.Errorf("%w: %s", ErrReconciliationTimeout, reason).Error())
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
			continue
		}
		if !closed {
			report.Skipped++
			s.metrics.Reconciled("skipped")
			continue
		}
		report.Failed++
		s.metrics.Reconciled("failed")
	}
	if report.Examined > 0 {
		s.log.InfoContext(ctx, "reconciliation sweep", "examined", report.Examined, "failed", report.Failed, "waiting", report.Waiting, "skipped", report.Skipped)
	}
	return report, errors.Join(errs...)
}

// assess decides whether a stale job should keep waiting. When it should
// not, it returns the reason recorded as last_error.
func (s *Service) assess(ctx context.Context, job *models.JobRun) (string, bool) {
	age := s.now().Sub(job.CreatedAt)
	if job.ExternalRunID == nil || *job.ExternalRunID == "" {
		return fmt.Sprintf("no %s callback within %s", job.Kind, s.cfg.JobTTL), false
	}
	if s.workflow == nil {
		return fmt.Sprintf("no %s callback within %s", job.Kind, s.cfg.JobTTL), false
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	state, err := s.workflow.RunStatus(cctx, *job.ExternalRunID)
	s.metrics.WorkflowCall("status", err)
	if err != nil {
		s.log.WarnContext(ctx, "run status query failed", "job_id", job.ID, "run_id", *job.ExternalRunID, "error", err)
		return fmt.Sprintf("run status unavailable: %v", err), false
	}
	switch state {
	case workflow.RunRunning, workflow.RunSucceeded:
		if age < s.cfg.JobHardTTL {
			return "", true
		}
		if state == workflow.RunSucceeded {
			return fmt.Sprintf("run %s succeeded but no %s callback was delivered within %s", *job.ExternalRunID, job.Kind, s.cfg.JobHardTTL), false
		}
		return fmt.Sprintf("run %s still running after %s", *job.ExternalRunID, s.cfg.JobHardTTL), false
	case workflow.RunFailed:
		return fmt.Sprintf("run %s failed without callback", *job.ExternalRunID), false
	default:
		return fmt.Sprintf("run %s unknown to workflow engine", *job.ExternalRunID), false
	}
}
