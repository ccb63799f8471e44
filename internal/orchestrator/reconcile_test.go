package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smartprospect/backend/internal/lifecycle"
	"github.com/smartprospect/backend/internal/models"
	"github.com/smartprospect/backend/internal/workflow"
)

func TestReconcile_LostCallbackFailsGeneration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.account(t, 100)
	c := h.newCampaign(t, owner, 3)
	job, err := h.svc.StartGeneration(ctx, owner, c.ID)
	require.NoError(t, err)

	h.clock.advance(10 * time.Minute)
	report, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Examined, "jobs younger than the TTL are left alone")

	h.clock.advance(25 * time.Minute)
	report, err = h.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Examined: 1, Failed: 1}, report)

	got := h.campaign(t, owner, c.ID)
	require.Equal(t, models.StatusGenerationFailed, got.Status)
	require.NotNil(t, got.LastError)
	require.Contains(t, *got.LastError, "reconciliation timeout")
	require.Equal(t, models.JobError, h.job(t, job.ID).Status)

	timeline, err := h.svc.Timeline(ctx, owner, c.ID)
	require.NoError(t, err)
	require.Equal(t, models.ActorReconciler, timeline[len(timeline)-1].Actor)

	// A late callback is rejected and does not flip the campaign back.
	out, err := h.svc.HandleGenerationCallback(ctx, generationSuccess(c, job, 3))
	require.Equal(t, OutcomeRejected, out)
	require.True(t, errors.Is(err, ErrStaleCallback) || errors.Is(err, lifecycle.ErrIllegalTransition))
	require.Equal(t, models.StatusGenerationFailed, h.campaign(t, owner, c.ID).Status)

	// A second sweep finds nothing left to do.
	report, err = h.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Examined)
}

func TestReconcile_RunningJobWaitsUntilHardTTL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.account(t, 100)
	h.wf.runID = "run-5"
	h.wf.state = workflow.RunRunning
	c := h.newCampaign(t, owner, 3)
	_, err := h.svc.StartGeneration(ctx, owner, c.ID)
	require.NoError(t, err)

	h.clock.advance(time.Hour)
	report, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Examined: 1, Waiting: 1}, report)
	require.Equal(t, models.StatusGenerating, h.campaign(t, owner, c.ID).Status)

	h.clock.advance(90 * time.Minute)
	report, err = h.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Contains(t, *h.campaign(t, owner, c.ID).LastError, "still running")
}

func TestReconcile_SucceededRunWithoutCallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.account(t, 100)
	h.wf.runID = "run-6"
	h.wf.state = workflow.RunSucceeded
	c := h.newCampaign(t, owner, 3)
	_, err := h.svc.StartGeneration(ctx, owner, c.ID)
	require.NoError(t, err)

	h.clock.advance(time.Hour)
	report, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Examined: 1, Waiting: 1}, report)

	h.clock.advance(90 * time.Minute)
	report, err = h.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	lastErr := *h.campaign(t, owner, c.ID).LastError
	require.Contains(t, lastErr, "succeeded but no generation callback was delivered")
	require.NotContains(t, lastErr, "still")
}

func TestReconcile_EngineReportsFailureOrIsUnreachable(t *testing.T) {
	for name, setup := range map[string]func(*fakeWorkflow){
		"failed":      func(f *fakeWorkflow) { f.state = workflow.RunFailed },
		"unknown":     func(f *fakeWorkflow) { f.state = workflow.RunUnknown },
		"query error": func(f *fakeWorkflow) { f.stateErr = errors.New("timeout") },
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			owner := h.account(t, 200)
			h.wf.runID = "run-1"
			c := h.readyForDispatch(t, owner, 2)
			_, err := h.svc.Dispatch(ctx, owner, c.ID)
			require.NoError(t, err)
			setup(h.wf)

			h.clock.advance(31 * time.Minute)
			report, err := h.svc.Reconcile(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, report.Failed)
			require.Equal(t, models.StatusDispatchFailed, h.campaign(t, owner, c.ID).Status)
		})
	}
}

func TestReconcile_SkipsJobClosedMeanwhile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.account(t, 100)
	c := h.newCampaign(t, owner, 2)
	job, err := h.svc.StartGeneration(ctx, owner, c.ID)
	require.NoError(t, err)
	h.clock.advance(time.Hour)

	_, _, err = h.svc.failJob(ctx, job.ID, models.ActorSystem, "first")
	require.NoError(t, err)
	_, closed, err := h.svc.failJob(ctx, job.ID, models.ActorReconciler, "second")
	require.NoError(t, err)
	require.False(t, closed)
	require.Equal(t, "first", *h.campaign(t, owner, c.ID).LastError)
}
