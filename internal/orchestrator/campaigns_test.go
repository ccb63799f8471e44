package orchestrator

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/smartprospect/backend/internal/ledger"
	"github.com/smartprospect/backend/internal/lifecycle"
	"github.com/smartprospect/backend/internal/models"
	"github.com/smartprospect/backend/internal/store"
)

func TestCreateCampaign_InsufficientFundsPersistsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.account(t, 0)

	_, err := h.svc.CreateCampaign(ctx, owner, NewCampaign{Name: "Empty wallet", Prospects: prospects(10)})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	list, err := h.svc.ListCampaigns(ctx, owner)
	require.NoError(t, err)
	require.Empty(t, list)
	history, err := h.svc.LedgerHistory(ctx, owner, 10)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestCreateCampaign_ChargesBasePlusPerProspect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.account(t, 100)

	c := h.newCampaign(t, owner, 50)
	require.Equal(t, models.StatusCreated, c.Status)
	require.Equal(t, int64(100), c.CreditCost)
	require.Equal(t, 50, c.ProspectCount)
	require.Equal(t, int64(0), h.balance(t, owner))

	ps, err := h.svc.ListProspects(ctx, owner, c.ID)
	require.NoError(t, err)
	require.Len(t, ps, 50)
	for i, p := range ps {
		require.Equal(t, i, p.Ordinal)
		require.Equal(t, models.AssetCreating, p.AssetStatus)
	}

	history, err := h.svc.LedgerHistory(ctx, owner, 10)
	require.NoError(t, err)
	require.Equal(t, int64(-100), history[0].Delta)
	require.Equal(t, models.ReasonCampaignCharge, history[0].Reason)
	require.Equal(t, c.ID.String(), history[0].Metadata["campaign_id"])
}

func TestCreateCampaign_Validation(t *testing.T) {
	h := newHarness(t)
	owner := h.account(t, 1000)
	tests := map[string]NewCampaign{
		"empty name":     {Name: "  ", Prospects: prospects(1)},
		"no prospects":   {Name: "x"},
		"too many":       {Name: "x", Prospects: prospects(101)},
		"missing email":  {Name: "x", Prospects: []ProspectRow{{CompanyName: "Acme"}}},
		"malformed mail": {Name: "x", Prospects: []ProspectRow{{Email: "not-an-address"}}},
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := h.svc.CreateCampaign(context.Background(), owner, in)
			require.ErrorIs(t, err, ErrValidation)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
		})
	}
	require.Equal(t, int64(1000), h.balance(t, owner))
}

func TestGetCampaign_OtherOwnerIsNotFound(t *testing.T) {
	h := newHarness(t)
	owner := h.account(t, 100)
	other := h.account(t, 0)
	c := h.newCampaign(t, owner, 5)

	_, err := h.svc.GetCampaign(context.Background(), other, c.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, _, err = h.svc.Cancel(context.Background(), other, c.ID, "")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestLifecycle_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.account(t, 100)
	h.wf.runID = "run-1"

	c := h.readyForDispatch(t, owner, 3)
	job, err := h.svc.Dispatch(ctx, owner, c.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobDispatch, job.Kind)
	require.Len(t, h.wf.dispatches, 1)
	require.Len(t, h.wf.dispatches[0].Prospects, 3)
	require.Equal(t, "https://api.example.com/webhooks/workflow/dispatch", h.wf.dispatches[0].CallbackURL)

	out, err := h.svc.HandleDispatchCallback(ctx, dispatchSuccess(c, job))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, out)
	require.Equal(t, models.StatusDispatched, h.campaign(t, owner, c.ID).Status)
	require.Equal(t, models.JobSuccess, h.job(t, job.ID).Status)

	timeline, err := h.svc.Timeline(ctx, owner, c.ID)
	require.NoError(t, err)
	var events []models.CampaignEvent
	for _, tr := range timeline {
		events = append(events, tr.Event)
	}
	require.Equal(t, []models.CampaignEvent{
		models.EventCreate,
		models.EventStartGeneration,
		models.EventGenerationSucceeded,
		models.EventSubmitForReview,
		models.EventApprove,
		models.EventPrepareDispatch,
		models.EventDispatchSucceeded,
	}, events)
	require.Equal(t, models.ActorWebhook, timeline[2].Actor)
	require.Equal(t, owner.String(), timeline[4].Actor)

	_, _, err = h.svc.Cancel(ctx, owner, c.ID, "")
	require.ErrorIs(t, err, lifecycle.ErrIllegalTransition)
}

func TestUserTransitions_RejectIllegalEdges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.account(t, 100)
	c := h.newCampaign(t, owner, 2)

	_, err := h.svc.Approve(ctx, owner, c.ID, "")
	require.ErrorIs(t, err, lifecycle.ErrIllegalTransition)
	_, err = h.svc.Dispatch(ctx, owner, c.ID)
	require.ErrorIs(t, err, lifecycle.ErrIllegalTransition)
	_, err = h.svc.Retry(ctx, owner, c.ID)
	require.ErrorIs(t, err, lifecycle.ErrIllegalTransition)
	require.Equal(t, models.StatusCreated, h.campaign(t, owner, c.ID).Status)
}

func TestDeleteCampaign(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.account(t, 200)

	created := h.newCampaign(t, owner, 10)
	require.Equal(t, int64(140), h.balance(t, owner))
	require.NoError(t, h.svc.DeleteCampaign(ctx, owner, created.ID))
	require.Equal(t, int64(200), h.balance(t, owner))
	_, err := h.svc.GetCampaign(ctx, owner, created.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	busy := h.newCampaign(t, owner, 10)
	_, err = h.svc.StartGeneration(ctx, owner, busy.ID)
	require.NoError(t, err)
	err = h.svc.DeleteCampaign(ctx, owner, busy.ID)
	require.ErrorIs(t, err, lifecycle.ErrIllegalTransition)

	_, _, err = h.svc.Cancel(ctx, owner, busy.ID, "")
	require.NoError(t, err)
	require.NoError(t, h.svc.DeleteCampaign(ctx, owner, busy.ID))

	list, err := h.svc.ListCampaigns(ctx, owner)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestExportCSV(t *testing.T) {
	h := newHarness(t)
	owner := h.account(t, 100)
	c, _ := h.generated(t, owner, 2)

	var buf bytes.Buffer
	require.NoError(t, h.svc.ExportCSV(context.Background(), owner, c.ID, &buf))
	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, exportHeader, records[0])
	require.Equal(t, []string{"Company 1", "Contact 1", "p1@example.com", "https://lp.example.com/1", "", "", "", ""}, records[2])

	err = h.svc.ExportCSV(context.Background(), uuid.New(), c.ID, &buf)
	require.ErrorIs(t, err, store.ErrNotFound)
}
