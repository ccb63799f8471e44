package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/smartprospect/backend/internal/models"
	"github.com/smartprospect/backend/internal/store"
)

func TestInTx_RollbackLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	s := New()
	acc := &models.Account{ID: uuid.New(), Email: "a@example.com"}
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.InsertAccount(ctx, acc))
		first, err := tx.InsertProcessedEvent(ctx, "test", "evt_1", time.Now())
		require.NoError(t, err)
		require.True(t, first)
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetAccount(ctx, acc.ID)
		require.ErrorIs(t, err, store.ErrNotFound)
		first, err := tx.InsertProcessedEvent(ctx, "test", "evt_1", time.Now())
		require.NoError(t, err)
		require.True(t, first, "event claimed by a rolled back tx must be claimable again")
		return nil
	}))
}

func TestView_IsReadOnly(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.View(ctx, func(tx store.Tx) error {
		return tx.InsertAccount(ctx, &models.Account{ID: uuid.New(), Email: "b@example.com"})
	})
	require.ErrorIs(t, err, errReadOnly)
}

func TestUniqueness(t *testing.T) {
	ctx := context.Background()
	s := New()
	campaignID := uuid.New()

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.InsertAccount(ctx, &models.Account{ID: uuid.New(), Email: "c@example.com"}))
		require.ErrorIs(t, tx.InsertAccount(ctx, &models.Account{ID: uuid.New(), Email: "c@example.com"}), store.ErrConflict)

		first, err := tx.InsertProcessedEvent(ctx, "payment", "evt_1", time.Now())
		require.NoError(t, err)
		require.True(t, first)
		first, err = tx.InsertProcessedEvent(ctx, "payment", "evt_1", time.Now())
		require.NoError(t, err)
		require.False(t, first)
		first, err = tx.InsertProcessedEvent(ctx, "workflow", "evt_1", time.Now())
		require.NoError(t, err)
		require.True(t, first, "categories are independent")

		pending := &models.JobRun{ID: uuid.New(), CampaignID: campaignID, Kind: models.JobGeneration, Status: models.JobPending}
		require.NoError(t, tx.InsertJobRun(ctx, pending))
		second := &models.JobRun{ID: uuid.New(), CampaignID: campaignID, Kind: models.JobGeneration, Status: models.JobPending}
		require.ErrorIs(t, tx.InsertJobRun(ctx, second), store.ErrConflict)
		other := &models.JobRun{ID: uuid.New(), CampaignID: campaignID, Kind: models.JobDispatch, Status: models.JobPending}
		require.NoError(t, tx.InsertJobRun(ctx, other))
		return nil
	}))
}

func TestCancelledContextDoesNotCommit(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	acc := &models.Account{ID: uuid.New(), Email: "d@example.com"}

	err := s.InTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.InsertAccount(ctx, acc))
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, s.View(context.Background(), func(tx store.Tx) error {
		_, err := tx.GetAccount(context.Background(), acc.ID)
		require.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}
