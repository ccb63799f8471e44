package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/smartprospect/backend/internal/ledger"
	"github.com/smartprospect/backend/internal/lifecycle"
	"github.com/smartprospect/backend/internal/models"
	"github.com/smartprospect/backend/internal/store"
)

// Cancel stops a campaign in any non-terminal status, aborts its open jobs
// and refunds the credits it has not consumed. It returns the refunded amount.
func (s *Service) Cancel(ctx context.Context, owner, id uuid.UUID, note string) (*models.Campaign, int64, error) {
	var (
		c      *models.Campaign
		refund int64
		fx     effects
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		fx.reset()
		var err error
		c, err = ownedCampaign(ctx, tx, owner, id)
		if err != nil {
			return err
		}
		refund, err = s.cancelInTx(ctx, tx, c, userActor(owner), note, &fx)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	s.observe(&fx)
	s.log.InfoContext(ctx, "campaign cancelled", "campaign_id", id, "refund", refund)
	return c, refund, nil
}

func (s *Service) cancelInTx(ctx context.Context, tx store.Tx, c *models.Campaign, actor, note string, fx *effects) (int64, error) {
	prospects, err := tx.ListProspects(ctx, c.ID)
	if err != nil {
		return 0, err
	}
	refund := refundFor(c, prospects)

	tr, err := lifecycle.Apply(c, models.EventCancel, actor, note, s.nowUTC())
	if err != nil {
		return 0, err
	}
	open, err := tx.ListOpenJobRuns(ctx, c.ID)
	if err != nil {
		return 0, err
	}
	for _, j := range open {
		if err := s.jobs.Close(ctx, tx, j, models.JobAborted, map[string]string{"reason": "campaign cancelled"}); err != nil {
			return 0, err
		}
	}
	if refund > 0 {
		entry, err := s.ledger.Credit(ctx, tx, c.OwnerID, refund, models.ReasonCampaignRefund, ledger.RefundEventID(c.ID),
			map[string]string{"campaign_id": c.ID.String()})
		if err != nil {
			return 0, err
		}
		fx.entries = append(fx.entries, entry)
	}
	if err := record(ctx, tx, c, tr, fx); err != nil {
		return 0, err
	}
	return refund, nil
}

// refundFor returns the unconsumed part of a campaign's cost. Nothing is
// consumed before generation starts. After that the base cost is consumed,
// plus the per-prospect cost of every prospect whose assets are ready. Both
// rates are the ones the campaign was charged at.
func refundFor(c *models.Campaign, prospects []*models.Prospect) int64 {
	if c.Status == models.StatusCreated {
		return c.CreditCost
	}
	var ready int64
	for _, p := range prospects {
		if p.AssetStatus == models.AssetReady {
			ready++
		}
	}
	var perProspect int64
	if c.ProspectCount > 0 {
		perProspect = (c.CreditCost - c.BaseCost) / int64(c.ProspectCount)
	}
	consumed := c.BaseCost + perProspect*ready
	if consumed >= c.CreditCost {
		return 0
	}
	return c.CreditCost - consumed
}
