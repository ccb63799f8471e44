package orchestrator

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/smartprospect/backend/internal/ledger"
	"github.com/smartprospect/backend/internal/lifecycle"
	"github.com/smartprospect/backend/internal/models"
	"github.com/smartprospect/backend/internal/store"
)

const maxNameLen = 200

// ProspectRow is one parsed row of an uploaded prospect list.
type ProspectRow struct {
	CompanyName string            `json:"company_name"`
	ContactName string            `json:"contact_name"`
	Email       string            `json:"email"`
	Website     string            `json:"website"`
	Fields      map[string]string `json:"fields,omitempty"`
}

type NewCampaign struct {
	Name           string        `json:"name"`
	SourceDocument string        `json:"source_document"`
	ProspectList   string        `json:"prospect_list"`
	Prospects      []ProspectRow `json:"prospects"`
}

// Cost returns the credit cost of a campaign with n prospects.
func (s *Service) Cost(n int) int64 {
	return s.cfg.BaseCost + s.cfg.CostPerProspect*int64(n)
}

func (s *Service) validateNewCampaign(in *NewCampaign) error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if utf8.RuneCountInString(in.Name) > maxNameLen {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("at most %d characters", maxNameLen)}
	}
	if len(in.Prospects) == 0 {
		return &ValidationError{Field: "prospects", Reason: "at least one prospect is required"}
	}
	if len(in.Prospects) > s.cfg.MaxProspects {
		return &ValidationError{Field: "prospects", Reason: fmt.Sprintf("at most %d prospects per campaign", s.cfg.MaxProspects)}
	}
	for i := range in.Prospects {
		p := &in.Prospects[i]
		p.Email = strings.TrimSpace(p.Email)
		if p.Email == "" {
			return &ValidationError{Field: fmt.Sprintf("prospects[%d].email", i), Reason: "required"}
		}
		if _, err := mail.ParseAddress(p.Email); err != nil {
			return &ValidationError{Field: fmt.Sprintf("prospects[%d].email", i), Reason: "not an email address"}
		}
	}
	return nil
}

// CreateCampaign charges the owner and stores the campaign with its
// prospects. Nothing is written when the charge fails.
func (s *Service) CreateCampaign(ctx context.Context, owner uuid.UUID, in NewCampaign) (*models.Campaign, error) {
	if err := s.validateNewCampaign(&in); err != nil {
		return nil, err
	}
	cost := s.Cost(len(in.Prospects))

	var c *models.Campaign
	var fx effects
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		fx.reset()
		now := s.nowUTC()
		c = &models.Campaign{
			ID:             uuid.New(),
			OwnerID:        owner,
			Name:           in.Name,
			Status:         models.StatusCreated,
			ProspectCount:  len(in.Prospects),
			CreditCost:     cost,
			BaseCost:       s.cfg.BaseCost,
			SourceDocument: in.SourceDocument,
			ProspectList:   in.ProspectList,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if cost > 0 {
			entry, err := s.ledger.Debit(ctx, tx, owner, cost, models.ReasonCampaignCharge, ledger.ChargeEventID(c.ID),
				map[string]string{"campaign_id": c.ID.String()})
			if err != nil {
				return err
			}
			fx.entries = append(fx.entries, entry)
		}
		if err := tx.InsertCampaign(ctx, c); err != nil {
			return err
		}
		rows := make([]*models.Prospect, len(in.Prospects))
		for i, p := range in.Prospects {
			rows[i] = &models.Prospect{
				CampaignID:  c.ID,
				Ordinal:     i,
				CompanyName: strings.TrimSpace(p.CompanyName),
				ContactName: strings.TrimSpace(p.ContactName),
				Email:       p.Email,
				Website:     strings.TrimSpace(p.Website),
				Fields:      p.Fields,
				AssetStatus: models.AssetCreating,
			}
		}
		if err := tx.InsertProspects(ctx, rows); err != nil {
			return err
		}
		tr := &models.Transition{
			ID:         uuid.New(),
			CampaignID: c.ID,
			To:         models.StatusCreated,
			Event:      models.EventCreate,
			Actor:      userActor(owner),
			At:         now,
		}
		if err := tx.InsertTransition(ctx, tr); err != nil {
			return err
		}
		fx.transitions = append(fx.transitions, tr)
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("account %s: %w", owner, store.ErrNotFound)
		}
		return nil, err
	}
	s.observe(&fx)
	s.log.InfoContext(ctx, "campaign created", "campaign_id", c.ID, "owner_id", owner, "prospects", c.ProspectCount, "credit_cost", cost)
	return c, nil
}

func (s *Service) GetCampaign(ctx context.Context, owner, id uuid.UUID) (*models.Campaign, error) {
	var c *models.Campaign
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		c, err = ownedCampaign(ctx, tx, owner, id)
		return err
	})
	return c, err
}

func (s *Service) ListCampaigns(ctx context.Context, owner uuid.UUID) ([]*models.Campaign, error) {
	var list []*models.Campaign
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		list, err = tx.ListCampaignsByOwner(ctx, owner)
		return err
	})
	return list, err
}

// Timeline returns the audited transitions of a campaign, oldest first.
func (s *Service) Timeline(ctx context.Context, owner, id uuid.UUID) ([]*models.Transition, error) {
	var list []*models.Transition
	err := s.store.View(ctx, func(tx store.Tx) error {
		if _, err := ownedCampaign(ctx, tx, owner, id); err != nil {
			return err
		}
		var err error
		list, err = tx.ListTransitions(ctx, id)
		return err
	})
	return list, err
}

// ListProspects returns prospects in ordinal order.
func (s *Service) ListProspects(ctx context.Context, owner, id uuid.UUID) ([]*models.Prospect, error) {
	var list []*models.Prospect
	err := s.store.View(ctx, func(tx store.Tx) error {
		if _, err := ownedCampaign(ctx, tx, owner, id); err != nil {
			return err
		}
		var err error
		list, err = tx.ListProspects(ctx, id)
		return err
	})
	return list, err
}

var exportHeader = []string{"Company", "Name", "E-Mail", "Landingpage", "Video", "Audio", "Presentation", "Flyer"}

// ExportCSV writes the prospects and their asset links as CSV.
func (s *Service) ExportCSV(ctx context.Context, owner, id uuid.UUID, w io.Writer) error {
	prospects, err := s.ListProspects(ctx, owner, id)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, p := range prospects {
		a := p.Assets
		if err := cw.Write([]string{p.CompanyName, p.ContactName, p.Email, a.LandingPageURL, a.VideoURL, a.AudioURL, a.PresentationURL, a.FlyerURL}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// transition applies a user-driven event that has no side effects beyond
// the status change.
func (s *Service) transition(ctx context.Context, owner, id uuid.UUID, event models.CampaignEvent, note string) (*models.Campaign, error) {
	var c *models.Campaign
	var fx effects
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		fx.reset()
		var err error
		c, err = ownedCampaign(ctx, tx, owner, id)
		if err != nil {
			return err
		}
		tr, err := lifecycle.Apply(c, event, userActor(owner), note, s.nowUTC())
		if err != nil {
			return err
		}
		return record(ctx, tx, c, tr, &fx)
	})
	if err != nil {
		return nil, err
	}
	s.observe(&fx)
	s.log.InfoContext(ctx, "campaign transition", "campaign_id", id, "event", event, "status", c.Status)
	return c, nil
}

// SubmitForReview moves generated assets into review.
func (s *Service) SubmitForReview(ctx context.Context, owner, id uuid.UUID) (*models.Campaign, error) {
	return s.transition(ctx, owner, id, models.EventSubmitForReview, "")
}

// Approve records the owner's approval of the generated assets.
func (s *Service) Approve(ctx context.Context, owner, id uuid.UUID, note string) (*models.Campaign, error) {
	return s.transition(ctx, owner, id, models.EventApprove, note)
}

func (s *Service) PrepareDispatch(ctx context.Context, owner, id uuid.UUID) (*models.Campaign, error) {
	return s.transition(ctx, owner, id, models.EventPrepareDispatch, "")
}

// DeleteCampaign soft-deletes a campaign. A campaign that never started is
// cancelled first, which refunds its full cost. Campaigns with work in
// progress must be cancelled explicitly before they can be deleted.
func (s *Service) DeleteCampaign(ctx context.Context, owner, id uuid.UUID) error {
	var fx effects
	var refund int64
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		fx.reset()
		refund = 0
		c, err := ownedCampaign(ctx, tx, owner, id)
		if err != nil {
			return err
		}
		switch {
		case c.Status == models.StatusCreated:
			refund, err = s.cancelInTx(ctx, tx, c, userActor(owner), "deleted", &fx)
			if err != nil {
				return err
			}
		case c.Status.Terminal():
		default:
			return fmt.Errorf("%w: cancel the campaign before deleting it", &lifecycle.TransitionError{From: c.Status, Event: models.EventDelete})
		}
		now := s.nowUTC()
		c.DeletedAt = &now
		c.UpdatedAt = now
		tr := &models.Transition{
			ID:         uuid.New(),
			CampaignID: c.ID,
			From:       c.Status,
			To:         c.Status,
			Event:      models.EventDelete,
			Actor:      userActor(owner),
			At:         now,
		}
		return record(ctx, tx, c, tr, &fx)
	})
	if err != nil {
		return err
	}
	s.observe(&fx)
	s.log.InfoContext(ctx, "campaign deleted", "campaign_id", id, "refund", refund)
	return nil
}
