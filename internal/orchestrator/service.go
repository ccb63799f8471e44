// Package orchestrator is the single entry point for campaign commands and
// external callbacks. Every operation applies its ledger entries, status
// transitions and job bookkeeping in one store transaction; calls to the
// workflow engine happen only after that transaction has committed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/smartprospect/backend/internal/idempotency"
	"github.com/smartprospect/backend/internal/jobs"
	"github.com/smartprospect/backend/internal/ledger"
	"github.com/smartprospect/backend/internal/metrics"
	"github.com/smartprospect/backend/internal/models"
	"github.com/smartprospect/backend/internal/payments"
	"github.com/smartprospect/backend/internal/store"
	"github.com/smartprospect/backend/internal/workflow"
)

var (
	ErrValidation            = errors.New("validation failed")
	ErrJobInFlight           = errors.New("a job of this kind is already running")
	ErrStaleCallback         = errors.New("stale callback")
	ErrReconciliationTimeout = errors.New("reconciliation timeout")
	ErrEmailTaken            = errors.New("email already registered")
)

// ValidationError is malformed input rejected before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Outcome reports what a callback did. Duplicate and rejected callbacks are
// acknowledged to the sender so it stops retrying.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// WorkflowClient is the outbound side of the workflow engine.
type WorkflowClient interface {
	StartGeneration(ctx context.Context, req workflow.GenerationRequest) (*workflow.Accepted, error)
	StartDispatch(ctx context.Context, req workflow.DispatchRequest) (*workflow.Accepted, error)
	RunStatus(ctx context.Context, runID string) (workflow.RunState, error)
}

// CheckoutProvider opens payment sessions for credit bundles.
type CheckoutProvider interface {
	CreateCheckout(ctx context.Context, accountID uuid.UUID, email, tierID string) (*payments.Checkout, error)
}

type Config struct {
	BaseCost        int64
	CostPerProspect int64
	MaxProspects    int
	SignupBonus     int64

	// CallbackBaseURL is the public URL the workflow engine calls back on.
	CallbackBaseURL string
	// CallTimeout bounds one outbound workflow call including retries.
	CallTimeout time.Duration

	JobTTL         time.Duration
	JobHardTTL     time.Duration
	ReconcileBatch int
}

type Deps struct {
	Store    store.Store
	Workflow WorkflowClient
	Checkout CheckoutProvider
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
	Now      func() time.Time
}

type Service struct {
	cfg      Config
	store    store.Store
	ledger   *ledger.Service
	guard    *idempotency.Guard
	jobs     *jobs.Tracker
	workflow WorkflowClient
	checkout CheckoutProvider
	metrics  *metrics.Recorder
	log      *slog.Logger
	now      func() time.Time
}

func New(cfg Config, deps Deps) *Service {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxProspects <= 0 {
		cfg.MaxProspects = 5000
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = 30 * time.Minute
	}
	if cfg.JobHardTTL < cfg.JobTTL {
		cfg.JobHardTTL = 4 * cfg.JobTTL
	}
	if cfg.ReconcileBatch <= 0 {
		cfg.ReconcileBatch = 100
	}
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		ledger:   ledger.NewService(now),
		guard:    idempotency.NewGuard(now),
		jobs:     jobs.NewTracker(now),
		workflow: deps.Workflow,
		checkout: deps.Checkout,
		metrics:  deps.Metrics,
		log:      log,
		now:      now,
	}
}

func (s *Service) nowUTC() time.Time { return s.now().UTC() }

// effects collects what a transaction wrote so metrics are only recorded
// once it has committed. InTx may run its function more than once.
type effects struct {
	transitions []*models.Transition
	entries     []*models.LedgerEntry
}

func (e *effects) reset() { *e = effects{} }

func (s *Service) observe(e *effects) {
	for _, tr := range e.transitions {
		s.metrics.Transition(string(tr.Event), string(tr.To))
	}
	for _, en := range e.entries {
		s.metrics.LedgerEntry(string(en.Reason), en.Delta)
	}
}

// ownedCampaign loads a campaign visible to owner. Campaigns of other
// accounts and deleted campaigns are reported as not found.
func ownedCampaign(ctx context.Context, q store.CampaignQueries, owner, id uuid.UUID) (*models.Campaign, error) {
	c, err := q.GetCampaign(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("campaign %s: %w", id, err)
	}
	if c.OwnerID != owner || c.DeletedAt != nil {
		return nil, fmt.Errorf("campaign %s: %w", id, store.ErrNotFound)
	}
	return c, nil
}

func userActor(id uuid.UUID) string { return id.String() }

func strPtr(s string) *string { return &s }

// record persists the campaign and its transition.
func record(ctx context.Context, q store.CampaignQueries, c *models.Campaign, tr *models.Transition, fx *effects) error {
	if err := q.UpdateCampaign(ctx, c); err != nil {
		return err
	}
	if err := q.InsertTransition(ctx, tr); err != nil {
		return err
	}
	fx.transitions = append(fx.transitions, tr)
	return nil
}

func (s *Service) callbackURL(kind models.JobKind) string {
	return s.cfg.CallbackBaseURL + "/webhooks/workflow/" + string(kind)
}

// detach keeps compensating writes alive after the caller's context ends.
func detach(ctx context.Context) context.Context { return context.WithoutCancel(ctx) }
