// Package store defines the unit-of-work contract shared by the ledger, the
// idempotency guard, the job tracker and the orchestrator. All mutual
// exclusion lives in the backing store: a transaction either commits every
// write made through its Tx or none of them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/smartprospect/backend/internal/models"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("conflict")
)

// Store runs functions inside transactions.
type Store interface {
	// InTx runs fn in one serializable transaction and commits iff fn returns nil.
	// fn may be invoked more than once when the store retries a serialization
	// failure, so it must not have side effects outside tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of queries available inside a transaction.
type Tx interface {
	AccountQueries
	LedgerQueries
	EventQueries
	CampaignQueries
	ProspectQueries
	JobQueries
}

type AccountQueries interface {
	InsertAccount(ctx context.Context, a *models.Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	// LockAccount takes a row lock on the account for the rest of the transaction.
	LockAccount(ctx context.Context, id uuid.UUID) error
}

type LedgerQueries interface {
	LockAccount(ctx context.Context, id uuid.UUID) error
	InsertLedgerEntry(ctx context.Context, e *models.LedgerEntry) error
	FindLedgerEntryByEvent(ctx context.Context, reason models.LedgerReason, externalEventID string) (*models.LedgerEntry, error)
	GetLedgerEntry(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error)
	// SumLedger returns the sum of non-redacted deltas for the account.
	SumLedger(ctx context.Context, accountID uuid.UUID) (int64, error)
	ListLedgerEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
	RedactLedgerEntry(ctx context.Context, id uuid.UUID, at time.Time) error
}

type EventQueries interface {
	// InsertProcessedEvent records (category, eventID). It returns false without
	// error when the pair already exists.
	InsertProcessedEvent(ctx context.Context, category, eventID string, at time.Time) (bool, error)
}

type CampaignQueries interface {
	InsertCampaign(ctx context.Context, c *models.Campaign) error
	// GetCampaign returns the campaign with a row lock held for the transaction.
	GetCampaign(ctx context.Context, id uuid.UUID) (*models.Campaign, error)
	UpdateCampaign(ctx context.Context, c *models.Campaign) error
	ListCampaignsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Campaign, error)
	InsertTransition(ctx context.Context, t *models.Transition) error
	ListTransitions(ctx context.Context, campaignID uuid.UUID) ([]*models.Transition, error)
}

type ProspectQueries interface {
	InsertProspects(ctx context.Context, prospects []*models.Prospect) error
	ListProspects(ctx context.Context, campaignID uuid.UUID) ([]*models.Prospect, error)
	UpdateProspect(ctx context.Context, p *models.Prospect) error
}

type JobQueries interface {
	InsertJobRun(ctx context.Context, j *models.JobRun) error
	GetJobRun(ctx context.Context, id uuid.UUID) (*models.JobRun, error)
	UpdateJobRun(ctx context.Context, j *models.JobRun) error
	ListOpenJobRuns(ctx context.Context, campaignID uuid.UUID) ([]*models.JobRun, error)
	// ListStaleJobRuns returns pending jobs created before cutoff, oldest first.
	ListStaleJobRuns(ctx context.Context, cutoff time.Time, limit int) ([]*models.JobRun, error)
}
