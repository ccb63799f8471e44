// Package jobs tracks outbound calls to the workflow engine. Each call gets
// one JobRun, opened before the call and closed exactly once.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/smartprospect/backend/internal/models"
	"github.com/smartprospect/backend/internal/store"
)

var (
	// ErrInFlight is returned when the campaign already has a pending job of the same kind.
	ErrInFlight = errors.New("job already in flight")
	// ErrClosed is returned when closing a job that is no longer pending.
	ErrClosed = errors.New("job already closed")
)

type Tracker struct {
	now func() time.Time
}

func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

// Open records a pending JobRun for campaignID. request is a snapshot of the
// outbound payload.
func (t *Tracker) Open(ctx context.Context, q store.JobQueries, campaignID uuid.UUID, kind models.JobKind, request any) (*models.JobRun, error) {
	open, err := q.ListOpenJobRuns(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	for _, j := range open {
		if j.Kind == kind {
			return nil, fmt.Errorf("%w: %s job %s", ErrInFlight, kind, j.ID)
		}
	}
	job := &models.JobRun{
		ID:         uuid.New(),
		CampaignID: campaignID,
		Kind:       kind,
		Status:     models.JobPending,
		CreatedAt:  t.now().UTC(),
	}
	if request != nil {
		raw, err := json.Marshal(request)
		if err != nil {
			return nil, fmt.Errorf("snapshot request: %w", err)
		}
		job.Request = raw
	}
	if err := q.InsertJobRun(ctx, job); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", ErrInFlight, kind)
		}
		return nil, err
	}
	return job, nil
}

// SetRequest replaces the request snapshot of a pending job. The snapshot is
// only known once the job id has been assigned.
func (t *Tracker) SetRequest(ctx context.Context, q store.JobQueries, job *models.JobRun, request any) error {
	raw, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("snapshot request: %w", err)
	}
	job.Request = raw
	return q.UpdateJobRun(ctx, job)
}

// AttachRunID stores the engine-assigned run id. Jobs closed in the meantime
// keep their status; only the id is recorded.
func (t *Tracker) AttachRunID(ctx context.Context, q store.JobQueries, jobID uuid.UUID, runID string) error {
	if runID == "" {
		return nil
	}
	job, err := q.GetJobRun(ctx, jobID)
	if err != nil {
		return err
	}
	job.ExternalRunID = &runID
	return q.UpdateJobRun(ctx, job)
}

// Close moves a pending job to status and stores the response snapshot.
func (t *Tracker) Close(ctx context.Context, q store.JobQueries, job *models.JobRun, status string, response any) error {
	if !job.Open() {
		return fmt.Errorf("%w: %s is %s", ErrClosed, job.ID, job.Status)
	}
	switch status {
	case models.JobSuccess, models.JobError, models.JobAborted:
	default:
		return fmt.Errorf("invalid job status %q", status)
	}
	if response != nil {
		var raw json.RawMessage
		switch r := response.(type) {
		case json.RawMessage:
			raw = r
		default:
			b, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("snapshot response: %w", err)
			}
			raw = b
		}
		job.Response = raw
	}
	at := t.now().UTC()
	job.Status = status
	job.CompletedAt = &at
	return q.UpdateJobRun(ctx, job)
}

// Stale returns pending jobs older than ttl, oldest first.
func (t *Tracker) Stale(ctx context.Context, q store.JobQueries, ttl time.Duration, limit int) ([]*models.JobRun, error) {
	return q.ListStaleJobRuns(ctx, t.now().Add(-ttl).UTC(), limit)
}
