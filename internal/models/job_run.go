package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobKind is the kind of outbound call a JobRun tracks.
type JobKind string

const (
	JobGeneration JobKind = "generation"
	JobDispatch   JobKind = "dispatch"
)

// JobRun status values.
const (
	JobPending = "pending"
	JobSuccess = "success"
	JobError   = "error"
	JobAborted = "aborted"
)

// JobRun records one outbound call to the workflow engine.
type JobRun struct {
	ID            uuid.UUID       `json:"id"`
	CampaignID    uuid.UUID       `json:"campaign_id"`
	Kind          JobKind         `json:"kind"`
	ExternalRunID *string         `json:"external_run_id,omitempty"`
	Status        string          `json:"status"`
	Request       json.RawMessage `json:"request,omitempty"`
	Response      json.RawMessage `json:"response,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// Open reports whether the job is still waiting for its callback.
func (j *JobRun) Open() bool { return j.Status == JobPending }
