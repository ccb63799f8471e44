package models

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus is a state of the campaign lifecycle.
type CampaignStatus string

const (
	StatusCreated          CampaignStatus = "created"
	StatusGenerating       CampaignStatus = "generating"
	StatusGenerated        CampaignStatus = "generated"
	StatusGenerationFailed CampaignStatus = "generation_failed"
	StatusReadyForReview   CampaignStatus = "ready_for_review"
	StatusApproved         CampaignStatus = "approved"
	StatusReadyForDispatch CampaignStatus = "ready_for_dispatch"
	StatusDispatched       CampaignStatus = "dispatched"
	StatusDispatchFailed   CampaignStatus = "dispatch_failed"
	StatusCancelled        CampaignStatus = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s CampaignStatus) Terminal() bool {
	return s == StatusDispatched || s == StatusCancelled
}

func AllStatuses() []CampaignStatus {
	return []CampaignStatus{
		StatusCreated, StatusGenerating, StatusGenerated, StatusGenerationFailed, StatusReadyForReview,
		StatusApproved, StatusReadyForDispatch, StatusDispatched, StatusDispatchFailed, StatusCancelled,
	}
}

// CampaignEvent names an edge of the lifecycle.
type CampaignEvent string

const (
	EventStartGeneration     CampaignEvent = "start_generation"
	EventGenerationSucceeded CampaignEvent = "generation_succeeded"
	EventGenerationFailed    CampaignEvent = "generation_failed"
	EventRetry               CampaignEvent = "retry"
	EventSubmitForReview     CampaignEvent = "submit_for_review"
	EventApprove             CampaignEvent = "approve"
	EventPrepareDispatch     CampaignEvent = "prepare_dispatch"
	EventDispatchSucceeded   CampaignEvent = "dispatch_succeeded"
	EventDispatchFailed      CampaignEvent = "dispatch_failed"
	EventCancel              CampaignEvent = "cancel"

	// EventCreate and EventDelete only label audit rows; the state machine
	// never accepts them.
	EventCreate CampaignEvent = "create"
	EventDelete CampaignEvent = "delete"
)

func AllEvents() []CampaignEvent {
	return []CampaignEvent{
		EventStartGeneration, EventGenerationSucceeded, EventGenerationFailed, EventRetry, EventSubmitForReview,
		EventApprove, EventPrepareDispatch, EventDispatchSucceeded, EventDispatchFailed, EventCancel,
	}
}

// System actors recorded on transitions not initiated by a user.
const (
	ActorWebhook    = "system:webhook"
	ActorReconciler = "system:reconciler"
	ActorSystem     = "system:orchestrator"
)

type Campaign struct {
	ID             uuid.UUID      `json:"id"`
	OwnerID        uuid.UUID      `json:"owner_id"`
	Name           string         `json:"name"`
	Status         CampaignStatus `json:"status"`
	ProspectCount  int            `json:"prospect_count"`
	CreditCost     int64          `json:"credit_cost"`
	BaseCost       int64          `json:"base_cost"`
	SourceDocument string         `json:"source_document,omitempty"`
	ProspectList   string         `json:"prospect_list,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
}

// Transition is one audited edge taken by a campaign.
type Transition struct {
	ID         uuid.UUID      `json:"id"`
	CampaignID uuid.UUID      `json:"campaign_id"`
	From       CampaignStatus `json:"from"`
	To         CampaignStatus `json:"to"`
	Event      CampaignEvent  `json:"event"`
	Actor      string         `json:"actor"`
	Note       string         `json:"note,omitempty"`
	At         time.Time      `json:"at"`
}
