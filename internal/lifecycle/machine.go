// Package lifecycle holds the campaign transition table. It is pure: callers
// persist the resulting status and transition record themselves.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/smartprospect/backend/internal/models"
)

var ErrIllegalTransition = errors.New("illegal transition")

// TransitionError describes a rejected (status, event) pair.
type TransitionError struct {
	From  models.CampaignStatus
	Event models.CampaignEvent
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %s does not accept %s", e.From, e.Event)
}

func (e *TransitionError) Is(target error) bool { return target == ErrIllegalTransition }

type edge struct {
	from  models.CampaignStatus
	event models.CampaignEvent
}

var table = map[edge]models.CampaignStatus{
	{models.StatusCreated, models.EventStartGeneration}:            models.StatusGenerating,
	{models.StatusGenerating, models.EventGenerationSucceeded}:     models.StatusGenerated,
	{models.StatusGenerating, models.EventGenerationFailed}:        models.StatusGenerationFailed,
	{models.StatusGenerationFailed, models.EventRetry}:             models.StatusGenerating,
	{models.StatusGenerated, models.EventSubmitForReview}:          models.StatusReadyForReview,
	{models.StatusReadyForReview, models.EventApprove}:             models.StatusApproved,
	{models.StatusApproved, models.EventPrepareDispatch}:           models.StatusReadyForDispatch,
	{models.StatusReadyForDispatch, models.EventDispatchSucceeded}: models.StatusDispatched,
	{models.StatusReadyForDispatch, models.EventDispatchFailed}:    models.StatusDispatchFailed,
	{models.StatusDispatchFailed, models.EventRetry}:               models.StatusReadyForDispatch,
}

// Next returns the status reached from `from` on `event`.
func Next(from models.CampaignStatus, event models.CampaignEvent) (models.CampaignStatus, error) {
	if event == models.EventCancel {
		if from.Terminal() || !knownStatus(from) {
			return "", &TransitionError{From: from, Event: event}
		}
		return models.StatusCancelled, nil
	}
	to, ok := table[edge{from, event}]
	if !ok {
		return "", &TransitionError{From: from, Event: event}
	}
	return to, nil
}

// Allowed lists the events `from` accepts.
func Allowed(from models.CampaignStatus) []models.CampaignEvent {
	var out []models.CampaignEvent
	for _, ev := range models.AllEvents() {
		if _, err := Next(from, ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

// Apply moves c to the next status and returns the audit record to persist.
// c is left untouched when the transition is illegal.
func Apply(c *models.Campaign, event models.CampaignEvent, actor, note string, at time.Time) (*models.Transition, error) {
	to, err := Next(c.Status, event)
	if err != nil {
		return nil, err
	}
	tr := &models.Transition{
		ID:         uuid.New(),
		CampaignID: c.ID,
		From:       c.Status,
		To:         to,
		Event:      event,
		Actor:      actor,
		Note:       note,
		At:         at,
	}
	c.Status = to
	c.UpdatedAt = at
	return tr, nil
}

func knownStatus(s models.CampaignStatus) bool {
	for _, k := range models.AllStatuses() {
		if k == s {
			return true
		}
	}
	return false
}

// Expect fails unless from equals want. It guards operations that act on a
// status without moving it, such as issuing a dispatch.
func Expect(from, want models.CampaignStatus, event models.CampaignEvent) error {
	if from != want {
		return &TransitionError{From: from, Event: event}
	}
	return nil
}
