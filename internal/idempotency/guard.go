// Package idempotency records which inbound events have already been
// processed. A claim is written in the same transaction as the effects of
// the event, so a rolled-back handler leaves the event unclaimed.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smartprospect/backend/internal/store"
)

// Categories partition the event id space per source.
const (
	CategoryCheckoutCompleted = "payment.checkout_completed"
	CategoryGeneration        = "workflow.generation"
	CategoryDispatch          = "workflow.dispatch"
)

var ErrEmptyEventID = errors.New("event id is required")

type Guard struct {
	now func() time.Time
}

func NewGuard(now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{now: now}
}

// Claim returns true the first time (category, eventID) is seen within a
// committed transaction and false on every later call.
func (g *Guard) Claim(ctx context.Context, q store.EventQueries, category, eventID string) (bool, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, ErrEmptyEventID
	}
	first, err := q.InsertProcessedEvent(ctx, category, eventID, g.now().UTC())
	if err != nil {
		return false, fmt.Errorf("claim %s/%s: %w", category, eventID, err)
	}
	return first, nil
}
