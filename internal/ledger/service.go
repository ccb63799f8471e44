// Package ledger is the only writer of ledger_entries. A balance is always
// the sum of an account's entries; there is no stored counter to drift.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/smartprospect/backend/internal/models"
	"github.com/smartprospect/backend/internal/store"
)

var (
	// ErrInsufficientFunds is returned when a debit would take the balance below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidAmount is returned for non-positive amounts or unknown reasons.
	ErrInvalidAmount = errors.New("invalid ledger amount")
	// ErrEventIDConflict is returned when an external event id is already
	// recorded against a different account.
	ErrEventIDConflict = fmt.Errorf("%w: external event id belongs to another account", store.ErrConflict)
)

// Service writes ledger entries inside the caller's transaction.
type Service struct {
	now func() time.Time
}

func NewService(now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{now: now}
}

// Credit adds amount to the account. When externalEventID is set and an
// entry with the same (reason, externalEventID) exists for this account, that
// entry is returned unchanged and nothing is written. If the entry belongs to
// another account the call fails with ErrEventIDConflict.
func (s *Service) Credit(ctx context.Context, q store.LedgerQueries, accountID uuid.UUID, amount int64, reason models.LedgerReason, externalEventID string, meta map[string]string) (*models.LedgerEntry, error) {
	return s.apply(ctx, q, accountID, amount, reason, externalEventID, meta)
}

// Debit removes amount from the account, failing with ErrInsufficientFunds
// if the balance would go negative. The account row lock makes the balance
// check and the insert one atomic unit within the transaction.
func (s *Service) Debit(ctx context.Context, q store.LedgerQueries, accountID uuid.UUID, amount int64, reason models.LedgerReason, externalEventID string, meta map[string]string) (*models.LedgerEntry, error) {
	return s.apply(ctx, q, accountID, -amount, reason, externalEventID, meta)
}

// Balance returns the sum of the account's non-redacted entries.
func (s *Service) Balance(ctx context.Context, q store.LedgerQueries, accountID uuid.UUID) (int64, error) {
	return q.SumLedger(ctx, accountID)
}

// Redact soft-deletes an entry for compliance. Redacted entries no longer
// count towards the balance.
func (s *Service) Redact(ctx context.Context, q store.LedgerQueries, entryID uuid.UUID) error {
	return q.RedactLedgerEntry(ctx, entryID, s.now().UTC())
}

func (s *Service) apply(ctx context.Context, q store.LedgerQueries, accountID uuid.UUID, delta int64, reason models.LedgerReason, externalEventID string, meta map[string]string) (*models.LedgerEntry, error) {
	if delta == 0 || !reason.Valid() {
		return nil, ErrInvalidAmount
	}
	if delta > 0 && (reason == models.ReasonCampaignCharge) {
		return nil, fmt.Errorf("%w: %s must be a debit", ErrInvalidAmount, reason)
	}
	if err := q.LockAccount(ctx, accountID); err != nil {
		return nil, fmt.Errorf("lock account %s: %w", accountID, err)
	}
	if externalEventID != "" {
		existing, err := q.FindLedgerEntryByEvent(ctx, reason, externalEventID)
		if err == nil {
			if existing.AccountID != accountID {
				return nil, fmt.Errorf("%w: %s", ErrEventIDConflict, externalEventID)
			}
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if delta < 0 {
		balance, err := q.SumLedger(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if balance+delta < 0 {
			return nil, ErrInsufficientFunds
		}
	}
	entry := &models.LedgerEntry{
		ID:        uuid.New(),
		AccountID: accountID,
		Delta:     delta,
		Reason:    reason,
		Metadata:  meta,
		CreatedAt: s.now().UTC(),
	}
	if externalEventID != "" {
		id := externalEventID
		entry.ExternalEventID = &id
	}
	if err := q.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// ChargeEventID and RefundEventID derive the synthetic external ids that tie
// a campaign to exactly one charge and one refund entry.
func ChargeEventID(campaignID uuid.UUID) string { return "campaign:" + campaignID.String() + ":charge" }

func RefundEventID(campaignID uuid.UUID) string { return "campaign:" + campaignID.String() + ":refund" }
