package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/smartprospect/backend/internal/idempotency"
	"github.com/smartprospect/backend/internal/models"
	"github.com/smartprospect/backend/internal/payments"
	"github.com/smartprospect/backend/internal/store"
)

// RegisterAccount creates an account and grants the configured signup bonus
// in the same transaction.
func (s *Service) RegisterAccount(ctx context.Context, email, passwordHash, displayName string) (*models.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, &ValidationError{Field: "email", Reason: "not an email address"}
	}
	var acc *models.Account
	var fx effects
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		fx.reset()
		acc = &models.Account{
			ID:           uuid.New(),
			Email:        email,
			DisplayName:  strings.TrimSpace(displayName),
			PasswordHash: passwordHash,
			CreatedAt:    s.nowUTC(),
		}
		if err := tx.InsertAccount(ctx, acc); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return ErrEmailTaken
			}
			return err
		}
		if s.cfg.SignupBonus > 0 {
			entry, err := s.ledger.Credit(ctx, tx, acc.ID, s.cfg.SignupBonus, models.ReasonSignupBonus, "signup:"+acc.ID.String(), nil)
			if err != nil {
				return err
			}
			fx.entries = append(fx.entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.observe(&fx)
	s.log.InfoContext(ctx, "account registered", "account_id", acc.ID, "signup_bonus", s.cfg.SignupBonus)
	return acc, nil
}

func (s *Service) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var acc *models.Account
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		acc, err = tx.GetAccount(ctx, id)
		return err
	})
	return acc, err
}

func (s *Service) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	var acc *models.Account
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		acc, err = tx.GetAccountByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
		return err
	})
	return acc, err
}

func (s *Service) Balance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var balance int64
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		balance, err = s.ledger.Balance(ctx, tx, accountID)
		return err
	})
	return balance, err
}

// LedgerHistory returns the newest entries first.
func (s *Service) LedgerHistory(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var list []*models.LedgerEntry
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		list, err = tx.ListLedgerEntries(ctx, accountID, limit)
		return err
	})
	return list, err
}

// Adjustment is an operator correction to an account balance.
type Adjustment struct {
	AccountID uuid.UUID
	Delta     int64
	Note      string
	Actor     string
	// Reference makes the adjustment idempotent when set.
	Reference string
}

// AdjustCredits writes a manual_adjustment entry. A negative delta is a
// debit and cannot take the balance below zero.
func (s *Service) AdjustCredits(ctx context.Context, adj Adjustment) (*models.LedgerEntry, error) {
	if adj.Delta == 0 {
		return nil, &ValidationError{Field: "delta", Reason: "must not be zero"}
	}
	if strings.TrimSpace(adj.Note) == "" {
		return nil, &ValidationError{Field: "note", Reason: "required"}
	}
	meta := map[string]string{"note": adj.Note, "actor": adj.Actor}
	var entry *models.LedgerEntry
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if adj.Delta > 0 {
			entry, err = s.ledger.Credit(ctx, tx, adj.AccountID, adj.Delta, models.ReasonManualAdjustment, adj.Reference, meta)
		} else {
			entry, err = s.ledger.Debit(ctx, tx, adj.AccountID, -adj.Delta, models.ReasonManualAdjustment, adj.Reference, meta)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.LedgerEntry(string(entry.Reason), entry.Delta)
	s.log.InfoContext(ctx, "credits adjusted", "account_id", adj.AccountID, "delta", adj.Delta, "actor", adj.Actor, "entry_id", entry.ID)
	return entry, nil
}

// RedactLedgerEntry soft-deletes an entry. The balance no longer includes it.
func (s *Service) RedactLedgerEntry(ctx context.Context, entryID uuid.UUID) error {
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		return s.ledger.Redact(ctx, tx, entryID)
	})
	if err != nil {
		return err
	}
	s.log.InfoContext(ctx, "ledger entry redacted", "entry_id", entryID)
	return nil
}

// ApplyPurchase credits a completed checkout exactly once per provider event.
func (s *Service) ApplyPurchase(ctx context.Context, ev payments.PurchaseCompleted) (Outcome, error) {
	var (
		outcome Outcome
		reject  error
		entry   *models.LedgerEntry
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		outcome, reject, entry = OutcomeApplied, nil, nil
		first, err := s.guard.Claim(ctx, tx, idempotency.CategoryCheckoutCompleted, ev.EventID)
		if err != nil {
			return err
		}
		if !first {
			outcome = OutcomeDuplicate
			return nil
		}
		if _, err := tx.GetAccount(ctx, ev.AccountID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				outcome, reject = OutcomeRejected, fmt.Errorf("account %s: %w", ev.AccountID, store.ErrNotFound)
				return nil
			}
			return err
		}
		entry, err = s.ledger.Credit(ctx, tx, ev.AccountID, ev.Credits, models.ReasonPurchase, ev.EventID,
			map[string]string{"session_id": ev.SessionID})
		return err
	})
	if err != nil {
		s.metrics.Callback("payment", "error")
		return "", err
	}
	s.metrics.Callback("payment", string(outcome))
	switch outcome {
	case OutcomeDuplicate:
		s.log.DebugContext(ctx, "duplicate payment event ignored", "event_id", ev.EventID)
	case OutcomeRejected:
		s.log.ErrorContext(ctx, "payment for unknown account", "event_id", ev.EventID, "account_id", ev.AccountID, "credits", ev.Credits)
	default:
		s.metrics.LedgerEntry(string(entry.Reason), entry.Delta)
		s.log.InfoContext(ctx, "purchase credited", "event_id", ev.EventID, "account_id", ev.AccountID, "credits", ev.Credits)
	}
	return outcome, reject
}

// CreateCheckout opens a payment session for a credit bundle.
func (s *Service) CreateCheckout(ctx context.Context, accountID uuid.UUID, tierID string) (*payments.Checkout, error) {
	if s.checkout == nil {
		return nil, payments.ErrNotConfigured
	}
	acc, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.checkout.CreateCheckout(ctx, acc.ID, acc.Email, tierID)
}
