package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/smartprospect/backend/internal/models"
	"github.com/smartprospect/backend/internal/store"
	"github.com/smartprospect/backend/internal/store/memstore"
)

func newAccount(t *testing.T, st *memstore.Store) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := st.InTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertAccount(context.Background(), &models.Account{ID: id, Email: id.String() + "@example.com", CreatedAt: time.Now()})
	})
	if err != nil {
		t.Fatalf("insert account: %v", err)
	}
	return id
}

func balance(t *testing.T, st *memstore.Store, svc *Service, id uuid.UUID) int64 {
	t.Helper()
	var b int64
	err := st.View(context.Background(), func(tx store.Tx) error {
		var err error
		b, err = svc.Balance(context.Background(), tx, id)
		return err
	})
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func TestCreditDebit(t *testing.T) {
	st := memstore.New()
	svc := NewService(nil)
	acc := newAccount(t, st)
	ctx := context.Background()

	err := st.InTx(ctx, func(tx store.Tx) error {
		if _, err := svc.Credit(ctx, tx, acc, 100, models.ReasonPurchase, "evt_1", nil); err != nil {
			return err
		}
		_, err := svc.Debit(ctx, tx, acc, 30, models.ReasonCampaignCharge, "", map[string]string{"campaign_id": "c1"})
		return err
	})
	if err != nil {
		t.Fatalf("credit/debit: %v", err)
	}
	if got := balance(t, st, svc, acc); got != 70 {
		t.Errorf("balance: got %d, want 70", got)
	}
}

func TestDebit_InsufficientFundsWritesNothing(t *testing.T) {
	st := memstore.New()
	svc := NewService(nil)
	acc := newAccount(t, st)
	ctx := context.Background()

	err := st.InTx(ctx, func(tx store.Tx) error {
		_, err := svc.Debit(ctx, tx, acc, 51, models.ReasonCampaignCharge, "", nil)
		return err
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	_ = st.View(ctx, func(tx store.Tx) error {
		entries, _ := tx.ListLedgerEntries(ctx, acc, 0)
		if len(entries) != 0 {
			t.Errorf("expected no entries, got %d", len(entries))
		}
		return nil
	})
}

func TestCredit_IdempotentOnExternalEvent(t *testing.T) {
	st := memstore.New()
	svc := NewService(nil)
	acc := newAccount(t, st)
	ctx := context.Background()

	var first, second *models.LedgerEntry
	for i, out := range []**models.LedgerEntry{&first, &second} {
		err := st.InTx(ctx, func(tx store.Tx) error {
			e, err := svc.Credit(ctx, tx, acc, 100, models.ReasonPurchase, "evt_same", nil)
			*out = e
			return err
		})
		if err != nil {
			t.Fatalf("credit %d: %v", i, err)
		}
	}
	if first.ID != second.ID {
		t.Errorf("expected the existing entry back, got %s and %s", first.ID, second.ID)
	}
	if got := balance(t, st, svc, acc); got != 100 {
		t.Errorf("balance: got %d, want 100", got)
	}
}

func TestCredit_EventIDOwnedByAnotherAccount(t *testing.T) {
	st := memstore.New()
	svc := NewService(nil)
	a, b := newAccount(t, st), newAccount(t, st)
	ctx := context.Background()

	err := st.InTx(ctx, func(tx store.Tx) error {
		_, err := svc.Credit(ctx, tx, a, 100, models.ReasonManualAdjustment, "ref-1", nil)
		return err
	})
	if err != nil {
		t.Fatalf("credit a: %v", err)
	}
	err = st.InTx(ctx, func(tx store.Tx) error {
		_, err := svc.Credit(ctx, tx, b, 40, models.ReasonManualAdjustment, "ref-1", nil)
		return err
	})
	if !errors.Is(err, ErrEventIDConflict) {
		t.Fatalf("expected ErrEventIDConflict, got %v", err)
	}
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected store.ErrConflict in chain, got %v", err)
	}
	if got := balance(t, st, svc, a); got != 100 {
		t.Errorf("balance a: got %d, want 100", got)
	}
	if got := balance(t, st, svc, b); got != 0 {
		t.Errorf("balance b: got %d, want 0", got)
	}
}

func TestApply_RejectsInvalidInput(t *testing.T) {
	st := memstore.New()
	svc := NewService(nil)
	acc := newAccount(t, st)
	ctx := context.Background()

	cases := []struct {
		name string
		fn   func(tx store.Tx) error
	}{
		{"zero amount", func(tx store.Tx) error {
			_, err := svc.Credit(ctx, tx, acc, 0, models.ReasonPurchase, "", nil)
			return err
		}},
		{"unknown reason", func(tx store.Tx) error {
			_, err := svc.Credit(ctx, tx, acc, 5, models.LedgerReason("gift"), "", nil)
			return err
		}},
		{"charge as credit", func(tx store.Tx) error {
			_, err := svc.Credit(ctx, tx, acc, 5, models.ReasonCampaignCharge, "", nil)
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := st.InTx(ctx, tc.fn); !errors.Is(err, ErrInvalidAmount) {
				t.Errorf("expected ErrInvalidAmount, got %v", err)
			}
		})
	}
}

func TestDebit_UnknownAccount(t *testing.T) {
	st := memstore.New()
	svc := NewService(nil)
	ctx := context.Background()
	err := st.InTx(ctx, func(tx store.Tx) error {
		_, err := svc.Debit(ctx, tx, uuid.New(), 1, models.ReasonManualAdjustment, "", nil)
		return err
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedact_ExcludedFromBalance(t *testing.T) {
	st := memstore.New()
	svc := NewService(nil)
	acc := newAccount(t, st)
	ctx := context.Background()

	var entry *models.LedgerEntry
	_ = st.InTx(ctx, func(tx store.Tx) error {
		if _, err := svc.Credit(ctx, tx, acc, 40, models.ReasonPurchase, "", nil); err != nil {
			return err
		}
		var err error
		entry, err = svc.Credit(ctx, tx, acc, 10, models.ReasonManualAdjustment, "", nil)
		return err
	})
	if err := st.InTx(ctx, func(tx store.Tx) error { return svc.Redact(ctx, tx, entry.ID) }); err != nil {
		t.Fatalf("redact: %v", err)
	}
	if got := balance(t, st, svc, acc); got != 40 {
		t.Errorf("balance after redaction: got %d, want 40", got)
	}
}

// Concurrent debits against the same account must never overdraw it, and the
// balance must equal the sum of the recorded entries.
func TestDebit_ConcurrentNeverNegative(t *testing.T) {
	st := memstore.New()
	svc := NewService(nil)
	acc := newAccount(t, st)
	ctx := context.Background()

	_ = st.InTx(ctx, func(tx store.Tx) error {
		_, err := svc.Credit(ctx, tx, acc, 100, models.ReasonPurchase, "seed", nil)
		return err
	})

	var wg sync.WaitGroup
	var ok, insufficient int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.InTx(ctx, func(tx store.Tx) error {
				_, err := svc.Debit(ctx, tx, acc, 7, models.ReasonCampaignCharge, "", nil)
				return err
			})
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, ErrInsufficientFunds):
				atomic.AddInt32(&insufficient, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 14 {
		t.Errorf("successful debits: got %d, want 14", ok)
	}
	if insufficient != 36 {
		t.Errorf("rejected debits: got %d, want 36", insufficient)
	}
	got := balance(t, st, svc, acc)
	if got != 2 {
		t.Errorf("balance: got %d, want 2", got)
	}

	var sum int64
	_ = st.View(ctx, func(tx store.Tx) error {
		entries, _ := tx.ListLedgerEntries(ctx, acc, 0)
		for _, e := range entries {
			sum += e.Delta
		}
		return nil
	})
	if sum != got {
		t.Errorf("sum of entries %d != balance %d", sum, got)
	}
}
