package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/riverqueue/river"

	"github.com/smartprospect/backend/internal/orchestrator"
)

type stubReconciler struct {
	calls  int
	report orchestrator.ReconcileReport
	err    error
}

func (s *stubReconciler) Reconcile(_ context.Context) (orchestrator.ReconcileReport, error) {
	s.calls++
	return s.report, s.err
}

func TestReconcileWorker_Work(t *testing.T) {
	rec := &stubReconciler{report: orchestrator.ReconcileReport{Examined: 2, Failed: 1, Waiting: 1}}
	w := NewReconcileWorker(rec, 0, nil)

	if err := w.Work(context.Background(), &river.Job[ReconcileArgs]{}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if rec.calls != 1 {
		t.Errorf("expected 1 sweep, got %d", rec.calls)
	}
	if got := w.Timeout(nil); got != time.Minute {
		t.Errorf("expected default timeout of 1m, got %s", got)
	}
}

func TestReconcileWorker_PropagatesError(t *testing.T) {
	boom := errors.New("store down")
	w := NewReconcileWorker(&stubReconciler{err: boom}, time.Second, nil)

	err := w.Work(context.Background(), &river.Job[ReconcileArgs]{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestReconcileArgs_Kind(t *testing.T) {
	if got := (ReconcileArgs{}).Kind(); got != "reconcile_jobs" {
		t.Errorf("unexpected kind %q", got)
	}
	if PeriodicReconcile(time.Minute) == nil {
		t.Error("expected a periodic job")
	}
}
