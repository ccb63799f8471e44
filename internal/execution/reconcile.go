// Package execution runs background work on river. The only job today is the
// periodic reconciliation sweep over stuck workflow jobs.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/smartprospect/backend/internal/orchestrator"
)

type ReconcileArgs struct{}

func (ReconcileArgs) Kind() string { return "reconcile_jobs" }

// Reconciler is implemented by the orchestrator.
type Reconciler interface {
	Reconcile(ctx context.Context) (orchestrator.ReconcileReport, error)
}

type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	reconciler Reconciler
	timeout    time.Duration
	log        *slog.Logger
}

func NewReconcileWorker(r Reconciler, timeout time.Duration, log *slog.Logger) *ReconcileWorker {
	if timeout <= 0 {
		timeout = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &ReconcileWorker{reconciler: r, timeout: timeout, log: log}
}

func (w *ReconcileWorker) Timeout(*river.Job[ReconcileArgs]) time.Duration { return w.timeout }

func (w *ReconcileWorker) Work(ctx context.Context, _ *river.Job[ReconcileArgs]) error {
	report, err := w.reconciler.Reconcile(ctx)
	if report.Examined > 0 || err != nil {
		w.log.InfoContext(ctx, "reconciliation sweep",
			"examined", report.Examined, "failed", report.Failed, "waiting", report.Waiting, "skipped", report.Skipped)
	}
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	return nil
}

// PeriodicReconcile schedules the sweep every interval. A sweep is not
// retried; the next tick picks up whatever the failed one left behind.
func PeriodicReconcile(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return ReconcileArgs{}, &river.InsertOpts{MaxAttempts: 1}
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}

// Workers registers every worker of this package.
func Workers(r Reconciler, timeout time.Duration, log *slog.Logger) *river.Workers {
	workers := river.NewWorkers()
	river.AddWorker(workers, NewReconcileWorker(r, timeout, log))
	return workers
}
