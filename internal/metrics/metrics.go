// Package metrics exposes Prometheus counters for ledger movements, state
// transitions, callbacks and the reconciliation sweep. A nil *Recorder is a
// valid no-op.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Recorder struct {
	ledgerEntries *prometheus.CounterVec
	ledgerCredits *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	callbacks     *prometheus.CounterVec
	outbound      *prometheus.CounterVec
	reconciled    *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		ledgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartprospect_ledger_entries_total",
			Help: "Ledger entries written, by reason.",
		}, []string{"reason"}),
		ledgerCredits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartprospect_ledger_credits_total",
			Help: "Absolute credits moved, by reason.",
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartprospect_campaign_transitions_total",
			Help: "Campaign state transitions, by event and target status.",
		}, []string{"event", "to"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartprospect_callbacks_total",
			Help: "Inbound callbacks, by source and outcome.",
		}, []string{"source", "outcome"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartprospect_workflow_calls_total",
			Help: "Outbound workflow engine calls, by operation and result.",
		}, []string{"op", "result"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartprospect_reconciled_jobs_total",
			Help: "Jobs examined by the reconciliation sweep, by action.",
		}, []string{"action"}),
	}
	if reg != nil {
		reg.MustRegister(r.ledgerEntries, r.ledgerCredits, r.transitions, r.callbacks, r.outbound, r.reconciled)
	}
	return r
}

func (r *Recorder) LedgerEntry(reason string, delta int64) {
	if r == nil {
		return
	}
	if delta < 0 {
		delta = -delta
	}
	r.ledgerEntries.WithLabelValues(reason).Inc()
	r.ledgerCredits.WithLabelValues(reason).Add(float64(delta))
}

func (r *Recorder) Transition(event, to string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(event, to).Inc()
}

func (r *Recorder) Callback(source, outcome string) {
	if r == nil {
		return
	}
	r.callbacks.WithLabelValues(source, outcome).Inc()
}

func (r *Recorder) WorkflowCall(op string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.outbound.WithLabelValues(op, result).Inc()
}

func (r *Recorder) Reconciled(action string) {
	if r == nil {
		return
	}
	r.reconciled.WithLabelValues(action).Inc()
}
