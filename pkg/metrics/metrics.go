// Package metrics holds the prometheus collectors shared by the batch runner,
// the pollers and the token cache. Collectors are registered on a caller
// supplied registerer so tests can use a private registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	BatchRuns       *prometheus.CounterVec   // job
	BatchEntities   *prometheus.CounterVec   // job, outcome
	BatchDuration   *prometheus.HistogramVec // job
	PollTicks       *prometheus.CounterVec   // feed, outcome
	PollChanges     *prometheus.CounterVec   // feed, kind
	Deliveries      *prometheus.CounterVec   // feed, outcome
	TokenRefreshes  *prometheus.CounterVec   // name, outcome
	DedupEntries    *prometheus.GaugeVec     // cache
	LeaderDecisions *prometheus.CounterVec   // job, leader
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BatchRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoclaim", Name: "batch_runs_total", Help: "Batch runs started.",
		}, []string{"job"}),
		BatchEntities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoclaim", Name: "batch_entities_total", Help: "Per-entity job outcomes.",
		}, []string{"job", "outcome"}),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "autoclaim", Name: "batch_run_seconds", Help: "Batch run wall time.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"job"}),
		PollTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoclaim", Name: "poll_ticks_total", Help: "Poller ticks by outcome.",
		}, []string{"feed", "outcome"}),
		PollChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoclaim", Name: "poll_changes_total", Help: "Items classified as new or edited.",
		}, []string{"feed", "kind"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoclaim", Name: "deliveries_total", Help: "Notification deliveries by outcome.",
		}, []string{"feed", "outcome"}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoclaim", Name: "token_refreshes_total", Help: "Credential refreshes by outcome.",
		}, []string{"name", "outcome"}),
		DedupEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "autoclaim", Name: "dedup_entries", Help: "Entries held by a dedup cache after prune.",
		}, []string{"cache"}),
		LeaderDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoclaim", Name: "leader_checks_total", Help: "Leader gate checks by result.",
		}, []string{"job", "leader"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.BatchRuns, m.BatchEntities, m.BatchDuration,
			m.PollTicks, m.PollChanges, m.Deliveries,
			m.TokenRefreshes, m.DedupEntries, m.LeaderDecisions,
		)
	}
	return m
}

// Nop returns unregistered collectors; safe to use, never exported.
func Nop() *Metrics { return New(nil) }

func Outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
