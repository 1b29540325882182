// Package observability exposes Prometheus metrics for the formation engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/louisbranch/formation/internal/services/formation/domain/engine"
	"github.com/louisbranch/formation/internal/services/formation/domain/snapshot"
	"github.com/louisbranch/formation/internal/services/formation/outbox"
)

// Metrics provides observability for commands, the snapshot cache, readiness
// and the outbox relay.
type Metrics struct {
	// Command outcomes by type and outcome
	Commands *prometheus.CounterVec
	// Attempts per command, >1 means conflict retries
	CommandAttempts prometheus.Histogram

	CacheHits           prometheus.Counter
	CacheExtendedEvents prometheus.Histogram
	CacheRebuilds       *prometheus.CounterVec
	SubjectsFlagged     prometheus.Counter

	// Readiness classifications served by reads
	Readiness *prometheus.CounterVec

	// Outbox publish results by event kind
	OutboxPublishes *prometheus.CounterVec
}

var (
	_ engine.Observer   = (*Metrics)(nil)
	_ snapshot.Observer = (*Metrics)(nil)
	_ outbox.Observer   = (*Metrics)(nil)
)

// New registers every formation metric with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "formation_commands_total",
			Help: "Total commands handled by type and outcome",
		}, []string{"type", "outcome"}), // outcome: accepted, rejected, duplicate, conflict, error

		CommandAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "formation_command_attempts",
			Help:    "Append attempts per command, including conflict retries",
			Buckets: []float64{1, 2, 3, 5, 8},
		}),

		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "formation_snapshot_cache_hits_total",
			Help: "Reads served from an up to date snapshot",
		}),

		CacheExtendedEvents: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "formation_snapshot_cache_extended_events",
			Help:    "Events folded onto a snapshot to bring it up to date",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),

		CacheRebuilds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "formation_snapshot_cache_rebuilds_total",
			Help: "Full replays by reason",
		}, []string{"reason"}),

		SubjectsFlagged: factory.NewCounter(prometheus.CounterOpts{
			Name: "formation_subjects_flagged_total",
			Help: "Subjects flagged for manual inspection after a failed rebuild",
		}),

		Readiness: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "formation_readiness_evaluations_total",
			Help: "Readiness evaluations by classification",
		}, []string{"classification"}),

		OutboxPublishes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "formation_outbox_published_total",
			Help: "Outbox publish attempts by event kind and result",
		}, []string{"kind", "result"}),
	}
}

// CommandHandled implements engine.Observer.
func (m *Metrics) CommandHandled(commandType, outcome string, attempts int) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(commandType, outcome).Inc()
	if attempts > 0 {
		m.CommandAttempts.Observe(float64(attempts))
	}
}

// CacheHit implements snapshot.Observer.
func (m *Metrics) CacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

// CacheExtended implements snapshot.Observer.
func (m *Metrics) CacheExtended(events int) {
	if m != nil {
		m.CacheExtendedEvents.Observe(float64(events))
	}
}

// CacheRebuilt implements snapshot.Observer.
func (m *Metrics) CacheRebuilt(reason string) {
	if m != nil {
		m.CacheRebuilds.WithLabelValues(reason).Inc()
	}
}

// SubjectFlagged implements snapshot.Observer.
func (m *Metrics) SubjectFlagged() {
	if m != nil {
		m.SubjectsFlagged.Inc()
	}
}

// ReadinessEvaluated records a served readiness classification.
func (m *Metrics) ReadinessEvaluated(classification string) {
	if m != nil {
		m.Readiness.WithLabelValues(classification).Inc()
	}
}

// OutboxPublished implements outbox.Observer.
func (m *Metrics) OutboxPublished(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.OutboxPublishes.WithLabelValues(kind, result).Inc()
}
