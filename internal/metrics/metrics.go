// Package metrics provides Prometheus metrics for the engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autotrade"

// Metrics holds all Prometheus metrics for the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Scheduler metrics
	TicksTotal       *prometheus.CounterVec
	TicksSkipped     *prometheus.CounterVec
	TickDuration     *prometheus.HistogramVec
	CycleFailures    *prometheus.CounterVec
	ActiveStrategies prometheus.Gauge

	// Translator metrics
	Outcomes *prometheus.CounterVec

	// Reconciliation metrics
	Settlements       *prometheus.CounterVec
	Escalations       *prometheus.CounterVec
	UnresolvedIntents prometheus.Gauge
	BrokerLatency     *prometheus.HistogramVec
}

// New registers the engine metrics with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TicksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Total number of strategy ticks executed",
		}, []string{"strategy"}),
		TicksSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_skipped_total",
			Help:      "Ticks skipped because the previous tick was still running",
		}, []string{"strategy"}),
		TickDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one strategy cycle",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"}),
		CycleFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cycle_failures_total",
			Help:      "Cycles abandoned by stage (fetch, strategy)",
		}, []string{"strategy", "stage"}),
		ActiveStrategies: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "active_strategies",
			Help:      "Number of strategies currently scheduled",
		}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "translator",
			Name:      "outcomes_total",
			Help:      "Signal translation outcomes",
		}, []string{"side", "outcome"}),
		Settlements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "settlements_total",
			Help:      "Order intents finalized, by side and terminal status",
		}, []string{"side", "status"}),
		Escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "escalations_total",
			Help:      "Inconsistencies raised for operator review",
		}, []string{"reason"}),
		UnresolvedIntents: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "unresolved_intents",
			Help:      "Non-terminal intents seen by the last sweep",
		}),
		BrokerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "call_duration_seconds",
			Help:      "Broker gateway call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"call"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordTick records one completed tick
func (m *Metrics) RecordTick(strategy string, d time.Duration) {
	if m == nil {
		return
	}
	m.TicksTotal.WithLabelValues(strategy).Inc()
	m.TickDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

// RecordSkippedTick records a tick dropped because the previous one overran
func (m *Metrics) RecordSkippedTick(strategy string) {
	if m == nil {
		return
	}
	m.TicksSkipped.WithLabelValues(strategy).Inc()
}

// RecordCycleFailure records an abandoned cycle
func (m *Metrics) RecordCycleFailure(strategy, stage string) {
	if m == nil {
		return
	}
	m.CycleFailures.WithLabelValues(strategy, stage).Inc()
}

// SetActiveStrategies updates the scheduled strategy gauge
func (m *Metrics) SetActiveStrategies(n int) {
	if m == nil {
		return
	}
	m.ActiveStrategies.Set(float64(n))
}

// RecordOutcome records a translator outcome
func (m *Metrics) RecordOutcome(side, outcome string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(side, outcome).Inc()
}

// RecordSettlement records a finalized intent
func (m *Metrics) RecordSettlement(side, status string) {
	if m == nil {
		return
	}
	m.Settlements.WithLabelValues(side, status).Inc()
}

// RecordEscalation records an inconsistency raised for review
func (m *Metrics) RecordEscalation(reason string) {
	if m == nil {
		return
	}
	m.Escalations.WithLabelValues(reason).Inc()
}

// SetUnresolvedIntents updates the unresolved intent gauge
func (m *Metrics) SetUnresolvedIntents(n int) {
	if m == nil {
		return
	}
	m.UnresolvedIntents.Set(float64(n))
}

// ObserveBroker records broker call latency
func (m *Metrics) ObserveBroker(call string, start time.Time) {
	if m == nil {
		return
	}
	m.BrokerLatency.WithLabelValues(call).Observe(time.Since(start).Seconds())
}
