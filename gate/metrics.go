package gate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for actions_total.
const (
	OutcomeAllowed  = "allowed"
	OutcomeRejected = "rejected"
	OutcomePaused   = "paused"
	OutcomeError    = "error"
)

// PrometheusMetrics collects stage-gate metrics.
//
// Metrics exposed (all namespaced with "stagegate_"):
//
//  1. actions_total (counter): dispatched actions.
//     Labels: agent, action, outcome (allowed/rejected/paused/error).
//  2. pauses_total (counter): pauses entered.
//     Labels: agent, cause (stage/error).
//  3. repair_iterations_total (counter): successful repair calls.
//     Labels: agent.
//  4. errors_classified_total (counter): upstream errors reported on complete.
//     Labels: agent, category.
//  5. dispatch_latency_ms (histogram): time spent in Dispatch.
//     Labels: action.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := gate.NewPrometheusMetrics(registry)
//	engine, _ := gate.New(defs, st, gate.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	actions          *prometheus.CounterVec
	pauses           *prometheus.CounterVec
	repairIterations *prometheus.CounterVec
	classifiedErrors *prometheus.CounterVec
	dispatchLatency  *prometheus.HistogramVec
}

// NewPrometheusMetrics creates and registers all stage-gate metrics with
// registry (prometheus.DefaultRegisterer when nil).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		actions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagegate",
			Name:      "actions_total",
			Help:      "Dispatched actions by agent, action, and outcome",
		}, []string{"agent", "action", "outcome"}),
		pauses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagegate",
			Name:      "pauses_total",
			Help:      "Pauses entered, by cause (stage boundary or escalated error)",
		}, []string{"agent", "cause"}),
		repairIterations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagegate",
			Name:      "repair_iterations_total",
			Help:      "Successful repair iterations",
		}, []string{"agent"}),
		classifiedErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagegate",
			Name:      "errors_classified_total",
			Help:      "Upstream stage errors by classified category",
		}, []string{"agent", "category"}),
		dispatchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stagegate",
			Name:      "dispatch_latency_ms",
			Help:      "Dispatch duration in milliseconds, including persistence",
			Buckets:   []float64{0.5, 1, 5, 10, 50, 100, 500, 1000},
		}, []string{"action"}),
	}
}

// RecordAction counts one dispatched action and observes its latency.
func (pm *PrometheusMetrics) RecordAction(agent string, action Action, outcome string, latency time.Duration) {
	if pm == nil {
		return
	}
	pm.actions.WithLabelValues(agent, string(action), outcome).Inc()
	pm.dispatchLatency.WithLabelValues(string(action)).Observe(float64(latency.Microseconds()) / 1000)
}

// IncPause counts one pause.
func (pm *PrometheusMetrics) IncPause(agent string, cause PauseCause) {
	if pm == nil {
		return
	}
	pm.pauses.WithLabelValues(agent, string(cause)).Inc()
}

// IncRepairIteration counts one successful repair call.
func (pm *PrometheusMetrics) IncRepairIteration(agent string) {
	if pm == nil {
		return
	}
	pm.repairIterations.WithLabelValues(agent).Inc()
}

// IncClassifiedError counts one classified upstream error.
func (pm *PrometheusMetrics) IncClassifiedError(agent string, category ErrorCategory) {
	if pm == nil {
		return
	}
	pm.classifiedErrors.WithLabelValues(agent, string(category)).Inc()
}
