// Package metrics publishes Prometheus series for the verdict cache and
// the validation pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder publishes Prometheus metrics for evaluate calls, cache tier
// activity, pipeline stages, and breaker transitions.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	evaluateRequests *prometheus.CounterVec
	evaluateLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	stageExecutions *prometheus.CounterVec
	stageLatency    *prometheus.HistogramVec

	breakerTransitions *prometheus.CounterVec
	prefilterChecks    *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	evaluateRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "complyd",
		Subsystem: "evaluate",
		Name:      "requests_total",
		Help:      "Evaluate calls by serving component and verdict.",
	}, []string{"provenance", "verdict"})

	evaluateLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "complyd",
		Subsystem: "evaluate",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed evaluate calls.",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
	}, []string{"provenance"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "complyd",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache tier operations by tier, operation, and result.",
	}, []string{"tier", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "complyd",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache tier operations.",
		Buckets:   []float64{0.000001, 0.00001, 0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25},
	}, []string{"tier", "operation"})

	stageExecutions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "complyd",
		Subsystem: "pipeline",
		Name:      "stage_executions_total",
		Help:      "Stage executions by stage and result.",
	}, []string{"stage", "result"})

	stageLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "complyd",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Latency distribution for pipeline stages.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
	}, []string{"stage"})

	breakerTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "complyd",
		Subsystem: "pipeline",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions by stage.",
	}, []string{"stage", "state"})

	prefilterChecks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "complyd",
		Subsystem: "cache",
		Name:      "prefilter_checks_total",
		Help:      "Pre-filter membership checks by outcome.",
	}, []string{"outcome"})

	reg.MustRegister(evaluateRequests, evaluateLatency, cacheOperations, cacheLatency,
		stageExecutions, stageLatency, breakerTransitions, prefilterChecks)

	return &Recorder{
		gatherer:           reg,
		handler:            promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		evaluateRequests:   evaluateRequests,
		evaluateLatency:    evaluateLatency,
		cacheOperations:    cacheOperations,
		cacheLatency:       cacheLatency,
		stageExecutions:    stageExecutions,
		stageLatency:       stageLatency,
		breakerTransitions: breakerTransitions,
		prefilterChecks:    prefilterChecks,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveEvaluate records a completed evaluate call.
func (r *Recorder) ObserveEvaluate(provenance, verdict string, duration time.Duration) {
	if r == nil {
		return
	}
	r.evaluateRequests.WithLabelValues(provenance, verdict).Inc()
	r.evaluateLatency.WithLabelValues(provenance).Observe(duration.Seconds())
}

// ObserveCache records one cache tier operation.
func (r *Recorder) ObserveCache(tier, operation, result string, duration time.Duration) {
	if r == nil {
		return
	}
	r.cacheOperations.WithLabelValues(tier, operation, result).Inc()
	r.cacheLatency.WithLabelValues(tier, operation).Observe(duration.Seconds())
}

// ObserveStage records one pipeline stage execution.
func (r *Recorder) ObserveStage(stage, result string, duration time.Duration) {
	if r == nil {
		return
	}
	r.stageExecutions.WithLabelValues(stage, result).Inc()
	r.stageLatency.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveBreakerTransition records a breaker state change.
func (r *Recorder) ObserveBreakerTransition(stage, state string) {
	if r == nil {
		return
	}
	r.breakerTransitions.WithLabelValues(stage, state).Inc()
}

// ObservePreFilter records a pre-filter membership check outcome.
func (r *Recorder) ObservePreFilter(outcome string) {
	if r == nil {
		return
	}
	r.prefilterChecks.WithLabelValues(outcome).Inc()
}
