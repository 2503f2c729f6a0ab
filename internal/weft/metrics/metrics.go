// Package metrics exposes the engine's Prometheus collectors. Each Set owns
// its own Registry so tests and embedded runs never fight over the default
// registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles every collector the engine records into.
type Set struct {
	Registry *prometheus.Registry

	StepsTotal      *prometheus.CounterVec
	StepDuration    prometheus.Histogram
	QueueDepth      prometheus.Gauge
	CallerRunsTotal prometheus.Counter
	ExecutionsTotal *prometheus.CounterVec
}

// NewSet builds and registers the collector set.
func NewSet() *Set {
	s := &Set{
		Registry: prometheus.NewRegistry(),
		StepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_steps_total",
				Help: "Step executions by terminal status.",
			},
			[]string{"status"},
		),
		StepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "weft_step_duration_seconds",
				Help:    "Wall-clock duration of step executions.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "weft_queue_depth",
				Help: "Tasks waiting in the worker pool queue.",
			},
		),
		CallerRunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "weft_caller_runs_total",
				Help: "Submissions that ran on the caller because the queue was full.",
			},
		),
		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_executions_total",
				Help: "Workflow executions by final status.",
			},
			[]string{"status"},
		),
	}
	s.Registry.MustRegister(s.StepsTotal, s.StepDuration, s.QueueDepth, s.CallerRunsTotal, s.ExecutionsTotal)
	return s
}

// ObserveStep records one finished step.
func (s *Set) ObserveStep(status string, d time.Duration) {
	if s == nil {
		return
	}
	s.StepsTotal.WithLabelValues(status).Inc()
	s.StepDuration.Observe(d.Seconds())
}

// ObserveExecution records one finished workflow execution.
func (s *Set) ObserveExecution(status string) {
	if s == nil {
		return
	}
	s.ExecutionsTotal.WithLabelValues(status).Inc()
}

// SetQueueDepth publishes the current queue backlog.
func (s *Set) SetQueueDepth(n int) {
	if s == nil {
		return
	}
	s.QueueDepth.Set(float64(n))
}

// CallerRan counts a caller-runs fallback.
func (s *Set) CallerRan() {
	if s == nil {
		return
	}
	s.CallerRunsTotal.Inc()
}
