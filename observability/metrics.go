// Package observability exposes Prometheus metrics for the execution
// engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts run and step activity. All methods are safe for
// concurrent use and tolerate a nil receiver, so the engine can treat
// metrics as optional.
type Metrics struct {
	runsStarted   prometheus.Counter
	runsFinished  *prometheus.CounterVec
	stepsFinished *prometheus.CounterVec
	activeRuns    prometheus.Gauge
}

// NewMetrics creates and registers the metric set. reg may be
// prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conveyor",
			Name:      "runs_started_total",
			Help:      "Pipeline runs started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conveyor",
			Name:      "runs_finished_total",
			Help:      "Pipeline runs finished, by terminal status.",
		}, []string{"status"}),
		stepsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conveyor",
			Name:      "steps_finished_total",
			Help:      "Pipeline steps finished, by status.",
		}, []string{"status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conveyor",
			Name:      "active_runs",
			Help:      "Runs currently executing.",
		}),
	}
	reg.MustRegister(m.runsStarted, m.runsFinished, m.stepsFinished, m.activeRuns)
	return m
}

// RunStarted records a run beginning.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RunFinished records a run reaching a terminal status.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(status).Inc()
	m.activeRuns.Dec()
}

// StepFinished records a step outcome.
func (m *Metrics) StepFinished(status string) {
	if m == nil {
		return
	}
	m.stepsFinished.WithLabelValues(status).Inc()
}
