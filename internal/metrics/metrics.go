// Package metrics records run outcomes and phase timings in a Prometheus
// registry private to the process. The registry can be written as a
// node-exporter textfile after a run or suite.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Phases observed by ObservePhase.
const (
	PhaseInfra    = "infra"
	PhasePrepare  = "prepare"
	PhaseVerify   = "verify"
	PhaseClassify = "classify"
)

// Metrics holds the run collectors.
type Metrics struct {
	registry *prometheus.Registry
	runs     *prometheus.CounterVec
	phases   *prometheus.HistogramVec
}

// New creates collectors registered on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asyncverify_runs_total",
				Help: "Total number of verification runs by verdict and failure kind",
			},
			[]string{"verdict", "failure_kind"},
		),
		phases: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "asyncverify_phase_duration_seconds",
				Help:    "Duration of run phases",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"phase"},
		),
	}
	m.registry.MustRegister(m.runs, m.phases)
	return m
}

// ObserveRun counts one finished run. failureKind is empty for passing runs.
func (m *Metrics) ObserveRun(verdict, failureKind string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(verdict, failureKind).Inc()
}

// ObservePhase records how long a phase took.
func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.phases.WithLabelValues(phase).Observe(d.Seconds())
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the current values to path in the text exposition
// format, replacing any previous file atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
