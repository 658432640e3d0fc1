// Package metrics provides Prometheus metrics for composite key builds and
// secure desktop sessions
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Build outcomes
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeCancelled = "cancelled"
	OutcomeExited    = "exited"
)

// Metrics tracks key and session metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	builds          *prometheus.CounterVec
	buildErrors     *prometheus.CounterVec
	buildDuration   prometheus.Histogram
	sessions        *prometheus.CounterVec
	sessionActive   prometheus.Gauge
	deferredActions *prometheus.CounterVec
	keyFiles        *prometheus.CounterVec

	mu       sync.RWMutex
	attempts int64
	failures int64
}

// New creates a metrics collector registered on its own registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		builds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyguard_composite_key_requests_total",
				Help: "Total number of composite key requests by outcome",
			},
			[]string{"outcome"},
		),
		buildErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyguard_composite_key_errors_total",
				Help: "Total number of failed composite key builds by error code",
			},
			[]string{"code"},
		),
		buildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "keyguard_composite_key_build_seconds",
				Help:    "Time spent resolving key sources and building the composite key",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyguard_desktop_sessions_total",
				Help: "Total number of credential dialog sessions by mode and result",
			},
			[]string{"mode", "result"},
		),
		sessionActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keyguard_desktop_session_active",
				Help: "Whether a credential dialog session is running",
			},
		),
		deferredActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyguard_deferred_actions_total",
				Help: "Total number of deferred actions replayed after a secure session",
			},
			[]string{"result"},
		),
		keyFiles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyguard_key_files_total",
				Help: "Total number of key files written by origin",
			},
			[]string{"origin"},
		),
	}

	m.registry.MustRegister(
		m.builds,
		m.buildErrors,
		m.buildDuration,
		m.sessions,
		m.sessionActive,
		m.deferredActions,
		m.keyFiles,
	)
	return m
}

// Registry returns the registry holding the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRequest records the outcome of a composite key request
func (m *Metrics) RecordRequest(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.attempts++
	if outcome == OutcomeFailure {
		m.failures++
	}
	m.mu.Unlock()

	m.builds.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess || outcome == OutcomeFailure {
		m.buildDuration.Observe(duration.Seconds())
	}
}

// RecordBuildError records a failed build by error code
func (m *Metrics) RecordBuildError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.buildErrors.WithLabelValues(code).Inc()
}

// RecordSessionStart marks a dialog session as running
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.sessionActive.Set(1)
}

// RecordSessionEnd records a finished dialog session
func (m *Metrics) RecordSessionEnd(secure bool, result string) {
	if m == nil {
		return
	}
	mode := "normal"
	if secure {
		mode = "secure"
	}
	m.sessions.WithLabelValues(mode, result).Inc()
	m.sessionActive.Set(0)
}

// RecordDeferredAction records a replayed deferred action
func (m *Metrics) RecordDeferredAction(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.deferredActions.WithLabelValues(result).Inc()
}

// RecordKeyFile records a written key file. Origin is "created" or
// "recreated".
func (m *Metrics) RecordKeyFile(origin string) {
	if m == nil {
		return
	}
	m.keyFiles.WithLabelValues(origin).Inc()
}

// GetSnapshot returns request counters
func (m *Metrics) GetSnapshot() map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int64{
		"attempts": m.attempts,
		"failures": m.failures,
	}
}

// WriteTextfile writes all metrics in the Prometheus text format for the
// node_exporter textfile collector
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
