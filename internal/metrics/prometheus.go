// Package metrics provides Prometheus metrics for the guardian daemon.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "guardian"

// PrometheusMetrics holds the daemon's collectors.
type PrometheusMetrics struct {
	ResourceHealthy  *prometheus.GaugeVec
	FailureCount     *prometheus.GaugeVec
	Restarts         *prometheus.CounterVec
	Restores         *prometheus.CounterVec
	IntegrityRepairs prometheus.Counter
	CycleDuration    prometheus.Histogram

	gatherer prometheus.Gatherer
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		ResourceHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resource_healthy",
			Help:      "Whether the resource passed its last health check (1) or not (0).",
		}, []string{"resource"}),
		FailureCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "failure_count",
			Help:      "Consecutive unhealthy cycles for the resource.",
		}, []string{"resource"}),
		Restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_total",
			Help:      "Restart actions issued, by mode (soft, restore, retry).",
		}, []string{"resource", "mode"}),
		Restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restores_total",
			Help:      "Backup restores performed.",
		}, []string{"resource"}),
		IntegrityRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_repairs_total",
			Help:      "Self-integrity flags re-applied.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a full check cycle.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
	}

	collectors := []prometheus.Collector{
		m.ResourceHealthy,
		m.FailureCount,
		m.Restarts,
		m.Restores,
		m.IntegrityRepairs,
		m.CycleDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m, nil
}

// SetHealthy records the latest verdict for a resource.
func (m *PrometheusMetrics) SetHealthy(resource string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.ResourceHealthy.WithLabelValues(resource).Set(v)
}

// SetFailures records the consecutive failure count for a resource.
func (m *PrometheusMetrics) SetFailures(resource string, n int) {
	m.FailureCount.WithLabelValues(resource).Set(float64(n))
}

// RecordRestart counts a restart action.
func (m *PrometheusMetrics) RecordRestart(resource, mode string) {
	m.Restarts.WithLabelValues(resource, mode).Inc()
}

// RecordRestore counts a backup restore.
func (m *PrometheusMetrics) RecordRestore(resource string) {
	m.Restores.WithLabelValues(resource).Inc()
}

// RecordIntegrityRepairs adds self-integrity repairs.
func (m *PrometheusMetrics) RecordIntegrityRepairs(n int) {
	if n > 0 {
		m.IntegrityRepairs.Add(float64(n))
	}
}

// ObserveCycle records the duration of a check cycle.
func (m *PrometheusMetrics) ObserveCycle(d time.Duration) {
	m.CycleDuration.Observe(d.Seconds())
}

// WriteTextfile writes every registered metric to path in the text
// exposition format, for node_exporter's textfile collector.
func (m *PrometheusMetrics) WriteTextfile(path string) error {
	if m.gatherer == nil {
		return fmt.Errorf("write metrics textfile: registerer is not a gatherer")
	}
	if err := prometheus.WriteToTextfile(path, m.gatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
