package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheus_Restarts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	t.Run("counts soft restarts", func(t *testing.T) {
		m.RecordRestart("svc-a", "soft")
		m.RecordRestart("svc-a", "soft")

		if val := getCounterValue(t, m.Restarts, "svc-a", "soft"); val != 2 {
			t.Errorf("expected 2, got %f", val)
		}
	})

	t.Run("modes are tracked separately", func(t *testing.T) {
		m.RecordRestart("svc-a", "restore")

		if val := getCounterValue(t, m.Restarts, "svc-a", "restore"); val != 1 {
			t.Errorf("expected 1, got %f", val)
		}
	})

	t.Run("restores", func(t *testing.T) {
		m.RecordRestore("svc-a")

		if val := getCounterValue(t, m.Restores, "svc-a"); val != 1 {
			t.Errorf("expected 1, got %f", val)
		}
	})
}

func TestPrometheus_Gauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.SetHealthy("svc-a", false)
	m.SetFailures("svc-a", 3)
	if val := getGaugeValue(t, m.ResourceHealthy, "svc-a"); val != 0 {
		t.Errorf("healthy = %f, want 0", val)
	}
	if val := getGaugeValue(t, m.FailureCount, "svc-a"); val != 3 {
		t.Errorf("failures = %f, want 3", val)
	}

	m.SetHealthy("svc-a", true)
	m.SetFailures("svc-a", 0)
	if val := getGaugeValue(t, m.ResourceHealthy, "svc-a"); val != 1 {
		t.Errorf("healthy = %f, want 1", val)
	}
	if val := getGaugeValue(t, m.FailureCount, "svc-a"); val != 0 {
		t.Errorf("failures = %f, want 0", val)
	}
}

func TestPrometheus_CycleDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.ObserveCycle(1500 * time.Millisecond)
	m.ObserveCycle(500 * time.Millisecond)

	var out dto.Metric
	if err := m.CycleDuration.Write(&out); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if got := out.GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("expected count 2, got %d", got)
	}
	if got := out.GetHistogram().GetSampleSum(); got != 2.0 {
		t.Errorf("expected sum 2.0, got %f", got)
	}
}

func TestPrometheus_IntegrityRepairs(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordIntegrityRepairs(0)
	m.RecordIntegrityRepairs(2)

	var out dto.Metric
	if err := m.IntegrityRepairs.Write(&out); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if got := out.GetCounter().GetValue(); got != 2 {
		t.Errorf("expected 2, got %f", got)
	}
}

func TestPrometheus_DoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheusMetrics(reg); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := NewPrometheusMetrics(reg); err == nil {
		t.Error("expected error registering the same collectors twice")
	}
}

func TestPrometheus_WriteTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	m.SetHealthy("svc-a", true)
	m.RecordRestart("svc-a", "soft")

	path := filepath.Join(t.TempDir(), "guardian.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	for _, want := range []string{
		`guardian_resource_healthy{resource="svc-a"} 1`,
		`guardian_restarts_total{mode="soft",resource="svc-a"} 1`,
		"# TYPE guardian_cycle_duration_seconds histogram",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("textfile missing %q\n%s", want, text)
		}
	}
}

// Helper functions for extracting Prometheus metric values.

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := counter.WithLabelValues(labels...).(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, gauge *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := gauge.WithLabelValues(labels...).(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}
