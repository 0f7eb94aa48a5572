package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

var _ gobilling.Metrics = (*Metrics)(nil)

func findMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestPrometheusMetrics_NewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	if metrics == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestPrometheusMetrics_RecordTierChange(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordTierChange("free", "pro", true)
	metrics.RecordTierChange("free", "pro", true)
	metrics.RecordTierChange("pro", "team", false)

	family := findMetric(t, reg, "test_tier_changes_total")
	if family == nil {
		t.Fatal("Expected tier change metric to be registered")
	}
	if len(family.GetMetric()) != 2 {
		t.Errorf("Expected 2 label sets, got %d", len(family.GetMetric()))
	}
}

func TestPrometheusMetrics_RecordProration(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordProration("free", "pro", 4.65)
	metrics.RecordProration("pro", "free", -4.65)

	family := findMetric(t, reg, "test_proration_amount_dollars")
	if family == nil {
		t.Fatal("Expected proration metric to be registered")
	}
	for _, m := range family.GetMetric() {
		if m.GetHistogram().GetSampleSum() < 0 {
			t.Errorf("Expected absolute amounts, got sum %v", m.GetHistogram().GetSampleSum())
		}
	}
}

func TestPrometheusMetrics_RecordRemoteCall(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordRemoteCall("subscriptions", "create_contract", 20*time.Millisecond, nil)
	metrics.RecordRemoteCall("subscriptions", "create_contract", 20*time.Millisecond, errors.New("boom"))

	family := findMetric(t, reg, "test_remote_call_errors_total")
	if family == nil {
		t.Fatal("Expected remote call error metric to be registered")
	}
	if got := family.GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("Expected 1 error, got %v", got)
	}
}

func TestPrometheusMetrics_RecordMisc(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordPayment("succeeded")
	metrics.RecordBestEffortFailure("create_invoice")
	metrics.RecordCircuitBreakerStateChange("open")

	for _, name := range []string{
		"test_payments_total",
		"test_best_effort_failures_total",
		"test_circuit_breaker_state_changes_total",
	} {
		if findMetric(t, reg, name) == nil {
			t.Errorf("Expected %s to be recorded", name)
		}
	}
}
