package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

var _ billing.Metrics = (*Metrics)(nil)

func TestMetrics_WebhookCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordWebhookEvent("credits", "invoice.paid", "success")
	m.RecordWebhookEvent("credits", "invoice.paid", "success")
	m.RecordWebhookEvent("credits", "invoice.paid", "skipped")
	m.RecordWebhookError("stripe", "auth_failed")
	m.RecordDeadLetter("credits", "contract.created")
	m.RecordReplay("credits", "success")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.webhookEventsTotal.WithLabelValues("credits", "invoice.paid", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookEventsTotal.WithLabelValues("credits", "invoice.paid", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookErrorsTotal.WithLabelValues("stripe", "auth_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLettersTotal.WithLabelValues("credits", "contract.created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.replaysTotal.WithLabelValues("credits", "success")))
}

func TestMetrics_Durations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordWebhookProcessingDuration("credits", "invoice.paid", 50*time.Millisecond)
	m.RecordAPICall("credits", "/contracts", "201")
	m.RecordAPICallDuration("credits", "/contracts", 20*time.Millisecond)

	count, err := testutil.GatherAndCount(reg,
		"test_webhook_processing_duration_seconds",
		"test_provider_api_calls_total",
		"test_provider_api_call_duration_seconds",
	)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg, "test")

	assert.Panics(t, func() { NewMetrics(reg, "test") })
}
