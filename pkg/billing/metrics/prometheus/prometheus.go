package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal        *prometheus.CounterVec
	deadLettersTotal          *prometheus.CounterVec
	replaysTotal              *prometheus.CounterVec
	apiCallsTotal             *prometheus.CounterVec
	apiCallDuration           *prometheus.HistogramVec
}

// NewMetrics creates a new Prometheus metrics implementation for webhook processing.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Total number of webhook events by outcome.",
		}, []string{"provider", "event_type", "status"}),

		webhookProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "processing_duration_seconds",
			Help:      "Duration of webhook processing in seconds, including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "errors_total",
			Help:      "Total number of webhook processing errors.",
		}, []string{"provider", "error_type"}),

		deadLettersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "dead_letters_total",
			Help:      "Total number of events moved to the dead-letter store.",
		}, []string{"provider", "event_type"}),

		replaysTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "replays_total",
			Help:      "Total number of dead-letter replay attempts.",
		}, []string{"provider", "status"}),

		apiCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "api_calls_total",
			Help:      "Total number of API calls to billing providers.",
		}, []string{"provider", "endpoint", "status"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "api_call_duration_seconds",
			Help:      "Duration of API calls to billing providers in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "endpoint"}),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrorsTotal.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordDeadLetter(provider, eventType string) {
	m.deadLettersTotal.WithLabelValues(provider, eventType).Inc()
}

func (m *Metrics) RecordReplay(provider, status string) {
	m.replaysTotal.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCallsTotal.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) billing.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
