package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements gobilling.Metrics using Prometheus.
type Metrics struct {
	tierChangesTotal           *prometheus.CounterVec
	prorationAmount            *prometheus.HistogramVec
	remoteCallDuration         *prometheus.HistogramVec
	remoteCallErrors           *prometheus.CounterVec
	paymentsTotal              *prometheus.CounterVec
	bestEffortFailuresTotal    *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		tierChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_changes_total",
			Help:      "Total number of tier change attempts.",
		}, []string{"from_tier", "to_tier", "success"}),

		prorationAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proration_amount_dollars",
			Help:      "Distribution of absolute prorated amounts of tier changes.",
			Buckets:   []float64{0.5, 1, 5, 10, 50, 100, 500, 1000},
		}, []string{"direction"}),

		remoteCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_call_duration_seconds",
			Help:      "Latency of calls to billing providers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "operation"}),

		remoteCallErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_call_errors_total",
			Help:      "Total number of failed calls to billing providers.",
		}, []string{"provider", "operation"}),

		paymentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_total",
			Help:      "Total number of payment attempts by outcome.",
		}, []string{"status"}),

		bestEffortFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "best_effort_failures_total",
			Help:      "Total number of swallowed failures of non-authoritative side effects.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordTierChange(fromTier, toTier string, success bool) {
	m.tierChangesTotal.WithLabelValues(fromTier, toTier, strconv.FormatBool(success)).Inc()
}

func (m *Metrics) RecordProration(_, _ string, amount float64) {
	direction := "none"
	switch {
	case amount > 0:
		direction = "upgrade"
	case amount < 0:
		direction = "downgrade"
		amount = -amount
	}
	m.prorationAmount.WithLabelValues(direction).Observe(amount)
}

func (m *Metrics) RecordRemoteCall(provider, operation string, duration time.Duration, err error) {
	m.remoteCallDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
	if err != nil {
		m.remoteCallErrors.WithLabelValues(provider, operation).Inc()
	}
}

func (m *Metrics) RecordPayment(status string) {
	m.paymentsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordBestEffortFailure(operation string) {
	m.bestEffortFailuresTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
