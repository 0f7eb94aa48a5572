package gobilling

import "time"

// Metrics defines the interface for tracking contract operations and provider calls.
type Metrics interface {
	// RecordTierChange records a completed tier change.
	RecordTierChange(fromTier, toTier string, success bool)

	// RecordProration records the signed prorated amount (in dollars) of a tier change.
	RecordProration(fromTier, toTier string, amount float64)

	// RecordRemoteCall records the duration and outcome of a provider call.
	// provider: "subscriptions" or "payments"; operation: e.g. "create_contract"
	RecordRemoteCall(provider, operation string, duration time.Duration, err error)

	// RecordPayment records a charge attempt. status: "succeeded", "failed", "skipped"
	RecordPayment(status string)

	// RecordBestEffortFailure records a swallowed failure of a non-authoritative side effect.
	RecordBestEffortFailure(operation string)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordTierChange(fromTier, toTier string, success bool)  {}
func (n *NoopMetrics) RecordProration(fromTier, toTier string, amount float64) {}
func (n *NoopMetrics) RecordPayment(status string)                             {}
func (n *NoopMetrics) RecordBestEffortFailure(operation string)                {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)            {}

func (n *NoopMetrics) RecordRemoteCall(provider, operation string, duration time.Duration, err error) {
}
