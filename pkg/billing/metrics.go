package billing

import "time"

// Metrics defines the interface for tracking webhook processing.
// All methods are optional - components should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records the outcome of one event.
	// status: "success", "error", "skipped" (duplicate) or "unhandled"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: The type of error (e.g., "auth_failed", "invalid_payload", "processing_error")
	RecordWebhookError(provider, errorType string)

	// RecordDeadLetter records an event moved to the dead-letter store.
	RecordDeadLetter(provider, eventType string)

	// RecordReplay records a dead-letter replay attempt. status: "success" or "error"
	RecordReplay(provider, status string)

	// RecordAPICall records an API call to a provider.
	// endpoint: The API endpoint called (e.g., "/contracts/{id}/cancel")
	// status: HTTP status code as string (e.g., "200", "404", "500")
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordDeadLetter(_, _ string)                                 {}
func (n *NoopMetrics) RecordReplay(_, _ string)                                     {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
