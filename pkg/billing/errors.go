package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrInvalidEvent is returned when an event is missing its id, type or createdAt,
	// or its data does not match its type
	ErrInvalidEvent = errors.New("invalid webhook event")

	// ErrEventFailed is returned when an event handler kept failing after all retries.
	// The event has been dead-lettered.
	ErrEventFailed = errors.New("webhook event processing failed")
)
