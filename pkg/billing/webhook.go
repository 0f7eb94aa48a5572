package billing

import (
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing/internal"
	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

const (
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Verifier authenticates a raw webhook delivery and decodes it into an event.
// Authentication failures wrap ErrInvalidWebhookSignature; malformed bodies
// wrap ErrInvalidWebhookPayload or ErrInvalidEvent.
type Verifier interface {
	Verify(header http.Header, body []byte) (*gobilling.WebhookEvent, error)
}

// VerifierFunc adapts a function to Verifier
type VerifierFunc func(header http.Header, body []byte) (*gobilling.WebhookEvent, error)

func (f VerifierFunc) Verify(header http.Header, body []byte) (*gobilling.WebhookEvent, error) {
	return f(header, body)
}

// WebhookConfig configures an HTTP webhook endpoint for one provider
type WebhookConfig struct {
	// Source names the provider the endpoint receives from (e.g. "credits", "stripe")
	Source string

	// Verifier authenticates and decodes deliveries (required)
	Verifier Verifier

	// BodyLimit is the maximum body size in bytes (default: 256KB)
	BodyLimit int64

	// RateLimit is the number of requests per RateWindow per client IP (default: 100, negative disables)
	RateLimit  int
	RateWindow time.Duration

	// Logger for structured logging (default: NoopLogger)
	Logger gobilling.Logger

	// Metrics is an optional metrics collector (default: NoopMetrics)
	Metrics Metrics
}

// NewWebhookHandler returns an http.Handler that verifies deliveries and hands
// them to the processor. Duplicates and successfully processed events get 200;
// events that were dead-lettered get 500 so the provider redelivers them.
func NewWebhookHandler(processor *Processor, config WebhookConfig) (http.Handler, error) {
	if processor == nil || config.Verifier == nil {
		return nil, ErrProviderNotConfigured
	}
	if config.BodyLimit <= 0 {
		config.BodyLimit = internal.DefaultBodyLimit
	}
	if config.RateLimit == 0 {
		config.RateLimit = defaultRateLimitRequests
	}
	if config.RateWindow <= 0 {
		config.RateWindow = defaultRateLimitWindow
	}
	if config.Logger == nil {
		config.Logger = &gobilling.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	h := &webhookHandler{processor: processor, config: config}
	limiter := internal.NewRateLimiter(config.RateLimit, config.RateWindow)
	return limiter.Middleware(http.HandlerFunc(h.serve)), nil
}

type webhookHandler struct {
	processor *Processor
	config    WebhookConfig
}

func (h *webhookHandler) serve(w http.ResponseWriter, r *http.Request) {
	internal.SetSecurityHeaders(w)
	source := sourceOrUnknown(h.config.Source)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	body, err := internal.ReadBodyStrict(w, r, h.config.BodyLimit)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			h.config.Metrics.RecordWebhookError(source, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			h.config.Metrics.RecordWebhookError(source, "invalid_payload")
		}
		return
	}

	event, err := h.config.Verifier.Verify(r.Header, body)
	if err != nil {
		if errors.Is(err, ErrInvalidWebhookSignature) {
			h.config.Logger.Warn("Webhook signature rejected",
				gobilling.F("source", source),
				gobilling.F("remoteIp", internal.GetClientIP(r)),
			)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			h.config.Metrics.RecordWebhookError(source, "auth_failed")
			return
		}
		http.Error(w, "invalid payload", http.StatusBadRequest)
		h.config.Metrics.RecordWebhookError(source, "invalid_payload")
		return
	}
	event.Source = h.config.Source

	if err := h.processor.Process(r.Context(), event); err != nil {
		if errors.Is(err, ErrInvalidEvent) {
			http.Error(w, "invalid event", http.StatusBadRequest)
			return
		}
		h.config.Logger.Error("Webhook processing failed",
			gobilling.F("source", source),
			gobilling.F("eventId", event.ID),
			gobilling.F("type", event.Type),
			gobilling.F("error", err),
		)
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
