package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

const (
	defaultCacheSize = 10000
	unknownSource    = "unknown"
)

// ProcessorConfig holds webhook processor configuration
type ProcessorConfig struct {
	// Retry configures handler retries (default: 3 attempts, 1 second linear backoff)
	Retry gobilling.RetryConfig

	// ProcessedTTL is how long a processed event ID is remembered (0 = forever)
	ProcessedTTL time.Duration

	// CacheSize is the number of processed IDs kept in memory in front of storage (default: 10000)
	CacheSize int

	// Logger for structured logging (default: NoopLogger)
	Logger gobilling.Logger

	// Metrics is an optional metrics collector (default: NoopMetrics)
	Metrics Metrics

	// Clock returns the current instant (default: time.Now in UTC)
	Clock func() time.Time
}

// Processor applies webhook events at most once per event ID.
// The processed-ID index lives in storage, so a restart does not reopen the
// idempotency window; the LRU only saves storage round trips. Cached IDs
// expire with ProcessedTTL so the cache never outlives the stored marker.
type Processor struct {
	storage  gobilling.Storage
	handler  Handler
	config   ProcessorConfig
	seen     *expirable.LRU[string, struct{}]
	locks    *gobilling.KeyedMutex
	validate *validator.Validate
}

// ReplayResult summarizes a dead-letter replay
type ReplayResult struct {
	Replayed int
	Failed   int
}

// NewProcessor creates a webhook processor
func NewProcessor(storage gobilling.Storage, handler Handler, config ProcessorConfig) (*Processor, error) {
	if storage == nil {
		return nil, gobilling.ErrStorageUnavailable
	}
	if handler == nil {
		return nil, ErrProviderNotConfigured
	}

	if config.CacheSize <= 0 {
		config.CacheSize = defaultCacheSize
	}
	if config.Logger == nil {
		config.Logger = &gobilling.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Clock == nil {
		config.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &Processor{
		storage:  storage,
		handler:  handler,
		config:   config,
		seen:     expirable.NewLRU[string, struct{}](config.CacheSize, nil, config.ProcessedTTL),
		locks:    gobilling.NewKeyedMutex(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// ProcessPayload decodes a wire event and processes it
func (p *Processor) ProcessPayload(ctx context.Context, source string, body []byte) error {
	event, err := ParseEvent(body)
	if err != nil {
		p.config.Metrics.RecordWebhookError(sourceOrUnknown(source), "invalid_payload")
		return err
	}
	event.Source = source
	return p.Process(ctx, event)
}

// Process applies an event's side effects unless its ID was already processed.
// A duplicate returns nil. A handler that keeps failing is dead-lettered and
// the returned error wraps ErrEventFailed.
func (p *Processor) Process(ctx context.Context, event *gobilling.WebhookEvent) error {
	if event == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	source := sourceOrUnknown(event.Source)
	if err := p.validate.Struct(event); err != nil {
		p.config.Metrics.RecordWebhookError(source, "invalid_event")
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	unlock := p.locks.Lock(event.ID)
	defer unlock()

	start := time.Now()

	processed, err := p.isProcessed(ctx, event.ID)
	if err != nil {
		p.config.Metrics.RecordWebhookError(source, "storage_error")
		return fmt.Errorf("check processed event %s: %w", event.ID, err)
	}
	if processed {
		p.config.Logger.Debug("Skipping duplicate webhook event",
			gobilling.F("eventId", event.ID),
			gobilling.F("type", event.Type),
		)
		p.config.Metrics.RecordWebhookEvent(source, event.Type, "skipped")
		return nil
	}

	if err := p.storage.AppendWebhookEvent(ctx, event); err != nil {
		p.config.Metrics.RecordWebhookError(source, "storage_error")
		return fmt.Errorf("persist event %s: %w", event.ID, err)
	}

	variant, err := Decode(event)
	if err != nil {
		p.deadLetter(ctx, event, err, 0)
		return err
	}

	if _, ok := variant.(*UnhandledEvent); ok {
		p.config.Logger.Warn("Unhandled webhook event type",
			gobilling.F("eventId", event.ID),
			gobilling.F("type", event.Type),
			gobilling.F("source", source),
		)
	}

	attempts := 0
	err = gobilling.Retry(ctx, func(ctx context.Context) error {
		attempts++
		return variant.dispatch(ctx, p.handler)
	}, p.config.Retry)
	if err != nil {
		p.deadLetter(ctx, event, err, attempts)
		p.config.Metrics.RecordWebhookProcessingDuration(source, event.Type, time.Since(start))
		return fmt.Errorf("%w: %s: %w", ErrEventFailed, event.ID, err)
	}

	if err := p.storage.MarkEventProcessed(ctx, event.ID, p.config.ProcessedTTL); err != nil {
		p.config.Logger.Warn("Failed to persist processed event marker",
			gobilling.F("eventId", event.ID),
			gobilling.F("error", err),
		)
		p.config.Metrics.RecordWebhookError(source, "storage_error")
	}
	p.seen.Add(event.ID, struct{}{})

	status := "success"
	if _, ok := variant.(*UnhandledEvent); ok {
		status = "unhandled"
	}
	p.config.Metrics.RecordWebhookEvent(source, event.Type, status)
	p.config.Metrics.RecordWebhookProcessingDuration(source, event.Type, time.Since(start))
	return nil
}

func (p *Processor) isProcessed(ctx context.Context, eventID string) (bool, error) {
	if _, ok := p.seen.Peek(eventID); ok {
		return true, nil
	}
	processed, err := p.storage.IsEventProcessed(ctx, eventID)
	if err != nil {
		return false, err
	}
	// The stored marker's remaining lifetime is unknown, so only markers
	// that never expire are cached from a storage hit.
	if processed && p.config.ProcessedTTL <= 0 {
		p.seen.Add(eventID, struct{}{})
	}
	return processed, nil
}

// deadLetter stores an exhausted event for operators and ReplayFailed
func (p *Processor) deadLetter(ctx context.Context, event *gobilling.WebhookEvent, cause error, attempts int) {
	source := sourceOrUnknown(event.Source)
	p.config.Logger.Error("Webhook event failed, moved to dead letter",
		gobilling.F("eventId", event.ID),
		gobilling.F("type", event.Type),
		gobilling.F("source", source),
		gobilling.F("attempts", attempts),
		gobilling.F("error", cause),
	)
	p.config.Metrics.RecordWebhookEvent(source, event.Type, "error")
	p.config.Metrics.RecordWebhookError(source, "processing_error")
	p.config.Metrics.RecordDeadLetter(source, event.Type)

	failed := &gobilling.FailedEvent{
		Event:    *event,
		Source:   event.Source,
		Error:    cause.Error(),
		Attempts: attempts,
		FailedAt: p.config.Clock(),
	}
	if err := p.storage.SaveFailedEvent(ctx, failed); err != nil {
		p.config.Logger.Error("Failed to store dead-lettered event",
			gobilling.F("eventId", event.ID),
			gobilling.F("error", err),
		)
	}
}

// ReplayFailed re-processes every dead-lettered event, removing the ones that succeed.
// Events that fail again stay dead-lettered with their new error.
func (p *Processor) ReplayFailed(ctx context.Context) (ReplayResult, error) {
	var result ReplayResult

	failed, err := p.storage.ListFailedEvents(ctx)
	if err != nil {
		return result, fmt.Errorf("list failed events: %w", err)
	}

	for _, f := range failed {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		event := f.Event
		event.Source = f.Source
		source := sourceOrUnknown(f.Source)

		if err := p.Process(ctx, &event); err != nil {
			result.Failed++
			p.config.Metrics.RecordReplay(source, "error")
			if !errors.Is(err, ErrEventFailed) && !errors.Is(err, ErrInvalidEvent) {
				return result, err
			}
			continue
		}

		if err := p.storage.DeleteFailedEvent(ctx, event.ID); err != nil {
			return result, fmt.Errorf("delete replayed event %s: %w", event.ID, err)
		}
		result.Replayed++
		p.config.Metrics.RecordReplay(source, "success")
	}

	if len(failed) > 0 {
		p.config.Logger.Info("Replayed dead-lettered events",
			gobilling.F("replayed", result.Replayed),
			gobilling.F("failed", result.Failed),
		)
	}
	return result, nil
}

// ParseEvent strictly decodes a single {id,type,data,createdAt} event
func ParseEvent(body []byte) (*gobilling.WebhookEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	var event gobilling.WebhookEvent
	if err := dec.Decode(&event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookPayload, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: multiple JSON objects in payload", ErrInvalidWebhookPayload)
	}
	return &event, nil
}

func sourceOrUnknown(source string) string {
	if source == "" {
		return unknownSource
	}
	return source
}
