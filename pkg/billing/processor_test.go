package billing_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gobilling"
	"github.com/mihaimyh/gobilling/storage/memory"
)

var eventTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

// recordingHandler counts invoice.paid deliveries and can be told to fail
type recordingHandler struct {
	billing.NopHandler

	paid      atomic.Int32
	unhandled atomic.Int32
	failures  atomic.Int32 // remaining failures to inject
}

func (h *recordingHandler) OnInvoicePaid(context.Context, *billing.InvoiceEvent) error {
	if h.failures.Load() > 0 {
		h.failures.Add(-1)
		return errors.New("downstream unavailable")
	}
	h.paid.Add(1)
	return nil
}

func (h *recordingHandler) OnUnhandled(context.Context, *billing.UnhandledEvent) error {
	h.unhandled.Add(1)
	return nil
}

func invoicePaidEvent(t *testing.T, id string) *gobilling.WebhookEvent {
	t.Helper()
	event, err := billing.NewEvent(id, billing.EventInvoicePaid, &gobilling.Invoice{
		ID:         "inv_1",
		CustomerID: "cus_1",
		ContractID: "ctr_1",
		Amount:     decimal.RequireFromString("4.65"),
		Currency:   "usd",
	}, eventTime)
	require.NoError(t, err)
	event.Source = billing.SourceSubscriptions
	return event
}

func newProcessor(t *testing.T, store gobilling.Storage, h billing.Handler) *billing.Processor {
	t.Helper()
	p, err := billing.NewProcessor(store, h, billing.ProcessorConfig{
		Retry: gobilling.RetryConfig{MaxAttempts: 3, Delay: -1},
		Clock: func() time.Time { return eventTime },
	})
	require.NoError(t, err)
	return p
}

func TestProcessor_DuplicateAppliedOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	h := &recordingHandler{}
	p := newProcessor(t, store, h)

	event := invoicePaidEvent(t, "evt_1")
	require.NoError(t, p.Process(ctx, event))
	require.NoError(t, p.Process(ctx, event))

	assert.Equal(t, int32(1), h.paid.Load())

	logged, err := store.ListWebhookEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, logged, 1)
}

func TestProcessor_DuplicateAcrossRestart(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	h := &recordingHandler{}

	require.NoError(t, newProcessor(t, store, h).Process(ctx, invoicePaidEvent(t, "evt_1")))
	// A fresh processor has an empty cache and must consult storage
	require.NoError(t, newProcessor(t, store, h).Process(ctx, invoicePaidEvent(t, "evt_1")))

	assert.Equal(t, int32(1), h.paid.Load())
}

func TestProcessor_ProcessedMarkerExpires(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	h := &recordingHandler{}
	p, err := billing.NewProcessor(store, h, billing.ProcessorConfig{
		Retry:        gobilling.RetryConfig{MaxAttempts: 1, Delay: -1},
		ProcessedTTL: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	event := invoicePaidEvent(t, "evt_1")
	require.NoError(t, p.Process(ctx, event))
	require.NoError(t, p.Process(ctx, event))
	assert.Equal(t, int32(1), h.paid.Load())

	time.Sleep(100 * time.Millisecond)

	require.NoError(t, p.Process(ctx, event))
	assert.Equal(t, int32(2), h.paid.Load(), "redelivery after the TTL is applied again")
}

func TestProcessor_ConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	h := &recordingHandler{}
	p := newProcessor(t, memory.New(), h)
	event := invoicePaidEvent(t, "evt_1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Process(ctx, event))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), h.paid.Load())
}

func TestProcessor_RetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	h := &recordingHandler{}
	h.failures.Store(2)
	p := newProcessor(t, store, h)

	require.NoError(t, p.Process(ctx, invoicePaidEvent(t, "evt_1")))
	assert.Equal(t, int32(1), h.paid.Load())

	failed, err := store.ListFailedEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestProcessor_DeadLettersAfterRetries(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	h := &recordingHandler{}
	h.failures.Store(3)
	p := newProcessor(t, store, h)

	err := p.Process(ctx, invoicePaidEvent(t, "evt_1"))
	require.ErrorIs(t, err, billing.ErrEventFailed)
	assert.Zero(t, h.paid.Load())

	failed, err := store.ListFailedEvents(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "evt_1", failed[0].Event.ID)
	assert.Equal(t, billing.SourceSubscriptions, failed[0].Source)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Contains(t, failed[0].Error, "downstream unavailable")

	processed, err := store.IsEventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, processed, "failed events stay eligible for redelivery")
}

func TestProcessor_ReplayFailed(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	h := &recordingHandler{}
	h.failures.Store(3)
	p := newProcessor(t, store, h)

	require.Error(t, p.Process(ctx, invoicePaidEvent(t, "evt_1")))

	result, err := p.ReplayFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, billing.ReplayResult{Replayed: 1}, result)
	assert.Equal(t, int32(1), h.paid.Load())

	failed, err := store.ListFailedEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)

	// Redelivery after replay is a duplicate
	require.NoError(t, p.Process(ctx, invoicePaidEvent(t, "evt_1")))
	assert.Equal(t, int32(1), h.paid.Load())
}

func TestProcessor_ReplayKeepsStillFailingEvents(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	h := &recordingHandler{}
	h.failures.Store(100)
	p := newProcessor(t, store, h)

	require.Error(t, p.Process(ctx, invoicePaidEvent(t, "evt_1")))

	result, err := p.ReplayFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, billing.ReplayResult{Failed: 1}, result)

	failed, err := store.ListFailedEvents(ctx)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestProcessor_UnhandledType(t *testing.T) {
	ctx := context.Background()
	h := &recordingHandler{}
	p := newProcessor(t, memory.New(), h)

	event := &gobilling.WebhookEvent{
		ID:        "evt_1",
		Type:      "subscription.paused",
		Data:      []byte(`{"id":"sub_1"}`),
		CreatedAt: eventTime,
	}
	require.NoError(t, p.Process(ctx, event))
	require.NoError(t, p.Process(ctx, event))

	assert.Equal(t, int32(1), h.unhandled.Load())
}

func TestProcessor_InvalidEvents(t *testing.T) {
	tests := []struct {
		name  string
		event *gobilling.WebhookEvent
	}{
		{"nil", nil},
		{"missing id", &gobilling.WebhookEvent{Type: "invoice.paid", Data: []byte(`{"id":"inv_1"}`), CreatedAt: eventTime}},
		{"missing type", &gobilling.WebhookEvent{ID: "evt_1", Data: []byte(`{"id":"inv_1"}`), CreatedAt: eventTime}},
		{"missing createdAt", &gobilling.WebhookEvent{ID: "evt_1", Type: "invoice.paid", Data: []byte(`{"id":"inv_1"}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &recordingHandler{}
			p := newProcessor(t, memory.New(), h)

			err := p.Process(context.Background(), tt.event)
			assert.ErrorIs(t, err, billing.ErrInvalidEvent)
			assert.Zero(t, h.paid.Load())
		})
	}
}

func TestProcessor_MalformedDataIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	p := newProcessor(t, store, &recordingHandler{})

	err := p.Process(ctx, &gobilling.WebhookEvent{
		ID:        "evt_1",
		Type:      string(billing.EventInvoicePaid),
		Data:      []byte(`{"customerId":"cus_1"}`),
		CreatedAt: eventTime,
	})
	require.ErrorIs(t, err, billing.ErrInvalidEvent)

	failed, err := store.ListFailedEvents(ctx)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestProcessor_ProcessPayload(t *testing.T) {
	ctx := context.Background()
	h := &recordingHandler{}
	p := newProcessor(t, memory.New(), h)

	body := []byte(`{"id":"evt_1","type":"invoice.paid","data":{"id":"inv_1","customerId":"cus_1"},"createdAt":"2024-01-15T12:00:00Z"}`)
	require.NoError(t, p.ProcessPayload(ctx, billing.SourceSubscriptions, body))
	assert.Equal(t, int32(1), h.paid.Load())

	err := p.ProcessPayload(ctx, billing.SourceSubscriptions, []byte(`{"id":"evt_2","extra":true}`))
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)
}

func TestNewProcessor_RequiresDependencies(t *testing.T) {
	_, err := billing.NewProcessor(nil, &recordingHandler{}, billing.ProcessorConfig{})
	assert.ErrorIs(t, err, gobilling.ErrStorageUnavailable)

	_, err = billing.NewProcessor(memory.New(), nil, billing.ProcessorConfig{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}
