package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// Event sources
const (
	SourceSubscriptions = "credits"
	SourcePayments      = "stripe"
)

// EventType is the wire value of a webhook event's "type" field
type EventType string

// Subscription provider events
const (
	EventCustomerCreated   EventType = "customer.created"
	EventCustomerUpdated   EventType = "customer.updated"
	EventContractCreated   EventType = "contract.created"
	EventContractUpdated   EventType = "contract.updated"
	EventContractCancelled EventType = "contract.cancelled"
	EventContractExpired   EventType = "contract.expired"
	EventInvoiceCreated    EventType = "invoice.created"
	EventInvoicePaid       EventType = "invoice.paid"
	EventInvoiceFailed     EventType = "invoice.failed"
	EventCreditApplied     EventType = "credit.applied"
)

// Payment provider events
const (
	EventPaymentMethodAttached  EventType = "payment_method.attached"
	EventPaymentMethodDetached  EventType = "payment_method.detached"
	EventPaymentIntentSucceeded EventType = "payment_intent.succeeded"
	EventPaymentIntentFailed    EventType = "payment_intent.failed"
)

// PaymentIntent is the data of a payment_intent.* event
type PaymentIntent struct {
	ID             string            `json:"id"`
	CustomerID     string            `json:"customerId"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	FailureMessage string            `json:"failureMessage,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Variant is a decoded webhook event. The set of variants is closed: every
// implementation lives in this package and maps to exactly one Handler method.
type Variant interface {
	Type() EventType
	dispatch(ctx context.Context, h Handler) error
}

// CustomerEvent is a customer.created or customer.updated event
type CustomerEvent struct {
	Kind     EventType
	At       time.Time
	Customer *gobilling.Customer
}

// ContractEvent is a contract.* event
type ContractEvent struct {
	Kind     EventType
	At       time.Time
	Contract *gobilling.Contract
}

// InvoiceEvent is an invoice.* event
type InvoiceEvent struct {
	Kind    EventType
	At      time.Time
	Invoice *gobilling.Invoice
}

// CreditEvent is a credit.applied event
type CreditEvent struct {
	At     time.Time
	Credit *gobilling.Credit
}

// PaymentMethodEvent is a payment_method.* event
type PaymentMethodEvent struct {
	Kind          EventType
	At            time.Time
	PaymentMethod *gobilling.PaymentMethod
}

// PaymentIntentEvent is a payment_intent.* event
type PaymentIntentEvent struct {
	Kind          EventType
	At            time.Time
	PaymentIntent *PaymentIntent
}

// UnhandledEvent wraps an event whose type is not part of the closed set
type UnhandledEvent struct {
	Event *gobilling.WebhookEvent
}

func (e *CustomerEvent) Type() EventType      { return e.Kind }
func (e *ContractEvent) Type() EventType      { return e.Kind }
func (e *InvoiceEvent) Type() EventType       { return e.Kind }
func (e *CreditEvent) Type() EventType        { return EventCreditApplied }
func (e *PaymentMethodEvent) Type() EventType { return e.Kind }
func (e *PaymentIntentEvent) Type() EventType { return e.Kind }
func (e *UnhandledEvent) Type() EventType     { return EventType(e.Event.Type) }

func (e *CustomerEvent) dispatch(ctx context.Context, h Handler) error {
	if e.Kind == EventCustomerCreated {
		return h.OnCustomerCreated(ctx, e)
	}
	return h.OnCustomerUpdated(ctx, e)
}

func (e *ContractEvent) dispatch(ctx context.Context, h Handler) error {
	switch e.Kind {
	case EventContractCreated:
		return h.OnContractCreated(ctx, e)
	case EventContractCancelled:
		return h.OnContractCancelled(ctx, e)
	case EventContractExpired:
		return h.OnContractExpired(ctx, e)
	default:
		return h.OnContractUpdated(ctx, e)
	}
}

func (e *InvoiceEvent) dispatch(ctx context.Context, h Handler) error {
	switch e.Kind {
	case EventInvoicePaid:
		return h.OnInvoicePaid(ctx, e)
	case EventInvoiceFailed:
		return h.OnInvoiceFailed(ctx, e)
	default:
		return h.OnInvoiceCreated(ctx, e)
	}
}

func (e *CreditEvent) dispatch(ctx context.Context, h Handler) error {
	return h.OnCreditApplied(ctx, e)
}

func (e *PaymentMethodEvent) dispatch(ctx context.Context, h Handler) error {
	if e.Kind == EventPaymentMethodAttached {
		return h.OnPaymentMethodAttached(ctx, e)
	}
	return h.OnPaymentMethodDetached(ctx, e)
}

func (e *PaymentIntentEvent) dispatch(ctx context.Context, h Handler) error {
	if e.Kind == EventPaymentIntentSucceeded {
		return h.OnPaymentIntentSucceeded(ctx, e)
	}
	return h.OnPaymentIntentFailed(ctx, e)
}

func (e *UnhandledEvent) dispatch(ctx context.Context, h Handler) error {
	return h.OnUnhandled(ctx, e)
}

// Dispatch calls the handler method matching the variant
func Dispatch(ctx context.Context, v Variant, h Handler) error {
	return v.dispatch(ctx, h)
}

// Decode turns a raw event into its variant. Unknown types decode to
// *UnhandledEvent; malformed data for a known type is ErrInvalidEvent.
func Decode(event *gobilling.WebhookEvent) (Variant, error) {
	kind := EventType(event.Type)
	at := event.CreatedAt

	switch kind {
	case EventCustomerCreated, EventCustomerUpdated:
		var c gobilling.Customer
		if err := decodeData(event, &c); err != nil {
			return nil, err
		}
		return &CustomerEvent{Kind: kind, At: at, Customer: &c}, nil

	case EventContractCreated, EventContractUpdated, EventContractCancelled, EventContractExpired:
		var c gobilling.Contract
		if err := decodeData(event, &c); err != nil {
			return nil, err
		}
		return &ContractEvent{Kind: kind, At: at, Contract: &c}, nil

	case EventInvoiceCreated, EventInvoicePaid, EventInvoiceFailed:
		var inv gobilling.Invoice
		if err := decodeData(event, &inv); err != nil {
			return nil, err
		}
		return &InvoiceEvent{Kind: kind, At: at, Invoice: &inv}, nil

	case EventCreditApplied:
		var c gobilling.Credit
		if err := decodeData(event, &c); err != nil {
			return nil, err
		}
		return &CreditEvent{At: at, Credit: &c}, nil

	case EventPaymentMethodAttached, EventPaymentMethodDetached:
		var pm gobilling.PaymentMethod
		if err := decodeData(event, &pm); err != nil {
			return nil, err
		}
		return &PaymentMethodEvent{Kind: kind, At: at, PaymentMethod: &pm}, nil

	case EventPaymentIntentSucceeded, EventPaymentIntentFailed:
		var pi PaymentIntent
		if err := decodeData(event, &pi); err != nil {
			return nil, err
		}
		return &PaymentIntentEvent{Kind: kind, At: at, PaymentIntent: &pi}, nil

	default:
		return &UnhandledEvent{Event: event}, nil
	}
}

// decodeData decodes event.data and requires it to carry an id
func decodeData(event *gobilling.WebhookEvent, v interface{}) error {
	data := bytes.TrimSpace(event.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("%w: %s has no data", ErrInvalidEvent, event.ID)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrInvalidEvent, event.ID, err)
	}

	var head struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(data, &head)
	if head.ID == "" {
		return fmt.Errorf("%w: %s data has no id", ErrInvalidEvent, event.ID)
	}
	return nil
}

// NewEvent builds a wire event from a typed payload
func NewEvent(id string, eventType EventType, data interface{}, createdAt time.Time) (*gobilling.WebhookEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", eventType, err)
	}
	return &gobilling.WebhookEvent{
		ID:        id,
		Type:      string(eventType),
		Data:      raw,
		CreatedAt: createdAt,
	}, nil
}
