package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// Stripe event types with a billing variant
const (
	stripePaymentIntentSucceeded = "payment_intent.succeeded"
	stripePaymentIntentFailed    = "payment_intent.payment_failed"
	stripePaymentMethodAttached  = "payment_method.attached"
	stripePaymentMethodDetached  = "payment_method.detached"
)

// Verify implements billing.Verifier. It checks the Stripe-Signature header
// and converts the Stripe event into a billing event.
func (p *Provider) Verify(header http.Header, body []byte) (*gobilling.WebhookEvent, error) {
	if p.webhookSecret == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	sig := header.Get("Stripe-Signature")
	event, err := webhook.ConstructEventWithOptions(body, sig, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return ConvertEvent(&event)
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

// WebhookHandler returns the Stripe webhook endpoint feeding the processor
func (p *Provider) WebhookHandler(processor *billing.Processor, config billing.WebhookConfig) (http.Handler, error) {
	if p.webhookSecret == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	config.Source = billing.SourcePayments
	config.Verifier = p
	return billing.NewWebhookHandler(processor, config)
}

// ConvertEvent maps a Stripe event onto the billing wire event.
// Types without a billing variant keep their Stripe type and raw data and are
// handled as unhandled events.
func ConvertEvent(event *stripe.Event) (*gobilling.WebhookEvent, error) {
	if event == nil || event.Data == nil {
		return nil, fmt.Errorf("%w: event has no data", billing.ErrInvalidWebhookPayload)
	}
	createdAt := time.Unix(event.Created, 0).UTC()

	switch string(event.Type) {
	case stripePaymentIntentSucceeded, stripePaymentIntentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: payment intent: %v", billing.ErrInvalidWebhookPayload, err)
		}
		kind := billing.EventPaymentIntentSucceeded
		if string(event.Type) == stripePaymentIntentFailed {
			kind = billing.EventPaymentIntentFailed
		}
		return billing.NewEvent(event.ID, kind, paymentIntentData(&pi), createdAt)

	case stripePaymentMethodAttached, stripePaymentMethodDetached:
		var pm stripe.PaymentMethod
		if err := json.Unmarshal(event.Data.Raw, &pm); err != nil {
			return nil, fmt.Errorf("%w: payment method: %v", billing.ErrInvalidWebhookPayload, err)
		}
		kind := billing.EventPaymentMethodAttached
		customerID := ""
		if string(event.Type) == stripePaymentMethodDetached {
			kind = billing.EventPaymentMethodDetached
			// A detached method has no customer left, only the previous one
			customerID, _ = event.Data.PreviousAttributes["customer"].(string)
		}
		return billing.NewEvent(event.ID, kind, toPaymentMethod(&pm, customerID), createdAt)

	default:
		return &gobilling.WebhookEvent{
			ID:        event.ID,
			Type:      string(event.Type),
			Data:      event.Data.Raw,
			CreatedAt: createdAt,
		}, nil
	}
}

func paymentIntentData(pi *stripe.PaymentIntent) *billing.PaymentIntent {
	out := &billing.PaymentIntent{
		ID:       pi.ID,
		Amount:   centsToAmount(pi.Amount),
		Currency: string(pi.Currency),
		Status:   string(pi.Status),
		Metadata: pi.Metadata,
	}
	if pi.Customer != nil {
		out.CustomerID = pi.Customer.ID
	}
	if pi.LastPaymentError != nil {
		out.FailureMessage = pi.LastPaymentError.Msg
	}
	return out
}

func centsToAmount(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
