// Package stripe implements gobilling.PaymentProvider on Stripe PaymentIntents
// and converts Stripe webhooks into billing events.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

const providerName = billing.SourcePayments

// Config holds Stripe provider configuration
type Config struct {
	// APIKey is the Stripe secret key (required)
	APIKey string

	// WebhookSecret is the endpoint signing secret ("whsec_...")
	WebhookSecret string

	// Backends overrides the Stripe API backends (tests, proxies)
	Backends *stripe.Backends

	// Metrics is an optional metrics collector (default: NoopMetrics)
	Metrics billing.Metrics
}

// Provider implements gobilling.PaymentProvider for Stripe
type Provider struct {
	client        *stripe.Client
	webhookSecret string
	metrics       billing.Metrics
}

var _ gobilling.PaymentProvider = (*Provider)(nil)

// NewProvider creates a new Stripe payment provider
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	var opts []stripe.ClientOption
	if config.Backends != nil {
		opts = append(opts, stripe.WithBackends(config.Backends))
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		client:        stripe.NewClient(apiKey, opts...),
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
		metrics:       metrics,
	}, nil
}

// CreateCustomer creates a Stripe customer tagged with the entity ID
func (p *Provider) CreateCustomer(ctx context.Context, req *gobilling.CreateCustomerRequest) (string, error) {
	params := &stripe.CustomerCreateParams{
		Email: stripe.String(req.Email),
	}
	if req.Name != "" {
		params.Name = stripe.String(req.Name)
	}
	params.AddMetadata("entity_id", req.EntityID)
	key := req.IdempotencyKey
	if key == "" {
		key = "customer-" + req.EntityID
	}
	params.SetIdempotencyKey(key)

	var cust *stripe.Customer
	err := p.call("/customers", func() (err error) {
		cust, err = p.client.V1Customers.Create(ctx, params)
		return err
	})
	if err != nil {
		return "", err
	}
	return cust.ID, nil
}

// CreatePayment confirms an off-session PaymentIntent against the saved payment method.
// A declined charge returns the payment with its non-succeeded status and no error.
func (p *Provider) CreatePayment(ctx context.Context, req *gobilling.PaymentRequest) (*gobilling.Payment, error) {
	cents := gobilling.AmountToCents(req.Amount)
	if cents <= 0 {
		return nil, fmt.Errorf("%w: payment amount must be positive", gobilling.ErrInvalidInput)
	}

	params := &stripe.PaymentIntentCreateParams{
		Amount:        stripe.Int64(cents),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	var pi *stripe.PaymentIntent
	err := p.call("/payment_intents", func() (err error) {
		pi, err = p.client.V1PaymentIntents.Create(ctx, params)
		return err
	})
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.PaymentIntent != nil {
			return toPayment(stripeErr.PaymentIntent), nil
		}
		return nil, err
	}
	return toPayment(pi), nil
}

// ListPaymentMethods lists the payment methods attached to a Stripe customer
func (p *Provider) ListPaymentMethods(ctx context.Context, customerID string) ([]*gobilling.PaymentMethod, error) {
	params := &stripe.PaymentMethodListParams{Customer: stripe.String(customerID)}

	var out []*gobilling.PaymentMethod
	err := p.call("/payment_methods", func() error {
		for pm, err := range p.client.V1PaymentMethods.List(ctx, params) {
			if err != nil {
				return err
			}
			out = append(out, toPaymentMethod(pm, customerID))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AttachPaymentMethod attaches a payment method to a Stripe customer
func (p *Provider) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (*gobilling.PaymentMethod, error) {
	params := &stripe.PaymentMethodAttachParams{Customer: stripe.String(customerID)}

	var pm *stripe.PaymentMethod
	err := p.call("/payment_methods/{id}/attach", func() (err error) {
		pm, err = p.client.V1PaymentMethods.Attach(ctx, paymentMethodID, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return toPaymentMethod(pm, customerID), nil
}

// DetachPaymentMethod detaches a payment method from its customer
func (p *Provider) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	return p.call("/payment_methods/{id}/detach", func() error {
		_, err := p.client.V1PaymentMethods.Detach(ctx, paymentMethodID, &stripe.PaymentMethodDetachParams{})
		return err
	})
}

// call runs one API request, records metrics and classifies the error
func (p *Provider) call(endpoint string, fn func() error) error {
	start := time.Now()
	err := fn()
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))

	if err == nil {
		p.metrics.RecordAPICall(providerName, endpoint, "success")
		return nil
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		p.metrics.RecordAPICall(providerName, endpoint, fmt.Sprintf("%d", stripeErr.HTTPStatusCode))
		switch {
		case stripeErr.HTTPStatusCode == http.StatusNotFound:
			return fmt.Errorf("stripe %s: %w: %s", endpoint, gobilling.ErrNotFound, stripeErr.Msg)
		case stripeErr.Type == stripe.ErrorTypeInvalidRequest && stripeErr.HTTPStatusCode == http.StatusBadRequest:
			return fmt.Errorf("stripe %s: %w: %s", endpoint, gobilling.ErrInvalidInput, stripeErr.Msg)
		}
	} else {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
	}
	return gobilling.RemoteError("stripe "+endpoint, err)
}

func toPayment(pi *stripe.PaymentIntent) *gobilling.Payment {
	return &gobilling.Payment{
		ID:       pi.ID,
		Amount:   centsToAmount(pi.Amount),
		Currency: string(pi.Currency),
		Status:   string(pi.Status),
	}
}

func toPaymentMethod(pm *stripe.PaymentMethod, customerID string) *gobilling.PaymentMethod {
	out := &gobilling.PaymentMethod{
		ID:         pm.ID,
		CustomerID: customerID,
		Type:       string(pm.Type),
	}
	if pm.Customer != nil && pm.Customer.ID != "" {
		out.CustomerID = pm.Customer.ID
	}
	if pm.Card != nil {
		out.Brand = string(pm.Card.Brand)
		out.Last4 = pm.Card.Last4
	}
	return out
}
