package billing

import "context"

// Handler receives decoded webhook events. It has one method per event variant,
// so adding a variant breaks every implementation until it is handled.
// Returning an error makes the processor retry and eventually dead-letter the event.
type Handler interface {
	OnCustomerCreated(ctx context.Context, e *CustomerEvent) error
	OnCustomerUpdated(ctx context.Context, e *CustomerEvent) error

	OnContractCreated(ctx context.Context, e *ContractEvent) error
	OnContractUpdated(ctx context.Context, e *ContractEvent) error
	OnContractCancelled(ctx context.Context, e *ContractEvent) error
	OnContractExpired(ctx context.Context, e *ContractEvent) error

	OnInvoiceCreated(ctx context.Context, e *InvoiceEvent) error
	OnInvoicePaid(ctx context.Context, e *InvoiceEvent) error
	OnInvoiceFailed(ctx context.Context, e *InvoiceEvent) error

	OnCreditApplied(ctx context.Context, e *CreditEvent) error

	OnPaymentMethodAttached(ctx context.Context, e *PaymentMethodEvent) error
	OnPaymentMethodDetached(ctx context.Context, e *PaymentMethodEvent) error

	OnPaymentIntentSucceeded(ctx context.Context, e *PaymentIntentEvent) error
	OnPaymentIntentFailed(ctx context.Context, e *PaymentIntentEvent) error

	// OnUnhandled receives events whose type is not known
	OnUnhandled(ctx context.Context, e *UnhandledEvent) error
}

// NopHandler ignores every event. Embed it to implement only some methods.
type NopHandler struct{}

func (NopHandler) OnCustomerCreated(context.Context, *CustomerEvent) error             { return nil }
func (NopHandler) OnCustomerUpdated(context.Context, *CustomerEvent) error             { return nil }
func (NopHandler) OnContractCreated(context.Context, *ContractEvent) error             { return nil }
func (NopHandler) OnContractUpdated(context.Context, *ContractEvent) error             { return nil }
func (NopHandler) OnContractCancelled(context.Context, *ContractEvent) error           { return nil }
func (NopHandler) OnContractExpired(context.Context, *ContractEvent) error             { return nil }
func (NopHandler) OnInvoiceCreated(context.Context, *InvoiceEvent) error               { return nil }
func (NopHandler) OnInvoicePaid(context.Context, *InvoiceEvent) error                  { return nil }
func (NopHandler) OnInvoiceFailed(context.Context, *InvoiceEvent) error                { return nil }
func (NopHandler) OnCreditApplied(context.Context, *CreditEvent) error                 { return nil }
func (NopHandler) OnPaymentMethodAttached(context.Context, *PaymentMethodEvent) error  { return nil }
func (NopHandler) OnPaymentMethodDetached(context.Context, *PaymentMethodEvent) error  { return nil }
func (NopHandler) OnPaymentIntentSucceeded(context.Context, *PaymentIntentEvent) error { return nil }
func (NopHandler) OnPaymentIntentFailed(context.Context, *PaymentIntentEvent) error    { return nil }
func (NopHandler) OnUnhandled(context.Context, *UnhandledEvent) error                  { return nil }

// Chain fans an event out to several handlers in order, stopping at the first error
type Chain []Handler

func (c Chain) each(fn func(h Handler) error) error {
	for _, h := range c {
		if err := fn(h); err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) OnCustomerCreated(ctx context.Context, e *CustomerEvent) error {
	return c.each(func(h Handler) error { return h.OnCustomerCreated(ctx, e) })
}

func (c Chain) OnCustomerUpdated(ctx context.Context, e *CustomerEvent) error {
	return c.each(func(h Handler) error { return h.OnCustomerUpdated(ctx, e) })
}

func (c Chain) OnContractCreated(ctx context.Context, e *ContractEvent) error {
	return c.each(func(h Handler) error { return h.OnContractCreated(ctx, e) })
}

func (c Chain) OnContractUpdated(ctx context.Context, e *ContractEvent) error {
	return c.each(func(h Handler) error { return h.OnContractUpdated(ctx, e) })
}

func (c Chain) OnContractCancelled(ctx context.Context, e *ContractEvent) error {
	return c.each(func(h Handler) error { return h.OnContractCancelled(ctx, e) })
}

func (c Chain) OnContractExpired(ctx context.Context, e *ContractEvent) error {
	return c.each(func(h Handler) error { return h.OnContractExpired(ctx, e) })
}

func (c Chain) OnInvoiceCreated(ctx context.Context, e *InvoiceEvent) error {
	return c.each(func(h Handler) error { return h.OnInvoiceCreated(ctx, e) })
}

func (c Chain) OnInvoicePaid(ctx context.Context, e *InvoiceEvent) error {
	return c.each(func(h Handler) error { return h.OnInvoicePaid(ctx, e) })
}

func (c Chain) OnInvoiceFailed(ctx context.Context, e *InvoiceEvent) error {
	return c.each(func(h Handler) error { return h.OnInvoiceFailed(ctx, e) })
}

func (c Chain) OnCreditApplied(ctx context.Context, e *CreditEvent) error {
	return c.each(func(h Handler) error { return h.OnCreditApplied(ctx, e) })
}

func (c Chain) OnPaymentMethodAttached(ctx context.Context, e *PaymentMethodEvent) error {
	return c.each(func(h Handler) error { return h.OnPaymentMethodAttached(ctx, e) })
}

func (c Chain) OnPaymentMethodDetached(ctx context.Context, e *PaymentMethodEvent) error {
	return c.each(func(h Handler) error { return h.OnPaymentMethodDetached(ctx, e) })
}

func (c Chain) OnPaymentIntentSucceeded(ctx context.Context, e *PaymentIntentEvent) error {
	return c.each(func(h Handler) error { return h.OnPaymentIntentSucceeded(ctx, e) })
}

func (c Chain) OnPaymentIntentFailed(ctx context.Context, e *PaymentIntentEvent) error {
	return c.each(func(h Handler) error { return h.OnPaymentIntentFailed(ctx, e) })
}

func (c Chain) OnUnhandled(ctx context.Context, e *UnhandledEvent) error {
	return c.each(func(h Handler) error { return h.OnUnhandled(ctx, e) })
}
