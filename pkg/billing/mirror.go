package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// MirrorHandler applies provider events to the local mirror.
//
// Events may arrive in any order. A record is only overwritten by an event
// that is newer than the stored copy, and records referring to parents the
// mirror has not seen yet (an invoice before its contract) are stored as-is.
type MirrorHandler struct {
	NopHandler

	storage gobilling.Storage
	logger  gobilling.Logger
	payer   InvoicePayer
}

// InvoicePayer settles an invoice at the subscription provider
type InvoicePayer interface {
	PayInvoice(ctx context.Context, invoiceID string) (*gobilling.Invoice, error)
}

// NewMirrorHandler creates a handler that keeps storage in step with provider events
func NewMirrorHandler(storage gobilling.Storage, logger gobilling.Logger) *MirrorHandler {
	if logger == nil {
		logger = &gobilling.NoopLogger{}
	}
	return &MirrorHandler{storage: storage, logger: logger}
}

// WithInvoicePayer makes settled payments also mark the invoice paid at the provider
func (h *MirrorHandler) WithInvoicePayer(payer InvoicePayer) *MirrorHandler {
	h.payer = payer
	return h
}

// stale reports whether an incoming record is not newer than the stored one.
// Records without UpdatedAt are stamped with the event time.
func stale(stored, incoming *time.Time, at time.Time) bool {
	if incoming.IsZero() {
		*incoming = at
	}
	return !stored.IsZero() && !incoming.After(*stored)
}

func (h *MirrorHandler) OnCustomerCreated(ctx context.Context, e *CustomerEvent) error {
	return h.saveCustomer(ctx, e)
}

func (h *MirrorHandler) OnCustomerUpdated(ctx context.Context, e *CustomerEvent) error {
	return h.saveCustomer(ctx, e)
}

func (h *MirrorHandler) saveCustomer(ctx context.Context, e *CustomerEvent) error {
	incoming := e.Customer

	existing, err := h.storage.GetCustomer(ctx, incoming.ID)
	switch {
	case err == nil:
		if stale(&existing.UpdatedAt, &incoming.UpdatedAt, e.At) {
			h.skip("customer", incoming.ID, e.Kind)
			return nil
		}
		// Payment-side fields are owned locally
		if incoming.PaymentCustomerID == "" {
			incoming.PaymentCustomerID = existing.PaymentCustomerID
		}
		if incoming.DefaultPaymentMethodID == "" {
			incoming.DefaultPaymentMethodID = existing.DefaultPaymentMethodID
		}
		if incoming.EntityID == "" {
			incoming.EntityID = existing.EntityID
		}
	case errors.Is(err, gobilling.ErrNotFound):
		if incoming.UpdatedAt.IsZero() {
			incoming.UpdatedAt = e.At
		}
	default:
		return err
	}

	if err := h.storage.SaveCustomer(ctx, incoming); err != nil {
		return err
	}
	return h.linkEntity(ctx, incoming)
}

// linkEntity attaches a customer to its entity when the entity does not know it yet
func (h *MirrorHandler) linkEntity(ctx context.Context, customer *gobilling.Customer) error {
	if customer.EntityID == "" {
		return nil
	}
	entity, err := h.storage.GetEntity(ctx, customer.EntityID)
	if errors.Is(err, gobilling.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if entity.CustomerID != "" {
		return nil
	}
	entity.CustomerID = customer.ID
	entity.UpdatedAt = customer.UpdatedAt
	return h.storage.SaveEntity(ctx, entity)
}

func (h *MirrorHandler) OnContractCreated(ctx context.Context, e *ContractEvent) error {
	return h.saveContract(ctx, e, "")
}

func (h *MirrorHandler) OnContractUpdated(ctx context.Context, e *ContractEvent) error {
	return h.saveContract(ctx, e, "")
}

func (h *MirrorHandler) OnContractCancelled(ctx context.Context, e *ContractEvent) error {
	return h.saveContract(ctx, e, gobilling.ContractStatusCancelled)
}

func (h *MirrorHandler) OnContractExpired(ctx context.Context, e *ContractEvent) error {
	return h.saveContract(ctx, e, gobilling.ContractStatusExpired)
}

func (h *MirrorHandler) saveContract(ctx context.Context, e *ContractEvent, status gobilling.ContractStatus) error {
	incoming := e.Contract
	if status != "" {
		incoming.Status = status
	}

	existing, err := h.storage.GetContract(ctx, incoming.ID)
	switch {
	case err == nil:
		if stale(&existing.UpdatedAt, &incoming.UpdatedAt, e.At) {
			h.skip("contract", incoming.ID, e.Kind)
			return nil
		}
		if incoming.CreatedAt.IsZero() {
			incoming.CreatedAt = existing.CreatedAt
		}
	case errors.Is(err, gobilling.ErrNotFound):
		if incoming.UpdatedAt.IsZero() {
			incoming.UpdatedAt = e.At
		}
		if incoming.CreatedAt.IsZero() {
			incoming.CreatedAt = e.At
		}
	default:
		return err
	}

	return h.storage.SaveContract(ctx, incoming)
}

func (h *MirrorHandler) OnInvoiceCreated(ctx context.Context, e *InvoiceEvent) error {
	if e.Invoice.Status == "" {
		e.Invoice.Status = gobilling.InvoiceStatusOpen
	}
	return h.saveInvoice(ctx, e)
}

func (h *MirrorHandler) OnInvoicePaid(ctx context.Context, e *InvoiceEvent) error {
	e.Invoice.Status = gobilling.InvoiceStatusPaid
	return h.saveInvoice(ctx, e)
}

func (h *MirrorHandler) OnInvoiceFailed(ctx context.Context, e *InvoiceEvent) error {
	if e.Invoice.Status == "" || e.Invoice.Status == gobilling.InvoiceStatusPaid {
		e.Invoice.Status = gobilling.InvoiceStatusOpen
	}
	h.logger.Warn("Invoice payment failed",
		gobilling.F("invoiceId", e.Invoice.ID),
		gobilling.F("customerId", e.Invoice.CustomerID),
	)
	return h.saveInvoice(ctx, e)
}

func (h *MirrorHandler) saveInvoice(ctx context.Context, e *InvoiceEvent) error {
	incoming := e.Invoice

	existing, err := h.storage.GetInvoice(ctx, incoming.ID)
	switch {
	case err == nil:
		if stale(&existing.UpdatedAt, &incoming.UpdatedAt, e.At) {
			h.skip("invoice", incoming.ID, e.Kind)
			return nil
		}
		// A paid invoice never goes back to open
		if existing.Status == gobilling.InvoiceStatusPaid && incoming.Status == gobilling.InvoiceStatusOpen {
			incoming.Status = gobilling.InvoiceStatusPaid
		}
	case errors.Is(err, gobilling.ErrNotFound):
		if incoming.UpdatedAt.IsZero() {
			incoming.UpdatedAt = e.At
		}
		if incoming.CreatedAt.IsZero() {
			incoming.CreatedAt = e.At
		}
	default:
		return err
	}

	if incoming.ContractID != "" {
		if _, err := h.storage.GetContract(ctx, incoming.ContractID); errors.Is(err, gobilling.ErrNotFound) {
			h.logger.Debug("Invoice references a contract not mirrored yet",
				gobilling.F("invoiceId", incoming.ID),
				gobilling.F("contractId", incoming.ContractID),
			)
		}
	}

	return h.storage.SaveInvoice(ctx, incoming)
}

func (h *MirrorHandler) OnCreditApplied(ctx context.Context, e *CreditEvent) error {
	credit := e.Credit
	if credit.CreatedAt.IsZero() {
		credit.CreatedAt = e.At
	}
	if credit.Balance == 0 && credit.Amount != 0 {
		credit.Balance = credit.Amount
	}
	return h.storage.AppendCredit(ctx, credit)
}

// OnPaymentIntentSucceeded settles the open invoices of the contract named in
// the payment metadata. A contract or invoice not mirrored yet is an error so
// the event is retried or replayed once it is.
func (h *MirrorHandler) OnPaymentIntentSucceeded(ctx context.Context, e *PaymentIntentEvent) error {
	contractID := e.PaymentIntent.Metadata["contract_id"]
	if contractID == "" {
		h.logger.Debug("Payment carries no contract",
			gobilling.F("paymentIntentId", e.PaymentIntent.ID),
		)
		return nil
	}

	contract, err := h.storage.GetContract(ctx, contractID)
	if err != nil {
		return fmt.Errorf("payment %s: %w", e.PaymentIntent.ID, err)
	}
	invoices, err := h.storage.ListInvoices(ctx, contract.CustomerID)
	if err != nil {
		return err
	}

	found := false
	for _, invoice := range invoices {
		if invoice.ContractID != contractID {
			continue
		}
		found = true
		if invoice.Status != gobilling.InvoiceStatusOpen {
			continue
		}
		if err := h.settle(ctx, invoice, e.At); err != nil {
			return err
		}
	}
	if !found {
		return fmt.Errorf("payment %s for contract %s: %w", e.PaymentIntent.ID, contractID, gobilling.ErrInvoiceNotFound)
	}
	return nil
}

func (h *MirrorHandler) settle(ctx context.Context, invoice *gobilling.Invoice, at time.Time) error {
	if h.payer != nil {
		if _, err := h.payer.PayInvoice(ctx, invoice.ID); err != nil {
			return fmt.Errorf("failed to pay invoice %s: %w", invoice.ID, err)
		}
	}
	invoice.Status = gobilling.InvoiceStatusPaid
	if at.After(invoice.UpdatedAt) {
		invoice.UpdatedAt = at
	}
	h.logger.Info("Invoice settled by payment",
		gobilling.F("invoiceId", invoice.ID),
		gobilling.F("contractId", invoice.ContractID),
	)
	return h.storage.SaveInvoice(ctx, invoice)
}

func (h *MirrorHandler) OnPaymentIntentFailed(_ context.Context, e *PaymentIntentEvent) error {
	h.logger.Warn("Payment failed",
		gobilling.F("paymentIntentId", e.PaymentIntent.ID),
		gobilling.F("contractId", e.PaymentIntent.Metadata["contract_id"]),
		gobilling.F("reason", e.PaymentIntent.FailureMessage),
	)
	return nil
}

// OnPaymentMethodAttached makes the method the default of a customer that has none
func (h *MirrorHandler) OnPaymentMethodAttached(ctx context.Context, e *PaymentMethodEvent) error {
	customer, err := h.paymentCustomer(ctx, e.PaymentMethod.CustomerID)
	if customer == nil || err != nil {
		return err
	}
	if customer.DefaultPaymentMethodID != "" {
		return nil
	}
	customer.DefaultPaymentMethodID = e.PaymentMethod.ID
	customer.UpdatedAt = e.At
	return h.storage.SaveCustomer(ctx, customer)
}

// OnPaymentMethodDetached clears the default payment method when it is the detached one
func (h *MirrorHandler) OnPaymentMethodDetached(ctx context.Context, e *PaymentMethodEvent) error {
	customer, err := h.paymentCustomer(ctx, e.PaymentMethod.CustomerID)
	if customer == nil || err != nil {
		return err
	}
	if customer.DefaultPaymentMethodID != e.PaymentMethod.ID {
		return nil
	}
	customer.DefaultPaymentMethodID = ""
	customer.UpdatedAt = e.At
	h.logger.Info("Default payment method detached",
		gobilling.F("customerId", customer.ID),
		gobilling.F("paymentMethodId", e.PaymentMethod.ID),
	)
	return h.storage.SaveCustomer(ctx, customer)
}

// paymentCustomer returns nil without error when no customer is linked
func (h *MirrorHandler) paymentCustomer(ctx context.Context, paymentCustomerID string) (*gobilling.Customer, error) {
	if paymentCustomerID == "" {
		return nil, nil
	}
	customer, err := h.storage.GetCustomerByPaymentCustomerID(ctx, paymentCustomerID)
	if errors.Is(err, gobilling.ErrNotFound) {
		h.logger.Debug("Payment method of unknown customer",
			gobilling.F("paymentCustomerId", paymentCustomerID),
		)
		return nil, nil
	}
	return customer, err
}

func (h *MirrorHandler) skip(kind, id string, event EventType) {
	h.logger.Debug("Ignoring out-of-date event",
		gobilling.F("record", kind),
		gobilling.F("id", id),
		gobilling.F("type", string(event)),
	)
}
