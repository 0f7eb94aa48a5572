package gobilling

import (
	"context"
	"time"
)

// DefaultEventRetention is the number of webhook events kept in the event log
const DefaultEventRetention = 1000

// Storage defines the interface for the local mirror of provider state.
// Records are keyed by provider-assigned IDs; entities are keyed by the internal ID.
// All methods use concrete types from this package to avoid import cycles.
type Storage interface {
	// GetEntity retrieves an entity. Returns ErrEntityNotFound if it does not exist.
	GetEntity(ctx context.Context, entityID string) (*Entity, error)

	// SaveEntity creates or replaces an entity
	SaveEntity(ctx context.Context, entity *Entity) error

	// GetCustomer retrieves a customer mirror. Returns ErrCustomerNotFound if it does not exist.
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)

	// SaveCustomer creates or replaces a customer mirror
	SaveCustomer(ctx context.Context, customer *Customer) error

	// GetCustomerByPaymentCustomerID finds the customer mirror linked to a payment
	// provider customer. Returns ErrCustomerNotFound if none is linked.
	GetCustomerByPaymentCustomerID(ctx context.Context, paymentCustomerID string) (*Customer, error)

	// GetContract retrieves a contract. Returns ErrContractNotFound if it does not exist.
	GetContract(ctx context.Context, contractID string) (*Contract, error)

	// SaveContract creates or replaces a contract mirror
	SaveContract(ctx context.Context, contract *Contract) error

	// ListContracts returns every contract of a customer regardless of status
	ListContracts(ctx context.Context, customerID string) ([]*Contract, error)

	// GetInvoice retrieves an invoice. Returns ErrInvoiceNotFound if it does not exist.
	GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error)

	// SaveInvoice creates or replaces an invoice mirror
	SaveInvoice(ctx context.Context, invoice *Invoice) error

	// ListInvoices returns every invoice of a customer
	ListInvoices(ctx context.Context, customerID string) ([]*Invoice, error)

	// AppendCredit appends a credit ledger row. Appending a row whose ID already
	// exists is a no-op, so replays never double count.
	AppendCredit(ctx context.Context, credit *Credit) error

	// ListCredits returns the credit ledger of a customer in append order
	ListCredits(ctx context.Context, customerID string) ([]*Credit, error)

	// AppendWebhookEvent appends an event to the log. Appending an event whose ID
	// is already present is a no-op. Only the most recent retention events are kept.
	AppendWebhookEvent(ctx context.Context, event *WebhookEvent) error

	// ListWebhookEvents returns up to limit events, newest first
	ListWebhookEvents(ctx context.Context, limit int) ([]*WebhookEvent, error)

	// MarkEventProcessed records that an event's side effects were applied.
	// ttl of 0 keeps the marker forever.
	MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) error

	// IsEventProcessed reports whether MarkEventProcessed was called for eventID
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)

	// SaveFailedEvent stores (or replaces) a dead-letter record keyed by event ID
	SaveFailedEvent(ctx context.Context, failed *FailedEvent) error

	// ListFailedEvents returns dead-letter records, oldest first
	ListFailedEvents(ctx context.Context) ([]*FailedEvent, error)

	// DeleteFailedEvent removes a dead-letter record
	DeleteFailedEvent(ctx context.Context, eventID string) error
}

// CreditBalance sums the Balance of every ledger row
func CreditBalance(credits []*Credit) int64 {
	var total int64
	for _, c := range credits {
		total += c.Balance
	}
	return total
}

// LatestContract returns the most recently created contract, or nil
func LatestContract(contracts []*Contract) *Contract {
	var latest *Contract
	for _, c := range contracts {
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	return latest
}

// ActiveContract returns the active contract, or nil.
// If the mirror holds several (a lost update), the most recently created wins.
func ActiveContract(contracts []*Contract) *Contract {
	var active []*Contract
	for _, c := range contracts {
		if c.IsActive() {
			active = append(active, c)
		}
	}
	return LatestContract(active)
}
