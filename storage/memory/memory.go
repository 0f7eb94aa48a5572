// Package memory provides an in-memory implementation of the gobilling.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// Config holds in-memory storage configuration
type Config struct {
	// EventRetention is the number of webhook events kept (default: gobilling.DefaultEventRetention)
	EventRetention int

	// Clock is used to expire processed-event markers (default: time.Now)
	Clock func() time.Time
}

// Storage implements gobilling.Storage using in-memory maps
type Storage struct {
	mu     sync.RWMutex
	config Config

	entities  map[string]*gobilling.Entity
	customers map[string]*gobilling.Customer
	contracts map[string]*gobilling.Contract
	invoices  map[string]*gobilling.Invoice

	credits   map[string][]*gobilling.Credit
	creditIDs map[string]struct{}

	// events is ordered oldest first
	events   []*gobilling.WebhookEvent
	eventIDs map[string]struct{}

	// processed maps event ID to expiry; zero means never
	processed map[string]time.Time
	failed    map[string]*gobilling.FailedEvent
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a new in-memory storage adapter with the given config
func NewWithConfig(config Config) *Storage {
	if config.EventRetention <= 0 {
		config.EventRetention = gobilling.DefaultEventRetention
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Storage{
		config:    config,
		entities:  make(map[string]*gobilling.Entity),
		customers: make(map[string]*gobilling.Customer),
		contracts: make(map[string]*gobilling.Contract),
		invoices:  make(map[string]*gobilling.Invoice),
		credits:   make(map[string][]*gobilling.Credit),
		creditIDs: make(map[string]struct{}),
		eventIDs:  make(map[string]struct{}),
		processed: make(map[string]time.Time),
		failed:    make(map[string]*gobilling.FailedEvent),
	}
}

// GetEntity implements gobilling.Storage
func (s *Storage) GetEntity(_ context.Context, entityID string) (*gobilling.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[entityID]
	if !ok {
		return nil, gobilling.ErrEntityNotFound
	}

	// Return a copy to prevent external mutations
	cp := *e
	return &cp, nil
}

// SaveEntity implements gobilling.Storage
func (s *Storage) SaveEntity(_ context.Context, entity *gobilling.Entity) error {
	if entity == nil || entity.ID == "" {
		return fmt.Errorf("%w: entity id", gobilling.ErrMissingField)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entity
	s.entities[entity.ID] = &cp
	return nil
}

// GetCustomer implements gobilling.Storage
func (s *Storage) GetCustomer(_ context.Context, customerID string) (*gobilling.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[customerID]
	if !ok {
		return nil, gobilling.ErrCustomerNotFound
	}
	cp := *c
	return &cp, nil
}

// SaveCustomer implements gobilling.Storage
func (s *Storage) SaveCustomer(_ context.Context, customer *gobilling.Customer) error {
	if customer == nil || customer.ID == "" {
		return fmt.Errorf("%w: customer id", gobilling.ErrMissingField)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *customer
	s.customers[customer.ID] = &cp
	return nil
}

// GetCustomerByPaymentCustomerID implements gobilling.Storage
func (s *Storage) GetCustomerByPaymentCustomerID(_ context.Context, paymentCustomerID string) (*gobilling.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.customers {
		if paymentCustomerID != "" && c.PaymentCustomerID == paymentCustomerID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, gobilling.ErrCustomerNotFound
}

// GetContract implements gobilling.Storage
func (s *Storage) GetContract(_ context.Context, contractID string) (*gobilling.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[contractID]
	if !ok {
		return nil, gobilling.ErrContractNotFound
	}
	cp := *c
	return &cp, nil
}

// SaveContract implements gobilling.Storage
func (s *Storage) SaveContract(_ context.Context, contract *gobilling.Contract) error {
	if contract == nil || contract.ID == "" {
		return fmt.Errorf("%w: contract id", gobilling.ErrMissingField)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *contract
	s.contracts[contract.ID] = &cp
	return nil
}

// ListContracts implements gobilling.Storage
func (s *Storage) ListContracts(_ context.Context, customerID string) ([]*gobilling.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*gobilling.Contract, 0)
	for _, c := range s.contracts {
		if c.CustomerID == customerID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetInvoice implements gobilling.Storage
func (s *Storage) GetInvoice(_ context.Context, invoiceID string) (*gobilling.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[invoiceID]
	if !ok {
		return nil, gobilling.ErrInvoiceNotFound
	}
	return copyInvoice(inv), nil
}

// SaveInvoice implements gobilling.Storage
func (s *Storage) SaveInvoice(_ context.Context, invoice *gobilling.Invoice) error {
	if invoice == nil || invoice.ID == "" {
		return fmt.Errorf("%w: invoice id", gobilling.ErrMissingField)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.invoices[invoice.ID] = copyInvoice(invoice)
	return nil
}

// ListInvoices implements gobilling.Storage
func (s *Storage) ListInvoices(_ context.Context, customerID string) ([]*gobilling.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*gobilling.Invoice, 0)
	for _, inv := range s.invoices {
		if inv.CustomerID == customerID {
			out = append(out, copyInvoice(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AppendCredit implements gobilling.Storage
func (s *Storage) AppendCredit(_ context.Context, credit *gobilling.Credit) error {
	if credit == nil || credit.ID == "" || credit.CustomerID == "" {
		return fmt.Errorf("%w: credit id and customer id", gobilling.ErrMissingField)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.creditIDs[credit.ID]; dup {
		return nil
	}
	cp := *credit
	s.creditIDs[credit.ID] = struct{}{}
	s.credits[credit.CustomerID] = append(s.credits[credit.CustomerID], &cp)
	return nil
}

// ListCredits implements gobilling.Storage
func (s *Storage) ListCredits(_ context.Context, customerID string) ([]*gobilling.Credit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.credits[customerID]
	out := make([]*gobilling.Credit, 0, len(rows))
	for _, c := range rows {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// AppendWebhookEvent implements gobilling.Storage
func (s *Storage) AppendWebhookEvent(_ context.Context, event *gobilling.WebhookEvent) error {
	if event == nil || event.ID == "" {
		return fmt.Errorf("%w: event id", gobilling.ErrMissingField)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.eventIDs[event.ID]; dup {
		return nil
	}
	cp := *event
	s.events = append(s.events, &cp)
	s.eventIDs[event.ID] = struct{}{}

	if over := len(s.events) - s.config.EventRetention; over > 0 {
		for _, old := range s.events[:over] {
			delete(s.eventIDs, old.ID)
		}
		s.events = append([]*gobilling.WebhookEvent(nil), s.events[over:]...)
	}
	return nil
}

// ListWebhookEvents implements gobilling.Storage
func (s *Storage) ListWebhookEvents(_ context.Context, limit int) ([]*gobilling.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	out := make([]*gobilling.WebhookEvent, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.events[i]
		out = append(out, &cp)
	}
	return out, nil
}

// MarkEventProcessed implements gobilling.Storage
func (s *Storage) MarkEventProcessed(_ context.Context, eventID string, ttl time.Duration) error {
	if eventID == "" {
		return fmt.Errorf("%w: event id", gobilling.ErrMissingField)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var expiry time.Time
	if ttl > 0 {
		expiry = s.config.Clock().Add(ttl)
	}
	s.processed[eventID] = expiry
	return nil
}

// IsEventProcessed implements gobilling.Storage
func (s *Storage) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	now := s.config.Clock()
	expired := func(expiry time.Time) bool {
		return !expiry.IsZero() && !now.Before(expiry)
	}

	s.mu.RLock()
	expiry, ok := s.processed[eventID]
	s.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if !expired(expiry) {
		return true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// The marker may have been renewed since the read lock was released
	expiry, ok = s.processed[eventID]
	if !ok || expired(expiry) {
		delete(s.processed, eventID)
		return false, nil
	}
	return true, nil
}

// SaveFailedEvent implements gobilling.Storage
func (s *Storage) SaveFailedEvent(_ context.Context, failed *gobilling.FailedEvent) error {
	if failed == nil || failed.Event.ID == "" {
		return fmt.Errorf("%w: event id", gobilling.ErrMissingField)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *failed
	s.failed[failed.Event.ID] = &cp
	return nil
}

// ListFailedEvents implements gobilling.Storage
func (s *Storage) ListFailedEvents(_ context.Context) ([]*gobilling.FailedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*gobilling.FailedEvent, 0, len(s.failed))
	for _, f := range s.failed {
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out, nil
}

// DeleteFailedEvent implements gobilling.Storage
func (s *Storage) DeleteFailedEvent(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.failed, eventID)
	return nil
}

func copyInvoice(inv *gobilling.Invoice) *gobilling.Invoice {
	cp := *inv
	cp.LineItems = append([]gobilling.LineItem(nil), inv.LineItems...)
	return &cp
}
