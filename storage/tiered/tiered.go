// Package tiered provides a Hot/Cold tiered storage adapter that orchestrates
// fast ephemeral storage (Hot) with durable persistent storage (Cold) using
// different data strategies optimized for each record type.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 cache storage (e.g., Redis, Memory) for lookups by ID
	Hot gobilling.Storage

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold gobilling.Storage

	// AsyncEventLog appends webhook events to Cold from a background worker.
	// If false, appends are synchronous.
	AsyncEventLog bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Hot write or an async Cold write fails.
	// Essential for monitoring consistency drift.
	AsyncErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered storage architecture.
// It orchestrates two storage backends with different strategies per record type:
// - Read-Through: entity, customer, contract and invoice lookups (Hot → Cold)
// - Write-Through: mirror writes and processed markers (Cold → Hot)
// - Cold-Only: the credit ledger, per-customer listings and dead letters
// - Async Audit: the webhook event log
type Storage struct {
	hot  gobilling.Storage
	cold gobilling.Storage
	conf Config

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

var _ gobilling.Storage = (*Storage)(nil)

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncEventLog {
		s.startWorker()
	}

	return s, nil
}

// Close drains the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncEventLog {
		select {
		case <-s.shutdown:
			// Already closed
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background synchronization loop.
// Jobs run sequentially so the event log keeps delivery order.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				if err := job(); err != nil {
					s.reportError(fmt.Errorf("tiered sync failed: %w", err))
				}
			case <-s.shutdown:
				// Drain queue on shutdown
				for {
					select {
					case job := <-s.syncQueue:
						if err := job(); err != nil {
							s.reportError(fmt.Errorf("tiered sync failed: %w", err))
						}
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) reportError(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}

// fillHot writes to Hot after Cold succeeded. Failures are reported, never returned.
func (s *Storage) fillHot(kind, id string, err error) {
	if err != nil {
		s.reportError(fmt.Errorf("tiered storage: hot write of %s %s failed: %w", kind, id, err))
	}
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetEntity implements gobilling.Storage with read-through strategy.
func (s *Storage) GetEntity(ctx context.Context, entityID string) (*gobilling.Entity, error) {
	// 1. Try Hot
	entity, err := s.hot.GetEntity(ctx, entityID)
	if err == nil {
		return entity, nil
	}

	// 2. Try Cold (Source of Truth)
	entity, err = s.cold.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}

	// 3. Populate Hot (Read-Repair)
	s.fillHot("entity", entityID, s.hot.SaveEntity(ctx, entity))
	return entity, nil
}

// GetCustomer implements gobilling.Storage with read-through strategy.
func (s *Storage) GetCustomer(ctx context.Context, customerID string) (*gobilling.Customer, error) {
	customer, err := s.hot.GetCustomer(ctx, customerID)
	if err == nil {
		return customer, nil
	}
	customer, err = s.cold.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	s.fillHot("customer", customerID, s.hot.SaveCustomer(ctx, customer))
	return customer, nil
}

// GetContract implements gobilling.Storage with read-through strategy.
func (s *Storage) GetContract(ctx context.Context, contractID string) (*gobilling.Contract, error) {
	contract, err := s.hot.GetContract(ctx, contractID)
	if err == nil {
		return contract, nil
	}
	contract, err = s.cold.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	s.fillHot("contract", contractID, s.hot.SaveContract(ctx, contract))
	return contract, nil
}

// GetInvoice implements gobilling.Storage with read-through strategy.
func (s *Storage) GetInvoice(ctx context.Context, invoiceID string) (*gobilling.Invoice, error) {
	invoice, err := s.hot.GetInvoice(ctx, invoiceID)
	if err == nil {
		return invoice, nil
	}
	invoice, err = s.cold.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	s.fillHot("invoice", invoiceID, s.hot.SaveInvoice(ctx, invoice))
	return invoice, nil
}

// IsEventProcessed checks Hot first; a miss there falls through to Cold so
// an evicted or expired Hot marker never reopens the idempotency window.
func (s *Storage) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	processed, err := s.hot.IsEventProcessed(ctx, eventID)
	if err == nil && processed {
		return true, nil
	}
	return s.cold.IsEventProcessed(ctx, eventID)
}

// --- Strategy: Write-Through (Cold → Hot) ---
// Mirror data must be durable first.

// SaveEntity implements gobilling.Storage with write-through strategy.
func (s *Storage) SaveEntity(ctx context.Context, entity *gobilling.Entity) error {
	// 1. Write Cold (Durability)
	if err := s.cold.SaveEntity(ctx, entity); err != nil {
		return err
	}
	// 2. Write Hot (Availability)
	s.fillHot("entity", entity.ID, s.hot.SaveEntity(ctx, entity))
	return nil
}

// SaveCustomer implements gobilling.Storage with write-through strategy.
func (s *Storage) SaveCustomer(ctx context.Context, customer *gobilling.Customer) error {
	if err := s.cold.SaveCustomer(ctx, customer); err != nil {
		return err
	}
	s.fillHot("customer", customer.ID, s.hot.SaveCustomer(ctx, customer))
	return nil
}

// SaveContract implements gobilling.Storage with write-through strategy.
func (s *Storage) SaveContract(ctx context.Context, contract *gobilling.Contract) error {
	if err := s.cold.SaveContract(ctx, contract); err != nil {
		return err
	}
	s.fillHot("contract", contract.ID, s.hot.SaveContract(ctx, contract))
	return nil
}

// SaveInvoice implements gobilling.Storage with write-through strategy.
func (s *Storage) SaveInvoice(ctx context.Context, invoice *gobilling.Invoice) error {
	if err := s.cold.SaveInvoice(ctx, invoice); err != nil {
		return err
	}
	s.fillHot("invoice", invoice.ID, s.hot.SaveInvoice(ctx, invoice))
	return nil
}

// MarkEventProcessed implements gobilling.Storage with write-through strategy.
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	if err := s.cold.MarkEventProcessed(ctx, eventID, ttl); err != nil {
		return err
	}
	s.fillHot("processed marker", eventID, s.hot.MarkEventProcessed(ctx, eventID, ttl))
	return nil
}

// --- Strategy: Cold-Only ---
// Listings must be complete, which only the source of truth guarantees.

// AppendCredit implements gobilling.Storage. The ledger lives in Cold only.
func (s *Storage) AppendCredit(ctx context.Context, credit *gobilling.Credit) error {
	return s.cold.AppendCredit(ctx, credit)
}

// ListContracts implements gobilling.Storage with cold-only strategy.
func (s *Storage) ListContracts(ctx context.Context, customerID string) ([]*gobilling.Contract, error) {
	return s.cold.ListContracts(ctx, customerID)
}

// ListInvoices implements gobilling.Storage with cold-only strategy.
func (s *Storage) ListInvoices(ctx context.Context, customerID string) ([]*gobilling.Invoice, error) {
	return s.cold.ListInvoices(ctx, customerID)
}

// ListCredits implements gobilling.Storage with cold-only strategy.
func (s *Storage) ListCredits(ctx context.Context, customerID string) ([]*gobilling.Credit, error) {
	return s.cold.ListCredits(ctx, customerID)
}

// SaveFailedEvent implements gobilling.Storage with cold-only strategy.
func (s *Storage) SaveFailedEvent(ctx context.Context, failed *gobilling.FailedEvent) error {
	return s.cold.SaveFailedEvent(ctx, failed)
}

// ListFailedEvents implements gobilling.Storage with cold-only strategy.
func (s *Storage) ListFailedEvents(ctx context.Context) ([]*gobilling.FailedEvent, error) {
	return s.cold.ListFailedEvents(ctx)
}

// DeleteFailedEvent implements gobilling.Storage with cold-only strategy.
func (s *Storage) DeleteFailedEvent(ctx context.Context, eventID string) error {
	return s.cold.DeleteFailedEvent(ctx, eventID)
}

// GetCustomerByPaymentCustomerID implements gobilling.Storage with cold-only strategy.
// Hot may not hold every customer, so a hot miss proves nothing.
func (s *Storage) GetCustomerByPaymentCustomerID(ctx context.Context, paymentCustomerID string) (*gobilling.Customer, error) {
	return s.cold.GetCustomerByPaymentCustomerID(ctx, paymentCustomerID)
}

// ListWebhookEvents implements gobilling.Storage with cold-only strategy.
// With AsyncEventLog, events still in the sync queue are not listed yet.
func (s *Storage) ListWebhookEvents(ctx context.Context, limit int) ([]*gobilling.WebhookEvent, error) {
	return s.cold.ListWebhookEvents(ctx, limit)
}

// --- Strategy: Async Audit ---
// The event log is an audit trail off the processing path.

// AppendWebhookEvent implements gobilling.Storage with async-audit strategy.
func (s *Storage) AppendWebhookEvent(ctx context.Context, event *gobilling.WebhookEvent) error {
	if !s.conf.AsyncEventLog {
		return s.cold.AppendWebhookEvent(ctx, event)
	}

	// Clone event to avoid races if the caller reuses it
	clone := *event
	clone.Data = append([]byte(nil), event.Data...)

	// Attempt to enqueue non-blocking
	select {
	case s.syncQueue <- func() error {
		// Context background ensures completion even if request cancels
		return s.cold.AppendWebhookEvent(context.Background(), &clone)
	}:
	default:
		s.reportError(errors.New("tiered storage: sync queue full, dropping event log append"))
	}
	return nil
}

// Cleanup forwards to Cold when it expires processed markers itself
func (s *Storage) Cleanup(ctx context.Context) error {
	if c, ok := s.cold.(interface{ Cleanup(context.Context) error }); ok {
		return c.Cleanup(ctx)
	}
	return nil
}

// Ping checks both tiers when they support it
func (s *Storage) Ping(ctx context.Context) error {
	for _, store := range []gobilling.Storage{s.hot, s.cold} {
		if p, ok := store.(interface{ Ping(context.Context) error }); ok {
			if err := p.Ping(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}
