// Package postgres provides a PostgreSQL implementation of the gobilling.Storage interface.
// Records are stored as JSONB documents keyed by provider ID. Inserts that must not
// duplicate (credits, webhook events) rely on ON CONFLICT DO NOTHING.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// Storage implements gobilling.Storage using PostgreSQL
type Storage struct {
	db     *sql.DB
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// EventRetention is the number of webhook events kept (default: gobilling.DefaultEventRetention)
	EventRetention int

	// AutoMigrate creates the tables on startup
	AutoMigrate bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often expired processed markers are deleted

	// Clock is used for processed-marker expiry (default: time.Now)
	Clock func() time.Time
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		EventRetention:  gobilling.DefaultEventRetention,
		AutoMigrate:     true,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS billing_entities (
	id         TEXT PRIMARY KEY,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS billing_customers (
	id         TEXT PRIMARY KEY,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS billing_contracts (
	id          TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	data        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS billing_customers_payment_idx ON billing_customers ((data->>'paymentCustomerId'));
CREATE INDEX IF NOT EXISTS billing_contracts_customer_idx ON billing_contracts (customer_id);
CREATE TABLE IF NOT EXISTS billing_invoices (
	id          TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	data        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS billing_invoices_customer_idx ON billing_invoices (customer_id);
CREATE TABLE IF NOT EXISTS billing_credits (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	customer_id TEXT NOT NULL,
	data        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS billing_credits_customer_idx ON billing_credits (customer_id);
CREATE TABLE IF NOT EXISTS billing_webhook_events (
	seq    BIGSERIAL PRIMARY KEY,
	id     TEXT NOT NULL UNIQUE,
	source TEXT NOT NULL DEFAULT '',
	data   JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS billing_processed_events (
	id         TEXT PRIMARY KEY,
	expires_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS billing_failed_events (
	id        TEXT PRIMARY KEY,
	failed_at TIMESTAMPTZ NOT NULL,
	data      JSONB NOT NULL
);`

// New opens a PostgreSQL storage adapter through the pgx driver
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	db, err := sql.Open("pgx", config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Apply pool settings
	if config.MaxConns > 0 {
		db.SetMaxOpenConns(config.MaxConns)
	}
	if config.MinConns > 0 {
		db.SetMaxIdleConns(config.MinConns)
	}
	if config.MaxConnLifetime > 0 {
		db.SetConnMaxLifetime(config.MaxConnLifetime)
	}
	if config.MaxConnIdleTime > 0 {
		db.SetConnMaxIdleTime(config.MaxConnIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s, err := NewWithDB(ctx, db, config)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing database handle
func NewWithDB(ctx context.Context, db *sql.DB, config Config) (*Storage, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if config.EventRetention <= 0 {
		config.EventRetention = gobilling.DefaultEventRetention
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	s := &Storage{db: db, config: config}
	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
	}

	if config.CleanupEnabled {
		cleanupCtx, cancel := context.WithCancel(context.Background())
		s.stopCleanup = cancel
		go s.startCleanup(cleanupCtx)
	}
	return s, nil
}

// Migrate creates the billing tables if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure billing tables: %w", err)
	}
	return nil
}

// Close stops background cleanup and closes the database
func (s *Storage) Close() error {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	return s.db.Close()
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetEntity implements gobilling.Storage
func (s *Storage) GetEntity(ctx context.Context, entityID string) (*gobilling.Entity, error) {
	var entity gobilling.Entity
	err := s.getDocument(ctx, `SELECT data FROM billing_entities WHERE id = $1`, entityID, &entity, gobilling.ErrEntityNotFound)
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

// SaveEntity implements gobilling.Storage
func (s *Storage) SaveEntity(ctx context.Context, entity *gobilling.Entity) error {
	if entity == nil || entity.ID == "" {
		return fmt.Errorf("%w: entity id", gobilling.ErrMissingField)
	}
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to marshal entity: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO billing_entities (id, data, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		entity.ID, data)
	if err != nil {
		return fmt.Errorf("failed to save entity: %w", err)
	}
	return nil
}

// GetCustomer implements gobilling.Storage
func (s *Storage) GetCustomer(ctx context.Context, customerID string) (*gobilling.Customer, error) {
	var customer gobilling.Customer
	err := s.getDocument(ctx, `SELECT data FROM billing_customers WHERE id = $1`, customerID, &customer, gobilling.ErrCustomerNotFound)
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

// SaveCustomer implements gobilling.Storage
func (s *Storage) SaveCustomer(ctx context.Context, customer *gobilling.Customer) error {
	if customer == nil || customer.ID == "" {
		return fmt.Errorf("%w: customer id", gobilling.ErrMissingField)
	}
	data, err := json.Marshal(customer)
	if err != nil {
		return fmt.Errorf("failed to marshal customer: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO billing_customers (id, data, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		customer.ID, data)
	if err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}

// GetCustomerByPaymentCustomerID implements gobilling.Storage
func (s *Storage) GetCustomerByPaymentCustomerID(ctx context.Context, paymentCustomerID string) (*gobilling.Customer, error) {
	if paymentCustomerID == "" {
		return nil, gobilling.ErrCustomerNotFound
	}
	var customer gobilling.Customer
	err := s.getDocument(ctx, `SELECT data FROM billing_customers WHERE data->>'paymentCustomerId' = $1 LIMIT 1`,
		paymentCustomerID, &customer, gobilling.ErrCustomerNotFound)
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

// GetContract implements gobilling.Storage
func (s *Storage) GetContract(ctx context.Context, contractID string) (*gobilling.Contract, error) {
	var contract gobilling.Contract
	err := s.getDocument(ctx, `SELECT data FROM billing_contracts WHERE id = $1`, contractID, &contract, gobilling.ErrContractNotFound)
	if err != nil {
		return nil, err
	}
	return &contract, nil
}

// SaveContract implements gobilling.Storage
func (s *Storage) SaveContract(ctx context.Context, contract *gobilling.Contract) error {
	if contract == nil || contract.ID == "" {
		return fmt.Errorf("%w: contract id", gobilling.ErrMissingField)
	}
	data, err := json.Marshal(contract)
	if err != nil {
		return fmt.Errorf("failed to marshal contract: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO billing_contracts (id, customer_id, created_at, data) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			customer_id = EXCLUDED.customer_id,
			created_at = EXCLUDED.created_at,
			data = EXCLUDED.data`,
		contract.ID, contract.CustomerID, contract.CreatedAt, data)
	if err != nil {
		return fmt.Errorf("failed to save contract: %w", err)
	}
	return nil
}

// ListContracts implements gobilling.Storage
func (s *Storage) ListContracts(ctx context.Context, customerID string) ([]*gobilling.Contract, error) {
	out := make([]*gobilling.Contract, 0)
	err := s.queryDocuments(ctx, func(raw []byte) error {
		var c gobilling.Contract
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		out = append(out, &c)
		return nil
	}, `SELECT data FROM billing_contracts WHERE customer_id = $1 ORDER BY created_at, id`, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}
	return out, nil
}

// GetInvoice implements gobilling.Storage
func (s *Storage) GetInvoice(ctx context.Context, invoiceID string) (*gobilling.Invoice, error) {
	var invoice gobilling.Invoice
	err := s.getDocument(ctx, `SELECT data FROM billing_invoices WHERE id = $1`, invoiceID, &invoice, gobilling.ErrInvoiceNotFound)
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

// SaveInvoice implements gobilling.Storage
func (s *Storage) SaveInvoice(ctx context.Context, invoice *gobilling.Invoice) error {
	if invoice == nil || invoice.ID == "" {
		return fmt.Errorf("%w: invoice id", gobilling.ErrMissingField)
	}
	data, err := json.Marshal(invoice)
	if err != nil {
		return fmt.Errorf("failed to marshal invoice: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO billing_invoices (id, customer_id, created_at, data) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			customer_id = EXCLUDED.customer_id,
			created_at = EXCLUDED.created_at,
			data = EXCLUDED.data`,
		invoice.ID, invoice.CustomerID, invoice.CreatedAt, data)
	if err != nil {
		return fmt.Errorf("failed to save invoice: %w", err)
	}
	return nil
}

// ListInvoices implements gobilling.Storage
func (s *Storage) ListInvoices(ctx context.Context, customerID string) ([]*gobilling.Invoice, error) {
	out := make([]*gobilling.Invoice, 0)
	err := s.queryDocuments(ctx, func(raw []byte) error {
		var inv gobilling.Invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return err
		}
		out = append(out, &inv)
		return nil
	}, `SELECT data FROM billing_invoices WHERE customer_id = $1 ORDER BY created_at, id`, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	return out, nil
}

// AppendCredit implements gobilling.Storage
func (s *Storage) AppendCredit(ctx context.Context, credit *gobilling.Credit) error {
	if credit == nil || credit.ID == "" || credit.CustomerID == "" {
		return fmt.Errorf("%w: credit id and customer id", gobilling.ErrMissingField)
	}
	data, err := json.Marshal(credit)
	if err != nil {
		return fmt.Errorf("failed to marshal credit: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO billing_credits (id, customer_id, data) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`,
		credit.ID, credit.CustomerID, data)
	if err != nil {
		return fmt.Errorf("failed to append credit: %w", err)
	}
	return nil
}

// ListCredits implements gobilling.Storage
func (s *Storage) ListCredits(ctx context.Context, customerID string) ([]*gobilling.Credit, error) {
	out := make([]*gobilling.Credit, 0)
	err := s.queryDocuments(ctx, func(raw []byte) error {
		var c gobilling.Credit
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		out = append(out, &c)
		return nil
	}, `SELECT data FROM billing_credits WHERE customer_id = $1 ORDER BY seq`, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credits: %w", err)
	}
	return out, nil
}

// AppendWebhookEvent implements gobilling.Storage
func (s *Storage) AppendWebhookEvent(ctx context.Context, event *gobilling.WebhookEvent) error {
	if event == nil || event.ID == "" {
		return fmt.Errorf("%w: event id", gobilling.ErrMissingField)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// Insert and trim in one transaction so the log never exceeds the retention
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO billing_webhook_events (id, source, data) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`,
		event.ID, event.Source, data)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM billing_webhook_events WHERE seq <= (
			SELECT seq FROM billing_webhook_events ORDER BY seq DESC OFFSET $1 LIMIT 1
		)`, s.config.EventRetention)
	if err != nil {
		return fmt.Errorf("failed to trim event log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event: %w", err)
	}
	return nil
}

// ListWebhookEvents implements gobilling.Storage
func (s *Storage) ListWebhookEvents(ctx context.Context, limit int) ([]*gobilling.WebhookEvent, error) {
	query := `SELECT source, data FROM billing_webhook_events ORDER BY seq DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	out := make([]*gobilling.WebhookEvent, 0)
	for rows.Next() {
		var source string
		var raw []byte
		if err := rows.Scan(&source, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var event gobilling.WebhookEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		event.Source = source
		out = append(out, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return out, nil
}

// MarkEventProcessed implements gobilling.Storage
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	if eventID == "" {
		return fmt.Errorf("%w: event id", gobilling.ErrMissingField)
	}

	var expiresAt *time.Time
	if ttl > 0 {
		t := s.config.Clock().Add(ttl).UTC()
		expiresAt = &t
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_processed_events (id, expires_at) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		eventID, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// IsEventProcessed implements gobilling.Storage
func (s *Storage) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var processed bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM billing_processed_events
			WHERE id = $1 AND (expires_at IS NULL OR expires_at > $2)
		)`, eventID, s.config.Clock().UTC()).Scan(&processed)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return processed, nil
}

// SaveFailedEvent implements gobilling.Storage
func (s *Storage) SaveFailedEvent(ctx context.Context, failed *gobilling.FailedEvent) error {
	if failed == nil || failed.Event.ID == "" {
		return fmt.Errorf("%w: event id", gobilling.ErrMissingField)
	}
	data, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("failed to marshal failed event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO billing_failed_events (id, failed_at, data) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET failed_at = EXCLUDED.failed_at, data = EXCLUDED.data`,
		failed.Event.ID, failed.FailedAt, data)
	if err != nil {
		return fmt.Errorf("failed to save failed event: %w", err)
	}
	return nil
}

// ListFailedEvents implements gobilling.Storage
func (s *Storage) ListFailedEvents(ctx context.Context) ([]*gobilling.FailedEvent, error) {
	out := make([]*gobilling.FailedEvent, 0)
	err := s.queryDocuments(ctx, func(raw []byte) error {
		var f gobilling.FailedEvent
		if err := json.Unmarshal(raw, &f); err != nil {
			return err
		}
		out = append(out, &f)
		return nil
	}, `SELECT data FROM billing_failed_events ORDER BY failed_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed events: %w", err)
	}
	return out, nil
}

// DeleteFailedEvent implements gobilling.Storage
func (s *Storage) DeleteFailedEvent(ctx context.Context, eventID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM billing_failed_events WHERE id = $1`, eventID); err != nil {
		return fmt.Errorf("failed to delete failed event: %w", err)
	}
	return nil
}

// Cleanup deletes expired processed-event markers
func (s *Storage) Cleanup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM billing_processed_events WHERE expires_at IS NOT NULL AND expires_at <= $1`,
		s.config.Clock().UTC())
	if err != nil {
		return fmt.Errorf("failed to cleanup processed events: %w", err)
	}
	return nil
}

// startCleanup runs Cleanup until ctx is cancelled by Close
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // the next tick retries
			_ = s.Cleanup(ctx)
		}
	}
}

func (s *Storage) getDocument(ctx context.Context, query, id string, v interface{}, notFound error) error {
	var raw []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", id, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", id, err)
	}
	return nil
}

func (s *Storage) queryDocuments(ctx context.Context, fn func(raw []byte) error, query string, args ...interface{}) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
	return rows.Err()
}
