// Package redis provides a Redis implementation of the gobilling.Storage interface.
// Event log appends and credit ledger appends run as Lua scripts so the
// duplicate check and the write are atomic.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// Storage implements gobilling.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gobilling:")
	KeyPrefix string

	// EventRetention is the number of webhook events kept (default: gobilling.DefaultEventRetention)
	EventRetention int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:      "gobilling:",
		EventRetention: gobilling.DefaultEventRetention,
	}
}

// storedEvent keeps the delivering source next to the wire event
type storedEvent struct {
	gobilling.WebhookEvent
	Source string `json:"source,omitempty"`
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
// On a cluster the prefix should contain a hash tag so multi-key scripts stay on one slot.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "gobilling:"
	}
	if config.EventRetention <= 0 {
		config.EventRetention = gobilling.DefaultEventRetention
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

func (s *Storage) loadScripts() {
	// Append an event unless its ID is known, then trim the log to the retention
	s.scripts["appendEvent"] = redis.NewScript(`
		local listKey = KEYS[1]
		local idsKey = KEYS[2]
		local id = ARGV[1]
		local data = ARGV[2]
		local retention = tonumber(ARGV[3])

		if redis.call('SADD', idsKey, id) == 0 then
			return 0
		end
		redis.call('LPUSH', listKey, data)

		while redis.call('LLEN', listKey) > retention do
			local old = redis.call('RPOP', listKey)
			local ok, decoded = pcall(cjson.decode, old)
			if ok and decoded and decoded.id then
				redis.call('SREM', idsKey, decoded.id)
			end
		end
		return 1
	`)

	// Append a credit row unless its ID is known
	s.scripts["appendCredit"] = redis.NewScript(`
		local listKey = KEYS[1]
		local idsKey = KEYS[2]

		if redis.call('SADD', idsKey, ARGV[1]) == 0 then
			return 0
		end
		redis.call('RPUSH', listKey, ARGV[2])
		return 1
	`)
}

// GetEntity implements gobilling.Storage
func (s *Storage) GetEntity(ctx context.Context, entityID string) (*gobilling.Entity, error) {
	var entity gobilling.Entity
	if err := s.getJSON(ctx, s.key("entity", entityID), &entity, gobilling.ErrEntityNotFound); err != nil {
		return nil, err
	}
	return &entity, nil
}

// SaveEntity implements gobilling.Storage
func (s *Storage) SaveEntity(ctx context.Context, entity *gobilling.Entity) error {
	if entity == nil || entity.ID == "" {
		return fmt.Errorf("%w: entity id", gobilling.ErrMissingField)
	}
	return s.setJSON(ctx, s.key("entity", entity.ID), entity)
}

// GetCustomer implements gobilling.Storage
func (s *Storage) GetCustomer(ctx context.Context, customerID string) (*gobilling.Customer, error) {
	var customer gobilling.Customer
	if err := s.getJSON(ctx, s.key("customer", customerID), &customer, gobilling.ErrCustomerNotFound); err != nil {
		return nil, err
	}
	return &customer, nil
}

// SaveCustomer implements gobilling.Storage
func (s *Storage) SaveCustomer(ctx context.Context, customer *gobilling.Customer) error {
	if customer == nil || customer.ID == "" {
		return fmt.Errorf("%w: customer id", gobilling.ErrMissingField)
	}
	if err := s.setJSON(ctx, s.key("customer", customer.ID), customer); err != nil {
		return err
	}
	if customer.PaymentCustomerID != "" {
		if err := s.client.Set(ctx, s.key("payment_customer", customer.PaymentCustomerID), customer.ID, 0).Err(); err != nil {
			return fmt.Errorf("failed to index payment customer: %w", err)
		}
	}
	return nil
}

// GetCustomerByPaymentCustomerID implements gobilling.Storage
func (s *Storage) GetCustomerByPaymentCustomerID(ctx context.Context, paymentCustomerID string) (*gobilling.Customer, error) {
	if paymentCustomerID == "" {
		return nil, gobilling.ErrCustomerNotFound
	}
	customerID, err := s.client.Get(ctx, s.key("payment_customer", paymentCustomerID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, gobilling.ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up payment customer %s: %w", paymentCustomerID, err)
	}
	customer, err := s.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	// The index outlives a relinked customer
	if customer.PaymentCustomerID != paymentCustomerID {
		return nil, gobilling.ErrCustomerNotFound
	}
	return customer, nil
}

// GetContract implements gobilling.Storage
func (s *Storage) GetContract(ctx context.Context, contractID string) (*gobilling.Contract, error) {
	var contract gobilling.Contract
	if err := s.getJSON(ctx, s.key("contract", contractID), &contract, gobilling.ErrContractNotFound); err != nil {
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

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key("contract", contract.ID), data, 0)
		if contract.CustomerID != "" {
			pipe.SAdd(ctx, s.key("customer", contract.CustomerID, "contracts"), contract.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save contract: %w", err)
	}
	return nil
}

// ListContracts implements gobilling.Storage
func (s *Storage) ListContracts(ctx context.Context, customerID string) ([]*gobilling.Contract, error) {
	ids, err := s.client.SMembers(ctx, s.key("customer", customerID, "contracts")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}

	out := make([]*gobilling.Contract, 0, len(ids))
	err = s.mgetJSON(ctx, "contract", ids, func(raw []byte) error {
		var c gobilling.Contract
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		out = append(out, &c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetInvoice implements gobilling.Storage
func (s *Storage) GetInvoice(ctx context.Context, invoiceID string) (*gobilling.Invoice, error) {
	var invoice gobilling.Invoice
	if err := s.getJSON(ctx, s.key("invoice", invoiceID), &invoice, gobilling.ErrInvoiceNotFound); err != nil {
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

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key("invoice", invoice.ID), data, 0)
		if invoice.CustomerID != "" {
			pipe.SAdd(ctx, s.key("customer", invoice.CustomerID, "invoices"), invoice.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save invoice: %w", err)
	}
	return nil
}

// ListInvoices implements gobilling.Storage
func (s *Storage) ListInvoices(ctx context.Context, customerID string) ([]*gobilling.Invoice, error) {
	ids, err := s.client.SMembers(ctx, s.key("customer", customerID, "invoices")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}

	out := make([]*gobilling.Invoice, 0, len(ids))
	err = s.mgetJSON(ctx, "invoice", ids, func(raw []byte) error {
		var inv gobilling.Invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return err
		}
		out = append(out, &inv)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
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

	keys := []string{s.key("customer", credit.CustomerID, "credits"), s.key("credit_ids")}
	if err := s.scripts["appendCredit"].Run(ctx, s.client, keys, credit.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to append credit: %w", err)
	}
	return nil
}

// ListCredits implements gobilling.Storage
func (s *Storage) ListCredits(ctx context.Context, customerID string) ([]*gobilling.Credit, error) {
	rows, err := s.client.LRange(ctx, s.key("customer", customerID, "credits"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list credits: %w", err)
	}

	out := make([]*gobilling.Credit, 0, len(rows))
	for _, row := range rows {
		var c gobilling.Credit
		if err := json.Unmarshal([]byte(row), &c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal credit: %w", err)
		}
		out = append(out, &c)
	}
	return out, nil
}

// AppendWebhookEvent implements gobilling.Storage
func (s *Storage) AppendWebhookEvent(ctx context.Context, event *gobilling.WebhookEvent) error {
	if event == nil || event.ID == "" {
		return fmt.Errorf("%w: event id", gobilling.ErrMissingField)
	}
	data, err := json.Marshal(storedEvent{WebhookEvent: *event, Source: event.Source})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	keys := []string{s.key("events"), s.key("event_ids")}
	err = s.scripts["appendEvent"].Run(ctx, s.client, keys, event.ID, data, s.config.EventRetention).Err()
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListWebhookEvents implements gobilling.Storage
func (s *Storage) ListWebhookEvents(ctx context.Context, limit int) ([]*gobilling.WebhookEvent, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	rows, err := s.client.LRange(ctx, s.key("events"), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	out := make([]*gobilling.WebhookEvent, 0, len(rows))
	for _, row := range rows {
		var stored storedEvent
		if err := json.Unmarshal([]byte(row), &stored); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		event := stored.WebhookEvent
		event.Source = stored.Source
		out = append(out, &event)
	}
	return out, nil
}

// MarkEventProcessed implements gobilling.Storage
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	if eventID == "" {
		return fmt.Errorf("%w: event id", gobilling.ErrMissingField)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key("processed", eventID), 1, ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// IsEventProcessed implements gobilling.Storage
func (s *Storage) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key("processed", eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return n == 1, nil
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
	if err := s.client.HSet(ctx, s.key("failed"), failed.Event.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to save failed event: %w", err)
	}
	return nil
}

// ListFailedEvents implements gobilling.Storage
func (s *Storage) ListFailedEvents(ctx context.Context) ([]*gobilling.FailedEvent, error) {
	rows, err := s.client.HGetAll(ctx, s.key("failed")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed events: %w", err)
	}

	out := make([]*gobilling.FailedEvent, 0, len(rows))
	for _, row := range rows {
		var f gobilling.FailedEvent
		if err := json.Unmarshal([]byte(row), &f); err != nil {
			return nil, fmt.Errorf("failed to unmarshal failed event: %w", err)
		}
		out = append(out, &f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out, nil
}

// DeleteFailedEvent implements gobilling.Storage
func (s *Storage) DeleteFailedEvent(ctx context.Context, eventID string) error {
	if err := s.client.HDel(ctx, s.key("failed"), eventID).Err(); err != nil {
		return fmt.Errorf("failed to delete failed event: %w", err)
	}
	return nil
}

func (s *Storage) getJSON(ctx context.Context, key string, v interface{}, notFound error) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return notFound
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *Storage) setJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// mgetJSON fetches records by ID, skipping IDs whose record is gone
func (s *Storage) mgetJSON(ctx context.Context, kind string, ids []string, fn func(raw []byte) error) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(kind, id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return err
	}
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		if err := fn([]byte(str)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) key(parts ...string) string {
	key := s.config.KeyPrefix
	for i, p := range parts {
		if i > 0 {
			key += ":"
		}
		key += p
	}
	return key
}

// Close closes the Redis connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
