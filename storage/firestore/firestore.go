// Package firestore provides a Firestore implementation of the gobilling.Storage interface.
// Credit rows and webhook events are created with Create so a second append of the
// same ID fails with AlreadyExists and is treated as a no-op.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// Storage implements gobilling.Storage using Google Cloud Firestore
type Storage struct {
	client *firestore.Client
	config Config
}

// Config holds Firestore storage configuration
type Config struct {
	// EntitiesCollection is the Firestore collection for entities
	// Default: "billing_entities"
	EntitiesCollection string

	// CustomersCollection holds customer mirrors; each customer document has a
	// "credits" subcollection for the ledger. Default: "billing_customers"
	CustomersCollection string

	// ContractsCollection default: "billing_contracts"
	ContractsCollection string

	// InvoicesCollection default: "billing_invoices"
	InvoicesCollection string

	// EventsCollection is the webhook event log. Default: "billing_webhook_events"
	EventsCollection string

	// ProcessedCollection holds processed-event markers. A Firestore TTL policy on
	// "expiresAt" deletes expired markers server side. Default: "billing_processed_events"
	ProcessedCollection string

	// FailedCollection is the dead-letter store. Default: "billing_failed_events"
	FailedCollection string

	// EventRetention is the number of webhook events kept (default: gobilling.DefaultEventRetention)
	EventRetention int

	// Clock is used for processed-marker expiry (default: time.Now)
	Clock func() time.Time
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.EntitiesCollection == "" {
		config.EntitiesCollection = "billing_entities"
	}
	if config.CustomersCollection == "" {
		config.CustomersCollection = "billing_customers"
	}
	if config.ContractsCollection == "" {
		config.ContractsCollection = "billing_contracts"
	}
	if config.InvoicesCollection == "" {
		config.InvoicesCollection = "billing_invoices"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "billing_webhook_events"
	}
	if config.ProcessedCollection == "" {
		config.ProcessedCollection = "billing_processed_events"
	}
	if config.FailedCollection == "" {
		config.FailedCollection = "billing_failed_events"
	}
	if config.EventRetention <= 0 {
		config.EventRetention = gobilling.DefaultEventRetention
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &Storage{client: client, config: config}, nil
}

// GetEntity implements gobilling.Storage
func (s *Storage) GetEntity(ctx context.Context, entityID string) (*gobilling.Entity, error) {
	data, err := s.get(ctx, s.client.Collection(s.config.EntitiesCollection).Doc(entityID), gobilling.ErrEntityNotFound)
	if err != nil {
		return nil, err
	}
	return &gobilling.Entity{
		ID:         entityID,
		Name:       getString(data, "name"),
		Email:      getString(data, "email"),
		CustomerID: getString(data, "customerId"),
		CreatedAt:  getTime(data, "createdAt"),
		UpdatedAt:  getTime(data, "updatedAt"),
	}, nil
}

// SaveEntity implements gobilling.Storage
func (s *Storage) SaveEntity(ctx context.Context, entity *gobilling.Entity) error {
	if entity == nil || entity.ID == "" {
		return fmt.Errorf("%w: entity id", gobilling.ErrMissingField)
	}
	_, err := s.client.Collection(s.config.EntitiesCollection).Doc(entity.ID).Set(ctx, map[string]interface{}{
		"name":       entity.Name,
		"email":      entity.Email,
		"customerId": entity.CustomerID,
		"createdAt":  entity.CreatedAt,
		"updatedAt":  entity.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to save entity: %w", err)
	}
	return nil
}

// GetCustomer implements gobilling.Storage
func (s *Storage) GetCustomer(ctx context.Context, customerID string) (*gobilling.Customer, error) {
	data, err := s.get(ctx, s.client.Collection(s.config.CustomersCollection).Doc(customerID), gobilling.ErrCustomerNotFound)
	if err != nil {
		return nil, err
	}
	return customerFromData(customerID, data), nil
}

// GetCustomerByPaymentCustomerID implements gobilling.Storage
func (s *Storage) GetCustomerByPaymentCustomerID(ctx context.Context, paymentCustomerID string) (*gobilling.Customer, error) {
	if paymentCustomerID == "" {
		return nil, gobilling.ErrCustomerNotFound
	}
	snaps, err := s.client.Collection(s.config.CustomersCollection).
		Where("paymentCustomerId", "==", paymentCustomerID).
		Limit(1).
		Documents(ctx).
		GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query payment customer %s: %w", paymentCustomerID, err)
	}
	if len(snaps) == 0 {
		return nil, gobilling.ErrCustomerNotFound
	}
	return customerFromData(snaps[0].Ref.ID, snaps[0].Data()), nil
}

func customerFromData(customerID string, data map[string]interface{}) *gobilling.Customer {
	return &gobilling.Customer{
		ID:                     customerID,
		EntityID:               getString(data, "entityId"),
		Email:                  getString(data, "email"),
		Name:                   getString(data, "name"),
		PaymentCustomerID:      getString(data, "paymentCustomerId"),
		DefaultPaymentMethodID: getString(data, "defaultPaymentMethodId"),
		CreatedAt:              getTime(data, "createdAt"),
		UpdatedAt:              getTime(data, "updatedAt"),
	}
}

// SaveCustomer implements gobilling.Storage.
// MergeAll keeps the credits subcollection and any unknown fields intact.
func (s *Storage) SaveCustomer(ctx context.Context, customer *gobilling.Customer) error {
	if customer == nil || customer.ID == "" {
		return fmt.Errorf("%w: customer id", gobilling.ErrMissingField)
	}
	_, err := s.client.Collection(s.config.CustomersCollection).Doc(customer.ID).Set(ctx, map[string]interface{}{
		"entityId":               customer.EntityID,
		"email":                  customer.Email,
		"name":                   customer.Name,
		"paymentCustomerId":      customer.PaymentCustomerID,
		"defaultPaymentMethodId": customer.DefaultPaymentMethodID,
		"createdAt":              customer.CreatedAt,
		"updatedAt":              customer.UpdatedAt,
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}

// GetContract implements gobilling.Storage
func (s *Storage) GetContract(ctx context.Context, contractID string) (*gobilling.Contract, error) {
	data, err := s.get(ctx, s.client.Collection(s.config.ContractsCollection).Doc(contractID), gobilling.ErrContractNotFound)
	if err != nil {
		return nil, err
	}
	return contractFromData(contractID, data), nil
}

// SaveContract implements gobilling.Storage
func (s *Storage) SaveContract(ctx context.Context, contract *gobilling.Contract) error {
	if contract == nil || contract.ID == "" {
		return fmt.Errorf("%w: contract id", gobilling.ErrMissingField)
	}
	_, err := s.client.Collection(s.config.ContractsCollection).Doc(contract.ID).Set(ctx, contractData(contract))
	if err != nil {
		return fmt.Errorf("failed to save contract: %w", err)
	}
	return nil
}

// ListContracts implements gobilling.Storage
func (s *Storage) ListContracts(ctx context.Context, customerID string) ([]*gobilling.Contract, error) {
	snaps, err := s.client.Collection(s.config.ContractsCollection).
		Where("customerId", "==", customerID).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}

	out := make([]*gobilling.Contract, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, contractFromData(snap.Ref.ID, snap.Data()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetInvoice implements gobilling.Storage
func (s *Storage) GetInvoice(ctx context.Context, invoiceID string) (*gobilling.Invoice, error) {
	data, err := s.get(ctx, s.client.Collection(s.config.InvoicesCollection).Doc(invoiceID), gobilling.ErrInvoiceNotFound)
	if err != nil {
		return nil, err
	}
	return invoiceFromData(invoiceID, data), nil
}

// SaveInvoice implements gobilling.Storage
func (s *Storage) SaveInvoice(ctx context.Context, invoice *gobilling.Invoice) error {
	if invoice == nil || invoice.ID == "" {
		return fmt.Errorf("%w: invoice id", gobilling.ErrMissingField)
	}
	_, err := s.client.Collection(s.config.InvoicesCollection).Doc(invoice.ID).Set(ctx, invoiceData(invoice))
	if err != nil {
		return fmt.Errorf("failed to save invoice: %w", err)
	}
	return nil
}

// ListInvoices implements gobilling.Storage
func (s *Storage) ListInvoices(ctx context.Context, customerID string) ([]*gobilling.Invoice, error) {
	snaps, err := s.client.Collection(s.config.InvoicesCollection).
		Where("customerId", "==", customerID).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}

	out := make([]*gobilling.Invoice, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, invoiceFromData(snap.Ref.ID, snap.Data()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AppendCredit implements gobilling.Storage
func (s *Storage) AppendCredit(ctx context.Context, credit *gobilling.Credit) error {
	if credit == nil || credit.ID == "" || credit.CustomerID == "" {
		return fmt.Errorf("%w: credit id and customer id", gobilling.ErrMissingField)
	}
	_, err := s.creditsCollection(credit.CustomerID).Doc(credit.ID).Create(ctx, map[string]interface{}{
		"amount":      credit.Amount,
		"balance":     credit.Balance,
		"currency":    credit.Currency,
		"description": credit.Description,
		"createdAt":   credit.CreatedAt,
		"appendedAt":  firestore.ServerTimestamp,
	})
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to append credit: %w", err)
	}
	return nil
}

// ListCredits implements gobilling.Storage
func (s *Storage) ListCredits(ctx context.Context, customerID string) ([]*gobilling.Credit, error) {
	snaps, err := s.creditsCollection(customerID).OrderBy("appendedAt", firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list credits: %w", err)
	}

	out := make([]*gobilling.Credit, 0, len(snaps))
	for _, snap := range snaps {
		data := snap.Data()
		out = append(out, &gobilling.Credit{
			ID:          snap.Ref.ID,
			CustomerID:  customerID,
			Amount:      getInt64(data, "amount"),
			Balance:     getInt64(data, "balance"),
			Currency:    getString(data, "currency"),
			Description: getString(data, "description"),
			CreatedAt:   getTime(data, "createdAt"),
		})
	}
	return out, nil
}

// AppendWebhookEvent implements gobilling.Storage
func (s *Storage) AppendWebhookEvent(ctx context.Context, event *gobilling.WebhookEvent) error {
	if event == nil || event.ID == "" {
		return fmt.Errorf("%w: event id", gobilling.ErrMissingField)
	}

	coll := s.client.Collection(s.config.EventsCollection)
	_, err := coll.Doc(event.ID).Create(ctx, eventData(event))
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return s.trimEvents(ctx, coll)
}

// trimEvents deletes everything older than the newest EventRetention events
func (s *Storage) trimEvents(ctx context.Context, coll *firestore.CollectionRef) error {
	stale, err := coll.OrderBy("appendedAt", firestore.Desc).Offset(s.config.EventRetention).Documents(ctx).GetAll()
	if err != nil {
		return fmt.Errorf("failed to trim event log: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	bw := s.client.BulkWriter(ctx)
	for _, snap := range stale {
		if _, err := bw.Delete(snap.Ref); err != nil {
			bw.End()
			return fmt.Errorf("failed to trim event log: %w", err)
		}
	}
	bw.End()
	return nil
}

// ListWebhookEvents implements gobilling.Storage
func (s *Storage) ListWebhookEvents(ctx context.Context, limit int) ([]*gobilling.WebhookEvent, error) {
	query := s.client.Collection(s.config.EventsCollection).OrderBy("appendedAt", firestore.Desc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	out := make([]*gobilling.WebhookEvent, 0, len(snaps))
	for _, snap := range snaps {
		event := eventFromData(snap.Ref.ID, snap.Data())
		out = append(out, &event)
	}
	return out, nil
}

// MarkEventProcessed implements gobilling.Storage
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	if eventID == "" {
		return fmt.Errorf("%w: event id", gobilling.ErrMissingField)
	}

	data := map[string]interface{}{"processedAt": s.config.Clock()}
	if ttl > 0 {
		data["expiresAt"] = s.config.Clock().Add(ttl)
	}
	if _, err := s.client.Collection(s.config.ProcessedCollection).Doc(eventID).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// IsEventProcessed implements gobilling.Storage.
// TTL deletion is lazy on Firestore, so expiry is checked here as well.
func (s *Storage) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	data, err := s.get(ctx, s.client.Collection(s.config.ProcessedCollection).Doc(eventID), gobilling.ErrNotFound)
	if errors.Is(err, gobilling.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}

	expiresAt := getTime(data, "expiresAt")
	if !expiresAt.IsZero() && !s.config.Clock().Before(expiresAt) {
		return false, nil
	}
	return true, nil
}

// SaveFailedEvent implements gobilling.Storage
func (s *Storage) SaveFailedEvent(ctx context.Context, failed *gobilling.FailedEvent) error {
	if failed == nil || failed.Event.ID == "" {
		return fmt.Errorf("%w: event id", gobilling.ErrMissingField)
	}
	data := eventData(&failed.Event)
	delete(data, "appendedAt")
	data["source"] = failed.Source
	data["error"] = failed.Error
	data["attempts"] = failed.Attempts
	data["failedAt"] = failed.FailedAt

	if _, err := s.client.Collection(s.config.FailedCollection).Doc(failed.Event.ID).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to save failed event: %w", err)
	}
	return nil
}

// ListFailedEvents implements gobilling.Storage
func (s *Storage) ListFailedEvents(ctx context.Context) ([]*gobilling.FailedEvent, error) {
	snaps, err := s.client.Collection(s.config.FailedCollection).OrderBy("failedAt", firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed events: %w", err)
	}

	out := make([]*gobilling.FailedEvent, 0, len(snaps))
	for _, snap := range snaps {
		data := snap.Data()
		out = append(out, &gobilling.FailedEvent{
			Event:    eventFromData(snap.Ref.ID, data),
			Source:   getString(data, "source"),
			Error:    getString(data, "error"),
			Attempts: int(getInt64(data, "attempts")),
			FailedAt: getTime(data, "failedAt"),
		})
	}
	return out, nil
}

// DeleteFailedEvent implements gobilling.Storage
func (s *Storage) DeleteFailedEvent(ctx context.Context, eventID string) error {
	if _, err := s.client.Collection(s.config.FailedCollection).Doc(eventID).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete failed event: %w", err)
	}
	return nil
}

func (s *Storage) get(ctx context.Context, doc *firestore.DocumentRef, notFound error) (map[string]interface{}, error) {
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, notFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", doc.Path, err)
	}
	if !snap.Exists() {
		return nil, notFound
	}
	return snap.Data(), nil
}

func (s *Storage) creditsCollection(customerID string) *firestore.CollectionRef {
	return s.client.Collection(s.config.CustomersCollection).Doc(customerID).Collection("credits")
}

func contractData(c *gobilling.Contract) map[string]interface{} {
	return map[string]interface{}{
		"customerId":    c.CustomerID,
		"tier":          string(c.Tier),
		"status":        string(c.Status),
		"billingPeriod": string(c.BillingPeriod),
		"startDate":     c.StartDate,
		"endDate":       c.EndDate,
		"createdAt":     c.CreatedAt,
		"updatedAt":     c.UpdatedAt,
	}
}

func contractFromData(id string, data map[string]interface{}) *gobilling.Contract {
	return &gobilling.Contract{
		ID:            id,
		CustomerID:    getString(data, "customerId"),
		Tier:          gobilling.Tier(getString(data, "tier")),
		Status:        gobilling.ContractStatus(getString(data, "status")),
		BillingPeriod: gobilling.BillingPeriod(getString(data, "billingPeriod")),
		StartDate:     getTime(data, "startDate"),
		EndDate:       getTime(data, "endDate"),
		CreatedAt:     getTime(data, "createdAt"),
		UpdatedAt:     getTime(data, "updatedAt"),
	}
}

// Money is stored as a decimal string; Firestore has no exact decimal type
func invoiceData(inv *gobilling.Invoice) map[string]interface{} {
	items := make([]map[string]interface{}, 0, len(inv.LineItems))
	for _, li := range inv.LineItems {
		items = append(items, map[string]interface{}{
			"description": li.Description,
			"amount":      li.Amount.String(),
			"quantity":    li.Quantity,
		})
	}
	return map[string]interface{}{
		"customerId": inv.CustomerID,
		"contractId": inv.ContractID,
		"amount":     inv.Amount.String(),
		"currency":   inv.Currency,
		"status":     string(inv.Status),
		"dueDate":    inv.DueDate,
		"lineItems":  items,
		"createdAt":  inv.CreatedAt,
		"updatedAt":  inv.UpdatedAt,
	}
}

func invoiceFromData(id string, data map[string]interface{}) *gobilling.Invoice {
	inv := &gobilling.Invoice{
		ID:         id,
		CustomerID: getString(data, "customerId"),
		ContractID: getString(data, "contractId"),
		Amount:     getDecimal(data, "amount"),
		Currency:   getString(data, "currency"),
		Status:     gobilling.InvoiceStatus(getString(data, "status")),
		DueDate:    getTime(data, "dueDate"),
		CreatedAt:  getTime(data, "createdAt"),
		UpdatedAt:  getTime(data, "updatedAt"),
	}
	if items, ok := data["lineItems"].([]interface{}); ok {
		for _, raw := range items {
			item, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			inv.LineItems = append(inv.LineItems, gobilling.LineItem{
				Description: getString(item, "description"),
				Amount:      getDecimal(item, "amount"),
				Quantity:    getInt64(item, "quantity"),
			})
		}
	}
	return inv
}

func eventData(e *gobilling.WebhookEvent) map[string]interface{} {
	return map[string]interface{}{
		"type":       e.Type,
		"data":       string(e.Data),
		"createdAt":  e.CreatedAt,
		"source":     e.Source,
		"appendedAt": firestore.ServerTimestamp,
	}
}

func eventFromData(id string, data map[string]interface{}) gobilling.WebhookEvent {
	return gobilling.WebhookEvent{
		ID:        id,
		Type:      getString(data, "type"),
		Data:      []byte(getString(data, "data")),
		CreatedAt: getTime(data, "createdAt"),
		Source:    getString(data, "source"),
	}
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func getDecimal(data map[string]interface{}, key string) decimal.Decimal {
	d, err := decimal.NewFromString(getString(data, key))
	if err != nil {
		return decimal.Zero
	}
	return d
}
