package gobilling

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Tier identifies a subscription tier in the catalog
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierTeam       Tier = "team"
	TierEnterprise Tier = "enterprise"
)

// BillingPeriod is the length of a contract's billing cycle
type BillingPeriod string

const (
	// BillingPeriodMonthly renews every calendar month (anniversary-based)
	BillingPeriodMonthly BillingPeriod = "monthly"
	// BillingPeriodYearly renews every year
	BillingPeriodYearly BillingPeriod = "yearly"
)

// ContractStatus is the lifecycle state of a contract
type ContractStatus string

const (
	ContractStatusActive    ContractStatus = "active"
	ContractStatusCancelled ContractStatus = "cancelled"
	ContractStatusExpired   ContractStatus = "expired"
	ContractStatusPending   ContractStatus = "pending"
)

// InvoiceStatus is the lifecycle state of an invoice
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "draft"
	InvoiceStatusOpen          InvoiceStatus = "open"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusVoid          InvoiceStatus = "void"
	InvoiceStatusUncollectible InvoiceStatus = "uncollectible"
)

// Entity is the first-party owner of a subscription (a user or an organization)
type Entity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`

	// CustomerID is the subscription provider's customer identifier
	CustomerID string `json:"customerId"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Customer mirrors the subscription provider's customer record
type Customer struct {
	ID       string `json:"id"`
	EntityID string `json:"entityId"`
	Email    string `json:"email"`
	Name     string `json:"name"`

	// PaymentCustomerID is the payment provider's customer identifier
	PaymentCustomerID string `json:"paymentCustomerId,omitempty"`

	// DefaultPaymentMethodID is charged for upgrades. Empty means upgrades are invoiced
	// and left open.
	DefaultPaymentMethodID string `json:"defaultPaymentMethodId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Contract is the subscription provider's representation of a customer's tier and period
type Contract struct {
	ID            string         `json:"id"`
	CustomerID    string         `json:"customerId"`
	Tier          Tier           `json:"tier"`
	Status        ContractStatus `json:"status"`
	BillingPeriod BillingPeriod  `json:"billingPeriod"`
	StartDate     time.Time      `json:"startDate"`
	EndDate       time.Time      `json:"endDate"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// IsActive reports whether the contract is the customer's current one
func (c *Contract) IsActive() bool {
	return c != nil && c.Status == ContractStatusActive
}

// LineItem is a single charge on an invoice
type LineItem struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Quantity    int64           `json:"quantity"`
}

// Invoice is a billing artifact created by a billable tier change
type Invoice struct {
	ID         string          `json:"id"`
	CustomerID string          `json:"customerId"`
	ContractID string          `json:"contractId"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Status     InvoiceStatus   `json:"status"`
	DueDate    time.Time       `json:"dueDate"`
	LineItems  []LineItem      `json:"lineItems"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Credit is one row of a customer's credit ledger.
// Rows are appended and never mutated; a customer's balance is the sum of Balance over all rows.
type Credit struct {
	ID          string    `json:"id"`
	CustomerID  string    `json:"customerId"`
	Amount      int64     `json:"amount"`
	Balance     int64     `json:"balance"`
	Currency    string    `json:"currency"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// WebhookEvent is an inbound notification from a provider.
// The JSON shape {id, type, data, createdAt} is the wire format and must not change.
type WebhookEvent struct {
	ID        string          `json:"id" validate:"required"`
	Type      string          `json:"type" validate:"required"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt" validate:"required"`

	// Source is the provider that delivered the event. Not part of the wire format.
	Source string `json:"-"`
}

// FailedEvent is a dead-letter record for an event whose handler kept failing
type FailedEvent struct {
	Event    WebhookEvent `json:"event"`
	Source   string       `json:"source"`
	Error    string       `json:"error"`
	Attempts int          `json:"attempts"`
	FailedAt time.Time    `json:"failedAt"`
}

// PaymentMethod is a payment provider's stored instrument
type PaymentMethod struct {
	ID         string `json:"id"`
	CustomerID string `json:"customerId"`
	Type       string `json:"type"`
	Brand      string `json:"brand,omitempty"`
	Last4      string `json:"last4,omitempty"`
}

// Payment is the outcome of a charge issued against the payment provider
type Payment struct {
	ID       string          `json:"id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Status   string          `json:"status"`
}

// TierChangeResult is returned by Manager.ChangeTier
type TierChangeResult struct {
	EntityID string    `json:"entityId"`
	OldTier  Tier      `json:"oldTier"`
	NewTier  Tier      `json:"newTier"`
	Contract *Contract `json:"contract"`

	// ProratedAmount is signed: positive means the customer owes money,
	// negative means the customer is owed a credit.
	ProratedAmount decimal.Decimal `json:"proratedAmount"`

	// Invoice and Payment are best-effort artifacts and may be nil
	Invoice *Invoice `json:"invoice,omitempty"`
	Payment *Payment `json:"payment,omitempty"`
}

// SubscriptionStatus is the read model returned by Manager.GetSubscriptionStatus
type SubscriptionStatus struct {
	EntityID        string    `json:"entityId"`
	Contract        *Contract `json:"contract"`
	CreditBalance   int64     `json:"creditBalance"`
	NextInvoiceDate time.Time `json:"nextInvoiceDate"`
}
