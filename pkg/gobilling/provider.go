package gobilling

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// CreateCustomerRequest describes a customer to create at a provider
type CreateCustomerRequest struct {
	EntityID string
	Name     string
	Email    string

	// IdempotencyKey lets the provider return the customer of a retried create
	IdempotencyKey string
}

// CreateContractRequest describes a new contract
type CreateContractRequest struct {
	CustomerID    string
	Tier          Tier
	BillingPeriod BillingPeriod
	StartDate     time.Time
	EndDate       time.Time

	// IdempotencyKey lets the provider return the contract of a retried create
	// instead of opening a second one
	IdempotencyKey string
}

// UpdateContractRequest describes an in-place contract change.
// Zero-valued fields are left unchanged.
type UpdateContractRequest struct {
	BillingPeriod BillingPeriod
	Status        ContractStatus
	EndDate       time.Time
}

// CreateInvoiceRequest describes a new invoice
type CreateInvoiceRequest struct {
	CustomerID string
	ContractID string
	Amount     decimal.Decimal
	Currency   string
	DueDate    time.Time
	LineItems  []LineItem
}

// ApplyCreditRequest describes a signed credit ledger adjustment
type ApplyCreditRequest struct {
	CustomerID  string
	Amount      int64
	Currency    string
	Description string

	// IdempotencyKey lets the provider drop a retried adjustment it already applied
	IdempotencyKey string
}

// SubscriptionProvider is the narrow contract of the subscription/credits engine.
// Each method is a request/response call over an authenticated channel.
type SubscriptionProvider interface {
	CreateCustomer(ctx context.Context, req *CreateCustomerRequest) (*Customer, error)
	CreateContract(ctx context.Context, req *CreateContractRequest) (*Contract, error)
	CancelContract(ctx context.Context, contractID string) (*Contract, error)
	UpdateContract(ctx context.Context, contractID string, req *UpdateContractRequest) (*Contract, error)
	CreateInvoice(ctx context.Context, req *CreateInvoiceRequest) (*Invoice, error)
	PayInvoice(ctx context.Context, invoiceID string) (*Invoice, error)
	ApplyCredit(ctx context.Context, req *ApplyCreditRequest) (*Credit, error)
	GetCreditBalance(ctx context.Context, customerID string) (int64, error)
}

// PaymentRequest describes a charge against a stored payment method
type PaymentRequest struct {
	CustomerID      string
	PaymentMethodID string
	Amount          decimal.Decimal
	Currency        string
	Description     string

	// IdempotencyKey makes retried charges safe
	IdempotencyKey string
	Metadata       map[string]string
}

// PaymentProvider is the narrow contract of the payment processor
type PaymentProvider interface {
	CreateCustomer(ctx context.Context, req *CreateCustomerRequest) (string, error)
	CreatePayment(ctx context.Context, req *PaymentRequest) (*Payment, error)
	ListPaymentMethods(ctx context.Context, customerID string) ([]*PaymentMethod, error)
	AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (*PaymentMethod, error)
	DetachPaymentMethod(ctx context.Context, paymentMethodID string) error
}
