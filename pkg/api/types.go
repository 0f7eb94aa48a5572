package api

import "time"

// StatusResponse is the JSON view of an entity's subscription
type StatusResponse struct {
	EntityID        string    `json:"entity_id"`
	ContractID      string    `json:"contract_id"`
	Tier            string    `json:"tier"`
	BillingPeriod   string    `json:"billing_period"`
	Status          string    `json:"status"`
	CreditBalance   int64     `json:"credit_balance"`
	NextInvoiceDate time.Time `json:"next_invoice_date"`
}

// ChangeTierRequest is the body of a tier change
type ChangeTierRequest struct {
	Tier          string `json:"tier" validate:"required,tier"`
	BillingPeriod string `json:"billing_period,omitempty" validate:"omitempty,billing_period"`
}

// ReactivateRequest is the optional body of a reactivation. Empty fields are
// inherited from the most recent contract.
type ReactivateRequest struct {
	Tier          string `json:"tier,omitempty" validate:"omitempty,tier"`
	BillingPeriod string `json:"billing_period,omitempty" validate:"omitempty,billing_period"`
}

// TierChangeResponse is the JSON view of a completed tier change
type TierChangeResponse struct {
	EntityID       string `json:"entity_id"`
	OldTier        string `json:"old_tier"`
	NewTier        string `json:"new_tier"`
	ContractID     string `json:"contract_id"`
	ProratedAmount string `json:"prorated_amount"`
	InvoiceID      string `json:"invoice_id,omitempty"`
	InvoiceStatus  string `json:"invoice_status,omitempty"`
	PaymentID      string `json:"payment_id,omitempty"`
	PaymentStatus  string `json:"payment_status,omitempty"`
}

// ContractResponse is the JSON view of a contract
type ContractResponse struct {
	ID            string    `json:"id"`
	Tier          string    `json:"tier"`
	BillingPeriod string    `json:"billing_period"`
	Status        string    `json:"status"`
	StartDate     time.Time `json:"start_date"`
	EndDate       time.Time `json:"end_date"`
}

// ReplayResponse reports the outcome of a dead-letter replay
type ReplayResponse struct {
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
}
