package gobilling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	providerSubscriptions = "subscriptions"
	providerPayments      = "payments"

	paymentSucceeded = "succeeded"
)

// Manager orchestrates contract changes against the subscription provider and
// keeps the local mirror in step.
type Manager struct {
	storage       Storage
	subscriptions SubscriptionProvider
	payments      PaymentProvider
	config        Config
	locks         *KeyedMutex
}

// NewManager creates a new contract manager. payments may be nil, in which
// case upgrades are invoiced and left open.
func NewManager(storage Storage, subscriptions SubscriptionProvider, payments PaymentProvider,
	config Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if subscriptions == nil {
		return nil, fmt.Errorf("%w: subscription provider", ErrMissingField)
	}

	config = config.withDefaults()

	if cbc := config.CircuitBreakerConfig; cbc != nil && cbc.Enabled {
		metrics := config.Metrics
		cb := NewDefaultCircuitBreaker(*cbc, func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
		})
		subscriptions = NewCircuitBreakerProvider(subscriptions, cb)
	}

	return &Manager{
		storage:       storage,
		subscriptions: subscriptions,
		payments:      payments,
		config:        config,
		locks:         NewKeyedMutex(),
	}, nil
}

// Catalog returns the manager's tier catalog
func (m *Manager) Catalog() *Catalog {
	return m.config.Catalog
}

// ChangeTier moves an entity's active contract to newTier.
// An empty billingPeriod keeps the current one.
func (m *Manager) ChangeTier(ctx context.Context, entityID string, newTier Tier,
	billingPeriod BillingPeriod) (*TierChangeResult, error) {
	newCfg, err := m.config.Catalog.Get(newTier)
	if err != nil {
		return nil, err
	}
	if billingPeriod != "" && !billingPeriod.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBillingPeriod, billingPeriod)
	}

	unlock := m.locks.Lock(entityID)
	defer unlock()

	entity, err := m.storage.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	active, err := m.activeContract(ctx, entity)
	if err != nil {
		return nil, err
	}
	if billingPeriod == "" {
		billingPeriod = active.BillingPeriod
	}

	if newTier == active.Tier {
		return m.changePeriod(ctx, entity, active, billingPeriod)
	}

	oldCfg, err := m.config.Catalog.Get(active.Tier)
	if err != nil {
		return nil, err
	}

	now := m.config.Clock()
	delta, err := ComputeProration(active, oldCfg, newCfg, billingPeriod, now)
	if err != nil {
		return nil, err
	}
	delta = RoundAmount(delta)
	m.config.Metrics.RecordProration(string(active.Tier), string(newTier), delta.InexactFloat64())

	contract, err := m.swapContract(ctx, active, newTier, billingPeriod, now)
	if err != nil {
		m.config.Metrics.RecordTierChange(string(active.Tier), string(newTier), false)
		return nil, err
	}

	if err := m.adjustCredits(ctx, entity.CustomerID, oldCfg, newCfg, contract.ID); err != nil {
		m.config.Logger.Error("Credit adjustment failed after contract swap",
			F("entityId", entityID),
			F("contractId", contract.ID),
			F("error", err),
		)
		m.config.Metrics.RecordTierChange(string(active.Tier), string(newTier), false)
		return nil, fmt.Errorf("apply credit adjustment: %w", err)
	}

	result := &TierChangeResult{
		EntityID:       entityID,
		OldTier:        active.Tier,
		NewTier:        newTier,
		Contract:       contract,
		ProratedAmount: delta,
	}

	if delta.IsPositive() {
		result.Payment = m.chargeUpgrade(ctx, entity, contract, delta)
	}
	if !delta.IsZero() {
		settled := delta.IsNegative() || (result.Payment != nil && result.Payment.Status == paymentSucceeded)
		result.Invoice = m.issueInvoice(ctx, contract, active.Tier, newTier, billingPeriod, delta, settled, now)
	}

	m.config.Metrics.RecordTierChange(string(active.Tier), string(newTier), true)
	m.config.Logger.Info("Tier changed",
		F("entityId", entityID),
		F("oldTier", string(active.Tier)),
		F("newTier", string(newTier)),
		F("contractId", contract.ID),
		F("proratedAmount", delta.String()),
	)
	return result, nil
}

// changePeriod updates the billing period of the active contract in place
func (m *Manager) changePeriod(ctx context.Context, entity *Entity, active *Contract,
	period BillingPeriod) (*TierChangeResult, error) {
	if period == active.BillingPeriod {
		return nil, fmt.Errorf("%w: %s/%s", ErrAlreadyOnTier, active.Tier, period)
	}

	var updated *Contract
	err := m.remoteRetry(ctx, providerSubscriptions, "update_contract", func(ctx context.Context) error {
		var e error
		updated, e = m.subscriptions.UpdateContract(ctx, active.ID, &UpdateContractRequest{BillingPeriod: period})
		return e
	})
	if err != nil {
		m.config.Metrics.RecordTierChange(string(active.Tier), string(active.Tier), false)
		return nil, err
	}
	m.saveContract(ctx, updated)
	m.config.Metrics.RecordTierChange(string(active.Tier), string(active.Tier), true)

	return &TierChangeResult{
		EntityID:       entity.ID,
		OldTier:        active.Tier,
		NewTier:        active.Tier,
		Contract:       updated,
		ProratedAmount: decimal.Zero,
	}, nil
}

// swapContract cancels the active contract and creates its replacement.
// If creation keeps failing the cancelled contract is reactivated.
func (m *Manager) swapContract(ctx context.Context, active *Contract, tier Tier,
	period BillingPeriod, now time.Time) (*Contract, error) {
	var cancelled *Contract
	err := m.remoteRetry(ctx, providerSubscriptions, "cancel_contract", func(ctx context.Context) error {
		var e error
		cancelled, e = m.subscriptions.CancelContract(ctx, active.ID)
		return e
	})
	if err != nil {
		return nil, err
	}
	m.saveContract(ctx, cancelled)

	key := "contract-" + active.ID + "-" + string(tier)
	contract, createErr := m.createContract(ctx, active.CustomerID, tier, period, now, key)
	if createErr == nil {
		return contract, nil
	}

	m.config.Logger.Warn("Contract creation failed after cancel, reactivating previous contract",
		F("contractId", active.ID),
		F("error", createErr),
	)

	var restored *Contract
	err = m.remoteRetry(ctx, providerSubscriptions, "update_contract", func(ctx context.Context) error {
		var e error
		restored, e = m.subscriptions.UpdateContract(ctx, active.ID,
			&UpdateContractRequest{Status: ContractStatusActive})
		return e
	})
	if err != nil {
		m.config.Logger.Error("Reconciliation failed, customer has no active contract",
			F("customerId", active.CustomerID),
			F("contractId", active.ID),
			F("error", err),
		)
		m.config.Metrics.RecordBestEffortFailure("reconcile_contract")
		return nil, fmt.Errorf("create contract: %w (reactivate %s: %w)", createErr, active.ID, err)
	}
	m.saveContract(ctx, restored)
	return nil, fmt.Errorf("create contract: %w", createErr)
}

// createContract creates an active contract. key is reused on every attempt so a
// create that landed but answered late is not applied twice.
func (m *Manager) createContract(ctx context.Context, customerID string, tier Tier,
	period BillingPeriod, now time.Time, key string) (*Contract, error) {
	req := &CreateContractRequest{
		CustomerID:     customerID,
		Tier:           tier,
		BillingPeriod:  period,
		StartDate:      now,
		EndDate:        PeriodEnd(now, period),
		IdempotencyKey: key,
	}

	var contract *Contract
	err := m.remoteRetry(ctx, providerSubscriptions, "create_contract", func(ctx context.Context) error {
		var e error
		contract, e = m.subscriptions.CreateContract(ctx, req)
		return e
	})
	if err != nil {
		return nil, err
	}
	m.saveContract(ctx, contract)
	return contract, nil
}

// adjustCredits appends the signed credit delta of a tier change to the ledger
func (m *Manager) adjustCredits(ctx context.Context, customerID string, oldCfg, newCfg TierConfig,
	contractID string) error {
	amount := CreditDelta(oldCfg, newCfg)
	if amount == 0 {
		return nil
	}
	desc := fmt.Sprintf("Tier change %s to %s", oldCfg.ID, newCfg.ID)
	return m.applyCredit(ctx, customerID, amount, desc, "credit-"+contractID)
}

func (m *Manager) applyCredit(ctx context.Context, customerID string, amount int64, desc, key string) error {
	req := &ApplyCreditRequest{
		CustomerID:     customerID,
		Amount:         amount,
		Currency:       m.config.Currency,
		Description:    desc,
		IdempotencyKey: key,
	}

	var credit *Credit
	err := m.remoteRetry(ctx, providerSubscriptions, "apply_credit", func(ctx context.Context) error {
		var e error
		credit, e = m.subscriptions.ApplyCredit(ctx, req)
		return e
	})
	if err != nil {
		return err
	}

	if credit == nil {
		credit = &Credit{}
	}
	if credit.ID == "" {
		credit.ID = key
	}
	if credit.CustomerID == "" {
		credit.CustomerID = customerID
		credit.Amount = amount
		credit.Balance = amount
		credit.Currency = m.config.Currency
		credit.Description = desc
	}
	if credit.CreatedAt.IsZero() {
		credit.CreatedAt = m.config.Clock()
	}

	if err := m.storage.AppendCredit(ctx, credit); err != nil {
		m.config.Logger.Warn("Failed to mirror credit",
			F("creditId", credit.ID),
			F("error", err),
		)
		m.config.Metrics.RecordBestEffortFailure("mirror_credit")
	}
	return nil
}

// chargeUpgrade charges the customer's default payment method. Failures are
// logged and swallowed; nil means nothing was charged.
func (m *Manager) chargeUpgrade(ctx context.Context, entity *Entity, contract *Contract,
	amount decimal.Decimal) *Payment {
	if m.payments == nil {
		m.config.Metrics.RecordPayment("skipped")
		return nil
	}

	customer, err := m.storage.GetCustomer(ctx, entity.CustomerID)
	if err != nil || customer.PaymentCustomerID == "" || customer.DefaultPaymentMethodID == "" {
		m.config.Logger.Debug("No payment method on file, invoice stays open",
			F("entityId", entity.ID),
		)
		m.config.Metrics.RecordPayment("skipped")
		return nil
	}

	req := &PaymentRequest{
		CustomerID:      customer.PaymentCustomerID,
		PaymentMethodID: customer.DefaultPaymentMethodID,
		Amount:          amount,
		Currency:        m.config.Currency,
		Description:     fmt.Sprintf("Upgrade to %s", contract.Tier),
		IdempotencyKey:  "upgrade-" + contract.ID,
		Metadata: map[string]string{
			"entity_id":   entity.ID,
			"contract_id": contract.ID,
		},
	}

	var payment *Payment
	err = m.remoteRetry(ctx, providerPayments, "create_payment", func(ctx context.Context) error {
		var e error
		payment, e = m.payments.CreatePayment(ctx, req)
		return e
	})
	if err != nil {
		m.config.Logger.Warn("Upgrade payment failed",
			F("entityId", entity.ID),
			F("contractId", contract.ID),
			F("error", err),
		)
		m.config.Metrics.RecordPayment("failed")
		m.config.Metrics.RecordBestEffortFailure("payment")
		return nil
	}

	m.config.Metrics.RecordPayment(payment.Status)
	return payment
}

// issueInvoice creates an invoice for |delta| and pays it when settled is true.
// Failures are logged and swallowed.
func (m *Manager) issueInvoice(ctx context.Context, contract *Contract, oldTier, newTier Tier,
	period BillingPeriod, delta decimal.Decimal, settled bool, now time.Time) *Invoice {
	amount := delta.Abs()
	desc := fmt.Sprintf("Proration %s to %s (%s)", oldTier, newTier, period)
	if delta.IsNegative() {
		desc = fmt.Sprintf("Downgrade credit %s to %s (%s)", oldTier, newTier, period)
	}

	req := &CreateInvoiceRequest{
		CustomerID: contract.CustomerID,
		ContractID: contract.ID,
		Amount:     amount,
		Currency:   m.config.Currency,
		DueDate:    startOfDayUTC(now.Add(m.config.InvoiceDueIn)),
		LineItems: []LineItem{
			{Description: desc, Amount: amount, Quantity: 1},
		},
	}

	var invoice *Invoice
	err := m.remote(ctx, providerSubscriptions, "create_invoice", func(ctx context.Context) error {
		var e error
		invoice, e = m.subscriptions.CreateInvoice(ctx, req)
		return e
	})
	if err != nil {
		m.config.Logger.Warn("Invoice creation failed",
			F("contractId", contract.ID),
			F("error", err),
		)
		m.config.Metrics.RecordBestEffortFailure("create_invoice")
		return nil
	}

	if settled {
		var paid *Invoice
		err := m.remote(ctx, providerSubscriptions, "pay_invoice", func(ctx context.Context) error {
			var e error
			paid, e = m.subscriptions.PayInvoice(ctx, invoice.ID)
			return e
		})
		if err != nil {
			m.config.Logger.Warn("Marking invoice paid failed",
				F("invoiceId", invoice.ID),
				F("error", err),
			)
			m.config.Metrics.RecordBestEffortFailure("pay_invoice")
		} else {
			invoice = paid
		}
	}

	if err := m.storage.SaveInvoice(ctx, invoice); err != nil {
		m.config.Logger.Warn("Failed to mirror invoice",
			F("invoiceId", invoice.ID),
			F("error", err),
		)
		m.config.Metrics.RecordBestEffortFailure("mirror_invoice")
	}
	return invoice
}

// GetSubscriptionStatus returns the active contract and credit balance of an entity
func (m *Manager) GetSubscriptionStatus(ctx context.Context, entityID string) (*SubscriptionStatus, error) {
	entity, err := m.storage.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}

	var (
		active  *Contract
		balance int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		contracts, err := m.storage.ListContracts(gctx, entity.CustomerID)
		if err != nil {
			return err
		}
		active = ActiveContract(contracts)
		return nil
	})
	g.Go(func() error {
		credits, err := m.storage.ListCredits(gctx, entity.CustomerID)
		if err != nil {
			return err
		}
		balance = CreditBalance(credits)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if active == nil {
		return nil, fmt.Errorf("%w: no active contract for entity %s", ErrContractNotFound, entityID)
	}

	return &SubscriptionStatus{
		EntityID:        entityID,
		Contract:        active,
		CreditBalance:   balance,
		NextInvoiceDate: active.EndDate,
	}, nil
}

// CancelSubscription cancels the entity's active contract
func (m *Manager) CancelSubscription(ctx context.Context, entityID string) (*Contract, error) {
	unlock := m.locks.Lock(entityID)
	defer unlock()

	entity, err := m.storage.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	active, err := m.activeContract(ctx, entity)
	if err != nil {
		return nil, err
	}

	var cancelled *Contract
	err = m.remoteRetry(ctx, providerSubscriptions, "cancel_contract", func(ctx context.Context) error {
		var e error
		cancelled, e = m.subscriptions.CancelContract(ctx, active.ID)
		return e
	})
	if err != nil {
		return nil, err
	}
	m.saveContract(ctx, cancelled)

	m.config.Logger.Info("Subscription cancelled",
		F("entityId", entityID),
		F("contractId", cancelled.ID),
	)
	return cancelled, nil
}

// ReactivateSubscription creates a new active contract based on the most recently
// created one. Empty tier or billingPeriod are inherited from that contract.
func (m *Manager) ReactivateSubscription(ctx context.Context, entityID string, tier Tier,
	billingPeriod BillingPeriod) (*Contract, error) {
	unlock := m.locks.Lock(entityID)
	defer unlock()

	entity, err := m.storage.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	contracts, err := m.storage.ListContracts(ctx, entity.CustomerID)
	if err != nil {
		return nil, err
	}
	latest := LatestContract(contracts)
	if latest == nil {
		return nil, fmt.Errorf("%w: entity %s never had a contract", ErrContractNotFound, entityID)
	}
	if active := ActiveContract(contracts); active != nil {
		return nil, fmt.Errorf("%w: contract %s", ErrAlreadyActive, active.ID)
	}

	if tier == "" {
		tier = latest.Tier
	}
	if _, err := m.config.Catalog.Get(tier); err != nil {
		return nil, err
	}
	if billingPeriod == "" {
		billingPeriod = latest.BillingPeriod
	}
	if !billingPeriod.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBillingPeriod, billingPeriod)
	}

	key := "reactivate-" + latest.ID + "-" + string(tier)
	contract, err := m.createContract(ctx, entity.CustomerID, tier, billingPeriod, m.config.Clock(), key)
	if err != nil {
		return nil, err
	}

	m.config.Logger.Info("Subscription reactivated",
		F("entityId", entityID),
		F("contractId", contract.ID),
		F("tier", string(tier)),
	)
	return contract, nil
}

// Subscribe onboards an entity: creates its provider customers, grants the tier's
// credits and creates the first active contract.
func (m *Manager) Subscribe(ctx context.Context, entity *Entity, tier Tier,
	billingPeriod BillingPeriod) (*Contract, error) {
	if entity == nil || entity.ID == "" {
		return nil, fmt.Errorf("%w: entity id", ErrMissingField)
	}
	if strings.TrimSpace(entity.Email) == "" {
		return nil, fmt.Errorf("%w: entity email", ErrMissingField)
	}
	cfg, err := m.config.Catalog.Get(tier)
	if err != nil {
		return nil, err
	}
	if billingPeriod == "" {
		billingPeriod = BillingPeriodMonthly
	}
	if !billingPeriod.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBillingPeriod, billingPeriod)
	}

	unlock := m.locks.Lock(entity.ID)
	defer unlock()

	now := m.config.Clock()
	existing, err := m.storage.GetEntity(ctx, entity.ID)
	switch {
	case err == nil:
		entity.CustomerID = existing.CustomerID
		entity.CreatedAt = existing.CreatedAt
	case errors.Is(err, ErrEntityNotFound):
		entity.CreatedAt = now
	default:
		return nil, err
	}

	var previous *Contract
	if entity.CustomerID != "" {
		contracts, err := m.storage.ListContracts(ctx, entity.CustomerID)
		if err != nil {
			return nil, err
		}
		if active := ActiveContract(contracts); active != nil {
			return nil, fmt.Errorf("%w: contract %s", ErrAlreadyActive, active.ID)
		}
		previous = LatestContract(contracts)
	} else {
		customer, err := m.createCustomer(ctx, entity)
		if err != nil {
			return nil, err
		}
		entity.CustomerID = customer.ID
	}

	key := "subscribe-" + entity.CustomerID
	if previous != nil {
		key += "-" + previous.ID
	}

	entity.UpdatedAt = now
	if err := m.storage.SaveEntity(ctx, entity); err != nil {
		return nil, err
	}

	contract, err := m.createContract(ctx, entity.CustomerID, tier, billingPeriod, now, key+"-"+string(tier))
	if err != nil {
		return nil, err
	}

	if cfg.MonthlyCredits > 0 {
		desc := fmt.Sprintf("Initial %s credits", tier)
		if err := m.applyCredit(ctx, entity.CustomerID, cfg.MonthlyCredits, desc, "credit-"+contract.ID); err != nil {
			return nil, fmt.Errorf("grant initial credits: %w", err)
		}
	}

	m.config.Logger.Info("Entity subscribed",
		F("entityId", entity.ID),
		F("customerId", entity.CustomerID),
		F("tier", string(tier)),
	)
	return contract, nil
}

// createCustomer creates the subscription customer and, best-effort, the payment customer
func (m *Manager) createCustomer(ctx context.Context, entity *Entity) (*Customer, error) {
	req := &CreateCustomerRequest{
		EntityID:       entity.ID,
		Name:           entity.Name,
		Email:          entity.Email,
		IdempotencyKey: "customer-" + entity.ID,
	}

	var customer *Customer
	err := m.remoteRetry(ctx, providerSubscriptions, "create_customer", func(ctx context.Context) error {
		var e error
		customer, e = m.subscriptions.CreateCustomer(ctx, req)
		return e
	})
	if err != nil {
		return nil, err
	}
	if customer.EntityID == "" {
		customer.EntityID = entity.ID
	}

	if m.payments != nil {
		var paymentCustomerID string
		err := m.remote(ctx, providerPayments, "create_customer", func(ctx context.Context) error {
			var e error
			paymentCustomerID, e = m.payments.CreateCustomer(ctx, req)
			return e
		})
		if err != nil {
			m.config.Logger.Warn("Payment customer creation failed",
				F("entityId", entity.ID),
				F("error", err),
			)
			m.config.Metrics.RecordBestEffortFailure("create_payment_customer")
		} else {
			customer.PaymentCustomerID = paymentCustomerID
		}
	}

	if err := m.storage.SaveCustomer(ctx, customer); err != nil {
		return nil, err
	}
	return customer, nil
}

// AttachPaymentMethod attaches a payment method and makes it the default for upgrades
func (m *Manager) AttachPaymentMethod(ctx context.Context, entityID, paymentMethodID string) (*PaymentMethod, error) {
	if m.payments == nil {
		return nil, ErrNoPaymentProvider
	}
	if paymentMethodID == "" {
		return nil, fmt.Errorf("%w: payment method id", ErrMissingField)
	}

	unlock := m.locks.Lock(entityID)
	defer unlock()

	entity, customer, err := m.customerOf(ctx, entityID)
	if err != nil {
		return nil, err
	}

	if customer.PaymentCustomerID == "" {
		req := &CreateCustomerRequest{
			EntityID:       entity.ID,
			Name:           entity.Name,
			Email:          entity.Email,
			IdempotencyKey: "customer-" + entity.ID,
		}
		err := m.remote(ctx, providerPayments, "create_customer", func(ctx context.Context) error {
			var e error
			customer.PaymentCustomerID, e = m.payments.CreateCustomer(ctx, req)
			return e
		})
		if err != nil {
			return nil, err
		}
	}

	var pm *PaymentMethod
	err = m.remote(ctx, providerPayments, "attach_payment_method", func(ctx context.Context) error {
		var e error
		pm, e = m.payments.AttachPaymentMethod(ctx, customer.PaymentCustomerID, paymentMethodID)
		return e
	})
	if err != nil {
		return nil, err
	}

	customer.DefaultPaymentMethodID = pm.ID
	customer.UpdatedAt = m.config.Clock()
	if err := m.storage.SaveCustomer(ctx, customer); err != nil {
		return nil, err
	}
	return pm, nil
}

// DetachPaymentMethod detaches a payment method, clearing the default if it matches
func (m *Manager) DetachPaymentMethod(ctx context.Context, entityID, paymentMethodID string) error {
	if m.payments == nil {
		return ErrNoPaymentProvider
	}

	unlock := m.locks.Lock(entityID)
	defer unlock()

	_, customer, err := m.customerOf(ctx, entityID)
	if err != nil {
		return err
	}

	err = m.remote(ctx, providerPayments, "detach_payment_method", func(ctx context.Context) error {
		return m.payments.DetachPaymentMethod(ctx, paymentMethodID)
	})
	if err != nil {
		return err
	}

	if customer.DefaultPaymentMethodID == paymentMethodID {
		customer.DefaultPaymentMethodID = ""
		customer.UpdatedAt = m.config.Clock()
		return m.storage.SaveCustomer(ctx, customer)
	}
	return nil
}

// ListPaymentMethods lists the entity's stored payment methods
func (m *Manager) ListPaymentMethods(ctx context.Context, entityID string) ([]*PaymentMethod, error) {
	if m.payments == nil {
		return nil, ErrNoPaymentProvider
	}

	_, customer, err := m.customerOf(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if customer.PaymentCustomerID == "" {
		return []*PaymentMethod{}, nil
	}

	var methods []*PaymentMethod
	err = m.remote(ctx, providerPayments, "list_payment_methods", func(ctx context.Context) error {
		var e error
		methods, e = m.payments.ListPaymentMethods(ctx, customer.PaymentCustomerID)
		return e
	})
	return methods, err
}

func (m *Manager) customerOf(ctx context.Context, entityID string) (*Entity, *Customer, error) {
	entity, err := m.storage.GetEntity(ctx, entityID)
	if err != nil {
		return nil, nil, err
	}
	if entity.CustomerID == "" {
		return nil, nil, fmt.Errorf("%w: entity %s", ErrCustomerNotFound, entityID)
	}
	customer, err := m.storage.GetCustomer(ctx, entity.CustomerID)
	if err != nil {
		return nil, nil, err
	}
	return entity, customer, nil
}

func (m *Manager) activeContract(ctx context.Context, entity *Entity) (*Contract, error) {
	if entity.CustomerID == "" {
		return nil, fmt.Errorf("%w: entity %s", ErrCustomerNotFound, entity.ID)
	}
	contracts, err := m.storage.ListContracts(ctx, entity.CustomerID)
	if err != nil {
		return nil, err
	}
	active := ActiveContract(contracts)
	if active == nil {
		return nil, fmt.Errorf("%w: no active contract for entity %s", ErrContractNotFound, entity.ID)
	}
	return active, nil
}

// saveContract mirrors a provider contract. Webhooks repair a failed write.
func (m *Manager) saveContract(ctx context.Context, contract *Contract) {
	if contract == nil {
		return
	}
	if err := m.storage.SaveContract(ctx, contract); err != nil {
		m.config.Logger.Warn("Failed to mirror contract",
			F("contractId", contract.ID),
			F("error", err),
		)
		m.config.Metrics.RecordBestEffortFailure("mirror_contract")
	}
}

// remote runs one provider call under RemoteTimeout and records its outcome
func (m *Manager) remote(ctx context.Context, provider, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, m.config.RemoteTimeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	m.config.Metrics.RecordRemoteCall(provider, op, time.Since(start), err)
	return RemoteError(op, err)
}

// remoteRetry is remote wrapped in Retry
func (m *Manager) remoteRetry(ctx context.Context, provider, op string, fn func(ctx context.Context) error) error {
	return Retry(ctx, func(ctx context.Context) error {
		return m.remote(ctx, provider, op, fn)
	}, m.config.Retry)
}
