package gobilling_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

var errUnavailable = errors.New("503 service unavailable")

// fakeSubscriptions is an in-memory subscription provider with failure injection
type fakeSubscriptions struct {
	mu    sync.Mutex
	seq   int
	clock func() time.Time

	contracts map[string]*gobilling.Contract
	invoices  map[string]*gobilling.Invoice
	credits   []*gobilling.Credit
	calls     map[string]int

	// fail returns an error to inject for an operation and its 1-based call number
	fail func(op string, call int) error
	// block makes an operation wait for context cancellation
	block map[string]bool
	// late makes the next N calls of an operation apply their effect, then
	// answer only after the caller gave up
	late map[string]int

	keys       map[string][]string // idempotency keys seen per operation
	contractOf map[string]string   // idempotency key -> contract ID
}

func newFakeSubscriptions(clock func() time.Time) *fakeSubscriptions {
	return &fakeSubscriptions{
		clock:      clock,
		contracts:  make(map[string]*gobilling.Contract),
		invoices:   make(map[string]*gobilling.Invoice),
		calls:      make(map[string]int),
		block:      make(map[string]bool),
		late:       make(map[string]int),
		keys:       make(map[string][]string),
		contractOf: make(map[string]string),
	}
}

func (f *fakeSubscriptions) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	call := f.calls[op]
	block := f.block[op]
	fail := f.fail
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail != nil {
		return fail(op, call)
	}
	return nil
}

func (f *fakeSubscriptions) keysFor(op string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys[op]...)
}

// answerLate consumes one late answer for op, if any, and reports whether the
// caller must wait for its deadline. Call with f.mu held.
func (f *fakeSubscriptions) answerLate(op string) bool {
	if f.late[op] == 0 {
		return false
	}
	f.late[op]--
	return true
}

func (f *fakeSubscriptions) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeSubscriptions) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func (f *fakeSubscriptions) seed(c *gobilling.Contract) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.contracts[c.ID] = &cp
}

func (f *fakeSubscriptions) activeCount(customerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.contracts {
		if c.CustomerID == customerID && c.IsActive() {
			n++
		}
	}
	return n
}

func (f *fakeSubscriptions) CreateCustomer(ctx context.Context, req *gobilling.CreateCustomerRequest) (*gobilling.Customer, error) {
	if err := f.enter(ctx, "create_customer"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys["create_customer"] = append(f.keys["create_customer"], req.IdempotencyKey)
	now := f.clock()
	return &gobilling.Customer{
		ID:        f.nextID("cus"),
		EntityID:  req.EntityID,
		Email:     req.Email,
		Name:      req.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (f *fakeSubscriptions) CreateContract(ctx context.Context, req *gobilling.CreateContractRequest) (*gobilling.Contract, error) {
	if err := f.enter(ctx, "create_contract"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.keys["create_contract"] = append(f.keys["create_contract"], req.IdempotencyKey)

	// A known key replays the original contract, as an idempotent API does
	if id, ok := f.contractOf[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		cp := *f.contracts[id]
		f.mu.Unlock()
		return &cp, nil
	}

	now := f.clock().Add(time.Duration(f.seq+1) * time.Millisecond)
	c := &gobilling.Contract{
		ID:            f.nextID("ctr"),
		CustomerID:    req.CustomerID,
		Tier:          req.Tier,
		Status:        gobilling.ContractStatusActive,
		BillingPeriod: req.BillingPeriod,
		StartDate:     req.StartDate,
		EndDate:       req.EndDate,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	f.contracts[c.ID] = c
	if req.IdempotencyKey != "" {
		f.contractOf[req.IdempotencyKey] = c.ID
	}
	cp := *c
	late := f.answerLate("create_contract")
	f.mu.Unlock()

	if late {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &cp, nil
}

func (f *fakeSubscriptions) CancelContract(ctx context.Context, contractID string) (*gobilling.Contract, error) {
	if err := f.enter(ctx, "cancel_contract"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[contractID]
	if !ok {
		return nil, gobilling.ErrContractNotFound
	}
	c.Status = gobilling.ContractStatusCancelled
	c.UpdatedAt = f.clock()
	cp := *c
	return &cp, nil
}

func (f *fakeSubscriptions) UpdateContract(ctx context.Context, contractID string,
	req *gobilling.UpdateContractRequest) (*gobilling.Contract, error) {
	if err := f.enter(ctx, "update_contract"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[contractID]
	if !ok {
		return nil, gobilling.ErrContractNotFound
	}
	if req.BillingPeriod != "" {
		c.BillingPeriod = req.BillingPeriod
	}
	if req.Status != "" {
		c.Status = req.Status
	}
	if !req.EndDate.IsZero() {
		c.EndDate = req.EndDate
	}
	c.UpdatedAt = f.clock()
	cp := *c
	return &cp, nil
}

func (f *fakeSubscriptions) CreateInvoice(ctx context.Context, req *gobilling.CreateInvoiceRequest) (*gobilling.Invoice, error) {
	if err := f.enter(ctx, "create_invoice"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	inv := &gobilling.Invoice{
		ID:         f.nextID("inv"),
		CustomerID: req.CustomerID,
		ContractID: req.ContractID,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Status:     gobilling.InvoiceStatusOpen,
		DueDate:    req.DueDate,
		LineItems:  req.LineItems,
		CreatedAt:  f.clock(),
		UpdatedAt:  f.clock(),
	}
	f.invoices[inv.ID] = inv
	cp := *inv
	return &cp, nil
}

func (f *fakeSubscriptions) PayInvoice(ctx context.Context, invoiceID string) (*gobilling.Invoice, error) {
	if err := f.enter(ctx, "pay_invoice"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[invoiceID]
	if !ok {
		return nil, gobilling.ErrInvoiceNotFound
	}
	inv.Status = gobilling.InvoiceStatusPaid
	cp := *inv
	return &cp, nil
}

func (f *fakeSubscriptions) ApplyCredit(ctx context.Context, req *gobilling.ApplyCreditRequest) (*gobilling.Credit, error) {
	if err := f.enter(ctx, "apply_credit"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &gobilling.Credit{
		ID:          f.nextID("crd"),
		CustomerID:  req.CustomerID,
		Amount:      req.Amount,
		Balance:     req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		CreatedAt:   f.clock(),
	}
	f.credits = append(f.credits, c)
	cp := *c
	return &cp, nil
}

func (f *fakeSubscriptions) GetCreditBalance(ctx context.Context, customerID string) (int64, error) {
	if err := f.enter(ctx, "get_credit_balance"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, c := range f.credits {
		if c.CustomerID == customerID {
			total += c.Balance
		}
	}
	return total, nil
}

// fakePayments is an in-memory payment provider
type fakePayments struct {
	mu       sync.Mutex
	status   string
	err      error
	requests []*gobilling.PaymentRequest
	methods  map[string]*gobilling.PaymentMethod
}

func newFakePayments() *fakePayments {
	return &fakePayments{status: "succeeded", methods: make(map[string]*gobilling.PaymentMethod)}
}

func (f *fakePayments) CreateCustomer(_ context.Context, req *gobilling.CreateCustomerRequest) (string, error) {
	return "pcus_" + req.EntityID, nil
}

func (f *fakePayments) CreatePayment(_ context.Context, req *gobilling.PaymentRequest) (*gobilling.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &gobilling.Payment{
		ID:       fmt.Sprintf("pi_%d", len(f.requests)),
		Amount:   req.Amount,
		Currency: req.Currency,
		Status:   f.status,
	}, nil
}

func (f *fakePayments) ListPaymentMethods(_ context.Context, customerID string) ([]*gobilling.PaymentMethod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*gobilling.PaymentMethod
	for _, pm := range f.methods {
		if pm.CustomerID == customerID {
			out = append(out, pm)
		}
	}
	return out, nil
}

func (f *fakePayments) AttachPaymentMethod(_ context.Context, customerID, paymentMethodID string) (*gobilling.PaymentMethod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pm := &gobilling.PaymentMethod{ID: paymentMethodID, CustomerID: customerID, Type: "card", Brand: "visa", Last4: "4242"}
	f.methods[paymentMethodID] = pm
	return pm, nil
}

func (f *fakePayments) DetachPaymentMethod(_ context.Context, paymentMethodID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.methods[paymentMethodID]; !ok {
		return gobilling.ErrNotFound
	}
	delete(f.methods, paymentMethodID)
	return nil
}
