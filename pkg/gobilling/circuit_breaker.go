package gobilling

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker wraps the subscription provider
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// CircuitBreaker defines the interface for a circuit breaker.
type CircuitBreaker interface {
	// Execute executes the given function within the circuit breaker.
	Execute(ctx context.Context, fn func() error) error
	// State returns the current state of the circuit breaker.
	State() CircuitBreakerState
}

// DefaultCircuitBreaker trips after a run of consecutive remote failures.
// Not-found and invalid input errors are answers, not outages, and do not count.
type DefaultCircuitBreaker struct {
	mu sync.RWMutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time
	now                 func() time.Time

	onStateChange func(state CircuitBreakerState)
}

// NewDefaultCircuitBreaker creates a new default circuit breaker.
func NewDefaultCircuitBreaker(cfg CircuitBreakerConfig, onStateChange func(state CircuitBreakerState)) *DefaultCircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &DefaultCircuitBreaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		resetTimeout:     cfg.ResetTimeout,
		now:              time.Now,
		onStateChange:    onStateChange,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState()
}

func (cb *DefaultCircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *DefaultCircuitBreaker) Execute(_ context.Context, fn func() error) error {
	if cb.State() == StateOpen {
		return RemoteError("circuit breaker", ErrCircuitOpen)
	}

	err := fn()
	if err != nil && RetryRemote(err) {
		cb.failure()
		return err
	}

	cb.success()
	return err
}

func (cb *DefaultCircuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.currentState() != StateClosed {
		cb.changeState(StateClosed)
	}
	cb.consecutiveFailures = 0
}

func (cb *DefaultCircuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState()
	cb.consecutiveFailures++
	cb.lastFailureTime = cb.now()

	switch {
	case state == StateHalfOpen:
		cb.state = StateHalfOpen
		cb.changeState(StateOpen)
	case state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold:
		cb.changeState(StateOpen)
	}
}

func (cb *DefaultCircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}

// CircuitBreakerProvider wraps a SubscriptionProvider with circuit breaker protection.
type CircuitBreakerProvider struct {
	provider SubscriptionProvider
	cb       CircuitBreaker
}

// NewCircuitBreakerProvider creates a new provider wrapper with circuit breaker.
func NewCircuitBreakerProvider(provider SubscriptionProvider, cb CircuitBreaker) *CircuitBreakerProvider {
	return &CircuitBreakerProvider{
		provider: provider,
		cb:       cb,
	}
}

func (p *CircuitBreakerProvider) CreateCustomer(ctx context.Context, req *CreateCustomerRequest) (*Customer, error) {
	var customer *Customer
	err := p.cb.Execute(ctx, func() error {
		var e error
		customer, e = p.provider.CreateCustomer(ctx, req)
		return e
	})
	return customer, err
}

func (p *CircuitBreakerProvider) CreateContract(ctx context.Context, req *CreateContractRequest) (*Contract, error) {
	var contract *Contract
	err := p.cb.Execute(ctx, func() error {
		var e error
		contract, e = p.provider.CreateContract(ctx, req)
		return e
	})
	return contract, err
}

func (p *CircuitBreakerProvider) CancelContract(ctx context.Context, contractID string) (*Contract, error) {
	var contract *Contract
	err := p.cb.Execute(ctx, func() error {
		var e error
		contract, e = p.provider.CancelContract(ctx, contractID)
		return e
	})
	return contract, err
}

func (p *CircuitBreakerProvider) UpdateContract(ctx context.Context, contractID string,
	req *UpdateContractRequest) (*Contract, error) {
	var contract *Contract
	err := p.cb.Execute(ctx, func() error {
		var e error
		contract, e = p.provider.UpdateContract(ctx, contractID, req)
		return e
	})
	return contract, err
}

func (p *CircuitBreakerProvider) CreateInvoice(ctx context.Context, req *CreateInvoiceRequest) (*Invoice, error) {
	var invoice *Invoice
	err := p.cb.Execute(ctx, func() error {
		var e error
		invoice, e = p.provider.CreateInvoice(ctx, req)
		return e
	})
	return invoice, err
}

func (p *CircuitBreakerProvider) PayInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	var invoice *Invoice
	err := p.cb.Execute(ctx, func() error {
		var e error
		invoice, e = p.provider.PayInvoice(ctx, invoiceID)
		return e
	})
	return invoice, err
}

func (p *CircuitBreakerProvider) ApplyCredit(ctx context.Context, req *ApplyCreditRequest) (*Credit, error) {
	var credit *Credit
	err := p.cb.Execute(ctx, func() error {
		var e error
		credit, e = p.provider.ApplyCredit(ctx, req)
		return e
	})
	return credit, err
}

func (p *CircuitBreakerProvider) GetCreditBalance(ctx context.Context, customerID string) (int64, error) {
	var balance int64
	err := p.cb.Execute(ctx, func() error {
		var e error
		balance, e = p.provider.GetCreditBalance(ctx, customerID)
		return e
	})
	return balance, err
}
