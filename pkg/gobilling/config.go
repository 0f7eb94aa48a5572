package gobilling

import "time"

// Config holds manager configuration
type Config struct {
	// Catalog is the tier price list (default: DefaultCatalog())
	Catalog *Catalog

	// Currency is the ISO currency code used for invoices, credits and charges (default: "usd")
	Currency string

	// RemoteTimeout bounds every provider call (default: 10 seconds)
	RemoteTimeout time.Duration

	// Retry configures retries of authoritative provider calls.
	// ShouldRetry defaults to RetryRemote.
	Retry RetryConfig

	// InvoiceDueIn is added to the change instant to compute an invoice due date (default: 30 days)
	InvoiceDueIn time.Duration

	// CircuitBreakerConfig wraps the subscription provider in a circuit breaker when enabled
	CircuitBreakerConfig *CircuitBreakerConfig

	// Logger for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics for tier changes and provider calls (default: NoopMetrics)
	Metrics Metrics

	// Clock returns the current instant (default: time.Now in UTC)
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Catalog == nil {
		c.Catalog = DefaultCatalog()
	}
	if c.Currency == "" {
		c.Currency = "usd"
	}
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = 10 * time.Second
	}
	if c.Retry.ShouldRetry == nil {
		c.Retry.ShouldRetry = RetryRemote
	}
	c.Retry = c.Retry.withDefaults()
	if c.InvoiceDueIn <= 0 {
		c.InvoiceDueIn = 30 * 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Clock == nil {
		c.Clock = func() time.Time { return time.Now().UTC() }
	}
	return c
}
