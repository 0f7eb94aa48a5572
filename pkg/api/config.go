package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// SubscriptionManager is the part of *gobilling.Manager the API drives
type SubscriptionManager interface {
	GetSubscriptionStatus(ctx context.Context, entityID string) (*gobilling.SubscriptionStatus, error)
	ChangeTier(ctx context.Context, entityID string, tier gobilling.Tier,
		period gobilling.BillingPeriod) (*gobilling.TierChangeResult, error)
	CancelSubscription(ctx context.Context, entityID string) (*gobilling.Contract, error)
	ReactivateSubscription(ctx context.Context, entityID string, tier gobilling.Tier,
		period gobilling.BillingPeriod) (*gobilling.Contract, error)
}

// Replayer re-runs dead-lettered webhook events (typically *billing.Processor)
type Replayer interface {
	ReplayFailed(ctx context.Context) (billing.ReplayResult, error)
}

// Config holds configuration for the billing API handler
type Config struct {
	// Manager is the subscription manager instance (required)
	Manager SubscriptionManager

	// Processor enables the dead-letter replay endpoint when set
	Processor Replayer

	// GetEntityID extracts the entity ID from HTTP request
	// If nil, reads the "entityID" route parameter
	GetEntityID func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger for structured logging (default: NoopLogger)
	Logger gobilling.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	return nil
}

// NewHandler creates a new billing API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetEntityID == nil {
		config.GetEntityID = FromPathParam(entityIDParam)
	}
	if config.Logger == nil {
		config.Logger = &gobilling.NoopLogger{}
	}
	return &Handler{
		config:   config,
		validate: newValidator(),
	}, nil
}

// Helper functions for common EntityID extraction patterns

// FromHeader returns a GetEntityID function that extracts the entity ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetEntityID function that extracts the entity ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if entityID, ok := r.Context().Value(key).(string); ok {
			return entityID
		}
		return ""
	}
}

// FromPathParam returns a GetEntityID function that reads a chi route parameter,
// falling back to the standard library's path values.
func FromPathParam(name string) func(*http.Request) string {
	return func(r *http.Request) string {
		if v := chi.URLParam(r, name); v != "" {
			return v
		}
		return r.PathValue(name)
	}
}
