// Package http provides net/http middleware that gates routes on the caller's subscription tier
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// EntityIDExtractor extracts the billing entity ID from an HTTP request.
// Return empty string if the caller is not authenticated.
type EntityIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Manager reads subscription status (typically *gobilling.Manager)
	Manager gobilling.StatusReader

	// GetEntityID extracts the entity ID from the request (required)
	GetEntityID EntityIDExtractor

	// MinimumTier is the lowest tier allowed through. Empty admits any active contract.
	MinimumTier gobilling.Tier

	// OnUnauthorized is called when no entity ID is present
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnDenied is called when the entity has no active contract or its tier is too low.
	// If nil, returns 402 Payment Required or 403 Forbidden respectively.
	OnDenied func(w http.ResponseWriter, r *http.Request, err error)

	// OnError is called when the status lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

type contextKey struct{}

// StatusFromContext returns the subscription status stored by the middleware
func StatusFromContext(ctx context.Context) (*gobilling.SubscriptionStatus, bool) {
	status, ok := ctx.Value(contextKey{}).(*gobilling.SubscriptionStatus)
	return status, ok
}

// Middleware creates an HTTP middleware that admits only entities on MinimumTier or above
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Manager == nil {
		panic("gobilling/http: Config.Manager is required")
	}
	if config.GetEntityID == nil {
		panic("gobilling/http: Config.GetEntityID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entityID := config.GetEntityID(r)
			if entityID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			status, err := gobilling.RequireTier(r.Context(), config.Manager, entityID, config.MinimumTier)
			if err != nil {
				if gobilling.IsNotFound(err) || errors.Is(err, gobilling.ErrTierRequired) {
					if config.OnDenied != nil {
						config.OnDenied(w, r, err)
					} else {
						http.Error(w, http.StatusText(DeniedStatus(err)), DeniedStatus(err))
					}
					return
				}
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			ctx := context.WithValue(r.Context(), contextKey{}, status)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerFunc creates the middleware for http.HandlerFunc chains
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// DeniedStatus maps a denial to its HTTP status: 403 for a tier that is too low,
// 402 for a missing subscription
func DeniedStatus(err error) int {
	if errors.Is(err, gobilling.ErrTierRequired) {
		return http.StatusForbidden
	}
	return http.StatusPaymentRequired
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// EntityIDKey is the context key for the entity ID
	EntityIDKey ContextKey = "billing:entityID"
)

// FromContext returns an EntityIDExtractor that gets the entity ID from request context
func FromContext(key interface{}) EntityIDExtractor {
	return func(r *http.Request) string {
		if entityID, ok := r.Context().Value(key).(string); ok {
			return entityID
		}
		return ""
	}
}

// FromHeader returns an EntityIDExtractor that gets the entity ID from a header
func FromHeader(headerName string) EntityIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromPathValue returns an EntityIDExtractor that reads a net/http route wildcard
func FromPathValue(name string) EntityIDExtractor {
	return func(r *http.Request) string {
		return r.PathValue(name)
	}
}
