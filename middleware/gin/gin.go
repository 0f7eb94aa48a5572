// Package gin provides Gin middleware that gates routes on the caller's subscription tier
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// StatusKey is the Gin context key holding the caller's *gobilling.SubscriptionStatus
const StatusKey = "billing:status"

// EntityIDExtractor extracts the billing entity ID from a Gin context
// Return empty string if the caller is not authenticated
type EntityIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Manager reads subscription status (typically *gobilling.Manager)
	Manager gobilling.StatusReader

	// GetEntityID extracts the entity ID from context (required)
	GetEntityID EntityIDExtractor

	// MinimumTier is the lowest tier allowed through. Empty admits any active contract.
	MinimumTier gobilling.Tier

	// OnUnauthorized is called when no entity ID is present
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnDenied is called when the entity has no active contract or its tier is too low.
	// If nil, returns 402 or 403 JSON.
	OnDenied func(c *gongin.Context, err error)

	// OnError is called when the status lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that admits only entities on MinimumTier or above
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("gobilling/gin: Config.Manager is required")
	}
	if cfg.GetEntityID == nil {
		panic("gobilling/gin: Config.GetEntityID is required")
	}

	return func(c *gongin.Context) {
		entityID := cfg.GetEntityID(c)
		if entityID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		status, err := gobilling.RequireTier(c.Request.Context(), cfg.Manager, entityID, cfg.MinimumTier)
		if err != nil {
			switch {
			case gobilling.IsNotFound(err) || errors.Is(err, gobilling.ErrTierRequired):
				if cfg.OnDenied != nil {
					cfg.OnDenied(c, err)
				} else {
					defaultDenied(c, err, cfg.MinimumTier)
				}
			case cfg.OnError != nil:
				cfg.OnError(c, err)
			default:
				defaultError(c)
			}
			c.Abort()
			return
		}

		c.Set(StatusKey, status)
		c.Next()
	}
}

// StatusFromContext returns the subscription status stored by the middleware
func StatusFromContext(c *gongin.Context) (*gobilling.SubscriptionStatus, bool) {
	val, exists := c.Get(StatusKey)
	if !exists {
		return nil, false
	}
	status, ok := val.(*gobilling.SubscriptionStatus)
	return status, ok
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultDenied(c *gongin.Context, err error, required gobilling.Tier) {
	if errors.Is(err, gobilling.ErrTierRequired) {
		c.JSON(http.StatusForbidden, gongin.H{
			"error":         "Subscription tier too low",
			"required_tier": required,
		})
		return
	}
	c.JSON(http.StatusPaymentRequired, gongin.H{"error": "No active subscription"})
}

func defaultError(c *gongin.Context) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Convenience extractors for Entity ID

// FromContext returns an EntityIDExtractor that gets the entity ID from Gin context values.
// Auth middleware typically sets it via c.Set("EntityID", "...").
func FromContext(key string) EntityIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an EntityIDExtractor that gets the entity ID from a header
func FromHeader(headerName string) EntityIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns an EntityIDExtractor that gets the entity ID from a route parameter
func FromParam(paramName string) EntityIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
