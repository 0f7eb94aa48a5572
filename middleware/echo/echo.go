// Package echo provides Echo middleware that gates routes on the caller's subscription tier
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// StatusKey is the Echo context key holding the caller's *gobilling.SubscriptionStatus
const StatusKey = "billing:status"

// EntityIDExtractor extracts the billing entity ID from an Echo context
// Return empty string if the caller is not authenticated
type EntityIDExtractor func(c echo.Context) string

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
	OnUnauthorized func(c echo.Context) error

	// OnDenied is called when the entity has no active contract or its tier is too low.
	// If nil, returns 402 or 403 JSON.
	OnDenied func(c echo.Context, err error) error

	// OnError is called when the status lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that admits only entities on MinimumTier or above
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("gobilling/echo: Config.Manager is required")
	}
	if cfg.GetEntityID == nil {
		panic("gobilling/echo: Config.GetEntityID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			entityID := cfg.GetEntityID(c)
			if entityID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			status, err := gobilling.RequireTier(c.Request().Context(), cfg.Manager, entityID, cfg.MinimumTier)
			if err != nil {
				if gobilling.IsNotFound(err) || errors.Is(err, gobilling.ErrTierRequired) {
					if cfg.OnDenied != nil {
						return cfg.OnDenied(c, err)
					}
					return defaultDenied(c, err, cfg.MinimumTier)
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			c.Set(StatusKey, status)
			return next(c)
		}
	}
}

// StatusFromContext returns the subscription status stored by the middleware
func StatusFromContext(c echo.Context) (*gobilling.SubscriptionStatus, bool) {
	status, ok := c.Get(StatusKey).(*gobilling.SubscriptionStatus)
	return status, ok
}

func defaultDenied(c echo.Context, err error, required gobilling.Tier) error {
	if errors.Is(err, gobilling.ErrTierRequired) {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error":         "Subscription tier too low",
			"required_tier": string(required),
		})
	}
	return c.JSON(http.StatusPaymentRequired, map[string]string{"error": "No active subscription"})
}

// Convenience extractors for Entity ID

// FromContext returns an EntityIDExtractor that gets the entity ID from Echo context values
func FromContext(key string) EntityIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns an EntityIDExtractor that gets the entity ID from a header
func FromHeader(headerName string) EntityIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns an EntityIDExtractor that gets the entity ID from a route parameter
func FromParam(paramName string) EntityIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
