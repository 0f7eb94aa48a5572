// Package fiber provides Fiber middleware that gates routes on the caller's subscription tier
package fiber

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// StatusKey is the Fiber locals key holding the caller's *gobilling.SubscriptionStatus
const StatusKey = "billing:status"

// EntityIDExtractor extracts the billing entity ID from a Fiber context
// Return empty string if the caller is not authenticated
type EntityIDExtractor func(c *fiber.Ctx) string

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
	OnUnauthorized func(c *fiber.Ctx) error

	// OnDenied is called when the entity has no active contract or its tier is too low.
	// If nil, returns 402 or 403 JSON.
	OnDenied func(c *fiber.Ctx, err error) error

	// OnError is called when the status lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that admits only entities on MinimumTier or above
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("gobilling/fiber: Config.Manager is required")
	}
	if cfg.GetEntityID == nil {
		panic("gobilling/fiber: Config.GetEntityID is required")
	}

	return func(c *fiber.Ctx) error {
		entityID := cfg.GetEntityID(c)
		if entityID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		status, err := gobilling.RequireTier(c.UserContext(), cfg.Manager, entityID, cfg.MinimumTier)
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
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		c.Locals(StatusKey, status)
		return c.Next()
	}
}

// StatusFromContext returns the subscription status stored by the middleware
func StatusFromContext(c *fiber.Ctx) (*gobilling.SubscriptionStatus, bool) {
	status, ok := c.Locals(StatusKey).(*gobilling.SubscriptionStatus)
	return status, ok
}

func defaultDenied(c *fiber.Ctx, err error, required gobilling.Tier) error {
	if errors.Is(err, gobilling.ErrTierRequired) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":         "Subscription tier too low",
			"required_tier": required,
		})
	}
	return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "No active subscription"})
}

// Convenience extractors for Entity ID

// FromLocals returns an EntityIDExtractor that gets the entity ID from Fiber locals
func FromLocals(key string) EntityIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns an EntityIDExtractor that gets the entity ID from a header
func FromHeader(headerName string) EntityIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns an EntityIDExtractor that gets the entity ID from a route parameter
func FromParam(paramName string) EntityIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
