// Package fiber provides Fiber middleware for feature gating
package fiber

import (
	"net/http"
	"net/netip"

	"github.com/gofiber/fiber/v2"

	gogatehttp "github.com/mihaimyh/gogate/middleware/http"
	"github.com/mihaimyh/gogate/pkg/gogate"
)

// DecisionKey is the Fiber locals key holding the granting decision
const DecisionKey = "gogate.decision"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Engine is the access engine instance (required)
	Engine *gogate.Engine

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnDenied is called when a feature check denies access
	// If nil, writes a JSON denial with the status from gogatehttp.StatusCode
	OnDenied func(c *fiber.Ctx, decision *gogate.AccessDecision) error

	// OnTierDenied is called when a tier check denies access
	OnTierDenied func(c *fiber.Ctx, decision *gogate.TierDecision) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the check itself fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

func (cfg *Config) validate() {
	if cfg.Engine == nil {
		panic("gogate/fiber: Config.Engine is required")
	}
	if cfg.GetUserID == nil {
		panic("gogate/fiber: Config.GetUserID is required")
	}
}

// RequireFeature creates a Fiber middleware that gates the route behind
// feature. Usage is recorded when the handler returns no error and a status
// below 400.
func RequireFeature(cfg Config, feature string) fiber.Handler {
	cfg.validate()

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			return cfg.unauthorized(c)
		}

		ctx := c.UserContext()
		decision, err := cfg.Engine.CheckAccess(ctx, userID, feature,
			gogate.WithAccessContext(gogate.AccessContext{ClientIP: clientAddr(c)}))
		if err != nil {
			return cfg.fail(c, err)
		}
		if !decision.HasAccess {
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c, decision)
			}
			return c.Status(gogatehttp.StatusCode(decision)).JSON(gogatehttp.NewDenialResponse(decision))
		}

		c.Locals(DecisionKey, decision)
		if err := c.Next(); err != nil {
			return err
		}
		if c.Response().StatusCode() < http.StatusBadRequest {
			cfg.Engine.RecordUsage(ctx, userID, feature)
		}
		return nil
	}
}

// RequireTier creates a Fiber middleware that requires a minimum tier
func RequireTier(cfg Config, tier gogate.Tier) fiber.Handler {
	cfg.validate()
	if !tier.Valid() {
		panic("gogate/fiber: invalid tier " + string(tier))
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			return cfg.unauthorized(c)
		}

		decision, err := cfg.Engine.ValidateMinimumTier(c.UserContext(), userID, tier)
		if err != nil {
			return cfg.fail(c, err)
		}
		if !decision.HasAccess {
			if cfg.OnTierDenied != nil {
				return cfg.OnTierDenied(c, decision)
			}
			return c.Status(gogatehttp.TierStatusCode(decision)).JSON(gogatehttp.NewTierDenialResponse(decision))
		}
		return c.Next()
	}
}

func (cfg *Config) unauthorized(c *fiber.Ctx) error {
	if cfg.OnUnauthorized != nil {
		return cfg.OnUnauthorized(c)
	}
	return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func (cfg *Config) fail(c *fiber.Ctx, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

func clientAddr(c *fiber.Ctx) netip.Addr {
	addr, err := netip.ParseAddr(c.IP())
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}

// DecisionFrom returns the decision stored by RequireFeature
func DecisionFrom(c *fiber.Ctx) (*gogate.AccessDecision, bool) {
	d, ok := c.Locals(DecisionKey).(*gogate.AccessDecision)
	return d, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber locals
//
// Example:
//
//	// In your auth middleware:
//	c.Locals("UserID", userID)
//
//	// In gate middleware config:
//	GetUserID: fiber.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
