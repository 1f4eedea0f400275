// Package gin provides Gin middleware for feature gating
package gin

import (
	"net/http"
	"net/netip"

	gongin "github.com/gin-gonic/gin"

	gogatehttp "github.com/mihaimyh/gogate/middleware/http"
	"github.com/mihaimyh/gogate/pkg/gogate"
)

// DecisionKey is the Gin context key holding the granting decision
const DecisionKey = "gogate.decision"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Engine is the access engine instance (required)
	Engine *gogate.Engine

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnDenied is called when a feature check denies access
	// If nil, writes a JSON denial with the status from gogatehttp.StatusCode
	OnDenied func(c *gongin.Context, decision *gogate.AccessDecision)

	// OnTierDenied is called when a tier check denies access
	OnTierDenied func(c *gongin.Context, decision *gogate.TierDecision)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the check itself fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

func (cfg *Config) validate() {
	// Validate required configuration at startup (fail fast)
	if cfg.Engine == nil {
		panic("gogate/gin: Config.Engine is required")
	}
	if cfg.GetUserID == nil {
		panic("gogate/gin: Config.GetUserID is required")
	}
}

// RequireFeature creates a Gin middleware that gates the route behind feature.
// Usage is recorded when the handler chain finishes with a status below 400.
func RequireFeature(cfg Config, feature string) gongin.HandlerFunc {
	cfg.validate()

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			cfg.unauthorized(c)
			return
		}

		ctx := c.Request.Context()
		decision, err := cfg.Engine.CheckAccess(ctx, userID, feature,
			gogate.WithAccessContext(gogate.AccessContext{ClientIP: clientAddr(c)}))
		if err != nil {
			cfg.fail(c, err)
			return
		}
		if !decision.HasAccess {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, decision)
			} else {
				c.JSON(gogatehttp.StatusCode(decision), gogatehttp.NewDenialResponse(decision))
			}
			c.Abort()
			return
		}

		c.Set(DecisionKey, decision)
		c.Next()

		if len(c.Errors) == 0 && c.Writer.Status() < http.StatusBadRequest {
			cfg.Engine.RecordUsage(ctx, userID, feature)
		}
	}
}

// RequireTier creates a Gin middleware that requires a minimum tier
func RequireTier(cfg Config, tier gogate.Tier) gongin.HandlerFunc {
	cfg.validate()
	if !tier.Valid() {
		panic("gogate/gin: invalid tier " + string(tier))
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			cfg.unauthorized(c)
			return
		}

		decision, err := cfg.Engine.ValidateMinimumTier(c.Request.Context(), userID, tier)
		if err != nil {
			cfg.fail(c, err)
			return
		}
		if !decision.HasAccess {
			if cfg.OnTierDenied != nil {
				cfg.OnTierDenied(c, decision)
			} else {
				c.JSON(gogatehttp.TierStatusCode(decision), gogatehttp.NewTierDenialResponse(decision))
			}
			c.Abort()
			return
		}
		c.Next()
	}
}

func (cfg *Config) unauthorized(c *gongin.Context) {
	if cfg.OnUnauthorized != nil {
		cfg.OnUnauthorized(c)
	} else {
		c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
	}
	c.Abort()
}

func (cfg *Config) fail(c *gongin.Context, err error) {
	if cfg.OnError != nil {
		cfg.OnError(c, err)
	} else {
		c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
	}
	c.Abort()
}

// clientAddr honours the engine's trusted proxy settings through ClientIP
func clientAddr(c *gongin.Context) netip.Addr {
	addr, err := netip.ParseAddr(c.ClientIP())
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}

// DecisionFrom returns the decision stored by RequireFeature
func DecisionFrom(c *gongin.Context) (*gogate.AccessDecision, bool) {
	v, ok := c.Get(DecisionKey)
	if !ok {
		return nil, false
	}
	d, ok := v.(*gogate.AccessDecision)
	return d, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In gate middleware config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
