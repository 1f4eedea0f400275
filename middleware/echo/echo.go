// Package echo provides Echo middleware for feature gating
package echo

import (
	"net/http"
	"net/netip"

	"github.com/labstack/echo/v4"

	gogatehttp "github.com/mihaimyh/gogate/middleware/http"
	"github.com/mihaimyh/gogate/pkg/gogate"
)

// DecisionKey is the Echo context key holding the granting decision
const DecisionKey = "gogate.decision"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Engine is the access engine instance (required)
	Engine *gogate.Engine

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnDenied is called when a feature check denies access
	// If nil, writes a JSON denial with the status from gogatehttp.StatusCode
	OnDenied func(c echo.Context, decision *gogate.AccessDecision) error

	// OnTierDenied is called when a tier check denies access
	OnTierDenied func(c echo.Context, decision *gogate.TierDecision) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the check itself fails
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

func (cfg *Config) validate() {
	if cfg.Engine == nil {
		panic("gogate/echo: Config.Engine is required")
	}
	if cfg.GetUserID == nil {
		panic("gogate/echo: Config.GetUserID is required")
	}
}

// RequireFeature creates an Echo middleware that gates the route behind
// feature. Usage is recorded when the handler returns no error and a status
// below 400.
func RequireFeature(cfg Config, feature string) echo.MiddlewareFunc {
	cfg.validate()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				return cfg.unauthorized(c)
			}

			ctx := c.Request().Context()
			decision, err := cfg.Engine.CheckAccess(ctx, userID, feature,
				gogate.WithAccessContext(gogate.AccessContext{ClientIP: clientAddr(c)}))
			if err != nil {
				return cfg.fail(c, err)
			}
			if !decision.HasAccess {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, decision)
				}
				return c.JSON(gogatehttp.StatusCode(decision), gogatehttp.NewDenialResponse(decision))
			}

			c.Set(DecisionKey, decision)
			if err := next(c); err != nil {
				return err
			}
			if c.Response().Status < http.StatusBadRequest {
				cfg.Engine.RecordUsage(ctx, userID, feature)
			}
			return nil
		}
	}
}

// RequireTier creates an Echo middleware that requires a minimum tier
func RequireTier(cfg Config, tier gogate.Tier) echo.MiddlewareFunc {
	cfg.validate()
	if !tier.Valid() {
		panic("gogate/echo: invalid tier " + string(tier))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				return cfg.unauthorized(c)
			}

			decision, err := cfg.Engine.ValidateMinimumTier(c.Request().Context(), userID, tier)
			if err != nil {
				return cfg.fail(c, err)
			}
			if !decision.HasAccess {
				if cfg.OnTierDenied != nil {
					return cfg.OnTierDenied(c, decision)
				}
				return c.JSON(gogatehttp.TierStatusCode(decision), gogatehttp.NewTierDenialResponse(decision))
			}
			return next(c)
		}
	}
}

func (cfg *Config) unauthorized(c echo.Context) error {
	if cfg.OnUnauthorized != nil {
		return cfg.OnUnauthorized(c)
	}
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func (cfg *Config) fail(c echo.Context, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

func clientAddr(c echo.Context) netip.Addr {
	addr, err := netip.ParseAddr(c.RealIP())
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}

// DecisionFrom returns the decision stored by RequireFeature
func DecisionFrom(c echo.Context) (*gogate.AccessDecision, bool) {
	d, ok := c.Get(DecisionKey).(*gogate.AccessDecision)
	return d, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by auth middleware via c.Set("UserID", "...").
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
