package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/gogate/pkg/gogate"
)

// Config holds configuration for the access API handler
type Config struct {
	// Engine is the access engine instance (required)
	Engine *gogate.Engine

	// GetUserID extracts user ID from HTTP request (required)
	// Similar to middleware/http pattern
	GetUserID func(*http.Request) string

	// GetFeature extracts the feature name for GetAccess
	// Default: the "feature" query parameter
	GetFeature func(*http.Request) string

	// GetTier extracts the required tier for GetTierCheck
	// Default: the "tier" query parameter
	GetTier func(*http.Request) string

	// FeatureFilter optionally filters which features GetFeatures includes
	// If nil, includes every catalog feature
	FeatureFilter func([]string) []string

	// OnError handles errors (auth, bad input, internal)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is used for structured logging (default: NoopLogger)
	Logger gogate.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new access API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetFeature == nil {
		config.GetFeature = FromQuery("feature")
	}
	if config.GetTier == nil {
		config.GetTier = FromQuery("tier")
	}
	if config.Logger == nil {
		config.Logger = &gogate.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common extraction patterns

// FromHeader returns an extractor that reads a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromQuery returns an extractor that reads a query parameter
func FromQuery(name string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.URL.Query().Get(name)
	}
}

// FromPath returns an extractor that reads a path wildcard of Go 1.22 ServeMux patterns
func FromPath(name string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.PathValue(name)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
