package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/gogate/pkg/gogate"
)

// Invalidator drops cached access decisions for a user. *gogate.Engine
// implements it.
type Invalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// WebhookCallback is called after a webhook has been written to the store and
// the user's cached decisions have been invalidated. A returned error is
// logged and does not fail the webhook.
type WebhookCallback func(ctx context.Context, event WebhookEvent) error

// Config defines the standard configuration all providers should accept
type Config struct {
	// Store receives subscription updates. Required.
	Store gogate.SubscriptionStore

	// Invalidator is called after every write so the next access check sees
	// the new state. Usually the *gogate.Engine serving requests.
	Invalidator Invalidator

	// TierMapping maps provider price/product IDs to gogate tiers.
	// For example: map[string]string{"price_pro_monthly": "pro", "price_basic_yearly": "basic"}
	// Reserved keys:
	//   - "*" or "default": Maps unknown prices to the default tier (otherwise free)
	TierMapping map[string]string

	// WebhookSecret is used to verify incoming webhook signatures.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider (e.g. SyncUser).
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// WebhookCallback is an optional hook run after each applied update.
	WebhookCallback WebhookCallback

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.NewMetrics for Prometheus metrics.
	Metrics Metrics

	// Logger is used for structured logging (default: gogate.NoopLogger)
	Logger gogate.Logger
}
