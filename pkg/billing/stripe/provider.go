// Package stripe keeps a gogate subscription store in sync with Stripe
// through webhooks and on-demand synchronization.
package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gogate/pkg/billing"
	"github.com/mihaimyh/gogate/pkg/billing/internal"
	"github.com/mihaimyh/gogate/pkg/gogate"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultMaxBodyBytes      = 256 * 1024
	defaultTierKeyWildcard   = "*"
	defaultTierKeyDefault    = "default"
	metadataUserID           = "user_id"
	appliedEventsSize        = 10000
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Store, Invalidator, TierMapping, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string

	// CustomerIDResolver maps a user ID to a Stripe customer ID. If nil,
	// SyncUser falls back to the slower Stripe Search API.
	CustomerIDResolver func(context.Context, string) (string, error)

	// Backends overrides the Stripe API backends (tests, proxies).
	Backends *stripe.Backends

	// RateLimit is the number of webhook requests allowed per IP and minute.
	// Default: 100
	RateLimit int
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	store              gogate.SubscriptionStore
	invalidator        billing.Invalidator
	config             Config
	rateLimiter        *internal.RateLimiter
	tierMapping        map[string]gogate.Tier // Price/Product ID -> Tier
	defaultTier        gogate.Tier
	webhookSecret      string
	stripeClient       *stripe.Client
	customerIDResolver func(context.Context, string) (string, error)
	metrics            billing.Metrics
	logger             gogate.Logger
	callback           billing.WebhookCallback
	appliedEvents      *lru.Cache[string, struct{}] // recently applied event IDs
	now                func() time.Time
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Store == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(config.APIKey)
	}
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	webhookSecret := strings.TrimSpace(config.StripeWebhookSecret)
	if webhookSecret == "" {
		webhookSecret = strings.TrimSpace(config.WebhookSecret)
	}

	defaultTier := gogate.TierFree
	tierMapping := make(map[string]gogate.Tier, len(config.TierMapping))
	for k, v := range config.TierMapping {
		tier, err := gogate.ParseTier(v)
		if err != nil {
			return nil, fmt.Errorf("tier mapping %q: %w", k, err)
		}
		key := strings.TrimSpace(k)
		if key == defaultTierKeyWildcard || strings.EqualFold(key, defaultTierKeyDefault) {
			defaultTier = tier
			continue
		}
		tierMapping[key] = tier
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	backends := config.Backends
	if backends == nil {
		backends = stripe.NewBackendsWithConfig(&stripe.BackendConfig{HTTPClient: httpClient})
	}

	rateLimit := config.RateLimit
	if rateLimit <= 0 {
		rateLimit = defaultRateLimitRequests
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &gogate.NoopLogger{}
	}

	appliedEvents, err := lru.New[string, struct{}](appliedEventsSize)
	if err != nil {
		return nil, err
	}

	return &Provider{
		store:              config.Store,
		invalidator:        config.Invalidator,
		config:             config,
		rateLimiter:        internal.NewRateLimiter(rateLimit, defaultRateLimitWindow),
		tierMapping:        tierMapping,
		defaultTier:        defaultTier,
		webhookSecret:      webhookSecret,
		stripeClient:       stripe.NewClient(apiKey, stripe.WithBackends(backends)),
		customerIDResolver: config.CustomerIDResolver,
		metrics:            metrics,
		logger:             logger,
		callback:           config.WebhookCallback,
		appliedEvents:      appliedEvents,
		now:                time.Now,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook), func() {
		p.metrics.RecordWebhookError(providerName, "rate_limited")
	})
}

// SyncUser synchronizes a user's subscription from Stripe
func (p *Provider) SyncUser(ctx context.Context, userID string) (gogate.Tier, error) {
	return p.syncUserFromAPI(ctx, userID)
}

// DefaultTier returns the tier assigned to unmapped prices
func (p *Provider) DefaultTier() gogate.Tier {
	return p.defaultTier
}

// MapPriceToTier maps a Stripe Price ID or Product ID to a gogate tier
func (p *Provider) MapPriceToTier(priceID string) gogate.Tier {
	if tier, ok := p.lookupTier(priceID); ok {
		return tier
	}
	return p.defaultTier
}

func (p *Provider) lookupTier(id string) (gogate.Tier, bool) {
	if id == "" {
		return "", false
	}
	tier, ok := p.tierMapping[strings.TrimSpace(id)]
	return tier, ok
}
