package gogate

import (
	"fmt"
	"strings"
	"time"
)

// Config configures an Engine.
type Config struct {
	// Features is the feature catalog (default: DefaultCatalog()).
	Features []FeatureDefinition

	// Subscriptions is the subscription store. Required.
	Subscriptions SubscriptionStore

	// Usage is the usage event store. Required when any feature has a usage limit.
	Usage UsageStore

	// Clock is the time source (default: SystemClock).
	Clock Clock

	// Cache is the cache backend (default: in-process LRU of CacheSize entries).
	Cache CacheBackend

	// CacheSize bounds the default in-process cache (default: 10000).
	CacheSize int

	// DecisionTTL is how long feature decisions are cached (default: 1 minute).
	// Negative values disable decision caching.
	DecisionTTL time.Duration

	// SubscriptionTTL is how long subscription snapshots are cached
	// (default: 5 minutes). Negative values disable snapshot caching.
	SubscriptionTTL time.Duration

	// TierCheckTTL is how long ValidateMinimumTier results are cached
	// (default: 5 minutes). Negative values disable tier-check caching.
	TierCheckTTL time.Duration

	// SingleFlight de-duplicates concurrent cache misses for the same key.
	SingleFlight bool

	// StoreTimeout bounds each store call (default: 3 seconds).
	StoreTimeout time.Duration

	// Location anchors usage windows (default: time.Local).
	Location *time.Location

	// WeekStart is the first day of weekly usage windows (default: Monday).
	WeekStart *time.Weekday

	// Metrics is used for tracking decisions (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger
}

func (c *Config) setDefaults() {
	if c.Features == nil {
		c.Features = DefaultCatalog()
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 10000
	}
	if c.DecisionTTL == 0 {
		c.DecisionTTL = time.Minute
	}
	if c.SubscriptionTTL == 0 {
		c.SubscriptionTTL = 5 * time.Minute
	}
	if c.TierCheckTTL == 0 {
		c.TierCheckTTL = 5 * time.Minute
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.WeekStart == nil {
		monday := time.Monday
		c.WeekStart = &monday
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if c.Subscriptions == nil {
		return fmt.Errorf("%w: subscription store is required", ErrInvalidConfig)
	}
	if len(c.Features) == 0 {
		return fmt.Errorf("%w: feature catalog is empty", ErrInvalidConfig)
	}

	seen := make(map[string]bool, len(c.Features))
	needsUsage := false
	for _, def := range c.Features {
		if err := validateFeature(def); err != nil {
			return err
		}
		if seen[def.Name] {
			return fmt.Errorf("%w: duplicate feature %q", ErrInvalidConfig, def.Name)
		}
		seen[def.Name] = true
		if def.UsageLimit != nil || len(def.TierLimits) > 0 {
			needsUsage = true
		}
	}
	if needsUsage && c.Usage == nil {
		return fmt.Errorf("%w: usage store is required for usage limits", ErrInvalidConfig)
	}
	return nil
}

func validateFeature(def FeatureDefinition) error {
	switch {
	case def.Name == "":
		return fmt.Errorf("%w: feature without a name", ErrInvalidConfig)
	case strings.Contains(def.Name, ":"), def.Name == "subscription":
		return fmt.Errorf("%w: feature name %q collides with cache keys", ErrInvalidConfig, def.Name)
	case !def.MinimumTier.Valid():
		return fmt.Errorf("%w: feature %q: %w %q", ErrInvalidConfig, def.Name, ErrInvalidTier, def.MinimumTier)
	}
	if def.UsageLimit != nil {
		if err := validateLimit(def.Name, *def.UsageLimit); err != nil {
			return err
		}
	}
	for tier, l := range def.TierLimits {
		if !tier.Valid() {
			return fmt.Errorf("%w: feature %q: %w %q", ErrInvalidConfig, def.Name, ErrInvalidTier, tier)
		}
		if err := validateLimit(def.Name, l); err != nil {
			return err
		}
	}
	for _, cond := range def.Conditions {
		if cond == nil {
			return fmt.Errorf("%w: feature %q has a nil condition", ErrInvalidConfig, def.Name)
		}
	}
	return nil
}

func validateLimit(feature string, l UsageLimit) error {
	if l.Count < Unlimited {
		return fmt.Errorf("%w: feature %q: negative limit %d", ErrInvalidConfig, feature, l.Count)
	}
	switch l.ResetPeriod {
	case ResetDaily, ResetWeekly, ResetMonthly:
		return nil
	}
	return fmt.Errorf("%w: feature %q: unknown reset period %q", ErrInvalidConfig, feature, l.ResetPeriod)
}
