package gogate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Engine decides whether users may access features.
type Engine struct {
	config  Config
	tiers   *TierComparator
	adapter *SubscriptionAdapter
	usage   *UsageCounter
	cache   *AccessCache
}

// NewEngine creates an engine with the given configuration.
func NewEngine(config Config) (*Engine, error) {
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	backend := config.Cache
	if backend == nil {
		backend = NewMemoryCache(config.CacheSize, config.Clock)
	}

	e := &Engine{
		config:  config,
		tiers:   NewTierComparator(config.Features),
		adapter: NewSubscriptionAdapter(config.Subscriptions, config.StoreTimeout, config.Metrics),
		cache: NewAccessCache(backend, CacheOptions{
			SingleFlight: config.SingleFlight,
			Logger:       config.Logger,
			Metrics:      config.Metrics,
		}),
	}
	if config.Usage != nil {
		e.usage = NewUsageCounter(config.Usage, config.Clock, UsageCounterConfig{
			Location:  config.Location,
			WeekStart: *config.WeekStart,
			Timeout:   config.StoreTimeout,
			Logger:    config.Logger,
			Metrics:   config.Metrics,
		})
	}
	return e, nil
}

// Tiers returns the tier comparator built from the catalog.
func (e *Engine) Tiers() *TierComparator {
	return e.tiers
}

// CheckOption customizes a single access check.
type CheckOption func(*checkOptions)

type checkOptions struct {
	access AccessContext
}

// WithAccessContext supplies request attributes for feature conditions.
func WithAccessContext(ac AccessContext) CheckOption {
	return func(o *checkOptions) {
		o.access = ac
	}
}

func validateUserID(userID string) error {
	if userID == "" || strings.Contains(userID, ":") {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	return nil
}

// CheckAccess evaluates access to a feature. Denials are returned as
// decisions; an error is returned only for unknown features or invalid user IDs.
func (e *Engine) CheckAccess(ctx context.Context, userID, feature string, opts ...CheckOption) (*AccessDecision, error) {
	start := time.Now()

	def, ok := e.tiers.Feature(feature)
	if !ok {
		e.config.Logger.Error("access check for unknown feature",
			Field{"userId", userID},
			Field{"feature", feature},
		)
		return nil, fmt.Errorf("%w: %q", ErrUnknownFeature, feature)
	}
	if err := validateUserID(userID); err != nil {
		return nil, err
	}

	var o checkOptions
	for _, opt := range opts {
		opt(&o)
	}

	var decision *AccessDecision
	if len(def.Conditions) > 0 {
		// Conditions depend on the request, so these decisions are never cached.
		decision = e.evaluate(ctx, userID, def, o.access).Decision
	} else {
		v, err := e.cache.GetOrCompute(ctx, DecisionKey(userID, feature), e.config.DecisionTTL,
			func(ctx context.Context) (*CacheValue, error) {
				return e.evaluate(ctx, userID, def, o.access), nil
			})
		if err != nil {
			return nil, err
		}
		decision = v.Decision
	}
	if decision == nil {
		decision = systemError(def.Name, e.config.Clock.Now())
	}

	e.config.Metrics.RecordDecision(feature, decision.ReasonCode, decision.HasAccess, time.Since(start))
	return decision, nil
}

// RequireAccess returns a *DenialError when access is denied.
func (e *Engine) RequireAccess(ctx context.Context, userID, feature string, opts ...CheckOption) error {
	d, err := e.CheckAccess(ctx, userID, feature, opts...)
	if err != nil {
		return err
	}
	if !d.HasAccess {
		return &DenialError{Decision: d}
	}
	return nil
}

// Enforce runs action if access is granted. A usage event is recorded only
// when action succeeds; action errors are returned unchanged.
func (e *Engine) Enforce(ctx context.Context, userID, feature string,
	action func(ctx context.Context) error, opts ...CheckOption) error {
	if err := e.RequireAccess(ctx, userID, feature, opts...); err != nil {
		return err
	}
	if err := action(ctx); err != nil {
		return err
	}
	e.RecordUsage(ctx, userID, feature)
	return nil
}

// Enforce is the value-returning form of Engine.Enforce.
func Enforce[T any](ctx context.Context, e *Engine, userID, feature string,
	action func(ctx context.Context) (T, error), opts ...CheckOption) (T, error) {
	var zero T
	if err := e.RequireAccess(ctx, userID, feature, opts...); err != nil {
		return zero, err
	}
	v, err := action(ctx)
	if err != nil {
		return v, err
	}
	e.RecordUsage(ctx, userID, feature)
	return v, nil
}

// RecordUsage appends a usage event for a successful use of the feature and
// drops the cached decision so the next check sees the new count. Failures
// are logged, never returned: the action has already happened.
func (e *Engine) RecordUsage(ctx context.Context, userID, feature string) {
	if e.usage == nil {
		return
	}
	// The action succeeded, so the event is written even if the caller's
	// context was cancelled meanwhile.
	ctx = context.WithoutCancel(ctx)
	if err := e.usage.Record(ctx, userID, feature); err != nil {
		e.config.Logger.Error("failed to record usage",
			Field{"userId", userID},
			Field{"feature", feature},
			Field{"error", err.Error()},
		)
		return
	}
	if err := e.cache.Invalidate(ctx, DecisionKey(userID, feature)); err != nil {
		e.config.Logger.Warn("failed to invalidate decision",
			Field{"userId", userID},
			Field{"feature", feature},
			Field{"error", err.Error()},
		)
	}
}

// ValidateMinimumTier checks only that the user's tier is at or above tier.
// Billing health and usage are not considered.
func (e *Engine) ValidateMinimumTier(ctx context.Context, userID string, tier Tier) (*TierDecision, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	if err := validateUserID(userID); err != nil {
		return nil, err
	}

	v, err := e.cache.GetOrCompute(ctx, TierCheckKey(userID, tier), e.config.TierCheckTTL,
		func(ctx context.Context) (*CacheValue, error) {
			d := &TierDecision{RequiredTier: tier}
			sub, err := e.subscription(ctx, userID)
			switch {
			case errors.Is(err, ErrSubscriptionNotFound):
				if tier == TierFree {
					d.HasAccess = true
					d.CurrentTier = TierFree
					d.ReasonCode = ReasonGranted
					return &CacheValue{Tier: d}, nil
				}
				d.ReasonCode = ReasonNoSubscription
				d.UpgradeRequired = true
				return &CacheValue{Tier: d}, nil
			case err != nil:
				e.logSubscriptionFailure(userID, err)
				d.ReasonCode = ReasonSystemError
				return &CacheValue{Tier: d, Transient: true}, nil
			}

			d.CurrentTier = sub.Tier
			if !e.tiers.MeetsMinimum(sub.Tier, tier) {
				d.ReasonCode = ReasonTierTooLow
				d.UpgradeRequired = true
				return &CacheValue{Tier: d}, nil
			}
			d.HasAccess = true
			d.ReasonCode = ReasonGranted
			return &CacheValue{Tier: d}, nil
		})
	if err != nil {
		return nil, err
	}
	if v.Tier == nil {
		return &TierDecision{RequiredTier: tier, ReasonCode: ReasonSystemError}, nil
	}
	return v.Tier, nil
}

// Invalidate drops every cached entry of the user. Billing handlers call it
// after each subscription write.
func (e *Engine) Invalidate(ctx context.Context, userID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	if err := e.cache.InvalidateAll(ctx, UserPrefix(userID)); err != nil {
		return fmt.Errorf("failed to invalidate cache for %s: %w", userID, err)
	}
	e.config.Logger.Debug("invalidated cached access", Field{"userId", userID})
	return nil
}

// FeatureMatrix returns the static feature matrix of the user's effective
// tier. Users without a healthy subscription get the free matrix.
func (e *Engine) FeatureMatrix(ctx context.Context, userID string) (Tier, map[string]FeatureAccess, error) {
	if err := validateUserID(userID); err != nil {
		return "", nil, err
	}
	sub, err := e.subscription(ctx, userID)
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		return TierFree, e.tiers.FeatureMatrix(TierFree), nil
	case err != nil:
		return "", nil, err
	}
	tier := sub.Tier
	if !sub.Status.PermitsAccess() || sub.Expired(e.config.Clock.Now()) {
		tier = TierFree
	}
	return tier, e.tiers.FeatureMatrix(tier), nil
}

func (e *Engine) subscription(ctx context.Context, userID string) (*Subscription, error) {
	v, err := e.cache.GetOrCompute(ctx, SubscriptionKey(userID), e.config.SubscriptionTTL,
		func(ctx context.Context) (*CacheValue, error) {
			sub, err := e.adapter.Fetch(ctx, userID)
			if err != nil {
				return nil, err
			}
			return &CacheValue{Subscription: sub}, nil
		})
	if err != nil {
		return nil, err
	}
	if v.Subscription == nil {
		return nil, fmt.Errorf("%w: empty cache entry", ErrMalformedSubscription)
	}
	return v.Subscription, nil
}

func (e *Engine) logSubscriptionFailure(userID string, err error) {
	e.config.Logger.Warn("subscription lookup failed, denying access",
		Field{"userId", userID},
		Field{"error", err.Error()},
	)
}

func systemError(feature string, now time.Time) *AccessDecision {
	return &AccessDecision{Feature: feature, ReasonCode: ReasonSystemError, EvaluatedAt: now}
}

// evaluate runs the uncached evaluation and returns the decision wrapped for
// the cache.
func (e *Engine) evaluate(ctx context.Context, userID string, def FeatureDefinition, ac AccessContext) *CacheValue {
	now := e.config.Clock.Now()
	d := &AccessDecision{Feature: def.Name, EvaluatedAt: now}

	sub, err := e.subscription(ctx, userID)
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		if e.freeFallback(def) {
			return e.gateFree(ctx, userID, def, ac, d, now)
		}
		return deny(d, ReasonNoSubscription, def.MinimumTier, true)
	case err != nil:
		e.logSubscriptionFailure(userID, err)
		return &CacheValue{Decision: systemError(def.Name, now), Transient: true}
	}

	d.CurrentTier = sub.Tier
	override, hasOverride := sub.Features[def.Name]
	if hasOverride && !override {
		return deny(d, ReasonFeatureDisabled, "", false)
	}
	limitTier := sub.Tier
	if !e.tiers.MeetsMinimum(sub.Tier, def.MinimumTier) {
		if !override {
			return deny(d, ReasonTierTooLow, def.MinimumTier, true)
		}
		// An override lifts the user to the feature's minimum tier, limits included
		limitTier = def.MinimumTier
	}
	if !conditionsMet(def, ac, now) {
		return deny(d, ReasonConditionNotMet, "", false)
	}

	var billing ReasonCode
	switch {
	case !sub.Status.PermitsAccess():
		billing = ReasonSubscriptionInactive
	case sub.Expired(now):
		billing = ReasonSubscriptionExpired
	}
	if billing != "" {
		if e.freeFallback(def) {
			return e.gateFree(ctx, userID, def, ac, d, now)
		}
		return deny(d, billing, "", false)
	}

	return e.gateUsage(ctx, userID, def, limitTier, d, now)
}

// freeFallback reports whether users without a healthy subscription are
// evaluated as free users for the feature.
func (e *Engine) freeFallback(def FeatureDefinition) bool {
	return !def.RequiresSubscription && e.tiers.MeetsMinimum(TierFree, def.MinimumTier)
}

func (e *Engine) gateFree(ctx context.Context, userID string, def FeatureDefinition,
	ac AccessContext, d *AccessDecision, now time.Time) *CacheValue {
	d.CurrentTier = TierFree
	if !conditionsMet(def, ac, now) {
		return deny(d, ReasonConditionNotMet, "", false)
	}
	return e.gateUsage(ctx, userID, def, TierFree, d, now)
}

func (e *Engine) gateUsage(ctx context.Context, userID string, def FeatureDefinition,
	tier Tier, d *AccessDecision, now time.Time) *CacheValue {
	limit, ok := EffectiveLimit(def, tier)
	if !ok || e.usage == nil {
		d.HasAccess = true
		d.ReasonCode = ReasonGranted
		return &CacheValue{Decision: d}
	}

	res, err := e.usage.Check(ctx, userID, def.Name, limit)
	if err != nil {
		e.config.Logger.Error("usage check failed",
			Field{"userId", userID},
			Field{"feature", def.Name},
			Field{"error", err.Error()},
		)
		return &CacheValue{Decision: systemError(def.Name, now), Transient: true}
	}

	d.ResetAt = timePtr(res.ResetAt)
	// A usage-based decision must not outlive its window.
	maxAge := res.ResetAt.Sub(now)
	if !res.Allowed {
		d.UsageRemaining = intPtr(0)
		v := deny(d, ReasonUsageLimitExceeded, "", false)
		if next, ok := e.nextTierWithMoreUsage(def, tier, limit); ok {
			d.RequiredTier = tierPtr(next)
			d.UpgradeRequired = true
		}
		v.MaxAge = maxAge
		return v
	}

	d.HasAccess = true
	d.ReasonCode = ReasonGranted
	d.UsageRemaining = res.Remaining
	return &CacheValue{Decision: d, Transient: res.Degraded, MaxAge: maxAge}
}

// nextTierWithMoreUsage finds the lowest tier above current whose limit for
// the feature is higher than limit.
func (e *Engine) nextTierWithMoreUsage(def FeatureDefinition, current Tier, limit UsageLimit) (Tier, bool) {
	for _, t := range AllTiers() {
		if t.Rank() <= current.Rank() {
			continue
		}
		l, ok := EffectiveLimit(def, t)
		if !ok || l.IsUnlimited() || l.Count > limit.Count {
			return t, true
		}
	}
	return "", false
}

func conditionsMet(def FeatureDefinition, ac AccessContext, now time.Time) bool {
	for _, c := range def.Conditions {
		if !c.Evaluate(ac, now) {
			return false
		}
	}
	return true
}

func deny(d *AccessDecision, reason ReasonCode, required Tier, upgrade bool) *CacheValue {
	d.HasAccess = false
	d.ReasonCode = reason
	d.UpgradeRequired = upgrade
	if required != "" {
		d.RequiredTier = tierPtr(required)
	}
	return &CacheValue{Decision: d}
}
