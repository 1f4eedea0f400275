package gogate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const defaultStoreTimeout = 3 * time.Second

// SubscriptionAdapter reads subscription records for the engine. It never
// caches; the engine puts it behind the AccessCache.
type SubscriptionAdapter struct {
	store   SubscriptionStore
	timeout time.Duration
	metrics Metrics
}

// NewSubscriptionAdapter creates an adapter with a per-call timeout
// (default: 3 seconds).
func NewSubscriptionAdapter(store SubscriptionStore, timeout time.Duration, metrics Metrics) *SubscriptionAdapter {
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &SubscriptionAdapter{store: store, timeout: timeout, metrics: metrics}
}

// Fetch returns the user's subscription. Errors are one of
// ErrSubscriptionNotFound, ErrStoreUnavailable or ErrMalformedSubscription.
func (a *SubscriptionAdapter) Fetch(ctx context.Context, userID string) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	sub, err := a.store.GetSubscription(ctx, userID)
	a.metrics.RecordStoreOperation("get_subscription", time.Since(start), err)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if sub == nil {
		return nil, ErrSubscriptionNotFound
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if sub.UserID == "" {
		sub.UserID = userID
	}
	return sub, nil
}
