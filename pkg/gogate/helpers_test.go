package gogate_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gogate/pkg/gogate"
	"github.com/mihaimyh/gogate/storage/memory"
)

var errStoreDown = errors.New("store down")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// FailingStore wraps the memory store, counts reads and fails on demand
type FailingStore struct {
	*memory.Storage

	failGetSubscription atomic.Bool
	failCountUsage      atomic.Bool
	failAppendUsage     atomic.Bool

	getCalls   atomic.Int64
	countCalls atomic.Int64
}

func newFailingStore() *FailingStore {
	return &FailingStore{Storage: memory.New()}
}

func (f *FailingStore) GetSubscription(ctx context.Context, userID string) (*gogate.Subscription, error) {
	f.getCalls.Add(1)
	if f.failGetSubscription.Load() {
		return nil, errStoreDown
	}
	return f.Storage.GetSubscription(ctx, userID)
}

func (f *FailingStore) CountUsage(ctx context.Context, userID, feature string, since time.Time) (int, error) {
	f.countCalls.Add(1)
	if f.failCountUsage.Load() {
		return 0, errStoreDown
	}
	return f.Storage.CountUsage(ctx, userID, feature, since)
}

func (f *FailingStore) AppendUsage(ctx context.Context, event *gogate.UsageEvent) error {
	if f.failAppendUsage.Load() {
		return errStoreDown
	}
	return f.Storage.AppendUsage(ctx, event)
}

const featureExports = "exports"

// testCatalog extends the default catalog with a feature limited to five
// uses per month on every tier.
func testCatalog() []gogate.FeatureDefinition {
	return append(gogate.DefaultCatalog(), gogate.FeatureDefinition{
		Name:                 featureExports,
		RequiresSubscription: true,
		MinimumTier:          gogate.TierBasic,
		UsageLimit:           &gogate.UsageLimit{Count: 5, ResetPeriod: gogate.ResetMonthly},
	})
}

func newTestEngine(t *testing.T, store *FailingStore, clock *fakeClock, opts ...func(*gogate.Config)) *gogate.Engine {
	t.Helper()
	config := gogate.Config{
		Features:      testCatalog(),
		Subscriptions: store,
		Usage:         store,
		Clock:         clock,
		Location:      time.UTC,
	}
	for _, opt := range opts {
		opt(&config)
	}
	engine, err := gogate.NewEngine(config)
	require.NoError(t, err)
	return engine
}

func putSubscription(store *FailingStore, userID string, tier gogate.Tier, status gogate.Status) {
	store.PutSubscription(&gogate.Subscription{
		UserID: userID,
		Tier:   tier,
		Status: status,
	})
}

func addUsage(t *testing.T, store *FailingStore, userID, feature string, at ...time.Time) {
	t.Helper()
	for _, ts := range at {
		require.NoError(t, store.Storage.AppendUsage(context.Background(), &gogate.UsageEvent{
			UserID:    userID,
			Feature:   feature,
			Timestamp: ts,
		}))
	}
}
