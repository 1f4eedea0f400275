package tiered

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gogate/pkg/gogate"
	"github.com/mihaimyh/gogate/storage/memory"
)

var errDown = errors.New("store down")

// downStore fails every call.
type downStore struct{}

func (downStore) GetSubscription(context.Context, string) (*gogate.Subscription, error) {
	return nil, errDown
}

func (downStore) SetSubscription(context.Context, string, *gogate.SubscriptionUpdate, bool) error {
	return errDown
}

func (downStore) CountUsage(context.Context, string, string, time.Time) (int, error) {
	return 0, errDown
}

func (downStore) AppendUsage(context.Context, *gogate.UsageEvent) error {
	return errDown
}

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New()})
		assert.NoError(t, err)
		assert.NotNil(t, storage)
		assert.NoError(t, storage.Close())
	})

	t.Run("nil hot storage", func(t *testing.T) {
		storage, err := New(Config{Cold: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
		assert.Contains(t, err.Error(), "hot and cold storage are required")
	})

	t.Run("default sync buffer size", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New(), AsyncUsageSync: true})
		require.NoError(t, err)
		defer storage.Close()
		assert.Equal(t, 1000, cap(storage.syncQueue))
	})
}

func TestStorage_GetSubscription_ReadThrough(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()
	ctx := context.Background()

	cold.PutSubscription(&gogate.Subscription{
		UserID:   "user1",
		Tier:     gogate.TierPro,
		Status:   gogate.StatusActive,
		Features: map[string]bool{"analytics": true},
	})

	sub, err := storage.GetSubscription(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, gogate.TierPro, sub.Tier)

	cached, err := hot.GetSubscription(ctx, "user1")
	require.NoError(t, err, "hot store is populated on read")
	assert.Equal(t, sub, cached)

	_, err = storage.GetSubscription(ctx, "user2")
	assert.ErrorIs(t, err, gogate.ErrSubscriptionNotFound)
}

func TestStorage_SetSubscription_WriteThrough(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()
	ctx := context.Background()

	cold.PutSubscription(&gogate.Subscription{UserID: "user1", Tier: gogate.TierBasic, Status: gogate.StatusActive})

	pro := gogate.TierPro
	require.NoError(t, storage.SetSubscription(ctx, "user1", &gogate.SubscriptionUpdate{Tier: &pro}, true))

	for name, s := range map[string]gogate.Store{"hot": hot, "cold": cold} {
		sub, err := s.GetSubscription(ctx, "user1")
		require.NoError(t, err, name)
		assert.Equal(t, gogate.TierPro, sub.Tier, name)
		assert.Equal(t, gogate.StatusActive, sub.Status, "%s keeps merged fields", name)
	}
}

func TestStorage_WriteThrough_ColdFailure(t *testing.T) {
	hot := memory.New()
	storage, _ := New(Config{Hot: hot, Cold: downStore{}})
	defer storage.Close()
	ctx := context.Background()

	pro := gogate.TierPro
	err := storage.SetSubscription(ctx, "user1", &gogate.SubscriptionUpdate{Tier: &pro}, true)
	assert.ErrorIs(t, err, errDown)

	_, err = hot.GetSubscription(ctx, "user1")
	assert.ErrorIs(t, err, gogate.ErrSubscriptionNotFound, "hot is untouched when cold fails")
}

func TestStorage_Usage_Sync(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	var reported []error
	storage, _ := New(Config{Hot: hot, Cold: cold, ErrorHandler: func(err error) { reported = append(reported, err) }})
	defer storage.Close()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, storage.AppendUsage(ctx, &gogate.UsageEvent{UserID: "user1", Feature: "pdf_export", Timestamp: now}))

	for _, s := range []gogate.Store{hot, cold, storage} {
		n, err := s.CountUsage(ctx, "user1", "pdf_export", now.Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	assert.Empty(t, reported)
}

func TestStorage_Usage_Async(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold, AsyncUsageSync: true})
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, storage.AppendUsage(ctx, &gogate.UsageEvent{UserID: "user1", Feature: "pdf_export", Timestamp: now}))
	}

	n, err := hot.CountUsage(ctx, "user1", "pdf_export", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	// Close drains the queue.
	require.NoError(t, storage.Close())
	n, err = cold.CountUsage(ctx, "user1", "pdf_export", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestStorage_Usage_HotDown(t *testing.T) {
	cold := memory.New()
	storage, _ := New(Config{Hot: downStore{}, Cold: cold})
	defer storage.Close()
	ctx := context.Background()
	now := time.Now()

	assert.ErrorIs(t, storage.AppendUsage(ctx, &gogate.UsageEvent{UserID: "user1", Feature: "x", Timestamp: now}), errDown)

	require.NoError(t, cold.AppendUsage(ctx, &gogate.UsageEvent{UserID: "user1", Feature: "x", Timestamp: now}))
	n, err := storage.CountUsage(ctx, "user1", "x", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "counts fall back to cold")
}

func TestStorage_Async_QueueFull(t *testing.T) {
	var mu sync.Mutex
	var reported int
	storage := &Storage{
		hot:       memory.New(),
		cold:      memory.New(),
		conf:      Config{AsyncUsageSync: true, ErrorHandler: func(error) { mu.Lock(); reported++; mu.Unlock() }},
		syncQueue: make(chan func() error, 1),
		shutdown:  make(chan struct{}),
	}
	ctx := context.Background()
	now := time.Now()

	// No worker is running, so the second write overflows the queue.
	require.NoError(t, storage.AppendUsage(ctx, &gogate.UsageEvent{UserID: "u", Feature: "x", Timestamp: now}))
	require.NoError(t, storage.AppendUsage(ctx, &gogate.UsageEvent{UserID: "u", Feature: "x", Timestamp: now}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, reported)
}
