package gogate_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gogate/pkg/gogate"
)

func decisionValue(feature string) *gogate.CacheValue {
	return &gogate.CacheValue{Decision: &gogate.AccessDecision{
		HasAccess:  true,
		Feature:    feature,
		ReasonCode: gogate.ReasonGranted,
	}}
}

func TestAccessCache_GetOrCompute(t *testing.T) {
	clock := newFakeClock(jan20)
	cache := gogate.NewAccessCache(gogate.NewMemoryCache(100, clock), gogate.CacheOptions{})
	ctx := context.Background()

	var calls int
	compute := func(context.Context) (*gogate.CacheValue, error) {
		calls++
		return decisionValue("analytics"), nil
	}

	v, err := cache.GetOrCompute(ctx, "user1:analytics", time.Minute, compute)
	require.NoError(t, err)
	assert.True(t, v.Decision.HasAccess)

	_, err = cache.GetOrCompute(ctx, "user1:analytics", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	clock.Advance(time.Minute)
	_, err = cache.GetOrCompute(ctx, "user1:analytics", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "entries expire lazily at their TTL")
}

func TestAccessCache_ErrorsAndTransientNotStored(t *testing.T) {
	cache := gogate.NewAccessCache(gogate.NewMemoryCache(100, nil), gogate.CacheOptions{})
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := cache.GetOrCompute(ctx, "k:a", time.Minute, func(context.Context) (*gogate.CacheValue, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	var calls int
	transient := func(context.Context) (*gogate.CacheValue, error) {
		calls++
		v := decisionValue("a")
		v.Transient = true
		return v, nil
	}
	_, err = cache.GetOrCompute(ctx, "k:b", time.Minute, transient)
	require.NoError(t, err)
	_, err = cache.GetOrCompute(ctx, "k:b", time.Minute, transient)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestAccessCache_MaxAge(t *testing.T) {
	clock := newFakeClock(jan20)
	cache := gogate.NewAccessCache(gogate.NewMemoryCache(100, clock), gogate.CacheOptions{})
	ctx := context.Background()

	var calls int
	compute := func(context.Context) (*gogate.CacheValue, error) {
		calls++
		v := decisionValue("a")
		v.MaxAge = 10 * time.Second
		return v, nil
	}
	_, _ = cache.GetOrCompute(ctx, "k:a", time.Minute, compute)
	clock.Advance(11 * time.Second)
	_, _ = cache.GetOrCompute(ctx, "k:a", time.Minute, compute)
	assert.Equal(t, 2, calls)
}

func TestAccessCache_InvalidatePrefix(t *testing.T) {
	backend := gogate.NewMemoryCache(100, nil)
	cache := gogate.NewAccessCache(backend, gogate.CacheOptions{})
	ctx := context.Background()

	for _, key := range []string{
		gogate.DecisionKey("user1", "analytics"),
		gogate.TierCheckKey("user1", gogate.TierPro),
		gogate.SubscriptionKey("user1"),
		gogate.DecisionKey("user10", "analytics"),
		gogate.DecisionKey("user2", "analytics"),
	} {
		require.NoError(t, backend.Set(ctx, key, decisionValue("analytics"), time.Minute))
	}

	require.NoError(t, cache.InvalidateAll(ctx, gogate.UserPrefix("user1")))

	tests := []struct {
		key  string
		kept bool
	}{
		{gogate.DecisionKey("user1", "analytics"), false},
		{gogate.TierCheckKey("user1", gogate.TierPro), false},
		{gogate.SubscriptionKey("user1"), false},
		{gogate.DecisionKey("user10", "analytics"), true},
		{gogate.DecisionKey("user2", "analytics"), true},
	}
	for _, tt := range tests {
		_, ok, err := backend.Get(ctx, tt.key)
		require.NoError(t, err)
		assert.Equal(t, tt.kept, ok, tt.key)
	}

	require.NoError(t, cache.Invalidate(ctx, gogate.DecisionKey("user2", "analytics")))
	_, ok, _ := backend.Get(ctx, gogate.DecisionKey("user2", "analytics"))
	assert.False(t, ok)
}

func TestAccessCache_SingleFlight(t *testing.T) {
	cache := gogate.NewAccessCache(gogate.NewMemoryCache(100, nil), gogate.CacheOptions{SingleFlight: true})
	ctx := context.Background()

	var calls atomic.Int64
	release := make(chan struct{})
	compute := func(context.Context) (*gogate.CacheValue, error) {
		calls.Add(1)
		<-release
		return decisionValue("a"), nil
	}

	var wg sync.WaitGroup
	results := make([]*gogate.CacheValue, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := cache.GetOrCompute(ctx, "k:a", time.Minute, compute)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for _, v := range results {
		require.NotNil(t, v)
		assert.True(t, v.Decision.HasAccess)
	}
	assert.NotSame(t, results[0].Decision, results[1].Decision)
}

func TestAccessCache_Concurrent(t *testing.T) {
	backend := gogate.NewMemoryCache(50, nil)
	cache := gogate.NewAccessCache(backend, gogate.CacheOptions{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := gogate.DecisionKey("user"+string(rune('a'+i)), "f"+string(rune('a'+j%26)))
				_, err := cache.GetOrCompute(ctx, key, time.Minute, func(context.Context) (*gogate.CacheValue, error) {
					return decisionValue("f"), nil
				})
				assert.NoError(t, err)
				if j%10 == 0 {
					assert.NoError(t, cache.InvalidateAll(ctx, gogate.UserPrefix("user"+string(rune('a'+i)))))
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, backend.Stats().Size, 50)
}

func TestMemoryCache_Stats(t *testing.T) {
	clock := newFakeClock(jan20)
	backend := gogate.NewMemoryCache(2, clock)
	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, "a:x", decisionValue("x"), time.Minute))
	require.NoError(t, backend.Set(ctx, "b:x", decisionValue("x"), time.Second))

	_, ok, _ := backend.Get(ctx, "a:x")
	assert.True(t, ok)
	_, ok, _ = backend.Get(ctx, "missing")
	assert.False(t, ok)

	clock.Advance(2 * time.Second)
	_, ok, _ = backend.Get(ctx, "b:x")
	assert.False(t, ok)

	require.NoError(t, backend.Set(ctx, "c:x", decisionValue("x"), time.Minute))
	require.NoError(t, backend.Set(ctx, "d:x", decisionValue("x"), time.Minute))

	stats := backend.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(1), stats.Expired)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, 2, stats.Size)

	require.NoError(t, backend.Delete(ctx, "c:x"))
	backend.Clear()
	assert.Equal(t, 0, backend.Stats().Size)
	assert.Equal(t, int64(1), backend.Stats().Evictions)
}

func TestMemoryCache_ReturnsCopies(t *testing.T) {
	backend := gogate.NewMemoryCache(10, nil)
	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, "a:x", decisionValue("x"), time.Minute))
	v, ok, _ := backend.Get(ctx, "a:x")
	require.True(t, ok)
	v.Decision.HasAccess = false

	again, _, _ := backend.Get(ctx, "a:x")
	assert.True(t, again.Decision.HasAccess)
}
