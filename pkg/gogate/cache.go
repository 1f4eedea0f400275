package gogate

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Cache key kinds, used as metric labels.
const (
	CacheKindDecision     = "decision"
	CacheKindTier         = "tier"
	CacheKindSubscription = "subscription"
)

// DecisionKey is the cache key of a feature decision.
func DecisionKey(userID, feature string) string {
	return userID + ":" + feature
}

// TierCheckKey is the cache key of a tier validation.
func TierCheckKey(userID string, tier Tier) string {
	return userID + ":tier-check:" + string(tier)
}

// SubscriptionKey is the cache key of a subscription snapshot.
func SubscriptionKey(userID string) string {
	return userID + ":subscription"
}

// UserPrefix matches every cache key of the user.
func UserPrefix(userID string) string {
	return userID + ":"
}

func cacheKind(key string) string {
	switch {
	case strings.HasSuffix(key, ":subscription"):
		return CacheKindSubscription
	case strings.Contains(key, ":tier-check:"):
		return CacheKindTier
	default:
		return CacheKindDecision
	}
}

// CacheValue holds exactly one of its fields.
type CacheValue struct {
	Decision     *AccessDecision `json:"decision,omitempty"`
	Tier         *TierDecision   `json:"tier,omitempty"`
	Subscription *Subscription   `json:"subscription,omitempty"`

	// Transient values are returned to the caller but never stored.
	Transient bool `json:"-"`
	// MaxAge, when positive, shortens the TTL the value is stored for.
	MaxAge time.Duration `json:"-"`
}

func (v *CacheValue) clone() *CacheValue {
	if v == nil {
		return nil
	}
	out := &CacheValue{
		Decision:     v.Decision.Clone(),
		Subscription: v.Subscription.Clone(),
		Transient:    v.Transient,
		MaxAge:       v.MaxAge,
	}
	if v.Tier != nil {
		t := *v.Tier
		out.Tier = &t
	}
	return out
}

// CacheBackend stores cache values with a TTL. Implementations must be safe
// for concurrent use.
type CacheBackend interface {
	Get(ctx context.Context, key string) (*CacheValue, bool, error)
	Set(ctx context.Context, key string, value *CacheValue, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// CacheOptions configures an AccessCache.
type CacheOptions struct {
	// SingleFlight collapses concurrent misses on the same key into one compute.
	SingleFlight bool
	Logger       Logger
	Metrics      Metrics
}

// AccessCache is a read-through cache in front of decisions and subscription
// snapshots.
type AccessCache struct {
	backend CacheBackend
	opts    CacheOptions
	group   singleflight.Group
}

// NewAccessCache wraps a backend. A nil backend disables caching.
func NewAccessCache(backend CacheBackend, opts CacheOptions) *AccessCache {
	if backend == nil {
		backend = NoopCache{}
	}
	if opts.Logger == nil {
		opts.Logger = &NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = &NoopMetrics{}
	}
	return &AccessCache{backend: backend, opts: opts}
}

// GetOrCompute returns the live cached value for key, or calls compute and
// stores its result for ttl. Compute errors and transient values are not stored.
func (c *AccessCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration,
	compute func(ctx context.Context) (*CacheValue, error)) (*CacheValue, error) {
	if !c.opts.SingleFlight {
		return c.getOrCompute(ctx, key, ttl, compute)
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.getOrCompute(ctx, key, ttl, compute)
	})
	if err != nil {
		return nil, err
	}
	// Shared results must not alias between callers.
	return v.(*CacheValue).clone(), nil
}

func (c *AccessCache) getOrCompute(ctx context.Context, key string, ttl time.Duration,
	compute func(ctx context.Context) (*CacheValue, error)) (*CacheValue, error) {
	kind := cacheKind(key)
	if ttl > 0 {
		v, ok, err := c.backend.Get(ctx, key)
		if err != nil {
			c.opts.Logger.Warn("cache read failed", Field{"key", key}, Field{"error", err.Error()})
		}
		if ok {
			c.opts.Metrics.RecordCacheHit(kind)
			return v, nil
		}
	}
	c.opts.Metrics.RecordCacheMiss(kind)

	v, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	if v == nil || v.Transient {
		return v, nil
	}
	if v.MaxAge > 0 && v.MaxAge < ttl {
		ttl = v.MaxAge
	}
	if ttl <= 0 {
		return v, nil
	}
	if err := c.backend.Set(ctx, key, v, ttl); err != nil {
		c.opts.Logger.Warn("cache write failed", Field{"key", key}, Field{"error", err.Error()})
	}
	return v, nil
}

// Invalidate removes a single key.
func (c *AccessCache) Invalidate(ctx context.Context, key string) error {
	return c.backend.Delete(ctx, key)
}

// InvalidateAll removes every key starting with prefix.
func (c *AccessCache) InvalidateAll(ctx context.Context, prefix string) error {
	return c.backend.DeletePrefix(ctx, prefix)
}

// NoopCache never stores anything.
type NoopCache struct{}

func (NoopCache) Get(context.Context, string) (*CacheValue, bool, error) {
	return nil, false, nil
}

func (NoopCache) Set(context.Context, string, *CacheValue, time.Duration) error {
	return nil
}

func (NoopCache) Delete(context.Context, string) error {
	return nil
}

func (NoopCache) DeletePrefix(context.Context, string) error {
	return nil
}

// CacheStats holds in-process cache statistics.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Expired   int64
	Evictions int64
	Size      int
}

type memoryEntry struct {
	value     *CacheValue
	expiresAt time.Time
}

// MemoryCache is an in-process LRU backend. Entries expire lazily on read.
type MemoryCache struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, memoryEntry]
	clock Clock
	// removing is set while entries are dropped on purpose so the eviction
	// callback only counts capacity evictions.
	removing bool

	hits      atomic.Int64
	misses    atomic.Int64
	expired   atomic.Int64
	evictions atomic.Int64
}

// NewMemoryCache creates an LRU backend holding at most size entries
// (default: 10000).
func NewMemoryCache(size int, clock Clock) *MemoryCache {
	if size <= 0 {
		size = 10000
	}
	if clock == nil {
		clock = SystemClock{}
	}
	c := &MemoryCache{clock: clock}
	// Only fails for a non-positive size.
	c.lru, _ = lru.NewWithEvict[string, memoryEntry](size, func(string, memoryEntry) {
		if !c.removing {
			c.evictions.Add(1)
		}
	})
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) (*CacheValue, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false, nil
	}
	if !c.clock.Now().Before(e.expiresAt) {
		c.remove(key)
		c.expired.Add(1)
		c.misses.Add(1)
		return nil, false, nil
	}
	c.hits.Add(1)
	return e.value.clone(), true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value *CacheValue, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Add(key, memoryEntry{value: value.clone(), expiresAt: c.clock.Now().Add(ttl)})
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.remove(key)
	return nil
}

func (c *MemoryCache) DeletePrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.remove(key)
		}
	}
	return nil
}

// Clear removes all entries.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removing = true
	c.lru.Purge()
	c.removing = false
}

// remove must be called with mu held.
func (c *MemoryCache) remove(key string) {
	c.removing = true
	c.lru.Remove(key)
	c.removing = false
}

// Stats returns cache statistics.
func (c *MemoryCache) Stats() CacheStats {
	c.mu.Lock()
	size := c.lru.Len()
	c.mu.Unlock()

	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Expired:   c.expired.Load(),
		Evictions: c.evictions.Load(),
		Size:      size,
	}
}
