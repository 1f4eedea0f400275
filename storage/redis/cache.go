package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gogate/pkg/gogate"
)

// Cache implements gogate.CacheBackend on Redis so that several engine
// instances share decisions and invalidations.
type Cache struct {
	client    redis.UniversalClient
	keyPrefix string
	scanCount int64
}

// NewCache creates a shared cache backend. Keys are stored under
// keyPrefix + "cache:" (default prefix: "gogate:").
func NewCache(client redis.UniversalClient, keyPrefix string) (*Cache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if keyPrefix == "" {
		keyPrefix = "gogate:"
	}
	return &Cache{client: client, keyPrefix: keyPrefix + "cache:", scanCount: 100}, nil
}

var _ gogate.CacheBackend = (*Cache)(nil)

func (c *Cache) Get(ctx context.Context, key string) (*gogate.CacheValue, bool, error) {
	data, err := c.client.Get(ctx, c.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cache entry: %w", err)
	}

	var v gogate.CacheValue
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	return &v, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value *gogate.CacheValue, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.keyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// DeletePrefix scans for matching keys and deletes them in batches.
func (c *Cache) DeletePrefix(ctx context.Context, prefix string) error {
	pattern := c.keyPrefix + escapeGlob(prefix) + "*"
	iter := c.client.Scan(ctx, 0, pattern, c.scanCount).Iterator()

	batch := make([]string, 0, c.scanCount)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("failed to delete cache entries: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache entries: %w", err)
	}
	if len(batch) > 0 {
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to delete cache entries: %w", err)
		}
	}
	return nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
