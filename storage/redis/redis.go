// Package redis provides a Redis implementation of the gogate.Store interface.
// Subscriptions are hashes, so merge writes map onto HSET. Usage events live in
// per-feature sorted sets scored by timestamp.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gogate/pkg/gogate"
)

const (
	fieldTier        = "tier"
	fieldStatus      = "status"
	fieldPeriodStart = "current_period_start"
	fieldPeriodEnd   = "current_period_end"
	fieldUpdatedAt   = "updated_at"
	featurePrefix    = "feature:"
)

// Storage implements gogate.Store using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
	now    func() time.Time
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gogate:")
	KeyPrefix string

	// SubscriptionTTL is the TTL for subscription keys (0 = no expiration)
	SubscriptionTTL time.Duration

	// UsageRetention is how long usage events are kept (default: 35 days,
	// enough for the longest calendar window)
	UsageRetention time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:      "gogate:",
		UsageRetention: 35 * 24 * time.Hour,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "gogate:"
	}
	if config.UsageRetention <= 0 {
		config.UsageRetention = 35 * 24 * time.Hour
	}

	return &Storage{client: client, config: config, now: time.Now}, nil
}

// GetSubscription implements gogate.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*gogate.Subscription, error) {
	fields, err := s.client.HGetAll(ctx, s.subscriptionKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if len(fields) == 0 {
		return nil, gogate.ErrSubscriptionNotFound
	}
	return decodeSubscription(userID, fields)
}

// SetSubscription implements gogate.SubscriptionStore
func (s *Storage) SetSubscription(ctx context.Context, userID string,
	update *gogate.SubscriptionUpdate, merge bool) error {
	if userID == "" || update == nil {
		return fmt.Errorf("invalid subscription update")
	}

	key := s.subscriptionKey(userID)
	values := encodeUpdate(update)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if !merge {
			pipe.Del(ctx, key)
		}
		if len(values) > 0 {
			pipe.HSet(ctx, key, values)
		}
		if s.config.SubscriptionTTL > 0 {
			pipe.Expire(ctx, key, s.config.SubscriptionTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

// CountUsage implements gogate.UsageStore
func (s *Storage) CountUsage(ctx context.Context, userID, feature string, since time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, s.usageKey(userID, feature),
		fmt.Sprintf("%d", since.UnixMilli()), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}
	return int(n), nil
}

// AppendUsage implements gogate.UsageStore. Events older than the retention
// window are trimmed on write.
func (s *Storage) AppendUsage(ctx context.Context, event *gogate.UsageEvent) error {
	if event == nil || event.UserID == "" || event.Feature == "" {
		return fmt.Errorf("invalid usage event")
	}

	key := s.usageKey(event.UserID, event.Feature)
	cutoff := s.now().Add(-s.config.UsageRetention).UnixMilli()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(event.Timestamp.UnixMilli()),
			Member: uuid.NewString(),
		})
		pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoff))
		pipe.Expire(ctx, key, s.config.UsageRetention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append usage: %w", err)
	}
	return nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) subscriptionKey(userID string) string {
	return fmt.Sprintf("%ssub:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) usageKey(userID, feature string) string {
	return fmt.Sprintf("%susage:%s:%s", s.config.KeyPrefix, userID, feature)
}

func encodeUpdate(u *gogate.SubscriptionUpdate) map[string]interface{} {
	values := make(map[string]interface{})
	if u.Tier != nil {
		values[fieldTier] = string(*u.Tier)
	}
	if u.Status != nil {
		values[fieldStatus] = string(*u.Status)
	}
	if u.CurrentPeriodStart != nil {
		values[fieldPeriodStart] = u.CurrentPeriodStart.UTC().Format(time.RFC3339Nano)
	}
	if u.CurrentPeriodEnd != nil {
		values[fieldPeriodEnd] = u.CurrentPeriodEnd.UTC().Format(time.RFC3339Nano)
	}
	if !u.UpdatedAt.IsZero() {
		values[fieldUpdatedAt] = u.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	for name, enabled := range u.Features {
		if enabled {
			values[featurePrefix+name] = "1"
		} else {
			values[featurePrefix+name] = "0"
		}
	}
	return values
}

func decodeSubscription(userID string, fields map[string]string) (*gogate.Subscription, error) {
	sub := &gogate.Subscription{
		UserID: userID,
		Tier:   gogate.Tier(fields[fieldTier]),
		Status: gogate.Status(fields[fieldStatus]),
	}

	var err error
	if sub.CurrentPeriodStart, err = parseTime(fields, fieldPeriodStart); err != nil {
		return nil, err
	}
	if sub.CurrentPeriodEnd, err = parseTime(fields, fieldPeriodEnd); err != nil {
		return nil, err
	}
	updated, err := parseTime(fields, fieldUpdatedAt)
	if err != nil {
		return nil, err
	}
	if updated != nil {
		sub.UpdatedAt = *updated
	}

	for k, v := range fields {
		name, ok := strings.CutPrefix(k, featurePrefix)
		if !ok {
			continue
		}
		if sub.Features == nil {
			sub.Features = make(map[string]bool)
		}
		sub.Features[name] = v == "1"
	}
	return sub, nil
}

func parseTime(fields map[string]string, key string) (*time.Time, error) {
	raw, ok := fields[key]
	if !ok || raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: field %s: %w", gogate.ErrMalformedSubscription, key, err)
	}
	return &t, nil
}
