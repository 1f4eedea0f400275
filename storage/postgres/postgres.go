// Package postgres provides a PostgreSQL implementation of the gogate.Store interface.
// Merge writes are a single upsert that keeps columns the update leaves unset.
// Usage events are rows counted with an indexed range scan.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gogate/pkg/gogate"
)

//go:embed schema.sql
var schema string

// Storage implements gogate.Store using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Migrate creates the tables on startup when they do not exist
	Migrate bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	UsageRetention  time.Duration // How long usage events are kept
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		Migrate:         true,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
		UsageRetention:  35 * 24 * time.Hour, // longest calendar window plus slack
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}
	if config.UsageRetention <= 0 {
		config.UsageRetention = 35 * 24 * time.Hour
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}

	if config.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s.stopCleanup = cancel
	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate creates the subscriptions and usage_events tables if needed
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetSubscription implements gogate.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*gogate.Subscription, error) {
	var (
		tier, status *string
		start, end   *time.Time
		updatedAt    *time.Time
		features     []byte
	)

	err := s.pool.QueryRow(ctx,
		`SELECT tier, status, current_period_start, current_period_end, features, updated_at
			FROM subscriptions WHERE user_id = $1`,
		userID).Scan(&tier, &status, &start, &end, &features, &updatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gogate.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	sub := &gogate.Subscription{
		UserID:             userID,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
	}
	if tier != nil {
		sub.Tier = gogate.Tier(*tier)
	}
	if status != nil {
		sub.Status = gogate.Status(*status)
	}
	if updatedAt != nil {
		sub.UpdatedAt = *updatedAt
	}
	if len(features) > 0 {
		if err := json.Unmarshal(features, &sub.Features); err != nil {
			return nil, fmt.Errorf("%w: features: %w", gogate.ErrMalformedSubscription, err)
		}
	}
	return sub, nil
}

const mergeSubscription = `INSERT INTO subscriptions
		(user_id, tier, status, current_period_start, current_period_end, features, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
	ON CONFLICT (user_id) DO UPDATE SET
		tier = COALESCE(EXCLUDED.tier, subscriptions.tier),
		status = COALESCE(EXCLUDED.status, subscriptions.status),
		current_period_start = COALESCE(EXCLUDED.current_period_start, subscriptions.current_period_start),
		current_period_end = COALESCE(EXCLUDED.current_period_end, subscriptions.current_period_end),
		features = CASE WHEN EXCLUDED.features IS NULL THEN subscriptions.features
			ELSE COALESCE(subscriptions.features, '{}'::jsonb) || EXCLUDED.features END,
		updated_at = COALESCE(EXCLUDED.updated_at, subscriptions.updated_at)`

const replaceSubscription = `INSERT INTO subscriptions
		(user_id, tier, status, current_period_start, current_period_end, features, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
	ON CONFLICT (user_id) DO UPDATE SET
		tier = EXCLUDED.tier,
		status = EXCLUDED.status,
		current_period_start = EXCLUDED.current_period_start,
		current_period_end = EXCLUDED.current_period_end,
		features = EXCLUDED.features,
		updated_at = EXCLUDED.updated_at`

// SetSubscription implements gogate.SubscriptionStore
func (s *Storage) SetSubscription(ctx context.Context, userID string,
	update *gogate.SubscriptionUpdate, merge bool) error {
	if userID == "" || update == nil {
		return fmt.Errorf("invalid subscription update")
	}

	var tier, status, features *string
	if update.Tier != nil {
		v := string(*update.Tier)
		tier = &v
	}
	if update.Status != nil {
		v := string(*update.Status)
		status = &v
	}
	if update.Features != nil {
		data, err := json.Marshal(update.Features)
		if err != nil {
			return fmt.Errorf("failed to marshal features: %w", err)
		}
		v := string(data)
		features = &v
	}
	var updatedAt *time.Time
	if !update.UpdatedAt.IsZero() {
		v := update.UpdatedAt.UTC()
		updatedAt = &v
	}

	query := replaceSubscription
	if merge {
		query = mergeSubscription
	}
	_, err := s.pool.Exec(ctx, query,
		userID, tier, status, update.CurrentPeriodStart, update.CurrentPeriodEnd, features, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes a user's subscription row
func (s *Storage) DeleteSubscription(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// CountUsage implements gogate.UsageStore
func (s *Storage) CountUsage(ctx context.Context, userID, feature string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM usage_events
			WHERE user_id = $1 AND feature = $2 AND occurred_at >= $3`,
		userID, feature, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}
	return n, nil
}

// AppendUsage implements gogate.UsageStore
func (s *Storage) AppendUsage(ctx context.Context, event *gogate.UsageEvent) error {
	if event == nil || event.UserID == "" || event.Feature == "" {
		return fmt.Errorf("invalid usage event")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_events (user_id, feature, occurred_at) VALUES ($1, $2, $3)`,
		event.UserID, event.Feature, event.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to append usage: %w", err)
	}
	return nil
}

// startCleanup runs a background goroutine that periodically deletes old usage events
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Errors are retried on the next tick
			_, _ = s.Cleanup(ctx)
		}
	}
}

// Cleanup deletes usage events older than the retention window and returns
// the number of rows removed. It can be called manually.
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.config.UsageRetention)
	tag, err := s.pool.Exec(ctx, `DELETE FROM usage_events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup usage events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
