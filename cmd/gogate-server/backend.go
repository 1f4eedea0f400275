package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gogate/pkg/gogate"
	firestoreStorage "github.com/mihaimyh/gogate/storage/firestore"
	"github.com/mihaimyh/gogate/storage/memory"
	postgresStorage "github.com/mihaimyh/gogate/storage/postgres"
	redisStorage "github.com/mihaimyh/gogate/storage/redis"
	"github.com/mihaimyh/gogate/storage/tiered"
)

// backend is the store and cache the engine runs on, plus what to close on
// shutdown in reverse order.
type backend struct {
	store   gogate.Store
	cache   gogate.CacheBackend
	closers []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg ServerConfig, logger zerolog.Logger) (*backend, error) {
	b := &backend{}

	var rdb *redis.Client
	if cfg.UsesRedis() {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		b.closers = append(b.closers, func() { _ = rdb.Close() })
	}

	store, err := openStore(ctx, cfg, rdb, b, logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.store = store

	if cfg.Cache == BackendRedis {
		cache, err := redisStorage.NewCache(rdb, cfg.RedisKeyPrefix+"cache:")
		if err != nil {
			b.Close()
			return nil, err
		}
		b.cache = cache
	}
	return b, nil
}

func openStore(ctx context.Context, cfg ServerConfig, rdb *redis.Client, b *backend,
	logger zerolog.Logger) (gogate.Store, error) {
	switch cfg.Storage {
	case BackendMemory:
		logger.Warn().Msg("using in-memory storage, state is lost on restart")
		return memory.New(), nil

	case BackendRedis:
		return newRedisStore(cfg, rdb)

	case BackendPostgres:
		return newPostgresStore(ctx, cfg, b)

	case BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("create firestore client: %w", err)
		}
		b.closers = append(b.closers, func() { _ = client.Close() })
		return firestoreStorage.New(client, firestoreStorage.Config{})

	case BackendTiered:
		hot, err := newRedisStore(cfg, rdb)
		if err != nil {
			return nil, err
		}
		cold, err := newPostgresStore(ctx, cfg, b)
		if err != nil {
			return nil, err
		}
		store, err := tiered.New(tiered.Config{
			Hot:            hot,
			Cold:           cold,
			AsyncUsageSync: true,
			ErrorHandler: func(err error) {
				logger.Error().Err(err).Msg("tiered storage sync failed")
			},
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = store.Close() })
		return store, nil
	}
	return nil, fmt.Errorf("%w: unknown storage %q", ErrInvalidServerConfig, cfg.Storage)
}

func newRedisStore(cfg ServerConfig, rdb *redis.Client) (*redisStorage.Storage, error) {
	rc := redisStorage.DefaultConfig()
	rc.KeyPrefix = cfg.RedisKeyPrefix
	return redisStorage.New(rdb, rc)
}

func newPostgresStore(ctx context.Context, cfg ServerConfig, b *backend) (*postgresStorage.Storage, error) {
	pc := postgresStorage.DefaultConfig()
	pc.ConnectionString = cfg.PostgresDSN
	store, err := postgresStorage.New(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	b.closers = append(b.closers, store.Close)
	return store, nil
}
