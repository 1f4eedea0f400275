package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// ErrInvalidServerConfig is returned when the environment describes an
// unusable server setup.
var ErrInvalidServerConfig = errors.New("invalid server configuration")

// Storage backends
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
	BackendTiered    = "tiered"
)

// ServerConfig is read from the environment, optionally seeded by a .env file.
type ServerConfig struct {
	ListenAddr      string        `env:"GOGATE_LISTEN_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"GOGATE_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"GOGATE_LOG_LEVEL" envDefault:"info"`
	LogJSON         bool          `env:"GOGATE_LOG_JSON" envDefault:"true"`

	// Storage selects the backend: memory, redis, postgres, firestore or
	// tiered (redis in front of postgres).
	Storage          string `env:"GOGATE_STORAGE" envDefault:"memory"`
	RedisURL         string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisKeyPrefix   string `env:"GOGATE_REDIS_PREFIX" envDefault:"gogate:"`
	PostgresDSN      string `env:"POSTGRES_DSN"`
	FirestoreProject string `env:"FIRESTORE_PROJECT"`

	// Cache selects the decision cache backend: memory or redis.
	Cache           string        `env:"GOGATE_CACHE" envDefault:"memory"`
	CacheSize       int           `env:"GOGATE_CACHE_SIZE" envDefault:"10000"`
	DecisionTTL     time.Duration `env:"GOGATE_DECISION_TTL" envDefault:"1m"`
	SubscriptionTTL time.Duration `env:"GOGATE_SUBSCRIPTION_TTL" envDefault:"5m"`
	TierCheckTTL    time.Duration `env:"GOGATE_TIER_CHECK_TTL" envDefault:"5m"`
	SingleFlight    bool          `env:"GOGATE_SINGLE_FLIGHT" envDefault:"false"`
	StoreTimeout    time.Duration `env:"GOGATE_STORE_TIMEOUT" envDefault:"3s"`
	Timezone        string        `env:"GOGATE_TIMEZONE" envDefault:"UTC"`

	BreakerThreshold int           `env:"GOGATE_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerReset     time.Duration `env:"GOGATE_BREAKER_RESET" envDefault:"30s"`

	UserHeader string `env:"GOGATE_USER_HEADER" envDefault:"X-User-ID"`

	StripeSecretKey     string            `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string            `env:"STRIPE_WEBHOOK_SECRET"`
	StripeTierMapping   map[string]string `env:"STRIPE_TIER_MAPPING" envSeparator:"," envKeyValSeparator:"="`

	MetricsNamespace string `env:"GOGATE_METRICS_NAMESPACE" envDefault:"gogate"`
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() (ServerConfig, error) {
	// A missing .env file is fine
	_ = godotenv.Load()
	return parseConfig(env.ToMap(os.Environ()))
}

func parseConfig(environment map[string]string) (ServerConfig, error) {
	var cfg ServerConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environment}); err != nil {
		return ServerConfig{}, fmt.Errorf("%w: %w", ErrInvalidServerConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// Validate checks combinations the env tags cannot express.
func (c *ServerConfig) Validate() error {
	switch c.Storage {
	case BackendMemory, BackendRedis, BackendFirestore:
	case BackendPostgres, BackendTiered:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%w: POSTGRES_DSN is required for %s storage", ErrInvalidServerConfig, c.Storage)
		}
	default:
		return fmt.Errorf("%w: unknown storage %q", ErrInvalidServerConfig, c.Storage)
	}
	if c.Storage == BackendFirestore && c.FirestoreProject == "" {
		return fmt.Errorf("%w: FIRESTORE_PROJECT is required for firestore storage", ErrInvalidServerConfig)
	}

	switch c.Cache {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("%w: unknown cache %q", ErrInvalidServerConfig, c.Cache)
	}

	if c.StripeSecretKey != "" && len(c.StripeTierMapping) == 0 {
		return fmt.Errorf("%w: STRIPE_TIER_MAPPING is required with STRIPE_SECRET_KEY", ErrInvalidServerConfig)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidServerConfig, err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidServerConfig, err)
	}
	return nil
}

// UsesRedis reports whether any component needs a Redis client.
func (c *ServerConfig) UsesRedis() bool {
	return c.Storage == BackendRedis || c.Storage == BackendTiered || c.Cache == BackendRedis
}

// Location returns the zone usage windows are anchored to.
func (c *ServerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
