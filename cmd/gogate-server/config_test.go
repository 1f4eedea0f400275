package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := parseConfig(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, BackendMemory, cfg.Storage)
	assert.Equal(t, BackendMemory, cfg.Cache)
	assert.Equal(t, time.Minute, cfg.DecisionTTL)
	assert.Equal(t, 5*time.Minute, cfg.SubscriptionTTL)
	assert.Equal(t, 3*time.Second, cfg.StoreTimeout)
	assert.Equal(t, "X-User-ID", cfg.UserHeader)
	assert.False(t, cfg.SingleFlight)
	assert.False(t, cfg.UsesRedis())
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestParseConfig_Overrides(t *testing.T) {
	cfg, err := parseConfig(map[string]string{
		"GOGATE_STORAGE":        "tiered",
		"POSTGRES_DSN":          "postgres://localhost/gogate",
		"GOGATE_CACHE":          "redis",
		"GOGATE_DECISION_TTL":   "30s",
		"GOGATE_SINGLE_FLIGHT":  "true",
		"GOGATE_TIMEZONE":       "Europe/Berlin",
		"STRIPE_SECRET_KEY":     "sk_test_123",
		"STRIPE_WEBHOOK_SECRET": "whsec_123",
		"STRIPE_TIER_MAPPING":   "price_pro=pro,price_basic=basic,*=free",
	})
	require.NoError(t, err)

	assert.Equal(t, BackendTiered, cfg.Storage)
	assert.True(t, cfg.UsesRedis())
	assert.Equal(t, 30*time.Second, cfg.DecisionTTL)
	assert.True(t, cfg.SingleFlight)
	assert.Equal(t, "Europe/Berlin", cfg.Location().String())
	assert.Equal(t, map[string]string{
		"price_pro":   "pro",
		"price_basic": "basic",
		"*":           "free",
	}, cfg.StripeTierMapping)
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown storage", map[string]string{"GOGATE_STORAGE": "cassandra"}},
		{"postgres without dsn", map[string]string{"GOGATE_STORAGE": "postgres"}},
		{"tiered without dsn", map[string]string{"GOGATE_STORAGE": "tiered"}},
		{"firestore without project", map[string]string{"GOGATE_STORAGE": "firestore"}},
		{"unknown cache", map[string]string{"GOGATE_CACHE": "memcached"}},
		{"stripe without mapping", map[string]string{"STRIPE_SECRET_KEY": "sk_test_123"}},
		{"bad log level", map[string]string{"GOGATE_LOG_LEVEL": "loud"}},
		{"bad timezone", map[string]string{"GOGATE_TIMEZONE": "Mars/Olympus"}},
		{"bad duration", map[string]string{"GOGATE_DECISION_TTL": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseConfig(tt.env)
			assert.ErrorIs(t, err, ErrInvalidServerConfig)
		})
	}
}
