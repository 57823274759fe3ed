package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig_IsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, StoreTypeMemory, cfg.Store.Type)
	assert.Equal(t, 120*time.Second, cfg.Store.Redis.TTL)
	assert.Equal(t, 60*time.Second, cfg.Idempotency.TTL)
	assert.Equal(t, 1.0, cfg.RateLimit.Capacity)
	assert.Equal(t, 1.0, cfg.RateLimit.RefillPerMinute)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "unknown store type",
			mutate:  func(c *Config) { c.Store.Type = "external" },
			wantErr: "invalid store type",
		},
		{
			name: "redis without address",
			mutate: func(c *Config) {
				c.Store.Type = StoreTypeRedis
				c.Store.Redis.Addr = ""
			},
			wantErr: "redis address is required",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Store.Type = StoreTypePostgres },
			wantErr: "database DSN is required",
		},
		{
			name:    "sqlite without dsn",
			mutate:  func(c *Config) { c.Store.Type = StoreTypeSQLite },
			wantErr: "database DSN is required",
		},
		{
			name:    "unknown idempotency store",
			mutate:  func(c *Config) { c.Idempotency.Store = "disk" },
			wantErr: "invalid idempotency store",
		},
		{
			name:    "zero idempotency ttl",
			mutate:  func(c *Config) { c.Idempotency.TTL = 0 },
			wantErr: "idempotency TTL must be positive",
		},
		{
			name:    "capacity below one",
			mutate:  func(c *Config) { c.RateLimit.Capacity = 0.5 },
			wantErr: "capacity must be at least 1",
		},
		{
			name:    "zero refill",
			mutate:  func(c *Config) { c.RateLimit.RefillPerMinute = 0 },
			wantErr: "refill per minute must be positive",
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "port must be between",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "trace" },
			wantErr: "invalid log level",
		},
		{
			name: "file output without path",
			mutate: func(c *Config) {
				c.Logging.Output = "file"
			},
			wantErr: "file path is required",
		},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Observability.Tracing.Enabled = true
				c.Observability.Tracing.Exporter = "otlp"
			},
			wantErr: "OTLP endpoint is required",
		},
		{
			name: "memory idle ttl without cleanup",
			mutate: func(c *Config) {
				c.Store.Memory.IdleTTL = time.Minute
				c.Store.Memory.CleanupInterval = 0
			},
			wantErr: "memory cleanup interval must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Validate_ExternalStores(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Store.Type = StoreTypeRedis
	cfg.Idempotency.Store = IdempotencyStoreRedis
	assert.NoError(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Store.Type = StoreTypeRedis
	cfg.Idempotency.Store = IdempotencyStoreRedis
	cfg.Store.Redis.Addr = ""
	cfg.Store.Redis.URL = "redis://cache:6379/1"
	assert.NoError(t, cfg.Validate(), "a URL alone is enough to reach redis")

	cfg = NewDefaultConfig()
	cfg.Store.Type = StoreTypeSQLite
	cfg.Store.Database.DSN = "file:quota.db"
	assert.NoError(t, cfg.Validate())
}
