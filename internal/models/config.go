// Package models - Service configuration and operational settings.
// This file defines the configuration structures for every component of the
// quota service: HTTP server, bucket store, idempotency cache, rate limit
// parameters, security, logging, metrics and tracing.
//
// Configuration Philosophy:
// - Hierarchical configuration with logical grouping
// - Defaults that run out of the box with in-process storage
// - Backend selection is always an explicit enumerated choice
// - Validation catches misconfigurations before anything is dialed
package models

import (
	"errors"
	"fmt"
	"time"
)

// Store type constants
const (
	StoreTypeMemory   = "memory"
	StoreTypeRedis    = "redis"
	StoreTypePostgres = "postgres"
	StoreTypeSQLite   = "sqlite"
)

// Idempotency cache backend constants
const (
	IdempotencyStoreMemory = "memory"
	IdempotencyStoreRedis  = "redis"
)

// Config is the root configuration structure containing all service settings.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`               // HTTP server configuration
	Store         StoreConfig         `yaml:"store" json:"store"`                 // Bucket persistence backend
	Idempotency   IdempotencyConfig   `yaml:"idempotency" json:"idempotency"`     // Replay cache
	RateLimit     RateLimitConfig     `yaml:"rate_limit" json:"rate_limit"`       // Token bucket parameters
	Security      SecurityConfig      `yaml:"security" json:"security"`           // Identity and ingress throttling
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`             // Logging and output configuration
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`             // Prometheus endpoint
	Observability ObservabilityConfig `yaml:"observability" json:"observability"` // Tracing
}

type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	Host         string        `yaml:"host" json:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled" json:"tls_enabled"`
	TLSCertFile  string        `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file" json:"tls_key_file"`
}

// StoreConfig selects and configures the bucket store backend.
type StoreConfig struct {
	Type     string            `yaml:"type" json:"type"`
	Redis    RedisConfig       `yaml:"redis" json:"redis"`
	Database DatabaseConfig    `yaml:"database" json:"database"`
	Memory   MemoryStoreConfig `yaml:"memory" json:"memory"`
}

// RedisConfig describes the redis connection. URL, when set, takes
// precedence over Addr, Password and DB.
type RedisConfig struct {
	URL         string        `yaml:"url" json:"url"`
	Addr        string        `yaml:"addr" json:"addr"`
	Password    string        `yaml:"password" json:"password"`
	DB          int           `yaml:"db" json:"db"`
	PoolSize    int           `yaml:"pool_size" json:"pool_size"`
	TTL         time.Duration `yaml:"ttl" json:"ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// MemoryStoreConfig controls the optional idle sweep of the in-process store.
// A zero IdleTTL keeps buckets for the process lifetime.
type MemoryStoreConfig struct {
	IdleTTL         time.Duration `yaml:"idle_ttl" json:"idle_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

type IdempotencyConfig struct {
	Store           string        `yaml:"store" json:"store"`
	TTL             time.Duration `yaml:"ttl" json:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	LockTTL         time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
	LockPoll        time.Duration `yaml:"lock_poll" json:"lock_poll"`
}

type RateLimitConfig struct {
	Capacity        float64 `yaml:"capacity" json:"capacity"`
	RefillPerMinute float64 `yaml:"refill_per_minute" json:"refill_per_minute"`
}

type SecurityConfig struct {
	JWTSecret    string             `yaml:"jwt_secret" json:"jwt_secret"`
	TokenTTL     time.Duration      `yaml:"token_ttl" json:"token_ttl"`
	IngressLimit IngressLimitConfig `yaml:"ingress_limit" json:"ingress_limit"`
}

// IngressLimitConfig throttles raw request volume per remote address. It is
// unrelated to the purchase quota and only protects the HTTP surface.
type IngressLimitConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute"`
	BurstSize         int           `yaml:"burst_size" json:"burst_size"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// NewDefaultConfig creates a configuration that runs without any external
// dependency: in-process buckets and idempotency cache, one unit per minute.
//
// Default Values Rationale:
// - Redis TTL 120s: twice the refill window, so an idle client's bucket is
//   always full again by the time its key expires
// - Idempotency TTL 60s: one refill window
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         3000,
			Host:         "0.0.0.0",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Store: StoreConfig{
			Type: StoreTypeMemory,
			Redis: RedisConfig{
				Addr:        "localhost:6379",
				PoolSize:    10,
				TTL:         120 * time.Second,
				DialTimeout: 5 * time.Second,
			},
			Database: DatabaseConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
			Memory: MemoryStoreConfig{
				CleanupInterval: time.Minute,
			},
		},
		Idempotency: IdempotencyConfig{
			Store:           IdempotencyStoreMemory,
			TTL:             60 * time.Second,
			CleanupInterval: time.Minute,
			LockTTL:         10 * time.Second,
			LockPoll:        25 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Capacity:        1,
			RefillPerMinute: 1,
		},
		Security: SecurityConfig{
			TokenTTL: time.Hour,
			IngressLimit: IngressLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 600,
				BurstSize:         50,
				CleanupInterval:   5 * time.Minute,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "quota",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("invalid store config: %w", err)
	}

	if err := c.Idempotency.Validate(); err != nil {
		return fmt.Errorf("invalid idempotency config: %w", err)
	}

	if c.Idempotency.Store == IdempotencyStoreRedis && c.Store.Redis.Addr == "" && c.Store.Redis.URL == "" {
		return errors.New("invalid idempotency config: redis address is required for the redis cache")
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit config: %w", err)
	}

	if err := c.Security.Validate(); err != nil {
		return fmt.Errorf("invalid security config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}

	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("invalid observability config: %w", err)
	}

	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}

	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}

	if sc.ReadTimeout < 0 || sc.WriteTimeout < 0 || sc.IdleTimeout < 0 {
		return errors.New("timeouts cannot be negative")
	}

	if sc.TLSEnabled {
		if sc.TLSCertFile == "" {
			return errors.New("TLS cert file is required when TLS is enabled")
		}
		if sc.TLSKeyFile == "" {
			return errors.New("TLS key file is required when TLS is enabled")
		}
	}

	return nil
}

func (stc *StoreConfig) Validate() error {
	switch stc.Type {
	case StoreTypeMemory:
		if stc.Memory.IdleTTL < 0 {
			return errors.New("memory idle TTL cannot be negative")
		}
		if stc.Memory.IdleTTL > 0 && stc.Memory.CleanupInterval <= 0 {
			return errors.New("memory cleanup interval must be positive when idle TTL is set")
		}
	case StoreTypeRedis:
		if stc.Redis.Addr == "" && stc.Redis.URL == "" {
			return errors.New("redis address is required for redis store")
		}
		if stc.Redis.TTL <= 0 {
			return errors.New("redis TTL must be positive")
		}
	case StoreTypePostgres, StoreTypeSQLite:
		if stc.Database.DSN == "" {
			return fmt.Errorf("database DSN is required for %s store", stc.Type)
		}
	default:
		return fmt.Errorf("invalid store type: %s", stc.Type)
	}
	return nil
}

func (ic *IdempotencyConfig) Validate() error {
	if ic.Store != IdempotencyStoreMemory && ic.Store != IdempotencyStoreRedis {
		return fmt.Errorf("invalid idempotency store: %s", ic.Store)
	}
	if ic.TTL <= 0 {
		return errors.New("idempotency TTL must be positive")
	}
	if ic.Store == IdempotencyStoreMemory && ic.CleanupInterval <= 0 {
		return errors.New("idempotency cleanup interval must be positive")
	}
	if ic.LockTTL <= 0 || ic.LockPoll <= 0 {
		return errors.New("idempotency lock TTL and poll interval must be positive")
	}
	return nil
}

func (rc *RateLimitConfig) Validate() error {
	if rc.Capacity < 1 {
		return errors.New("capacity must be at least 1")
	}
	if rc.RefillPerMinute <= 0 {
		return errors.New("refill per minute must be positive")
	}
	return nil
}

func (sec *SecurityConfig) Validate() error {
	if sec.TokenTTL <= 0 {
		return errors.New("token TTL must be positive")
	}
	if sec.IngressLimit.Enabled {
		if sec.IngressLimit.RequestsPerMinute <= 0 {
			return errors.New("ingress requests per minute must be positive")
		}
		if sec.IngressLimit.BurstSize <= 0 {
			return errors.New("ingress burst size must be positive")
		}
		if sec.IngressLimit.CleanupInterval <= 0 {
			return errors.New("ingress cleanup interval must be positive")
		}
	}
	return nil
}

func (lc *LoggingConfig) Validate() error {
	if !oneOf(lc.Level, "debug", "info", "warn", "error") {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}

	if !oneOf(lc.Format, "json", "text") {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}

	if !oneOf(lc.Output, "stdout", "stderr", "file") {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}

	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}

	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}

	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}

	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}

	return nil
}

func (oc *ObservabilityConfig) Validate() error {
	if oc.ServiceName == "" {
		return errors.New("service name cannot be empty")
	}
	if !oc.Tracing.Enabled {
		return nil
	}
	if !oneOf(oc.Tracing.Exporter, "stdout", "otlp") {
		return fmt.Errorf("invalid trace exporter: %s", oc.Tracing.Exporter)
	}
	if oc.Tracing.Exporter == "otlp" && oc.Tracing.OTLPEndpoint == "" {
		return errors.New("OTLP endpoint is required for the otlp exporter")
	}
	return nil
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
