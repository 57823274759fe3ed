package storage

import (
	"fmt"
	"quota/internal/models"
)

// Factory provides a centralized way to create bucket stores based on configuration.
type Factory struct{}

// NewFactory creates a new storage factory
func NewFactory() *Factory {
	return &Factory{}
}

// Create instantiates a bucket store based on the provided configuration.
// Supported providers:
//   - memory: in-process map, state is lost on restart
//   - redis: shared across instances, optimistic WATCH transactions
//   - postgres: PostgreSQL table with a version column
//   - sqlite: single-file database for small deployments
//
// External backends are pinged before they are returned; the caller must treat
// an error as fatal rather than fall back to memory.
func (f *Factory) Create(config models.StoreConfig) (BucketStore, error) {
	if err := f.ValidateConfig(config); err != nil {
		return nil, err
	}

	storageConfig := Config{
		Type:             config.Type,
		ConnectionString: config.Database.DSN,
		Redis:            config.Redis,
		Database:         config.Database,
		Memory:           config.Memory,
	}

	var (
		store BucketStore
		err   error
	)
	switch config.Type {
	case models.StoreTypeMemory:
		store, err = NewMemoryStorage(storageConfig)
	case models.StoreTypeRedis:
		store, err = NewRedisStorage(storageConfig)
	case models.StoreTypePostgres:
		store, err = NewPostgresStorage(storageConfig)
	case models.StoreTypeSQLite:
		store, err = NewSQLiteStorage(storageConfig)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", config.Type)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

// GetSupportedProviders returns a list of all supported storage provider types
func (f *Factory) GetSupportedProviders() []string {
	return []string{models.StoreTypeMemory, models.StoreTypeRedis, models.StoreTypePostgres, models.StoreTypeSQLite}
}

// ValidateConfig validates that a storage configuration is valid for its type
func (f *Factory) ValidateConfig(config models.StoreConfig) error {
	switch config.Type {
	case models.StoreTypeMemory:
		if config.Memory.IdleTTL < 0 {
			return fmt.Errorf("memory idle TTL cannot be negative")
		}
	case models.StoreTypeRedis:
		if config.Redis.Addr == "" && config.Redis.URL == "" {
			return fmt.Errorf("redis address is required for redis storage")
		}
	case models.StoreTypePostgres, models.StoreTypeSQLite:
		if config.Database.DSN == "" {
			return fmt.Errorf("database DSN is required for %s storage", config.Type)
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", config.Type)
	}
	return nil
}
