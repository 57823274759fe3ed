package idempotency

import (
	"fmt"
	"quota/internal/models"

	"github.com/redis/go-redis/v9"
)

// New builds the cache selected by cfg. The redis client is only needed for
// the redis backend and stays owned by the caller.
func New(cfg models.IdempotencyConfig, client redis.UniversalClient) (Cache, error) {
	switch cfg.Store {
	case models.IdempotencyStoreMemory:
		return NewMemoryCache(cfg.CleanupInterval), nil
	case models.IdempotencyStoreRedis:
		if client == nil {
			return nil, fmt.Errorf("redis idempotency cache requires a redis client")
		}
		return NewRedisCache(client, cfg.LockTTL, cfg.LockPoll), nil
	default:
		return nil, fmt.Errorf("unsupported idempotency store: %s", cfg.Store)
	}
}
