package storage

import (
	"context"
	"errors"
	"fmt"
	"quota/internal/keylock"
	"quota/internal/models"
	"time"

	"github.com/redis/go-redis/v9"
)

const bucketKeyPrefix = "quota:bucket:"

// RedisStorage implements BucketStore on redis. Every write carries an expiry
// so abandoned clients do not accumulate; Update is an optimistic
// WATCH/MULTI/EXEC transaction retried on conflict. Callers in the same
// process queue on a per-client lock first, so conflicts only come from
// other replicas.
type RedisStorage struct {
	client     redis.UniversalClient
	ttl        time.Duration
	locks      *keylock.Table
	ownsClient bool
}

// NewRedisClient dials redis and verifies it answers. A failure here is meant
// to stop startup; callers must not fall back to another backend.
func NewRedisClient(cfg models.RedisConfig) (*redis.Client, error) {
	opts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", opts.Addr, err)
	}
	return client, nil
}

// redisOptions builds client options from a redis:// or rediss:// URL when
// one is configured, otherwise from the discrete fields.
func redisOptions(cfg models.RedisConfig) (*redis.Options, error) {
	if cfg.URL == "" {
		return &redis.Options{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			PoolSize:    cfg.PoolSize,
			DialTimeout: cfg.DialTimeout,
		}, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	return opts, nil
}

// NewRedisStorage creates a redis-backed store with its own client.
func NewRedisStorage(config Config) (*RedisStorage, error) {
	client, err := NewRedisClient(config.Redis)
	if err != nil {
		return nil, err
	}
	s := NewRedisStorageWithClient(client, config.Redis.TTL)
	s.ownsClient = true
	return s, nil
}

// NewRedisStorageWithClient wraps an existing client. The caller keeps
// ownership of the client and closes it.
func NewRedisStorageWithClient(client redis.UniversalClient, ttl time.Duration) *RedisStorage {
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	return &RedisStorage{client: client, ttl: ttl, locks: keylock.New(0)}
}

func bucketKey(clientID string) string {
	return bucketKeyPrefix + clientID
}

// Get retrieves the bucket; redis.Nil is the only reply mapped to ErrNotFound.
func (rs *RedisStorage) Get(ctx context.Context, clientID string) (*models.ClientBucket, error) {
	return readBucket(ctx, rs.client, clientID)
}

// Set writes the bucket with the configured expiry
func (rs *RedisStorage) Set(ctx context.Context, clientID string, bucket *models.ClientBucket) error {
	data, err := marshalBucket(bucket)
	if err != nil {
		return err
	}
	if err := rs.client.Set(ctx, bucketKey(clientID), data, rs.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write bucket %s: %w", clientID, err)
	}
	return nil
}

// Update watches the bucket key, computes the next state and commits it in
// a MULTI block; a concurrent write to the key aborts the commit and the
// whole read-compute-write is retried after a jittered backoff until ctx ends.
func (rs *RedisStorage) Update(ctx context.Context, clientID string, fn UpdateFunc) (*models.ClientBucket, error) {
	unlock, err := rs.locks.LockContext(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("update bucket %s: %w", clientID, err)
	}
	defer unlock()

	key := bucketKey(clientID)

	for attempt := 0; ; attempt++ {
		var written *models.ClientBucket

		err := rs.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := readBucket(ctx, tx, clientID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}

			next, err := fn(current)
			if err != nil {
				return err
			}
			data, err := marshalBucket(next)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, rs.ttl)
				return nil
			})
			if err == nil {
				written = next
			}
			return err
		}, key)

		switch {
		case err == nil:
			return written.Clone(), nil
		case !errors.Is(err, redis.TxFailedErr):
			return nil, err
		}

		if err := waitRetry(ctx, attempt); err != nil {
			return nil, fmt.Errorf("update bucket %s: %w: %w", clientID, ErrConflict, err)
		}
	}
}

// Ping checks redis connectivity
func (rs *RedisStorage) Ping(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

// Close closes the client when this store created it
func (rs *RedisStorage) Close() error {
	if rs.ownsClient {
		return rs.client.Close()
	}
	return nil
}

func readBucket(ctx context.Context, c redis.Cmdable, clientID string) (*models.ClientBucket, error) {
	data, err := c.Get(ctx, bucketKey(clientID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read bucket %s: %w", clientID, err)
	}
	return unmarshalBucket(data)
}
