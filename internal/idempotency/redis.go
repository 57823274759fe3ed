package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"quota/internal/models"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	entryKeyPrefix = "quota:idem:"
	lockKeyPrefix  = "quota:idem-lock:"
)

// releaseLock deletes the lock only while it still carries our token, so an
// expired lock re-acquired by someone else is left alone.
var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendLock pushes the lock expiry out only while it still carries our token.
var extendLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisCache stores entries as JSON with native key expiry. The in-flight
// lock is a SET NX PX key holding a random token; while held, its lease is
// extended every third of lockTTL.
type RedisCache struct {
	client   redis.UniversalClient
	lockTTL  time.Duration
	lockPoll time.Duration
}

// NewRedisCache wraps client. lockTTL bounds how long a crashed holder can
// block a key, since a live holder keeps renewing it; lockPoll is the retry
// interval while waiting for it.
func NewRedisCache(client redis.UniversalClient, lockTTL, lockPoll time.Duration) *RedisCache {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	if lockPoll <= 0 {
		lockPoll = 25 * time.Millisecond
	}
	return &RedisCache{client: client, lockTTL: lockTTL, lockPoll: lockPoll}
}

// Get returns ErrMiss for absent keys and for payloads that do not decode.
// Transport failures are returned as errors.
func (rc *RedisCache) Get(ctx context.Context, key string) (*models.IdempotencyEntry, error) {
	data, err := rc.client.Get(ctx, entryKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("failed to read idempotency entry: %w", err)
	}

	var entry models.IdempotencyEntry
	if err := json.Unmarshal(data, &entry); err != nil || entry.Status == 0 {
		slog.Warn("Discarding malformed idempotency entry", "key", key, "error", err)
		return nil, ErrMiss
	}
	return &entry, nil
}

func (rc *RedisCache) Set(ctx context.Context, key string, status int, body []byte, ttl time.Duration) error {
	data, err := json.Marshal(models.IdempotencyEntry{
		Status:    status,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode idempotency entry: %w", err)
	}
	if err := rc.client.Set(ctx, entryKeyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write idempotency entry: %w", err)
	}
	return nil
}

// Lock polls SET NX until it wins or ctx is done. The returned release
// function stops the lease renewal and deletes the lock.
func (rc *RedisCache) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := lockKeyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(rc.lockPoll)
	defer ticker.Stop()

	for {
		ok, err := rc.client.SetNX(ctx, lockKey, token, rc.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire idempotency lock: %w", err)
		}
		if ok {
			return rc.hold(lockKey, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// hold starts renewing the lease and returns the release function.
func (rc *RedisCache) hold(lockKey, token string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		rc.renew(lockKey, token, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			rc.unlock(lockKey, token)
		})
	}
}

func (rc *RedisCache) renew(lockKey, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(rc.lockTTL / 3)
	defer ticker.Stop()

	ttl := rc.lockTTL.Milliseconds()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), rc.lockTTL/3)
		extended, err := extendLock.Run(ctx, rc.client, []string{lockKey}, token, ttl).Int()
		cancel()
		switch {
		case err != nil:
			slog.Warn("Failed to extend idempotency lock", "key", lockKey, "error", err)
		case extended == 0:
			slog.Warn("Idempotency lock expired while held", "key", lockKey)
			return
		}
	}
}

func (rc *RedisCache) unlock(lockKey, token string) {
	// The request context may already be cancelled; the lock must still go.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	released, err := releaseLock.Run(ctx, rc.client, []string{lockKey}, token).Int()
	switch {
	case err != nil:
		slog.Warn("Failed to release idempotency lock", "key", lockKey, "error", err)
	case released == 0:
		slog.Warn("Idempotency lock was no longer held at release", "key", lockKey)
	}
}

// Close is a no-op; the client belongs to the caller.
func (rc *RedisCache) Close() error {
	return nil
}
