package storage

import (
	"context"
	"errors"
	"quota/internal/models"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStorage(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisStorageWithClient(client, time.Minute)
	defer store.Close()

	runBucketStoreContract(t, store)
}

func TestRedisStorage_KeysExpire(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStorageWithClient(client, 120*time.Second)
	ctx := context.Background()

	_, err := store.Update(ctx, "julio", func(current *models.ClientBucket) (*models.ClientBucket, error) {
		return models.NewFullBucket(1, time.Now()), nil
	})
	require.NoError(t, err)

	assert.True(t, mr.Exists("quota:bucket:julio"))
	assert.Equal(t, 120*time.Second, mr.TTL("quota:bucket:julio"))

	mr.FastForward(121 * time.Second)
	_, err = store.Get(ctx, "julio")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStorage_CorruptValueIsAnError(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStorageWithClient(client, time.Minute)

	require.NoError(t, mr.Set("quota:bucket:broken", "{not json"))

	_, err := store.Get(context.Background(), "broken")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	_, err = store.Update(context.Background(), "broken", func(current *models.ClientBucket) (*models.ClientBucket, error) {
		t.Fatal("update function must not run on a corrupt bucket")
		return nil, nil
	})
	assert.Error(t, err)
}

func TestRedisStorage_ReplicasRetryUntilCommitted(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	// Two stores on separate clients stand in for two service replicas; they
	// share no in-process lock, so they race through WATCH/MULTI.
	replicas := make([]*RedisStorage, 2)
	for i := range replicas {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr(), PoolSize: 64})
		t.Cleanup(func() { _ = client.Close() })
		replicas[i] = NewRedisStorageWithClient(client, time.Minute)
	}

	const workers = 60
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(store *RedisStorage) {
			defer wg.Done()
			_, err := store.Update(ctx, "julio", func(current *models.ClientBucket) (*models.ClientBucket, error) {
				if current == nil {
					return &models.ClientBucket{LastRefillAt: time.Now(), TotalGranted: 1}, nil
				}
				next := current.Clone()
				next.TotalGranted++
				return next, nil
			})
			errs <- err
		}(replicas[i%len(replicas)])
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	got, err := replicas[0].Get(ctx, "julio")
	require.NoError(t, err)
	assert.Equal(t, int64(workers), got.TotalGranted)
}

func TestRedisStorage_ConflictStopsWhenContextEnds(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStorageWithClient(client, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	calls := 0
	_, err := store.Update(ctx, "julio", func(current *models.ClientBucket) (*models.ClientBucket, error) {
		calls++
		// A write from outside the transaction invalidates the WATCH every time.
		require.NoError(t, mr.Set("quota:bucket:julio", `{"tokens":0}`))
		return &models.ClientBucket{Tokens: 1, LastRefillAt: time.Now()}, nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Greater(t, calls, 1, "conflicts are retried while the context is alive")
}

func TestRedisStorage_UnavailableBackend(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStorageWithClient(client, time.Minute)
	mr.Close()

	_, err := store.Get(context.Background(), "julio")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Error(t, store.Ping(context.Background()))
}

func TestNewRedisStorage(t *testing.T) {
	t.Run("pings on construction", func(t *testing.T) {
		mr := miniredis.RunT(t)
		store, err := NewRedisStorage(Config{Redis: models.RedisConfig{Addr: mr.Addr(), TTL: time.Minute}})
		require.NoError(t, err)
		assert.NoError(t, store.Ping(context.Background()))
		assert.NoError(t, store.Close())
	})

	t.Run("connects through a URL", func(t *testing.T) {
		mr := miniredis.RunT(t)
		store, err := NewRedisStorage(Config{Redis: models.RedisConfig{
			URL: "redis://" + mr.Addr() + "/2",
			TTL: time.Minute,
		}})
		require.NoError(t, err)
		defer store.Close()

		require.NoError(t, store.Set(context.Background(), "julio", models.NewFullBucket(1, time.Now())))
		assert.True(t, mr.DB(2).Exists("quota:bucket:julio"), "the database number comes from the URL path")
		assert.False(t, mr.DB(0).Exists("quota:bucket:julio"))
	})

	t.Run("malformed URL fails", func(t *testing.T) {
		_, err := NewRedisStorage(Config{Redis: models.RedisConfig{URL: "http://not-redis", TTL: time.Minute}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid redis URL")
	})

	t.Run("unreachable redis fails", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		_, err := NewRedisStorage(Config{Redis: models.RedisConfig{Addr: addr, DialTimeout: 200 * time.Millisecond}})
		assert.Error(t, err)
	})
}
