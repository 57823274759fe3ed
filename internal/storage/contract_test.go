package storage

import (
	"context"
	"errors"
	"fmt"
	"quota/internal/models"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runBucketStoreContract exercises the behaviour every backend must share.
func runBucketStoreContract(t *testing.T, store BucketStore) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Get missing bucket", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Set then Get", func(t *testing.T) {
		bucket := &models.ClientBucket{Tokens: 0.25, LastRefillAt: now, TotalGranted: 3}
		require.NoError(t, store.Set(ctx, "set-get", bucket))

		got, err := store.Get(ctx, "set-get")
		require.NoError(t, err)
		assert.InDelta(t, 0.25, got.Tokens, 1e-9)
		assert.True(t, got.LastRefillAt.Equal(now))
		assert.Equal(t, int64(3), got.TotalGranted)
	})

	t.Run("Set overwrites", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "overwrite", &models.ClientBucket{Tokens: 1, LastRefillAt: now}))
		require.NoError(t, store.Set(ctx, "overwrite", &models.ClientBucket{Tokens: 0, LastRefillAt: now, TotalGranted: 1}))

		got, err := store.Get(ctx, "overwrite")
		require.NoError(t, err)
		assert.Equal(t, float64(0), got.Tokens)
		assert.Equal(t, int64(1), got.TotalGranted)
	})

	t.Run("Update sees nil for new client", func(t *testing.T) {
		var seen *models.ClientBucket
		sawCall := false
		written, err := store.Update(ctx, "fresh", func(current *models.ClientBucket) (*models.ClientBucket, error) {
			sawCall = true
			seen = current
			return models.NewFullBucket(1, now), nil
		})
		require.NoError(t, err)
		assert.True(t, sawCall)
		assert.Nil(t, seen)
		assert.Equal(t, float64(1), written.Tokens)

		got, err := store.Get(ctx, "fresh")
		require.NoError(t, err)
		assert.Equal(t, float64(1), got.Tokens)
	})

	t.Run("Update error aborts write", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "abort", &models.ClientBucket{Tokens: 1, LastRefillAt: now}))

		boom := errors.New("boom")
		_, err := store.Update(ctx, "abort", func(current *models.ClientBucket) (*models.ClientBucket, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := store.Get(ctx, "abort")
		require.NoError(t, err)
		assert.Equal(t, float64(1), got.Tokens)
	})

	t.Run("Concurrent updates are serialized", func(t *testing.T) {
		const workers = 50
		var wg sync.WaitGroup
		errs := make(chan error, workers)

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Update(ctx, "counter", func(current *models.ClientBucket) (*models.ClientBucket, error) {
					if current == nil {
						return &models.ClientBucket{LastRefillAt: now, TotalGranted: 1}, nil
					}
					next := current.Clone()
					next.TotalGranted++
					return next, nil
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}

		got, err := store.Get(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, int64(workers), got.TotalGranted)
	})

	t.Run("Keys are independent", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			id := fmt.Sprintf("independent-%d", i)
			require.NoError(t, store.Set(ctx, id, &models.ClientBucket{LastRefillAt: now, TotalGranted: int64(i)}))
		}
		for i := 0; i < 3; i++ {
			got, err := store.Get(ctx, fmt.Sprintf("independent-%d", i))
			require.NoError(t, err)
			assert.Equal(t, int64(i), got.TotalGranted)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(ctx))
	})
}
