package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"quota/internal/idempotency"
	"quota/internal/models"
	"quota/internal/ratelimit"
	"quota/internal/storage"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) PurchaseGranted(ctx context.Context)  { m.Called(ctx) }
func (m *mockRecorder) PurchaseDenied(ctx context.Context)   { m.Called(ctx) }
func (m *mockRecorder) PurchaseReplayed(ctx context.Context) { m.Called(ctx) }

type countingLimiter struct {
	QuotaLimiter
	mu    sync.Mutex
	calls int
}

func (c *countingLimiter) TryConsume(ctx context.Context, clientID string) (ratelimit.Decision, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	// Widen the window in which a second request could slip past the lock.
	time.Sleep(10 * time.Millisecond)
	return c.QuotaLimiter.TryConsume(ctx, clientID)
}

func (c *countingLimiter) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type testEnv struct {
	service *Service
	store   *storage.MemoryStorage
	cache   idempotency.Cache
	clock   *fakeClock
	limiter *ratelimit.Limiter
}

func newTestEnv(t *testing.T, cache idempotency.Cache, opts ...Option) *testEnv {
	t.Helper()
	store, err := storage.NewMemoryStorage(storage.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if cache == nil {
		cache = idempotency.NewMemoryCache(0)
		t.Cleanup(func() { _ = cache.Close() })
	}

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	limiter, err := ratelimit.NewLimiter(store, models.RateLimitConfig{Capacity: 1, RefillPerMinute: 1}, ratelimit.WithClock(clock.Now))
	require.NoError(t, err)

	return &testEnv{
		service: NewService(limiter, store, cache, time.Minute, opts...),
		store:   store,
		cache:   cache,
		clock:   clock,
		limiter: limiter,
	}
}

func julio() models.ClientIdentity {
	return models.ClientIdentity{ClientID: "julio"}
}

func decodeBody(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func TestBuy_JulioScenario(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first, err := env.service.Buy(ctx, julio(), "k1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, first.Status)
	assert.False(t, first.Replayed)
	assert.JSONEq(t, `{"ok":true,"message":"Bought successfully!","totalGranted":1}`, string(first.Body))
	assert.Equal(t, "1", first.Headers["X-RateLimit-Limit"])
	assert.Equal(t, "0", first.Headers["X-RateLimit-Remaining"])
	assert.Empty(t, first.Headers["Retry-After"])

	second, err := env.service.Buy(ctx, julio(), "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, second.Status)
	assert.JSONEq(t, `{"ok":false,"message":"Too many requests, wait a bit!","retryAfterSeconds":60}`, string(second.Body))
	assert.Equal(t, "60", second.Headers["Retry-After"])
	assert.Equal(t, "1", second.Headers["X-RateLimit-Limit"])
	assert.Equal(t, "0", second.Headers["X-RateLimit-Remaining"])

	env.clock.Advance(30 * time.Second)
	replayed, err := env.service.Buy(ctx, julio(), "k1")
	require.NoError(t, err)
	assert.True(t, replayed.Replayed)
	assert.Equal(t, first.Status, replayed.Status)
	assert.Equal(t, first.Body, replayed.Body, "replay must be byte-identical")

	status, err := env.service.Status(ctx, julio())
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.TotalGranted)

	env.clock.Advance(31 * time.Second)
	third, err := env.service.Buy(ctx, julio(), "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, third.Status)
	assert.Equal(t, float64(2), decodeBody(t, third.Body)["totalGranted"])
}

func TestBuy_DenialIsNotCached(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.service.Buy(ctx, julio(), "")
	require.NoError(t, err)

	denied, err := env.service.Buy(ctx, julio(), "k2")
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, denied.Status)

	_, err = env.cache.Get(ctx, "k2")
	assert.ErrorIs(t, err, idempotency.ErrMiss)

	env.clock.Advance(time.Minute)
	retried, err := env.service.Buy(ctx, julio(), "k2")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, retried.Status)
	assert.False(t, retried.Replayed)
}

func TestBuy_KeysAreSharedAcrossClients(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first, err := env.service.Buy(ctx, julio(), "k1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, first.Status)

	other, err := env.service.Buy(ctx, models.ClientIdentity{ClientID: "maria"}, "k1")
	require.NoError(t, err)
	assert.True(t, other.Replayed)
	assert.Equal(t, first.Body, other.Body)

	_, err = env.store.Get(ctx, "maria")
	assert.ErrorIs(t, err, storage.ErrNotFound, "a replay never touches the presenting client's quota")
}

func TestBuy_MissingClientID(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for _, identity := range []models.ClientIdentity{{}, {ClientID: "   "}, {Subject: " ", Fallback: "\t"}} {
		_, err := env.service.Buy(ctx, identity, "k3")

		var svcErr *ServiceError
		require.ErrorAs(t, err, &svcErr)
		assert.Equal(t, http.StatusBadRequest, svcErr.StatusCode)
		assert.Equal(t, models.ErrorCodeMissingClientID, svcErr.Code)
	}
	assert.Equal(t, 0, env.store.Len())
}

func TestBuy_IdentityPrecedence(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.service.Buy(ctx, models.ClientIdentity{Subject: "julio@example.com", ClientID: "header", Fallback: "query"}, "")
	require.NoError(t, err)

	_, err = env.store.Get(ctx, "julio@example.com")
	assert.NoError(t, err)
	_, err = env.store.Get(ctx, "header")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBuy_ConcurrentSameKeyRunsLimiterOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	counting := &countingLimiter{QuotaLimiter: env.limiter}
	service := NewService(counting, env.store, env.cache, time.Minute)

	const requests = 10
	results := make([]*models.PurchaseResult, requests)
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := service.Buy(context.Background(), julio(), "same-key")
			if assert.NoError(t, err) {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, counting.Calls())
	replays := 0
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, http.StatusOK, res.Status)
		assert.Equal(t, results[0].Body, res.Body)
		if res.Replayed {
			replays++
		}
	}
	assert.Equal(t, requests-1, replays)
}

func TestBuy_ConcurrentDistinctKeysGrantOnce(t *testing.T) {
	env := newTestEnv(t, nil)

	const requests = 20
	var granted int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.service.Buy(context.Background(), julio(), "")
			if assert.NoError(t, err) && res.Status == http.StatusOK {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
}

func TestBuy_IdempotencyTTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := newTestEnv(t, idempotency.NewRedisCache(client, time.Second, 5*time.Millisecond))
	ctx := context.Background()

	first, err := env.service.Buy(ctx, julio(), "k1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, first.Status)

	mr.FastForward(61 * time.Second)
	env.clock.Advance(10 * time.Second)

	again, err := env.service.Buy(ctx, julio(), "k1")
	require.NoError(t, err)
	assert.False(t, again.Replayed)
	assert.Equal(t, http.StatusTooManyRequests, again.Status)
	assert.Equal(t, "50", again.Headers["Retry-After"])
}

type failingBucketStore struct {
	storage.BucketStore
	err error
}

func (f *failingBucketStore) Get(ctx context.Context, clientID string) (*models.ClientBucket, error) {
	return nil, f.err
}

func (f *failingBucketStore) Update(ctx context.Context, clientID string, fn storage.UpdateFunc) (*models.ClientBucket, error) {
	return nil, f.err
}

func TestBuy_StoreErrorIsInternal(t *testing.T) {
	ioErr := errors.New("connection refused")
	store := &failingBucketStore{err: ioErr}
	limiter, err := ratelimit.NewLimiter(store, models.RateLimitConfig{Capacity: 1, RefillPerMinute: 1})
	require.NoError(t, err)

	cache := idempotency.NewMemoryCache(0)
	defer cache.Close()
	service := NewService(limiter, store, cache, time.Minute)

	_, err = service.Buy(context.Background(), julio(), "k1")
	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, http.StatusInternalServerError, svcErr.StatusCode)
	assert.ErrorIs(t, err, ioErr)

	_, err = cache.Get(context.Background(), "k1")
	assert.ErrorIs(t, err, idempotency.ErrMiss)

	_, err = service.Status(context.Background(), julio())
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, http.StatusInternalServerError, svcErr.StatusCode)
}

type brokenCache struct {
	idempotency.Cache
}

func (brokenCache) Set(ctx context.Context, key string, status int, body []byte, ttl time.Duration) error {
	return errors.New("cache unavailable")
}

func TestBuy_CacheWriteFailureStillGrants(t *testing.T) {
	inner := idempotency.NewMemoryCache(0)
	defer inner.Close()

	env := newTestEnv(t, brokenCache{Cache: inner})

	res, err := env.service.Buy(context.Background(), julio(), "k1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
}

func TestBuy_RecordsOutcomes(t *testing.T) {
	recorder := &mockRecorder{}
	recorder.On("PurchaseGranted", mock.Anything).Once()
	recorder.On("PurchaseDenied", mock.Anything).Once()
	recorder.On("PurchaseReplayed", mock.Anything).Once()

	env := newTestEnv(t, nil, WithRecorder(recorder))
	ctx := context.Background()

	_, err := env.service.Buy(ctx, julio(), "k1")
	require.NoError(t, err)
	_, err = env.service.Buy(ctx, julio(), "")
	require.NoError(t, err)
	_, err = env.service.Buy(ctx, julio(), "k1")
	require.NoError(t, err)

	recorder.AssertExpectations(t)
}

func TestStatus_UnknownClient(t *testing.T) {
	env := newTestEnv(t, nil)

	status, err := env.service.Status(context.Background(), models.ClientIdentity{ClientID: "nobody"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.TotalGranted)
	assert.Equal(t, 0, env.store.Len(), "status must not create a bucket")
}

func TestStatus_MissingClientID(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.service.Status(context.Background(), models.ClientIdentity{})
	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, http.StatusBadRequest, svcErr.StatusCode)
}

func TestServiceError(t *testing.T) {
	inner := errors.New("boom")
	err := NewInternalError("failed to evaluate quota", inner)
	assert.Equal(t, "failed to evaluate quota: boom", err.Error())
	assert.ErrorIs(t, err, inner)

	assert.Equal(t, "missing_client_id", NewMissingClientIDError().Error())
}
