package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"quota/internal/idempotency"
	"quota/internal/models"
	"quota/internal/ratelimit"
	"quota/internal/storage"
	"strconv"
	"strings"
	"time"
)

const (
	grantedMessage = "Bought successfully!"
	deniedMessage  = "Too many requests, wait a bit!"
)

// Option configures a Service.
type Option func(*Service)

// WithRecorder reports every outcome to r.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// Service composes the idempotency cache, the quota limiter and the bucket
// store into the purchase and status operations.
type Service struct {
	limiter  QuotaLimiter
	store    storage.BucketStore
	cache    idempotency.Cache
	cacheTTL time.Duration
	recorder Recorder
}

// NewService creates a purchase service. Granted responses are kept in cache
// for cacheTTL.
func NewService(limiter QuotaLimiter, store storage.BucketStore, cache idempotency.Cache, cacheTTL time.Duration, opts ...Option) *Service {
	s := &Service{
		limiter:  limiter,
		store:    store,
		cache:    cache,
		cacheTTL: cacheTTL,
		recorder: noopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Buy answers a purchase request. With an idempotency key, a stored response
// is replayed without touching the quota; concurrent requests for the same
// fresh key wait for the first one and then replay its result. Only grants
// are stored, so a denied request may be retried with the same key.
// Keys share one namespace across clients: a key first used by one client
// replays that client's response to any other client presenting it.
func (s *Service) Buy(ctx context.Context, identity models.ClientIdentity, idempotencyKey string) (*models.PurchaseResult, error) {
	key := strings.TrimSpace(idempotencyKey)

	if key != "" {
		if result, err := s.replay(ctx, key); result != nil || err != nil {
			return result, err
		}

		unlock, err := s.cache.Lock(ctx, key)
		if err != nil {
			return nil, NewInternalError("failed to lock idempotency key", err)
		}
		defer unlock()

		// A holder that just released the key may have stored its result.
		if result, err := s.replay(ctx, key); result != nil || err != nil {
			return result, err
		}
	}

	clientID := identity.Resolve()
	if clientID == "" {
		return nil, NewMissingClientIDError()
	}

	decision, err := s.limiter.TryConsume(ctx, clientID)
	if err != nil {
		return nil, NewInternalError("failed to evaluate quota", err)
	}

	result, err := buildResult(decision)
	if err != nil {
		return nil, NewInternalError("failed to encode purchase response", err)
	}

	if !decision.Allowed {
		s.recorder.PurchaseDenied(ctx)
		return result, nil
	}

	s.recorder.PurchaseGranted(ctx)
	if key != "" {
		if err := s.cache.Set(ctx, key, result.Status, result.Body, s.cacheTTL); err != nil {
			// The unit is already charged; the client still gets its grant.
			slog.Error("Failed to store idempotent response",
				"client_id", clientID,
				"idempotency_key", key,
				"error", err,
			)
		}
	}
	return result, nil
}

// Status reports the purchase total. It reads the bucket without refilling
// or persisting anything.
func (s *Service) Status(ctx context.Context, identity models.ClientIdentity) (*models.StatusResponse, error) {
	clientID := identity.Resolve()
	if clientID == "" {
		return nil, NewMissingClientIDError()
	}

	bucket, err := s.store.Get(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &models.StatusResponse{TotalGranted: 0}, nil
		}
		return nil, NewInternalError("failed to read bucket", err)
	}
	return &models.StatusResponse{TotalGranted: bucket.TotalGranted}, nil
}

// replay returns the stored result for key, or nil on a miss.
func (s *Service) replay(ctx context.Context, key string) (*models.PurchaseResult, error) {
	entry, err := s.cache.Get(ctx, key)
	if err != nil {
		if errors.Is(err, idempotency.ErrMiss) {
			return nil, nil
		}
		return nil, NewInternalError("failed to read idempotency cache", err)
	}

	s.recorder.PurchaseReplayed(ctx)
	slog.Debug("Replaying idempotent response", "idempotency_key", key, "status", entry.Status)

	return &models.PurchaseResult{
		Status:   entry.Status,
		Body:     entry.Body,
		Headers:  map[string]string{},
		Replayed: true,
	}, nil
}

// buildResult serializes the response body once; the same bytes are sent and
// stored for replay.
func buildResult(d ratelimit.Decision) (*models.PurchaseResult, error) {
	headers := map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(d.Limit),
		"X-RateLimit-Remaining": strconv.FormatInt(d.Remaining(), 10),
	}

	var (
		status int
		body   any
	)
	if d.Allowed {
		status = http.StatusOK
		body = models.PurchaseGrantedResponse{
			OK:           true,
			Message:      grantedMessage,
			TotalGranted: d.Bucket.TotalGranted,
		}
	} else {
		status = http.StatusTooManyRequests
		headers["Retry-After"] = strconv.FormatInt(d.RetryAfterSeconds, 10)
		body = models.PurchaseDeniedResponse{
			OK:                false,
			Message:           deniedMessage,
			RetryAfterSeconds: d.RetryAfterSeconds,
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal purchase response: %w", err)
	}
	return &models.PurchaseResult{Status: status, Body: data, Headers: headers}, nil
}
