// Package ratelimit holds the per-client purchase quota, a token bucket with a
// continuous refill persisted through a storage.BucketStore, and the
// per-IP ingress throttle that guards the HTTP surface.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"quota/internal/models"
	"quota/internal/storage"
	"time"
)

// Decision is the outcome of one quota evaluation.
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int64
	// Bucket is the state that was persisted by this evaluation.
	Bucket models.ClientBucket
	// Limit is the bucket capacity, reported to clients as X-RateLimit-Limit.
	Limit int
}

// Remaining is the whole number of tokens left after this evaluation.
func (d Decision) Remaining() int64 {
	return d.Bucket.Remaining()
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now as the limiter's time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// Limiter enforces the purchase quota. Every evaluation, granted or denied,
// writes the refilled bucket back so the next one starts from it.
type Limiter struct {
	store           storage.BucketStore
	capacity        float64
	refillPerMinute float64
	now             func() time.Time
}

// NewLimiter creates a limiter over store. Capacity must allow at least one
// purchase and the refill rate must be positive.
func NewLimiter(store storage.BucketStore, cfg models.RateLimitConfig, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("bucket store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Limiter{
		store:           store,
		capacity:        cfg.Capacity,
		refillPerMinute: cfg.RefillPerMinute,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Limit returns the capacity as reported in response headers.
func (l *Limiter) Limit() int {
	return int(l.capacity)
}

// Evaluate computes the next bucket state for an evaluation at now. It does
// not touch the store. A nil bucket is a first-time client and starts full.
func (l *Limiter) Evaluate(bucket *models.ClientBucket, now time.Time) Decision {
	if bucket == nil {
		bucket = models.NewFullBucket(l.capacity, now)
	}

	elapsed := now.Sub(bucket.LastRefillAt)
	if elapsed < 0 {
		elapsed = 0
	}

	tokens := math.Min(l.capacity, bucket.Tokens+elapsed.Minutes()*l.refillPerMinute)

	// A regressed clock must not move the refill mark backwards.
	refilledAt := now
	if bucket.LastRefillAt.After(now) {
		refilledAt = bucket.LastRefillAt
	}

	if tokens >= 1 {
		return Decision{
			Allowed: true,
			Bucket: models.ClientBucket{
				Tokens:       tokens - 1,
				LastRefillAt: refilledAt,
				TotalGranted: bucket.TotalGranted + 1,
			},
			Limit: l.Limit(),
		}
	}

	return Decision{
		Allowed:           false,
		RetryAfterSeconds: l.retryAfter(tokens),
		Bucket: models.ClientBucket{
			Tokens:       tokens,
			LastRefillAt: refilledAt,
			TotalGranted: bucket.TotalGranted,
		},
		Limit: l.Limit(),
	}
}

// retryAfter is the smallest whole number of seconds after which the bucket
// holds one token. The ceiling is corrected in both directions so float
// rounding never yields a hint that is one second early or late.
func (l *Limiter) retryAfter(tokens float64) int64 {
	refillsBy := func(secs int64) bool {
		return tokens+float64(secs)*l.refillPerMinute/60 >= 1
	}

	secs := int64(math.Ceil((1 - tokens) * 60 / l.refillPerMinute))
	if secs < 1 {
		secs = 1
	}
	for secs > 1 && refillsBy(secs-1) {
		secs--
	}
	for !refillsBy(secs) {
		secs++
	}
	return secs
}

// TryConsume evaluates and persists the quota for clientID as one serialized
// step. Store failures are returned and nothing is granted.
func (l *Limiter) TryConsume(ctx context.Context, clientID string) (Decision, error) {
	var decision Decision

	_, err := l.store.Update(ctx, clientID, func(current *models.ClientBucket) (*models.ClientBucket, error) {
		decision = l.Evaluate(current, l.now())
		next := decision.Bucket
		return &next, nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("consume quota for %s: %w", clientID, err)
	}

	slog.Debug("Quota evaluated",
		"client_id", clientID,
		"allowed", decision.Allowed,
		"tokens", decision.Bucket.Tokens,
		"total_granted", decision.Bucket.TotalGranted,
		"retry_after", decision.RetryAfterSeconds,
	)
	return decision, nil
}
