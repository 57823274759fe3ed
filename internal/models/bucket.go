// Package models - Domain types shared by the bucket store, the rate limiter,
// the idempotency cache and the purchase orchestrator.
package models

import (
	"math"
	"time"
)

// ClientBucket is the persisted token-bucket state of one client.
//
// Invariants after every write:
// - 0 <= Tokens <= capacity
// - TotalGranted never decreases
// - LastRefillAt never decreases for the same client
type ClientBucket struct {
	Tokens       float64   `json:"tokens"`
	LastRefillAt time.Time `json:"last_refill_at"`
	TotalGranted int64     `json:"total_granted"`
}

// NewFullBucket returns the implicit state of a client that has never been seen.
func NewFullBucket(capacity float64, now time.Time) *ClientBucket {
	return &ClientBucket{
		Tokens:       capacity,
		LastRefillAt: now,
		TotalGranted: 0,
	}
}

// Remaining is the number of whole units currently available.
func (b *ClientBucket) Remaining() int64 {
	if b == nil || b.Tokens <= 0 {
		return 0
	}
	return int64(math.Floor(b.Tokens))
}

// Clone returns a copy that callers may mutate freely.
func (b *ClientBucket) Clone() *ClientBucket {
	if b == nil {
		return nil
	}
	c := *b
	return &c
}

// IdempotencyEntry is a previously computed successful response, replayed
// verbatim for retries carrying the same idempotency key.
type IdempotencyEntry struct {
	Status    int       `json:"status"`
	Body      []byte    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the entry is older than ttl at now.
func (e *IdempotencyEntry) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.CreatedAt) > ttl
}
