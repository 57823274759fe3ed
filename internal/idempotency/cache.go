// Package idempotency stores successful purchase responses under a
// client-chosen key so that retries are answered from the stored copy instead
// of charging the quota again.
package idempotency

import (
	"context"
	"errors"
	"quota/internal/models"
	"time"
)

// ErrMiss is returned by Get when nothing usable is stored under the key.
// Absent, expired and unreadable entries all report ErrMiss.
var ErrMiss = errors.New("idempotency cache miss")

// Cache is the replay store used by the purchase orchestrator. Implementations
// must be safe for concurrent use.
type Cache interface {
	// Get returns the entry stored under key or ErrMiss.
	Get(ctx context.Context, key string) (*models.IdempotencyEntry, error)

	// Set stores a response for ttl. Writing an existing key replaces it.
	Set(ctx context.Context, key string, status int, body []byte, ttl time.Duration) error

	// Lock excludes other holders of key until the returned function is
	// called. It blocks until the lock is taken or ctx is done.
	Lock(ctx context.Context, key string) (unlock func(), err error)

	// Close releases resources and stops background work
	Close() error
}
