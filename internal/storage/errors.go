package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// ErrNotFound is returned when a client has no stored bucket.
var ErrNotFound = errors.New("bucket not found")

// ErrConflict is returned when an optimistic update was still losing to
// concurrent writers when the caller's context ended.
var ErrConflict = errors.New("concurrent bucket update conflict")

const (
	minRetryBackoff = time.Millisecond
	maxRetryBackoff = 50 * time.Millisecond
)

// waitRetry sleeps a jittered, exponentially growing delay before the next
// optimistic attempt. It returns ctx.Err() if the context ends first.
func waitRetry(ctx context.Context, attempt int) error {
	ceiling := minRetryBackoff << min(attempt, 6)
	if ceiling > maxRetryBackoff {
		ceiling = maxRetryBackoff
	}
	delay := ceiling/2 + rand.N(ceiling/2+1)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
