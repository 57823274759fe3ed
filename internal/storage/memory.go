package storage

import (
	"context"
	"errors"
	"fmt"
	"quota/internal/keylock"
	"quota/internal/models"
	"sync"
	"time"
)

// MemoryStorage implements BucketStore with an in-process map. Buckets live
// for the process lifetime unless an idle TTL is configured, in which case a
// background sweep evicts buckets whose last refill is older than the TTL.
type MemoryStorage struct {
	mu      sync.RWMutex
	buckets map[string]*models.ClientBucket
	locks   *keylock.Table

	idleTTL         time.Duration
	cleanupInterval time.Duration
	now             func() time.Time

	done   chan struct{}
	closed bool
}

// NewMemoryStorage creates a new memory-based storage instance
func NewMemoryStorage(config Config) (*MemoryStorage, error) {
	m := &MemoryStorage{
		buckets:         make(map[string]*models.ClientBucket),
		locks:           keylock.New(0),
		idleTTL:         config.Memory.IdleTTL,
		cleanupInterval: config.Memory.CleanupInterval,
		now:             time.Now,
		done:            make(chan struct{}),
	}
	if m.idleTTL > 0 && m.cleanupInterval > 0 {
		go m.cleanup()
	}
	return m, nil
}

// Get returns a copy of the stored bucket
func (m *MemoryStorage) Get(ctx context.Context, clientID string) (*models.ClientBucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket, exists := m.buckets[clientID]
	if !exists {
		return nil, ErrNotFound
	}
	return bucket.Clone(), nil
}

// Set stores a copy to prevent external modification
func (m *MemoryStorage) Set(ctx context.Context, clientID string, bucket *models.ClientBucket) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.buckets[clientID] = bucket.Clone()
	return nil
}

// Update holds the per-client lock across read, compute and write.
func (m *MemoryStorage) Update(ctx context.Context, clientID string, fn UpdateFunc) (*models.ClientBucket, error) {
	unlock, err := m.locks.LockContext(ctx, clientID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := m.Get(ctx, clientID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, fmt.Errorf("update bucket %s: nil bucket", clientID)
	}

	if err := m.Set(ctx, clientID, next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// Ping always succeeds for the in-process backend
func (m *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Len returns the number of stored buckets
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buckets)
}

// Close stops the background sweep
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

func (m *MemoryStorage) cleanup() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

// evictIdle removes buckets that have not been refilled within the idle TTL.
func (m *MemoryStorage) evictIdle() int {
	cutoff := m.now().Add(-m.idleTTL)

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, bucket := range m.buckets {
		if bucket.LastRefillAt.Before(cutoff) {
			delete(m.buckets, id)
			evicted++
		}
	}
	return evicted
}
