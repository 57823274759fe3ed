package idempotency

import (
	"context"
	"quota/internal/keylock"
	"quota/internal/models"
	"sync"
	"time"
)

type memoryItem struct {
	entry models.IdempotencyEntry
	ttl   time.Duration
}

// MemoryCache keeps entries in process. Expired entries are dropped when read
// and by a periodic sweep, so an entry past its TTL is never served even
// before the sweep reaches it.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memoryItem
	locks *keylock.Table
	now   func() time.Time

	done   chan struct{}
	closed bool
}

// NewMemoryCache creates a cache and starts its sweep when cleanupInterval is
// positive.
func NewMemoryCache(cleanupInterval time.Duration) *MemoryCache {
	c := &MemoryCache{
		items: make(map[string]memoryItem),
		locks: keylock.New(0),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.cleanup(cleanupInterval)
	}
	return c
}

func (c *MemoryCache) Get(ctx context.Context, key string) (*models.IdempotencyEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		return nil, ErrMiss
	}
	if item.entry.Expired(c.now(), item.ttl) {
		delete(c.items, key)
		return nil, ErrMiss
	}

	entry := item.entry
	entry.Body = append([]byte(nil), item.entry.Body...)
	return &entry, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, status int, body []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = memoryItem{
		entry: models.IdempotencyEntry{
			Status:    status,
			Body:      append([]byte(nil), body...),
			CreatedAt: c.now(),
		},
		ttl: ttl,
	}
	return nil
}

func (c *MemoryCache) Lock(ctx context.Context, key string) (func(), error) {
	return c.locks.LockContext(ctx, key)
}

// Len returns the number of stored entries, expired ones included until
// they are swept.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *MemoryCache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *MemoryCache) sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, item := range c.items {
		if item.entry.Expired(now, item.ttl) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}
