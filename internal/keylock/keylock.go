// Package keylock provides a table of per-key mutexes. Holders of different
// keys never wait on each other beyond a short shard bookkeeping section, and
// a key's mutex is released back to the table once nobody holds or waits for it.
package keylock

import (
	"context"
	"hash/fnv"
	"sync"
)

const defaultShards = 64

// Table is a sharded set of reference-counted mutexes keyed by string.
type Table struct {
	shards []shard
}

type shard struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	// ch is a one-slot semaphore so waiters can also watch a context.
	ch   chan struct{}
	refs int
}

// New creates a table with the given number of shards (64 when <= 0).
func New(shards int) *Table {
	if shards <= 0 {
		shards = defaultShards
	}
	t := &Table{shards: make([]shard, shards)}
	for i := range t.shards {
		t.shards[i].locks = make(map[string]*keyLock)
	}
	return t
}

// Lock blocks until key is held and returns its release function.
func (t *Table) Lock(key string) func() {
	unlock, _ := t.LockContext(context.Background(), key)
	return unlock
}

// LockContext blocks until key is held or ctx is done. On success the
// returned function must be called exactly once.
func (t *Table) LockContext(ctx context.Context, key string) (func(), error) {
	s := t.shardFor(key)

	s.mu.Lock()
	kl, ok := s.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		s.locks[key] = kl
	}
	kl.refs++
	s.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		t.release(s, key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			t.release(s, key, kl)
		})
	}, nil
}

// Len reports how many keys currently have holders or waiters.
func (t *Table) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}

func (t *Table) release(s *shard, key string, kl *keyLock) {
	s.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(s.locks, key)
	}
	s.mu.Unlock()
}

func (t *Table) shardFor(key string) *shard {
	if len(t.shards) == 1 {
		return &t.shards[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &t.shards[h.Sum32()%uint32(len(t.shards))]
}
