package worker

import (
	"context"
	"sync"
)

// KeyLock serializes work per resource key. Two deliveries for the same
// file must never drive the stage executor concurrently; overlapping
// deliveries block on the lock and run one after the other. The Redis
// locker in shared/redislock implements the same contract across worker
// instances.
type KeyLock interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// lockEntry is one key's semaphore plus a reference count so idle
// entries can be removed from the map
type lockEntry struct {
	sem  chan struct{}
	refs int
}

// MemoryKeyLock is the in-process KeyLock for single-instance
// deployments
type MemoryKeyLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

// NewMemoryKeyLock creates an empty in-process key lock
func NewMemoryKeyLock() *MemoryKeyLock {
	return &MemoryKeyLock{
		locks: make(map[string]*lockEntry),
	}
}

// Acquire blocks until the key's lock is held or ctx is done
func (m *MemoryKeyLock) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		var once sync.Once
		release := func() {
			once.Do(func() {
				<-e.sem
				m.unref(key, e)
			})
		}
		return release, nil

	case <-ctx.Done():
		m.unref(key, e)
		return nil, ctx.Err()
	}
}

func (m *MemoryKeyLock) unref(key string, e *lockEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}
