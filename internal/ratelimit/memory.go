// memory.go -- In-process CounterStore.
package ratelimit

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryKeys bounds how many distinct counters a MemoryStore keeps.
// The least recently used window is evicted first, which can only under-count.
const DefaultMemoryKeys = 100_000

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryStore is a CounterStore for a single process.
// A mutex makes check-and-increment atomic; the LRU bounds memory under key churn.
type MemoryStore struct {
	mu      sync.Mutex
	windows *lru.Cache[string, window]
	now     func() time.Time
}

// NewMemoryStore returns a MemoryStore holding at most size counters.
func NewMemoryStore(size int) (*MemoryStore, error) {
	if size <= 0 {
		size = DefaultMemoryKeys
	}
	cache, err := lru.New[string, window](size)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{windows: cache, now: time.Now}, nil
}

// current returns key's open window, or a zero window if none or expired. Caller holds mu.
func (m *MemoryStore) current(key string, now time.Time) (window, bool) {
	w, ok := m.windows.Peek(key)
	if !ok || !now.Before(w.resetAt) {
		return window{}, false
	}
	return w, true
}

// Hit implements CounterStore.
func (m *MemoryStore) Hit(_ context.Context, key string, limit int, win time.Duration) (int64, bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, open := m.current(key, now)
	if !open {
		w = window{resetAt: now.Add(win)}
	}
	if w.count >= int64(limit) {
		return w.count, false, w.resetAt.Sub(now), nil
	}
	w.count++
	m.windows.Add(key, w)
	return w.count, true, w.resetAt.Sub(now), nil
}

// Count implements CounterStore.
func (m *MemoryStore) Count(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, _ := m.current(key, m.now())
	return w.count, nil
}

// TTL implements CounterStore.
func (m *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	w, open := m.current(key, now)
	if !open {
		return 0, nil
	}
	return w.resetAt.Sub(now), nil
}

// Reset implements CounterStore.
func (m *MemoryStore) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows.Remove(key)
	return nil
}

// ResetAll clears every counter. For tests.
func (m *MemoryStore) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows.Purge()
}

// CheckHealth always succeeds; there is nothing to reach.
func (m *MemoryStore) CheckHealth(context.Context) error {
	return nil
}
