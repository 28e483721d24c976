package cache

import (
	"context"
	"path"
	"sync"
	"time"
)

// entry holds one cached value with its expiry deadline.
type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is a TTL-bounded, size-limited in-process cache. A background
// goroutine prunes expired entries; the oldest entry is evicted when the
// cache is at capacity.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]*entry
	maxEntries int
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewMemory creates a Memory cache holding at most maxEntries values.
func NewMemory(maxEntries int) *Memory {
	m := &Memory{
		entries:    make(map[string]*entry),
		maxEntries: maxEntries,
		stop:       make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxEntries {
		m.evictOldest()
	}

	m.entries[key] = &entry{
		value:     append([]byte(nil), value...),
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *Memory) DeleteMatch(_ context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		if ok, _ := path.Match(pattern, k); ok {
			delete(m.entries, k)
		}
	}
	return nil
}

// Close terminates the background cleanup goroutine.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

func (m *Memory) cleanupLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.prune()
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) prune() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}

// evictOldest removes the entry closest to expiry. Caller must hold m.mu.
func (m *Memory) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, e := range m.entries {
		if first || e.expiresAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.expiresAt
			first = false
		}
	}
	if !first {
		delete(m.entries, oldestKey)
	}
}
