// ABOUTME: In-process TTL window for deduplicating webhook deliveries.
// ABOUTME: Size-limited with oldest-first eviction and background expiry.

package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// seenEntry stores when a key was marked and its position in the eviction order.
type seenEntry struct {
	markedAt time.Time
	element  *list.Element
}

// MemoryMarker remembers keys for a TTL within one process.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type MemoryMarker struct {
	mu      sync.Mutex
	seen    map[string]*seenEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// NewMemory creates a marker with the given window and maximum number of keys.
// A background goroutine periodically removes expired keys.
func NewMemory(ttl time.Duration, maxSize int) *MemoryMarker {
	if maxSize <= 0 {
		maxSize = DefaultMaxKeys
	}
	m := &MemoryMarker{
		seen:    make(map[string]*seenEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// CheckAndMark atomically checks whether key is inside the window and marks it if not.
func (m *MemoryMarker) CheckAndMark(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if entry, ok := m.seen[key]; ok {
		if now.Sub(entry.markedAt) < m.ttl {
			return true
		}
		entry.markedAt = now
		m.order.MoveToBack(entry.element)
		return false
	}

	if len(m.seen) >= m.maxSize {
		m.evictOldest()
	}

	m.seen[key] = &seenEntry{
		markedAt: now,
		element:  m.order.PushBack(key),
	}
	return false
}

// Len returns the number of keys currently tracked.
func (m *MemoryMarker) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

// evictOldest removes the oldest key. Must be called with mu held.
func (m *MemoryMarker) evictOldest() {
	front := m.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	m.order.Remove(front)
	delete(m.seen, key)
}

func (m *MemoryMarker) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.done:
			return
		}
	}
}

// sweep removes every expired key. Keys are ordered by mark time, so it
// stops at the first live one.
func (m *MemoryMarker) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for e := m.order.Front(); e != nil; {
		key, _ := e.Value.(string)
		entry := m.seen[key]
		if now.Sub(entry.markedAt) < m.ttl {
			return
		}
		next := e.Next()
		m.order.Remove(e)
		delete(m.seen, key)
		e = next
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (m *MemoryMarker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		close(m.done)
		m.closed = true
	}
	return nil
}
