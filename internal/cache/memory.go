// Package cache holds the two quote tiers: a bounded in-memory LRU and
// the Redis last-tick store. The tiers are independent; writes never
// evict across them.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/tickmesh/vortexgw/internal/vortex"
)

type memoryEntry struct {
	token uint32
	quote vortex.Quote
	at    time.Time
}

// Memory is a thread-safe bounded LRU keyed by token. Entries older
// than the TTL are treated as absent; the monotonic clock of time.Time
// makes the comparison safe across wall-clock jumps.
type Memory struct {
	mu      sync.Mutex
	entries map[uint32]*list.Element
	order   *list.List
	max     int
	ttl     time.Duration
	now     func() time.Time
}

// NewMemory builds the memory tier.
func NewMemory(max int, ttl time.Duration) *Memory {
	if max <= 0 {
		max = 10000
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Memory{
		entries: make(map[uint32]*list.Element),
		order:   list.New(),
		max:     max,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached quote unless it has expired.
func (m *Memory) Get(token uint32) (vortex.Quote, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[token]
	if !ok {
		return vortex.Quote{}, false
	}
	entry := el.Value.(*memoryEntry)
	if m.now().Sub(entry.at) > m.ttl {
		m.order.Remove(el)
		delete(m.entries, token)
		return vortex.Quote{}, false
	}
	m.order.MoveToFront(el)
	return entry.quote, true
}

// Set stores a quote, evicting the least recently used entry at cap.
func (m *Memory) Set(token uint32, q vortex.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[token]; ok {
		entry := el.Value.(*memoryEntry)
		entry.quote = q
		entry.at = m.now()
		m.order.MoveToFront(el)
		return
	}
	if len(m.entries) >= m.max {
		oldest := m.order.Back()
		if oldest != nil {
			m.order.Remove(oldest)
			delete(m.entries, oldest.Value.(*memoryEntry).token)
		}
	}
	m.entries[token] = m.order.PushFront(&memoryEntry{token: token, quote: q, at: m.now()})
}

// Len reports the live entry count, expired entries included until
// their next Get.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
