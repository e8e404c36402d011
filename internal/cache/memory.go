package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// memoryTier is the L1 cache: an LRU bounded by both entry count and a byte
// budget. The LRU (hash map + doubly-linked list) comes from golang-lru;
// byte accounting is layered on top via the eviction callback.
type memoryTier struct {
	mu        sync.Mutex
	lru       *lru.Cache[string, *Entry]
	bytes     int64
	maxBytes  int64
	evictions int64
}

func newMemoryTier(maxEntries int, maxBytes int64) (*memoryTier, error) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	m := &memoryTier{maxBytes: maxBytes}

	c, err := lru.NewWithEvict[string, *Entry](maxEntries, func(_ string, e *Entry) {
		// Runs synchronously under m.mu from Add/Remove/RemoveOldest.
		m.bytes -= e.size()
	})
	if err != nil {
		return nil, err
	}
	m.lru = c
	return m, nil
}

// get returns a present, unexpired entry and marks it recently used.
// Expired entries are removed and reported via the second return.
func (m *memoryTier) get(fp string, ttl time.Duration) (entry *Entry, ok, expired bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lru.Get(fp)
	if !ok {
		return nil, false, false
	}
	if e.Expired(ttl) {
		m.lru.Remove(fp)
		return nil, false, true
	}
	return e, true, false
}

// put inserts an entry, evicting from the tail until both bounds fit.
func (m *memoryTier) put(e *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.lru.Peek(e.Fingerprint); ok {
		m.bytes -= prev.size()
	}
	if evicted := m.lru.Add(e.Fingerprint, e); evicted {
		m.evictions++
	}
	m.bytes += e.size()

	for m.maxBytes > 0 && m.bytes > m.maxBytes && m.lru.Len() > 0 {
		if _, _, ok := m.lru.RemoveOldest(); !ok {
			break
		}
		m.evictions++
	}
}

// remove drops a single fingerprint.
func (m *memoryTier) remove(fp string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Remove(fp)
}

// purgeExpired removes every expired entry, returning the count.
func (m *memoryTier) purgeExpired(ttl time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int
	for _, fp := range m.lru.Keys() {
		if e, ok := m.lru.Peek(fp); ok && e.Expired(ttl) {
			m.lru.Remove(fp)
			purged++
		}
	}
	return purged
}

// purgeOlderThan removes entries created before the cutoff, returning the count.
func (m *memoryTier) purgeOlderThan(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int
	for _, fp := range m.lru.Keys() {
		if e, ok := m.lru.Peek(fp); ok && e.Timestamp < cutoff.UnixMilli() {
			m.lru.Remove(fp)
			purged++
		}
	}
	return purged
}

// snapshot returns current occupancy for stats.
func (m *memoryTier) snapshot() (entries int, bytes, evictions int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len(), m.bytes, m.evictions
}
