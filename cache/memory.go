package cache

import (
	"container/list"
	"sync"
	"time"

	commoncrawl "github.com/gofullthrottle/common-crawl-mcp-server"
)

// memoryTier is a fixed-capacity LRU over hashed keys. It is intentionally
// decoupled from the persistent tier: capacity is an entry count, eviction is
// exact recency order, and TTL is checked at read time against the entry's
// own deadline.
type memoryTier struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[commoncrawl.Hash]*list.Element
}

type memoryEntry struct {
	key      commoncrawl.Hash
	value    []byte
	deadline time.Time // zero means no expiry
}

func newMemoryTier(capacity int) *memoryTier {
	if capacity < 1 {
		capacity = 1
	}
	return &memoryTier{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[commoncrawl.Hash]*list.Element, capacity),
	}
}

// get returns the cached value and promotes the entry to most recently used.
// An expired entry is removed and reported as a miss.
func (m *memoryTier) get(key commoncrawl.Hash, now time.Time) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return nil, false
	}

	entry := el.Value.(*memoryEntry)
	if !entry.deadline.IsZero() && now.After(entry.deadline) {
		m.order.Remove(el)
		delete(m.entries, key)
		return nil, false
	}

	m.order.MoveToFront(el)
	return entry.value, true
}

// set inserts or replaces an entry, evicting the least recently used entry
// when the tier is full.
func (m *memoryTier) set(key commoncrawl.Hash, value []byte, ttl time.Duration, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deadline time.Time
	if ttl > 0 {
		deadline = now.Add(ttl)
	}

	if el, ok := m.entries[key]; ok {
		entry := el.Value.(*memoryEntry)
		entry.value = value
		entry.deadline = deadline
		m.order.MoveToFront(el)
		return
	}

	if m.order.Len() >= m.capacity {
		oldest := m.order.Back()
		if oldest != nil {
			m.order.Remove(oldest)
			delete(m.entries, oldest.Value.(*memoryEntry).key)
		}
	}

	el := m.order.PushFront(&memoryEntry{key: key, value: value, deadline: deadline})
	m.entries[key] = el
}

func (m *memoryTier) delete(key commoncrawl.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[key]; ok {
		m.order.Remove(el)
		delete(m.entries, key)
	}
}

func (m *memoryTier) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.order.Init()
	clear(m.entries)
}

func (m *memoryTier) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.order.Len()
}
