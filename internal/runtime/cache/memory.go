package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/l0p7/complyd/internal/verdict"
)

// MemoryCache is the tier-1 in-process verdict store: a strict LRU bounded
// by total byte usage rather than entry count. All operations are O(1) map
// and list updates under one mutex; nothing suspends while the lock is held.
type MemoryCache struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	order    *list.List
	items    map[string]*list.Element
}

type memoryItem struct {
	key   string
	entry verdict.Entry
	size  int64
}

// NewMemory builds a tier with the given byte capacity.
func NewMemory(capacityBytes int64) *MemoryCache {
	if capacityBytes <= 0 {
		capacityBytes = 4 << 20
	}
	return &MemoryCache{
		capacity: capacityBytes,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the entry for key and refreshes its recency. The returned
// entry carries an updated AccessedAt; the decision fields are untouched.
func (c *MemoryCache) Get(key string) (verdict.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return verdict.Entry{}, false
	}
	c.order.MoveToFront(elem)
	item := elem.Value.(*memoryItem)
	item.entry.AccessedAt = time.Now().UTC()
	return item.entry, true
}

// Put inserts or replaces the entry for key, evicting least-recently-used
// entries until the insert fits. Entries larger than the whole tier are
// dropped rather than flushing everything ahead of them.
func (c *MemoryCache) Put(key string, entry verdict.Entry) {
	size := entry.SizeBytes
	if size <= 0 {
		size = EntrySize(key, entry)
	}
	if size > c.capacity {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		item := elem.Value.(*memoryItem)
		c.used += size - item.size
		item.entry = entry
		item.size = size
		c.order.MoveToFront(elem)
	} else {
		c.items[key] = c.order.PushFront(&memoryItem{key: key, entry: entry, size: size})
		c.used += size
	}

	for c.used > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
}

// Delete drops a single key if present.
func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeLocked(elem)
	}
}

// Purge empties the tier. Used when the key epoch advances.
func (c *MemoryCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
	c.used = 0
}

// Len reports the number of resident entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// UsedBytes reports the accounted byte usage.
func (c *MemoryCache) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *MemoryCache) removeLocked(elem *list.Element) {
	item := elem.Value.(*memoryItem)
	c.order.Remove(elem)
	delete(c.items, item.key)
	c.used -= item.size
}
