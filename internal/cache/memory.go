package cache

import (
	"sync"
	"time"
)

// MemoryCache is a generic in-memory TTL cache. Used for memoizing
// Hardcover lookups that do not belong in the durable book cache.
type MemoryCache[K comparable, V any] struct {
	items map[K]memoryEntry[V]
	mu    sync.RWMutex
}

type memoryEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache[K comparable, V any]() *MemoryCache[K, V] {
	return &MemoryCache[K, V]{
		items: make(map[K]memoryEntry[V]),
	}
}

// Set stores a value with the given TTL; ttl <= 0 means no expiry.
func (c *MemoryCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	c.items[key] = memoryEntry[V]{value: value, expiresAt: expiresAt}
}

// Get retrieves a value and reports whether a live entry was found.
func (c *MemoryCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, found := c.items[key]
	if !found {
		var zero V
		return zero, false
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		var zero V
		return zero, false
	}
	return item.value, true
}

// Delete removes a key.
func (c *MemoryCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear removes all entries.
func (c *MemoryCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]memoryEntry[V])
}
