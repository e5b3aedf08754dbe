package cache

import (
	"sync"
	"time"
)

// Cache is a TTL-bounded key/value store. Expired entries are dropped lazily
// on read and in bulk by PurgeExpired.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	Len() int
	PurgeExpired() int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type ttlCache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]entry[V]
	now     func() time.Time
}

// NewTTLCache returns an in-memory TTL cache keyed on K.
func NewTTLCache[K comparable, V any]() Cache[K, V] {
	return NewTTLCacheWithNow[K, V](func() time.Time { return time.Now().UTC() })
}

// NewTTLCacheWithNow injects the time source, for callers that own a clock.
func NewTTLCacheWithNow[K comparable, V any](now func() time.Time) Cache[K, V] {
	return &ttlCache[K, V]{
		entries: make(map[K]entry[V]),
		now:     now,
	}
}

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	item, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().After(item.expiresAt) {
		c.Delete(key)
		var zero V
		return zero, false
	}
	return item.value, true
}

func (c *ttlCache[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = entry[V]{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *ttlCache[K, V]) PurgeExpired() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, item := range c.entries {
		if now.After(item.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}
