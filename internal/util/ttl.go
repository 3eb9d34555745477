package util

import (
	"sync"
	"time"
)

// TTLCache is a small keyed cache whose entries expire after a fixed
// lifetime. It backs the short-lived caches in the price and advisor
// layers (quotes are reusable for about a minute, chat context for a few
// minutes).
type TTLCache[V any] struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]ttlEntry[V]
}

type ttlEntry[V any] struct {
	val V
	exp time.Time
}

// NewTTLCache creates a cache whose entries live for ttl.
func NewTTLCache[V any](ttl time.Duration) *TTLCache[V] {
	return &TTLCache[V]{
		ttl:     ttl,
		entries: make(map[string]ttlEntry[V]),
	}
}

// Get returns the cached value for key and whether it is still fresh.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.exp) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.val, true
}

// Set stores val under key with a fresh expiry.
func (c *TTLCache[V]) Set(key string, val V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = ttlEntry[V]{val: val, exp: time.Now().Add(c.ttl)}
}

// Invalidate drops the entry for key if present.
func (c *TTLCache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
