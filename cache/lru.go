// Package cache provides bounded caches with explicit eviction.
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Loader computes the value for a missing key.
type Loader[K comparable, V any] func(K) (V, error)

// LRU is a size-bounded least-recently-used cache.
// Safe for concurrent use by multiple goroutines.
type LRU[K comparable, V any] struct {
	entries *lru.Cache[K, V]
}

// New creates a cache holding at most size entries. A size below one is
// raised to one.
func New[K comparable, V any](size int) *LRU[K, V] {
	if size < 1 {
		size = 1
	}
	// lru.New only fails for non-positive sizes.
	entries, _ := lru.New[K, V](size)
	return &LRU[K, V]{entries: entries}
}

// Get returns the cached value for key.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	return c.entries.Get(key)
}

// GetOrCompute returns the cached value or computes, stores and returns it.
// Loader errors are returned and nothing is cached. Concurrent misses on the
// same key may each invoke the loader; the last result wins.
func (c *LRU[K, V]) GetOrCompute(key K, load Loader[K, V]) (V, error) {
	if v, ok := c.entries.Get(key); ok {
		return v, nil
	}
	v, err := load(key)
	if err != nil {
		var zero V
		return zero, err
	}
	c.entries.Add(key, v)
	return v, nil
}

// Add stores value under key, evicting the oldest entry when full.
func (c *LRU[K, V]) Add(key K, value V) {
	c.entries.Add(key, value)
}

// Invalidate removes key.
func (c *LRU[K, V]) Invalidate(key K) {
	c.entries.Remove(key)
}

// Purge removes every entry.
func (c *LRU[K, V]) Purge() {
	c.entries.Purge()
}

// Len returns the number of cached entries.
func (c *LRU[K, V]) Len() int {
	return c.entries.Len()
}
