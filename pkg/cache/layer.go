// The engine caches ledger reads in memory to avoid repeated network calls. This module provides an interface on
// caching, making single shard cache and multi shard caches have the same API.

package cache

import "time"

// EvictionReason tells an eviction callback why an entry left the cache.
type EvictionReason int

const (
	EvictedCapacity EvictionReason = iota // Replaced by CLOCK to make room for a new entry.
	EvictedExpired                        // Lived past its TTL.
	EvictedPurge                          // Removed by Purge.
)

// Layer defines the interface for a generic key-value cache. This allows different cache implementations
// to be used as shards within the ShardedCache.
type Layer[K comparable, V any] interface {
	// Get returns value from cache for given key and a boolean indicating whether key was found and not expired.
	Get(key K) (V, bool)
	// Add inserts a key-value pair into the cache with the given TTL. It returns true if an item was evicted.
	Add(key K, value V, ttl time.Duration) bool
	// Delete removes the key; it returns false if the key was absent.
	Delete(key K) bool
	Keys() []K // Returns a slice of all keys currently in the cache.
	Len() int  // Returns the number of entries, expired ones included until they are reaped.
	Purge()    // Removes all items from the cache.
}

// NoOp is a cache layer that doesn't store any items.
// It is used when caching is disabled.
type NoOp[K comparable, V any] struct { // Implements Layer.
}

var _ Layer[int, int] = (*NoOp[int, int])(nil)

// NewNoOp returns a no-operation cache layer that does not store any items.
func NewNoOp[K comparable, V any]() *NoOp[K, V] {
	return &NoOp[K, V]{}
}

// Get always returns false, indicating the key is not found.
func (n *NoOp[K, V]) Get(key K) (V, bool) {
	var zero V
	return zero, false
}

// Add does nothing and always returns false, indicating no item was evicted.
func (n *NoOp[K, V]) Add(key K, value V, ttl time.Duration) bool {
	return false
}

func (n *NoOp[K, V]) Delete(key K) bool { return false }

// Keys always returns nil, as there are no keys stored.
func (n *NoOp[K, V]) Keys() []K {
	return nil
}

func (n *NoOp[K, V]) Len() int { return 0 }

// Purge does nothing, as there are no items to remove.
func (n *NoOp[K, V]) Purge() {}
