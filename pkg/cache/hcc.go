// This module implements an expirable CLOCK cache.
// Eviction Policy (CLOCK Algorithm):
// The cache uses a circular list of entries and a "hand" that sweeps over them. When the cache is full and a new item
// needs to be added, the hand checks the entry it's pointing to:
//   - If the entry's reference bit is 'true', it sets it to 'false' and moves to the next entry.
//     This gives the entry a "second chance".
//   - If the entry's reference bit is 'false' or the entry expired, it evicts that entry and reuses its node.
//
// Expiration Policy (TTL with Reaper and lazy pruning):
// An entry is valid while now < expiresAt. Reads treat an expired entry as a miss and delete it on the spot. Entries
// are also distributed to time-based 'buckets'; a background goroutine, the "reaper", periodically clears every
// bucket whose whole time span has passed, so untouched expired entries don't linger until CLOCK reaches them.
// All time is read from the injected clock.

package cache

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nobletooth/ledgerview/pkg/clock"
	"github.com/nobletooth/ledgerview/pkg/utils"
)

// expirableClockCacheEntry represents a single entry in the cache. It contains the key-value pair, metadata for the
// clock algorithm, and expiration details.
type expirableClockCacheEntry[K comparable, V any] struct {
	key   K
	value V
	// ref is the reference bit for the CLOCK algorithm. It's atomic since Get sets it under the read lock.
	ref       atomic.Bool
	expiresAt time.Time
}

func (e *expirableClockCacheEntry[K, V]) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// getTimeBucket rounds down the timestamp to the start of its reaper bucket given the tickInterval.
func getTimeBucket(timestamp time.Time, tickInterval time.Duration) time.Time {
	return time.Unix(0, (timestamp.UnixNano()/int64(tickInterval))*int64(tickInterval))
}

type clockNode[K comparable, V any] = linkedListNode[*expirableClockCacheEntry[K, V]]

// HyperClock is a thread-safe, fixed-capacity, in-memory cache that combines the CLOCK (Second-Chance)
// eviction algorithm with a time-based expiration mechanism.
type HyperClock[K comparable, V any] struct {
	clock    clock.Clock
	capacity int // Maximum number of entries the cache can hold.
	// hand points to the next candidate for eviction in the circular list.
	hand  *clockNode[K, V]
	index map[K]*clockNode[K, V]
	// circularBuffer allows the hand to sweep over keys for the CLOCK eviction.
	circularBuffer *linkedList[*expirableClockCacheEntry[K, V]]
	// expiryBuckets indexes cache entries to allow expiring a batch of keys together. Unused without a reaper.
	expiryBuckets map[time.Time]map[K]*clockNode[K, V]
	tickInterval  time.Duration // Rate of reaper goroutine removing expired keys; <= 0 disables the reaper.
	reaperHand    time.Time     // Next bucket to be cleared by the reaper goroutine.
	// evictionCallback is an optional callback executed whenever an entry leaves the cache other than by Delete.
	// It runs while the cache lock is held, so it must not call any of the cache methods.
	evictionCallback func(K, V, EvictionReason)
	mux              sync.RWMutex
}

var _ Layer[string, int] = (*HyperClock[string, int])(nil)

// NewHyperClock is the constructor for HyperClock. It starts the background reaper goroutine, which stops when `ctx`
// is done, unless tickInterval <= 0.
// NOTE: eviction callback function must not call any of the cache methods or else we'll be having a deadlock.
func NewHyperClock[K comparable, V any](ctx context.Context, clk clock.Clock, capacity int, tickInterval time.Duration,
	evictionCallback func(K, V, EvictionReason)) *HyperClock[K, V] {
	if capacity <= 0 {
		utils.RaiseInvariant("hcc", "negative_cache_capacity",
			"Invalid capacity has been given to clock cache.", "capacity", capacity)
		capacity = 1
	}
	clockCache := &HyperClock[K, V]{
		clock:            clk,
		capacity:         capacity,
		index:            make(map[K]*clockNode[K, V], capacity),
		circularBuffer:   new(linkedList[*expirableClockCacheEntry[K, V]]),
		tickInterval:     tickInterval,
		evictionCallback: evictionCallback,
	}
	if tickInterval > 0 {
		clockCache.expiryBuckets = make(map[time.Time]map[K]*clockNode[K, V])
		clockCache.reaperHand = getTimeBucket(clk.Now(), tickInterval)
		go clockCache.reaper(ctx)
	}
	return clockCache
}

// Get retrieves a value from the cache for a given key. Accessing an item marks it as recently used by setting its
// reference bit. An expired entry is removed and reported as a miss.
func (c *HyperClock[K, V]) Get(key K) (V, bool /*found*/) {
	now := c.clock.Now()
	c.mux.RLock()
	node, keyExists := c.index[key]
	if !keyExists {
		c.mux.RUnlock()
		return *new(V), false
	}
	if node.Value.expired(now) {
		c.mux.RUnlock()
		c.pruneExpired(key, now)
		return *new(V), false
	}
	node.Value.ref.Store(true)
	value := node.Value.value
	c.mux.RUnlock()
	return value, true
}

// pruneExpired removes `key` if it is still expired once the write lock is held.
func (c *HyperClock[K, V]) pruneExpired(key K, now time.Time) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if node, keyExists := c.index[key]; keyExists && node.Value.expired(now) {
		c.removeNode(node)
		if c.evictionCallback != nil {
			c.evictionCallback(node.Value.key, node.Value.value, EvictedExpired)
		}
	}
}

func (c *HyperClock[K, V]) addToExpiryBucket(node *clockNode[K, V]) {
	if c.expiryBuckets == nil {
		return
	}
	bucket := getTimeBucket(node.Value.expiresAt, c.tickInterval)
	if _, bucketExists := c.expiryBuckets[bucket]; !bucketExists {
		c.expiryBuckets[bucket] = make(map[K]*clockNode[K, V])
	}
	c.expiryBuckets[bucket][node.Value.key] = node
}

func (c *HyperClock[K, V]) removeFromExpiryBucket(entry *expirableClockCacheEntry[K, V]) {
	if c.expiryBuckets == nil {
		return
	}
	bucket := getTimeBucket(entry.expiresAt, c.tickInterval)
	delete(c.expiryBuckets[bucket], entry.key)
	if len(c.expiryBuckets[bucket]) == 0 {
		delete(c.expiryBuckets, bucket)
	}
}

// removeNode unlinks `node` from every index. Caller must hold the write lock.
func (c *HyperClock[K, V]) removeNode(node *clockNode[K, V]) {
	// Move the hand off the node before it is unlinked.
	if c.hand == node {
		c.hand = c.circularBuffer.Following(node)
	}
	delete(c.index, node.Value.key)
	c.removeFromExpiryBucket(node.Value)
	c.circularBuffer.Remove(node)
}

// Add inserts or updates a key-value pair in the cache. If the key already exists, its value and expiration are
// updated. If the cache is full, it evicts an old entry using the CLOCK algorithm. It returns true if an eviction
// occurred, and false otherwise.
func (c *HyperClock[K, V]) Add(key K, value V, ttl time.Duration) /*evictionOccurred*/ bool {
	now := c.clock.Now()
	c.mux.Lock()
	defer c.mux.Unlock()

	// Update existing entry.
	if node, keyExists := c.index[key]; keyExists {
		c.removeFromExpiryBucket(node.Value)
		node.Value.value = value
		node.Value.ref.Store(false)
		node.Value.expiresAt = now.Add(ttl)
		c.addToExpiryBucket(node)
		return false
	}

	// Add new entry (if cache is not full).
	if c.circularBuffer.Len() < c.capacity {
		node := c.circularBuffer.PushBack(&expirableClockCacheEntry[K, V]{
			key:       key,
			value:     value,
			expiresAt: now.Add(ttl),
		})
		c.addToExpiryBucket(node)
		c.index[key] = node
		if c.hand == nil {
			c.hand = node
		}
		return false
	}

	// Eviction loop (if cache is full). This loop implements the CLOCK (Second-Chance) algorithm.
	for {
		node := c.hand
		entry := node.Value
		if entry.ref.Load() && !entry.expired(now) {
			// Referenced recently: clear the bit and give it a second chance.
			entry.ref.Store(false)
			c.advanceHand(node)
			continue
		}
		reason := EvictedCapacity
		if entry.expired(now) {
			reason = EvictedExpired
		}
		evictedKey, evictedValue := entry.key, entry.value
		delete(c.index, evictedKey)
		c.removeFromExpiryBucket(entry)
		// Reuse the evicted node for the new entry.
		entry.key = key
		entry.value = value
		entry.ref.Store(false)
		entry.expiresAt = now.Add(ttl)
		c.addToExpiryBucket(node)
		c.index[key] = node
		c.advanceHand(node)
		if c.evictionCallback != nil {
			c.evictionCallback(evictedKey, evictedValue, reason)
		}
		return true
	}
}

// advanceHand moves the hand past `node`; with a single node the hand stays on it.
func (c *HyperClock[K, V]) advanceHand(node *clockNode[K, V]) {
	if next := c.circularBuffer.Following(node); next != nil {
		c.hand = next
	}
}

// Delete removes `key` without calling the eviction callback.
func (c *HyperClock[K, V]) Delete(key K) bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	node, keyExists := c.index[key]
	if !keyExists {
		return false
	}
	c.removeNode(node)
	return true
}

func (c *HyperClock[K, V]) Keys() []K {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return slices.Collect(maps.Keys(c.index))
}

func (c *HyperClock[K, V]) Len() int {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return len(c.index)
}

func (c *HyperClock[K, V]) Purge() {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.evictionCallback != nil {
		for _, node := range c.index {
			c.evictionCallback(node.Value.key, node.Value.value, EvictedPurge)
		}
	}
	clear(c.index)
	if c.expiryBuckets != nil {
		clear(c.expiryBuckets)
	}
	c.circularBuffer.Clear()
	c.hand = nil
}

// reap clears every bucket whose span ended at or before `now`. There can be more than one such bucket when the
// reaper falls behind.
func (c *HyperClock[K, V]) reap(now time.Time) {
	c.mux.Lock()
	defer c.mux.Unlock()
	for !c.reaperHand.Add(c.tickInterval).After(now) {
		for _, node := range c.expiryBuckets[c.reaperHand] {
			c.removeNode(node)
			if c.evictionCallback != nil {
				c.evictionCallback(node.Value.key, node.Value.value, EvictedExpired)
			}
		}
		delete(c.expiryBuckets, c.reaperHand)
		c.reaperHand = c.reaperHand.Add(c.tickInterval)
	}
}

// reaper is a background goroutine that handles entry expiration until `ctx` is done.
func (c *HyperClock[K, V]) reaper(ctx context.Context) {
	ticker := c.clock.NewTicker(c.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.reap(now)
		}
	}
}
