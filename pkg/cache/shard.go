// This module implements cache sharding which distributes keys uniformly across cache shards. Since each thread-safe
// cache implementation has a mutex to avoid races between reads and writes, sharding helps by distributing the locks.
// Concurrent executor calls, batch fan-out and the background refresher all hit the hot tier at once; each goroutine
// only locks the shard its key belongs to.

package cache

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/nobletooth/ledgerview/pkg/utils"
)

// ShardedCache distributes keys across multiple underlying Layer instances (shards).
type ShardedCache[K comparable, V any] struct { // Implements Layer.
	shards []Layer[K, V]
	hash   func(key K) uint64 // Helps choose the shard index.
}

var _ Layer[string, int] = (*ShardedCache[string, int])(nil)

// NewShardedCache builds `shardCount` shards with `cacheGenerator`.
func NewShardedCache[K comparable, V any](cacheGenerator func() Layer[K, V], shardCount int) *ShardedCache[K, V] {
	if shardCount <= 0 {
		utils.RaiseInvariant("shard", "negative_shard_count",
			"Invalid shard count has been given to sharded cache.", "shardCount", shardCount)
		shardCount = 1
	}
	shardedCache := &ShardedCache[K, V]{shards: make([]Layer[K, V], shardCount)}
	for i := range shardCount {
		shardedCache.shards[i] = cacheGenerator()
	}
	shardedCache.hash = keyHasher[K]()
	return shardedCache
}

// keyHasher picks a hash function for K once so getShard doesn't type-switch per call.
func keyHasher[K comparable]() func(key K) uint64 {
	switch any(*new(K)).(type) {
	case string:
		return func(key K) uint64 { return xxhash.Sum64String(any(key).(string)) }
	case int64:
		return func(key K) uint64 {
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], uint64(any(key).(int64)))
			return xxhash.Sum64(b[:])
		}
	case int:
		return func(key K) uint64 {
			var b [8]byte
			// int's size is architecture-dependent, widen it before hashing.
			binary.LittleEndian.PutUint64(b[:], uint64(any(key).(int)))
			return xxhash.Sum64(b[:])
		}
	default:
		return func(key K) uint64 {
			// Less performant, but works for any type that can be printed (e.g. composite struct keys).
			return xxhash.Sum64String(fmt.Sprintf("%#v", key))
		}
	}
}

func (c *ShardedCache[K, V]) getShard(key K) Layer[K, V] {
	return c.shards[c.hash(key)%uint64(len(c.shards))]
}

func (c *ShardedCache[K, V]) Get(key K) (V, bool /*found*/) {
	return c.getShard(key).Get(key)
}

func (c *ShardedCache[K, V]) Add(key K, value V, ttl time.Duration) /*evictionOccurred*/ bool {
	return c.getShard(key).Add(key, value, ttl)
}

func (c *ShardedCache[K, V]) Delete(key K) bool {
	return c.getShard(key).Delete(key)
}

// Keys aggregates the keys from all shards into a single slice. This can be a resource-intensive operation, as it
// requires iterating over every shard and collecting its keys.
func (c *ShardedCache[K, V]) Keys() []K {
	keys := make([]K, 0)
	for _, shard := range c.shards {
		keys = append(keys, shard.Keys()...)
	}
	return keys
}

func (c *ShardedCache[K, V]) Len() int {
	total := 0
	for _, shard := range c.shards {
		total += shard.Len()
	}
	return total
}

// Purge clears all items from the cache by calling Purge on every shard.
func (c *ShardedCache[K, V]) Purge() {
	for _, shard := range c.shards {
		shard.Purge()
	}
}
