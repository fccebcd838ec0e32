// Tiered is the engine's two level cache. The hot tier is a sharded CLOCK cache with per-entry TTL; the cold tier is
// one snapshot blob in a durable store that is written periodically and read once on startup. Cold writes only come
// from Run's ticker and Close, and flushMux makes sure there is a single writer.

package cache

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nobletooth/ledgerview/pkg/clock"
	"github.com/nobletooth/ledgerview/pkg/codec"
	"github.com/nobletooth/ledgerview/pkg/scan"
	"github.com/nobletooth/ledgerview/pkg/storage"
	"github.com/nobletooth/ledgerview/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/mod/semver"
)

var (
	shardCount    = flag.Int("cache_shard_count", 16, "Number of hot cache shards.")
	shardCapacity = flag.Int("cache_shard_capacity", 10_000, "Maximum number of entries per hot cache shard.")
	tickInterval  = flag.Duration("cache_tick_interval", time.Second,
		"Interval of the reaper clearing expired hot cache entries; 0 relies on lazy expiry only.")
	flushInterval = flag.Duration("cache_flush_interval", 5*time.Minute,
		"Interval between cold tier flushes; 0 flushes only on shutdown.")
	staleAfter = flag.Duration("cache_stale_after", 24*time.Hour,
		"Cold snapshots older than this are discarded on startup.")
	namespace   = flag.String("cache_namespace", "ledgerview-cache", "Blob namespace of the cold cache snapshot.")
	compression = flag.String("cache_compression", "zstd", "Compression of the cold cache snapshot: none/lz4/zstd.")
)

type Options struct {
	ShardCount    int
	ShardCapacity int
	TickInterval  time.Duration
	FlushInterval time.Duration
	StaleAfter    time.Duration // <= 0 accepts snapshots of any age.
	Namespace     string
	Compression   codec.Compression
	// SchemaVersion is stamped on every entry; hydration skips entries of another major version.
	SchemaVersion string
}

func OptionsFromFlags() (Options, error) {
	parsedCompression, err := codec.ParseCompression(*compression)
	if err != nil {
		return Options{}, fmt.Errorf("invalid --cache_compression: %w", err)
	}
	return Options{
		ShardCount:    *shardCount,
		ShardCapacity: *shardCapacity,
		TickInterval:  *tickInterval,
		FlushInterval: *flushInterval,
		StaleAfter:    *staleAfter,
		Namespace:     *namespace,
		Compression:   parsedCompression,
		SchemaVersion: utils.Version,
	}, nil
}

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Entries          int       `json:"entries"`
	Hits             int64     `json:"hits"`
	Misses           int64     `json:"misses"`
	Expired          int64     `json:"expired"`
	Evictions        int64     `json:"evictions"`
	Sets             int64     `json:"sets"`
	Invalidations    int64     `json:"invalidations"`
	ColdTier         bool      `json:"cold_tier"`
	LastFlushAt      time.Time `json:"last_flush_at,omitzero"`
	LastFlushError   string    `json:"last_flush_error,omitempty"`
	LastHydrateAt    time.Time `json:"last_hydrate_at,omitzero"`
	HydratedEntries  int       `json:"hydrated_entries"`
	LastHydrateError string    `json:"last_hydrate_error,omitempty"`
}

type tieredMetrics struct {
	lookups *prometheus.CounterVec
	flushes *prometheus.CounterVec
}

func newTieredMetrics(reg prometheus.Registerer) *tieredMetrics {
	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerview_cache_lookups_total",
		Help: "Hot tier lookups by result.",
	}, []string{"result"})
	flushes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerview_cache_flushes_total",
		Help: "Cold tier flushes by result.",
	}, []string{"result"})
	if reg != nil {
		reg.MustRegister(lookups, flushes)
	}
	return &tieredMetrics{lookups: lookups, flushes: flushes}
}

// Tiered is safe for concurrent use.
type Tiered struct {
	opts    Options
	clock   clock.Clock
	hot     Layer[string, *Entry]
	cold    storage.BlobStore // Nil disables the cold tier.
	metrics *tieredMetrics

	flushMux sync.Mutex  // Single cold tier writer.
	dirty    atomic.Bool // Set when the hot tier changed since the last successful flush.

	hits, misses, expired, evictions, sets, invalidations atomic.Int64

	statusMux        sync.Mutex
	lastFlushAt      time.Time
	lastFlushError   string
	lastHydrateAt    time.Time
	hydratedEntries  int
	lastHydrateError string
}

// NewTiered builds the hot tier; reapers run until `ctx` is done. `cold` may be nil.
func NewTiered(ctx context.Context, opts Options, clk clock.Clock, cold storage.BlobStore,
	reg prometheus.Registerer) *Tiered {
	tiered := &Tiered{opts: opts, clock: clk, cold: cold, metrics: newTieredMetrics(reg)}
	newShard := func() Layer[string, *Entry] {
		return NewHyperClock[string, *Entry](ctx, clk, opts.ShardCapacity, opts.TickInterval, tiered.onEvict)
	}
	if opts.ShardCount <= 1 {
		tiered.hot = newShard()
	} else {
		tiered.hot = NewShardedCache(newShard, opts.ShardCount)
	}
	return tiered
}

// onEvict runs under a shard lock; it must only touch counters.
func (t *Tiered) onEvict(_ string, _ *Entry, reason EvictionReason) {
	switch reason {
	case EvictedExpired:
		t.expired.Add(1)
		t.metrics.lookups.WithLabelValues("expired").Inc()
	case EvictedCapacity:
		t.evictions.Add(1)
	}
}

func (t *Tiered) entry(key string) (*Entry, bool) {
	entry, found := t.hot.Get(key)
	if !found {
		t.misses.Add(1)
		t.metrics.lookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	t.hits.Add(1)
	t.metrics.lookups.WithLabelValues("hit").Inc()
	return entry, true
}

// Get returns the raw cached value for `key`. Values hydrated from the cold tier stay codec.RawMessage until a typed
// Lookup decodes them.
func (t *Tiered) Get(key string) (any, bool) {
	entry, found := t.entry(key)
	if !found {
		return nil, false
	}
	return entry.Value, true
}

// Lookup returns the value under `key` as a T. A hydrated value is decoded into T and stored back decoded, keeping
// its original expiry. A value that is neither T nor decodable into T is dropped and reported as a miss.
func Lookup[T any](t *Tiered, key string) (T, bool) {
	var zero T
	entry, found := t.entry(key)
	if !found {
		return zero, false
	}
	switch value := entry.Value.(type) {
	case T:
		return value, true
	case codec.RawMessage:
		var decoded T
		if err := codec.Unmarshal(value, &decoded); err != nil {
			slog.Warn("Dropping undecodable cache entry.",
				"error", &SerializationError{Op: "decode entry", Key: key, Err: err})
			t.hot.Delete(key)
			return zero, false
		}
		if remaining := entry.ExpiresAt.Sub(t.clock.Now()); remaining > 0 {
			t.hot.Add(key, &Entry{Value: decoded, WrittenAt: entry.WrittenAt, ExpiresAt: entry.ExpiresAt,
				SchemaVersion: entry.SchemaVersion}, remaining)
		}
		return decoded, true
	default:
		utils.RaiseInvariant("cache", "lookup_type_mismatch", "Cached value has an unexpected type.",
			"key", key, "type", fmt.Sprintf("%T", entry.Value), "expected", fmt.Sprintf("%T", zero))
		t.hot.Delete(key)
		return zero, false
	}
}

// Set stores `value` under `key` for `ttl`. Values must not be mutated after Set.
func (t *Tiered) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		utils.RaiseInvariant("cache", "non_positive_ttl", "Refusing to cache an entry that expires before it is written.",
			"key", key, "ttl", ttl)
		return
	}
	now := t.clock.Now()
	t.hot.Add(key, &Entry{Value: value, WrittenAt: now, ExpiresAt: now.Add(ttl), SchemaVersion: t.opts.SchemaVersion},
		ttl)
	t.sets.Add(1)
	t.dirty.Store(true)
}

// Invalidate removes `key`; it reports whether the key was cached.
func (t *Tiered) Invalidate(key string) bool {
	if !t.hot.Delete(key) {
		return false
	}
	t.invalidations.Add(1)
	t.dirty.Store(true)
	return true
}

// InvalidateMatching removes every key matching the glob `pattern` and returns how many were removed.
func (t *Tiered) InvalidateMatching(pattern string) (int, error) {
	matches, err := scan.CompileGlob(pattern)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range t.hot.Keys() {
		if matches(key) && t.Invalidate(key) {
			removed++
		}
	}
	return removed, nil
}

// Clear drops every hot entry. The next flush persists the empty state.
func (t *Tiered) Clear() {
	t.hot.Purge()
	t.dirty.Store(true)
}

func (t *Tiered) Stats() Stats {
	t.statusMux.Lock()
	defer t.statusMux.Unlock()
	return Stats{
		Entries:          t.hot.Len(),
		Hits:             t.hits.Load(),
		Misses:           t.misses.Load(),
		Expired:          t.expired.Load(),
		Evictions:        t.evictions.Load(),
		Sets:             t.sets.Load(),
		Invalidations:    t.invalidations.Load(),
		ColdTier:         t.cold != nil,
		LastFlushAt:      t.lastFlushAt,
		LastFlushError:   t.lastFlushError,
		LastHydrateAt:    t.lastHydrateAt,
		HydratedEntries:  t.hydratedEntries,
		LastHydrateError: t.lastHydrateError,
	}
}

func (t *Tiered) recordHydrate(loaded int, err error) {
	t.statusMux.Lock()
	defer t.statusMux.Unlock()
	t.lastHydrateAt = t.clock.Now()
	t.hydratedEntries = loaded
	t.lastHydrateError = ""
	if err != nil {
		t.lastHydrateError = err.Error()
	}
}

func (t *Tiered) recordFlush(err error) {
	t.statusMux.Lock()
	defer t.statusMux.Unlock()
	t.lastFlushAt = t.clock.Now()
	t.lastFlushError = ""
	if err != nil {
		t.lastFlushError = err.Error()
	}
}

// Hydrate loads the cold snapshot into the hot tier and returns the number of loaded entries. A missing snapshot is
// a clean start. Stale snapshots, expired entries and entries of another schema major version are skipped; keys
// already present in the hot tier are kept.
func (t *Tiered) Hydrate(ctx context.Context) (int, error) {
	if t.cold == nil {
		return 0, nil
	}
	blob, err := t.cold.ReadBlob(ctx, t.opts.Namespace)
	if errors.Is(err, storage.ErrKeyNotFound) {
		t.recordHydrate(0, nil)
		return 0, nil
	}
	if err != nil {
		err = fmt.Errorf("failed to read cache snapshot: %w", err)
		t.recordHydrate(0, err)
		return 0, err
	}
	snapshot, err := decodeSnapshot(blob)
	if err != nil {
		t.recordHydrate(0, err)
		return 0, err
	}

	now := t.clock.Now()
	savedAt := snapshot.SavedAt
	if t.opts.StaleAfter > 0 && now.Sub(savedAt) > t.opts.StaleAfter {
		slog.Info("Discarding stale cache snapshot.", "savedAt", savedAt, "staleAfter", t.opts.StaleAfter)
		t.recordHydrate(0, nil)
		return 0, nil
	}
	runningMajor := semver.Major(t.opts.SchemaVersion)
	loaded, skipped := 0, 0
	for key, persisted := range snapshot.Entries {
		expiresAt := persisted.ExpiresAt
		if !now.Before(expiresAt) || semver.Major(persisted.SchemaVersion) != runningMajor {
			skipped++
			continue
		}
		if _, exists := t.hot.Get(key); exists {
			continue
		}
		t.hot.Add(key, &Entry{
			Value:         persisted.Data,
			WrittenAt:     persisted.WrittenAt,
			ExpiresAt:     expiresAt,
			SchemaVersion: persisted.SchemaVersion,
		}, expiresAt.Sub(now))
		loaded++
	}
	slog.Info("Hydrated hot cache from the cold tier.", "loaded", loaded, "skipped", skipped, "savedAt", savedAt)
	t.recordHydrate(loaded, nil)
	return loaded, nil
}

// capture encodes every live hot entry. Entries whose value cannot be encoded are skipped.
func (t *Tiered) capture(now time.Time) persistedSnapshot {
	snapshot := persistedSnapshot{
		Version: t.opts.SchemaVersion,
		SavedAt: now,
		Entries: make(map[string]persistedEntry),
	}
	for _, key := range t.hot.Keys() {
		entry, found := t.hot.Get(key)
		if !found {
			continue
		}
		data, isRaw := entry.Value.(codec.RawMessage)
		if !isRaw {
			var err error
			if data, err = codec.Marshal(entry.Value); err != nil {
				slog.Warn("Skipping unencodable cache entry.",
					"error", &SerializationError{Op: "encode entry", Key: key, Err: err})
				continue
			}
		}
		snapshot.Entries[key] = persistedEntry{
			Data:          data,
			WrittenAt:     entry.WrittenAt,
			ExpiresAt:     entry.ExpiresAt,
			SchemaVersion: entry.SchemaVersion,
		}
	}
	return snapshot
}

// Flush writes the hot tier to the cold tier if anything changed since the last successful flush.
func (t *Tiered) Flush(ctx context.Context) error {
	if t.cold == nil {
		return nil
	}
	t.flushMux.Lock()
	defer t.flushMux.Unlock()
	if !t.dirty.Swap(false) {
		t.metrics.flushes.WithLabelValues("skipped").Inc()
		return nil
	}

	blob, err := encodeSnapshot(t.capture(t.clock.Now()), t.opts.Compression)
	if err == nil {
		if err = t.cold.WriteBlob(ctx, t.opts.Namespace, blob); err != nil {
			err = fmt.Errorf("failed to write cache snapshot: %w", err)
		}
	}
	t.recordFlush(err)
	if err != nil {
		t.dirty.Store(true) // Retry on the next tick.
		t.metrics.flushes.WithLabelValues("error").Inc()
		return err
	}
	t.metrics.flushes.WithLabelValues("ok").Inc()
	return nil
}

// Run flushes the hot tier every FlushInterval until `ctx` is done. Flush failures are logged; the hot tier keeps
// serving without the cold tier.
func (t *Tiered) Run(ctx context.Context) {
	if t.cold == nil || t.opts.FlushInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := t.clock.NewTicker(t.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Flush(ctx); err != nil {
				slog.Warn("Failed to flush the hot cache to the cold tier.", "error", err)
			}
		}
	}
}

// Close performs a final flush and closes the cold store.
func (t *Tiered) Close(ctx context.Context) error {
	if t.cold == nil {
		return nil
	}
	return errors.Join(t.Flush(ctx), t.cold.Close())
}
