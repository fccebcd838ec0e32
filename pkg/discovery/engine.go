// Package discovery reconstructs the set of containers and items of a ledger that only answers point queries, and
// serves them through a read-only API backed by the tiered cache.
//
// Container ids and item ids are assumed to be allocated as increasing, mostly dense sequences. Containers are found
// with a binary search for the highest existing id followed by a verification pass over every id below it, so the
// verification costs O(high water mark) calls even when the id space has holes. Items are found heuristically around
// anchor ids and may be incomplete.

package discovery

import (
	"context"
	"flag"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nobletooth/ledgerview/pkg/cache"
	"github.com/nobletooth/ledgerview/pkg/clock"
	"github.com/nobletooth/ledgerview/pkg/executor"
	"github.com/nobletooth/ledgerview/pkg/ledger"
	"github.com/nobletooth/ledgerview/pkg/metadata"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

var (
	maxRange      = flag.Int64("discovery_max_range", 100_000, "Upper bound of the container id search.")
	holeTolerance = flag.Int64("discovery_hole_tolerance", 3,
		"Ids checked past each binary search midpoint so that holes don't hide higher containers.")
	batchSize       = flag.Int("discovery_batch_size", 10, "Concurrent calls per batch chunk.")
	discoveryTTL    = flag.Duration("discovery_ttl", 6*time.Hour, "Lifetime of a container discovery snapshot.")
	refreshInterval = flag.Duration("discovery_refresh_interval", time.Hour,
		"Interval of the background container discovery; 0 disables it.")
	itemNeighborhood = flag.Int64("item_neighborhood", 5, "Ids checked on each side of an item anchor.")
	itemSearchDepth  = flag.Int("item_search_depth", 8, "Maximum binary search steps of the item search.")
	itemDefaultBound = flag.Int64("item_default_upper_bound", 1_000,
		"Item id search bound for containers that don't report an item count.")
	containerTTL = flag.Duration("container_ttl", 5*time.Minute, "Cache lifetime of a container.")
	itemTTL      = flag.Duration("item_ttl", 5*time.Minute, "Cache lifetime of an item and of a container's item list.")
	existenceTTL = flag.Duration("existence_ttl", 24*time.Hour,
		"Cache lifetime of a positive existence check. Negative checks are never cached.")
	ownerTTL    = flag.Duration("owner_ttl", 2*time.Minute, "Cache lifetime of the items of an owner.")
	metadataTTL = flag.Duration("metadata_ttl", time.Hour, "Cache lifetime of a resolved metadata document.")
)

// Cache key of the installed discovery snapshot.
const snapshotKey = "discovery:containers"

type Options struct {
	MaxRange         int64
	HoleTolerance    int64
	BatchSize        int
	DiscoveryTTL     time.Duration
	RefreshInterval  time.Duration // <= 0 disables background discovery.
	ItemNeighborhood int64
	ItemSearchDepth  int
	ItemDefaultBound int64
	ContainerTTL     time.Duration
	ItemTTL          time.Duration
	ExistenceTTL     time.Duration
	OwnerTTL         time.Duration
	MetadataTTL      time.Duration
}

func OptionsFromFlags() Options {
	return Options{
		MaxRange:         *maxRange,
		HoleTolerance:    *holeTolerance,
		BatchSize:        *batchSize,
		DiscoveryTTL:     *discoveryTTL,
		RefreshInterval:  *refreshInterval,
		ItemNeighborhood: *itemNeighborhood,
		ItemSearchDepth:  *itemSearchDepth,
		ItemDefaultBound: *itemDefaultBound,
		ContainerTTL:     *containerTTL,
		ItemTTL:          *itemTTL,
		ExistenceTTL:     *existenceTTL,
		OwnerTTL:         *ownerTTL,
		MetadataTTL:      *metadataTTL,
	}
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Client     ledger.Client
	Cache      *cache.Tiered
	Executor   *executor.Executor
	Resolver   *metadata.Resolver // Nil disables metadata enrichment.
	Clock      clock.Clock
	Registerer prometheus.Registerer
}

type metrics struct {
	runs          *prometheus.CounterVec
	checks        *prometheus.CounterVec
	containers    prometheus.Gauge
	highWaterMark prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerview_discovery_runs_total",
			Help: "Container discovery runs by result.",
		}, []string{"result"}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerview_discovery_existence_checks_total",
			Help: "Existence checks by entity and result.",
		}, []string{"entity", "result"}),
		containers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledgerview_discovery_containers",
			Help: "Containers in the installed discovery snapshot.",
		}),
		highWaterMark: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledgerview_discovery_high_water_mark",
			Help: "Highest existing container id of the installed discovery snapshot.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.checks, m.containers, m.highWaterMark)
	}
	return m
}

// Engine is safe for concurrent use.
type Engine struct {
	opts     Options
	client   ledger.Client
	cache    *cache.Tiered
	executor *executor.Executor
	resolver *metadata.Resolver
	clock    clock.Clock
	metrics  *metrics

	snapshot atomic.Pointer[indexedSnapshot] // Nil until a snapshot is installed or loaded from the cache.
	flights  singleflight.Group              // Coalesces discovery runs and composite reads.

	statusMux     sync.Mutex
	lastError     string
	lastErrorAt   time.Time
	lastDiscovery time.Time

	lifecycleMux sync.Mutex
	cancel       context.CancelFunc
	done         chan struct{}
}

func New(opts Options, deps Deps) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	return &Engine{
		opts:     opts,
		client:   deps.Client,
		cache:    deps.Cache,
		executor: deps.Executor,
		resolver: deps.Resolver,
		clock:    deps.Clock,
		metrics:  newMetrics(deps.Registerer),
	}
}

// Start runs container discovery in the background: once right away unless a fresh snapshot exists, then every
// RefreshInterval. Stop ends it.
func (e *Engine) Start(ctx context.Context) {
	e.lifecycleMux.Lock()
	defer e.lifecycleMux.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		if !e.currentSnapshot().Valid(e.clock.Now()) {
			e.DiscoverContainers(ctx)
		}
		if e.opts.RefreshInterval <= 0 {
			<-ctx.Done()
			return
		}
		ticker := e.clock.NewTicker(e.opts.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.DiscoverContainers(ctx)
			}
		}
	}()
}

// Stop cancels background discovery and waits for it to return.
func (e *Engine) Stop() {
	e.lifecycleMux.Lock()
	defer e.lifecycleMux.Unlock()
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel, e.done = nil, nil
}

// currentSnapshot returns the installed snapshot, loading it from the cache (and so from the cold tier) when none is
// installed yet. Returns nil when there is none.
func (e *Engine) currentSnapshot() *Snapshot {
	if installed := e.snapshot.Load(); installed != nil {
		return &installed.Snapshot
	}
	if e.cache == nil {
		return nil
	}
	persisted, found := cache.Lookup[Snapshot](e.cache, snapshotKey)
	if !found {
		return nil
	}
	installed := newIndexedSnapshot(persisted)
	if !e.snapshot.CompareAndSwap(nil, installed) {
		installed = e.snapshot.Load()
	}
	e.recordSnapshotMetrics(&installed.Snapshot)
	return &installed.Snapshot
}

// install replaces the snapshot wholesale and persists it through the cache.
func (e *Engine) install(snapshot Snapshot) {
	e.snapshot.Store(newIndexedSnapshot(snapshot))
	e.recordSnapshotMetrics(&snapshot)
	if e.cache != nil {
		if ttl := snapshot.ExpiresAt.Sub(e.clock.Now()); ttl > 0 {
			e.cache.Set(snapshotKey, snapshot, ttl)
		}
	}
}

func (e *Engine) recordSnapshotMetrics(snapshot *Snapshot) {
	e.metrics.containers.Set(float64(len(snapshot.ContainerIDs)))
	e.metrics.highWaterMark.Set(float64(snapshot.HighWaterMark))
}

func (e *Engine) recordError(err error) {
	e.statusMux.Lock()
	defer e.statusMux.Unlock()
	e.lastError = err.Error()
	e.lastErrorAt = e.clock.Now()
}

// logFailure records a read path failure; read paths degrade to empty results instead of returning errors.
func (e *Engine) logFailure(msg string, err error, args ...any) {
	if executor.KindOf(err) == executor.KindCanceled {
		slog.Debug(msg, append(args, "error", err)...)
		return
	}
	e.recordError(err)
	slog.Warn(msg, append(args, "error", err)...)
}
