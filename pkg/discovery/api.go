package discovery

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nobletooth/ledgerview/pkg/cache"
	"github.com/nobletooth/ledgerview/pkg/executor"
	"github.com/nobletooth/ledgerview/pkg/ledger"
	"github.com/nobletooth/ledgerview/pkg/metadata"
	"github.com/nobletooth/ledgerview/pkg/utils"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Filter narrows ListContainers. Zero fields match everything.
type Filter struct {
	Owner        string `json:"owner,omitempty"`
	ActiveOnly   bool   `json:"active_only,omitempty"`
	NameContains string `json:"name_contains,omitempty"` // Case insensitive.
}

func (f Filter) empty() bool { return f == Filter{} }

// Page is one page of ListContainers.
type Page struct {
	Containers []ledger.Container `json:"containers"`
	Page       int                `json:"page"`
	Limit      int                `json:"limit"`
	Total      int                `json:"total"`
	HasMore    bool               `json:"has_more"`
}

// GetContainer returns container `id`, enriched with its metadata. Reports false when the container doesn't exist or
// can't be fetched.
func (e *Engine) GetContainer(ctx context.Context, id int64) (ledger.Container, bool) {
	if id < 1 {
		return ledger.Container{}, false
	}
	if installed := e.snapshot.Load(); installed != nil && installed.Valid(e.clock.Now()) && installed.knownHole(id) {
		return ledger.Container{}, false
	}
	container, err := executor.Execute(ctx, e.executor, e.fetchContainer(id),
		executor.WithKey(containerKey(id)), executor.WithTTL(e.opts.ContainerTTL))
	if err != nil {
		if !executor.IsNotFound(err) {
			e.logFailure("Failed to fetch container.", err, "container_id", id)
		}
		return ledger.Container{}, false
	}
	return container, true
}

func (e *Engine) fetchContainer(id int64) func(context.Context) (ledger.Container, error) {
	return func(ctx context.Context) (ledger.Container, error) {
		container, err := e.client.GetContainer(ctx, id)
		if err != nil {
			return ledger.Container{}, err
		}
		container.Metadata, container.ImageURI = e.enrich(ctx, container.MetadataURI, container.ImageURI)
		return container, nil
	}
}

// getContainers fetches `ids` in batches and returns the containers that could be fetched, in the order of `ids`.
func (e *Engine) getContainers(ctx context.Context, ids []int64) []ledger.Container {
	calls := make([]executor.Call[ledger.Container], len(ids))
	for i, id := range ids {
		calls[i] = executor.Call[ledger.Container]{Key: containerKey(id), TTL: e.opts.ContainerTTL,
			Fn: e.fetchContainer(id)}
	}
	results := executor.ExecuteBatch(ctx, e.executor, calls, e.opts.BatchSize)
	containers := make([]ledger.Container, 0, len(results))
	for i, result := range results {
		if !result.OK() {
			if !executor.IsNotFound(result.Err) {
				e.logFailure("Failed to fetch container.", result.Err, "container_id", ids[i])
			}
			continue
		}
		containers = append(containers, result.Value)
	}
	return containers
}

// ListContainers returns page `page` (1-based) of the discovered containers matching `filter`. `limit` defaults to 20
// and is capped at 100.
func (e *Engine) ListContainers(ctx context.Context, filter Filter, page, limit int) Page {
	page = max(page, 1)
	if limit <= 0 {
		limit = defaultPageLimit
	}
	limit = min(limit, maxPageLimit)
	result := Page{Containers: []ledger.Container{}, Page: page, Limit: limit}

	var owner ledger.Address
	if filter.Owner != "" {
		parsed, err := ledger.ParseAddress(filter.Owner)
		if err != nil {
			slog.Debug("Ignoring container listing with an invalid owner.", "owner", filter.Owner)
			return result
		}
		owner = parsed
	}

	ids := e.containerIDs(ctx)
	offset := (page - 1) * limit
	if filter.empty() {
		// Unfiltered pages only need the containers on the page.
		result.Total = len(ids)
		if offset < len(ids) {
			result.Containers = e.getContainers(ctx, ids[offset:min(offset+limit, len(ids))])
		}
		result.HasMore = offset+limit < len(ids)
		return result
	}

	nameContains := strings.ToLower(filter.NameContains)
	var matching []ledger.Container
	for _, container := range e.getContainers(ctx, ids) {
		if owner != "" && container.Owner != owner {
			continue
		}
		if filter.ActiveOnly && !container.IsActive {
			continue
		}
		if nameContains != "" && !strings.Contains(strings.ToLower(container.Name), nameContains) {
			continue
		}
		matching = append(matching, container)
	}
	result.Total = len(matching)
	if offset < len(matching) {
		result.Containers = matching[offset:min(offset+limit, len(matching))]
	}
	result.HasMore = offset+limit < len(matching)
	return result
}

// cached returns the value under `key`, building and caching it when missing. Concurrent builds of one key are
// coalesced. The build outlives the caller that started it, so other callers waiting on it are not cut short; a
// caller whose context ends first gets the zero value. Values are only cached when `build` reports success.
func cached[T any](ctx context.Context, e *Engine, key string, ttl time.Duration,
	build func(ctx context.Context) (T, bool)) T {
	if value, found := cache.Lookup[T](e.cache, key); found {
		return value
	}
	buildCtx := context.WithoutCancel(ctx)
	flight := e.flights.DoChan(key, func() (any, error) {
		if value, found := cache.Lookup[T](e.cache, key); found {
			return value, nil
		}
		value, ok := build(buildCtx)
		if ok {
			e.cache.Set(key, value, ttl)
		}
		return value, nil
	})
	var zero T
	select {
	case result := <-flight:
		value, _ := result.Val.(T)
		return value
	case <-ctx.Done():
		return zero
	}
}

// GetContainerItems returns the discovered items of a container, enriched with their metadata. Returns an empty slice
// when the container doesn't exist.
func (e *Engine) GetContainerItems(ctx context.Context, containerID int64) []ledger.Item {
	return cached(ctx, e, "items:"+strconv.FormatInt(containerID, 10), e.opts.ItemTTL,
		func(ctx context.Context) ([]ledger.Item, bool) {
			container, found := e.GetContainer(ctx, containerID)
			if !found {
				return []ledger.Item{}, false
			}
			hint := e.opts.ItemDefaultBound
			if count, ok := container.ItemCount.Int64(); ok && count > 0 {
				hint = count
			}
			refs := make([]ledger.ItemRef, 0)
			for _, itemID := range e.DiscoverItems(ctx, containerID, hint) {
				refs = append(refs, ledger.ItemRef{ContainerID: containerID, ItemID: itemID})
			}
			return e.getItems(ctx, refs), true
		})
}

// ListItemsByOwner returns the items held by `owner`. Returns an empty slice for an invalid address.
func (e *Engine) ListItemsByOwner(ctx context.Context, owner string) []ledger.Item {
	address, err := ledger.ParseAddress(owner)
	if err != nil {
		slog.Debug("Ignoring owner listing with an invalid address.", "owner", owner)
		return []ledger.Item{}
	}
	return cached(ctx, e, "owner:"+string(address), e.opts.OwnerTTL, func(ctx context.Context) ([]ledger.Item, bool) {
		refs, err := executor.Execute(ctx, e.executor, func(ctx context.Context) ([]ledger.ItemRef, error) {
			return e.client.ListByOwner(ctx, address, nil)
		})
		if err != nil {
			e.logFailure("Failed to list items of owner.", err, "owner", address)
			return []ledger.Item{}, false
		}
		return e.getItems(ctx, refs), true
	})
}

// getItems fetches `refs` in batches, enriches them and returns those that could be fetched, in order.
func (e *Engine) getItems(ctx context.Context, refs []ledger.ItemRef) []ledger.Item {
	calls := make([]executor.Call[ledger.Item], len(refs))
	for i, ref := range refs {
		calls[i] = executor.Call[ledger.Item]{Key: itemKey(ref.ContainerID, ref.ItemID), TTL: e.opts.ItemTTL,
			Fn: func(ctx context.Context) (ledger.Item, error) {
				item, err := e.client.GetItem(ctx, ref.ContainerID, ref.ItemID)
				if err != nil {
					return ledger.Item{}, err
				}
				item.Metadata, item.ImageURI = e.enrich(ctx, item.MetadataURI, item.ImageURI)
				return item, nil
			}}
	}
	results := executor.ExecuteBatch(ctx, e.executor, calls, e.opts.BatchSize)
	items := make([]ledger.Item, 0, len(results))
	for i, result := range results {
		if !result.OK() {
			if !executor.IsNotFound(result.Err) {
				e.logFailure("Failed to fetch item.", result.Err, "item", refs[i].String())
			}
			continue
		}
		items = append(items, result.Value)
	}
	return items
}

// enrich resolves the metadata document behind `uri` and picks the entity's media location: the explicit image,
// else the document's image, else the URI itself when it isn't a document. The media location is rewritten onto the
// primary gateway.
func (e *Engine) enrich(ctx context.Context, uri, image string) (*metadata.Document, string) {
	if e.resolver == nil || strings.TrimSpace(uri) == "" {
		return nil, image
	}
	document, err := executor.Execute(ctx, e.executor, func(ctx context.Context) (*metadata.Document, error) {
		return e.resolver.Resolve(ctx, uri)
	}, executor.WithKey("metadata:"+uri), executor.WithTTL(e.opts.MetadataTTL))
	if err != nil {
		e.logFailure("Failed to resolve metadata.", err, "uri", utils.Truncate(uri, 200))
		return nil, e.resolver.MediaURL(image)
	}
	switch {
	case image != "":
	case document != nil:
		image = document.Image()
	default:
		image = uri
	}
	return document, e.resolver.MediaURL(image)
}

// RefreshDiscovery forces a container discovery run and returns the new snapshot's ids.
func (e *Engine) RefreshDiscovery(ctx context.Context) []int64 {
	return e.DiscoverContainers(ctx)
}

// ClearCache drops every hot cache entry and the installed snapshot.
func (e *Engine) ClearCache() {
	e.cache.Clear()
	e.snapshot.Store(nil)
	e.metrics.containers.Set(0)
	e.metrics.highWaterMark.Set(0)
	slog.Info("Cleared the cache and the discovery snapshot.")
}

// InvalidateCache drops the cache entries whose keys match the glob `pattern` and returns how many were dropped.
// Dropping the snapshot entry also uninstalls the snapshot, so the next read rediscovers.
func (e *Engine) InvalidateCache(pattern string) (int, error) {
	removed, err := e.cache.InvalidateMatching(pattern)
	if err != nil {
		return 0, err
	}
	if _, found := cache.Lookup[Snapshot](e.cache, snapshotKey); !found {
		e.snapshot.Store(nil)
	}
	slog.Info("Invalidated cache entries.", "pattern", pattern, "removed", removed)
	return removed, nil
}

func (e *Engine) GetCacheStats() cache.Stats { return e.cache.Stats() }

// SnapshotSummary describes the installed discovery snapshot.
type SnapshotSummary struct {
	Containers    int       `json:"containers"`
	HighWaterMark int64     `json:"high_water_mark"`
	DiscoveredAt  time.Time `json:"discovered_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Fresh         bool      `json:"fresh"`
}

// SystemStatus is a health report of the engine and its collaborators.
type SystemStatus struct {
	RPCReachable  bool             `json:"rpc_reachable"`
	RPCLatency    time.Duration    `json:"rpc_latency_ns"`
	LastError     string           `json:"last_error,omitempty"`
	LastErrorAt   time.Time        `json:"last_error_at,omitzero"`
	LastDiscovery time.Time        `json:"last_discovery,omitzero"`
	Snapshot      *SnapshotSummary `json:"snapshot,omitempty"`
	Cache         cache.Stats      `json:"cache"`
	Version       string           `json:"version"`
	Commit        string           `json:"commit"`
	Uptime        time.Duration    `json:"uptime_ns"`
	CheckedAt     time.Time        `json:"checked_at"`
}

// GetSystemStatus pings the ledger once, without retries, and reports it together with the snapshot and cache state.
func (e *Engine) GetSystemStatus(ctx context.Context) SystemStatus {
	pingCtx := ctx
	if timeout := e.executor.CallTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	started := e.clock.Now()
	pingErr := e.client.Ping(pingCtx)
	now := e.clock.Now()
	if pingErr != nil && !errors.Is(pingErr, context.Canceled) {
		e.recordError(pingErr)
	}

	status := SystemStatus{
		RPCReachable: pingErr == nil,
		RPCLatency:   now.Sub(started),
		Cache:        e.cache.Stats(),
		Version:      utils.Version,
		Commit:       utils.Commit,
		Uptime:       utils.Uptime(now),
		CheckedAt:    now,
	}
	if snapshot := e.currentSnapshot(); snapshot != nil {
		status.Snapshot = &SnapshotSummary{
			Containers:    len(snapshot.ContainerIDs),
			HighWaterMark: snapshot.HighWaterMark,
			DiscoveredAt:  snapshot.DiscoveredAt,
			ExpiresAt:     snapshot.ExpiresAt,
			Fresh:         snapshot.Valid(now),
		}
	}
	e.statusMux.Lock()
	status.LastError, status.LastErrorAt, status.LastDiscovery = e.lastError, e.lastErrorAt, e.lastDiscovery
	e.statusMux.Unlock()
	return status
}
