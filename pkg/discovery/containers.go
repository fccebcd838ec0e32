package discovery

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/nobletooth/ledgerview/pkg/executor"
)

// errAbsent reports a negative existence check. It keeps the answer out of the cache: ids are never unassigned, so a
// positive answer stays true, but a negative one turns positive once the id is allocated.
var errAbsent = &executor.Error{Kind: executor.KindNotFound, Err: errors.New("entity does not exist")}

func containerKey(id int64) string       { return "container:" + strconv.FormatInt(id, 10) }
func containerExistsKey(id int64) string { return "container:exists:" + strconv.FormatInt(id, 10) }

// sequence returns from, from+1, ..., to; nil when from > to.
func sequence(from, to int64) []int64 {
	if from > to {
		return nil
	}
	ids := make([]int64, 0, to-from+1)
	for id := from; id <= to; id++ {
		ids = append(ids, id)
	}
	return ids
}

// checkContainers returns the ids in `ids` (ascending) that exist and those confirmed not to exist. Failed checks are
// in neither.
func (e *Engine) checkContainers(ctx context.Context, ids []int64) (existing, absent []int64) {
	calls := make([]executor.Call[bool], len(ids))
	for i, id := range ids {
		calls[i] = executor.Call[bool]{Key: containerExistsKey(id), TTL: e.opts.ExistenceTTL,
			Fn: func(ctx context.Context) (bool, error) {
				exists, err := e.client.ContainerExists(ctx, id)
				if err == nil && !exists {
					return false, errAbsent
				}
				return exists, err
			}}
	}
	return e.collectExisting(ctx, "container", ids, executor.ExecuteBatch(ctx, e.executor, calls, e.opts.BatchSize))
}

// collectExisting splits `ids` by the outcome of their existence checks. Discovery treats failed ids as absent, but
// only confirmed absences are returned as such.
func (e *Engine) collectExisting(ctx context.Context, entity string, ids []int64,
	results []executor.Result[bool]) (existing, absent []int64) {
	existing = make([]int64, 0, len(ids))
	for i, result := range results {
		switch {
		case result.OK() && result.Value:
			e.metrics.checks.WithLabelValues(entity, "exists").Inc()
			existing = append(existing, ids[i])
		case result.OK() || executor.IsNotFound(result.Err):
			e.metrics.checks.WithLabelValues(entity, "absent").Inc()
			absent = append(absent, ids[i])
		default:
			e.metrics.checks.WithLabelValues(entity, "failed").Inc()
			if ctx.Err() == nil {
				slog.Debug("Existence check failed; counting the id as absent.", "entity", entity, "id", ids[i],
					"error", result.Err)
			}
		}
	}
	return existing, absent
}

// highWaterMark binary searches [1, MaxRange] for the highest existing container id. Each step checks the midpoint
// and the HoleTolerance ids after it, so holes narrower than the tolerance can't hide higher containers.
func (e *Engine) highWaterMark(ctx context.Context) int64 {
	lo, hi := int64(0), e.opts.MaxRange // lo exists (or is 0); nothing above hi does.
	for lo < hi && ctx.Err() == nil {
		mid := lo + (hi-lo+1)/2
		found, _ := e.checkContainers(ctx, sequence(mid, min(mid+max(e.opts.HoleTolerance, 0), hi)))
		if len(found) > 0 {
			lo = found[len(found)-1]
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// discover runs one full container discovery and installs its snapshot.
func (e *Engine) discover(ctx context.Context) (*Snapshot, error) {
	started := e.clock.Now()
	highWater := e.highWaterMark(ctx)
	ids, holes := e.checkContainers(ctx, sequence(1, highWater))
	if err := ctx.Err(); err != nil {
		e.metrics.runs.WithLabelValues("canceled").Inc()
		return nil, err
	}

	now := e.clock.Now()
	snapshot := Snapshot{ContainerIDs: ids, DiscoveredAt: now, ExpiresAt: now.Add(e.opts.DiscoveryTTL),
		HighWaterMark: highWater, Holes: holes}
	e.install(snapshot)
	e.metrics.runs.WithLabelValues("success").Inc()
	e.statusMux.Lock()
	e.lastDiscovery = now
	e.statusMux.Unlock()
	slog.Info("Discovered containers.", "containers", len(ids), "holes", len(holes), "high_water_mark", highWater,
		"took", now.Sub(started))
	return &snapshot, nil
}

// DiscoverContainers runs container discovery, installs the resulting snapshot and returns its ids. Concurrent calls
// share one run. If the run is interrupted the previous snapshot stays installed and its ids are returned.
func (e *Engine) DiscoverContainers(ctx context.Context) []int64 {
	flight := e.flights.DoChan(snapshotKey, func() (any, error) { return e.discover(ctx) })
	select {
	case result := <-flight:
		if result.Err == nil {
			return result.Val.(*Snapshot).ContainerIDs
		}
		slog.Debug("Container discovery was interrupted.", "error", result.Err)
	case <-ctx.Done():
	}
	if previous := e.currentSnapshot(); previous != nil {
		return previous.ContainerIDs
	}
	return nil
}

// containerIDs returns the ids of the fresh snapshot, discovering them first when there is none.
func (e *Engine) containerIDs(ctx context.Context) []int64 {
	if snapshot := e.currentSnapshot(); snapshot.Valid(e.clock.Now()) {
		return snapshot.ContainerIDs
	}
	return e.DiscoverContainers(ctx)
}
