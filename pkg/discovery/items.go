package discovery

import (
	"cmp"
	"context"
	"fmt"

	"github.com/nobletooth/ledgerview/pkg/executor"
	"github.com/nobletooth/ledgerview/pkg/scan"
)

func itemKey(containerID, itemID int64) string { return fmt.Sprintf("item:%d:%d", containerID, itemID) }

func itemExistsKey(containerID, itemID int64) string {
	return fmt.Sprintf("item:exists:%d:%d", containerID, itemID)
}

// checkItems returns the ids in `ids` (ascending) of items of `containerID` that exist. Failed checks count as absent.
func (e *Engine) checkItems(ctx context.Context, containerID int64, ids []int64) []int64 {
	calls := make([]executor.Call[bool], len(ids))
	for i, id := range ids {
		calls[i] = executor.Call[bool]{Key: itemExistsKey(containerID, id), TTL: e.opts.ExistenceTTL,
			Fn: func(ctx context.Context) (bool, error) {
				exists, err := e.client.ItemExists(ctx, containerID, id)
				if err == nil && !exists {
					return false, errAbsent
				}
				return exists, err
			}}
	}
	existing, _ := e.collectExisting(ctx, "item", ids, executor.ExecuteBatch(ctx, e.executor, calls, e.opts.BatchSize))
	return existing
}

// DiscoverItems searches [1, upperBoundHint] for the item ids of a container. It binary searches for an anchor: an
// existing midpoint moves the search past it, a missing one moves it below. Every anchor's neighborhood is checked in
// one batch since allocations cluster. A range no wider than a neighborhood window is checked whole and ends the
// search, as does reaching ItemSearchDepth steps.
//
// The call count grows with the log of the hint and the number of anchors, not with the hint. The result is sorted
// and free of duplicates but may miss items.
func (e *Engine) DiscoverItems(ctx context.Context, containerID, upperBoundHint int64) []int64 {
	if upperBoundHint < 1 {
		return nil
	}
	neighborhood := max(e.opts.ItemNeighborhood, 0)
	var runs [][]int64
	lo, hi := int64(1), upperBoundHint
	for step := 0; lo <= hi && step <= e.opts.ItemSearchDepth && ctx.Err() == nil; step++ {
		if hi-lo+1 <= 2*neighborhood+1 {
			runs = append(runs, e.checkItems(ctx, containerID, sequence(lo, hi)))
			break
		}
		mid := lo + (hi-lo)/2
		if len(e.checkItems(ctx, containerID, []int64{mid})) == 0 {
			hi = mid - 1
			continue
		}
		window := sequence(max(lo, mid-neighborhood), min(hi, mid+neighborhood))
		runs = append(runs, e.checkItems(ctx, containerID, window))
		lo = window[len(window)-1] + 1
	}
	return scan.MergeSorted(cmp.Compare[int64], runs...)
}
