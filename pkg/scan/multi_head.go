// Item discovery checks several windows around anchor ids; each window yields an increasing run of ids and runs can
// overlap. This module implements a heap-based multi-way iterator that lazily merges those runs into one increasing,
// de-duplicated sequence using memory proportional to the number of runs, not their total length.

package scan

import (
	"container/heap"
	"errors"
	"iter"
	"slices"

	"github.com/nobletooth/ledgerview/pkg/utils"
)

// heapElement represents a pulled key from sequences inside iterHeap.
type heapElement[K any] struct {
	key    K
	seqIdx int // The sequence index that produced this element.
}

// iterHeap holds the iteration state over multiple iterators.
type iterHeap[K any] struct { // Implements heap.Interface.
	compare  utils.CompareFn[K]
	elements []*heapElement[K] // The latest elements pulled from each live sequence.
}

var _ heap.Interface = (*iterHeap[int])(nil)

func (ih *iterHeap[K]) Len() int {
	return len(ih.elements)
}

// Less orders by key, then by sequence index so equal keys pop in a stable order.
func (ih *iterHeap[K]) Less(i, j int) bool {
	e1, e2 := ih.elements[i], ih.elements[j]
	if cmp := ih.compare(e1.key, e2.key); cmp != 0 {
		return cmp < 0
	}
	return e1.seqIdx < e2.seqIdx
}

func (ih *iterHeap[K]) Swap(i, j int) {
	ih.elements[i], ih.elements[j] = ih.elements[j], ih.elements[i]
}

// Push adds `x` to the heap if it is a non-nil element of the right type.
func (ih *iterHeap[K]) Push(x any) {
	element, ok := x.(*heapElement[K])
	switch {
	case !ok:
		utils.RaiseInvariant("multi_head", "pushed_invalid_type", "An item with invalid type was pushed to heap.")
	case element == nil:
		utils.RaiseInvariant("multi_head", "pushed_nil_element", "A nil element was pushed to iteration heap.")
	case len(ih.elements) == cap(ih.elements):
		utils.RaiseInvariant("multi_head", "exceeded_capacity",
			"An element was pushed while the capacity was full.", "cap", cap(ih.elements))
	default:
		ih.elements = append(ih.elements, element)
	}
}

// Pop returns and removes the last element in the heap.
func (ih *iterHeap[K]) Pop() any {
	lastElement := ih.elements[len(ih.elements)-1]
	ih.elements = ih.elements[:len(ih.elements)-1]
	return lastElement
}

// MultiHead merges increasing `sequences` into a single increasing sequence. Keys that compare equal are yielded
// once. Note: Sequences are expected to be increasing; a decreasing step is yielded as-is and breaks the ordering.
func MultiHead[K any](cmp utils.CompareFn[K], sequences []iter.Seq[K]) (iter.Seq[K], error) {
	if cmp == nil {
		return nil, errors.New("expected a non-nil comparison function")
	}

	return func(yield func(K) bool) {
		it := &iterHeap[K]{compare: cmp, elements: make([]*heapElement[K], 0, len(sequences))}
		pull := make([]func() (K, bool), len(sequences))
		stop := make([]func(), len(sequences))
		// Stop all underlying sequences once iteration is done.
		defer func() {
			for _, stopFn := range stop {
				if stopFn != nil {
					stopFn()
				}
			}
		}()
		for i, seq := range sequences {
			pull[i], stop[i] = iter.Pull(seq)
			if first, hasAny := pull[i](); hasAny {
				heap.Push(it, &heapElement[K]{key: first, seqIdx: i})
			}
		}

		var last K
		emitted := false
		for it.Len() > 0 {
			top := heap.Pop(it).(*heapElement[K])
			if next, hasNext := pull[top.seqIdx](); hasNext {
				heap.Push(it, &heapElement[K]{key: next, seqIdx: top.seqIdx})
			}
			if emitted && cmp(last, top.key) == 0 { // Duplicate across (or within) runs.
				continue
			}
			last, emitted = top.key, true
			if !yield(top.key) {
				return
			}
		}
	}, nil
}

// MergeSorted collects MultiHead over already sorted slices.
func MergeSorted[K any](cmp utils.CompareFn[K], runs ...[]K) []K {
	sequences := make([]iter.Seq[K], 0, len(runs))
	for _, run := range runs {
		sequences = append(sequences, slices.Values(run))
	}
	merged, err := MultiHead(cmp, sequences)
	if err != nil {
		return nil
	}
	return slices.Collect(merged)
}
