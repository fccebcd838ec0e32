package executor

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Call is one operation of a batch. Key and TTL behave like WithKey and WithTTL.
type Call[T any] struct {
	Key string
	TTL time.Duration
	Fn  func(context.Context) (T, error)
}

// Result is the outcome of one Call. Value is the zero value when Err is set.
type Result[T any] struct {
	Value T
	Err   error
}

func (r Result[T]) OK() bool { return r.Err == nil }

// ExecuteBatch runs `calls` through Execute in chunks of `concurrency` calls, pausing between chunks. The results have
// the order and length of `calls`. A failing call only fails its own slot: siblings are neither canceled nor skipped.
func ExecuteBatch[T any](ctx context.Context, ex *Executor, calls []Call[T], concurrency int) []Result[T] {
	if concurrency <= 0 {
		concurrency = 1
	}
	results := make([]Result[T], len(calls))
	for start := 0; start < len(calls); start += concurrency {
		end := min(start+concurrency, len(calls))
		// A plain group: errgroup.WithContext would cancel the rest of the chunk on the first failure.
		var chunk errgroup.Group
		for i := start; i < end; i++ {
			chunk.Go(func() error {
				value, err := Execute(ctx, ex, calls[i].Fn, WithKey(calls[i].Key), WithTTL(calls[i].TTL))
				results[i] = Result[T]{Value: value, Err: err}
				return nil
			})
		}
		_ = chunk.Wait()

		if end == len(calls) {
			break
		}
		if err := ex.Sleep(ctx, ex.opts.InterChunkDelay); err != nil {
			for i := end; i < len(calls); i++ {
				results[i] = Result[T]{Err: &Error{Kind: KindCanceled, Err: err}}
			}
			break
		}
	}
	return results
}

// Values returns the values of the successful results, in order.
func Values[T any](results []Result[T]) []T {
	values := make([]T, 0, len(results))
	for _, result := range results {
		if result.OK() {
			values = append(values, result.Value)
		}
	}
	return values
}
