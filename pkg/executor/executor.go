// Package executor runs ledger calls under a shared pacing limiter, coalesces concurrent calls for the same key,
// answers repeated calls from the cache and retries transient failures with exponential backoff.

package executor

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"github.com/nobletooth/ledgerview/pkg/cache"
	"github.com/nobletooth/ledgerview/pkg/clock"
	"github.com/nobletooth/ledgerview/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var (
	maxCallsPerSecond = flag.Float64("rpc_max_calls_per_second", 10,
		"Upper bound on ledger calls per second across the process; <= 0 disables pacing.")
	maxRetries      = flag.Int("rpc_max_retries", 3, "Retries of a transient failure before giving up.")
	initialBackoff  = flag.Duration("rpc_initial_backoff", 500*time.Millisecond, "Backoff before the first retry.")
	maxBackoff      = flag.Duration("rpc_max_backoff", 10*time.Second, "Upper bound on the backoff between retries.")
	callTimeout     = flag.Duration("rpc_call_timeout", 15*time.Second, "Timeout of one ledger call attempt.")
	interChunkDelay = flag.Duration("batch_inter_chunk_delay", 100*time.Millisecond,
		"Pause between two chunks of a batch.")
)

// Truncation length of error messages in retry logs.
const logMessageLimit = 200

type Options struct {
	MaxCallsPerSecond float64 // <= 0 disables pacing.
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	CallTimeout       time.Duration // <= 0 leaves attempts bounded by the caller's context only.
	InterChunkDelay   time.Duration
}

func OptionsFromFlags() Options {
	return Options{
		MaxCallsPerSecond: *maxCallsPerSecond,
		MaxRetries:        *maxRetries,
		InitialBackoff:    *initialBackoff,
		MaxBackoff:        *maxBackoff,
		CallTimeout:       *callTimeout,
		InterChunkDelay:   *interChunkDelay,
	}
}

// Executor is safe for concurrent use; one instance is shared by every component calling the ledger so pacing is
// global.
type Executor struct {
	opts    Options
	clock   clock.Clock
	cache   *cache.Tiered // Nil disables caching.
	limiter *rate.Limiter // Nil disables pacing.
	flights singleflight.Group
	metrics *metrics
}

func New(opts Options, clk clock.Clock, tiered *cache.Tiered, reg prometheus.Registerer) *Executor {
	executor := &Executor{opts: opts, clock: clk, cache: tiered, metrics: newMetrics(reg)}
	if opts.MaxCallsPerSecond > 0 {
		executor.limiter = rate.NewLimiter(rate.Limit(opts.MaxCallsPerSecond), 1)
	}
	return executor
}

type callOptions struct {
	key string
	ttl time.Duration
}

type CallOption func(*callOptions)

// WithKey coalesces concurrent calls sharing `key` and, together with WithTTL, caches the result under it.
func WithKey(key string) CallOption { return func(o *callOptions) { o.key = key } }

// WithTTL caches a successful result for `ttl`. Ignored without WithKey.
func WithTTL(ttl time.Duration) CallOption { return func(o *callOptions) { o.ttl = ttl } }

// Execute runs `op` under the executor's policies and returns its result, a cached result, or the result of the
// in-flight call for the same key. Failures are *Error for permanent kinds and *ExhaustedRetriesError once retries
// ran out.
func Execute[T any](ctx context.Context, ex *Executor, op func(context.Context) (T, error), opts ...CallOption) (T, error) {
	var call callOptions
	for _, opt := range opts {
		opt(&call)
	}
	cacheable := call.key != "" && call.ttl > 0 && ex.cache != nil
	if cacheable {
		if value, found := cache.Lookup[T](ex.cache, call.key); found {
			ex.metrics.cacheHits.Inc()
			return value, nil
		}
	}
	if call.key == "" {
		return withRetries(ctx, ex, op)
	}

	led := false
	flight := ex.flights.DoChan(call.key, func() (any, error) {
		led = true
		// A caller may have missed the cache right before the previous flight for this key stored its result.
		if cacheable {
			if value, found := cache.Lookup[T](ex.cache, call.key); found {
				ex.metrics.cacheHits.Inc()
				return value, nil
			}
		}
		// Joined callers share this flight, so it must not die with the caller that happened to start it.
		value, err := withRetries(context.WithoutCancel(ctx), ex, op)
		if err == nil && cacheable {
			ex.cache.Set(call.key, value, call.ttl)
		}
		return value, err
	})

	var zero T
	select {
	case <-ctx.Done():
		ex.metrics.calls.WithLabelValues(KindCanceled.String()).Inc()
		return zero, &Error{Kind: KindCanceled, Err: ctx.Err()}
	case result := <-flight:
		if !led {
			ex.metrics.coalesced.Inc()
		}
		if result.Err != nil {
			return zero, result.Err
		}
		if result.Val == nil {
			return zero, nil
		}
		value, ok := result.Val.(T)
		if !ok {
			utils.RaiseInvariant("executor", "flight_type_mismatch", "Calls sharing a key expect different types.",
				"key", call.key, "type", fmt.Sprintf("%T", result.Val), "expected", fmt.Sprintf("%T", zero))
			return zero, &Error{Kind: KindSerialization, Err: fmt.Errorf("unexpected result type %T", result.Val)}
		}
		return value, nil
	}
}

// withRetries runs attempts of `op` until one succeeds, a failure is permanent, or the retries are used up.
func withRetries[T any](ctx context.Context, ex *Executor, op func(context.Context) (T, error)) (T, error) {
	ex.metrics.inFlight.Inc()
	defer ex.metrics.inFlight.Dec()

	var zero T
	for attempt := 1; ; attempt++ {
		if err := ex.pace(ctx); err != nil {
			ex.metrics.calls.WithLabelValues(KindCanceled.String()).Inc()
			return zero, &Error{Kind: KindCanceled, Err: err}
		}
		value, err := runAttempt(ctx, ex, op)
		if err == nil {
			ex.metrics.calls.WithLabelValues("success").Inc()
			return value, nil
		}

		kind := Classify(err)
		if ctx.Err() != nil {
			kind = KindCanceled
		}
		if !kind.Retryable() {
			ex.metrics.calls.WithLabelValues(kind.String()).Inc()
			var classified *Error
			if errors.As(err, &classified) {
				return zero, classified
			}
			return zero, &Error{Kind: kind, Err: err}
		}
		if attempt > ex.opts.MaxRetries {
			ex.metrics.calls.WithLabelValues("exhausted").Inc()
			return zero, &ExhaustedRetriesError{Attempts: attempt, Kind: kind, Last: err}
		}

		backoff := ex.backoff(attempt)
		slog.Warn("Retrying failed ledger call.", "attempt", attempt, "max_retries", ex.opts.MaxRetries,
			"kind", kind, "backoff", backoff, "error", utils.Truncate(err.Error(), logMessageLimit))
		ex.metrics.retries.WithLabelValues(kind.String()).Inc()
		if err := ex.Sleep(ctx, backoff); err != nil {
			ex.metrics.calls.WithLabelValues(KindCanceled.String()).Inc()
			return zero, &Error{Kind: KindCanceled, Err: err}
		}
	}
}

func runAttempt[T any](ctx context.Context, ex *Executor, op func(context.Context) (T, error)) (T, error) {
	ex.metrics.attempts.Inc()
	if ex.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ex.opts.CallTimeout)
		defer cancel()
	}
	return op(ctx)
}

// backoff returns min(initial * 2^(attempt-1), max).
func (ex *Executor) backoff(attempt int) time.Duration {
	backoff := ex.opts.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if ex.opts.MaxBackoff > 0 && backoff >= ex.opts.MaxBackoff {
			return ex.opts.MaxBackoff
		}
	}
	if ex.opts.MaxBackoff > 0 && backoff > ex.opts.MaxBackoff {
		return ex.opts.MaxBackoff
	}
	return backoff
}

// pace blocks until the limiter grants the next attempt. Reservations are taken at the executor clock's time so a
// fake clock drives pacing too.
func (ex *Executor) pace(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ex.limiter == nil {
		return nil
	}
	now := ex.clock.Now()
	reservation := ex.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return errors.New("pacing limiter cannot grant a call")
	}
	delay := reservation.DelayFrom(now)
	ex.metrics.pacingWaits.Observe(delay.Seconds())
	if err := ex.Sleep(ctx, delay); err != nil {
		reservation.CancelAt(ex.clock.Now())
		return err
	}
	return nil
}

// Sleep waits `d` on the executor's clock; it returns early with the context's error when `ctx` is done.
func (ex *Executor) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ex.clock.After(d):
		return nil
	}
}

// CallTimeout returns the timeout of a single attempt.
func (ex *Executor) CallTimeout() time.Duration { return ex.opts.CallTimeout }

// Cache returns the cache results are stored in, or nil.
func (ex *Executor) Cache() *cache.Tiered { return ex.cache }
