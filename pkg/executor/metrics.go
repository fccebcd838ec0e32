package executor

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	calls       *prometheus.CounterVec
	attempts    prometheus.Counter
	retries     *prometheus.CounterVec
	coalesced   prometheus.Counter
	cacheHits   prometheus.Counter
	inFlight    prometheus.Gauge
	pacingWaits prometheus.Histogram
}

// newMetrics creates the executor collectors and registers them with `reg` when it is not nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerview_executor_calls_total",
			Help: "Executed calls by outcome.",
		}, []string{"outcome"}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgerview_executor_attempts_total",
			Help: "Underlying network attempts, retries included.",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerview_executor_retries_total",
			Help: "Retries by the kind of the failure that caused them.",
		}, []string{"kind"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgerview_executor_coalesced_total",
			Help: "Calls that joined an in-flight call for the same key.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgerview_executor_cache_hits_total",
			Help: "Calls answered from the cache without a network call.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledgerview_executor_in_flight",
			Help: "Calls currently running.",
		}),
		pacingWaits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledgerview_executor_pacing_wait_seconds",
			Help:    "Time attempts waited for the pacing limiter.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.calls, m.attempts, m.retries, m.coalesced, m.cacheHits, m.inFlight, m.pacingWaits)
	}
	return m
}
