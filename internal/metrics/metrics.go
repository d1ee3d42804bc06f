package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the engine exports.
type Metrics struct {
	// Committed/failed transactions by kind; failures carry a reason label.
	TransactionsCommitted *prometheus.CounterVec
	TransactionsFailed    *prometheus.CounterVec
	TransactionDuration   *prometheus.HistogramVec

	// Replays answered from the idempotency store without touching balances.
	IdempotentReplays *prometheus.CounterVec

	// Exchange rate plumbing.
	RateFetches   *prometheus.CounterVec
	RateCacheHits prometheus.Counter
}

// New registers the collectors with reg. A nil registerer creates
// unregistered collectors, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TransactionsCommitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bankcore_transactions_committed_total",
			Help: "Committed transactions by kind.",
		}, []string{"kind"}),
		TransactionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bankcore_transactions_failed_total",
			Help: "Failed transactions by kind and reason.",
		}, []string{"kind", "reason"}),
		TransactionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bankcore_transaction_duration_seconds",
			Help:    "End-to-end transaction latency by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		IdempotentReplays: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bankcore_idempotent_replays_total",
			Help: "Requests answered from a prior committed result.",
		}, []string{"kind"}),
		RateFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bankcore_rate_fetches_total",
			Help: "Upstream exchange rate fetches by source and outcome.",
		}, []string{"source", "outcome"}),
		RateCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "bankcore_rate_cache_hits_total",
			Help: "Exchange rate lookups served from the cache.",
		}),
	}
}
