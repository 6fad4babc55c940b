// Package metrics exposes the driver's Prometheus instrumentation:
// query counts and latency, prepared-statement cache hit/miss rates,
// pipeline batch sizes, and COPY throughput.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueryTotal counts executed statements by query_type and prepared.
	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgdriver_query_total",
			Help: "Total number of statements executed",
		},
		[]string{"query_type", "prepared"},
	)

	// QueryLatency tracks statement latency by query_type.
	QueryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgdriver_query_latency_seconds",
			Help:    "Statement execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query_type"},
	)

	// PrepareCacheHits counts prepared-statement cache hits (DecisionYes).
	PrepareCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pgdriver_prepare_cache_hits_total",
			Help: "Statements executed against an already-prepared name",
		},
	)

	// PrepareCacheMisses counts statements run unnamed or newly prepared.
	PrepareCacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgdriver_prepare_cache_misses_total",
			Help: "Statements run unnamed or newly promoted to prepared",
		},
		[]string{"decision"},
	)

	// PrepareCacheEvictions counts statements evicted from the LRU and
	// queued for a backend Close.
	PrepareCacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pgdriver_prepare_cache_evictions_total",
			Help: "Prepared statements evicted from the cache",
		},
	)

	// PipelineBatchSize tracks how many statements were queued between
	// successive Pipeline.Sync calls.
	PipelineBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pgdriver_pipeline_batch_size",
			Help:    "Number of statements queued per pipeline sync point",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000},
		},
	)

	// PipelineAbortedTotal counts statements skipped because an earlier
	// statement in the same pipeline round failed.
	PipelineAbortedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pgdriver_pipeline_aborted_total",
			Help: "Statements skipped due to an earlier failure in the same pipeline round",
		},
	)

	// CopyRowsTotal counts rows streamed through COPY, by direction.
	CopyRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgdriver_copy_rows_total",
			Help: "Rows streamed through COPY",
		},
		[]string{"direction"}, // "in" or "out"
	)

	// TransactionsTotal counts commit/rollback outcomes.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgdriver_transactions_total",
			Help: "Completed transactions by outcome",
		},
		[]string{"outcome"}, // "commit" or "rollback"
	)

	once sync.Once
)

// Init registers all metrics with Prometheus. Safe to call more than
// once; registration only happens the first time.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(QueryTotal)
		prometheus.MustRegister(QueryLatency)
		prometheus.MustRegister(PrepareCacheHits)
		prometheus.MustRegister(PrepareCacheMisses)
		prometheus.MustRegister(PrepareCacheEvictions)
		prometheus.MustRegister(PipelineBatchSize)
		prometheus.MustRegister(PipelineAbortedTotal)
		prometheus.MustRegister(CopyRowsTotal)
		prometheus.MustRegister(TransactionsTotal)
	})
}

// Handler returns the Prometheus HTTP handler for a metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
