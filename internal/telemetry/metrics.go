package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsEnqueued   = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasktrack_events_enqueued_total", Help: "Lifecycle events placed on the queue"})
	EnqueueFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasktrack_enqueue_failures_total", Help: "Enqueue attempts that failed after the task write committed"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasktrack_jobs_succeeded_total", Help: "Jobs completed successfully"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasktrack_jobs_retried_total", Help: "Jobs that failed and were scheduled for retry"})
	JobsDropped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasktrack_jobs_dropped_total", Help: "Jobs acked without processing because their task no longer exists"})
	JobsDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasktrack_jobs_dead_lettered_total", Help: "Jobs durably recorded in the dead-letter sink"})
	DeadLetterErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasktrack_dead_letter_errors_total", Help: "Dead-letter hand-offs that failed to persist"})
	CacheHits        = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasktrack_cache_hits_total", Help: "Cache hits on the read path"})
	CacheMisses      = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasktrack_cache_misses_total", Help: "Cache misses, including degraded-mode failures"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasktrack_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
	ScannerRuns      = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasktrack_scanner_runs_total", Help: "Overdue scanner passes"})
	ScannerEnqueued  = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasktrack_scanner_enqueued_total", Help: "Overdue-process events produced by the scanner"})

	QueueDepth   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "tasktrack_queue_depth", Help: "Queue depth by segment"}, []string{"segment"})
	InFlightJobs = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasktrack_jobs_inflight", Help: "Jobs currently being processed by the pool"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsEnqueued,
			EnqueueFailures,
			JobsSucceeded,
			JobsRetried,
			JobsDropped,
			JobsDeadLettered,
			DeadLetterErrors,
			CacheHits,
			CacheMisses,
			RateLimitRejects,
			ScannerRuns,
			ScannerEnqueued,
			QueueDepth,
			InFlightJobs,
		)
	})
	return promhttp.Handler()
}
