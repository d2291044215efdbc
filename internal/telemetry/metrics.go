package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "strategy_jobs_enqueued_total", Help: "Jobs pushed on the trigger queue"})
	JobsClaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "strategy_jobs_claimed_total", Help: "Jobs claimed by a worker"})
	ClaimConflicts   = prometheus.NewCounter(prometheus.CounterOpts{Name: "strategy_claim_conflicts_total", Help: "Claims lost to another worker"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "strategy_jobs_completed_total", Help: "Jobs that reached complete"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "strategy_jobs_failed_total", Help: "Jobs that reached failed"})
	JobsRequeued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "strategy_jobs_requeued_total", Help: "Stale or orphaned jobs pushed back on the queue"})
	StageDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "strategy_stage_duration_seconds", Help: "Stage attempt latency", Buckets: prometheus.ExponentialBuckets(0.25, 2, 10)}, []string{"stage", "outcome"})
	StageFailures    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "strategy_stage_failures_total", Help: "Failed stage attempts by error code"}, []string{"stage", "code"})
	Notifications    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "strategy_notifications_published_total", Help: "Terminal notifications by outcome"}, []string{"outcome"})
	StatusPolls      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "strategy_status_polls_total", Help: "Status responses by state"}, []string{"state"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "strategy_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	DedupRemoved     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "strategy_dedup_removed_total", Help: "Duplicate rows removed by cleanup"}, []string{"kind"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "strategy_queue_depth", Help: "Ready trigger queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "strategy_jobs_inflight", Help: "Jobs currently running in this process"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsClaimed,
			ClaimConflicts,
			JobsCompleted,
			JobsFailed,
			JobsRequeued,
			StageDuration,
			StageFailures,
			Notifications,
			StatusPolls,
			RateLimitRejects,
			DedupRemoved,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
