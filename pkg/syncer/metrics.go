package syncer

import (
	"github.com/fleetops/offlineq/pkg/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for monitoring queue draining.
var (
	// syncRuns counts sync runs by outcome.
	// Labels:
	//   - result: "ok", "error" or "skipped" (another run was in progress)
	syncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offlineq_sync_runs_total",
		Help: "The total number of sync runs",
	}, []string{"result"})

	// dispatched counts dispatch outcomes per item.
	// Labels:
	//   - status: "success", "failure" or "parked" (retry ceiling reached, not dispatched)
	//   - action: action kind
	dispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offlineq_dispatch_total",
		Help: "The total number of queue items handled by sync runs",
	}, []string{"status", "action"})

	// dispatchDuration tracks remote call latency in seconds.
	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offlineq_dispatch_duration_seconds",
		Help:    "Duration of a single remote dispatch",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	// queueLatency tracks how long an action waited between capture and a
	// successful replay.
	queueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offlineq_queue_latency_seconds",
		Help:    "Time between enqueue and successful dispatch",
		Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 24 * 3600},
	}, []string{"action"})

	// queueItems is refreshed from queue stats by the depth collector.
	// Labels:
	//   - state: "total", "pending", "retrying" or "failed"
	queueItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "offlineq_queue_items",
		Help: "Number of queued actions by retry state",
	}, []string{"state"})
)

// RecordQueueStats publishes a queue stats snapshot to the queue gauge.
func RecordQueueStats(st queue.Stats) {
	queueItems.WithLabelValues("total").Set(float64(st.Total))
	queueItems.WithLabelValues("pending").Set(float64(st.Pending))
	queueItems.WithLabelValues("retrying").Set(float64(st.Retrying))
	queueItems.WithLabelValues("failed").Set(float64(st.Failed))
}
