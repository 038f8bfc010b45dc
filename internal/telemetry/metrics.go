package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Reconciliations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "curator_reconciliations_total",
		Help: "Task status reconciliations by mode and outcome (updated, unchanged, error)",
	}, []string{"mode", "outcome"})
	TaskTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "curator_task_transitions_total",
		Help: "Task status transitions by target status",
	}, []string{"to"})
	ReconcileSwallowed = prometheus.NewCounter(prometheus.CounterOpts{Name: "curator_reconcile_swallowed_errors_total", Help: "Reconcile failures logged and ignored by business triggers"})
	BulkUpdates        = prometheus.NewCounter(prometheus.CounterOpts{Name: "curator_bulk_status_updates_total", Help: "Businesses updated through the bulk endpoint"})
	NotifySent         = prometheus.NewCounter(prometheus.CounterOpts{Name: "curator_notifications_sent_total", Help: "Task completion notifications delivered"})
	NotifyFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "curator_notification_failures_total", Help: "Task completion notifications that failed"})

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Total enqueued background jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "http_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that failed and will retry"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_dead_letter_total", Help: "Jobs moved to DLQ"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Reconciliations,
			TaskTransitions,
			ReconcileSwallowed,
			BulkUpdates,
			NotifySent,
			NotifyFailures,
			EnqueueCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
