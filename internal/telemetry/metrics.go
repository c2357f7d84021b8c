package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_jobs_enqueued_total", Help: "Jobs created by scheduler passes"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_jobs_retried_total", Help: "Jobs that failed and were rescheduled"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_jobs_failed_total", Help: "Jobs terminally failed"})
	SchedulerSkips   = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_scheduler_skips_total", Help: "Candidates skipped for missing contact data"})
	EmailsSent       = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_emails_sent_total", Help: "Transactional emails delivered"})
	QuotaRejections  = prometheus.NewCounter(prometheus.CounterOpts{Name: "quota_rejections_total", Help: "Metered operations rejected at the plan limit"})
	MilestoneEvents  = prometheus.NewCounter(prometheus.CounterOpts{Name: "quota_milestone_events_total", Help: "Quota warning/limit milestones fired"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "trigger_rate_limit_rejects_total", Help: "Trigger requests rejected by rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "automation_queue_depth", Help: "Ready delivery queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "automation_jobs_inflight", Help: "Jobs currently being processed"})
	DueJobsGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "automation_jobs_due", Help: "Pending jobs whose scheduled_for has passed"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			SchedulerSkips,
			EmailsSent,
			QuotaRejections,
			MilestoneEvents,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			DueJobsGauge,
		)
	})
	return promhttp.Handler()
}
