package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MailSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailq_mail_sent_total",
		Help: "Total number of messages accepted by the provider",
	}, []string{"mode"})
	MailFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailq_mail_failed_total",
		Help: "Total number of messages that ended in a failure status",
	}, []string{"mode", "status"})
	MailQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailq_mail_queued_total",
		Help: "Total number of messages put on the delivery queue",
	})
	MailBypassed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailq_mail_bypassed_total",
		Help: "Total number of messages not delivered through the provider",
	}, []string{"reason"})
	MailRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailq_mail_retries_total",
		Help: "Total number of queue jobs released for another attempt",
	}, []string{"code"})
	MailDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailq_mail_dead_lettered_total",
		Help: "Total number of queue jobs that exhausted their retry budget or failed permanently",
	})
	ValidationErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailq_validation_errors_total",
		Help: "Total number of send requests rejected before reaching the provider",
	}, []string{"code"})

	QueueBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailq_queue_backlog",
		Help: "Jobs in the delivery queue after the last worker run",
	})
	WorkerRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailq_worker_runs_total",
		Help: "Worker invocations grouped by result",
	}, []string{"result"})
	WorkerJobs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailq_worker_jobs_total",
		Help: "Total number of queue jobs processed by workers",
	})
	WorkerRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailq_worker_run_duration_seconds",
		Help:    "Duration of worker runs",
		Buckets: prometheus.DefBuckets,
	})

	WebhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailq_webhook_events_total",
		Help: "Accepted webhook events grouped by record type and result",
	}, []string{"record_type", "result"})
	WebhookRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailq_webhook_rejected_total",
		Help: "Webhook requests rejected at the gate grouped by error code",
	}, []string{"code"})

	Alerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailq_alerts_total",
		Help: "Threshold alerts raised grouped by type",
	}, []string{"type"})
	LogsPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailq_logs_purged_total",
		Help: "Delivery log entries removed by retention",
	})
	AdminRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailq_admin_rate_limited_total",
		Help: "Admin API requests rejected by the per-IP limiter",
	})
)

func init() {
	prometheus.MustRegister(MailSent)
	prometheus.MustRegister(MailFailed)
	prometheus.MustRegister(MailQueued)
	prometheus.MustRegister(MailBypassed)
	prometheus.MustRegister(MailRetries)
	prometheus.MustRegister(MailDeadLettered)
	prometheus.MustRegister(ValidationErrors)
	prometheus.MustRegister(QueueBacklog)
	prometheus.MustRegister(WorkerRuns)
	prometheus.MustRegister(WorkerJobs)
	prometheus.MustRegister(WorkerRunDuration)
	prometheus.MustRegister(WebhookEvents)
	prometheus.MustRegister(WebhookRejected)
	prometheus.MustRegister(Alerts)
	prometheus.MustRegister(LogsPurged)
	prometheus.MustRegister(AdminRateLimited)
}

// MetricsHandler returns an http.Handler exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
