package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsQueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emails_queued_total",
			Help: "Total email jobs inserted, by template",
		},
		[]string{"template"},
	)

	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total failed delivery attempts, by reason",
		},
		[]string{"reason"},
	)

	EmailsTerminal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_terminal_failures_total",
			Help: "Jobs that exhausted their attempts",
		},
	)

	EmailsRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_requeued_total",
			Help: "Failed or stale jobs returned to pending",
		},
	)

	EmailsPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_purged_total",
			Help: "Sent jobs removed by the retention sweep",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "email_queue_jobs",
			Help: "Jobs in the queue table, by status",
		},
		[]string{"status"},
	)

	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "email_cycle_duration_seconds",
			Help:    "Duration of one queue processing cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	CyclesSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_cycles_skipped_total",
			Help: "Ticks or triggers skipped because a cycle was already running",
		},
	)

	SMTPSendSuccess = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtp_send_success_total",
			Help: "Messages accepted by the SMTP server, by host",
		},
		[]string{"host"},
	)

	SMTPSendFailure = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtp_send_failure_total",
			Help: "Messages rejected or not delivered to the SMTP server, by host",
		},
		[]string{"host"},
	)
)

var initOnce sync.Once

// Init registers the collectors with the default registry. Safe to call
// more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			EmailsQueued,
			EmailsSent,
			EmailFailures,
			EmailsTerminal,
			EmailsRequeued,
			EmailsPurged,
			QueueDepth,
			CycleDuration,
			CyclesSkipped,
			SMTPSendSuccess,
			SMTPSendFailure,
		)
	})
}
