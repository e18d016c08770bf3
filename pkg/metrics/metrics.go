package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

var Module = fx.Module("metrics",
	fx.Provide(NewRegistry, New),
)

func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	return reg
}

// Metrics holds every instrument the service emits. The sink is
// fire-and-forget: callers never check emission results.
type Metrics struct {
	QueueReceived  *prometheus.CounterVec
	QueueSent      *prometheus.CounterVec
	QueueCompleted *prometheus.CounterVec
	QueueFailed    *prometheus.CounterVec
	QueueDeleted   *prometheus.CounterVec

	// Processing duration is emitted twice on purpose: the summary gives
	// percentile rollups, the histogram gives fixed buckets.
	QueueDurationSummary   *prometheus.SummaryVec
	QueueDurationHistogram *prometheus.HistogramVec

	SyncComplete *prometheus.CounterVec
	SyncFailed   *prometheus.CounterVec
	TaskComplete *prometheus.CounterVec
	TaskFailed   *prometheus.CounterVec

	WebhookFailed *prometheus.CounterVec
}

// Buckets kept in milliseconds to match the historical dashboards.
var durationBucketsMs = []float64{10, 100, 500, 1000, 2000, 3000, 5000, 10000, 30000, 60000}

func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		QueueReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqs_queue_received_total",
			Help: "Messages received from the queue.",
		}, []string{"queue"}),
		QueueSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqs_queue_sent_total",
			Help: "Messages sent to the queue.",
		}, []string{"queue"}),
		QueueCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqs_queue_success_total",
			Help: "Messages processed successfully.",
		}, []string{"queue"}),
		QueueFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqs_queue_failed_total",
			Help: "Message deliveries that failed processing.",
		}, []string{"queue"}),
		QueueDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqs_queue_deleted_total",
			Help: "Messages deleted from the queue.",
		}, []string{"queue"}),
		QueueDurationSummary: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "sqs_queue_duration_ms",
			Help:       "Message processing duration in milliseconds (percentiles).",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"queue"}),
		QueueDurationHistogram: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sqs_queue_duration_bucketed_ms",
			Help:    "Message processing duration in milliseconds (fixed buckets).",
			Buckets: durationBucketsMs,
		}, []string{"queue"}),
		SyncComplete: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_status_complete_total",
			Help: "Backfills that reached COMPLETE.",
		}, []string{"sync_type"}),
		SyncFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_status_failed_total",
			Help: "Backfills that reached FAILED.",
		}, []string{"sync_type"}),
		TaskComplete: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "task_status_complete_total",
			Help: "Backfill tasks completed.",
		}, []string{"task"}),
		TaskFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "task_status_failed_total",
			Help: "Backfill tasks failed permanently.",
		}, []string{"task"}),
		WebhookFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhooks_failed_total",
			Help: "Webhook-driven messages that failed and will not be retried.",
		}, []string{"webhook"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.QueueReceived, m.QueueSent, m.QueueCompleted, m.QueueFailed, m.QueueDeleted,
			m.QueueDurationSummary, m.QueueDurationHistogram,
			m.SyncComplete, m.SyncFailed, m.TaskComplete, m.TaskFailed,
			m.WebhookFailed,
		)
	}
	return m
}

// NewNop returns an unregistered Metrics for tests that don't inspect values.
func NewNop() *Metrics {
	return New(nil)
}

// ObserveQueueDuration records the double duration emission for one delivery.
func (m *Metrics) ObserveQueueDuration(queue string, d time.Duration) {
	ms := float64(d.Milliseconds())
	m.QueueDurationSummary.WithLabelValues(queue).Observe(ms)
	m.QueueDurationHistogram.WithLabelValues(queue).Observe(ms)
}
