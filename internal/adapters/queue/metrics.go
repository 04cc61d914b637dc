package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type queueMetrics struct {
	enqueued     *prometheus.CounterVec
	completed    *prometheus.CounterVec
	failed       *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
	retried      *prometheus.CounterVec
	waiting      *prometheus.GaugeVec
	active       *prometheus.GaugeVec
	duration     *prometheus.HistogramVec
}

func newQueueMetrics(reg prometheus.Registerer) *queueMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &queueMetrics{
		enqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_queue_jobs_enqueued_total",
			Help: "Jobs accepted into the waiting band.",
		}, []string{"queue"}),
		completed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_queue_jobs_completed_total",
			Help: "Jobs whose handler returned nil.",
		}, []string{"queue"}),
		failed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_queue_jobs_failed_total",
			Help: "Handler failures, including attempts that will be retried.",
		}, []string{"queue"}),
		deadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_queue_jobs_dead_lettered_total",
			Help: "Jobs parked after exhausting their attempt budget.",
		}, []string{"queue"}),
		retried: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_queue_jobs_retried_total",
			Help: "Jobs rescheduled with backoff after a failed attempt.",
		}, []string{"queue"}),
		waiting: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loom_queue_jobs_waiting",
			Help: "Jobs currently in the waiting band.",
		}, []string{"queue"}),
		active: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loom_queue_jobs_active",
			Help: "Jobs currently held by a worker.",
		}, []string{"queue"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_queue_job_duration_seconds",
			Help:    "Handler wall time per attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
	}
}
