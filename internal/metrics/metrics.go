// Package metrics holds the Prometheus collectors for the generation service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	Namespace = "chargen"
)

// Metrics groups every collector the service exports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	JobsEnqueued   *prometheus.CounterVec
	JobsFinished   *prometheus.CounterVec
	JobRetries     *prometheus.CounterVec
	JobDuration    *prometheus.HistogramVec
	JobsActive     prometheus.Gauge
	QueueDepth     *prometheus.GaugeVec
	TrackerEvents  *prometheus.CounterVec
	NotifyFailures prometheus.Counter

	BreakerState       *prometheus.GaugeVec
	BreakerRejections  *prometheus.CounterVec
	WebhookDeliveries  *prometheus.CounterVec
	WebhookLatency     prometheus.Histogram
	WebhookInbound     *prometheus.CounterVec
	ServiceHealthState *prometheus.GaugeVec
}

// New creates and registers all collectors on reg. A nil reg falls back to
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	m := &Metrics{}
	m.initJobMetrics(factory)
	m.initBreakerMetrics(factory)
	m.initWebhookMetrics(factory)
	return m
}

func (m *Metrics) initJobMetrics(factory promauto.Factory) {
	m.JobsEnqueued = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "queue",
		Name:      "jobs_enqueued_total",
		Help:      "Jobs accepted by admission control",
	}, []string{"type", "priority"})

	m.JobsFinished = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "worker",
		Name:      "jobs_finished_total",
		Help:      "Jobs that reached a terminal status",
	}, []string{"type", "status"})

	m.JobRetries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "worker",
		Name:      "job_retries_total",
		Help:      "Jobs re-queued after a retryable failure",
	}, []string{"code"})

	m.JobDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "Wall-clock time spent processing a job",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
	}, []string{"type"})

	m.JobsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "worker",
		Name:      "jobs_active",
		Help:      "Jobs currently being processed by this worker",
	})

	m.QueueDepth = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Jobs per status as last reported by the queue",
	}, []string{"status"})

	m.TrackerEvents = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "tracker",
		Name:      "events_total",
		Help:      "Events emitted by the status tracker",
	}, []string{"event"})

	m.NotifyFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "tracker",
		Name:      "notification_failures_total",
		Help:      "Subscriber callbacks that timed out or panicked",
	})

	m.ServiceHealthState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "tracker",
		Name:      "service_health",
		Help:      "Sub-service health: 2 healthy, 1 degraded, 0 unhealthy",
	}, []string{"service"})
}

func (m *Metrics) initBreakerMetrics(factory promauto.Factory) {
	m.BreakerState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open",
	}, []string{"breaker"})

	m.BreakerRejections = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "breaker",
		Name:      "rejections_total",
		Help:      "Calls rejected while the breaker was open",
	}, []string{"breaker"})
}

func (m *Metrics) initWebhookMetrics(factory promauto.Factory) {
	m.WebhookDeliveries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "webhook",
		Name:      "delivery_attempts_total",
		Help:      "Outbound delivery attempts by outcome",
	}, []string{"outcome"})

	m.WebhookLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "webhook",
		Name:      "delivery_duration_seconds",
		Help:      "Outbound delivery round-trip time",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	m.WebhookInbound = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "webhook",
		Name:      "inbound_total",
		Help:      "Inbound webhook requests by source and response code",
	}, []string{"source", "code"})
}

func (m *Metrics) JobEnqueued(jobType, priority string) {
	if m == nil {
		return
	}
	m.JobsEnqueued.WithLabelValues(jobType, priority).Inc()
}

func (m *Metrics) JobFinished(jobType, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(jobType, status).Inc()
	if took > 0 {
		m.JobDuration.WithLabelValues(jobType).Observe(took.Seconds())
	}
}

func (m *Metrics) JobRetried(code string) {
	if m == nil {
		return
	}
	m.JobRetries.WithLabelValues(code).Inc()
}

func (m *Metrics) SetActiveJobs(n int) {
	if m == nil {
		return
	}
	m.JobsActive.Set(float64(n))
}

func (m *Metrics) SetQueueDepth(counts map[string]int) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.QueueDepth.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) TrackerEvent(event string) {
	if m == nil {
		return
	}
	m.TrackerEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) NotificationFailed() {
	if m == nil {
		return
	}
	m.NotifyFailures.Inc()
}

// SetServiceHealth records a sub-service health level (2 healthy, 1 degraded, 0 unhealthy).
func (m *Metrics) SetServiceHealth(service string, level int) {
	if m == nil {
		return
	}
	m.ServiceHealthState.WithLabelValues(service).Set(float64(level))
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

func (m *Metrics) BreakerRejected(name string) {
	if m == nil {
		return
	}
	m.BreakerRejections.WithLabelValues(name).Inc()
}

func (m *Metrics) WebhookAttempt(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.WithLabelValues(outcome).Inc()
	m.WebhookLatency.Observe(took.Seconds())
}

func (m *Metrics) InboundWebhook(source string, code int) {
	if m == nil {
		return
	}
	m.WebhookInbound.WithLabelValues(source, statusLabel(code)).Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 200 && code < 300:
		return "2xx"
	default:
		return "other"
	}
}
