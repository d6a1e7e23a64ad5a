package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/facilityhub/notifyq/internal/domain"
	"github.com/facilityhub/notifyq/internal/service"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	ItemsEnqueued       *prometheus.CounterVec
	ItemsClaimed        *prometheus.CounterVec
	ItemsCompleted      *prometheus.CounterVec
	ItemsRetried        *prometheus.CounterVec
	ItemsFailed         *prometheus.CounterVec
	ItemsCancelled      *prometheus.CounterVec
	StaleReports        *prometheus.CounterVec
	StallsReclaimed     *prometheus.CounterVec
	DeliveryLatency     *prometheus.HistogramVec
	QueueDepth          *prometheus.GaugeVec
	RateLimitedRequests prometheus.Counter
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ItemsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyq_items_enqueued_total",
			Help: "Total number of queue items accepted from producers.",
		}, []string{"channel"}),

		ItemsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyq_items_claimed_total",
			Help: "Total number of leases handed to workers.",
		}, []string{"channel"}),

		ItemsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyq_items_completed_total",
			Help: "Total number of items delivered successfully.",
		}, []string{"channel"}),

		ItemsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyq_items_retried_total",
			Help: "Total number of transient failures returned to the queue with backoff.",
		}, []string{"channel"}),

		ItemsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyq_items_failed_total",
			Help: "Total number of items that reached the failed state.",
		}, []string{"channel", "kind"}),

		ItemsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyq_items_cancelled_total",
			Help: "Total number of queued items cancelled by producers.",
		}, []string{"channel"}),

		StaleReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyq_stale_lease_total",
			Help: "Reports and renewals rejected because the caller no longer held the lease.",
		}, []string{"op"}),

		StallsReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyq_stalls_reclaimed_total",
			Help: "Items returned to the queue after their lease expired without a report.",
		}, []string{"channel"}),

		DeliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notifyq_delivery_seconds",
			Help:    "Handler latency from claim to provider ack for delivered items.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "notifyq_queue_depth",
			Help: "Number of queue items in each status at the last snapshot.",
		}, []string{"status"}),

		RateLimitedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifyq_rate_limited_requests_total",
			Help: "Producer requests rejected by the tenant rate limit.",
		}),
	}

	reg.MustRegister(
		m.ItemsEnqueued,
		m.ItemsClaimed,
		m.ItemsCompleted,
		m.ItemsRetried,
		m.ItemsFailed,
		m.ItemsCancelled,
		m.StaleReports,
		m.StallsReclaimed,
		m.DeliveryLatency,
		m.QueueDepth,
		m.RateLimitedRequests,
	)

	return m
}

// ServiceHooks returns the metric callbacks expected by service.MetricHooks.
// Centralises the prometheus observation calls so the service stays import-free.
func (m *Metrics) ServiceHooks() service.MetricHooks {
	return service.MetricHooks{
		OnEnqueued: func(ch domain.Channel) {
			m.ItemsEnqueued.WithLabelValues(string(ch)).Inc()
		},
		OnClaimed: func(ch domain.Channel, n int) {
			m.ItemsClaimed.WithLabelValues(string(ch)).Add(float64(n))
		},
		OnCompleted: func(ch domain.Channel) {
			m.ItemsCompleted.WithLabelValues(string(ch)).Inc()
		},
		OnRetried: func(ch domain.Channel) {
			m.ItemsRetried.WithLabelValues(string(ch)).Inc()
		},
		OnFailed: func(ch domain.Channel, kind domain.ErrorKind) {
			m.ItemsFailed.WithLabelValues(string(ch), string(kind)).Inc()
		},
		OnCancelled: func(ch domain.Channel) {
			m.ItemsCancelled.WithLabelValues(string(ch)).Inc()
		},
		OnStaleReport: func(op string) {
			m.StaleReports.WithLabelValues(op).Inc()
		},
		OnStallReclaimed: func(ch domain.Channel) {
			m.StallsReclaimed.WithLabelValues(string(ch)).Inc()
		},
		OnDelivered: func(ch domain.Channel, latency time.Duration) {
			m.DeliveryLatency.WithLabelValues(string(ch)).Observe(latency.Seconds())
		},
		OnQueueDepth: func(st domain.Status, n int) {
			m.QueueDepth.WithLabelValues(string(st)).Set(float64(n))
		},
	}
}
