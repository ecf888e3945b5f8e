package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Broker metrics
	SSESubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "markhive_sse_subscribers",
			Help: "Live SSE subscribers by namespace",
		},
		[]string{"namespace"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markhive_events_published_total",
			Help: "Events published to the broker by namespace and type",
		},
		[]string{"namespace", "type"},
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markhive_events_dropped_total",
			Help: "Events dropped because a subscriber was evicted",
		},
		[]string{"namespace"},
	)

	SubscribersEvictedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markhive_subscribers_evicted_total",
			Help: "Subscribers evicted for slow consumption or write failure",
		},
		[]string{"namespace"},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "markhive_heartbeats_total",
			Help: "Heartbeat rounds issued by the broker",
		},
	)

	// Applicator metrics
	OperationsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markhive_operations_applied_total",
			Help: "Envelopes applied by op type and result",
		},
		[]string{"op", "result"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markhive_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "markhive_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Client-side sync metrics
	SyncBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markhive_sync_batches_total",
			Help: "Sync batches sent by namespace and outcome",
		},
		[]string{"namespace", "outcome"},
	)

	PendingEnvelopes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "markhive_pending_envelopes",
			Help: "Envelopes awaiting sync by namespace",
		},
		[]string{"namespace"},
	)

	ReconnectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markhive_reconnect_attempts_total",
			Help: "Upstream SSE reconnect attempts by namespace",
		},
		[]string{"namespace"},
	)
)

func init() {
	prometheus.MustRegister(SSESubscribers)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(SubscribersEvictedTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(OperationsAppliedTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(SyncBatchesTotal)
	prometheus.MustRegister(PendingEnvelopes)
	prometheus.MustRegister(ReconnectAttemptsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
