package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for feedkit
type Metrics struct {
	// Feed fetch metrics
	FeedQueryDuration *prometheus.HistogramVec
	FeedSLOBreaches   prometheus.Counter
	FeedFetchErrors   *prometheus.CounterVec
	FeedItemsFetched  prometheus.Counter

	// Cache metrics
	EngagementPatches *prometheus.CounterVec
	ETagLookups       *prometheus.CounterVec

	// Impression metrics
	ImpressionsFinalized *prometheus.CounterVec
	ImpressionFlushes    *prometheus.CounterVec
	ImpressionBuffer     prometheus.Gauge
	AdImpressions        *prometheus.CounterVec

	// HTTP metrics (development server)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ImpressionsReceived *prometheus.CounterVec
}

var (
	instance *Metrics
	once     sync.Once
)

// Initialize creates and registers all Prometheus metrics
func Initialize() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			FeedQueryDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "feedkit_feed_query_duration_seconds",
					Help:    "Feed page fetch latency in seconds",
					Buckets: []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10},
				},
				[]string{"page", "cache"},
			),
			FeedSLOBreaches: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "feedkit_feed_slo_breaches_total",
					Help: "Feed page fetches slower than the SLO target",
				},
			),
			FeedFetchErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "feedkit_feed_fetch_errors_total",
					Help: "Failed feed page fetches by error type",
				},
				[]string{"type"},
			),
			FeedItemsFetched: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "feedkit_feed_items_fetched_total",
					Help: "Feed items received across all pages",
				},
			),

			EngagementPatches: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "feedkit_engagement_patches_total",
					Help: "Optimistic engagement patches by outcome",
				},
				[]string{"result"},
			),
			ETagLookups: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "feedkit_etag_lookups_total",
					Help: "ETag cache lookups by outcome",
				},
				[]string{"result"},
			),

			ImpressionsFinalized: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "feedkit_impressions_finalized_total",
					Help: "Impressions finalized by kind and completion",
				},
				[]string{"kind", "completed"},
			),
			ImpressionFlushes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "feedkit_impression_flushes_total",
					Help: "Impression batch writes by kind and result",
				},
				[]string{"kind", "result"},
			),
			ImpressionBuffer: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "feedkit_impression_buffer_size",
					Help: "Finalized impressions waiting to be flushed",
				},
			),
			AdImpressions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "feedkit_ad_impressions_total",
					Help: "Promoted item billing emissions by result",
				},
				[]string{"result"},
			),

			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "http_request_duration_seconds",
					Help:    "HTTP request latency in seconds",
					Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
				},
				[]string{"method", "path", "status"},
			),
			ImpressionsReceived: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "feedkit_impressions_received_total",
					Help: "Impression rows accepted by the development server",
				},
				[]string{"kind"},
			),
		}
	})
	return instance
}

// GetMetrics returns the metrics instance
func GetMetrics() *Metrics {
	return Initialize()
}
