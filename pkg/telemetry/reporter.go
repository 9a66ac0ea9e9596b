package telemetry

import (
	"context"
	"time"

	"github.com/gatherly/feedkit/pkg/logger"
	"github.com/go-resty/resty/v2"
)

// QueryMetric describes one feed page fetch
type QueryMetric struct {
	Duration        time.Duration
	ServerQueryTime time.Duration
	SLOTarget       time.Duration
	ItemCount       int
	CacheHit        bool
	FirstPage       bool
	SessionID       string
	// ErrorType is empty for successful fetches
	ErrorType string
}

// ExceededSLO reports whether the fetch was slower than its target
func (m QueryMetric) ExceededSLO() bool {
	return m.SLOTarget > 0 && m.Duration > m.SLOTarget
}

// Reporter receives feed query telemetry. Implementations must not block the
// caller for long and never fail it.
type Reporter interface {
	ReportFeedQuery(ctx context.Context, m QueryMetric)
}

// NopReporter discards everything
type NopReporter struct{}

func (NopReporter) ReportFeedQuery(context.Context, QueryMetric) {}

// MultiReporter fans out to several reporters. A panicking reporter is
// recovered so the others still run.
type MultiReporter []Reporter

func (mr MultiReporter) ReportFeedQuery(ctx context.Context, m QueryMetric) {
	for _, r := range mr {
		safeReport(ctx, r, m)
	}
}

func safeReport(ctx context.Context, r Reporter, m QueryMetric) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Warn("Telemetry reporter panicked", "panic", rec)
		}
	}()
	r.ReportFeedQuery(ctx, m)
}

// PrometheusReporter records feed queries in the metrics registry
type PrometheusReporter struct {
	metrics *Metrics
}

// NewPrometheusReporter creates a reporter backed by m, or the shared registry when m is nil
func NewPrometheusReporter(m *Metrics) *PrometheusReporter {
	if m == nil {
		m = Initialize()
	}
	return &PrometheusReporter{metrics: m}
}

func (p *PrometheusReporter) ReportFeedQuery(_ context.Context, m QueryMetric) {
	if m.ErrorType != "" {
		p.metrics.FeedFetchErrors.WithLabelValues(m.ErrorType).Inc()
		return
	}

	page := "next"
	if m.FirstPage {
		page = "first"
	}
	cache := "miss"
	if m.CacheHit {
		cache = "hit"
	}
	p.metrics.FeedQueryDuration.WithLabelValues(page, cache).Observe(m.Duration.Seconds())
	p.metrics.FeedItemsFetched.Add(float64(m.ItemCount))
	if m.ExceededSLO() {
		p.metrics.FeedSLOBreaches.Inc()
	}
}

// AnalyticsEvent is the payload posted to the analytics endpoint
type AnalyticsEvent struct {
	Event         string  `json:"event"`
	SessionID     string  `json:"session_id,omitempty"`
	DurationMs    float64 `json:"duration_ms"`
	SLOTargetMs   float64 `json:"slo_target_ms"`
	ExceededSLO   bool    `json:"exceeded_slo"`
	ServerQueryMs float64 `json:"server_query_ms,omitempty"`
	ItemCount     int     `json:"item_count"`
	CacheHit      bool    `json:"cache_hit"`
	FirstPage     bool    `json:"first_page"`
	ErrorType     string  `json:"error_type,omitempty"`
	Timestamp     int64   `json:"ts"`
}

// FeedQueryEvent is the analytics event name for feed fetches
const FeedQueryEvent = "feed_query_performance"

// AnalyticsReporter posts feed query events to an analytics endpoint in the
// background. Transmission failures are logged at debug level and dropped.
type AnalyticsReporter struct {
	client   *resty.Client
	path     string
	timeout  time.Duration
	dispatch func(func())
	now      func() time.Time
}

// NewAnalyticsReporter creates a reporter posting to path on client's base URL
func NewAnalyticsReporter(client *resty.Client, path string) *AnalyticsReporter {
	return &AnalyticsReporter{
		client:   client,
		path:     path,
		timeout:  5 * time.Second,
		dispatch: func(f func()) { go f() },
		now:      time.Now,
	}
}

func (a *AnalyticsReporter) ReportFeedQuery(ctx context.Context, m QueryMetric) {
	event := AnalyticsEvent{
		Event:         FeedQueryEvent,
		SessionID:     m.SessionID,
		DurationMs:    float64(m.Duration) / float64(time.Millisecond),
		SLOTargetMs:   float64(m.SLOTarget) / float64(time.Millisecond),
		ExceededSLO:   m.ExceededSLO(),
		ServerQueryMs: float64(m.ServerQueryTime) / float64(time.Millisecond),
		ItemCount:     m.ItemCount,
		CacheHit:      m.CacheHit,
		FirstPage:     m.FirstPage,
		ErrorType:     m.ErrorType,
		Timestamp:     a.now().UnixMilli(),
	}

	// detached from the fetch so cancellation of the page request does not drop the event
	sendCtx := context.WithoutCancel(ctx)
	a.dispatch(func() {
		ctx, cancel := context.WithTimeout(sendCtx, a.timeout)
		defer cancel()

		resp, err := a.client.R().
			SetContext(ctx).
			SetBody(event).
			Post(a.path)
		if err != nil {
			logger.Debug("Failed to send feed telemetry", "error", err)
			return
		}
		if !resp.IsSuccess() {
			logger.Debug("Feed telemetry rejected", "status", resp.StatusCode())
		}
	})
}
