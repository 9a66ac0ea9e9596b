package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	feederrors "github.com/gatherly/feedkit/pkg/errors"
	"github.com/gatherly/feedkit/pkg/geo"
	"github.com/gatherly/feedkit/pkg/logger"
	"github.com/gatherly/feedkit/pkg/querykeys"
	"github.com/gatherly/feedkit/pkg/session"
	"github.com/gatherly/feedkit/pkg/telemetry"
	"github.com/go-resty/resty/v2"
	json "github.com/json-iterator/go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// FeedFetcher fetches one page of the unified feed
type FeedFetcher interface {
	FetchPage(ctx context.Context, cursor *FeedCursor, limit int, accessToken string, filters querykeys.Filters, userLocation *geo.Coordinates) (*FeedPage, error)
}

// FetcherConfig tunes the page fetcher
type FetcherConfig struct {
	// Path of the feed endpoint on the client's base URL
	Path string
	// RequestTimeout aborts a page request that takes longer
	RequestTimeout time.Duration
	// SLOTarget is the latency budget reported with each fetch
	SLOTarget time.Duration
	// NearRadiusMiles is the radius below which a query is near-me
	NearRadiusMiles float64
}

// DefaultFetcherConfig returns the production defaults
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		Path:            "/functions/v1/unified-feed",
		RequestTimeout:  10 * time.Second,
		SLOTarget:       500 * time.Millisecond,
		NearRadiusMiles: geo.DefaultNearRadiusMiles,
	}
}

// Fetcher calls the feed endpoint, validates what comes back and keeps the
// ETag and telemetry bookkeeping.
type Fetcher struct {
	client   *resty.Client
	cfg      FetcherConfig
	session  *session.Identity
	etags    *ETagCache
	reporter telemetry.Reporter
	locator  *geo.CachedLocator
	now      func() time.Time
}

// Option configures a Fetcher
type Option func(*Fetcher)

// WithSession sends the session identifier with every request
func WithSession(s *session.Identity) Option {
	return func(f *Fetcher) { f.session = s }
}

// WithETagCache enables conditional requests
func WithETagCache(c *ETagCache) Option {
	return func(f *Fetcher) { f.etags = c }
}

// WithReporter sets the telemetry reporter. A panicking reporter is
// recovered and never fails the fetch.
func WithReporter(r telemetry.Reporter) Option {
	return func(f *Fetcher) { f.reporter = telemetry.MultiReporter{r} }
}

// WithLocator resolves the device position for near-me queries
func WithLocator(l *geo.CachedLocator) Option {
	return func(f *Fetcher) { f.locator = l }
}

// NewFetcher creates a page fetcher
func NewFetcher(client *resty.Client, cfg FetcherConfig, opts ...Option) *Fetcher {
	defaults := DefaultFetcherConfig()
	if cfg.Path == "" {
		cfg.Path = defaults.Path
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.SLOTarget <= 0 {
		cfg.SLOTarget = defaults.SLOTarget
	}
	if cfg.NearRadiusMiles <= 0 {
		cfg.NearRadiusMiles = defaults.NearRadiusMiles
	}

	f := &Fetcher{
		client:   client,
		cfg:      cfg,
		reporter: telemetry.NopReporter{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchPage fetches the page after cursor (nil for the first page).
// A malformed response is returned as a contract error; telemetry and
// geolocation problems never fail the fetch.
func (f *Fetcher) FetchPage(ctx context.Context, cursor *FeedCursor, limit int, accessToken string, filters querykeys.Filters, userLocation *geo.Coordinates) (*FeedPage, error) {
	start := f.now()
	normalized := querykeys.NormalizeParams(filters)
	if limit <= 0 {
		limit = normalized.Limit
	}

	ctx, span := telemetry.StartSpan(ctx, "feed.fetch_page",
		attribute.Int("feed.limit", limit),
		attribute.Bool("feed.first_page", cursor == nil),
	)
	defer span.End()

	if userLocation == nil && f.locator != nil && geo.ImpliesNearMe(normalized, f.cfg.NearRadiusMiles) {
		userLocation = f.locator.Resolve(ctx)
	}

	var sessionID string
	if f.session != nil {
		sessionID = f.session.GetOrCreate(ctx)
	}

	body := FeedRequest{
		Limit:     limit,
		Cursor:    cursor.ToRequestCursor(),
		Filters:   toRequestFilters(normalized),
		SessionID: sessionID,
	}
	if userLocation != nil {
		lat, lng := userLocation.Lat, userLocation.Lng
		body.UserLat = &lat
		body.UserLng = &lng
	}

	key := NewRequestKey(limit, normalized, cursor)
	cached, haveCached := f.etags.Lookup(ctx, key)

	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	req := f.client.R().
		SetContext(reqCtx).
		SetBody(body)
	if accessToken != "" {
		req.SetAuthToken(accessToken)
	}
	if haveCached {
		req.SetHeader("If-None-Match", cached.ETag)
	}

	logger.Debug("Fetching feed page", "limit", limit, "first_page", cursor == nil, "conditional", haveCached)

	metric := telemetry.QueryMetric{
		SLOTarget: f.cfg.SLOTarget,
		FirstPage: cursor == nil,
		SessionID: sessionID,
	}

	resp, err := req.Post(f.cfg.Path)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			err = feederrors.TimeoutError(err)
		} else {
			err = feederrors.CategorizeError(err)
		}
		return nil, f.fail(ctx, span, metric, start, err, 0)
	}

	raw := resp.Body()
	cacheHit := false
	switch {
	case resp.StatusCode() == http.StatusNotModified:
		if !haveCached {
			return nil, f.fail(ctx, span, metric, start, feederrors.ContractError("304 Not Modified without a cached page"), resp.StatusCode())
		}
		raw = cached.Body
		cacheHit = true
	case !resp.IsSuccess():
		return nil, f.fail(ctx, span, metric, start, ToFeedError(ParseError(resp)), resp.StatusCode())
	}

	page, err := DecodePage(raw)
	if err != nil {
		return nil, f.fail(ctx, span, metric, start, err, resp.StatusCode())
	}

	if !cacheHit {
		etag := resp.Header().Get("ETag")
		if etag == "" {
			etag = ComputeETag(raw)
		}
		f.etags.Store(ctx, key, etag, raw)
	}

	metric.Duration = f.now().Sub(start)
	metric.ItemCount = len(page.Items)
	metric.CacheHit = cacheHit
	if page.Performance != nil {
		metric.ServerQueryTime = time.Duration(page.Performance.QueryTime * float64(time.Millisecond))
	}
	f.reporter.ReportFeedQuery(ctx, metric)

	span.SetAttributes(
		attribute.Int("feed.items", len(page.Items)),
		attribute.Bool("feed.has_next", page.NextCursor != nil),
		attribute.Bool("feed.cache_hit", cacheHit),
	)
	if metric.ExceededSLO() {
		logger.Debug("Feed query exceeded SLO", "duration", metric.Duration, "target", f.cfg.SLOTarget)
	}

	return page, nil
}

func (f *Fetcher) fail(ctx context.Context, span trace.Span, metric telemetry.QueryMetric, start time.Time, err error, status int) error {
	metric.Duration = f.now().Sub(start)
	metric.ErrorType = string(feederrors.CategorizeError(err).Type)
	f.reporter.ReportFeedQuery(ctx, metric)
	telemetry.RecordSpanError(span, err, status)
	logger.Warn("Feed page fetch failed", "error", err, "type", metric.ErrorType)
	return err
}

// DecodePage parses and validates a feed response body. The body must be an
// object with an items array.
func DecodePage(body []byte) (*FeedPage, error) {
	var wire struct {
		Items       *[]FeedItem  `json:"items"`
		NextCursor  *FeedCursor  `json:"nextCursor"`
		Performance *Performance `json:"performance"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, feederrors.ContractError("response is not a feed object: %v", err)
	}
	if wire.Items == nil {
		return nil, feederrors.ContractError("response has no items array")
	}

	raw := *wire.Items
	items := make([]FeedItem, 0, len(raw))
	for i := range raw {
		if !raw[i].IsEvent() && !raw[i].IsPost() {
			logger.Warn("Skipping feed item of unknown type", "index", i, "item_type", raw[i].ItemType, "item_id", raw[i].ItemID)
			continue
		}
		if err := validateItem(&raw[i]); err != nil {
			return nil, feederrors.ContractError("item %d: %v", i, err)
		}
		items = append(items, raw[i])
	}

	return &FeedPage{
		Items:       items,
		NextCursor:  wire.NextCursor,
		Performance: wire.Performance,
	}, nil
}

func validateItem(item *FeedItem) error {
	if item.ItemID == "" {
		return errors.New("missing item_id")
	}
	if item.IsPost() && (item.Sponsor != nil || len(item.Sponsors) > 0) {
		logger.Debug("Dropping sponsor fields from post item", "item_id", item.ItemID)
		item.Sponsor = nil
		item.Sponsors = nil
	}
	return nil
}
