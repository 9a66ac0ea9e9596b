// Package service wires the feed packages together for the command layer:
// it turns configuration into clients, stores, the fetcher and the tracker.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gatherly/feedkit/pkg/api"
	"github.com/gatherly/feedkit/pkg/client"
	"github.com/gatherly/feedkit/pkg/config"
	"github.com/gatherly/feedkit/pkg/credentials"
	"github.com/gatherly/feedkit/pkg/feed"
	"github.com/gatherly/feedkit/pkg/geo"
	"github.com/gatherly/feedkit/pkg/impressions"
	"github.com/gatherly/feedkit/pkg/logger"
	"github.com/gatherly/feedkit/pkg/querykeys"
	"github.com/gatherly/feedkit/pkg/session"
	"github.com/gatherly/feedkit/pkg/sink"
	"github.com/gatherly/feedkit/pkg/storage"
	"github.com/gatherly/feedkit/pkg/telemetry"
	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Settings is everything the App needs, resolved from configuration
type Settings struct {
	BaseURL   string
	Timeout   time.Duration
	AnonKey   string
	FeedPath  string
	PageSize  int
	StaleTime time.Duration

	RequestTimeout  time.Duration
	SLOTarget       time.Duration
	NearRadiusMiles float64

	Position   *geo.Coordinates
	GeoTimeout time.Duration
	GeoMaxAge  time.Duration

	Tracker impressions.Config

	StorageBackend string
	StatePath      string
	Redis          storage.RedisConfig

	SinkDriver string
	SinkDSN    string

	Telemetry     telemetry.Config
	AnalyticsPath string
	MetricsAddr   string
	Verbose       bool

	// TokenSource overrides the credentials file lookup
	TokenSource feed.TokenSource
}

// SettingsFromConfig reads Settings from the loaded configuration
func SettingsFromConfig() Settings {
	s := Settings{
		BaseURL:   config.GetString("api.base_url"),
		Timeout:   config.GetSeconds("api.timeout"),
		AnonKey:   config.GetString("api.anon_key"),
		FeedPath:  config.GetString("feed.path"),
		PageSize:  config.GetInt("feed.page_size"),
		StaleTime: config.GetSeconds("feed.stale_seconds"),

		RequestTimeout:  config.GetMillis("feed.request_timeout_ms"),
		SLOTarget:       config.GetMillis("feed.slo_target_ms"),
		NearRadiusMiles: config.GetFloat64("geo.near_radius_miles"),

		GeoTimeout: config.GetMillis("geo.timeout_ms"),
		GeoMaxAge:  time.Duration(config.GetInt("geo.max_age_minutes")) * time.Minute,

		Tracker: impressions.Config{
			TickInterval:          config.GetMillis("tracker.tick_ms"),
			FlushInterval:         config.GetSeconds("tracker.flush_seconds"),
			EventCompleteAfter:    config.GetMillis("tracker.event_complete_ms"),
			PostCompleteAfter:     config.GetMillis("tracker.post_complete_ms"),
			VideoCompleteFraction: config.GetFloat64("tracker.video_complete_fraction"),
			AdMinDwell:            config.GetMillis("tracker.ad_min_dwell_ms"),
		},

		StorageBackend: config.GetString("storage.backend"),
		StatePath:      config.GetStatePath(),
		Redis: storage.RedisConfig{
			Addr:     config.GetString("redis.addr"),
			Password: config.GetString("redis.password"),
			DB:       config.GetInt("redis.db"),
			Prefix:   "feedkit:",
		},

		SinkDriver: config.GetString("sink.driver"),
		SinkDSN:    config.GetString("sink.dsn"),

		Telemetry: telemetry.Config{
			ServiceName:  "feedkit",
			Environment:  "cli",
			OTLPEndpoint: config.GetString("telemetry.otlp_endpoint"),
			Enabled:      config.GetBool("telemetry.enabled"),
			SamplingRate: config.GetFloat64("telemetry.sampling_rate"),
		},
		AnalyticsPath: config.GetString("telemetry.analytics_path"),
		MetricsAddr:   config.GetString("metrics.addr"),
	}
	if config.IsSet("geo.lat") && config.IsSet("geo.lng") {
		s.Position = &geo.Coordinates{Lat: config.GetFloat64("geo.lat"), Lng: config.GetFloat64("geo.lng")}
	}
	return s
}

// App owns the long-lived collaborators of one CLI invocation
type App struct {
	Settings Settings
	Client   *resty.Client
	Store    storage.Store
	Session  *session.Identity
	Fetcher  *api.Fetcher
	Cache    *feed.Cache
	Sink     impressions.Sink
	Billing  impressions.BillingSink
	Tracker  *impressions.Tracker
	Metrics  *telemetry.Metrics

	tracer        *sdktrace.TracerProvider
	metricsServer *http.Server
	closers       []func() error
}

// NewApp builds the App. Failures to reach optional infrastructure, such as
// tracing, are logged; a broken store or sink is an error.
func NewApp(ctx context.Context, s Settings) (*App, error) {
	a := &App{
		Settings: s,
		Metrics:  telemetry.GetMetrics(),
		Cache:    feed.NewCache(),
	}

	tp, err := telemetry.InitTracer(ctx, s.Telemetry)
	if err != nil {
		logger.Warn("Tracing disabled", "error", err)
	}
	a.tracer = tp

	a.Client = client.New(client.Config{
		BaseURL: s.BaseURL,
		Timeout: s.Timeout,
		AnonKey: s.AnonKey,
		Traced:  tp != nil,
	})

	store, err := storage.Open(ctx, s.StorageBackend, s.StatePath, s.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", s.StorageBackend, err)
	}
	a.Store = store
	if rs, ok := store.(*storage.RedisStore); ok {
		a.closers = append(a.closers, rs.Close)
	}
	a.Session = session.New(store)

	reporters := telemetry.MultiReporter{telemetry.NewPrometheusReporter(a.Metrics)}
	if s.AnalyticsPath != "" {
		reporters = append(reporters, telemetry.NewAnalyticsReporter(a.Client, s.AnalyticsPath))
	}
	a.Fetcher = api.NewFetcher(a.Client, api.FetcherConfig{
		Path:            s.FeedPath,
		RequestTimeout:  s.RequestTimeout,
		SLOTarget:       s.SLOTarget,
		NearRadiusMiles: s.NearRadiusMiles,
	},
		api.WithSession(a.Session),
		api.WithETagCache(api.NewETagCache(store, api.DefaultETagTTL)),
		api.WithReporter(reporters),
		api.WithLocator(geo.NewCachedLocator(geo.StaticLocator{Position: s.Position}, s.GeoTimeout, s.GeoMaxAge)),
	)

	if s.TokenSource == nil {
		a.Settings.TokenSource = CredentialsToken
	}

	if err := a.openSink(); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	trackerCfg := s.Tracker
	trackerCfg.SessionID = a.Session.GetOrCreate(ctx)
	trackerCfg.Metrics = a.Metrics
	if creds, _ := credentials.Load(); creds.IsValid() {
		trackerCfg.UserID = creds.UserID
	}
	a.Tracker = impressions.New(a.Sink, a.Billing, trackerCfg)

	return a, nil
}

func (a *App) openSink() error {
	switch a.Settings.SinkDriver {
	case "", "http":
		hs := sink.NewHTTPSink(a.Client, sink.WithTokenSource(sink.TokenSource(a.Settings.TokenSource)))
		a.Sink, a.Billing = hs, hs
	case "postgres", "sqlite":
		db, err := sink.Open(a.Settings.SinkDriver, a.Settings.SinkDSN, a.Settings.Verbose)
		if err != nil {
			return err
		}
		if err := sink.Migrate(db); err != nil {
			return err
		}
		gs := sink.NewGormSink(db)
		a.Sink, a.Billing = gs, gs
		a.closers = append(a.closers, func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		})
	default:
		return fmt.Errorf("unknown sink driver %q", a.Settings.SinkDriver)
	}
	return nil
}

// NewController creates a feed controller for filters sharing the App cache
func (a *App) NewController(filters querykeys.Filters) *feed.Controller {
	return feed.New(a.Fetcher, a.Cache, feed.Options{
		Filters:     filters,
		PageSize:    a.Settings.PageSize,
		StaleTime:   a.Settings.StaleTime,
		TokenSource: a.Settings.TokenSource,
		Metrics:     a.Metrics,
	})
}

// StartMetricsServer exposes /metrics on the configured address, if any
func (a *App) StartMetricsServer() {
	if a.Settings.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metricsServer = &http.Server{Addr: a.Settings.MetricsAddr, Handler: mux}

	go func() {
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Metrics server stopped", "addr", a.Settings.MetricsAddr, "error", err)
		}
	}()
	logger.Debug("Serving metrics", "addr", a.Settings.MetricsAddr)
}

// Close flushes the tracker and releases every resource. It is bounded by ctx.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Tracker != nil {
		if err := a.Tracker.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final impression flush: %w", err))
		}
	}
	if a.metricsServer != nil {
		errs = append(errs, a.metricsServer.Shutdown(ctx))
	}
	if a.tracer != nil {
		errs = append(errs, a.tracer.Shutdown(ctx))
	}
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// CredentialsToken reads the access token from the credentials file.
// Missing or expired credentials mean an anonymous request.
func CredentialsToken(context.Context) (string, error) {
	creds, err := credentials.Load()
	if err != nil {
		return "", err
	}
	if !creds.IsValid() {
		return "", nil
	}
	return creds.AccessToken, nil
}
