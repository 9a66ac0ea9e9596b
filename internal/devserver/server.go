// Package devserver is a local stand-in for the feed backend: it serves a
// deterministic, cursor-paginated feed and persists the impressions and ad
// billing events clients send back.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gatherly/feedkit/pkg/api"
	"github.com/gatherly/feedkit/pkg/impressions"
	"github.com/gatherly/feedkit/pkg/sink"
	"github.com/gatherly/feedkit/pkg/telemetry"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// MaxPageSize caps the limit a client may ask for
	MaxPageSize = 100
	// MinAdDwellMs is the dwell below which an ad impression is not billable
	MinAdDwellMs = 500
)

// Server serves the feed and impression endpoints
type Server struct {
	cfg       Config
	log       *zap.Logger
	catalogue *Catalogue
	sink      *sink.GormSink
	metrics   *telemetry.Metrics

	analyticsEvents atomic.Int64
}

// New creates a server. store receives every impression and billing event.
func New(cfg Config, log *zap.Logger, store *sink.GormSink) *Server {
	if cfg.CatalogueSize <= 0 {
		cfg.CatalogueSize = 200
	}
	return &Server{
		cfg:       cfg,
		log:       log,
		catalogue: NewCatalogue(cfg.Seed, cfg.CatalogueSize, cfg.PromotedEvery),
		sink:      store,
		metrics:   telemetry.GetMetrics(),
	}
}

// Router builds the gin engine with every route and middleware
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(s.log))
	r.Use(MetricsMiddleware(s.metrics))
	if s.cfg.Tracing {
		r.Use(TracingMiddleware(s.cfg.ServiceName)...)
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "apikey", "If-None-Match", "Prefer", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"ETag", "X-Request-ID"}
	r.Use(cors.New(corsConfig))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	functions := r.Group("/functions/v1")
	{
		functions.POST("/unified-feed", s.handleFeed)
		functions.POST("/ad-impression", s.handleAdImpression)
	}

	rest := r.Group("/rest/v1")
	{
		rest.POST("/event_impressions", s.handleEventImpressions)
		rest.POST("/post_impressions", s.handlePostImpressions)
	}

	r.POST("/analytics/v1/events", s.handleAnalytics)

	return r
}

// Run serves on the configured port until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Development server starting",
			zap.String("port", s.cfg.Port),
			zap.Int("catalogue_size", s.catalogue.Len()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"timestamp":        time.Now().UTC(),
		"service":          s.cfg.ServiceName,
		"catalogue_size":   s.catalogue.Len(),
		"analytics_events": s.analyticsEvents.Load(),
	})
}

func (s *Server) handleFeed(c *gin.Context) {
	if auth := c.GetHeader("Authorization"); auth == "Bearer invalid" {
		abortWithError(c, http.StatusUnauthorized, "invalid_token", "access token is not valid")
		return
	}

	var req api.FeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Limit > MaxPageSize {
		req.Limit = MaxPageSize
	}
	c.Set("session_id", req.SessionID)

	start := time.Now()
	if s.cfg.Latency > 0 {
		select {
		case <-time.After(s.cfg.Latency):
		case <-c.Request.Context().Done():
			return
		}
	}

	page := s.catalogue.Page(req)

	// the ETag covers content only, so it stays stable while timings vary
	content, err := json.Marshal(api.FeedPage{Items: page.Items, NextCursor: page.NextCursor})
	if err != nil {
		_ = c.Error(err)
		abortWithError(c, http.StatusInternalServerError, "encode_failed", "failed to encode page")
		return
	}
	etag := api.ComputeETag(content)
	c.Header("ETag", etag)
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return
	}

	page.Performance = &api.Performance{QueryTime: float64(time.Since(start).Microseconds()) / 1000}
	c.JSON(http.StatusOK, page)
}

func (s *Server) handleEventImpressions(c *gin.Context) {
	var rows []impressions.EventImpression
	if err := c.ShouldBindJSON(&rows); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	for i, row := range rows {
		if row.SessionID == "" || row.EventID == "" || row.DwellMs < 0 {
			abortWithError(c, http.StatusUnprocessableEntity, "validation_failed", fmt.Sprintf("row %d is missing session_id or event_id", i))
			return
		}
	}

	if err := s.sink.InsertEventImpressions(c.Request.Context(), rows); err != nil {
		_ = c.Error(err)
		abortWithError(c, http.StatusInternalServerError, "insert_failed", "failed to store impressions")
		return
	}
	s.metrics.ImpressionsReceived.WithLabelValues(string(impressions.KindEvent)).Add(float64(len(rows)))
	c.Status(http.StatusCreated)
}

func (s *Server) handlePostImpressions(c *gin.Context) {
	var rows []impressions.PostImpression
	if err := c.ShouldBindJSON(&rows); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	for i, row := range rows {
		if row.SessionID == "" || row.PostID == "" || row.DwellMs < 0 {
			abortWithError(c, http.StatusUnprocessableEntity, "validation_failed", fmt.Sprintf("row %d is missing session_id or post_id", i))
			return
		}
	}

	if err := s.sink.InsertPostImpressions(c.Request.Context(), rows); err != nil {
		_ = c.Error(err)
		abortWithError(c, http.StatusInternalServerError, "insert_failed", "failed to store impressions")
		return
	}
	s.metrics.ImpressionsReceived.WithLabelValues(string(impressions.KindPost)).Add(float64(len(rows)))
	c.Status(http.StatusCreated)
}

func (s *Server) handleAdImpression(c *gin.Context) {
	var imp impressions.AdImpression
	if err := c.ShouldBindJSON(&imp); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if imp.CampaignID == "" || imp.CreativeID == "" || imp.SessionID == "" {
		abortWithError(c, http.StatusUnprocessableEntity, "validation_failed", "campaignId, creativeId and sessionId are required")
		return
	}
	if imp.DwellMs < MinAdDwellMs {
		abortWithError(c, http.StatusUnprocessableEntity, "below_min_dwell", fmt.Sprintf("dwell must be at least %d ms", MinAdDwellMs))
		return
	}

	if err := s.sink.EmitAdImpression(c.Request.Context(), imp); err != nil {
		_ = c.Error(err)
		abortWithError(c, http.StatusInternalServerError, "insert_failed", "failed to record ad impression")
		return
	}
	s.metrics.ImpressionsReceived.WithLabelValues("ad").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

func (s *Server) handleAnalytics(c *gin.Context) {
	var event telemetry.AnalyticsEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.analyticsEvents.Add(1)
	s.log.Debug("Analytics event",
		zap.String("event", event.Event),
		zap.String("session_id", event.SessionID),
		zap.Float64("duration_ms", event.DurationMs),
		zap.Bool("exceeded_slo", event.ExceededSLO),
	)
	c.Status(http.StatusAccepted)
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, api.ErrorResponse{Code: code, Message: message})
}
