package client

import (
	"net/http"
	"time"

	"github.com/gatherly/feedkit/pkg/logger"
	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// UserAgent is sent on every request made by feedkit clients
const UserAgent = "feedkit/0.1.0"

// Config describes how to build an HTTP client for the feed backend
type Config struct {
	BaseURL string
	Timeout time.Duration
	// AnonKey is the project's public API key, sent as the apikey header
	AnonKey string
	// Traced wraps the transport with otelhttp so every request gets a client span
	Traced bool
}

// New creates a resty client for the feed backend
func New(cfg Config) *resty.Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	httpClient := resty.New()
	if cfg.Traced {
		httpClient.SetTransport(otelhttp.NewTransport(
			http.DefaultTransport,
			otelhttp.WithSpanOptions(trace.WithSpanKind(trace.SpanKindClient)),
		))
	}

	httpClient.SetJSONMarshaler(json.Marshal)
	httpClient.SetJSONUnmarshaler(json.Unmarshal)
	httpClient.SetBaseURL(cfg.BaseURL)
	httpClient.SetTimeout(cfg.Timeout)
	httpClient.SetHeader("User-Agent", UserAgent)
	httpClient.SetHeader("Content-Type", "application/json")
	if cfg.AnonKey != "" {
		httpClient.SetHeader("apikey", cfg.AnonKey)
	}

	// Add request/response logging
	httpClient.OnBeforeRequest(func(c *resty.Client, req *resty.Request) error {
		logger.Debug("HTTP Request", "method", req.Method, "url", req.URL)
		return nil
	})

	httpClient.OnAfterResponse(func(c *resty.Client, resp *resty.Response) error {
		logger.Debug("HTTP Response",
			"status", resp.StatusCode(),
			"url", resp.Request.URL,
			"duration", resp.Time(),
		)
		return nil
	})

	return httpClient
}
