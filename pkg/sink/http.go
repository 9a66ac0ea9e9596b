// Package sink delivers finalized impressions and ad billing events, either
// over the backend's REST surface or directly into a SQL database.
package sink

import (
	"context"
	"fmt"

	"github.com/gatherly/feedkit/pkg/api"
	"github.com/gatherly/feedkit/pkg/impressions"
	"github.com/gatherly/feedkit/pkg/logger"
	"github.com/go-resty/resty/v2"
)

// Default backend paths
const (
	DefaultRestPath      = "/rest/v1"
	DefaultFunctionsPath = "/functions/v1"
)

// TokenSource supplies the bearer token for a request. An empty token sends
// the request with the anonymous key only.
type TokenSource func(ctx context.Context) (string, error)

// HTTPSink posts impressions to the backend
type HTTPSink struct {
	client        *resty.Client
	restPath      string
	functionsPath string
	token         TokenSource
}

// HTTPOption configures an HTTPSink
type HTTPOption func(*HTTPSink)

// WithPaths overrides the REST and functions prefixes
func WithPaths(rest, functions string) HTTPOption {
	return func(s *HTTPSink) {
		s.restPath = rest
		s.functionsPath = functions
	}
}

// WithTokenSource authenticates writes as the signed-in user
func WithTokenSource(ts TokenSource) HTTPOption {
	return func(s *HTTPSink) {
		s.token = ts
	}
}

// NewHTTPSink creates a sink backed by client
func NewHTTPSink(client *resty.Client, opts ...HTTPOption) *HTTPSink {
	s := &HTTPSink{
		client:        client,
		restPath:      DefaultRestPath,
		functionsPath: DefaultFunctionsPath,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InsertEventImpressions posts event rows as one bulk insert
func (s *HTTPSink) InsertEventImpressions(ctx context.Context, rows []impressions.EventImpression) error {
	if len(rows) == 0 {
		return nil
	}
	return s.post(ctx, s.restPath+"/event_impressions", rows, true)
}

// InsertPostImpressions posts post rows as one bulk insert
func (s *HTTPSink) InsertPostImpressions(ctx context.Context, rows []impressions.PostImpression) error {
	if len(rows) == 0 {
		return nil
	}
	return s.post(ctx, s.restPath+"/post_impressions", rows, true)
}

// EmitAdImpression posts one billing event
func (s *HTTPSink) EmitAdImpression(ctx context.Context, imp impressions.AdImpression) error {
	return s.post(ctx, s.functionsPath+"/ad-impression", imp, false)
}

func (s *HTTPSink) post(ctx context.Context, path string, body interface{}, minimal bool) error {
	req := s.client.R().SetContext(ctx).SetBody(body)
	if minimal {
		req.SetHeader("Prefer", "return=minimal")
	}
	if s.token != nil {
		token, err := s.token(ctx)
		if err != nil {
			logger.Warn("Token lookup failed, writing anonymously", "path", path, "error", err)
		} else if token != "" {
			req.SetAuthToken(token)
		}
	}

	resp, err := req.Post(path)
	if err := api.CheckResponse(resp, err); err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	return nil
}
