package sink

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gatherly/feedkit/pkg/client"
	feederrors "github.com/gatherly/feedkit/pkg/errors"
	"github.com/gatherly/feedkit/pkg/impressions"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"
)

type capturedRequest struct {
	path   string
	auth   string
	prefer string
	body   []byte
}

type capturingServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []capturedRequest
	status   int
}

func newCapturingServer(t *testing.T, status int) *capturingServer {
	cs := &capturingServer{status: status}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		cs.mu.Lock()
		cs.requests = append(cs.requests, capturedRequest{
			path:   r.URL.Path,
			auth:   r.Header.Get("Authorization"),
			prefer: r.Header.Get("Prefer"),
			body:   body,
		})
		cs.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cs.status)
		if cs.status >= 400 {
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"try later"}`))
		}
	}))
	t.Cleanup(cs.Close)
	return cs
}

func strPtr(s string) *string { return &s }

func TestHTTPSinkPostsBatches(t *testing.T) {
	srv := newCapturingServer(t, http.StatusCreated)
	s := NewHTTPSink(client.New(client.Config{BaseURL: srv.URL, Timeout: time.Second}),
		WithTokenSource(func(context.Context) (string, error) { return "tok-1", nil }))

	err := s.InsertEventImpressions(context.Background(), []impressions.EventImpression{
		{SessionID: "s-1", EventID: "e-1", DwellMs: 2100, Completed: true},
		{UserID: strPtr("u-1"), SessionID: "s-1", EventID: "e-2", DwellMs: 300},
	})
	require.NoError(t, err)

	err = s.InsertPostImpressions(context.Background(), []impressions.PostImpression{
		{SessionID: "s-1", PostID: "p-1", EventID: "e-1", DwellMs: 3200, Completed: true},
	})
	require.NoError(t, err)

	require.Len(t, srv.requests, 2)
	assert.Equal(t, "/rest/v1/event_impressions", srv.requests[0].path)
	assert.Equal(t, "/rest/v1/post_impressions", srv.requests[1].path)
	assert.Equal(t, "Bearer tok-1", srv.requests[0].auth)
	assert.Equal(t, "return=minimal", srv.requests[0].prefer)

	var rows []map[string]interface{}
	require.NoError(t, jsoniter.Unmarshal(srv.requests[0].body, &rows))
	require.Len(t, rows, 2)
	assert.Nil(t, rows[0]["user_id"])
	assert.Equal(t, "u-1", rows[1]["user_id"])
	assert.Equal(t, float64(2100), rows[0]["dwell_ms"])
}

func TestHTTPSinkEmitAdImpression(t *testing.T) {
	srv := newCapturingServer(t, http.StatusOK)
	s := NewHTTPSink(client.New(client.Config{BaseURL: srv.URL}))

	err := s.EmitAdImpression(context.Background(), impressions.AdImpression{
		CampaignID:   "camp-1",
		CreativeID:   "cr-1",
		EventID:      "e-1",
		Placement:    "feed",
		SessionID:    "s-1",
		DwellMs:      800,
		PctVisible:   100,
		FrequencyCap: &impressions.FrequencyCap{PerUser: 3, Period: "day"},
	})
	require.NoError(t, err)

	require.Len(t, srv.requests, 1)
	assert.Equal(t, "/functions/v1/ad-impression", srv.requests[0].path)
	assert.Empty(t, srv.requests[0].auth)

	var got map[string]interface{}
	require.NoError(t, jsoniter.Unmarshal(srv.requests[0].body, &got))
	assert.Equal(t, "camp-1", got["campaignId"])
	assert.Equal(t, float64(100), got["pctVisible"])
	assert.NotContains(t, got, "postId")
}

func TestHTTPSinkReportsFailures(t *testing.T) {
	srv := newCapturingServer(t, http.StatusServiceUnavailable)
	s := NewHTTPSink(client.New(client.Config{BaseURL: srv.URL}),
		WithTokenSource(func(context.Context) (string, error) { return "", errors.New("expired") }))

	err := s.InsertEventImpressions(context.Background(), []impressions.EventImpression{{SessionID: "s", EventID: "e"}})
	require.Error(t, err)
	assert.True(t, feederrors.IsRetryable(err))
	assert.Contains(t, err.Error(), "/rest/v1/event_impressions")
	assert.Empty(t, srv.requests[0].auth)
}

func TestHTTPSinkSkipsEmptyBatches(t *testing.T) {
	srv := newCapturingServer(t, http.StatusCreated)
	s := NewHTTPSink(client.New(client.Config{BaseURL: srv.URL}), WithPaths("/api", "/fn"))

	require.NoError(t, s.InsertEventImpressions(context.Background(), nil))
	require.NoError(t, s.InsertPostImpressions(context.Background(), nil))
	assert.Empty(t, srv.requests)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "", false)
	assert.ErrorContains(t, err, "unsupported sink driver")
}

// GormSinkTestSuite exercises the database sink against in-memory sqlite
type GormSinkTestSuite struct {
	suite.Suite
	db   *gorm.DB
	sink *GormSink
}

func (suite *GormSinkTestSuite) SetupTest() {
	db, err := Open("sqlite", "file::memory:", false)
	suite.Require().NoError(err)
	suite.Require().NoError(Migrate(db))
	suite.db = db
	suite.sink = NewGormSink(db)
}

func (suite *GormSinkTestSuite) TearDownTest() {
	if sqlDB, err := suite.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func (suite *GormSinkTestSuite) TestInsertEventImpressions() {
	ctx := context.Background()
	rows := make([]impressions.EventImpression, 0, BatchSize+5)
	for i := 0; i < BatchSize+5; i++ {
		rows = append(rows, impressions.EventImpression{SessionID: "s-1", EventID: "e-1", DwellMs: i})
	}
	suite.Require().NoError(suite.sink.InsertEventImpressions(ctx, rows))

	var count int64
	suite.db.Model(&EventImpressionRecord{}).Where("event_id = ?", "e-1").Count(&count)
	suite.Equal(int64(BatchSize+5), count)

	var first EventImpressionRecord
	suite.Require().NoError(suite.db.Where("dwell_ms = ?", 0).First(&first).Error)
	suite.Len(first.ID, 36)
	suite.Nil(first.UserID)
}

func (suite *GormSinkTestSuite) TestInsertPostImpressions() {
	err := suite.sink.InsertPostImpressions(context.Background(), []impressions.PostImpression{
		{UserID: strPtr("u-1"), SessionID: "s-1", PostID: "p-1", EventID: "e-1", DwellMs: 3100, Completed: true},
	})
	suite.Require().NoError(err)

	var rec PostImpressionRecord
	suite.Require().NoError(suite.db.First(&rec, "post_id = ?", "p-1").Error)
	suite.Equal("e-1", rec.EventID)
	suite.True(rec.Completed)
	suite.Require().NotNil(rec.UserID)
	suite.Equal("u-1", *rec.UserID)
}

func (suite *GormSinkTestSuite) TestEmitAdImpression() {
	err := suite.sink.EmitAdImpression(context.Background(), impressions.AdImpression{
		CampaignID:   "camp-1",
		CreativeID:   "cr-1",
		EventID:      "e-1",
		PostID:       strPtr("p-1"),
		Placement:    "feed",
		SessionID:    "s-1",
		DwellMs:      600,
		PctVisible:   100,
		FrequencyCap: &impressions.FrequencyCap{PerUser: 2, Period: "week"},
	})
	suite.Require().NoError(err)

	var rec AdImpressionRecord
	suite.Require().NoError(suite.db.First(&rec, "campaign_id = ?", "camp-1").Error)
	suite.Equal(600, rec.DwellMs)
	suite.Require().NotNil(rec.FrequencyCap)
	suite.Equal(2, *rec.FrequencyCap)
	suite.Equal("week", *rec.FrequencyPeriod)
}

func (suite *GormSinkTestSuite) TestEmptyBatchIsNoop() {
	suite.NoError(suite.sink.InsertEventImpressions(context.Background(), nil))
	suite.NoError(suite.sink.InsertPostImpressions(context.Background(), nil))
}

func TestGormSinkSuite(t *testing.T) {
	suite.Run(t, new(GormSinkTestSuite))
}
