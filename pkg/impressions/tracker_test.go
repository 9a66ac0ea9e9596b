package impressions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gatherly/feedkit/pkg/api"
	"github.com/gatherly/feedkit/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type recordingSink struct {
	mu       sync.Mutex
	events   [][]EventImpression
	posts    [][]PostImpression
	eventErr error
	postErr  error
}

func (s *recordingSink) InsertEventImpressions(_ context.Context, rows []EventImpression) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventErr != nil {
		return s.eventErr
	}
	s.events = append(s.events, rows)
	return nil
}

func (s *recordingSink) InsertPostImpressions(_ context.Context, rows []PostImpression) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.postErr != nil {
		return s.postErr
	}
	s.posts = append(s.posts, rows)
	return nil
}

func (s *recordingSink) fail(events, posts error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventErr = events
	s.postErr = posts
}

type mockBilling struct {
	mock.Mock
}

func (m *mockBilling) EmitAdImpression(ctx context.Context, imp AdImpression) error {
	args := m.Called(ctx, imp)
	return args.Error(0)
}

type videoFunc func(api.FeedItem) (VideoState, bool)

func (f videoFunc) VideoState(item api.FeedItem) (VideoState, bool) { return f(item) }

func newTestTracker(sink Sink, billing BillingSink, cfg Config) (*Tracker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 10, 1, 18, 0, 0, 0, time.UTC)}
	tr := New(sink, billing, cfg)
	tr.now = clock.Now
	tr.lastTick = clock.Now()
	tr.dispatch = func(f func()) { f() }
	return tr, clock
}

func event(id string) api.FeedItem {
	return api.FeedItem{ItemType: api.ItemTypeEvent, ItemID: id, EventID: id}
}

func post(id, eventID string) api.FeedItem {
	return api.FeedItem{ItemType: api.ItemTypePost, ItemID: id, EventID: eventID}
}

func promoted(item api.FeedItem) api.FeedItem {
	capN := 3
	period := "day"
	item.IsPromoted = true
	item.Promotion = &api.PromotionMeta{
		Placement:           "feed",
		CampaignID:          "camp-1",
		CreativeID:          "cr-1",
		FrequencyCapPerUser: &capN,
		FrequencyCapPeriod:  &period,
	}
	return item
}

func (c *fakeClock) tick(tr *Tracker, d time.Duration) {
	tr.tick(c.Advance(d))
}

func TestSwitchFinalizesCompletedEvent(t *testing.T) {
	sink := &recordingSink{}
	tr, clock := newTestTracker(sink, nil, Config{SessionID: "s-1"})

	tr.SetItems([]api.FeedItem{event("A"), event("B")})
	tr.SetCurrentIndex(0)
	for i := 0; i < 10; i++ {
		clock.tick(tr, 250*time.Millisecond)
	}
	tr.SetCurrentIndex(1)

	rows := tr.Buffered()
	require.Len(t, rows, 1)
	assert.Equal(t, "A", rows[0].ItemID)
	assert.Equal(t, 2500, rows[0].DwellMs)
	assert.True(t, rows[0].Completed)
	assert.Equal(t, "s-1", rows[0].SessionID)
	assert.Nil(t, rows[0].UserID)

	p, ok := tr.Pending()
	require.True(t, ok)
	assert.Equal(t, "B", p.ItemID)
	assert.Zero(t, p.DwellMs)
	assert.False(t, p.Completed)
}

func TestDwellFrozenWhileSuspended(t *testing.T) {
	tr, clock := newTestTracker(&recordingSink{}, nil, Config{})
	tr.SetItems([]api.FeedItem{post("P", "E")})
	tr.SetCurrentIndex(0)

	clock.tick(tr, 300*time.Millisecond) // t1
	tr.SetSuspended(true)
	clock.tick(tr, 400*time.Millisecond) // t2
	clock.tick(tr, 400*time.Millisecond) // t3
	clock.tick(tr, 400*time.Millisecond) // t4
	tr.SetSuspended(false)
	clock.tick(tr, 200*time.Millisecond) // t5

	p, ok := tr.Pending()
	require.True(t, ok)
	assert.InDelta(t, 500, p.DwellMs, 0.001)
}

func TestDwellFrozenWhileHidden(t *testing.T) {
	sink := &recordingSink{}
	tr, clock := newTestTracker(sink, nil, Config{})
	tr.SetItems([]api.FeedItem{event("A")})
	tr.SetCurrentIndex(0)

	clock.tick(tr, time.Second)
	tr.SetHidden(true)
	clock.tick(tr, 10*time.Second)
	tr.SetHidden(false)
	clock.tick(tr, 250*time.Millisecond)

	p, _ := tr.Pending()
	assert.InDelta(t, 1250, p.DwellMs, 0.001)
}

func TestSuspendBetweenTicks(t *testing.T) {
	tr, clock := newTestTracker(&recordingSink{}, nil, Config{})
	tr.SetItems([]api.FeedItem{event("A"), event("B")})
	tr.SetCurrentIndex(0)

	clock.tick(tr, 100*time.Millisecond)
	clock.Advance(100 * time.Millisecond)
	tr.SetSuspended(true)
	clock.Advance(5 * time.Second)
	tr.SetSuspended(false)
	clock.Advance(100 * time.Millisecond)
	tr.SetCurrentIndex(1)

	rows := tr.Buffered()
	require.Len(t, rows, 1)
	assert.Equal(t, 300, rows[0].DwellMs)
}

func TestActiveTimeBeforeSuspendIsKept(t *testing.T) {
	tr, clock := newTestTracker(&recordingSink{}, nil, Config{})
	tr.SetItems([]api.FeedItem{event("A"), event("B")})
	tr.SetCurrentIndex(0)

	clock.Advance(200 * time.Millisecond)
	tr.SetSuspended(true)
	clock.tick(tr, 250*time.Millisecond)
	tr.SetCurrentIndex(1)

	rows := tr.Buffered()
	require.Len(t, rows, 1)
	assert.Equal(t, 200, rows[0].DwellMs)
}

func TestHideBetweenTicks(t *testing.T) {
	tr, clock := newTestTracker(&recordingSink{}, nil, Config{})
	tr.SetItems([]api.FeedItem{event("A")})
	tr.SetCurrentIndex(0)

	clock.Advance(150 * time.Millisecond)
	tr.SetHidden(true)
	clock.Advance(3 * time.Second)
	tr.SetHidden(false)
	clock.tick(tr, 50*time.Millisecond)

	p, ok := tr.Pending()
	require.True(t, ok)
	assert.InDelta(t, 200, p.DwellMs, 0.001)
}

func TestFinalizeWhileSuspended(t *testing.T) {
	finalizers := map[string]func(t *testing.T, tr *Tracker){
		"switch":    func(_ *testing.T, tr *Tracker) { tr.SetCurrentIndex(1) },
		"page hide": func(_ *testing.T, tr *Tracker) { tr.PageHide() },
		"close":     func(t *testing.T, tr *Tracker) { require.NoError(t, tr.Close(context.Background())) },
	}

	for name, finalize := range finalizers {
		t.Run(name, func(t *testing.T) {
			sink := &recordingSink{}
			tr, clock := newTestTracker(sink, nil, Config{})
			tr.SetItems([]api.FeedItem{event("A"), event("B")})
			tr.SetCurrentIndex(0)

			clock.tick(tr, 300*time.Millisecond)
			clock.Advance(100 * time.Millisecond)
			tr.SetSuspended(true)
			clock.Advance(4 * time.Second)
			finalize(t, tr)

			var dwell []int
			for _, row := range tr.Buffered() {
				dwell = append(dwell, row.DwellMs)
			}
			for _, batch := range sink.events {
				for _, row := range batch {
					dwell = append(dwell, row.DwellMs)
				}
			}
			assert.Equal(t, []int{400}, dwell)
		})
	}
}

func TestPageShowRearmsTracking(t *testing.T) {
	sink := &recordingSink{}
	tr, clock := newTestTracker(sink, nil, Config{})
	tr.SetItems([]api.FeedItem{event("A")})
	tr.SetCurrentIndex(0)
	clock.tick(tr, 500*time.Millisecond)

	tr.PageHide()
	_, ok := tr.Pending()
	require.False(t, ok)

	clock.Advance(time.Minute)
	tr.PageShow()
	p, ok := tr.Pending()
	require.True(t, ok)
	assert.Equal(t, "A", p.ItemID)
	assert.Zero(t, p.DwellMs)

	clock.tick(tr, 300*time.Millisecond)
	tr.PageHide()
	require.Len(t, sink.events, 2)
	assert.Equal(t, 300, sink.events[1][0].DwellMs)
}

func TestVisibleAgainRearmsAfterPageHide(t *testing.T) {
	tr, clock := newTestTracker(&recordingSink{}, nil, Config{})
	tr.SetItems([]api.FeedItem{event("A")})
	tr.SetCurrentIndex(0)
	clock.tick(tr, 250*time.Millisecond)

	tr.SetHidden(true)
	tr.PageHide()
	clock.Advance(10 * time.Second)
	tr.SetHidden(false)

	p, ok := tr.Pending()
	require.True(t, ok)
	assert.Equal(t, "A", p.ItemID)
	assert.Zero(t, p.DwellMs)
}

func TestCompletionIsOneWay(t *testing.T) {
	videoState := VideoState{CurrentTime: 9.5, Duration: 10, Playing: true}
	videos := videoFunc(func(api.FeedItem) (VideoState, bool) { return videoState, true })
	tr, clock := newTestTracker(&recordingSink{}, nil, Config{Videos: videos})

	tr.SetItems([]api.FeedItem{post("P", "E")})
	tr.SetCurrentIndex(0)
	clock.tick(tr, 250*time.Millisecond)

	p, _ := tr.Pending()
	require.True(t, p.Completed)

	// the user scrubs back to the start
	videoState = VideoState{CurrentTime: 0, Duration: 10, Playing: true}
	for i := 0; i < 4; i++ {
		clock.tick(tr, 250*time.Millisecond)
	}
	p, _ = tr.Pending()
	assert.True(t, p.Completed)
}

func TestVideoCompletionBoundary(t *testing.T) {
	tests := []struct {
		name    string
		current float64
		want    bool
	}{
		{"just below", 89, false},
		{"at threshold", 90, true},
		{"finished", 100, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := VideoState{CurrentTime: tt.current, Duration: 100, Playing: true}
			videos := videoFunc(func(api.FeedItem) (VideoState, bool) { return state, true })
			tr, clock := newTestTracker(&recordingSink{}, nil, Config{Videos: videos})

			tr.SetItems([]api.FeedItem{post("P", "E")})
			tr.SetCurrentIndex(0)
			clock.tick(tr, 250*time.Millisecond)

			p, _ := tr.Pending()
			assert.Equal(t, tt.want, p.Completed)
		})
	}
}

func TestVideoPostIgnoresDwellThreshold(t *testing.T) {
	tr, clock := newTestTracker(&recordingSink{}, nil, Config{})
	tr.SetItems([]api.FeedItem{post("P", "E")})
	tr.SetCurrentIndex(0)

	tr.OnVideoTimeUpdate("P", 2, 20)
	clock.tick(tr, 5*time.Second)
	p, _ := tr.Pending()
	assert.False(t, p.Completed, "a video post completes on playback, not time")

	tr.OnVideoTimeUpdate("other", 19, 20)
	p, _ = tr.Pending()
	assert.False(t, p.Completed)

	tr.OnVideoTimeUpdate("P", 18, 20)
	p, _ = tr.Pending()
	assert.True(t, p.Completed)
	require.NotNil(t, p.Video)
	assert.InDelta(t, 0.9, p.Video.Fraction(), 1e-9)
}

func TestPausedVideoDoesNotCompleteOnTick(t *testing.T) {
	tr, clock := newTestTracker(&recordingSink{}, nil, Config{})
	tr.SetItems([]api.FeedItem{post("P", "E")})
	tr.SetCurrentIndex(0)

	tr.OnVideoTimeUpdate("P", 1, 10)
	tr.OnVideoPause("P")
	clock.tick(tr, 250*time.Millisecond)

	p, _ := tr.Pending()
	assert.False(t, p.Completed)
	assert.False(t, p.Video.Playing)
}

func TestPostWithoutVideoUsesDwell(t *testing.T) {
	tr, clock := newTestTracker(&recordingSink{}, nil, Config{})
	tr.SetItems([]api.FeedItem{post("P", "E")})
	tr.SetCurrentIndex(0)

	clock.tick(tr, 2999*time.Millisecond)
	p, _ := tr.Pending()
	assert.False(t, p.Completed)

	clock.tick(tr, time.Millisecond)
	p, _ = tr.Pending()
	assert.True(t, p.Completed)
}

func TestFlushSplitsByKind(t *testing.T) {
	sink := &recordingSink{}
	tr, clock := newTestTracker(sink, nil, Config{SessionID: "s-1"})
	tr.SetUserID("u-1")

	tr.SetItems([]api.FeedItem{event("A"), post("P", "A"), event("B")})
	for i := 0; i < 3; i++ {
		tr.SetCurrentIndex(i)
		clock.tick(tr, time.Second)
	}
	tr.SetCurrentIndex(-1)

	require.NoError(t, tr.Flush(context.Background()))
	assert.Empty(t, tr.Buffered())

	require.Len(t, sink.events, 1)
	require.Len(t, sink.posts, 1)
	assert.Equal(t, []string{"A", "B"}, []string{sink.events[0][0].EventID, sink.events[0][1].EventID})

	got := sink.posts[0][0]
	assert.Equal(t, "P", got.PostID)
	assert.Equal(t, "A", got.EventID)
	assert.Equal(t, 1000, got.DwellMs)
	require.NotNil(t, got.UserID)
	assert.Equal(t, "u-1", *got.UserID)
}

func TestFlushFailureKeepsRows(t *testing.T) {
	sink := &recordingSink{}
	sink.fail(errors.New("503"), errors.New("503"))
	tr, clock := newTestTracker(sink, nil, Config{})

	tr.SetItems([]api.FeedItem{event("A"), post("P", "A")})
	tr.SetCurrentIndex(0)
	clock.tick(tr, time.Second)
	tr.SetCurrentIndex(1)
	clock.tick(tr, time.Second)
	tr.SetCurrentIndex(-1)

	err := tr.Flush(context.Background())
	require.Error(t, err)
	assert.Len(t, tr.Buffered(), 2)

	sink.fail(nil, nil)
	require.NoError(t, tr.Flush(context.Background()))
	assert.Empty(t, tr.Buffered())
	require.Len(t, sink.events, 1)
	require.Len(t, sink.posts, 1)
	assert.Equal(t, "A", sink.events[0][0].EventID)
	assert.Equal(t, "P", sink.posts[0][0].PostID)
}

func TestPartialFlushRestoresOnlyFailedKind(t *testing.T) {
	sink := &recordingSink{}
	sink.fail(errors.New("events down"), nil)
	tr, clock := newTestTracker(sink, nil, Config{})

	tr.SetItems([]api.FeedItem{event("A"), post("P", "A"), event("B")})
	for i := 0; i < 3; i++ {
		tr.SetCurrentIndex(i)
		clock.tick(tr, time.Second)
	}
	tr.SetCurrentIndex(-1)

	err := tr.Flush(context.Background())
	require.ErrorContains(t, err, "events down")

	rows := tr.Buffered()
	require.Len(t, rows, 2)
	assert.Equal(t, "A", rows[0].ItemID)
	assert.Equal(t, "B", rows[1].ItemID)
	require.Len(t, sink.posts, 1)
}

func TestRestoredRowsGoAheadOfNewOnes(t *testing.T) {
	block := make(chan struct{})
	entered := make(chan struct{})
	sink := &blockingSink{entered: entered, release: block, err: errors.New("timeout")}
	tr, clock := newTestTracker(sink, nil, Config{})

	tr.SetItems([]api.FeedItem{event("A"), event("B")})
	tr.SetCurrentIndex(0)
	clock.tick(tr, time.Second)
	tr.SetCurrentIndex(1)

	done := make(chan error, 1)
	go func() { done <- tr.Flush(context.Background()) }()
	<-entered

	// B finalizes while A's write is in flight
	clock.tick(tr, time.Second)
	tr.SetCurrentIndex(-1)

	// a second flush during the first is skipped
	require.NoError(t, tr.Flush(context.Background()))

	close(block)
	require.Error(t, <-done)

	rows := tr.Buffered()
	require.Len(t, rows, 2)
	assert.Equal(t, "A", rows[0].ItemID)
	assert.Equal(t, "B", rows[1].ItemID)
	assert.Equal(t, 1, sink.calls)
}

type blockingSink struct {
	entered chan struct{}
	release chan struct{}
	err     error
	calls   int
}

func (s *blockingSink) InsertEventImpressions(context.Context, []EventImpression) error {
	s.calls++
	close(s.entered)
	<-s.release
	return s.err
}

func (s *blockingSink) InsertPostImpressions(context.Context, []PostImpression) error {
	return nil
}

func TestAdBillingThreshold(t *testing.T) {
	tests := []struct {
		name  string
		dwell time.Duration
		emit  bool
	}{
		{"below minimum", 400 * time.Millisecond, false},
		{"at minimum", 500 * time.Millisecond, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			billing := &mockBilling{}
			if tt.emit {
				billing.On("EmitAdImpression", mock.Anything, mock.MatchedBy(func(imp AdImpression) bool {
					return imp.CampaignID == "camp-1" &&
						imp.DwellMs == 500 &&
						imp.PctVisible == 100 &&
						imp.PostID != nil && *imp.PostID == "P" &&
						imp.FrequencyCap != nil && imp.FrequencyCap.PerUser == 3 && imp.FrequencyCap.Period == "day"
				})).Return(nil).Once()
			}

			tr, clock := newTestTracker(&recordingSink{}, billing, Config{SessionID: "s-1"})
			tr.SetItems([]api.FeedItem{promoted(post("P", "E")), event("B")})
			tr.SetCurrentIndex(0)
			clock.tick(tr, tt.dwell)
			tr.SetCurrentIndex(1)

			billing.AssertExpectations(t)
			if !tt.emit {
				billing.AssertNotCalled(t, "EmitAdImpression", mock.Anything, mock.Anything)
			}
			// the organic row is recorded either way
			assert.Len(t, tr.Buffered(), 1)
		})
	}
}

func TestBillingFailureIsLogged(t *testing.T) {
	billing := &mockBilling{}
	billing.On("EmitAdImpression", mock.Anything, mock.Anything).Return(errors.New("402")).Once()

	m := telemetry.GetMetrics()
	before := testutil.ToFloat64(m.AdImpressions.WithLabelValues("failed"))

	tr, clock := newTestTracker(&recordingSink{}, billing, Config{Metrics: m})
	tr.SetItems([]api.FeedItem{promoted(event("A"))})
	tr.SetCurrentIndex(0)
	clock.tick(tr, time.Second)
	tr.SetCurrentIndex(-1)

	billing.AssertExpectations(t)
	assert.Equal(t, before+1, testutil.ToFloat64(m.AdImpressions.WithLabelValues("failed")))
	assert.Len(t, tr.Buffered(), 1)
}

func TestSetItemsKeepsSameIdentity(t *testing.T) {
	tr, clock := newTestTracker(&recordingSink{}, nil, Config{})
	tr.SetItems([]api.FeedItem{event("A")})
	tr.SetCurrentIndex(0)
	clock.tick(tr, time.Second)

	// a refetch delivers the same item with new counts
	refreshed := event("A")
	refreshed.Metrics.Likes = 4
	tr.SetItems([]api.FeedItem{refreshed, event("B")})

	assert.Empty(t, tr.Buffered())
	p, _ := tr.Pending()
	assert.InDelta(t, 1000, p.DwellMs, 0.001)

	// a different item lands at the focal index
	tr.SetItems([]api.FeedItem{event("C")})
	rows := tr.Buffered()
	require.Len(t, rows, 1)
	assert.Equal(t, "A", rows[0].ItemID)
	p, _ = tr.Pending()
	assert.Equal(t, "C", p.ItemID)
}

func TestSetHiddenFlushes(t *testing.T) {
	sink := &recordingSink{}
	tr, clock := newTestTracker(sink, nil, Config{})
	tr.SetItems([]api.FeedItem{event("A"), event("B")})
	tr.SetCurrentIndex(0)
	clock.tick(tr, time.Second)
	tr.SetCurrentIndex(1)

	tr.SetHidden(true)

	assert.Empty(t, tr.Buffered())
	require.Len(t, sink.events, 1)
	_, ok := tr.Pending()
	assert.True(t, ok, "hiding freezes the pending impression without finalizing it")
}

func TestPageHideFinalizesAndFlushes(t *testing.T) {
	sink := &recordingSink{}
	tr, clock := newTestTracker(sink, nil, Config{})
	tr.SetItems([]api.FeedItem{event("A")})
	tr.SetCurrentIndex(0)
	clock.tick(tr, 700*time.Millisecond)

	tr.PageHide()

	_, ok := tr.Pending()
	assert.False(t, ok)
	require.Len(t, sink.events, 1)
	assert.Equal(t, 700, sink.events[0][0].DwellMs)
	assert.False(t, sink.events[0][0].Completed)
}

func TestCloseFinalizesAndFlushes(t *testing.T) {
	sink := &recordingSink{}
	tr, clock := newTestTracker(sink, nil, Config{TickInterval: time.Hour, FlushInterval: time.Hour})
	tr.Start(context.Background())

	tr.SetItems([]api.FeedItem{event("A")})
	tr.SetCurrentIndex(0)
	clock.Advance(2 * time.Second)

	require.NoError(t, tr.Close(context.Background()))
	require.Len(t, sink.events, 1)
	assert.Equal(t, 2000, sink.events[0][0].DwellMs)
	assert.True(t, sink.events[0][0].Completed)
}

func TestBackgroundWorkAfterCloseRunsInline(t *testing.T) {
	sink := &recordingSink{}
	tr := New(sink, nil, Config{})
	require.NoError(t, tr.Close(context.Background()))

	tr.SetItems([]api.FeedItem{event("A")})
	tr.SetCurrentIndex(0)
	tr.PageHide()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1)
	assert.Equal(t, "A", sink.events[0][0].EventID)
}

func TestStartTicksAndFlushes(t *testing.T) {
	sink := &recordingSink{}
	tr := New(sink, nil, Config{TickInterval: 5 * time.Millisecond, FlushInterval: 20 * time.Millisecond})
	tr.SetItems([]api.FeedItem{event("A"), event("B")})
	tr.SetCurrentIndex(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)

	assert.Eventually(t, func() bool {
		p, _ := tr.Pending()
		return p.DwellMs > 0
	}, time.Second, 5*time.Millisecond)

	tr.SetCurrentIndex(1)
	assert.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.events) > 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Close(context.Background()))
}

func TestFlushEmptyBufferIsNoop(t *testing.T) {
	sink := &recordingSink{}
	tr, _ := newTestTracker(sink, nil, Config{})
	require.NoError(t, tr.Flush(context.Background()))
	assert.Empty(t, sink.events)
	assert.Empty(t, sink.posts)
}
