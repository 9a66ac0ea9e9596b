// Package impressions measures how long each focal feed item is looked at,
// batches the resulting impressions to a sink and emits billing events for
// promoted items.
package impressions

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/gatherly/feedkit/pkg/api"
	"github.com/gatherly/feedkit/pkg/logger"
	"github.com/gatherly/feedkit/pkg/telemetry"
)

// Config tunes the tracker. Zero values take the defaults.
type Config struct {
	TickInterval          time.Duration
	FlushInterval         time.Duration
	EventCompleteAfter    time.Duration
	PostCompleteAfter     time.Duration
	VideoCompleteFraction float64
	AdMinDwell            time.Duration
	// BillingTimeout bounds each billing emission
	BillingTimeout time.Duration

	SessionID string
	UserID    string
	Videos    VideoSource
	Metrics   *telemetry.Metrics
}

// DefaultConfig returns the production thresholds
func DefaultConfig() Config {
	return Config{
		TickInterval:          250 * time.Millisecond,
		FlushInterval:         5 * time.Second,
		EventCompleteAfter:    2 * time.Second,
		PostCompleteAfter:     3 * time.Second,
		VideoCompleteFraction: 0.9,
		AdMinDwell:            500 * time.Millisecond,
		BillingTimeout:        5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.EventCompleteAfter <= 0 {
		c.EventCompleteAfter = d.EventCompleteAfter
	}
	if c.PostCompleteAfter <= 0 {
		c.PostCompleteAfter = d.PostCompleteAfter
	}
	if c.VideoCompleteFraction <= 0 {
		c.VideoCompleteFraction = d.VideoCompleteFraction
	}
	if c.AdMinDwell <= 0 {
		c.AdMinDwell = d.AdMinDwell
	}
	if c.BillingTimeout <= 0 {
		c.BillingTimeout = d.BillingTimeout
	}
	return c
}

type pending struct {
	item      api.FeedItem
	kind      Kind
	dwellMs   float64
	completed bool
	startedAt time.Time
	video     *VideoState
}

// Tracker owns exactly one pending impression at a time. Dwell accrues on
// every tick unless the page is hidden or the caller has suspended tracking;
// frozen time is skipped, not discarded.
type Tracker struct {
	sink    Sink
	billing BillingSink
	cfg     Config

	now      func() time.Time
	dispatch func(func())

	mu           sync.Mutex
	items        []api.FeedItem
	currentIndex int
	userID       string
	hidden       bool
	suspended    bool
	current      *pending
	lastTick     time.Time
	buffer       []Row
	flushing     bool
	baseCtx      context.Context

	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	asyncWG sync.WaitGroup

	// asyncMu orders asyncWG.Add against the Wait in Close
	asyncMu sync.Mutex
	closed  bool
}

// New creates a tracker. billing may be nil when ads are not billed.
func New(sink Sink, billing BillingSink, cfg Config) *Tracker {
	t := &Tracker{
		sink:         sink,
		billing:      billing,
		cfg:          cfg.withDefaults(),
		now:          time.Now,
		currentIndex: -1,
		userID:       cfg.UserID,
		baseCtx:      context.Background(),
	}
	t.dispatch = func(f func()) {
		t.asyncMu.Lock()
		if t.closed {
			// after Close, background work runs on the caller
			t.asyncMu.Unlock()
			f()
			return
		}
		t.asyncWG.Add(1)
		t.asyncMu.Unlock()

		go func() {
			defer t.asyncWG.Done()
			f()
		}()
	}
	t.lastTick = t.now()
	return t
}

// Start runs the tick and flush timers until ctx is done or Close is called
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		cancel()
		return
	}
	t.cancel = cancel
	t.baseCtx = ctx
	t.lastTick = t.now()
	t.mu.Unlock()

	t.loopWG.Add(1)
	go t.run(ctx)
}

func (t *Tracker) run(ctx context.Context) {
	defer t.loopWG.Done()

	tick := time.NewTicker(t.cfg.TickInterval)
	defer tick.Stop()
	flush := time.NewTicker(t.cfg.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t.tick(t.now())
		case <-flush.C:
			t.dispatch(func() {
				if err := t.Flush(ctx); err != nil {
					logger.Warn("Impression flush failed, rows kept for retry", "error", err)
				}
			})
		}
	}
}

// Close stops the timers, finalizes the pending impression and makes a last
// flush attempt bounded by ctx. Rows that still fail stay in the buffer.
// Flushes and billing triggered after Close run synchronously.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.loopWG.Wait()

	t.mu.Lock()
	t.settleLocked(t.now())
	t.finalizeLocked()
	t.baseCtx = context.Background()
	t.mu.Unlock()

	t.asyncMu.Lock()
	t.closed = true
	t.asyncMu.Unlock()

	waitDone := make(chan struct{})
	go func() {
		t.asyncWG.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	return t.Flush(ctx)
}

// SetItems replaces the observed item list. If the item at the current index
// changes identity, the pending impression is switched.
func (t *Tracker) SetItems(items []api.FeedItem) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.items = append([]api.FeedItem(nil), items...)
	t.syncCurrentLocked()
}

// SetCurrentIndex changes the focal item. A negative index means none.
func (t *Tracker) SetCurrentIndex(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.currentIndex = index
	t.syncCurrentLocked()
}

// SetSuspended freezes dwell while an overlay holds input focus
func (t *Tracker) SetSuspended(suspended bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.settleLocked(t.now())
	t.suspended = suspended
}

// SetHidden freezes dwell while the page is not visible. Becoming hidden
// also flushes the buffer in the background; becoming visible again re-arms
// tracking of the focal item if PageHide finalized it.
func (t *Tracker) SetHidden(hidden bool) {
	t.mu.Lock()
	t.settleLocked(t.now())
	wasHidden := t.hidden
	t.hidden = hidden
	if !hidden {
		t.syncCurrentLocked()
	}
	ctx := t.baseCtx
	t.mu.Unlock()

	if hidden && !wasHidden {
		t.dispatch(func() {
			if err := t.Flush(ctx); err != nil {
				logger.Warn("Impression flush on hide failed", "error", err)
			}
		})
	}
}

// SetUserID sets the viewer attached to new rows. Empty means anonymous.
func (t *Tracker) SetUserID(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.userID = userID
}

// PageHide finalizes the pending impression and flushes in the background.
// Delivery is best effort. Nothing is tracked afterwards until PageShow,
// SetHidden(false) or a change of focal item.
func (t *Tracker) PageHide() {
	t.mu.Lock()
	t.settleLocked(t.now())
	t.finalizeLocked()
	ctx := t.baseCtx
	t.mu.Unlock()

	t.dispatch(func() {
		if err := t.Flush(ctx); err != nil {
			logger.Warn("Impression flush on page hide failed", "error", err)
		}
	})
}

// PageShow resumes tracking after PageHide, starting a fresh impression for
// the focal item. It is a no-op while an impression is pending.
func (t *Tracker) PageShow() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.settleLocked(t.now())
	t.syncCurrentLocked()
}

// OnVideoTimeUpdate records playback progress for the pending post
func (t *Tracker) OnVideoTimeUpdate(itemID string, currentTime, duration float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.current
	if p == nil || p.kind != KindPost || p.item.ItemID != itemID {
		return
	}
	p.video = &VideoState{CurrentTime: currentTime, Duration: duration, Playing: true}
	if !p.completed && duration > 0 && p.video.Fraction() >= t.cfg.VideoCompleteFraction {
		p.completed = true
	}
}

// OnVideoPause marks the pending post's video as paused
func (t *Tracker) OnVideoPause(itemID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p := t.current; p != nil && p.video != nil && p.item.ItemID == itemID {
		p.video.Playing = false
	}
}

// Pending returns a snapshot of the live impression
func (t *Tracker) Pending() (Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.current
	if p == nil {
		return Pending{}, false
	}
	out := Pending{
		Kind:      p.kind,
		ItemID:    p.item.ItemID,
		EventID:   p.item.EventID,
		DwellMs:   p.dwellMs,
		Completed: p.completed,
		StartedAt: p.startedAt,
		Promotion: p.item.Promotion,
	}
	if p.video != nil {
		v := *p.video
		out.Video = &v
	}
	return out, true
}

// Buffered returns a copy of the rows waiting to be flushed
func (t *Tracker) Buffered() []Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Row(nil), t.buffer...)
}

func (t *Tracker) tick(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settleLocked(now)
}

// settleLocked accrues the time since the last tick to the pending
// impression unless dwell is frozen, then re-evaluates completion.
func (t *Tracker) settleLocked(now time.Time) {
	elapsed := now.Sub(t.lastTick)
	t.lastTick = now

	p := t.current
	if p == nil || t.hidden || t.suspended || elapsed <= 0 {
		return
	}
	p.dwellMs += float64(elapsed) / float64(time.Millisecond)
	t.evaluateLocked(p)
}

func (t *Tracker) evaluateLocked(p *pending) {
	if p.completed {
		return
	}
	switch p.kind {
	case KindEvent:
		p.completed = p.dwellMs >= ms(t.cfg.EventCompleteAfter)
	case KindPost:
		if vs, ok := t.videoLocked(p); ok {
			p.completed = vs.Playing && vs.Fraction() >= t.cfg.VideoCompleteFraction
			return
		}
		p.completed = p.dwellMs >= ms(t.cfg.PostCompleteAfter)
	}
}

func (t *Tracker) videoLocked(p *pending) (VideoState, bool) {
	if t.cfg.Videos != nil {
		if vs, ok := t.cfg.Videos.VideoState(p.item); ok && vs.Duration > 0 {
			return vs, true
		}
	}
	if p.video != nil && p.video.Duration > 0 {
		return *p.video, true
	}
	return VideoState{}, false
}

func (t *Tracker) syncCurrentLocked() {
	var next *api.FeedItem
	if t.currentIndex >= 0 && t.currentIndex < len(t.items) {
		next = &t.items[t.currentIndex]
	}

	if p := t.current; p != nil && next != nil && p.item.ItemID == next.ItemID && p.item.ItemType == next.ItemType {
		// same identity, keep accruing against the refreshed item
		p.item = *next
		return
	}
	if t.current == nil && next == nil {
		return
	}

	now := t.now()
	t.settleLocked(now)
	t.finalizeLocked()

	if next == nil {
		return
	}
	kind := KindEvent
	if next.IsPost() {
		kind = KindPost
	}
	t.current = &pending{item: *next, kind: kind, startedAt: now}
}

// finalizeLocked moves the pending impression into the buffer and, for
// promoted items, triggers the billing emission.
func (t *Tracker) finalizeLocked() {
	p := t.current
	if p == nil {
		return
	}
	t.current = nil

	row := Row{
		Kind:        p.kind,
		ItemID:      p.item.ItemID,
		UserID:      optional(t.userID),
		SessionID:   t.cfg.SessionID,
		EventID:     p.item.EventID,
		DwellMs:     int(math.Round(p.dwellMs)),
		Completed:   p.completed,
		StartedAt:   p.startedAt,
		FinalizedAt: t.now(),
	}
	if p.kind == KindPost {
		row.PostID = p.item.ItemID
	}
	t.buffer = append(t.buffer, row)

	if m := t.cfg.Metrics; m != nil {
		completed := "false"
		if row.Completed {
			completed = "true"
		}
		m.ImpressionsFinalized.WithLabelValues(string(row.Kind), completed).Inc()
		m.ImpressionBuffer.Set(float64(len(t.buffer)))
	}

	if p.item.Promotion != nil {
		t.billLocked(p, row)
	}
}

func (t *Tracker) billLocked(p *pending, row Row) {
	promo := p.item.Promotion
	if t.billing == nil {
		return
	}
	if p.dwellMs < ms(t.cfg.AdMinDwell) {
		logger.Debug("Skipping ad impression below minimum dwell",
			"item_id", row.ItemID,
			"campaign_id", promo.CampaignID,
			"dwell_ms", row.DwellMs,
		)
		t.countAd("skipped")
		return
	}

	imp := AdImpression{
		CampaignID:     promo.CampaignID,
		CreativeID:     promo.CreativeID,
		EventID:        row.EventID,
		Placement:      promo.Placement,
		RateModel:      promo.RateModel,
		CPMRateCredits: promo.CPMRateCredits,
		CPCRateCredits: promo.CPCRateCredits,
		UserID:         row.UserID,
		SessionID:      row.SessionID,
		DwellMs:        row.DwellMs,
		PctVisible:     100,
	}
	if row.Kind == KindPost {
		postID := row.PostID
		imp.PostID = &postID
	}
	if promo.FrequencyCapPerUser != nil {
		imp.FrequencyCap = &FrequencyCap{PerUser: *promo.FrequencyCapPerUser}
		if promo.FrequencyCapPeriod != nil {
			imp.FrequencyCap.Period = *promo.FrequencyCapPeriod
		}
	}

	ctx := context.WithoutCancel(t.baseCtx)
	billing := t.billing
	timeout := t.cfg.BillingTimeout
	t.dispatch(func() {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := billing.EmitAdImpression(ctx, imp); err != nil {
			logger.Warn("Failed to emit ad impression", "campaign_id", imp.CampaignID, "error", err)
			t.countAd("failed")
			return
		}
		t.countAd("emitted")
	})
}

func (t *Tracker) countAd(result string) {
	if m := t.cfg.Metrics; m != nil {
		m.AdImpressions.WithLabelValues(result).Inc()
	}
}

// Flush writes the buffered rows, split by kind. A flush already in progress
// makes this call a no-op. Rows of a kind whose write fails are put back at
// the front of the buffer, ahead of anything finalized meanwhile.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	if t.flushing || len(t.buffer) == 0 {
		t.mu.Unlock()
		return nil
	}
	t.flushing = true
	batch := t.buffer
	t.buffer = nil
	t.mu.Unlock()

	var events []EventImpression
	var posts []PostImpression
	for _, row := range batch {
		if row.Kind == KindPost {
			posts = append(posts, row.PostImpression())
		} else {
			events = append(events, row.EventImpression())
		}
	}

	var eventErr, postErr error
	if len(events) > 0 {
		eventErr = t.sink.InsertEventImpressions(ctx, events)
		t.countFlush(KindEvent, eventErr)
	}
	if len(posts) > 0 {
		postErr = t.sink.InsertPostImpressions(ctx, posts)
		t.countFlush(KindPost, postErr)
	}

	var restore []Row
	if eventErr != nil || postErr != nil {
		for _, row := range batch {
			if (row.Kind == KindPost && postErr != nil) || (row.Kind != KindPost && eventErr != nil) {
				restore = append(restore, row)
			}
		}
	}

	t.mu.Lock()
	if len(restore) > 0 {
		t.buffer = append(restore, t.buffer...)
	}
	t.flushing = false
	if m := t.cfg.Metrics; m != nil {
		m.ImpressionBuffer.Set(float64(len(t.buffer)))
	}
	t.mu.Unlock()

	if len(restore) > 0 {
		logger.Warn("Impression flush failed", "restored", len(restore), "sent", len(batch))
	} else {
		logger.Debug("Flushed impressions", "events", len(events), "posts", len(posts))
	}
	return errors.Join(eventErr, postErr)
}

func (t *Tracker) countFlush(kind Kind, err error) {
	m := t.cfg.Metrics
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ImpressionFlushes.WithLabelValues(string(kind), result).Inc()
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
