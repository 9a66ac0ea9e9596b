package impressions

import (
	"context"
	"time"

	"github.com/gatherly/feedkit/pkg/api"
)

// Kind is the kind of item an impression was recorded for
type Kind string

const (
	KindEvent Kind = "event"
	KindPost  Kind = "post"
)

// EventImpression is a row for the event impressions destination
type EventImpression struct {
	UserID    *string `json:"user_id"`
	SessionID string  `json:"session_id"`
	EventID   string  `json:"event_id"`
	DwellMs   int     `json:"dwell_ms"`
	Completed bool    `json:"completed"`
}

// PostImpression is a row for the post impressions destination
type PostImpression struct {
	UserID    *string `json:"user_id"`
	SessionID string  `json:"session_id"`
	PostID    string  `json:"post_id"`
	EventID   string  `json:"event_id"`
	DwellMs   int     `json:"dwell_ms"`
	Completed bool    `json:"completed"`
}

// FrequencyCap limits how often a campaign is shown to one user
type FrequencyCap struct {
	PerUser int    `json:"perUser"`
	Period  string `json:"period,omitempty"`
}

// AdImpression is the billing event emitted for a promoted item
type AdImpression struct {
	CampaignID     string        `json:"campaignId"`
	CreativeID     string        `json:"creativeId"`
	EventID        string        `json:"eventId"`
	PostID         *string       `json:"postId,omitempty"`
	Placement      string        `json:"placement"`
	RateModel      *string       `json:"rateModel,omitempty"`
	CPMRateCredits *float64      `json:"cpmRateCredits,omitempty"`
	CPCRateCredits *float64      `json:"cpcRateCredits,omitempty"`
	UserID         *string       `json:"userId,omitempty"`
	SessionID      string        `json:"sessionId"`
	DwellMs        int           `json:"dwellMs"`
	PctVisible     int           `json:"pctVisible"`
	FrequencyCap   *FrequencyCap `json:"frequencyCap,omitempty"`
}

// Sink persists finalized impressions. Delivery is at least once, so
// implementations must tolerate duplicates.
type Sink interface {
	InsertEventImpressions(ctx context.Context, rows []EventImpression) error
	InsertPostImpressions(ctx context.Context, rows []PostImpression) error
}

// BillingSink receives ad impressions for promoted items
type BillingSink interface {
	EmitAdImpression(ctx context.Context, imp AdImpression) error
}

// VideoState is the playback position of an item's video
type VideoState struct {
	CurrentTime float64
	Duration    float64
	Playing     bool
}

// Fraction returns the played fraction, zero when the duration is unknown
func (v VideoState) Fraction() float64 {
	if v.Duration <= 0 {
		return 0
	}
	return v.CurrentTime / v.Duration
}

// VideoSource resolves the video element of a post, if it has one
type VideoSource interface {
	VideoState(item api.FeedItem) (VideoState, bool)
}

// Row is a finalized impression waiting in the batch buffer
type Row struct {
	Kind        Kind
	ItemID      string
	UserID      *string
	SessionID   string
	EventID     string
	PostID      string
	DwellMs     int
	Completed   bool
	StartedAt   time.Time
	FinalizedAt time.Time
}

// EventImpression converts an event row to its destination form
func (r Row) EventImpression() EventImpression {
	return EventImpression{
		UserID:    r.UserID,
		SessionID: r.SessionID,
		EventID:   r.EventID,
		DwellMs:   r.DwellMs,
		Completed: r.Completed,
	}
}

// PostImpression converts a post row to its destination form
func (r Row) PostImpression() PostImpression {
	return PostImpression{
		UserID:    r.UserID,
		SessionID: r.SessionID,
		PostID:    r.PostID,
		EventID:   r.EventID,
		DwellMs:   r.DwellMs,
		Completed: r.Completed,
	}
}

// Pending is a snapshot of the live impression
type Pending struct {
	Kind      Kind
	ItemID    string
	EventID   string
	DwellMs   float64
	Completed bool
	StartedAt time.Time
	Promotion *api.PromotionMeta
	Video     *VideoState
}
