package sink

import (
	"time"

	"github.com/gatherly/feedkit/pkg/impressions"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventImpressionRecord is a persisted event impression
type EventImpressionRecord struct {
	ID        string  `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID    *string `gorm:"index" json:"user_id,omitempty"`
	SessionID string  `gorm:"not null;index:idx_event_impressions_session" json:"session_id"`
	EventID   string  `gorm:"not null;index:idx_event_impressions_event" json:"event_id"`
	DwellMs   int     `gorm:"not null" json:"dwell_ms"`
	Completed bool    `gorm:"default:false" json:"completed"`

	CreatedAt time.Time `gorm:"index:idx_event_impressions_event" json:"created_at"`
}

// TableName for event impressions
func (EventImpressionRecord) TableName() string {
	return "event_impressions"
}

// PostImpressionRecord is a persisted post impression
type PostImpressionRecord struct {
	ID        string  `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID    *string `gorm:"index" json:"user_id,omitempty"`
	SessionID string  `gorm:"not null;index:idx_post_impressions_session" json:"session_id"`
	PostID    string  `gorm:"not null;index:idx_post_impressions_post" json:"post_id"`
	EventID   string  `gorm:"not null;index" json:"event_id"`
	DwellMs   int     `gorm:"not null" json:"dwell_ms"`
	Completed bool    `gorm:"default:false" json:"completed"`

	CreatedAt time.Time `gorm:"index:idx_post_impressions_post" json:"created_at"`
}

// TableName for post impressions
func (PostImpressionRecord) TableName() string {
	return "post_impressions"
}

// AdImpressionRecord is a persisted billing event for a promoted item
type AdImpressionRecord struct {
	ID              string   `gorm:"primaryKey;type:varchar(36)" json:"id"`
	CampaignID      string   `gorm:"not null;index:idx_ad_impressions_campaign" json:"campaign_id"`
	CreativeID      string   `gorm:"not null" json:"creative_id"`
	EventID         string   `gorm:"not null" json:"event_id"`
	PostID          *string  `json:"post_id,omitempty"`
	Placement       string   `gorm:"not null" json:"placement"`
	RateModel       *string  `json:"rate_model,omitempty"`
	CPMRateCredits  *float64 `json:"cpm_rate_credits,omitempty"`
	CPCRateCredits  *float64 `json:"cpc_rate_credits,omitempty"`
	UserID          *string  `gorm:"index" json:"user_id,omitempty"`
	SessionID       string   `gorm:"not null" json:"session_id"`
	DwellMs         int      `gorm:"not null" json:"dwell_ms"`
	PctVisible      int      `gorm:"not null" json:"pct_visible"`
	FrequencyCap    *int     `json:"frequency_cap,omitempty"`
	FrequencyPeriod *string  `json:"frequency_period,omitempty"`

	CreatedAt time.Time `gorm:"index:idx_ad_impressions_campaign" json:"created_at"`
}

// TableName for ad impressions
func (AdImpressionRecord) TableName() string {
	return "ad_impressions"
}

// BeforeCreate hooks for GORM
func (r *EventImpressionRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

func (r *PostImpressionRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

func (r *AdImpressionRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

func eventRecord(row impressions.EventImpression) EventImpressionRecord {
	return EventImpressionRecord{
		UserID:    row.UserID,
		SessionID: row.SessionID,
		EventID:   row.EventID,
		DwellMs:   row.DwellMs,
		Completed: row.Completed,
	}
}

func postRecord(row impressions.PostImpression) PostImpressionRecord {
	return PostImpressionRecord{
		UserID:    row.UserID,
		SessionID: row.SessionID,
		PostID:    row.PostID,
		EventID:   row.EventID,
		DwellMs:   row.DwellMs,
		Completed: row.Completed,
	}
}

func adRecord(imp impressions.AdImpression) AdImpressionRecord {
	rec := AdImpressionRecord{
		CampaignID:     imp.CampaignID,
		CreativeID:     imp.CreativeID,
		EventID:        imp.EventID,
		PostID:         imp.PostID,
		Placement:      imp.Placement,
		RateModel:      imp.RateModel,
		CPMRateCredits: imp.CPMRateCredits,
		CPCRateCredits: imp.CPCRateCredits,
		UserID:         imp.UserID,
		SessionID:      imp.SessionID,
		DwellMs:        imp.DwellMs,
		PctVisible:     imp.PctVisible,
	}
	if fc := imp.FrequencyCap; fc != nil {
		perUser := fc.PerUser
		rec.FrequencyCap = &perUser
		if fc.Period != "" {
			period := fc.Period
			rec.FrequencyPeriod = &period
		}
	}
	return rec
}
