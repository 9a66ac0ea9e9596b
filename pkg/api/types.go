package api

import "strings"

// ItemType tags a feed item
type ItemType string

const (
	ItemTypeEvent ItemType = "event"
	ItemTypePost  ItemType = "post"
)

// FeedCursor is an opaque position in the combined recency and relevance
// ordering. Clients only ever send it back.
type FeedCursor struct {
	CursorTs    string   `json:"cursorTs"`
	CursorID    string   `json:"cursorId"`
	CursorScore *float64 `json:"cursorScore,omitempty"`
}

// Metrics are the engagement counters of an item
type Metrics struct {
	Likes          int   `json:"likes"`
	Comments       int   `json:"comments"`
	ViewerHasLiked *bool `json:"viewer_has_liked,omitempty"`
}

// PromotionMeta describes a paid placement inserted by the ranking backend
type PromotionMeta struct {
	Placement           string   `json:"placement"`
	CampaignID          string   `json:"campaignId"`
	CreativeID          string   `json:"creativeId"`
	Objective           string   `json:"objective"`
	CTALabel            *string  `json:"ctaLabel,omitempty"`
	CTAURL              *string  `json:"ctaUrl,omitempty"`
	RateModel           *string  `json:"rateModel,omitempty"`
	CPMRateCredits      *float64 `json:"cpmRateCredits,omitempty"`
	CPCRateCredits      *float64 `json:"cpcRateCredits,omitempty"`
	FrequencyCapPerUser *int     `json:"frequencyCapPerUser,omitempty"`
	FrequencyCapPeriod  *string  `json:"frequencyCapPeriod,omitempty"`
}

// Sponsor is an organization sponsoring an event
type Sponsor struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	LogoURL string `json:"logo_url,omitempty"`
	Tier    string `json:"tier,omitempty"`
}

// FeedItem is one event or post in the unified feed
type FeedItem struct {
	ItemType ItemType `json:"item_type"`
	ItemID   string   `json:"item_id"`
	EventID  string   `json:"event_id"`
	SortTs   string   `json:"sort_ts"`

	// Denormalized event metadata, present on both kinds
	EventTitle     string  `json:"event_title"`
	EventStartsAt  *string `json:"event_starts_at,omitempty"`
	EventCover     string  `json:"event_cover_image,omitempty"`
	EventLocation  string  `json:"event_location,omitempty"`
	EventCategory  string  `json:"event_category,omitempty"`
	OrganizerID    string  `json:"organizer_id,omitempty"`
	OrganizerName  string  `json:"organizer_name,omitempty"`
	EventPriceFrom *int    `json:"event_price_from,omitempty"`

	// Post fields
	AuthorID     string   `json:"author_id,omitempty"`
	AuthorName   string   `json:"author_name,omitempty"`
	AuthorHandle string   `json:"author_handle,omitempty"`
	AuthorAvatar string   `json:"author_avatar_url,omitempty"`
	Content      string   `json:"content,omitempty"`
	MediaURLs    []string `json:"media_urls,omitempty"`

	// Event fields
	Sponsor  *Sponsor  `json:"sponsor,omitempty"`
	Sponsors []Sponsor `json:"sponsors,omitempty"`

	Metrics    Metrics        `json:"metrics"`
	IsPromoted bool           `json:"is_promoted,omitempty"`
	Promotion  *PromotionMeta `json:"promotion,omitempty"`
	Score      *float64       `json:"score,omitempty"`
}

// IsPost reports whether the item is a post
func (i FeedItem) IsPost() bool { return i.ItemType == ItemTypePost }

// IsEvent reports whether the item is an event
func (i FeedItem) IsEvent() bool { return i.ItemType == ItemTypeEvent }

// IsPromotedItem reports whether the item carries a paid placement
func (i FeedItem) IsPromotedItem() bool { return i.Promotion != nil }

var videoExtensions = []string{".mp4", ".m3u8", ".webm", ".mov", ".m4v"}

// VideoURL returns the first media url that looks like a video
func (i FeedItem) VideoURL() (string, bool) {
	for _, u := range i.MediaURLs {
		lower := strings.ToLower(u)
		if q := strings.IndexAny(lower, "?#"); q >= 0 {
			lower = lower[:q]
		}
		for _, ext := range videoExtensions {
			if strings.HasSuffix(lower, ext) {
				return u, true
			}
		}
	}
	return "", false
}

// Performance carries server-side timings
type Performance struct {
	// QueryTime is the backend query time in milliseconds
	QueryTime float64 `json:"query_time"`
}

// FeedPage is one page of the unified feed. A nil NextCursor is the only end
// of feed signal; an empty Items slice with a cursor still means more pages.
type FeedPage struct {
	Items       []FeedItem   `json:"items"`
	NextCursor  *FeedCursor  `json:"nextCursor"`
	Performance *Performance `json:"performance,omitempty"`
}

// RequestCursor is the cursor as the feed endpoint expects it
type RequestCursor struct {
	TS    string   `json:"ts"`
	ID    string   `json:"id"`
	Score *float64 `json:"score"`
}

// RequestFilters is the filter object of a feed request
type RequestFilters struct {
	Locations    []string `json:"locations"`
	Categories   []string `json:"categories"`
	Dates        []string `json:"dates"`
	SearchRadius *float64 `json:"searchRadius,omitempty"`
}

// FeedRequest is the body posted to the feed endpoint
type FeedRequest struct {
	Limit     int            `json:"limit"`
	Cursor    *RequestCursor `json:"cursor"`
	Filters   RequestFilters `json:"filters"`
	UserLat   *float64       `json:"user_lat,omitempty"`
	UserLng   *float64       `json:"user_lng,omitempty"`
	SessionID string         `json:"session_id"`
}

// ToRequestCursor converts a page cursor to its request form. Nil stays nil.
func (c *FeedCursor) ToRequestCursor() *RequestCursor {
	if c == nil {
		return nil
	}
	return &RequestCursor{TS: c.CursorTs, ID: c.CursorID, Score: c.CursorScore}
}

// FromRequestCursor converts a request cursor back to a page cursor
func FromRequestCursor(rc *RequestCursor) *FeedCursor {
	if rc == nil {
		return nil
	}
	return &FeedCursor{CursorTs: rc.TS, CursorID: rc.ID, CursorScore: rc.Score}
}

// ErrorResponse is the error body returned by the backend
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}
