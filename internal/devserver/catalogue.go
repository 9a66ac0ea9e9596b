package devserver

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/gatherly/feedkit/pkg/api"
	"github.com/gatherly/feedkit/pkg/geo"
)

var categories = []string{"music", "food", "arts", "sports", "tech", "nightlife", "family"}

// catalogueEpoch anchors generated timestamps so the catalogue is stable across runs
var catalogueEpoch = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

// Catalogue is a fixed, ordered set of feed items generated from a seed
type Catalogue struct {
	items []api.FeedItem
}

// NewCatalogue generates size items. The same seed always yields the same
// catalogue. Every promotedEvery-th item carries a paid placement.
func NewCatalogue(seed uint64, size, promotedEvery int) *Catalogue {
	f := gofakeit.New(seed)

	cities := make([]string, 5)
	for i := range cities {
		cities[i] = fmt.Sprintf("%s, %s", f.City(), f.Country())
	}

	var events []api.FeedItem
	items := make([]api.FeedItem, 0, size)
	ts := catalogueEpoch
	for i := 0; i < size; i++ {
		ts = ts.Add(-time.Duration(f.Number(1, 90)) * time.Minute)

		var item api.FeedItem
		if len(events) == 0 || f.Number(1, 10) <= 4 {
			item = newEvent(f, cities, ts)
			events = append(events, item)
		} else {
			item = newPost(f, events[f.Number(0, len(events)-1)], ts)
		}

		if promotedEvery > 0 && (i+1)%promotedEvery == 0 {
			item.IsPromoted = true
			item.Promotion = newPromotion(f, i)
		}
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool { return after(items[i], items[j]) })
	return &Catalogue{items: items}
}

func newEvent(f *gofakeit.Faker, cities []string, ts time.Time) api.FeedItem {
	id := f.UUID()
	startsAt := ts.Add(time.Duration(f.Number(24, 24*30)) * time.Hour).Format(time.RFC3339)
	price := f.Number(0, 120)
	item := api.FeedItem{
		ItemType:       api.ItemTypeEvent,
		ItemID:         id,
		EventID:        id,
		SortTs:         ts.Format(time.RFC3339),
		EventTitle:     strings.TrimSuffix(f.HipsterSentence(), "."),
		EventStartsAt:  &startsAt,
		EventCover:     fmt.Sprintf("https://cdn.example.com/covers/%s.jpg", id),
		EventLocation:  cities[f.Number(0, len(cities)-1)],
		EventCategory:  categories[f.Number(0, len(categories)-1)],
		OrganizerID:    f.UUID(),
		OrganizerName:  f.Name(),
		EventPriceFrom: &price,
		Metrics:        api.Metrics{Likes: f.Number(0, 500), Comments: f.Number(0, 80)},
	}
	if f.Number(1, 4) == 1 {
		item.Sponsor = &api.Sponsor{ID: f.UUID(), Name: f.Name(), Tier: "gold"}
	}
	return item
}

func newPost(f *gofakeit.Faker, ev api.FeedItem, ts time.Time) api.FeedItem {
	item := api.FeedItem{
		ItemType:      api.ItemTypePost,
		ItemID:        f.UUID(),
		EventID:       ev.EventID,
		SortTs:        ts.Format(time.RFC3339),
		EventTitle:    ev.EventTitle,
		EventStartsAt: ev.EventStartsAt,
		EventLocation: ev.EventLocation,
		EventCategory: ev.EventCategory,
		AuthorID:      f.UUID(),
		AuthorName:    f.Name(),
		AuthorHandle:  f.Username(),
		Content:       f.HipsterSentence(),
		Metrics:       api.Metrics{Likes: f.Number(0, 200), Comments: f.Number(0, 40)},
	}
	switch f.Number(1, 3) {
	case 1:
		item.MediaURLs = []string{fmt.Sprintf("https://cdn.example.com/clips/%s.mp4", item.ItemID)}
	case 2:
		item.MediaURLs = []string{fmt.Sprintf("https://cdn.example.com/photos/%s.jpg", item.ItemID)}
	}
	return item
}

func newPromotion(f *gofakeit.Faker, slot int) *api.PromotionMeta {
	rateModel := "cpm"
	cpm := float64(f.Number(2, 12))
	capN := 3
	period := "day"
	cta := "Get tickets"
	return &api.PromotionMeta{
		Placement:           "feed",
		CampaignID:          fmt.Sprintf("camp-%d", slot%5),
		CreativeID:          f.UUID(),
		Objective:           "ticket_sales",
		CTALabel:            &cta,
		RateModel:           &rateModel,
		CPMRateCredits:      &cpm,
		FrequencyCapPerUser: &capN,
		FrequencyCapPeriod:  &period,
	}
}

// after reports whether a sorts before b in feed order (sort_ts desc, item_id desc)
func after(a, b api.FeedItem) bool {
	if a.SortTs != b.SortTs {
		return a.SortTs > b.SortTs
	}
	return a.ItemID > b.ItemID
}

// Len returns the catalogue size
func (c *Catalogue) Len() int {
	return len(c.items)
}

// Page returns up to limit items matching filters that come after cursor, and
// the cursor of the following page, nil when nothing is left.
func (c *Catalogue) Page(req api.FeedRequest) api.FeedPage {
	limit := req.Limit
	if limit <= 0 {
		limit = 30
	}
	cursor := req.Cursor

	items := make([]api.FeedItem, 0, limit)
	var next *api.FeedCursor
	for _, item := range c.items {
		if cursor != nil && !after(item, api.FeedItem{SortTs: cursor.TS, ItemID: cursor.ID}) {
			continue
		}
		if !matches(item, req.Filters) {
			continue
		}
		if len(items) == limit {
			last := items[len(items)-1]
			next = &api.FeedCursor{CursorTs: last.SortTs, CursorID: last.ItemID}
			break
		}
		items = append(items, item)
	}
	return api.FeedPage{Items: items, NextCursor: next}
}

func matches(item api.FeedItem, f api.RequestFilters) bool {
	if len(f.Categories) > 0 && !contains(f.Categories, item.EventCategory) {
		return false
	}
	if locs := withoutNearMe(f.Locations); len(locs) > 0 {
		found := false
		for _, loc := range locs {
			if strings.Contains(strings.ToLower(item.EventLocation), strings.ToLower(loc)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Dates) > 0 {
		if item.EventStartsAt == nil {
			return false
		}
		found := false
		for _, d := range f.Dates {
			if strings.HasPrefix(*item.EventStartsAt, d) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func withoutNearMe(locations []string) []string {
	out := locations[:0:0]
	for _, l := range locations {
		if l != geo.NearMe {
			out = append(out, l)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
