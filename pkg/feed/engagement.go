package feed

import (
	"github.com/gatherly/feedkit/pkg/api"
	"github.com/gatherly/feedkit/pkg/querykeys"
)

// DeltaMode selects how an EngagementDelta is applied
type DeltaMode string

const (
	// ModeDelta adds the counts to the current values, flooring at zero
	ModeDelta DeltaMode = "delta"
	// ModeAbsolute replaces the current values
	ModeAbsolute DeltaMode = "absolute"
)

// EngagementDelta is an optimistic change to a post's metrics. Nil fields
// are left alone.
type EngagementDelta struct {
	Mode           DeltaMode
	LikeCount      *int
	CommentCount   *int
	ViewerHasLiked *bool
}

// ApplyEngagementDelta patches the post postID in the page set cached under
// key. Only that exact key is touched, only post items match, and the cached
// snapshot is replaced rather than mutated. It reports whether a post was
// patched; a missing key or post is a no-op.
func ApplyEngagementDelta(cache *Cache, key querykeys.QueryKey, postID string, delta EngagementDelta) bool {
	if cache == nil || postID == "" {
		return false
	}
	return cache.Update(key, func(old PageSet, exists bool) (PageSet, bool) {
		if !exists {
			return old, false
		}
		return old.patchPost(postID, delta)
	})
}

func (ps PageSet) patchPost(postID string, delta EngagementDelta) (PageSet, bool) {
	var pages []api.FeedPage
	found := false

	for pi, page := range ps.Pages {
		var items []api.FeedItem
		for ii, item := range page.Items {
			if !item.IsPost() || item.ItemID != postID {
				continue
			}
			if items == nil {
				items = make([]api.FeedItem, len(page.Items))
				copy(items, page.Items)
			}
			items[ii] = patchItem(item, delta)
		}
		if items == nil {
			continue
		}
		if pages == nil {
			pages = make([]api.FeedPage, len(ps.Pages))
			copy(pages, ps.Pages)
		}
		pages[pi].Items = items
		found = true
	}

	if !found {
		return ps, false
	}
	return PageSet{Pages: pages, Cursors: ps.Cursors}, true
}

func patchItem(item api.FeedItem, delta EngagementDelta) api.FeedItem {
	m := item.Metrics
	if m.ViewerHasLiked != nil {
		liked := *m.ViewerHasLiked
		m.ViewerHasLiked = &liked
	}

	if delta.LikeCount != nil {
		m.Likes = applyCount(m.Likes, *delta.LikeCount, delta.Mode)
	}
	if delta.CommentCount != nil {
		m.Comments = applyCount(m.Comments, *delta.CommentCount, delta.Mode)
	}
	if delta.ViewerHasLiked != nil {
		liked := *delta.ViewerHasLiked
		m.ViewerHasLiked = &liked
	}

	item.Metrics = m
	return item
}

func applyCount(current, value int, mode DeltaMode) int {
	if mode == ModeAbsolute {
		return value
	}
	if next := current + value; next > 0 {
		return next
	}
	return 0
}

// Int is a helper for building deltas
func Int(v int) *int { return &v }

// Bool is a helper for building deltas
func Bool(v bool) *bool { return &v }
