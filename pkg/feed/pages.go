package feed

import (
	"github.com/gatherly/feedkit/pkg/api"
	"github.com/gatherly/feedkit/pkg/querycache"
)

// PageSet is the immutable snapshot cached per filter configuration:
// every fetched page in fetch order plus the cursor each was fetched with.
type PageSet struct {
	Pages   []api.FeedPage
	Cursors []*api.FeedCursor
}

// Cache holds page sets keyed by query key
type Cache = querycache.Cache[PageSet]

// NewCache creates an empty page cache
func NewCache() *Cache {
	return querycache.New[PageSet]()
}

// Items concatenates the items of every page, keeping page order and
// within-page order.
func (ps PageSet) Items() []api.FeedItem {
	n := 0
	for _, p := range ps.Pages {
		n += len(p.Items)
	}
	items := make([]api.FeedItem, 0, n)
	for _, p := range ps.Pages {
		items = append(items, p.Items...)
	}
	return items
}

// NextCursor returns the cursor of the last page, nil at the end of the feed
func (ps PageSet) NextCursor() *api.FeedCursor {
	if len(ps.Pages) == 0 {
		return nil
	}
	return ps.Pages[len(ps.Pages)-1].NextCursor
}

// HasNextPage reports whether the last page carried a cursor
func (ps PageSet) HasNextPage() bool {
	return ps.NextCursor() != nil
}

// withPage returns a new PageSet with page appended
func (ps PageSet) withPage(page api.FeedPage, cursor *api.FeedCursor) PageSet {
	pages := make([]api.FeedPage, len(ps.Pages), len(ps.Pages)+1)
	copy(pages, ps.Pages)
	cursors := make([]*api.FeedCursor, len(ps.Cursors), len(ps.Cursors)+1)
	copy(cursors, ps.Cursors)

	return PageSet{
		Pages:   append(pages, page),
		Cursors: append(cursors, cursor),
	}
}
