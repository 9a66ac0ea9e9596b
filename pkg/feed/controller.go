// Package feed turns the page fetcher into an infinite, cursor-chained feed
// backed by the shared page cache.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/gatherly/feedkit/pkg/api"
	"github.com/gatherly/feedkit/pkg/geo"
	"github.com/gatherly/feedkit/pkg/logger"
	"github.com/gatherly/feedkit/pkg/querykeys"
	"github.com/gatherly/feedkit/pkg/telemetry"
)

// Status is the controller state
type Status string

const (
	StatusIdle              Status = "idle"
	StatusFetchingFirstPage Status = "fetching-first-page"
	StatusFetchingNextPage  Status = "fetching-next-page"
	StatusSuccess           Status = "success"
	StatusError             Status = "error"
)

// DefaultStaleTime is how long cached pages count as fresh
const DefaultStaleTime = 15 * time.Second

// TokenSource returns the bearer token for feed requests. An empty token
// means an anonymous request.
type TokenSource func(ctx context.Context) (string, error)

// Options configures a Controller
type Options struct {
	Filters      querykeys.Filters
	PageSize     int
	StaleTime    time.Duration
	TokenSource  TokenSource
	UserLocation *geo.Coordinates
	Metrics      *telemetry.Metrics
}

// Controller manages one filter configuration of the unified feed
type Controller struct {
	fetcher api.FeedFetcher
	cache   *Cache
	opts    Options

	mu       sync.Mutex
	status   Status
	err      error
	fetching bool
}

// New creates a controller. Controllers with different filters may share cache.
func New(fetcher api.FeedFetcher, cache *Cache, opts Options) *Controller {
	if opts.PageSize <= 0 {
		opts.PageSize = querykeys.DefaultLimit
	}
	if opts.StaleTime <= 0 {
		opts.StaleTime = DefaultStaleTime
	}
	if cache == nil {
		cache = NewCache()
	}
	return &Controller{
		fetcher: fetcher,
		cache:   cache,
		opts:    opts,
		status:  StatusIdle,
	}
}

// Key returns the cache key for the controller's filters. It is rebuilt on
// every call and equal across calls.
func (c *Controller) Key() querykeys.QueryKey {
	f := c.opts.Filters
	f.Limit = c.opts.PageSize
	return querykeys.List(f)
}

// Cache returns the shared page cache
func (c *Controller) Cache() *Cache {
	return c.cache
}

// Status returns the current state
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Err returns the error of the last failed fetch
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// IsFetching reports whether any fetch, including a background refetch, is in flight
func (c *Controller) IsFetching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetching
}

// Pages returns the cached page set
func (c *Controller) Pages() PageSet {
	ps, _ := c.cache.Get(c.Key())
	return ps
}

// Items returns every fetched item in page and within-page order
func (c *Controller) Items() []api.FeedItem {
	return c.Pages().Items()
}

// HasNextPage reports whether the last fetched page carried a next cursor.
// It is false before the first page arrives.
func (c *Controller) HasNextPage() bool {
	return c.Pages().HasNextPage()
}

// FetchFirstPage loads the first page unless fresh pages are already cached.
// Stale cached pages are kept visible while they are refetched.
func (c *Controller) FetchFirstPage(ctx context.Context) error {
	key := c.Key()
	if _, ok := c.cache.Get(key); ok {
		if !c.cache.IsStale(key, c.opts.StaleTime) {
			c.mu.Lock()
			if !c.fetching {
				c.status = StatusSuccess
				c.err = nil
			}
			c.mu.Unlock()
			return nil
		}
		return c.Refetch(ctx)
	}

	if !c.begin(StatusFetchingFirstPage) {
		return nil
	}

	page, err := c.fetch(ctx, nil)
	if err != nil {
		c.finish(err)
		return err
	}

	c.cache.Set(key, PageSet{}.withPage(*page, nil))
	c.finish(nil)
	return nil
}

// FetchNextPage appends the page after the last cursor. It is a no-op when
// there is no next page or a fetch is already in flight.
func (c *Controller) FetchNextPage(ctx context.Context) error {
	key := c.Key()
	current, ok := c.cache.Get(key)
	if !ok {
		return c.FetchFirstPage(ctx)
	}
	cursor := current.NextCursor()
	if cursor == nil {
		return nil
	}

	if !c.begin(StatusFetchingNextPage) {
		return nil
	}

	page, err := c.fetch(ctx, cursor)
	if err != nil {
		c.finish(err)
		return err
	}

	c.cache.Update(key, func(old PageSet, exists bool) (PageSet, bool) {
		// a refetch or reset may have replaced the chain meanwhile
		if !exists || old.NextCursor() != cursor {
			logger.Debug("Dropping next page for a superseded cursor chain", "cursor_id", cursor.CursorID)
			return old, false
		}
		return old.withPage(*page, cursor), true
	})
	c.finish(nil)
	return nil
}

// Refetch re-walks the loaded cursor chain from the first page and replaces
// the cached pages only when every page succeeds. Items already cached stay
// readable while it runs.
func (c *Controller) Refetch(ctx context.Context) error {
	key := c.Key()
	current, _ := c.cache.Get(key)
	want := len(current.Pages)
	if want == 0 {
		want = 1
	}

	initial := StatusSuccess
	if len(current.Pages) == 0 {
		initial = StatusFetchingFirstPage
	}
	if !c.begin(initial) {
		return nil
	}

	var next PageSet
	var cursor *api.FeedCursor
	for i := 0; i < want; i++ {
		page, err := c.fetch(ctx, cursor)
		if err != nil {
			c.finish(err)
			return err
		}
		next = next.withPage(*page, cursor)
		cursor = page.NextCursor
		if cursor == nil {
			break
		}
	}

	c.cache.Set(key, next)
	c.finish(nil)
	return nil
}

// EnsureFresh refetches when the cached pages are older than the stale time
func (c *Controller) EnsureFresh(ctx context.Context) error {
	key := c.Key()
	if !c.cache.IsStale(key, c.opts.StaleTime) {
		return nil
	}
	if _, ok := c.cache.Get(key); ok {
		return c.Refetch(ctx)
	}
	return c.FetchFirstPage(ctx)
}

// ApplyEngagementDelta patches postID in this controller's cached pages only
func (c *Controller) ApplyEngagementDelta(postID string, delta EngagementDelta) bool {
	applied := ApplyEngagementDelta(c.cache, c.Key(), postID, delta)
	if c.opts.Metrics != nil {
		result := "missing"
		if applied {
			result = "applied"
		}
		c.opts.Metrics.EngagementPatches.WithLabelValues(result).Inc()
	}
	return applied
}

// InvalidatePost marks the single-post entry for postID stale
func (c *Controller) InvalidatePost(postID string) {
	c.cache.Invalidate(querykeys.Post(postID))
}

// Invalidate marks this controller's pages stale so the next EnsureFresh refetches
func (c *Controller) Invalidate() {
	c.cache.Invalidate(c.Key())
}

func (c *Controller) begin(status Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fetching {
		return false
	}
	c.fetching = true
	c.status = status
	return true
}

func (c *Controller) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetching = false
	c.err = err
	if err != nil {
		c.status = StatusError
		return
	}
	c.status = StatusSuccess
}

func (c *Controller) fetch(ctx context.Context, cursor *api.FeedCursor) (*api.FeedPage, error) {
	var token string
	if c.opts.TokenSource != nil {
		t, err := c.opts.TokenSource(ctx)
		if err != nil {
			logger.Warn("Failed to load access token, fetching anonymously", "error", err)
		} else {
			token = t
		}
	}
	return c.fetcher.FetchPage(ctx, cursor, c.opts.PageSize, token, c.opts.Filters, c.opts.UserLocation)
}
