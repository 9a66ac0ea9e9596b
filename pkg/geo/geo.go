// Package geo resolves the device position for near-me feed queries.
// Failing to resolve a position is an expected outcome, never an error the
// feed surfaces.
package geo

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gatherly/feedkit/pkg/logger"
	"github.com/gatherly/feedkit/pkg/querykeys"
)

// NearMe is the location sentinel meaning "around the device"
const NearMe = "near-me"

// DefaultNearRadiusMiles is the search radius below which a query is treated as near-me
const DefaultNearRadiusMiles = 25.0

var (
	// ErrUnavailable means no position source is configured
	ErrUnavailable = errors.New("position unavailable")
	// ErrDenied means the user has not granted location access
	ErrDenied = errors.New("location permission denied")
)

// Coordinates is a latitude/longitude pair
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Locator reads the current device position
type Locator interface {
	CurrentPosition(ctx context.Context) (Coordinates, error)
}

// StaticLocator returns a fixed, configured position
type StaticLocator struct {
	Position *Coordinates
}

func (s StaticLocator) CurrentPosition(ctx context.Context) (Coordinates, error) {
	if err := ctx.Err(); err != nil {
		return Coordinates{}, err
	}
	if s.Position == nil {
		return Coordinates{}, ErrUnavailable
	}
	return *s.Position, nil
}

// LocatorFunc adapts a function to Locator
type LocatorFunc func(ctx context.Context) (Coordinates, error)

func (f LocatorFunc) CurrentPosition(ctx context.Context) (Coordinates, error) {
	return f(ctx)
}

// CachedLocator bounds each lookup by a short timeout and reuses a
// successful position for MaxAge.
type CachedLocator struct {
	source  Locator
	timeout time.Duration
	maxAge  time.Duration
	now     func() time.Time

	mu       sync.Mutex
	last     *Coordinates
	lastSeen time.Time
}

// NewCachedLocator wraps source. Zero durations fall back to 1s and 5m.
func NewCachedLocator(source Locator, timeout, maxAge time.Duration) *CachedLocator {
	if timeout <= 0 {
		timeout = time.Second
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &CachedLocator{
		source:  source,
		timeout: timeout,
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// Resolve returns the current position, or nil on timeout, denial or any
// other failure.
func (c *CachedLocator) Resolve(ctx context.Context) *Coordinates {
	c.mu.Lock()
	if c.last != nil && c.now().Sub(c.lastSeen) < c.maxAge {
		pos := *c.last
		c.mu.Unlock()
		return &pos
	}
	c.mu.Unlock()

	if c.source == nil {
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		pos Coordinates
		err error
	}
	done := make(chan result, 1)
	go func() {
		pos, err := c.source.CurrentPosition(lookupCtx)
		done <- result{pos, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-lookupCtx.Done():
		res.err = lookupCtx.Err()
	}
	if res.err != nil {
		logger.Debug("Geolocation unavailable, continuing without location", "error", res.err)
		return nil
	}

	c.mu.Lock()
	pos := res.pos
	c.last = &pos
	c.lastSeen = c.now()
	c.mu.Unlock()

	out := pos
	return &out
}

// ImpliesNearMe reports whether filters ask for results around the device:
// a location equal to the near-me sentinel, or a search radius tighter than
// threshold miles.
func ImpliesNearMe(f querykeys.Filters, threshold float64) bool {
	for _, loc := range f.Locations {
		if strings.EqualFold(strings.TrimSpace(loc), NearMe) {
			return true
		}
	}
	if threshold <= 0 {
		threshold = DefaultNearRadiusMiles
	}
	return f.SearchRadius != nil && *f.SearchRadius < threshold
}
