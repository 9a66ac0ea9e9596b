package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/gatherly/feedkit/pkg/logger"
	"github.com/gatherly/feedkit/pkg/querykeys"
	"github.com/gatherly/feedkit/pkg/storage"
	json "github.com/json-iterator/go"
)

const etagKeyPrefix = "feedkit.etag:"

// DefaultETagTTL bounds how long a stored ETag is offered to the server
const DefaultETagTTL = 10 * time.Minute

// ComputeETag derives a weak ETag from a response body
func ComputeETag(body []byte) string {
	sum := sha256.Sum256(body)
	return `W/"` + hex.EncodeToString(sum[:16]) + `"`
}

// RequestKey identifies one logical feed request for ETag bookkeeping
type RequestKey struct {
	Limit   int            `json:"limit"`
	Filters RequestFilters `json:"filters"`
	Cursor  *RequestCursor `json:"cursor"`
}

// NewRequestKey builds the key for a page request
func NewRequestKey(limit int, filters querykeys.Filters, cursor *FeedCursor) RequestKey {
	return RequestKey{
		Limit:   limit,
		Filters: toRequestFilters(querykeys.NormalizeParams(filters)),
		Cursor:  cursor.ToRequestCursor(),
	}
}

// String returns the serialized form of the key
func (k RequestKey) String() string {
	b, err := json.ConfigCompatibleWithStandardLibrary.Marshal(k)
	if err != nil {
		return ""
	}
	return string(b)
}

func (k RequestKey) storageKey() string {
	sum := sha256.Sum256([]byte(k.String()))
	return etagKeyPrefix + hex.EncodeToString(sum[:])
}

// CachedResponse is what the ETag cache remembers about a request
type CachedResponse struct {
	ETag string `json:"etag"`
	Body []byte `json:"body"`
}

// ETagCache remembers the last ETag and body per logical request. It is
// best effort: store failures are logged and treated as misses.
type ETagCache struct {
	store storage.Store
	ttl   time.Duration
}

// NewETagCache creates a cache over a session-scoped store
func NewETagCache(store storage.Store, ttl time.Duration) *ETagCache {
	if ttl <= 0 {
		ttl = DefaultETagTTL
	}
	return &ETagCache{store: store, ttl: ttl}
}

// Lookup returns the cached response for key
func (c *ETagCache) Lookup(ctx context.Context, key RequestKey) (*CachedResponse, bool) {
	if c == nil || c.store == nil {
		return nil, false
	}
	raw, ok, err := c.store.Get(ctx, key.storageKey())
	if err != nil {
		logger.Debug("ETag lookup failed", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var cached CachedResponse
	if err := json.Unmarshal([]byte(raw), &cached); err != nil || cached.ETag == "" {
		return nil, false
	}
	return &cached, true
}

// Store records the ETag and body for key
func (c *ETagCache) Store(ctx context.Context, key RequestKey, etag string, body []byte) {
	if c == nil || c.store == nil || etag == "" {
		return
	}
	raw, err := json.Marshal(CachedResponse{ETag: etag, Body: body})
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, key.storageKey(), string(raw), c.ttl); err != nil {
		logger.Debug("ETag store failed", "error", err)
	}
}

func toRequestFilters(f querykeys.Filters) RequestFilters {
	return RequestFilters{
		Locations:    f.Locations,
		Categories:   f.Categories,
		Dates:        f.Dates,
		SearchRadius: f.SearchRadius,
	}
}
