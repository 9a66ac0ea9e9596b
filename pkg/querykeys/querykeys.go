// Package querykeys builds the canonical cache keys that address cached
// feed page sets. Keys are hierarchical: every key starts with the feed
// namespace so a whole family can be invalidated by prefix.
package querykeys

import (
	"reflect"

	json "github.com/json-iterator/go"
)

// Namespace is the first element of every feed key
const Namespace = "unified-feed"

// DefaultLimit is the page size used when a filter set does not name one
const DefaultLimit = 30

// Filters narrows the unified feed. Array order is significant: the same
// locations in a different order address a different cache entry.
type Filters struct {
	Locations    []string `json:"locations"`
	Categories   []string `json:"categories"`
	Dates        []string `json:"dates"`
	SearchRadius *float64 `json:"searchRadius,omitempty"`
	Limit        int      `json:"limit"`
}

// QueryKey is a hierarchical cache key
type QueryKey []any

// NormalizeParams returns a copy of f with every optional field defaulted.
// It never fails and NormalizeParams(NormalizeParams(f)) equals NormalizeParams(f).
func NormalizeParams(f Filters) Filters {
	out := Filters{
		Locations:  copyStrings(f.Locations),
		Categories: copyStrings(f.Categories),
		Dates:      copyStrings(f.Dates),
		Limit:      f.Limit,
	}
	if f.SearchRadius != nil {
		r := *f.SearchRadius
		out.SearchRadius = &r
	}
	if out.Limit <= 0 {
		out.Limit = DefaultLimit
	}
	return out
}

func copyStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// All addresses every feed cache entry
func All() QueryKey {
	return QueryKey{Namespace}
}

// List addresses the page set for one filter configuration
func List(f Filters) QueryKey {
	return QueryKey{Namespace, "list", NormalizeParams(f)}
}

// Post addresses a single post
func Post(postID string) QueryKey {
	return QueryKey{Namespace, "post", postID}
}

// EventFeed addresses the feed scoped to one event
func EventFeed(eventID string) QueryKey {
	return QueryKey{Namespace, "event", eventID}
}

// String returns the canonical JSON encoding of the key, used as the map key
// in caches.
func (k QueryKey) String() string {
	b, err := json.ConfigCompatibleWithStandardLibrary.Marshal([]any(k))
	if err != nil {
		return ""
	}
	return string(b)
}

// Equal reports whether two keys address the same entry
func (k QueryKey) Equal(other QueryKey) bool {
	return k.HasPrefix(other) && len(k) == len(other)
}

// HasPrefix reports whether prefix is a leading sub-key of k
func (k QueryKey) HasPrefix(prefix QueryKey) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if !reflect.DeepEqual(k[i], prefix[i]) {
			return false
		}
	}
	return true
}

// IsFeedQueryKey reports whether v is a non-empty key in the feed namespace.
// It accepts any value and never panics.
func IsFeedQueryKey(v any) bool {
	var first any
	switch k := v.(type) {
	case QueryKey:
		if len(k) == 0 {
			return false
		}
		first = k[0]
	case []any:
		if len(k) == 0 {
			return false
		}
		first = k[0]
	case []string:
		if len(k) == 0 {
			return false
		}
		first = k[0]
	default:
		return false
	}
	s, ok := first.(string)
	return ok && s == Namespace
}
