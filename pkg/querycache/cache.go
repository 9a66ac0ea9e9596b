// Package querycache is a keyed store of immutable snapshots addressed by
// query keys. Values are replaced whole, never mutated in place, and every
// write bumps the entry version and notifies subscribers.
package querycache

import (
	"sort"
	"sync"
	"time"

	"github.com/gatherly/feedkit/pkg/querykeys"
)

// Entry is a cached snapshot and its bookkeeping
type Entry[T any] struct {
	Key       querykeys.QueryKey
	Value     T
	Version   uint64
	UpdatedAt time.Time
	Stale     bool
}

// Event describes a change to one entry
type Event struct {
	Key     querykeys.QueryKey
	Version uint64
	Removed bool
	Stale   bool
}

// Cache is safe for concurrent use. Callers must treat values they get back
// as read-only and write changes through Set or Update.
type Cache[T any] struct {
	mu      sync.Mutex
	entries map[string]*Entry[T]
	subs    map[int]func(Event)
	nextSub int
	now     func() time.Time
}

// New creates an empty cache
func New[T any]() *Cache[T] {
	return &Cache[T]{
		entries: make(map[string]*Entry[T]),
		subs:    make(map[int]func(Event)),
		now:     time.Now,
	}
}

// SetClock replaces the time source, for tests
func (c *Cache[T]) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Get returns the value stored under key
func (c *Cache[T]) Get(key querykeys.QueryKey) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key.String()]
	if !ok {
		var zero T
		return zero, false
	}
	return e.Value, true
}

// Entry returns a copy of the entry stored under key
func (c *Cache[T]) Entry(key querykeys.QueryKey) (Entry[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key.String()]
	if !ok {
		return Entry[T]{}, false
	}
	return *e, true
}

// Set replaces the value under key and returns the new version
func (c *Cache[T]) Set(key querykeys.QueryKey, value T) uint64 {
	c.mu.Lock()
	ev := c.writeLocked(key, value)
	subs := c.subscribersLocked()
	c.mu.Unlock()

	notify(subs, ev)
	return ev.Version
}

// Update reads the current value, computes a replacement with fn and writes
// it, all under the cache lock. fn returns false to leave the entry alone.
// Update reports whether a write happened.
func (c *Cache[T]) Update(key querykeys.QueryKey, fn func(old T, exists bool) (T, bool)) bool {
	c.mu.Lock()
	var old T
	e, exists := c.entries[key.String()]
	if exists {
		old = e.Value
	}
	next, write := fn(old, exists)
	if !write {
		c.mu.Unlock()
		return false
	}
	ev := c.writeLocked(key, next)
	subs := c.subscribersLocked()
	c.mu.Unlock()

	notify(subs, ev)
	return true
}

func (c *Cache[T]) writeLocked(key querykeys.QueryKey, value T) Event {
	s := key.String()
	e, ok := c.entries[s]
	if !ok {
		e = &Entry[T]{Key: append(querykeys.QueryKey(nil), key...)}
		c.entries[s] = e
	}
	e.Value = value
	e.Version++
	e.UpdatedAt = c.now()
	e.Stale = false
	return Event{Key: e.Key, Version: e.Version}
}

// Invalidate marks every entry under prefix stale and returns how many were marked
func (c *Cache[T]) Invalidate(prefix querykeys.QueryKey) int {
	c.mu.Lock()
	var events []Event
	for _, e := range c.entries {
		if e.Key.HasPrefix(prefix) && !e.Stale {
			e.Stale = true
			events = append(events, Event{Key: e.Key, Version: e.Version, Stale: true})
		}
	}
	subs := c.subscribersLocked()
	c.mu.Unlock()

	notify(subs, events...)
	return len(events)
}

// Remove drops every entry under prefix and returns how many were dropped
func (c *Cache[T]) Remove(prefix querykeys.QueryKey) int {
	c.mu.Lock()
	var events []Event
	for s, e := range c.entries {
		if e.Key.HasPrefix(prefix) {
			delete(c.entries, s)
			events = append(events, Event{Key: e.Key, Version: e.Version, Removed: true})
		}
	}
	subs := c.subscribersLocked()
	c.mu.Unlock()

	notify(subs, events...)
	return len(events)
}

// IsStale reports whether key is missing, invalidated or older than staleTime
func (c *Cache[T]) IsStale(key querykeys.QueryKey, staleTime time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key.String()]
	if !ok || e.Stale {
		return true
	}
	return c.now().Sub(e.UpdatedAt) >= staleTime
}

// Keys returns the keys currently cached, sorted by their string form
func (c *Cache[T]) Keys() []querykeys.QueryKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.entries))
	for s := range c.entries {
		names = append(names, s)
	}
	sort.Strings(names)

	keys := make([]querykeys.QueryKey, 0, len(names))
	for _, s := range names {
		keys = append(keys, c.entries[s].Key)
	}
	return keys
}

// Subscribe registers fn for change events. Callbacks run after the cache
// lock is released. The returned func unsubscribes.
func (c *Cache[T]) Subscribe(fn func(Event)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Cache[T]) subscribersLocked() []func(Event) {
	if len(c.subs) == 0 {
		return nil
	}
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		out = append(out, c.subs[id])
	}
	return out
}

func notify(subs []func(Event), events ...Event) {
	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}
