// Package storage provides the small key-value stores feedkit keeps local
// state in: the session id (persistent scope) and the ETag cache (session
// scope).
package storage

import (
	"context"
	"fmt"
	"time"
)

// Store is a string key-value store. A zero ttl means the entry never expires.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type entry struct {
	Value     string     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func newEntry(value string, ttl time.Duration, now time.Time) entry {
	e := entry{Value: value}
	if ttl > 0 {
		exp := now.Add(ttl)
		e.ExpiresAt = &exp
	}
	return e
}

func (e entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Open builds the store named by backend: "file", "memory" or "redis"
func Open(ctx context.Context, backend, filePath string, redisCfg RedisConfig) (Store, error) {
	switch backend {
	case "", "file":
		return NewFileStore(filePath), nil
	case "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(ctx, redisCfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
