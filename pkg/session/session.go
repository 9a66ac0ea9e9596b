// Package session owns the per-install session identifier sent to the
// ranking backend. It is an exploration epoch marker, not a credential.
package session

import (
	"context"
	"sync"

	"github.com/gatherly/feedkit/pkg/logger"
	"github.com/gatherly/feedkit/pkg/storage"
	"github.com/google/uuid"
)

// StorageKey is where the identifier is persisted
const StorageKey = "feedkit.session_id"

// Identity lazily creates and persists the session identifier
type Identity struct {
	store storage.Store

	mu sync.Mutex
	id string
}

// New creates an Identity over store. A nil store keeps the id in memory only.
func New(store storage.Store) *Identity {
	return &Identity{store: store}
}

// GetOrCreate returns the persisted identifier, creating and storing one on
// first use. Storage failures are logged and the in-memory id is used for the
// rest of the process.
func (i *Identity) GetOrCreate(ctx context.Context) string {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.id != "" {
		return i.id
	}

	if i.store != nil {
		stored, ok, err := i.store.Get(ctx, StorageKey)
		if err != nil {
			logger.Warn("Failed to read session id", "error", err)
		} else if ok && stored != "" {
			i.id = stored
			return i.id
		}
	}

	i.id = newID()
	if i.store != nil {
		if err := i.store.Set(ctx, StorageKey, i.id, 0); err != nil {
			logger.Warn("Failed to persist session id", "error", err)
		}
	}
	logger.Debug("Created session id", "session_id", i.id)
	return i.id
}

// Read returns the identifier without creating one
func (i *Identity) Read(ctx context.Context) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.id != "" {
		return i.id, true
	}
	if i.store == nil {
		return "", false
	}
	stored, ok, err := i.store.Get(ctx, StorageKey)
	if err != nil || !ok || stored == "" {
		return "", false
	}
	i.id = stored
	return stored, true
}

// Clear forgets the identifier so the next GetOrCreate starts a new epoch
func (i *Identity) Clear(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.id = ""
	if i.store == nil {
		return nil
	}
	return i.store.Delete(ctx, StorageKey)
}

// newID returns a UUIDv7: a millisecond timestamp followed by random bits
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
