package service

import (
	"context"
	"fmt"

	"github.com/gatherly/feedkit/pkg/output"
)

// ShowSession prints the persisted session identifier, creating it if needed
func (a *App) ShowSession(ctx context.Context) error {
	id := a.Session.GetOrCreate(ctx)
	return output.PrintRecord("Session", map[string]interface{}{
		"session_id": id,
		"storage":    a.Settings.StorageBackend,
	})
}

// ResetSession forgets the session identifier so the next request mints a new one
func (a *App) ResetSession(ctx context.Context) error {
	if err := a.Session.Clear(ctx); err != nil {
		return fmt.Errorf("failed to reset session: %w", err)
	}
	output.PrintSuccess("Session reset. A new session id will be created on the next request.")
	return nil
}
