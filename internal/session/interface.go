// Package session provides the conversation state store: one ConversationState
// per session id, behind drivers for process memory and Redis.
package session

import (
	"context"
	"errors"

	"convcore/pkg/convtypes"
)

// Common errors for session store operations.
var (
	ErrInvalidConfig    = errors.New("invalid session store configuration")
	ErrInvalidStoreType = errors.New("invalid session store type")
	ErrNotFound         = errors.New("session not found")
	ErrStoreClosed      = errors.New("session store closed")
)

// Store defines the interface for conversation state storage.
// Implementations store and return copies; callers never share state with the store.
type Store interface {
	// Get retrieves a session by ID.
	// Returns nil if the session is not found (not an error).
	Get(ctx context.Context, id string) (*convtypes.ConversationState, error)

	// Save inserts or replaces the session keyed by state.SessionID.
	Save(ctx context.Context, state *convtypes.ConversationState) error

	// Delete removes a session by ID. Deleting an unknown session is not an error.
	Delete(ctx context.Context, id string) error

	// Len returns the number of stored sessions.
	Len(ctx context.Context) (int, error)

	// Close releases any resources held by the store.
	Close() error
}

// Pinner is implemented by stores that evict on their own. A pinned session
// is never evicted, which keeps sessions alive while a turn is in flight.
type Pinner interface {
	Pin(id string)
	Unpin(id string)
}
