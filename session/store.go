package session

import (
	"context"
	"errors"
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyExists = errors.New("session already exists")
	ErrStoreClosed          = errors.New("store is closed")
)

// Store defines the interface for session persistence. The in-memory
// store is the default: in-flight state survives reconnects within one
// process lifetime. The Redis and Pebble stores extend that to process
// restarts for embedders that want it.
type Store interface {
	// Save stores or updates a session
	Save(ctx context.Context, session *Session) error

	// Load retrieves a session by client ID
	Load(ctx context.Context, clientID string) (*Session, error)

	// Delete removes a session
	Delete(ctx context.Context, clientID string) error

	// Exists checks if a session exists
	Exists(ctx context.Context, clientID string) (bool, error)

	// List returns all session client IDs
	List(ctx context.Context) ([]string, error)

	// Close closes the store
	Close() error
}
