package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"
)

const pebbleSessionPrefix = "session/"

// PebbleStore is a Pebble-backed implementation of the Store interface.
// Sessions are serialized with CBOR.
type PebbleStore struct {
	db     *pebble.DB
	mu     sync.RWMutex
	closed bool
}

// PebbleStoreConfig configures the Pebble store
type PebbleStoreConfig struct {
	Path string
	Opts *pebble.Options
}

// sessionData is the serializable representation of a session
type sessionData struct {
	ClientID       string                     `json:"client_id" cbor:"1,keyasint"`
	CleanSession   bool                       `json:"clean_session" cbor:"2,keyasint"`
	State          State                      `json:"state" cbor:"3,keyasint"`
	CreatedAt      time.Time                  `json:"created_at" cbor:"4,keyasint"`
	LastActiveAt   time.Time                  `json:"last_active_at" cbor:"5,keyasint"`
	Subscriptions  map[string]*Subscription   `json:"subscriptions" cbor:"6,keyasint"`
	PendingPublish map[uint16]*PendingPublish `json:"pending_publish" cbor:"7,keyasint"`
}

// sessionToData converts a Session to sessionData for serialization
func sessionToData(s *Session) *sessionData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &sessionData{
		ClientID:       s.ClientID,
		CleanSession:   s.CleanSession,
		State:          s.State,
		CreatedAt:      s.CreatedAt,
		LastActiveAt:   s.LastActiveAt,
		Subscriptions:  s.Subscriptions,
		PendingPublish: s.PendingPublish,
	}
}

// dataToSession converts sessionData back to a Session
func dataToSession(data *sessionData) *Session {
	s := &Session{
		ClientID:       data.ClientID,
		CleanSession:   data.CleanSession,
		State:          data.State,
		CreatedAt:      data.CreatedAt,
		LastActiveAt:   data.LastActiveAt,
		Subscriptions:  data.Subscriptions,
		PendingPublish: data.PendingPublish,
	}
	if s.Subscriptions == nil {
		s.Subscriptions = make(map[string]*Subscription)
	}
	if s.PendingPublish == nil {
		s.PendingPublish = make(map[uint16]*PendingPublish)
	}
	return s
}

// NewPebbleStore creates a new Pebble-based session store
func NewPebbleStore(config PebbleStoreConfig) (*PebbleStore, error) {
	opts := config.Opts
	if opts == nil {
		opts = &pebble.Options{
			ErrorIfExists: false,
		}
	}

	db, err := pebble.Open(config.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}

	return &PebbleStore{db: db}, nil
}

// makeKey creates a Pebble key for a client ID
func makeKey(clientID string) []byte {
	return []byte(pebbleSessionPrefix + clientID)
}

// Save stores or updates a session
func (p *PebbleStore) Save(ctx context.Context, session *Session) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrStoreClosed
	}
	p.mu.RUnlock()

	data := sessionToData(session)
	value, err := cbor.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := p.db.Set(makeKey(session.GetClientID()), value, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

// Load retrieves a session by client ID
func (p *PebbleStore) Load(ctx context.Context, clientID string) (*Session, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	p.mu.RUnlock()

	value, closer, err := p.db.Get(makeKey(clientID))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	defer closer.Close()

	var data sessionData
	if err := cbor.Unmarshal(value, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return dataToSession(&data), nil
}

// Delete removes a session
func (p *PebbleStore) Delete(ctx context.Context, clientID string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrStoreClosed
	}
	p.mu.RUnlock()

	if err := p.db.Delete(makeKey(clientID), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	return nil
}

// Exists checks if a session exists
func (p *PebbleStore) Exists(ctx context.Context, clientID string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return false, ErrStoreClosed
	}
	p.mu.RUnlock()

	_, closer, err := p.db.Get(makeKey(clientID))
	if err != nil {
		if err == pebble.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}
	_ = closer.Close()

	return true, nil
}

// List returns all session client IDs
func (p *PebbleStore) List(ctx context.Context) ([]string, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	p.mu.RUnlock()

	prefix := []byte(pebbleSessionPrefix)
	upperBound := []byte(pebbleSessionPrefix + "\xff")

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var clientIDs []string
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		clientIDs = append(clientIDs, string(key[len(prefix):]))
	}

	return clientIDs, nil
}

// Close closes the store
func (p *PebbleStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrStoreClosed
	}

	p.closed = true
	return p.db.Close()
}
