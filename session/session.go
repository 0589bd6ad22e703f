package session

import (
	"sync"
	"time"
)

// State represents the session lifecycle state
type State byte

const (
	StateNew          State = iota // Session is newly created
	StateActive                    // Session belongs to a connected client
	StateDisconnected              // Session is between connections
)

// Subscription is one granted topic filter. Authoritative only after the
// broker's SUBACK.
type Subscription struct {
	TopicFilter  string
	GrantedQoS   byte
	SubscribedAt time.Time
}

// PendingPublish is the serializable record of an outbound QoS 1/2
// publish that has not reached its terminal acknowledgment
type PendingPublish struct {
	PacketID     uint16
	Topic        string
	Payload      []byte
	QoS          byte
	Retain       bool
	AwaitingComp bool // QoS 2 past the PUBREC stage; replay as PUBREL
	Timestamp    time.Time
}

// Session holds the per-client-id state that survives reconnects:
// granted subscriptions and the snapshot of in-flight outbound state.
// Only the connection's controller mutates it.
type Session struct {
	mu sync.RWMutex

	ClientID     string
	CleanSession bool
	State        State
	CreatedAt    time.Time
	LastActiveAt time.Time

	Subscriptions  map[string]*Subscription
	PendingPublish map[uint16]*PendingPublish
}

// New creates an empty session
func New(clientID string, cleanSession bool) *Session {
	now := time.Now()
	return &Session{
		ClientID:       clientID,
		CleanSession:   cleanSession,
		State:          StateNew,
		CreatedAt:      now,
		LastActiveAt:   now,
		Subscriptions:  make(map[string]*Subscription),
		PendingPublish: make(map[uint16]*PendingPublish),
	}
}

// SetActive marks the session as connected
func (s *Session) SetActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateActive
	s.LastActiveAt = time.Now()
}

// SetDisconnected marks the session as between connections
func (s *Session) SetDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateDisconnected
}

// GetState returns the current lifecycle state
func (s *Session) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// GetClientID returns the client id
func (s *Session) GetClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ClientID
}

// AddSubscription records a granted subscription
func (s *Session) AddSubscription(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Subscriptions[sub.TopicFilter] = sub
}

// RemoveSubscription drops a subscription after UNSUBACK
func (s *Session) RemoveSubscription(topicFilter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Subscriptions, topicFilter)
}

// GetSubscription returns a subscription by topic filter
func (s *Session) GetSubscription(topicFilter string) (*Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.Subscriptions[topicFilter]
	return sub, ok
}

// GetAllSubscriptions returns a copy of the granted subscription set
func (s *Session) GetAllSubscriptions() map[string]*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := make(map[string]*Subscription, len(s.Subscriptions))
	for k, v := range s.Subscriptions {
		subs[k] = v
	}
	return subs
}

// SetPendingPublish replaces the in-flight snapshot
func (s *Session) SetPendingPublish(pending map[uint16]*PendingPublish) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PendingPublish = pending
}

// GetAllPendingPublish returns a copy of the in-flight snapshot
func (s *Session) GetAllPendingPublish() map[uint16]*PendingPublish {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := make(map[uint16]*PendingPublish, len(s.PendingPublish))
	for k, v := range s.PendingPublish {
		msgs[k] = v
	}
	return msgs
}

// Clear wipes subscriptions and in-flight state. Applied before a
// clean-session CONNECT goes out.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Subscriptions = make(map[string]*Subscription)
	s.PendingPublish = make(map[uint16]*PendingPublish)
}
