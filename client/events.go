package client

import (
	"sync"
	"time"

	"github.com/axmq/courier/transport"
)

// EventKind selects which engine events a subscriber receives
type EventKind byte

const (
	// EventStatus fires on connection status changes (up/down)
	EventStatus EventKind = iota

	// EventPingResponse fires with the round-trip time of each PINGRESP
	EventPingResponse

	// EventConnection fires with the live transport handle after each
	// successful CONNACK
	EventConnection
)

// WildcardClient subscribes to an event kind for every client id
const WildcardClient = ""

// Event is one engine notification
type Event struct {
	ClientID string
	Kind     EventKind

	// Status is set for EventStatus
	Status Status

	// RTT is set for EventPingResponse
	RTT time.Duration

	// Transport is set for EventConnection
	Transport transport.Transport
}

type busKey struct {
	clientID string
	kind     EventKind
}

// Bus fans engine events out to subscribers registered per
// (clientID, kind) or per (wildcard, kind). Delivery is non-blocking: a
// subscriber that stops draining its channel loses events rather than
// stalling the engine.
type Bus struct {
	mu   sync.RWMutex
	subs map[busKey][]chan Event
}

// NewBus creates an empty event bus
func NewBus() *Bus {
	return &Bus{
		subs: make(map[busKey][]chan Event),
	}
}

// Subscribe registers for events of one kind, for one client id or
// WildcardClient. The returned cancel function removes the subscription
// and closes the channel.
func (b *Bus) Subscribe(clientID string, kind EventKind) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	key := busKey{clientID: clientID, kind: kind}

	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		channels := b.subs[key]
		for i, c := range channels {
			if c == ch {
				b.subs[key] = append(channels[:i], channels[i+1:]...)
				close(ch)
				return
			}
		}
	}

	return ch, cancel
}

// Publish delivers an event to exact and wildcard subscribers
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[busKey{clientID: evt.ClientID, kind: evt.Kind}] {
		select {
		case ch <- evt:
		default:
		}
	}
	for _, ch := range b.subs[busKey{clientID: WildcardClient, kind: evt.Kind}] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// DefaultBus is the process-wide event bus used by clients unless an
// Options.Bus overrides it
var DefaultBus = NewBus()
