package inflight

import (
	"sync"

	"github.com/axmq/courier/encoding"
)

// OutboundState tracks an outbound QoS 1/2 publish through its
// acknowledgment sequence
type OutboundState byte

const (
	StateUnsent OutboundState = iota
	StatePublishSent
	StatePubrecReceived // QoS 2 only
	StatePubrelSent     // QoS 2 only
)

// Outbound is one in-flight outbound publish
type Outbound struct {
	PacketID uint16
	Topic    string
	Payload  []byte
	QoS      encoding.QoS
	Retain   bool
	State    OutboundState

	token *Token
	seq   uint64
}

// Token returns the awaitable handle for this publish
func (o *Outbound) Token() *Token {
	return o.token
}

// Replay is one packet to re-emit after a non-clean reconnect
type Replay struct {
	// Publish is set for QoS 1 and for QoS 2 messages that never saw a
	// PUBREC; it carries DUP=1
	Publish *encoding.PublishPacket

	// Pubrel is set for QoS 2 messages past the PUBREC stage
	Pubrel *encoding.PubrelPacket
}

// Tracker owns the per-client QoS 1/2 state machines and the packet
// identifier pool. SUBSCRIBE and UNSUBSCRIBE share the identifier space
// with outbound publishes, so their pending exchanges live here too.
type Tracker struct {
	mu sync.Mutex

	outbound     map[uint16]*Outbound
	pendingSub   map[uint16]*Token
	pendingUnsub map[uint16]*Token

	// QoS 2 inbound: ids received but not yet released by PUBREL
	received map[uint16]struct{}

	nextPacketID uint16
	nextSeq      uint64
	closed       bool
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		outbound:     make(map[uint16]*Outbound),
		pendingSub:   make(map[uint16]*Token),
		pendingUnsub: make(map[uint16]*Token),
		received:     make(map[uint16]struct{}),
		nextPacketID: 1,
	}
}

// allocatePacketID draws the next free identifier. Wraps at 0xFFFF,
// skips 0 and every id currently in use. Must be called with the lock
// held.
func (t *Tracker) allocatePacketID() (uint16, error) {
	inUse := len(t.outbound) + len(t.pendingSub) + len(t.pendingUnsub)
	if inUse >= 0xFFFF {
		return 0, ErrPacketIDExhausted
	}

	for {
		packetID := t.nextPacketID
		t.nextPacketID++
		if t.nextPacketID == 0 {
			t.nextPacketID = 1
		}

		if _, exists := t.outbound[packetID]; exists {
			continue
		}
		if _, exists := t.pendingSub[packetID]; exists {
			continue
		}
		if _, exists := t.pendingUnsub[packetID]; exists {
			continue
		}
		return packetID, nil
	}
}

// RegisterPublish allocates a packet id and records an outbound QoS 1/2
// publish. QoS 0 publishes never enter the tracker.
func (t *Tracker) RegisterPublish(topic string, payload []byte, qos encoding.QoS, retain bool) (*Outbound, error) {
	if qos != encoding.QoS1 && qos != encoding.QoS2 {
		return nil, ErrInvalidQoS
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTrackerClosed
	}

	packetID, err := t.allocatePacketID()
	if err != nil {
		return nil, err
	}

	out := &Outbound{
		PacketID: packetID,
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retain:   retain,
		State:    StateUnsent,
		token:    newToken(),
		seq:      t.nextSeq,
	}
	t.nextSeq++
	t.outbound[packetID] = out

	return out, nil
}

// MarkPublishSent transitions a registered publish to the sent state
func (t *Tracker) MarkPublishSent(packetID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if out, ok := t.outbound[packetID]; ok && out.State == StateUnsent {
		out.State = StatePublishSent
	}
}

// RegisterSubscribe allocates a packet id for a SUBSCRIBE exchange
func (t *Tracker) RegisterSubscribe() (uint16, *Token, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, nil, ErrTrackerClosed
	}

	packetID, err := t.allocatePacketID()
	if err != nil {
		return 0, nil, err
	}

	token := newToken()
	t.pendingSub[packetID] = token
	return packetID, token, nil
}

// RegisterUnsubscribe allocates a packet id for an UNSUBSCRIBE exchange
func (t *Tracker) RegisterUnsubscribe() (uint16, *Token, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, nil, ErrTrackerClosed
	}

	packetID, err := t.allocatePacketID()
	if err != nil {
		return 0, nil, err
	}

	token := newToken()
	t.pendingUnsub[packetID] = token
	return packetID, token, nil
}

// HandlePuback completes a QoS 1 publish
func (t *Tracker) HandlePuback(packetID uint16) error {
	t.mu.Lock()
	out, ok := t.outbound[packetID]
	if !ok {
		t.mu.Unlock()
		return ErrPacketIDNotFound
	}
	if out.QoS != encoding.QoS1 {
		t.mu.Unlock()
		return ErrProtocolViolation
	}
	delete(t.outbound, packetID)
	t.mu.Unlock()

	out.token.complete(nil)
	return nil
}

// HandlePubrec advances a QoS 2 publish past the PUBREC stage. The caller
// sends the returned PUBREL and then calls MarkPubrelSent.
func (t *Tracker) HandlePubrec(packetID uint16) (*encoding.PubrelPacket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out, ok := t.outbound[packetID]
	if !ok {
		return nil, ErrPacketIDNotFound
	}
	if out.QoS != encoding.QoS2 || out.State == StateUnsent {
		return nil, ErrProtocolViolation
	}

	out.State = StatePubrecReceived
	return &encoding.PubrelPacket{PacketID: packetID}, nil
}

// MarkPubrelSent records that the PUBREL for a QoS 2 publish went out
func (t *Tracker) MarkPubrelSent(packetID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if out, ok := t.outbound[packetID]; ok && out.State == StatePubrecReceived {
		out.State = StatePubrelSent
	}
}

// HandlePubcomp completes a QoS 2 publish. A PUBCOMP for a message that
// never reached the PUBREC stage is a protocol violation.
func (t *Tracker) HandlePubcomp(packetID uint16) error {
	t.mu.Lock()
	out, ok := t.outbound[packetID]
	if !ok {
		t.mu.Unlock()
		return ErrPacketIDNotFound
	}
	if out.State != StatePubrecReceived && out.State != StatePubrelSent {
		t.mu.Unlock()
		return ErrProtocolViolation
	}
	delete(t.outbound, packetID)
	t.mu.Unlock()

	out.token.complete(nil)
	return nil
}

// HandleSuback resolves a pending SUBSCRIBE with its granted QoS list
func (t *Tracker) HandleSuback(packetID uint16, returnCodes []byte) error {
	t.mu.Lock()
	token, ok := t.pendingSub[packetID]
	if !ok {
		t.mu.Unlock()
		return ErrPacketIDNotFound
	}
	delete(t.pendingSub, packetID)
	t.mu.Unlock()

	token.completeWithGrants(nil, returnCodes)
	return nil
}

// HandleUnsuback resolves a pending UNSUBSCRIBE
func (t *Tracker) HandleUnsuback(packetID uint16) error {
	t.mu.Lock()
	token, ok := t.pendingUnsub[packetID]
	if !ok {
		t.mu.Unlock()
		return ErrPacketIDNotFound
	}
	delete(t.pendingUnsub, packetID)
	t.mu.Unlock()

	token.complete(nil)
	return nil
}

// ReceiveQoS2 records an inbound QoS 2 publish and reports whether this
// is the first sighting of the id. Duplicates must still be answered with
// PUBREC but must not be redelivered to the handler.
func (t *Tracker) ReceiveQoS2(packetID uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.received[packetID]; exists {
		return false
	}
	t.received[packetID] = struct{}{}
	return true
}

// ReleaseQoS2 clears an inbound QoS 2 id on PUBREL and reports whether it
// was held. The caller sends PUBCOMP either way.
func (t *Tracker) ReleaseQoS2(packetID uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.received[packetID]; !exists {
		return false
	}
	delete(t.received, packetID)
	return true
}

// PendingReplay returns the packets to re-emit after a non-clean
// reconnect, in original submission order: unacked publishes with DUP=1,
// and PUBREL for QoS 2 messages past the PUBREC stage (PUBREL carries no
// DUP flag).
func (t *Tracker) PendingReplay() []Replay {
	t.mu.Lock()
	defer t.mu.Unlock()

	ordered := make([]*Outbound, 0, len(t.outbound))
	for _, out := range t.outbound {
		ordered = append(ordered, out)
	}
	// Insertion order by sequence number
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j-1].seq > ordered[j].seq; j-- {
			ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
		}
	}

	replays := make([]Replay, 0, len(ordered))
	for _, out := range ordered {
		switch out.State {
		case StatePubrecReceived, StatePubrelSent:
			replays = append(replays, Replay{
				Pubrel: &encoding.PubrelPacket{PacketID: out.PacketID},
			})
		default:
			replays = append(replays, Replay{
				Publish: &encoding.PublishPacket{
					FixedHeader: encoding.FixedHeader{
						Type:   encoding.PUBLISH,
						DUP:    true,
						QoS:    out.QoS,
						Retain: out.Retain,
					},
					TopicName: out.Topic,
					PacketID:  out.PacketID,
					Payload:   out.Payload,
				},
			})
		}
	}

	return replays
}

// FailPending fails every pending SUBSCRIBE/UNSUBSCRIBE exchange. Called
// on connection loss; publish state is kept for replay.
func (t *Tracker) FailPending(err error) {
	t.mu.Lock()
	subs := t.pendingSub
	unsubs := t.pendingUnsub
	t.pendingSub = make(map[uint16]*Token)
	t.pendingUnsub = make(map[uint16]*Token)
	t.mu.Unlock()

	for _, token := range subs {
		token.complete(err)
	}
	for _, token := range unsubs {
		token.complete(err)
	}
}

// Clear wipes every in-flight record. Outstanding tokens fail with
// ErrSessionCleared. Used before a clean-session reconnect.
func (t *Tracker) Clear() {
	t.mu.Lock()
	outbound := t.outbound
	subs := t.pendingSub
	unsubs := t.pendingUnsub
	t.outbound = make(map[uint16]*Outbound)
	t.pendingSub = make(map[uint16]*Token)
	t.pendingUnsub = make(map[uint16]*Token)
	t.received = make(map[uint16]struct{})
	t.mu.Unlock()

	for _, out := range outbound {
		out.token.complete(ErrSessionCleared)
	}
	for _, token := range subs {
		token.complete(ErrSessionCleared)
	}
	for _, token := range unsubs {
		token.complete(ErrSessionCleared)
	}
}

// Close fails everything and rejects further registrations
func (t *Tracker) Close(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	outbound := t.outbound
	subs := t.pendingSub
	unsubs := t.pendingUnsub
	t.outbound = make(map[uint16]*Outbound)
	t.pendingSub = make(map[uint16]*Token)
	t.pendingUnsub = make(map[uint16]*Token)
	t.mu.Unlock()

	if err == nil {
		err = ErrTrackerClosed
	}
	for _, out := range outbound {
		out.token.complete(err)
	}
	for _, token := range subs {
		token.complete(err)
	}
	for _, token := range unsubs {
		token.complete(err)
	}
}

// InflightCount reports outbound publishes not yet terminally acked
func (t *Tracker) InflightCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outbound)
}
