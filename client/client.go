package client

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/axmq/courier/encoding"
	"github.com/axmq/courier/inflight"
	"github.com/axmq/courier/pkg/logger"
	"github.com/axmq/courier/session"
	"github.com/axmq/courier/transport"
)

// State is the connection state machine position
type State byte

const (
	StateInitial State = iota
	StateConnecting
	StateAwaitingConnack
	StateConnected
	StateBackoff
	StateRefused  // terminal: broker rejected the CONNECT
	StateShutdown // terminal: user-initiated disconnect or fatal error
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateConnecting:
		return "connecting"
	case StateAwaitingConnack:
		return "awaiting_connack"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateRefused:
		return "refused"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Client is one MQTT connection: a reconnecting session engine keyed by
// client id. All session state is mutated by the connection's own
// goroutines; the user API synchronizes through the send gate and the
// tracker.
type Client struct {
	opts    Options
	sess    *session.Session
	tracker *inflight.Tracker
	log     logger.Logger

	mu              sync.Mutex
	state           State
	stateCh         chan struct{}
	conn            transport.Transport
	heldQoS2        map[uint16]*encoding.PublishPacket
	pendingSubs     map[uint16][]encoding.Subscription
	pendingUnsubs   map[uint16][]string
	pingOutstanding bool
	pingSentAt      time.Time
	lastSend        time.Time

	// sendMu is the send gate: one packet at a time on the wire
	sendMu sync.Mutex

	backoff      *backoff
	firstConnect bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	doneErr  error
}

// New validates the options, registers the client id, initializes the
// handler, and starts the connection process.
func New(opts Options) (*Client, error) {
	if opts.ClientID == "" {
		return nil, ErrEmptyClientID
	}
	if opts.Dialer == nil {
		return nil, ErrNoDialer
	}

	o := opts.withDefaults()

	c := &Client{
		opts:          o,
		sess:          session.New(o.ClientID, o.CleanSession),
		tracker:       inflight.NewTracker(),
		log:           o.Logger,
		state:         StateInitial,
		stateCh:       make(chan struct{}),
		heldQoS2:      make(map[uint16]*encoding.PublishPacket),
		pendingSubs:   make(map[uint16][]encoding.Subscription),
		pendingUnsubs: make(map[uint16][]string),
		backoff:       newBackoff(o.Backoff),
		firstConnect:  true,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	if err := o.Handler.Init(o.HandlerArgs); err != nil {
		return nil, err
	}

	if err := o.Registry.register(c); err != nil {
		return nil, err
	}

	go c.run()

	return c, nil
}

// State returns the current state machine position
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection reaches a terminal state
func (c *Client) Done() <-chan struct{} {
	return c.doneCh
}

// Err returns the terminal reason after Done is closed. ErrShutdown for a
// graceful disconnect.
func (c *Client) Err() error {
	select {
	case <-c.doneCh:
		return c.doneErr
	default:
		return nil
	}
}

// Disconnect triggers a graceful shutdown: DISCONNECT on the wire if
// connected, transport closed, terminal state reached. Blocks until the
// connection process has exited.
func (c *Client) Disconnect() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	<-c.doneCh
	return nil
}

// Connection hands out the live transport for opportunistic direct use.
// Blocks until the connection is up, the client reaches a terminal state,
// or the context is done.
func (c *Client) Connection(ctx context.Context) (transport.Transport, error) {
	for {
		c.mu.Lock()
		state := c.state
		conn := c.conn
		ch := c.stateCh
		c.mu.Unlock()

		switch state {
		case StateConnected:
			return conn, nil
		case StateRefused, StateShutdown:
			return nil, ErrUnknownConnection
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Subscriptions returns the granted subscription set
func (c *Client) Subscriptions() map[string]*session.Subscription {
	return c.sess.GetAllSubscriptions()
}

// Publish enqueues an outbound publish. QoS 0 resolves immediately after
// the write; QoS 1/2 return a token that resolves on the terminal
// acknowledgment.
func (c *Client) Publish(topic string, payload []byte, qos encoding.QoS, retain bool) (*inflight.Token, error) {
	if err := encoding.ValidateTopicName(topic); err != nil {
		return nil, err
	}
	if !qos.IsValid() {
		return nil, encoding.ErrInvalidQoS
	}

	conn, err := c.connected()
	if err != nil {
		return nil, err
	}

	if qos == encoding.QoS0 {
		pkt := &encoding.PublishPacket{
			FixedHeader: encoding.FixedHeader{Type: encoding.PUBLISH, QoS: qos, Retain: retain},
			TopicName:   topic,
			Payload:     payload,
		}
		if err := c.send(conn, pkt); err != nil {
			return nil, err
		}
		return inflight.CompletedToken(), nil
	}

	out, err := c.tracker.RegisterPublish(topic, payload, qos, retain)
	if err != nil {
		return nil, err
	}

	pkt := &encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.PUBLISH, QoS: qos, Retain: retain},
		TopicName:   topic,
		PacketID:    out.PacketID,
		Payload:     payload,
	}
	if err := c.send(conn, pkt); err != nil {
		// The record stays in the tracker; it is replayed on reconnect
		return out.Token(), err
	}
	c.tracker.MarkPublishSent(out.PacketID)

	return out.Token(), nil
}

// Subscribe sends a SUBSCRIBE for the given filters. The token resolves
// on SUBACK with the granted QoS list.
func (c *Client) Subscribe(subs ...encoding.Subscription) (*inflight.Token, error) {
	if len(subs) == 0 {
		return nil, encoding.ErrEmptySubscriptionList
	}
	for _, sub := range subs {
		if err := encoding.ValidateTopicFilter(sub.TopicFilter); err != nil {
			return nil, err
		}
		if !sub.QoS.IsValid() {
			return nil, encoding.ErrInvalidQoS
		}
	}

	conn, err := c.connected()
	if err != nil {
		return nil, err
	}

	packetID, token, err := c.tracker.RegisterSubscribe()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.pendingSubs[packetID] = subs
	c.mu.Unlock()

	pkt := &encoding.SubscribePacket{PacketID: packetID, Subscriptions: subs}
	if err := c.send(conn, pkt); err != nil {
		return token, err
	}

	return token, nil
}

// Unsubscribe sends an UNSUBSCRIBE for the given topics. The token
// resolves on UNSUBACK.
func (c *Client) Unsubscribe(topics ...string) (*inflight.Token, error) {
	if len(topics) == 0 {
		return nil, encoding.ErrEmptyUnsubscribeList
	}
	for _, topic := range topics {
		if err := encoding.ValidateTopicFilter(topic); err != nil {
			return nil, err
		}
	}

	conn, err := c.connected()
	if err != nil {
		return nil, err
	}

	packetID, token, err := c.tracker.RegisterUnsubscribe()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.pendingUnsubs[packetID] = topics
	c.mu.Unlock()

	pkt := &encoding.UnsubscribePacket{PacketID: packetID, TopicFilters: topics}
	if err := c.send(conn, pkt); err != nil {
		return token, err
	}

	return token, nil
}

// connected snapshots the live transport or fails
func (c *Client) connected() (transport.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected || c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// send encodes one packet through the send gate
func (c *Client) send(conn transport.Transport, pkt encoding.Packet) error {
	var buf bytes.Buffer
	if err := pkt.Encode(&buf); err != nil {
		return err
	}

	c.sendMu.Lock()
	_, err := conn.Write(buf.Bytes())
	c.sendMu.Unlock()

	if err == nil {
		c.mu.Lock()
		c.lastSend = time.Now()
		c.mu.Unlock()
	}

	return err
}

func (c *Client) setState(state State, conn transport.Transport) {
	c.mu.Lock()
	c.state = state
	c.conn = conn
	close(c.stateCh)
	c.stateCh = make(chan struct{})
	c.mu.Unlock()
	c.log.Debug("state change", "client_id", c.opts.ClientID, "state", state.String())
}

// cleanSessionForAttempt applies the clean-session policy: honor the
// user's choice on the first connect; reconnects force false so the
// session resumes, unless the user asked for clean on every attempt.
func (c *Client) cleanSessionForAttempt() bool {
	if c.firstConnect {
		return c.opts.CleanSession
	}
	return c.opts.ForceCleanSession
}

// run is the connection process: the state machine loop
func (c *Client) run() {
	if c.opts.FirstConnectDelay > 0 {
		select {
		case <-time.After(c.opts.FirstConnectDelay):
		case <-c.stopCh:
			c.terminate(ErrShutdown)
			return
		}
	}

	for {
		select {
		case <-c.stopCh:
			c.terminate(ErrShutdown)
			return
		default:
		}

		reason, fatal := c.connectOnce()
		if fatal {
			c.terminate(reason)
			return
		}

		// Transient failure: wait out the backoff before the next attempt
		delay := c.backoff.Next()
		c.log.Info("reconnecting after backoff", "client_id", c.opts.ClientID,
			"attempt", c.backoff.Attempt(), "delay", delay, "cause", reason)
		c.setState(StateBackoff, nil)

		select {
		case <-time.After(delay):
		case <-c.stopCh:
			c.terminate(ErrShutdown)
			return
		}
	}
}

// connectOnce runs one connect attempt through handshake and, if it gets
// that far, the connected dispatch loop. Returns (reason, fatal).
func (c *Client) connectOnce() (error, bool) {
	c.setState(StateConnecting, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	conn, err := c.opts.Dialer.Dial(ctx, c.opts.Addr)
	cancel()

	if err != nil {
		select {
		case <-c.stopCh:
			return ErrShutdown, true
		default:
		}
		if transport.IsFatal(err) {
			return err, true
		}
		c.log.Warn("connect failed", "client_id", c.opts.ClientID, "error", err)
		return err, false
	}

	clean := c.cleanSessionForAttempt()
	if clean {
		// Session state is dropped before the CONNECT goes out
		c.tracker.Clear()
		c.sess.Clear()
	}

	connect := c.buildConnect(clean)
	if err := c.send(conn, connect); err != nil {
		_ = conn.Close()
		return err, false
	}

	c.setState(StateAwaitingConnack, conn)

	incoming := make(chan encoding.Packet, 8)
	errCh := make(chan error, 1)
	go readLoop(conn, incoming, errCh)

	drain := func() {
		_ = conn.Close()
		for range incoming {
		}
	}

	connack, reason, fatal := c.awaitConnack(clean, incoming, errCh)
	if connack == nil {
		drain()
		return reason, fatal
	}

	c.firstConnect = false
	c.backoff.Reset()
	c.onConnected(conn, connack, clean)

	reason, fatal = c.dispatch(conn, incoming, errCh)
	drain()
	c.onDisconnected(fatal, reason)
	return reason, fatal
}

// awaitConnack waits for the handshake to settle
func (c *Client) awaitConnack(clean bool, incoming <-chan encoding.Packet, errCh <-chan error) (*encoding.ConnackPacket, error, bool) {
	timer := time.NewTimer(c.opts.ConnackTimeout)
	defer timer.Stop()

	select {
	case pkt, ok := <-incoming:
		if !ok {
			return nil, <-errCh, false
		}
		connack, isConnack := pkt.(*encoding.ConnackPacket)
		if !isConnack {
			return nil, &ProtocolViolationError{Expected: encoding.CONNACK, Got: pkt.Type()}, true
		}
		if connack.ReturnCode != encoding.ConnectAccepted {
			// The broker authoritatively rejected us; no retry
			return nil, &encoding.ConnackError{Code: connack.ReturnCode}, true
		}
		if clean && connack.SessionPresent {
			return nil, ErrSessionPresentOnClean, true
		}
		return connack, nil, false

	case err := <-errCh:
		return nil, err, false

	case <-timer.C:
		c.log.Warn("CONNACK timeout", "client_id", c.opts.ClientID)
		return nil, ErrConnackTimeout, false

	case <-c.stopCh:
		return nil, ErrShutdown, true
	}
}

// buildConnect assembles the CONNECT packet for one attempt
func (c *Client) buildConnect(clean bool) *encoding.ConnectPacket {
	pkt := &encoding.ConnectPacket{
		ProtocolName:  encoding.ProtocolName,
		ProtocolLevel: encoding.ProtocolLevel311,
		CleanSession:  clean,
		KeepAlive:     c.opts.KeepAlive,
		ClientID:      c.opts.ClientID,
	}

	if c.opts.Will != nil {
		pkt.WillFlag = true
		pkt.WillTopic = c.opts.Will.Topic
		pkt.WillPayload = c.opts.Will.Payload
		pkt.WillQoS = c.opts.Will.QoS
		pkt.WillRetain = c.opts.Will.Retain
	}

	if c.opts.Username != "" {
		pkt.UsernameFlag = true
		pkt.Username = c.opts.Username
	}
	if c.opts.Password != nil {
		pkt.PasswordFlag = true
		pkt.Password = c.opts.Password
	}

	return pkt
}

// onConnected runs the post-CONNACK sequence: events, handler callback,
// initial subscriptions, and in-flight replay for resumed sessions.
func (c *Client) onConnected(conn transport.Transport, connack *encoding.ConnackPacket, clean bool) {
	c.setState(StateConnected, conn)
	c.sess.SetActive()
	_ = c.opts.Store.Save(context.Background(), c.sess)

	c.log.Info("connected", "client_id", c.opts.ClientID,
		"session_present", connack.SessionPresent)

	c.opts.Bus.Publish(Event{ClientID: c.opts.ClientID, Kind: EventStatus, Status: StatusUp})
	c.opts.Bus.Publish(Event{ClientID: c.opts.ClientID, Kind: EventConnection, Transport: conn})
	c.opts.Handler.ConnectionChange(StatusUp)

	if len(c.opts.InitialSubscriptions) > 0 {
		if _, err := c.subscribeOn(conn, c.opts.InitialSubscriptions); err != nil {
			c.log.Warn("initial subscribe failed", "client_id", c.opts.ClientID, "error", err)
		}
	}

	if !clean {
		for _, replay := range c.tracker.PendingReplay() {
			var err error
			switch {
			case replay.Publish != nil:
				err = c.send(conn, replay.Publish)
			case replay.Pubrel != nil:
				err = c.send(conn, replay.Pubrel)
				if err == nil {
					c.tracker.MarkPubrelSent(replay.Pubrel.PacketID)
				}
			}
			if err != nil {
				c.log.Warn("replay failed", "client_id", c.opts.ClientID, "error", err)
				return
			}
		}
	}
}

// subscribeOn registers and sends a SUBSCRIBE on a specific transport,
// bypassing the connected-state check (used during the post-CONNACK
// sequence before user calls are admitted)
func (c *Client) subscribeOn(conn transport.Transport, subs []encoding.Subscription) (*inflight.Token, error) {
	packetID, token, err := c.tracker.RegisterSubscribe()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.pendingSubs[packetID] = subs
	c.mu.Unlock()

	pkt := &encoding.SubscribePacket{PacketID: packetID, Subscriptions: subs}
	if err := c.send(conn, pkt); err != nil {
		return token, err
	}
	return token, nil
}

// onDisconnected runs the connection-loss bookkeeping shared by the
// transient and fatal paths
func (c *Client) onDisconnected(fatal bool, reason error) {
	c.opts.Bus.Publish(Event{ClientID: c.opts.ClientID, Kind: EventStatus, Status: StatusDown})
	c.opts.Handler.ConnectionChange(StatusDown)
	c.tracker.FailPending(inflight.ErrConnectionDropped)

	c.mu.Lock()
	c.pendingSubs = make(map[uint16][]encoding.Subscription)
	c.pendingUnsubs = make(map[uint16][]string)
	c.pingOutstanding = false
	c.mu.Unlock()

	c.sess.SetDisconnected()
	c.snapshotPending()
	_ = c.opts.Store.Save(context.Background(), c.sess)

	if !fatal {
		c.log.Warn("connection lost", "client_id", c.opts.ClientID, "cause", reason)
	}
}

// snapshotPending mirrors the tracker's in-flight state into the session
// so a store-backed embedder can persist it
func (c *Client) snapshotPending() {
	pending := make(map[uint16]*session.PendingPublish)
	for _, replay := range c.tracker.PendingReplay() {
		switch {
		case replay.Publish != nil:
			pending[replay.Publish.PacketID] = &session.PendingPublish{
				PacketID:  replay.Publish.PacketID,
				Topic:     replay.Publish.TopicName,
				Payload:   replay.Publish.Payload,
				QoS:       byte(replay.Publish.FixedHeader.QoS),
				Retain:    replay.Publish.FixedHeader.Retain,
				Timestamp: time.Now(),
			}
		case replay.Pubrel != nil:
			pending[replay.Pubrel.PacketID] = &session.PendingPublish{
				PacketID:     replay.Pubrel.PacketID,
				QoS:          byte(encoding.QoS2),
				AwaitingComp: true,
				Timestamp:    time.Now(),
			}
		}
	}
	c.sess.SetPendingPublish(pending)
}

// dispatch is the connected-state loop: inbound routing, keep-alive, and
// graceful shutdown. Returns (reason, fatal).
func (c *Client) dispatch(conn transport.Transport, incoming <-chan encoding.Packet, errCh <-chan error) (error, bool) {
	var keepAlive time.Duration
	var kaTimer *time.Timer
	var kaC <-chan time.Time

	if c.opts.KeepAlive > 0 {
		keepAlive = time.Duration(c.opts.KeepAlive) * time.Second
		kaTimer = time.NewTimer(keepAlive)
		defer kaTimer.Stop()
		kaC = kaTimer.C
	}

	for {
		select {
		case pkt, ok := <-incoming:
			if !ok {
				return <-errCh, false
			}
			if reason, fatal := c.route(conn, pkt); reason != nil {
				return reason, fatal
			}

		case err := <-errCh:
			return err, false

		case <-kaC:
			dead, err := c.keepAliveTick(conn, keepAlive, kaTimer)
			if dead {
				return err, false
			}

		case <-c.stopCh:
			// Graceful: DISCONNECT on the wire, then close
			_ = c.send(conn, &encoding.DisconnectPacket{})
			return ErrShutdown, true
		}
	}
}

// keepAliveTick fires when the keep-alive timer elapses. If a ping is
// already outstanding the peer is dead; if the line has been idle since
// the last send, a PINGREQ goes out and the response window starts.
func (c *Client) keepAliveTick(conn transport.Transport, keepAlive time.Duration, timer *time.Timer) (bool, error) {
	c.mu.Lock()
	outstanding := c.pingOutstanding
	idle := time.Since(c.lastSend)
	c.mu.Unlock()

	if outstanding {
		c.log.Warn("keep-alive expired without PINGRESP", "client_id", c.opts.ClientID)
		return true, ErrKeepAliveTimeout
	}

	if idle < keepAlive {
		// Data went out recently; re-arm for the remainder
		timer.Reset(keepAlive - idle)
		return false, nil
	}

	if err := c.send(conn, &encoding.PingreqPacket{}); err != nil {
		return true, err
	}

	c.mu.Lock()
	c.pingOutstanding = true
	c.pingSentAt = time.Now()
	c.mu.Unlock()

	// Response window: PINGRESP must arrive before the next fire
	timer.Reset(keepAlive)
	return false, nil
}

// terminate moves to a terminal state and releases everything
func (c *Client) terminate(reason error) {
	state := StateShutdown
	var connackErr *encoding.ConnackError
	if errors.As(reason, &connackErr) {
		state = StateRefused
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	c.setState(state, nil)
	c.doneErr = reason

	c.tracker.Close(reason)
	c.opts.Handler.Terminate(reason)
	c.opts.Registry.deregister(c)

	if c.sess.CleanSession {
		_ = c.opts.Store.Delete(context.Background(), c.opts.ClientID)
	} else {
		c.snapshotPending()
		_ = c.opts.Store.Save(context.Background(), c.sess)
	}

	c.log.Info("terminated", "client_id", c.opts.ClientID,
		"state", state.String(), "reason", reason)

	close(c.doneCh)
}
