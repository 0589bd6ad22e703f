package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/axmq/courier/encoding"
)

// Scripted in-memory transport. Each dial attempt is matched against a
// ConnScript: either a canned dial failure, or a pipe whose broker side
// is driven step by step. Tests assert on the packets the broker side
// observed.

// Step is one broker-side action in a connection script
type Step interface {
	isStep()
}

// Expect reads one packet and fails the script if its type differs
type Expect struct {
	Type encoding.PacketType
}

// Send encodes one packet to the client
type Send struct {
	Packet encoding.Packet
}

// CloseConn drops the connection from the broker side
type CloseConn struct{}

func (Expect) isStep()    {}
func (Send) isStep()      {}
func (CloseConn) isStep() {}

// ConnScript describes one connection attempt
type ConnScript struct {
	// DialErr fails the attempt outright when set
	DialErr error

	Steps []Step
}

// ScriptDialer replays a sequence of connection scripts, one per Dial
type ScriptDialer struct {
	mu        sync.Mutex
	scripts   []*ConnScript
	dials     int
	received  []encoding.Packet
	scriptErr error
	done      chan struct{}
}

// NewScriptDialer builds a dialer that serves the given scripts in order
func NewScriptDialer(scripts ...*ConnScript) *ScriptDialer {
	return &ScriptDialer{
		scripts: scripts,
		done:    make(chan struct{}, len(scripts)),
	}
}

// Dial consumes the next script. Attempts past the end of the script list
// are refused.
func (d *ScriptDialer) Dial(ctx context.Context, addr string) (Transport, error) {
	d.mu.Lock()
	if d.dials >= len(d.scripts) {
		d.dials++
		d.mu.Unlock()
		return nil, ErrConnectionRefused
	}
	script := d.scripts[d.dials]
	d.dials++
	d.mu.Unlock()

	if script.DialErr != nil {
		return nil, script.DialErr
	}

	clientEnd, brokerEnd := net.Pipe()

	go d.run(script, brokerEnd)

	return NewConn(clientEnd), nil
}

// run drives the broker side of one connection
func (d *ScriptDialer) run(script *ConnScript, conn net.Conn) {
	defer func() {
		_ = conn.Close()
		d.done <- struct{}{}
	}()

	for _, step := range script.Steps {
		switch s := step.(type) {
		case Expect:
			pkt, err := encoding.ReadPacket(conn)
			if err != nil {
				d.fail(fmt.Errorf("script: expected %v, read failed: %w", s.Type, err))
				return
			}
			d.record(pkt)
			if pkt.Type() != s.Type {
				d.fail(fmt.Errorf("script: expected %v, got %v", s.Type, pkt.Type()))
				return
			}
		case Send:
			if err := s.Packet.Encode(conn); err != nil {
				d.fail(fmt.Errorf("script: send %v: %w", s.Packet.Type(), err))
				return
			}
		case CloseConn:
			return
		}
	}

	// Script exhausted: keep draining so client writes on the pipe do not
	// block, recording whatever else arrives (e.g. DISCONNECT).
	for {
		pkt, err := encoding.ReadPacket(conn)
		if err != nil {
			return
		}
		d.record(pkt)
	}
}

func (d *ScriptDialer) record(pkt encoding.Packet) {
	d.mu.Lock()
	d.received = append(d.received, pkt)
	d.mu.Unlock()
}

func (d *ScriptDialer) fail(err error) {
	d.mu.Lock()
	if d.scriptErr == nil {
		d.scriptErr = err
	}
	d.mu.Unlock()
}

// Received returns every packet the broker side has observed, in order
func (d *ScriptDialer) Received() []encoding.Packet {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]encoding.Packet, len(d.received))
	copy(out, d.received)
	return out
}

// ReceivedOfType filters Received by packet type
func (d *ScriptDialer) ReceivedOfType(t encoding.PacketType) []encoding.Packet {
	var out []encoding.Packet
	for _, pkt := range d.Received() {
		if pkt.Type() == t {
			out = append(out, pkt)
		}
	}
	return out
}

// Dials reports how many connection attempts were made
func (d *ScriptDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Err returns the first script mismatch, if any
func (d *ScriptDialer) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scriptErr
}

// Done receives one value per completed connection script
func (d *ScriptDialer) Done() <-chan struct{} {
	return d.done
}
