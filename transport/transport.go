package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Transport is the byte stream the engine speaks MQTT over. The receiver
// owns the handle exclusively; writes are serialized by the caller.
type Transport interface {
	io.ReadWriteCloser

	// RemoteAddr returns the peer address, or nil if not applicable
	RemoteAddr() net.Addr

	// SetReadDeadline bounds the next Read call
	SetReadDeadline(t time.Time) error
}

// Dialer establishes transports. Implementations classify their failures
// through the taxonomy in errors.go so the reconnect loop can tell
// retryable from fatal.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Transport, error)
}

// Conn wraps a net.Conn as a Transport and tracks activity for
// keep-alive decisions.
type Conn struct {
	conn net.Conn

	lastSend atomic.Int64
	lastRecv atomic.Int64

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64

	closeOnce sync.Once
	closeCh   chan struct{}
	closed    atomic.Bool
}

// NewConn wraps an established net.Conn
func NewConn(conn net.Conn) *Conn {
	c := &Conn{
		conn:    conn,
		closeCh: make(chan struct{}),
	}
	now := time.Now().UnixNano()
	c.lastSend.Store(now)
	c.lastRecv.Store(now)
	return c
}

func (c *Conn) Read(b []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}

	n, err := c.conn.Read(b)
	if n > 0 {
		c.bytesRead.Add(uint64(n))
		c.lastRecv.Store(time.Now().UnixNano())
	}
	if err != nil {
		return n, ClassifyError(err)
	}

	return n, nil
}

func (c *Conn) Write(b []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}

	n, err := c.conn.Write(b)
	if n > 0 {
		c.bytesWritten.Add(uint64(n))
		c.lastSend.Store(time.Now().UnixNano())
	}
	if err != nil {
		return n, ClassifyError(err)
	}

	return n, nil
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)
		err = c.conn.Close()
	})
	return err
}

// CloseChan is closed once the transport is torn down
func (c *Conn) CloseChan() <-chan struct{} {
	return c.closeCh
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// LastSend reports when the last byte went out
func (c *Conn) LastSend() time.Time {
	return time.Unix(0, c.lastSend.Load())
}

// LastRecv reports when the last byte came in
func (c *Conn) LastRecv() time.Time {
	return time.Unix(0, c.lastRecv.Load())
}

func (c *Conn) BytesRead() uint64 {
	return c.bytesRead.Load()
}

func (c *Conn) BytesWritten() uint64 {
	return c.bytesWritten.Load()
}

var _ Transport = (*Conn)(nil)
