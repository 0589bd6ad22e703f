package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotBinary is returned when a WebSocket peer sends a non-binary message
var ErrNotBinary = errors.New("received web socket message is not binary")

var wsCloseMessage = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")

// WebSocketDialer establishes MQTT-over-WebSocket transports. MQTT packets
// may be chunked over several WebSocket messages or coalesced into one;
// the stream adapter below hides the message framing from the codec.
type WebSocketDialer struct {
	// TLSConfig enables wss:// when the URL scheme asks for it
	TLSConfig *tls.Config

	// Header is sent with the upgrade request
	Header http.Header

	HandshakeTimeout time.Duration
}

// Dial connects to a ws:// or wss:// URL
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := websocket.Dialer{
		TLSClientConfig:  d.TLSConfig,
		HandshakeTimeout: d.HandshakeTimeout,
		Subprotocols:     []string{"mqtt"},
	}

	conn, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		var tlsRecordErr tls.RecordHeaderError
		if errors.As(err, &tlsRecordErr) {
			return nil, &TLSError{Detail: err}
		}
		return nil, ClassifyError(err)
	}

	return &webSocketConn{conn: conn}, nil
}

// webSocketConn adapts a websocket.Conn to the byte-stream Transport
type webSocketConn struct {
	conn   *websocket.Conn
	reader io.Reader
}

func (c *webSocketConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			messageType, reader, err := c.conn.NextReader()
			if _, ok := err.(*websocket.CloseError); ok {
				return 0, ErrClosed
			} else if err != nil {
				return 0, ClassifyError(err)
			} else if messageType != websocket.BinaryMessage {
				return 0, ErrNotBinary
			}

			c.reader = reader
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			// Message drained; continue with the next one unless we
			// already have bytes to hand back
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}

		return n, err
	}
}

func (c *webSocketConn) Write(p []byte) (int, error) {
	writer, err := c.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return 0, ClassifyError(err)
	}

	n, err := writer.Write(p)
	if err != nil {
		return n, err
	}

	return n, writer.Close()
}

func (c *webSocketConn) Close() error {
	_ = c.conn.WriteMessage(websocket.CloseMessage, wsCloseMessage)
	return c.conn.Close()
}

func (c *webSocketConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *webSocketConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

var _ Transport = (*webSocketConn)(nil)
