package transport

import (
	"context"
	"net"
	"time"
)

// TCPDialer establishes plain TCP transports
type TCPDialer struct {
	// Timeout bounds the dial; zero means the context alone governs it
	Timeout time.Duration

	// KeepAlivePeriod enables OS-level TCP keep-alive probes when > 0
	KeepAlivePeriod time.Duration
}

func (d *TCPDialer) Dial(ctx context.Context, addr string) (Transport, error) {
	nd := net.Dialer{Timeout: d.Timeout}

	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ClassifyError(err)
	}

	if d.KeepAlivePeriod > 0 {
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetKeepAlive(true)
			_ = tcpConn.SetKeepAlivePeriod(d.KeepAlivePeriod)
		}
	}

	return NewConn(conn), nil
}
