package client

import (
	"errors"
	"fmt"

	"github.com/axmq/courier/encoding"
)

var (
	ErrClientIDInUse     = errors.New("client id already registered")
	ErrEmptyClientID     = errors.New("client id must not be empty")
	ErrNotConnected      = errors.New("not connected")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrConnackTimeout    = errors.New("timed out waiting for CONNACK")
	ErrKeepAliveTimeout  = errors.New("keep-alive timeout: no PINGRESP")
	ErrShutdown          = errors.New("client shut down")
	ErrNoDialer          = errors.New("no dialer configured")

	// ErrSessionPresentOnClean is fatal: the broker claimed a resumed
	// session although the CONNECT asked for a clean one
	ErrSessionPresentOnClean = errors.New("broker resumed a session on a clean connect")
)

// ProtocolViolationError is raised when the broker sends a packet that is
// inappropriate for the connection state. It is fatal: the connection
// process terminates and the supervisor decides whether to restart.
type ProtocolViolationError struct {
	Expected encoding.PacketType
	Got      encoding.PacketType
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: expected %v, got %v", e.Expected, e.Got)
}
