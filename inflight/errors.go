package inflight

import "errors"

var (
	ErrPacketIDExhausted = errors.New("packet identifier pool exhausted")
	ErrPacketIDNotFound  = errors.New("packet identifier not found")
	ErrProtocolViolation = errors.New("acknowledgment out of sequence")
	ErrSessionCleared    = errors.New("session cleared before acknowledgment")
	ErrTrackerClosed     = errors.New("tracker closed")
	ErrConnectionDropped = errors.New("connection dropped before acknowledgment")
	ErrInvalidQoS        = errors.New("invalid QoS level")
)
