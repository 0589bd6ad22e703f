package client

import (
	"time"

	"github.com/axmq/courier/encoding"
	"github.com/axmq/courier/pkg/logger"
	"github.com/axmq/courier/session"
	"github.com/axmq/courier/transport"
)

// Will is the last-will message carried in the CONNECT packet. The broker
// publishes it on ungraceful disconnect; the client never does.
type Will struct {
	Topic   string
	Payload []byte
	QoS     encoding.QoS
	Retain  bool
}

// Options configures a connection
type Options struct {
	// ClientID keys the connection. Required, non-empty UTF-8. Two live
	// connections with the same id in one process are rejected.
	ClientID string

	// Dialer establishes transports; Addr is passed through to it
	Dialer transport.Dialer
	Addr   string

	// Handler receives inbound messages and lifecycle callbacks;
	// HandlerArgs is passed to its Init hook
	Handler     Handler
	HandlerArgs any

	// CleanSession requests a fresh broker session on the first CONNECT.
	// Automatic reconnects always send clean_session=false so the session
	// resumes, unless ForceCleanSession is set.
	CleanSession bool

	// ForceCleanSession sends clean_session=true on every reconnect, for
	// callers that want a fresh session on each attempt
	ForceCleanSession bool

	// KeepAlive is the CONNECT keep-alive in seconds; 0 disables pings
	KeepAlive uint16

	Will     *Will
	Username string
	Password []byte

	// InitialSubscriptions is sent immediately after every successful
	// CONNACK
	InitialSubscriptions []encoding.Subscription

	Backoff BackoffConfig

	// FirstConnectDelay staggers the very first connect attempt
	FirstConnectDelay time.Duration

	// ConnackTimeout bounds the wait for CONNACK after CONNECT
	ConnackTimeout time.Duration

	// Store persists session state; defaults to a per-client memory store
	Store session.Store

	// Bus receives status/ping/connection events; defaults to DefaultBus
	Bus *Bus

	// Registry tracks live client ids; defaults to DefaultRegistry
	Registry *Registry

	Logger logger.Logger
}

// DefaultOptions returns the option defaults; ClientID, Dialer, and Addr
// still have to be set
func DefaultOptions() Options {
	return Options{
		CleanSession:   true,
		KeepAlive:      60,
		Backoff:        DefaultBackoffConfig(),
		ConnackTimeout: 60 * time.Second,
	}
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Handler == nil {
		opts.Handler = NopHandler{}
	}
	if opts.ConnackTimeout <= 0 {
		opts.ConnackTimeout = 60 * time.Second
	}
	if opts.Backoff.MinInterval == 0 && opts.Backoff.MaxInterval == 0 {
		opts.Backoff = DefaultBackoffConfig()
	}
	if opts.Bus == nil {
		opts.Bus = DefaultBus
	}
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry
	}
	if opts.Store == nil {
		opts.Store = session.NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return opts
}
