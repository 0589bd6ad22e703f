package client

import (
	"sync"
)

// Registry is the process-wide map from client id to its live
// connection. Connections register on start and deregister when they
// reach a terminal state.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
	}
}

// register claims a client id. A second live connection with the same id
// is rejected.
func (r *Registry) register(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[c.opts.ClientID]; exists {
		return ErrClientIDInUse
	}
	r.clients[c.opts.ClientID] = c
	return nil
}

// deregister releases a client id. Only the registered connection may
// release it.
func (r *Registry) deregister(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.clients[c.opts.ClientID]; ok && current == c {
		delete(r.clients, c.opts.ClientID)
	}
}

// Get looks up a live connection by client id
func (r *Registry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	return c, ok
}

// List returns the client ids of every live connection
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}

// DefaultRegistry is the process-wide registry used unless an
// Options.Registry overrides it
var DefaultRegistry = NewRegistry()
