package isapi

import "sync"

// Registry caches one Client per device endpoint. Clients are stateless, so
// insert-or-fetch races are harmless; LoadOrStore keeps exactly one instance
// per key for the life of the process.
type Registry struct {
	clients sync.Map // host[:port] -> *Client
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Client returns the cached client for host, creating it on first use with
// the given credentials and options. Later calls for the same host return the
// first client created, regardless of the arguments.
func (r *Registry) Client(host, username, password string, opts ...Option) *Client {
	if c, ok := r.clients.Load(host); ok {
		return c.(*Client)
	}
	created := NewClient(host, username, password, opts...)
	actual, _ := r.clients.LoadOrStore(host, created)
	return actual.(*Client)
}
