package client

import (
	"sync"

	"github.com/tliron/commonlog"
)

// Registry tracks every connection opened within one execution scope so
// that end-of-scope cleanup can tear them all down, including those
// whose queries aborted partway.
type Registry struct {
	log commonlog.Logger

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		log:   commonlog.GetLogger("client"),
		conns: make(map[*Conn]struct{}),
	}
}

// Add enrolls a connection for end-of-scope cleanup.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

// Remove drops a connection that was closed deliberately before the
// scope ended.
func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll closes every tracked connection. Close failures are logged,
// not returned; cleanup must visit every connection regardless.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[*Conn]struct{})
	r.mu.Unlock()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			r.log.Warningf("close connection: %s", err.Error())
		}
	}
}
