package hub

import (
	"sort"
	"sync"
)

// Registry tracks the live, authenticated client of every user.
// At most one client is registered per user id.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Register stores c under its user id and returns the client it replaced,
// if any. The caller is responsible for closing the replaced client.
func (r *Registry) Register(c *Client) (previous *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID := c.UserID()
	previous = r.clients[userID]
	if previous == c {
		previous = nil
	}
	r.clients[userID] = c
	return previous
}

// Remove unregisters c. It reports false when c is not the registered
// client for its user, e.g. because it was superseded.
func (r *Registry) Remove(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID := c.UserID()
	if current, ok := r.clients[userID]; ok && current == c {
		delete(r.clients, userID)
		return true
	}
	return false
}

// Get returns the live client for userID
func (r *Registry) Get(userID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[userID]
	return c, ok
}

// Snapshot returns the registered clients ordered by user id
func (r *Registry) Snapshot() []*Client {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	sort.Slice(clients, func(i, j int) bool { return clients[i].UserID() < clients[j].UserID() })
	return clients
}

// Len returns the number of registered clients
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
