// Package presence tracks which users currently have a live connection and
// the delivery endpoint each one can be reached on. The registry is purely
// in-memory: on process restart every user is offline until they reconnect.
package presence

import "sync"

// Endpoint is a live delivery channel for one connected user. Deliver is
// fire-and-forget from the registry's point of view; no acknowledgement is
// assumed. Implementations must be comparable (pointer types are), since
// Unregister matches entries by endpoint identity.
type Endpoint interface {
	Deliver(payload any) error
}

// Registry maps a user id to at most one live endpoint. Register is an
// unconditional overwrite so a reconnect replaces the old connection.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[int64]Endpoint
}

func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[int64]Endpoint)}
}

// Register stores ep as the delivery endpoint for userID, replacing any
// previous entry (last writer wins).
func (r *Registry) Register(userID int64, ep Endpoint) {
	r.mu.Lock()
	r.endpoints[userID] = ep
	r.mu.Unlock()
}

// Unregister removes the entry for userID only if it still points at ep.
// A disconnect of an old connection racing a newer connect must not evict
// the live entry, so this is compare-and-delete, never blind delete.
func (r *Registry) Unregister(userID int64, ep Endpoint) {
	r.mu.Lock()
	if cur, ok := r.endpoints[userID]; ok && cur == ep {
		delete(r.endpoints, userID)
	}
	r.mu.Unlock()
}

// Lookup returns the live endpoint for userID, if any.
func (r *Registry) Lookup(userID int64) (Endpoint, bool) {
	r.mu.RLock()
	ep, ok := r.endpoints[userID]
	r.mu.RUnlock()
	return ep, ok
}

// Online returns the ids of all currently connected users.
func (r *Registry) Online() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.endpoints))
	for id := range r.endpoints {
		ids = append(ids, id)
	}
	return ids
}
