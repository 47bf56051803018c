// Package registry maps authenticated users to their live connection. It is
// the only shared mutable structure on the delivery path and is rebuilt from
// nothing on every process start.
package registry

import "sync"

// Handle is a live connection that can receive encoded frames.
type Handle interface {
	WriteMessage(data []byte) error
}

// Registry is a goroutine-safe userID -> Handle map. A user has at most one
// registered handle; registering again replaces the previous handle without
// closing it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int64]Handle
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{sessions: make(map[int64]Handle)}
}

// Register associates userID with h, replacing any prior handle.
func (r *Registry) Register(userID int64, h Handle) {
	r.mu.Lock()
	r.sessions[userID] = h
	r.mu.Unlock()
}

// Unregister removes userID. It is a no-op if the user is not registered.
func (r *Registry) Unregister(userID int64) {
	r.mu.Lock()
	delete(r.sessions, userID)
	r.mu.Unlock()
}

// Release removes userID only if h is still its registered handle, and
// reports whether it did. A connection that was superseded by a newer one for
// the same user releases nothing.
func (r *Registry) Release(userID int64, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[userID]
	if !ok || cur != h {
		return false
	}
	delete(r.sessions, userID)
	return true
}

// Lookup returns the handle registered for userID.
func (r *Registry) Lookup(userID int64) (Handle, bool) {
	r.mu.RLock()
	h, ok := r.sessions[userID]
	r.mu.RUnlock()
	return h, ok
}

// AllActive returns a snapshot of the registered user ids. The slice is safe
// to iterate while other goroutines register and unregister.
func (r *Registry) AllActive() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	return ids
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.sessions)
	r.mu.RUnlock()
	return n
}
