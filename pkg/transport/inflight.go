package transport

import (
	"context"
	"sync"
)

// InFlightRegistry tracks waiting completion requests by request ID so
// they can be cancelled explicitly. Cancelling abandons the caller's place
// in its batch; the batch itself still runs for the other callers.
//
// All methods are safe for concurrent access.
type InFlightRegistry struct {
	mu      sync.Mutex
	entries map[string]context.CancelFunc
}

// NewInFlightRegistry creates a new empty registry.
func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{
		entries: make(map[string]context.CancelFunc),
	}
}

// Register adds a waiting request. It returns false, leaving the existing
// entry in place, when id is already registered.
func (r *InFlightRegistry) Register(id string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return false
	}
	r.entries[id] = cancel
	return true
}

// Cancel calls the cancel function registered for id and removes it.
// Returns false if the ID is unknown (already finished or never existed).
func (r *InFlightRegistry) Cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// Remove drops id without cancelling it.
func (r *InFlightRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Len returns the number of registered requests.
func (r *InFlightRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
