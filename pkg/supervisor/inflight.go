package supervisor

import "sync"

// InFlightRegistry tracks executes in progress by script ID, so a second
// execute for the same script is rejected and a running one can be
// cancelled.
//
// All methods are safe for concurrent access.
type InFlightRegistry struct {
	mu      sync.Mutex
	entries map[string]func()
}

// NewInFlightRegistry creates a new empty registry.
func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{entries: make(map[string]func())}
}

// TryRegister records an execute for id. It returns false, without
// replacing anything, when id is already registered.
func (r *InFlightRegistry) TryRegister(id string, cancel func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.entries[id]; busy {
		return false
	}
	r.entries[id] = cancel
	return true
}

// Cancel calls the cancel function registered for id. Returns false if id
// is not in flight. The entry stays until the execute calls Remove.
func (r *InFlightRegistry) Cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.entries[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Remove drops id once its execute has finished.
func (r *InFlightRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Len returns the number of executes in flight.
func (r *InFlightRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
