// Package server tracks the set of known chat rooms in creation order.
package server

import "sync"

// RoomRegistry owns the set of known room names. Rooms are created on demand
// and never removed for the lifetime of the process.
type RoomRegistry struct {
	mu    sync.RWMutex
	known map[string]struct{}
	order []string
}

// NewRoomRegistry creates a registry seeded with the given rooms, preserving
// their order. The seed normally comes from HistoryStore.Rooms so the two
// key sets start in sync.
func NewRoomRegistry(seed []string) *RoomRegistry {
	r := &RoomRegistry{
		known: make(map[string]struct{}, len(seed)),
	}
	for _, name := range seed {
		if _, ok := r.known[name]; ok {
			continue
		}
		r.known[name] = struct{}{}
		r.order = append(r.order, name)
	}
	return r
}

// Ensure adds the room to the known set if it is not already present.
// Calling it again for the same room is a no-op.
func (r *RoomRegistry) Ensure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.known[name]; ok {
		return
	}
	r.known[name] = struct{}{}
	r.order = append(r.order, name)
}

// List returns all known rooms in the order they were first created.
func (r *RoomRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}
