package transport

import (
	"sync"

	"github.com/kandev/codepilot/pkg/protocol"
)

// registry holds removable listeners in registration order.
type registry struct {
	mu      sync.RWMutex
	nextID  uint64
	entries []registryEntry
}

type registryEntry struct {
	id uint64
	fn Listener
}

func newRegistry() *registry {
	return &registry{}
}

func (r *registry) add(fn Listener) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.entries = append(r.entries, registryEntry{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return
		}
	}
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *registry) clear() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
}

// dispatch calls every listener outside the lock so listeners may
// unsubscribe themselves.
func (r *registry) dispatch(msg *protocol.Message) {
	r.mu.RLock()
	snapshot := make([]Listener, len(r.entries))
	for i, e := range r.entries {
		snapshot[i] = e.fn
	}
	r.mu.RUnlock()

	for _, fn := range snapshot {
		fn(msg)
	}
}
