package hub

import (
	"sync"

	"github.com/ardnew/softhub/host"
	"github.com/ardnew/softhub/pkg"
)

// Registry holds the attached hubs in fixed slots.
type Registry struct {
	mu    sync.RWMutex
	slots []*Hub
	count int
}

func newRegistry(capacity int) *Registry {
	return &Registry{slots: make([]*Hub, capacity)}
}

// insert places h in the first free slot.
func (r *Registry) insert(h *Hub) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.slots {
		if s == nil {
			r.slots[i] = h
			h.slot = i
			r.count++
			pkg.LogDebug(pkg.ComponentRegistry, "hub registered", "hub", h, "slot", i)
			return nil
		}
	}
	return pkg.ErrNoResources
}

// remove clears the slot of h. It returns false if h was not registered.
func (r *Registry) remove(h *Hub) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.slot < 0 || h.slot >= len(r.slots) || r.slots[h.slot] != h {
		return false
	}
	r.slots[h.slot] = nil
	r.count--
	pkg.LogDebug(pkg.ComponentRegistry, "hub unregistered", "hub", h, "slot", h.slot)
	h.slot = -1
	return true
}

// Find returns the hub owning dev, or nil.
func (r *Registry) Find(dev *host.Device) *Hub {
	if dev == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.slots {
		if h != nil && h.device == dev {
			return h
		}
	}
	return nil
}

// Hubs returns the registered hubs in slot order.
func (r *Registry) Hubs() []*Hub {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Hub, 0, r.count)
	for _, h := range r.slots {
		if h != nil {
			result = append(result, h)
		}
	}
	return result
}

// Len returns the number of registered hubs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
