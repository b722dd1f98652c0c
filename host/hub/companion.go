package hub

import "github.com/ardnew/softhub/pkg"

// linkCompanion pairs h with a registered hub reporting the same Container
// ID.
func (d *Driver) linkCompanion(h *Hub) {
	id, ok := h.device.ContainerID()
	if !ok {
		return
	}
	for _, other := range d.registry.Hubs() {
		if other == h {
			continue
		}
		if oid, ok := other.device.ContainerID(); !ok || oid != id {
			continue
		}
		other.mu.Lock()
		if other.companion != nil {
			other.mu.Unlock()
			continue
		}
		other.companion = h
		other.mu.Unlock()

		h.mu.Lock()
		h.companion = other
		h.mu.Unlock()
		pkg.LogInfo(pkg.ComponentHub, "companion hub", "hub", h, "companion", other, "container", id)
		return
	}
}

func (d *Driver) unlinkCompanion(h *Hub) {
	h.mu.Lock()
	peer := h.companion
	h.companion = nil
	h.mu.Unlock()
	if peer == nil {
		return
	}
	peer.mu.Lock()
	if peer.companion == h {
		peer.companion = nil
	}
	peer.mu.Unlock()
}
