package hub

import (
	"context"
	"errors"

	"github.com/ardnew/softhub/host"
	"github.com/ardnew/softhub/host/hubclass"
	"github.com/ardnew/softhub/pkg"
)

// Detach is called by the host stack when a hub device leaves the bus. A
// hub with status transfers in flight is freed by the worker once they
// complete.
func (d *Driver) Detach(dev *host.Device) error {
	h := d.registry.Find(dev)
	if h == nil {
		return pkg.ErrInvalidHub
	}

	h.mu.Lock()
	if h.refs.Load() > 0 && !dev.IsRoot() {
		switch h.state {
		case StateNormal:
			h.state = StateDirty
		case StateShutdown:
			h.detached = true
		}
		state := h.state
		h.mu.Unlock()
		pkg.LogDebug(pkg.ComponentHub, "hub free deferred",
			"hub", h,
			"state", state,
			"refs", h.RefCount())
		return nil
	}
	h.detached = true
	h.mu.Unlock()

	d.free(h)
	return nil
}

// reap frees h if it is waiting for its last status transfer.
func (d *Driver) reap(h *Hub) {
	if h.refs.Load() != 0 {
		return
	}
	h.mu.Lock()
	ready := h.state == StateDirty || (h.state == StateShutdown && h.detached)
	h.mu.Unlock()
	if ready {
		d.free(h)
	}
}

// free unregisters h and breaks its companion link. It is safe to call more
// than once.
func (d *Driver) free(h *Hub) {
	h.mu.Lock()
	if h.freed {
		h.mu.Unlock()
		return
	}
	h.freed = true
	peer := h.companion
	h.companion = nil
	h.mu.Unlock()

	if peer != nil {
		peer.mu.Lock()
		if peer.companion == h {
			peer.companion = nil
		}
		peer.mu.Unlock()
	}

	if d.registry.remove(h) {
		pkg.LogInfo(pkg.ComponentHub, "hub freed", "hub", h)
	}
}

// shutdown tears down every device below h, depth first, then removes h
// itself from the bus. h must not be locked by the caller.
func (d *Driver) shutdown(ctx context.Context, h *Hub) {
	pkg.LogInfo(pkg.ComponentHub, "hub shutdown", "hub", h)

	for port := 1; port <= hubclass.MaxPorts; port++ {
		if child := h.Child(port); child != nil {
			d.release(ctx, h, port, child)
		}
	}

	h.mu.Lock()
	h.state = StateShutdown
	h.mu.Unlock()

	addr := h.device.Address()
	parent := h.device.Parent()
	if err := d.stack.Deenumerate(h.device); err != nil && !errors.Is(err, pkg.ErrNoDevice) {
		pkg.LogWarn(pkg.ComponentHub, "hub deenumerate failed", "hub", h, "error", err)
	}
	if d.cfg.SuperSpeed && parent != nil {
		if err := d.stack.DeinitDevice(parent, addr); err != nil {
			pkg.LogDebug(pkg.ComponentHub, "controller deinit failed", "hub", h, "error", err)
		}
	}
}

// deenumerate removes a plain device attached below h.
func (d *Driver) deenumerate(h *Hub, dev *host.Device) {
	addr := dev.Address()
	if err := d.stack.Deenumerate(dev); err != nil && !errors.Is(err, pkg.ErrNoDevice) {
		pkg.LogWarn(pkg.ComponentHub, "deenumerate failed", "device", dev, "error", err)
	}
	if d.cfg.SuperSpeed {
		if err := d.stack.DeinitDevice(h.device, addr); err != nil {
			pkg.LogDebug(pkg.ComponentHub, "controller deinit failed", "device", dev, "error", err)
		}
	}
}

// release tears down child, recursing into it if it is a hub, and empties
// its slot on h.
func (d *Driver) release(ctx context.Context, h *Hub, port int, child *host.Device) {
	if sub := d.registry.Find(child); sub != nil {
		d.shutdown(ctx, sub)
	} else {
		d.deenumerate(h, child)
	}
	h.setChild(port, nil)
}

// removeChild disables the port of a detached device and releases it.
func (d *Driver) removeChild(ctx context.Context, h *Hub, port int, child *host.Device) error {
	var err error
	if !d.cfg.SuperSpeed && d.registry.Find(child) == nil {
		err = d.clearPortFeature(ctx, h, hubclass.FeaturePortEnable, uint8(port))
	}
	d.release(ctx, h, port, child)
	return err
}
