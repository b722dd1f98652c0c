package hub

import (
	"context"
	"fmt"

	"github.com/ardnew/softhub/host"
	"github.com/ardnew/softhub/host/hal"
	"github.com/ardnew/softhub/host/hubclass"
	"github.com/ardnew/softhub/pkg"
)

// undoStack runs cleanup steps in reverse order of registration.
type undoStack []func()

func (u *undoStack) push(f func()) { *u = append(*u, f) }

func (u undoStack) run() {
	for i := len(u) - 1; i >= 0; i-- {
		u[i]()
	}
}

// Match returns true for devices exposing a hub interface.
func (d *Driver) Match(dev *host.Device) bool {
	if dev == nil {
		return false
	}
	if dev.DeviceClass() == hubclass.ClassHub {
		return true
	}
	_, ok := dev.FindInterface(hubclass.ClassHub)
	return ok
}

// statusEndpoint finds the hub interface and its interrupt IN endpoint.
func statusEndpoint(dev *host.Device) (iface uint8, ep host.EndpointDescriptor, ok bool) {
	hubIface, ok := dev.FindInterface(hubclass.ClassHub)
	if !ok {
		return 0, ep, false
	}
	ep, ok = dev.FindEndpoint(func(e host.EndpointDescriptor) bool {
		return e.IsInterrupt() && e.IsIn()
	})
	return hubIface.InterfaceNumber, ep, ok
}

// Attach binds a newly enumerated hub: it reads the hub descriptor, powers
// the ports and starts status change monitoring. Every completed step is
// undone if a later one fails.
func (d *Driver) Attach(ctx context.Context, dev *host.Device) (err error) {
	if dev == nil {
		return pkg.ErrInvalidParameter
	}
	if !d.IsRunning() {
		return pkg.ErrNotRunning
	}
	if d.registry.Find(dev) != nil {
		return pkg.ErrBusy
	}

	var undo undoStack
	defer func() {
		if err != nil {
			undo.run()
			pkg.LogError(pkg.ComponentHub, "hub attach failed", "device", dev, "error", err)
		}
	}()

	h := newHub(d, dev)
	h.tier = tierOf(dev)

	iface, ep, ok := statusEndpoint(dev)
	if !ok {
		return fmt.Errorf("%w: no status change endpoint", pkg.ErrNotSupported)
	}
	h.iface = iface
	h.endpoint = ep.EndpointAddress
	h.maxPacket = int(ep.MaxPacketSize)
	if h.maxPacket < 1 {
		h.maxPacket = 1
	}
	if h.maxPacket > hubclass.StatusSize {
		h.maxPacket = hubclass.StatusSize
	}

	if dev.SelfPowered() {
		h.availablePower = hubclass.PowerBudgetSelfPowered
	} else {
		h.availablePower = hubclass.PowerBudgetBusPowered
	}

	for i := range h.status {
		h.status[i] = &statusTransfer{hub: h, index: i, buf: make([]byte, h.maxPacket)}
	}

	super := d.cfg.SuperSpeed && dev.Speed() == hal.SpeedSuper
	if err := d.readDescriptor(ctx, h, super); err != nil {
		return err
	}

	if h.SuperSpeed() && !h.IsRoot() {
		depth := h.tier - 1
		if depth > hubclass.MaxHubDepth {
			return fmt.Errorf("%w: hub depth %d", pkg.ErrHubChainExceeded, depth)
		}
		if _, err := d.control(ctx, h, hubclass.SetDepthRequest(uint16(depth)), nil); err != nil {
			return fmt.Errorf("set hub depth: %w", err)
		}
	}

	if !h.SuperSpeed() && !h.IsRoot() && dev.Speed() == hal.SpeedHigh {
		if err := d.stack.UpdateHubDevice(dev, h.desc.ThinkTime(), h.NumPorts()); err != nil {
			return fmt.Errorf("update hub device: %w", err)
		}
	}

	if !h.IsRoot() {
		if err := d.powerPorts(ctx, h); err != nil {
			return err
		}
	}

	if h.IsRoot() {
		h.isochDelay = uint32(h.desc.HubDelay)
	} else {
		parent := d.registry.Find(dev.Parent())
		if parent == nil {
			return fmt.Errorf("%w: parent of %v", pkg.ErrInvalidHub, dev)
		}
		h.isochDelay = parent.isochDelay + uint32(h.desc.HubDelay)
	}

	d.linkCompanion(h)
	undo.push(func() { d.unlinkCompanion(h) })

	if err := d.registry.insert(h); err != nil {
		return err
	}
	undo.push(func() { d.registry.remove(h) })

	if err := d.stack.ClaimInterface(dev, h.iface); err != nil {
		return fmt.Errorf("claim interface %d: %w", h.iface, err)
	}

	if err := d.submitStatus(h, h.status[0]); err != nil {
		return fmt.Errorf("submit status transfer: %w", err)
	}

	pkg.LogInfo(pkg.ComponentHub, "hub attached",
		"hub", h,
		"ports", h.NumPorts(),
		"superspeed", h.SuperSpeed(),
		"tier", h.tier,
		"power", h.availablePower)
	return nil
}

// powerPorts switches on every port that is not yet powered and waits for
// power to become good.
func (d *Driver) powerPorts(ctx context.Context, h *Hub) error {
	super := h.SuperSpeed()
	for port := 1; port <= h.NumPorts(); port++ {
		st, err := d.status(ctx, h, uint8(port))
		if err != nil {
			return err
		}
		if st.Powered(super) {
			continue
		}
		if err := d.setPortFeature(ctx, h, hubclass.FeaturePortPower, uint8(port)); err != nil {
			return err
		}
	}
	return d.settle(ctx, h)
}
