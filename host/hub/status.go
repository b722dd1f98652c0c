package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ardnew/softhub/host/hubclass"
	"github.com/ardnew/softhub/pkg"
)

// settle waits the hub's power-on to power-good time.
func (d *Driver) settle(ctx context.Context, h *Hub) error {
	return sleep(ctx, time.Duration(h.desc.PowerOnToPowerGood)*d.cfg.Timing.PowerSettleUnit)
}

// hubStatusChange services a change reported for the hub itself.
func (d *Driver) hubStatusChange(ctx context.Context, h *Hub) error {
	st, err := d.status(ctx, h, 0)
	if err != nil {
		return err
	}

	var errs error
	if st.Changed(hubclass.HubChangeLocalPower) {
		errs = errors.Join(errs, d.feature(ctx, h, false, hubclass.FeatureCHubLocalPower, 0, 0))
	}
	if st.Changed(hubclass.HubChangeOverCurrent) {
		errs = errors.Join(errs, d.feature(ctx, h, false, hubclass.FeatureCHubOverCurrent, 0, 0))
		if st.Status&hubclass.HubStatusOverCurrent == 0 {
			pkg.LogInfo(pkg.ComponentHub, "hub over-current cleared, repowering", "hub", h)
			for port := 1; port <= h.NumPorts(); port++ {
				errs = errors.Join(errs, d.setPortFeature(ctx, h, hubclass.FeaturePortPower, uint8(port)))
			}
			errs = errors.Join(errs, d.settle(ctx, h))
		} else {
			pkg.LogWarn(pkg.ComponentHub, "hub over-current", "hub", h)
		}
	}
	return errs
}

// portStatusChange waits for the ports to settle, then services every port
// flagged in bitmap. Each change bit found set is acknowledged once;
// failures are collected and do not stop the scan.
func (d *Driver) portStatusChange(ctx context.Context, h *Hub, bitmap uint32) error {
	if err := sleep(ctx, d.cfg.Timing.PortChangeWait); err != nil {
		return err
	}

	var errs error
	for port := 1; port <= h.NumPorts(); port++ {
		if bitmap&(1<<port) == 0 {
			continue
		}
		errs = errors.Join(errs, d.servicePort(ctx, h, uint8(port)))
		if ctx.Err() != nil {
			return errors.Join(errs, ctx.Err())
		}
	}
	return errs
}

func (d *Driver) servicePort(ctx context.Context, h *Hub, port uint8) error {
	st, err := d.status(ctx, h, port)
	if err != nil {
		return err
	}
	super := h.SuperSpeed()
	pkg.LogDebug(pkg.ComponentPort, "port change",
		"hub", h,
		"port", port,
		"status", st.Status,
		"change", st.Change)

	var errs error
	ack := func(feature uint16) {
		errs = errors.Join(errs, d.clearPortFeature(ctx, h, feature, port))
	}

	// A session request on a root port restarts the device from scratch,
	// so it is turned into a connection change.
	if h.IsRoot() && st.Changed(hubclass.PortChangeSRP) {
		ack(hubclass.FeatureCPortSRP)
		if child := h.Child(int(port)); child != nil {
			pkg.LogInfo(pkg.ComponentPort, "session request, re-enumerating", "hub", h, "port", port, "device", child)
			d.release(ctx, h, int(port), child)
		}
		errs = errors.Join(errs, d.setPortFeature(ctx, h, hubclass.FeaturePortPower, port))
		st.Status |= hubclass.PortStatusConnection
		st.Change |= hubclass.PortChangeConnection
	}

	if st.Changed(hubclass.PortChangeConnection) {
		ack(hubclass.FeatureCPortConnection)
		switch {
		case !st.Connected():
			if child := h.Child(int(port)); child != nil {
				pkg.LogInfo(pkg.ComponentPort, "device disconnected", "hub", h, "port", port, "device", child)
				errs = errors.Join(errs, d.removeChild(ctx, h, int(port), child))
			}
		case d.checkChain(h) != nil:
			errs = errors.Join(errs, pkg.ErrHubChainExceeded)
		default:
			if d.cfg.SuperSpeed {
				if err := d.stack.InitDevice(h.device); err != nil {
					errs = errors.Join(errs, fmt.Errorf("init device on port %d: %w", port, err))
					break
				}
			}
			if err := d.connect(ctx, h, port); err != nil {
				pkg.LogWarn(pkg.ComponentPort, "port connect failed", "hub", h, "port", port, "error", err)
				errs = errors.Join(errs, err)
			}
		}
	}

	if !super && st.Changed(hubclass.PortChangeEnable) {
		ack(hubclass.FeatureCPortEnable)
	}
	if !super && st.Changed(hubclass.PortChangeSuspend) {
		ack(hubclass.FeatureCPortSuspend)
	}

	if st.Changed(hubclass.PortChangeOverCurrent) {
		ack(hubclass.FeatureCPortOverCurrent)
		if !st.OverCurrent() {
			errs = errors.Join(errs, d.setPortFeature(ctx, h, hubclass.FeaturePortPower, port))
			errs = errors.Join(errs, d.settle(ctx, h))
		} else {
			pkg.LogWarn(pkg.ComponentPort, "port over-current", "hub", h, "port", port)
		}
	}

	if st.Changed(hubclass.PortChangeReset) {
		ack(hubclass.FeatureCPortReset)
	}

	if super {
		if st.Changed(hubclass.PortChangeBHReset) {
			ack(hubclass.FeatureCBHPortReset)
		}
		if st.Changed(hubclass.PortChangeLinkState) {
			ack(hubclass.FeatureCPortLinkState)
		}
		if st.Changed(hubclass.PortChangeConfigError) {
			ack(hubclass.FeatureCPortConfigError)
		}
	}

	return errs
}
