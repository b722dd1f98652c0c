package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ardnew/softhub/host"
	"github.com/ardnew/softhub/host/hal"
	"github.com/ardnew/softhub/host/hubclass"
	"github.com/ardnew/softhub/pkg"
)

// debounce waits until port has reported a connection for a full debounce
// window. A disconnected reading restarts the window; too many restarts
// fail with pkg.ErrDeviceNotResponding.
func (d *Driver) debounce(ctx context.Context, h *Hub, port uint8) (hubclass.Status, error) {
	t := d.cfg.Timing
	var st hubclass.Status
	restarts := 0
	var stable time.Duration
	for stable < t.DebounceTime {
		if err := sleep(ctx, t.DebounceStep); err != nil {
			return st, err
		}
		var err error
		if st, err = d.status(ctx, h, port); err != nil {
			return st, err
		}
		if st.Connected() {
			stable += t.DebounceStep
			continue
		}

		if err := d.clearPortFeature(ctx, h, hubclass.FeatureCPortConnection, port); err != nil {
			pkg.LogDebug(pkg.ComponentPort, "debounce clear failed", "hub", h, "port", port, "error", err)
		}
		restarts++
		if restarts >= d.cfg.MaxDebounceErrors {
			pkg.LogWarn(pkg.ComponentPort, "port never settled", "hub", h, "port", port)
			return st, pkg.ErrDeviceNotResponding
		}
		stable = 0
	}
	return st, nil
}

// reset drives PORT_RESET until the port reports the reset complete and
// enabled, then returns the speed of the attached device. A port that never
// completes is suspended.
func (d *Driver) reset(ctx context.Context, h *Hub, port uint8) (hal.Speed, error) {
	t := d.cfg.Timing
	super := h.SuperSpeed()
	err := pkg.ErrDeviceNotResponding

	for try := 0; try < d.cfg.ResetTries; try++ {
		if err = d.setPortFeature(ctx, h, hubclass.FeaturePortReset, port); err != nil {
			continue
		}

		delay := t.ResetShortDelay
		for poll := 0; poll < d.cfg.ResetPolls; poll++ {
			if e := sleep(ctx, delay); e != nil {
				return hal.SpeedUnknown, e
			}
			delay = t.ResetLongDelay

			st, e := d.status(ctx, h, port)
			if e != nil {
				err = e
				continue
			}
			if !st.Connected() {
				pkg.LogDebug(pkg.ComponentPort, "disconnected during reset", "hub", h, "port", port)
				return hal.SpeedUnknown, pkg.ErrDeviceNotResponding
			}
			if st.Changed(hubclass.PortChangeReset) && st.Enabled() {
				if e := d.clearPortFeature(ctx, h, hubclass.FeatureCPortReset, port); e != nil {
					pkg.LogDebug(pkg.ComponentPort, "reset change clear failed", "hub", h, "port", port, "error", e)
				}
				speed := st.Speed(super)
				pkg.LogDebug(pkg.ComponentPort, "port reset", "hub", h, "port", port, "speed", speed)
				return speed, nil
			}
			err = pkg.ErrDeviceNotResponding
		}
	}

	pkg.LogWarn(pkg.ComponentPort, "port reset failed", "hub", h, "port", port, "error", err)
	d.park(ctx, h, port)
	return hal.SpeedUnknown, err
}

// park suspends a port that could not be brought up. Root hub ports are
// left alone.
func (d *Driver) park(ctx context.Context, h *Hub, port uint8) {
	if h.IsRoot() {
		return
	}
	var err error
	if h.SuperSpeed() {
		err = d.feature(ctx, h, true, hubclass.FeaturePortLinkState, port, uint8(hubclass.LinkU3))
	} else {
		err = errors.Join(
			d.setPortFeature(ctx, h, hubclass.FeaturePortSuspend, port),
			d.clearPortFeature(ctx, h, hubclass.FeaturePortSuspend, port),
		)
	}
	if err != nil {
		pkg.LogWarn(pkg.ComponentPort, "port suspend failed", "hub", h, "port", port, "error", err)
		return
	}
	pkg.LogInfo(pkg.ComponentPort, "port suspended", "hub", h, "port", port)
}

// checkChain rejects a connection on h that would exceed the hub chain
// limit and reports it to the OTG layer.
func (d *Driver) checkChain(h *Hub) error {
	if tierOf(h.device) < d.cfg.MaxHubChain {
		return nil
	}
	pkg.LogWarn(pkg.ComponentPort, "hub chain too deep", "hub", h, "limit", d.cfg.MaxHubChain)
	d.stack.ReportOTGStatus(host.OTGStatusMaxHubExceeded)
	return pkg.ErrHubChainExceeded
}

// connect debounces, resets and enumerates the device on port. A port that
// cannot be enumerated is suspended unless it belongs to the root hub.
func (d *Driver) connect(ctx context.Context, h *Hub, port uint8) error {
	if _, err := d.debounce(ctx, h, port); err != nil {
		return err
	}

	err := pkg.ErrDeviceNotResponding
	for try := 0; try < d.cfg.EnumRetries; try++ {
		var speed hal.Speed
		if speed, err = d.reset(ctx, h, port); err != nil {
			return err
		}

		if old := h.Child(int(port)); old != nil {
			pkg.LogDebug(pkg.ComponentPort, "replacing stale device", "hub", h, "port", port, "device", old)
			if e := d.removeChild(ctx, h, int(port), old); e != nil {
				pkg.LogDebug(pkg.ComponentPort, "stale device teardown", "error", e)
			}
		}

		var dev *host.Device
		if dev, err = d.stack.Enumerate(ctx, h.device, int(port), speed); err == nil {
			h.setChild(int(port), dev)
			return nil
		}
		pkg.LogWarn(pkg.ComponentPort, "enumeration failed",
			"hub", h,
			"port", port,
			"try", try+1,
			"error", err)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		st, e := d.status(ctx, h, port)
		if e == nil && !st.Connected() {
			if e := d.clearPortFeature(ctx, h, hubclass.FeatureCPortConnection, port); e != nil {
				pkg.LogDebug(pkg.ComponentPort, "connection change clear failed", "error", e)
			}
			return fmt.Errorf("port %d disconnected: %w", port, err)
		}
	}

	d.park(ctx, h, port)
	return err
}
