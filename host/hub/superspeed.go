package hub

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softhub/host"
	"github.com/ardnew/softhub/host/hubclass"
	"github.com/ardnew/softhub/pkg"
)

// superHub returns the SuperSpeed hub owning dev.
func (d *Driver) superHub(dev *host.Device) (*Hub, error) {
	h, err := d.lookup(dev)
	if err != nil {
		return nil, err
	}
	if !h.SuperSpeed() {
		return nil, fmt.Errorf("%w: %v is not a SuperSpeed hub", pkg.ErrNotSupported, h)
	}
	return h, nil
}

// SetDepth sets the hub tier used to index route strings.
func (d *Driver) SetDepth(ctx context.Context, dev *host.Device, depth uint8) error {
	h, err := d.superHub(dev)
	if err != nil {
		return err
	}
	if depth > hubclass.MaxHubDepth {
		return fmt.Errorf("%w: depth %d", pkg.ErrInvalidParameter, depth)
	}
	_, err = d.control(ctx, h, hubclass.SetDepthRequest(uint16(depth)), nil)
	return err
}

// PortErrorCount returns the link error count of port.
func (d *Driver) PortErrorCount(ctx context.Context, dev *host.Device, port uint8) (uint16, error) {
	h, err := d.superHub(dev)
	if err != nil {
		return 0, err
	}
	if err := validPort(h, port); err != nil {
		return 0, err
	}
	var buf [2]byte
	n, err := d.control(ctx, h, hubclass.PortErrorCountRequest(port), buf[:])
	if err != nil {
		return 0, err
	}
	if n < len(buf) {
		return 0, pkg.ErrUnderrun
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// SetPortTimeout sets the U1 or U2 inactivity timeout of port. feature is
// hubclass.FeaturePortU1Timeout or hubclass.FeaturePortU2Timeout.
func (d *Driver) SetPortTimeout(ctx context.Context, dev *host.Device, port uint8, feature uint16, timeout uint8) error {
	if feature != hubclass.FeaturePortU1Timeout && feature != hubclass.FeaturePortU2Timeout {
		return fmt.Errorf("%w: timeout feature %d", pkg.ErrInvalidParameter, feature)
	}
	h, err := d.superHub(dev)
	if err != nil {
		return err
	}
	if err := validPort(h, port); err != nil {
		return err
	}
	return d.feature(ctx, h, true, feature, port, timeout)
}

// SetRemoteWakeMask sets the remote wake conditions of port.
func (d *Driver) SetRemoteWakeMask(ctx context.Context, dev *host.Device, port, mask uint8) error {
	h, err := d.superHub(dev)
	if err != nil {
		return err
	}
	if err := validPort(h, port); err != nil {
		return err
	}
	return d.feature(ctx, h, true, hubclass.FeaturePortRemoteWakeMask, port, mask)
}

// SetLinkState moves the link of port to target if the transition is legal
// from the port's current link state.
func (d *Driver) SetLinkState(ctx context.Context, dev *host.Device, port uint8, target hubclass.LinkState) error {
	h, err := d.superHub(dev)
	if err != nil {
		return err
	}
	if err := validPort(h, port); err != nil {
		return err
	}
	return d.setLinkState(ctx, h, port, target)
}

func (d *Driver) setLinkState(ctx context.Context, h *Hub, port uint8, target hubclass.LinkState) error {
	st, err := d.status(ctx, h, port)
	if err != nil {
		return err
	}
	if err := hubclass.CheckTransition(st.LinkState(), target, st.Enabled()); err != nil {
		return err
	}
	pkg.LogDebug(pkg.ComponentPort, "link state",
		"hub", h,
		"port", port,
		"from", st.LinkState(),
		"to", target)
	return d.feature(ctx, h, true, hubclass.FeaturePortLinkState, port, uint8(target))
}

// SuspendLink moves the link of port to U3.
func (d *Driver) SuspendLink(ctx context.Context, dev *host.Device, port uint8) error {
	return d.SetLinkState(ctx, dev, port, hubclass.LinkU3)
}

// ResumeLink moves the link of port to U0 and acknowledges the resulting
// link state change. A port that reports no change fails with
// pkg.ErrDeviceNotResponding.
func (d *Driver) ResumeLink(ctx context.Context, dev *host.Device, port uint8) error {
	h, err := d.superHub(dev)
	if err != nil {
		return err
	}
	if err := validPort(h, port); err != nil {
		return err
	}
	if err := d.setLinkState(ctx, h, port, hubclass.LinkU0); err != nil {
		return err
	}
	st, err := d.status(ctx, h, port)
	if err != nil {
		return err
	}
	if !st.Changed(hubclass.PortChangeLinkState) {
		return pkg.ErrDeviceNotResponding
	}
	return d.clearPortFeature(ctx, h, hubclass.FeatureCPortLinkState, port)
}
