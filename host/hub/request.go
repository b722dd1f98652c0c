package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/ardnew/softhub/host/hal"
	"github.com/ardnew/softhub/host/hubclass"
	"github.com/ardnew/softhub/pkg"
)

// control issues one class request on the hub's default pipe and waits for
// it to complete. Requests to a hub are serialized.
func (d *Driver) control(ctx context.Context, h *Hub, setup hal.SetupPacket, data []byte) (int, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	// Drop a completion left over by a request that timed out.
	select {
	case <-h.complete:
	default:
	}

	h.seq++
	seq := h.seq
	// A timed out transfer may still read its setup packet, so each
	// request submits its own.
	pkt := setup
	done := h.complete
	err := d.stack.SubmitControl(h.device, &pkt, data, func(n int, err error) {
		select {
		case done <- ctrlResult{seq: seq, n: n, err: err}:
		default:
		}
	})
	if err != nil {
		return 0, err
	}

	timer := time.NewTimer(d.cfg.Timing.ControlTimeout)
	defer timer.Stop()
	for {
		select {
		case r := <-done:
			if r.seq != seq {
				continue
			}
			return r.n, r.err
		case <-timer.C:
			pkg.LogWarn(pkg.ComponentHub, "class request timed out",
				"hub", h,
				"setup", setup.String())
			return 0, pkg.ErrTimeout
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// feature issues SET_FEATURE or CLEAR_FEATURE to the hub (port 0) or one of
// its ports. selector fills the high byte of wIndex.
func (d *Driver) feature(ctx context.Context, h *Hub, set bool, feature uint16, port, selector uint8) error {
	setup := hubclass.FeatureRequest(set, port != 0, feature, port, selector)
	if _, err := d.control(ctx, h, setup, nil); err != nil {
		op := "clear"
		if set {
			op = "set"
		}
		return fmt.Errorf("%s feature %d port %d: %w", op, feature, port, err)
	}
	return nil
}

func (d *Driver) setPortFeature(ctx context.Context, h *Hub, feature uint16, port uint8) error {
	return d.feature(ctx, h, true, feature, port, 0)
}

func (d *Driver) clearPortFeature(ctx context.Context, h *Hub, feature uint16, port uint8) error {
	return d.feature(ctx, h, false, feature, port, 0)
}

// status reads the status and change words of port, or of the hub when port
// is 0. The result is zero on failure.
func (d *Driver) status(ctx context.Context, h *Hub, port uint8) (hubclass.Status, error) {
	var buf [hubclass.StatusSize]byte
	n, err := d.control(ctx, h, hubclass.StatusRequest(port), buf[:])
	if err != nil {
		return hubclass.Status{}, fmt.Errorf("get status port %d: %w", port, err)
	}
	if n < hubclass.StatusSize {
		return hubclass.Status{}, fmt.Errorf("get status port %d: %w", port, pkg.ErrUnderrun)
	}
	return hubclass.ParseStatus(buf[:n]), nil
}

// readDescriptor fetches and parses the hub class descriptor.
func (d *Driver) readDescriptor(ctx context.Context, h *Hub, superSpeed bool) error {
	setup := hubclass.DescriptorRequest(superSpeed, hubclass.MaxDescriptorSize)
	n, err := d.control(ctx, h, setup, h.raw[:])
	if err != nil {
		return fmt.Errorf("get hub descriptor: %w", err)
	}
	return hubclass.ParseDescriptor(h.raw[:n], &h.desc)
}

// sleep waits for dur or until ctx is done.
func sleep(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
