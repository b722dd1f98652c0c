package hub

import (
	"context"

	"github.com/ardnew/softhub/pkg"
)

// statusTransfer is one of a hub's two ping-pong status change transfers.
type statusTransfer struct {
	hub   *Hub
	index int
	buf   []byte
	n     int
	err   error
}

// submitStatus queues t on the hub's status change endpoint. The reference
// taken for the transfer is returned if the submission fails.
func (d *Driver) submitStatus(h *Hub, t *statusTransfer) error {
	h.refs.Add(1)
	t.n, t.err = 0, nil
	err := d.stack.SubmitInterrupt(h.device, h.endpoint, t.buf, func(n int, err error) {
		t.n, t.err = n, err
		d.post(t)
	})
	if err != nil {
		h.releaseRef()
		return err
	}
	return nil
}

// post hands a completed status transfer to the worker without blocking.
func (d *Driver) post(t *statusTransfer) {
	select {
	case d.queue <- t:
		return
	default:
	}

	// The dropped transfer is no longer outstanding. The other ping-pong
	// transfer keeps monitoring alive.
	h := t.hub
	h.releaseRef()
	if h.State() != StateNormal {
		d.reap(h)
		return
	}
	pkg.LogWarn(pkg.ComponentWorker, "status change dropped",
		"hub", h,
		"status", pkg.StatusOf(t.err))
}

// run drains the queue until ctx is done.
func (d *Driver) run(ctx context.Context) {
	defer d.wg.Done()
	pkg.LogDebug(pkg.ComponentWorker, "worker started")
	for {
		select {
		case <-ctx.Done():
			pkg.LogDebug(pkg.ComponentWorker, "worker stopped")
			return
		case t := <-d.queue:
			d.process(ctx, t)
		}
	}
}

// process handles one completed status transfer.
func (d *Driver) process(ctx context.Context, t *statusTransfer) {
	h := t.hub
	h.releaseRef()

	h.mu.Lock()
	state, freed := h.state, h.freed
	h.mu.Unlock()
	if freed {
		return
	}
	if state != StateNormal {
		d.reap(h)
		return
	}

	status := pkg.StatusOf(t.err)
	switch status {
	case pkg.TransferStatusSuccess:
		h.errorCount = 0
	case pkg.TransferStatusCancelled:
	default:
		h.errorCount++
		pkg.LogWarn(pkg.ComponentWorker, "status transfer failed",
			"hub", h,
			"status", status,
			"errors", h.errorCount)
		if h.errorCount >= d.cfg.ErrorThreshold {
			d.abandon(ctx, h)
			return
		}
	}

	next := h.status[(t.index+1)%len(h.status)]
	if err := d.submitStatus(h, next); err != nil {
		pkg.LogError(pkg.ComponentWorker, "status transfer resubmit failed", "hub", h, "error", err)
		d.reap(h)
	}

	if status != pkg.TransferStatusSuccess {
		return
	}

	bitmap := decodeBitmap(t.buf[:t.n])
	pkg.LogDebug(pkg.ComponentWorker, "status change", "hub", h, "bitmap", bitmap)
	if bitmap&1 != 0 {
		if err := d.hubStatusChange(ctx, h); err != nil {
			pkg.LogWarn(pkg.ComponentHub, "hub status change", "hub", h, "error", err)
		}
	}
	if bitmap&^1 != 0 {
		if err := d.portStatusChange(ctx, h, bitmap); err != nil {
			pkg.LogWarn(pkg.ComponentPort, "port status change", "hub", h, "error", err)
		}
	}
}

// abandon shuts down a hub whose status endpoint keeps failing and detaches
// it from its parent.
func (d *Driver) abandon(ctx context.Context, h *Hub) {
	pkg.LogError(pkg.ComponentWorker, "hub error threshold reached",
		"hub", h,
		"errors", h.errorCount)

	parent := d.registry.Find(h.device.Parent())
	d.shutdown(ctx, h)
	if parent != nil {
		parent.setChild(h.device.Port(), nil)
	}
}

// decodeBitmap reads a little-endian status change bitmap. Bit 0 is the hub,
// bit n is port n.
func decodeBitmap(b []byte) uint32 {
	var m uint32
	for i := 0; i < len(b) && i < 4; i++ {
		m |= uint32(b[i]) << (8 * i)
	}
	return m
}
