package host

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ardnew/softhub/host/hal"
	"github.com/ardnew/softhub/pkg"
)

// Transfer represents a USB transfer request.
type Transfer struct {
	// Device address
	Address uint8

	// Endpoint address (0x00-0x0F for OUT, 0x80-0x8F for IN)
	Endpoint uint8

	// Transfer type
	Type hal.TransferType

	// Data buffer (for all transfers)
	Data []byte

	// Setup packet (for control transfers only)
	Setup *hal.SetupPacket

	// Callback when transfer completes
	Callback func(*Transfer, int, error)

	// Context for cancellation
	Context context.Context

	// Internal state
	id        uint64
	completed int32
	result    int
	err       error
}

// IsComplete returns true if the transfer has completed.
func (t *Transfer) IsComplete() bool {
	return atomic.LoadInt32(&t.completed) != 0
}

// Result returns the transfer result.
func (t *Transfer) Result() (int, error) {
	return t.result, t.err
}

// TransferManager executes transfers asynchronously.
//
// Control transfers run on a fixed worker pool. Interrupt transfers may block
// for as long as their endpoint has nothing to report, so each runs on its
// own goroutine.
type TransferManager struct {
	host *Host

	// Pending transfers (by ID)
	pending   map[uint64]*Transfer
	pendingMu sync.RWMutex

	// Next transfer ID
	nextID uint64

	// Worker pool
	workers int
	jobs    chan *Transfer
	wg      sync.WaitGroup

	// State
	running bool
	stateMu sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewTransferManager creates a new transfer manager.
func NewTransferManager(host *Host, workers int) *TransferManager {
	if workers < 1 {
		workers = 1
	}
	return &TransferManager{
		host:    host,
		pending: make(map[uint64]*Transfer),
		workers: workers,
	}
}

// Start starts the transfer manager.
func (tm *TransferManager) Start(ctx context.Context) error {
	tm.stateMu.Lock()
	defer tm.stateMu.Unlock()
	if tm.running {
		return pkg.ErrAlreadyRunning
	}

	tm.ctx, tm.cancel = context.WithCancel(ctx)
	tm.jobs = make(chan *Transfer, 100)
	tm.running = true

	for i := 0; i < tm.workers; i++ {
		tm.wg.Add(1)
		go tm.worker(i)
	}

	return nil
}

// Stop cancels outstanding transfers and stops the workers.
func (tm *TransferManager) Stop() error {
	if tm.cancel != nil {
		tm.cancel()
	}

	tm.stateMu.Lock()
	if !tm.running {
		tm.stateMu.Unlock()
		return nil
	}
	tm.running = false
	close(tm.jobs)
	tm.stateMu.Unlock()

	tm.wg.Wait()
	return nil
}

// Submit submits a transfer for execution.
func (tm *TransferManager) Submit(t *Transfer) (uint64, error) {
	tm.stateMu.RLock()
	defer tm.stateMu.RUnlock()
	if !tm.running {
		return 0, pkg.ErrNotRunning
	}

	t.id = atomic.AddUint64(&tm.nextID, 1)

	tm.pendingMu.Lock()
	tm.pending[t.id] = t
	tm.pendingMu.Unlock()

	if t.Type == hal.TransferInterrupt {
		go tm.executeTransfer(t)
		return t.id, nil
	}

	select {
	case tm.jobs <- t:
		return t.id, nil
	case <-tm.ctx.Done():
		tm.pendingMu.Lock()
		delete(tm.pending, t.id)
		tm.pendingMu.Unlock()
		return 0, pkg.ErrCancelled
	}
}

// worker processes transfers.
func (tm *TransferManager) worker(id int) {
	defer tm.wg.Done()
	pkg.LogDebug(pkg.ComponentTransfer, "transfer worker started", "id", id)

	for t := range tm.jobs {
		tm.executeTransfer(t)
	}

	pkg.LogDebug(pkg.ComponentTransfer, "transfer worker stopped", "id", id)
}

// executeTransfer executes a single transfer.
func (tm *TransferManager) executeTransfer(t *Transfer) {
	ctx := t.Context
	if ctx == nil {
		ctx = tm.ctx
	}

	var n int
	var err error

	if ctx.Err() != nil {
		err = ctx.Err()
	} else {
		switch t.Type {
		case hal.TransferControl:
			if t.Setup == nil {
				err = pkg.ErrInvalidParameter
			} else {
				n, err = tm.host.hal.ControlTransfer(ctx, hal.DeviceAddress(t.Address), t.Setup, t.Data)
			}

		case hal.TransferInterrupt:
			n, err = tm.host.hal.InterruptTransfer(ctx, hal.DeviceAddress(t.Address), t.Endpoint, t.Data)

		default:
			err = pkg.ErrNotSupported
		}
	}

	if errors.Is(err, context.Canceled) {
		err = pkg.ErrCancelled
	}

	t.result = n
	t.err = err
	atomic.StoreInt32(&t.completed, 1)

	tm.completeTransfer(t)
}

// completeTransfer handles transfer completion.
func (tm *TransferManager) completeTransfer(t *Transfer) {
	tm.pendingMu.Lock()
	delete(tm.pending, t.id)
	tm.pendingMu.Unlock()

	if t.err != nil {
		pkg.LogDebug(pkg.ComponentTransfer, "transfer completed",
			"address", t.Address,
			"endpoint", t.Endpoint,
			"status", pkg.StatusOf(t.err))
	}

	if t.Callback != nil {
		t.Callback(t, t.result, t.err)
	}
}

// PendingCount returns the number of pending transfers.
func (tm *TransferManager) PendingCount() int {
	tm.pendingMu.RLock()
	defer tm.pendingMu.RUnlock()
	return len(tm.pending)
}

// SubmitControl queues a control transfer to dev. done is called from a
// transfer goroutine with the data stage length and the outcome; a transfer
// cancelled by device removal reports pkg.ErrCancelled.
func (h *Host) SubmitControl(dev *Device, setup *hal.SetupPacket, data []byte, done func(int, error)) error {
	if dev == nil || setup == nil {
		return pkg.ErrInvalidParameter
	}
	s := *setup
	_, err := h.transfers.Submit(&Transfer{
		Address:  dev.address,
		Type:     hal.TransferControl,
		Setup:    &s,
		Data:     data,
		Context:  dev.ctx,
		Callback: completion(done),
	})
	return err
}

// SubmitInterrupt queues an interrupt IN transfer on endpoint of dev.
// Completion is reported like SubmitControl.
func (h *Host) SubmitInterrupt(dev *Device, endpoint uint8, data []byte, done func(int, error)) error {
	if dev == nil {
		return pkg.ErrInvalidParameter
	}
	_, err := h.transfers.Submit(&Transfer{
		Address:  dev.address,
		Endpoint: endpoint,
		Type:     hal.TransferInterrupt,
		Data:     data,
		Context:  dev.ctx,
		Callback: completion(done),
	})
	return err
}

func completion(done func(int, error)) func(*Transfer, int, error) {
	if done == nil {
		return nil
	}
	return func(_ *Transfer, n int, err error) { done(n, err) }
}
