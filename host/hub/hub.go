package hub

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/softhub/host"
	"github.com/ardnew/softhub/host/hubclass"
)

// State is the lifecycle state of an attached hub.
type State int32

// Hub lifecycle states.
const (
	// StateNormal hubs are monitored and serviced.
	StateNormal State = iota
	// StateDirty hubs were removed while status transfers were in flight.
	// They are freed when the last transfer completes.
	StateDirty
	// StateShutdown hubs had their subtree torn down. Completions are
	// counted and dropped.
	StateShutdown
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateDirty:
		return "dirty"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ctrlResult is the completion of one hub class request.
type ctrlResult struct {
	seq uint64
	n   int
	err error
}

// Hub is a hub bound to the driver.
type Hub struct {
	driver *Driver
	device *host.Device
	slot   int

	raw  [hubclass.MaxDescriptorSize]byte
	desc hubclass.Descriptor

	iface     uint8
	endpoint  uint8
	maxPacket int

	// tier counts hubs between this hub and the root hub, inclusive of
	// this one; the root hub is tier 0.
	tier           int
	isochDelay     uint32
	availablePower uint16

	// lock serializes class requests; seq belongs to the holder.
	lock     sync.Mutex
	seq      uint64
	complete chan ctrlResult

	status     [2]*statusTransfer
	refs       atomic.Int32
	errorCount int // worker only

	mu        sync.Mutex
	state     State
	detached  bool
	freed     bool
	children  [hubclass.MaxPorts + 1]*host.Device
	companion *Hub
}

func newHub(d *Driver, dev *host.Device) *Hub {
	return &Hub{
		driver:   d,
		device:   dev,
		slot:     -1,
		complete: make(chan ctrlResult, 2),
	}
}

// String identifies the hub in logs.
func (h *Hub) String() string {
	if h.device == nil {
		return "hub"
	}
	return h.device.String()
}

// Device returns the hub's own device.
func (h *Hub) Device() *host.Device { return h.device }

// IsRoot returns true for the host controller's root hub.
func (h *Hub) IsRoot() bool { return h.device.IsRoot() }

// NumPorts returns the number of downstream ports.
func (h *Hub) NumPorts() int { return int(h.desc.NumPorts) }

// Descriptor returns the parsed hub descriptor.
func (h *Hub) Descriptor() hubclass.Descriptor { return h.desc }

// SuperSpeed returns true for a hub using the USB 3.0 descriptor.
func (h *Hub) SuperSpeed() bool { return h.desc.SuperSpeed() }

// Tier returns the number of hub tiers between the root hub and this hub.
func (h *Hub) Tier() int { return h.tier }

// IsochDelay returns the accumulated wHubDelay of this hub and its
// ancestors, in ns.
func (h *Hub) IsochDelay() uint32 { return h.isochDelay }

// AvailablePower returns the per-port power budget in mA.
func (h *Hub) AvailablePower() uint16 { return h.availablePower }

// RefCount returns the number of status transfers in flight.
func (h *Hub) RefCount() int { return int(h.refs.Load()) }

// State returns the lifecycle state.
func (h *Hub) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Child returns the device attached to port, or nil.
func (h *Hub) Child(port int) *host.Device {
	if port < 1 || port > hubclass.MaxPorts {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.children[port]
}

// Companion returns the USB 3.0 peer sharing this hub's Container ID.
func (h *Hub) Companion() *Hub {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.companion
}

func (h *Hub) setChild(port int, dev *host.Device) {
	h.mu.Lock()
	h.children[port] = dev
	h.mu.Unlock()
}

// releaseRef drops one status transfer reference without going below zero.
func (h *Hub) releaseRef() int32 {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return 0
		}
		if h.refs.CompareAndSwap(n, n-1) {
			return n - 1
		}
	}
}

// tierOf counts the non-root devices from dev up to the root hub.
func tierOf(dev *host.Device) int {
	n := 0
	for p := dev; p != nil && !p.IsRoot(); p = p.Parent() {
		n++
	}
	return n
}
