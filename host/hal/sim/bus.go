package sim

import (
	"context"
	"sync"

	"github.com/ardnew/softhub/host/hal"
	"github.com/ardnew/softhub/pkg"
)

// Root hub identity.
const (
	RootVendorID  = 0x1D6B
	RootProductID = 0x0002
)

// HookCall records a controller hook invocation.
type HookCall struct {
	Op        string // "init", "deinit" or "update"
	Hub       hal.DeviceAddress
	Addr      hal.DeviceAddress
	ThinkTime uint8
	NumPorts  int
}

// Bus is an in-memory host controller implementing hal.HostHAL.
//
// The controller's root hub answers at hal.RootHubAddress. Hubs and devices
// plugged below it become reachable at the default address once their port
// has been reset, and at their own address after SET_ADDRESS.
type Bus struct {
	mu      sync.Mutex
	root    *Hub
	byAddr  map[hal.DeviceAddress]Node
	dflt    Node
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	hooks   []HookCall
	claimed map[hal.DeviceAddress]uint8
}

// New creates a bus whose root hub is described by opts. Root hub ports are
// powered from the start.
func New(opts HubOptions) *Bus {
	b := &Bus{
		byAddr:  make(map[hal.DeviceAddress]Node),
		claimed: make(map[hal.DeviceAddress]uint8),
	}
	root := NewHub(RootVendorID, RootProductID, opts)
	root.address = hal.RootHubAddress
	root.bus = b
	for i := 1; i < len(root.ports); i++ {
		root.ports[i].status.Status |= root.powerBit()
	}
	b.root = root
	b.byAddr[hal.RootHubAddress] = root
	return b
}

// Root returns the simulated root hub.
func (b *Bus) Root() *Hub {
	return b.root
}

// Lookup returns the node answering at addr.
func (b *Bus) Lookup(addr hal.DeviceAddress) Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	if addr == hal.DefaultAddress {
		return b.dflt
	}
	return b.byAddr[addr]
}

// AddressOf returns the address node currently answers at.
func (b *Bus) AddressOf(node Node) hal.DeviceAddress {
	b.mu.Lock()
	defer b.mu.Unlock()
	return node.function().address
}

// Hooks returns the controller hook calls made so far.
func (b *Bus) Hooks() []HookCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]HookCall(nil), b.hooks...)
}

// Init implements hal.HostHAL.
func (b *Bus) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctx, b.cancel = context.WithCancel(ctx)
	pkg.LogInfo(pkg.ComponentSim, "simulated bus initialized", "rootPorts", b.root.NumPorts())
	return nil
}

// Start implements hal.HostHAL.
func (b *Bus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		b.ctx, b.cancel = context.WithCancel(context.Background())
	}
	b.running = true
	return nil
}

// Stop implements hal.HostHAL. Pending interrupt transfers are released.
func (b *Bus) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
	if b.cancel != nil {
		b.cancel()
	}
	b.ctx, b.cancel = nil, nil
	return nil
}

// Close implements hal.HostHAL.
func (b *Bus) Close() error {
	return b.Stop()
}

// RootHubSpeed implements hal.HostHAL.
func (b *Bus) RootHubSpeed() hal.Speed {
	return b.root.Speed
}

func (b *Bus) lookup(addr hal.DeviceAddress) (Node, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return nil, nil, pkg.ErrNotRunning
	}
	node := b.byAddr[addr]
	if addr == hal.DefaultAddress {
		node = b.dflt
	}
	if node == nil {
		return nil, nil, pkg.ErrNoDevice
	}
	return node, b.ctx.Done(), nil
}

// ControlTransfer implements hal.HostHAL.
func (b *Bus) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	node, _, err := b.lookup(addr)
	if err != nil {
		return 0, err
	}

	switch setup.Kind() {
	case hal.KindStandard:
		return b.standardRequest(node, setup, data)
	case hal.KindClass:
		hub, ok := node.(*Hub)
		if !ok {
			return 0, pkg.ErrStall
		}
		return hub.classRequest(setup, data)
	}
	return 0, pkg.ErrStall
}

// InterruptTransfer implements hal.HostHAL for hub status change endpoints.
func (b *Bus) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	node, stopped, err := b.lookup(addr)
	if err != nil {
		return 0, err
	}
	hub, ok := node.(*Hub)
	if !ok || endpoint != statusEndpoint {
		return 0, pkg.ErrStall
	}

	return hub.interrupt(ctx, stopped, data)
}

func (b *Bus) standardRequest(node Node, setup *hal.SetupPacket, data []byte) (int, error) {
	f := node.function()
	hub, isHub := node.(*Hub)

	switch setup.Request {
	case reqGetDescriptor:
		var buf [64]byte
		var n int
		switch setup.DescriptorType() {
		case descDevice:
			n = f.deviceDescriptor(buf[:], isHub)
		case descConfiguration:
			ports := 0
			if isHub {
				ports = hub.NumPorts()
			}
			n = f.configDescriptor(buf[:], ports)
		case descBOS:
			if n = f.bosDescriptor(buf[:]); n == 0 {
				return 0, pkg.ErrStall
			}
		default:
			return 0, pkg.ErrStall
		}
		if int(setup.Length) < n {
			n = int(setup.Length)
		}
		return copy(data, buf[:n]), nil

	case reqSetAddress:
		addr := hal.DeviceAddress(setup.Value)
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, used := b.byAddr[addr]; used || addr == hal.DefaultAddress {
			return 0, pkg.ErrStall
		}
		if f.address != hal.DefaultAddress {
			delete(b.byAddr, f.address)
		}
		f.address = addr
		b.byAddr[addr] = node
		if b.dflt == node {
			b.dflt = nil
		}
		return 0, nil

	case reqSetConfiguration:
		b.mu.Lock()
		f.config = uint8(setup.Value)
		b.mu.Unlock()
		return 0, nil
	}
	return 0, pkg.ErrStall
}

// setDefault makes node answer at the default address after a port reset.
func (b *Bus) setDefault(node Node) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f := node.function()
	if f.address != hal.DefaultAddress {
		delete(b.byAddr, f.address)
		f.address = hal.DefaultAddress
		f.config = 0
	}
	b.dflt = node
}

// forget drops removed nodes from the address map.
func (b *Bus) forget(nodes []Node) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range nodes {
		f := n.function()
		if f.address != hal.DefaultAddress && b.byAddr[f.address] == n {
			delete(b.byAddr, f.address)
		}
		f.address = hal.DefaultAddress
		if b.dflt == n {
			b.dflt = nil
		}
	}
}

// ClaimInterface implements hal.HostHAL.
func (b *Bus) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byAddr[addr]; !ok {
		return pkg.ErrNoDevice
	}
	b.claimed[addr] = iface
	return nil
}

// ReleaseInterface implements hal.HostHAL.
func (b *Bus) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.claimed, addr)
	return nil
}

// InitDevice implements hal.HostHAL.
func (b *Bus) InitDevice(hub hal.DeviceAddress) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, HookCall{Op: "init", Hub: hub})
	return nil
}

// DeinitDevice implements hal.HostHAL.
func (b *Bus) DeinitDevice(hub, addr hal.DeviceAddress) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, HookCall{Op: "deinit", Hub: hub, Addr: addr})
	return nil
}

// UpdateHubDevice implements hal.HostHAL.
func (b *Bus) UpdateHubDevice(hub hal.DeviceAddress, thinkTime uint8, numPorts int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, HookCall{Op: "update", Hub: hub, ThinkTime: thinkTime, NumPorts: numPorts})
	return nil
}

var _ hal.HostHAL = (*Bus)(nil)
