package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/softhub/host"
	"github.com/ardnew/softhub/host/hal"
	"github.com/ardnew/softhub/host/hubclass"
	"github.com/ardnew/softhub/pkg"
)

// DriverName is the name the driver registers under.
const DriverName = "hub"

// Stack is the part of the host stack the hub driver depends on.
type Stack interface {
	SubmitControl(dev *host.Device, setup *hal.SetupPacket, data []byte, done func(int, error)) error
	SubmitInterrupt(dev *host.Device, endpoint uint8, data []byte, done func(int, error)) error
	Enumerate(ctx context.Context, parent *host.Device, port int, speed hal.Speed) (*host.Device, error)
	Deenumerate(dev *host.Device) error
	ClaimInterface(dev *host.Device, iface uint8) error
	InitDevice(hub *host.Device) error
	DeinitDevice(hub *host.Device, addr uint8) error
	UpdateHubDevice(hub *host.Device, thinkTime uint8, numPorts int) error
	ReportOTGStatus(status host.OTGStatus)
}

var (
	_ Stack            = (*host.Host)(nil)
	_ host.ClassDriver = (*Driver)(nil)
)

// Driver is the hub class driver. A single worker goroutine services the
// status changes of every attached hub.
type Driver struct {
	stack    Stack
	cfg      Config
	registry *Registry
	queue    chan *statusTransfer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a hub driver using stack.
func New(stack Stack, cfg Config) (*Driver, error) {
	if stack == nil {
		return nil, pkg.ErrInvalidParameter
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Driver{
		stack:    stack,
		cfg:      cfg,
		registry: newRegistry(cfg.MaxHubs),
		queue:    make(chan *statusTransfer, cfg.QueueDepth),
	}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string { return DriverName }

// Config returns the driver configuration.
func (d *Driver) Config() Config { return d.cfg }

// Registry returns the attached hubs.
func (d *Driver) Registry() *Registry { return d.registry }

// Find returns the hub owning dev, or nil.
func (d *Driver) Find(dev *host.Device) *Hub { return d.registry.Find(dev) }

// Hubs returns the attached hubs.
func (d *Driver) Hubs() []*Hub { return d.registry.Hubs() }

// Start launches the worker. It must be called before the host stack
// binds the root hub.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return pkg.ErrAlreadyRunning
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.running = true
	d.wg.Add(1)
	go d.run(ctx)
	pkg.LogInfo(pkg.ComponentHub, "hub driver started", "queue", d.cfg.QueueDepth)
	return nil
}

// Close stops the worker and forgets every attached hub.
func (d *Driver) Close() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	for _, h := range d.registry.Hubs() {
		d.free(h)
	}
	pkg.LogInfo(pkg.ComponentHub, "hub driver stopped")
	return nil
}

// IsRunning returns true between Start and Close.
func (d *Driver) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// lookup returns the hub owning dev.
func (d *Driver) lookup(dev *host.Device) (*Hub, error) {
	if dev == nil {
		return nil, pkg.ErrInvalidParameter
	}
	h := d.registry.Find(dev)
	if h == nil {
		return nil, pkg.ErrInvalidHub
	}
	return h, nil
}

// validPort checks that port names a port of h.
func validPort(h *Hub, port uint8) error {
	if port < 1 || int(port) > h.NumPorts() {
		return fmt.Errorf("%w: port %d of %d", pkg.ErrInvalidParameter, port, h.NumPorts())
	}
	return nil
}

// AllocatePower reserves bus power for dev. Power is not budgeted.
func (d *Driver) AllocatePower(dev *host.Device, milliamps uint16) error {
	pkg.LogDebug(pkg.ComponentHub, "allocate power", "device", dev, "mA", milliamps)
	return nil
}

// ReleasePower returns bus power reserved for dev. Power is not budgeted.
func (d *Driver) ReleasePower(dev *host.Device, milliamps uint16) error {
	pkg.LogDebug(pkg.ComponentHub, "release power", "device", dev, "mA", milliamps)
	return nil
}

// DisconnectDevice removes dev from the topology. Disconnecting the root
// hub shuts down the whole tree; any other device has its port disabled and
// is removed with everything below it.
func (d *Driver) DisconnectDevice(ctx context.Context, dev *host.Device) error {
	if dev == nil {
		return pkg.ErrInvalidParameter
	}
	if dev.IsRoot() {
		h, err := d.lookup(dev)
		if err != nil {
			return err
		}
		d.shutdown(ctx, h)
		return nil
	}

	parent, err := d.lookup(dev.Parent())
	if err != nil {
		return err
	}
	port := dev.Port()
	errs := d.clearPortFeature(ctx, parent, hubclass.FeaturePortEnable, uint8(port))

	if sub := d.registry.Find(dev); sub != nil {
		d.shutdown(ctx, sub)
	} else if err := d.stack.Deenumerate(dev); err != nil {
		errs = errors.Join(errs, err)
	}
	parent.setChild(port, nil)
	pkg.LogInfo(pkg.ComponentHub, "device disconnected", "device", dev)
	return errs
}

// eachPort applies fn to port, or to every port of h when port is
// hubclass.AllPorts.
func eachPort(h *Hub, port uint8, fn func(uint8) error) error {
	if port != hubclass.AllPorts {
		if err := validPort(h, port); err != nil {
			return err
		}
		return fn(port)
	}
	var errs error
	for p := 1; p <= h.NumPorts(); p++ {
		errs = errors.Join(errs, fn(uint8(p)))
	}
	return errs
}

// SuspendPort suspends port of the hub dev, or every port when port is
// hubclass.AllPorts. SuperSpeed ports move their link to U3.
func (d *Driver) SuspendPort(ctx context.Context, dev *host.Device, port uint8) error {
	h, err := d.lookup(dev)
	if err != nil {
		return err
	}
	return eachPort(h, port, func(p uint8) error {
		if h.SuperSpeed() {
			return d.feature(ctx, h, true, hubclass.FeaturePortLinkState, p, uint8(hubclass.LinkU3))
		}
		return d.setPortFeature(ctx, h, hubclass.FeaturePortSuspend, p)
	})
}

// ResumePort resumes port of the hub dev, or every port when port is
// hubclass.AllPorts. SuperSpeed ports move their link to U0.
func (d *Driver) ResumePort(ctx context.Context, dev *host.Device, port uint8) error {
	h, err := d.lookup(dev)
	if err != nil {
		return err
	}
	return eachPort(h, port, func(p uint8) error {
		if h.SuperSpeed() {
			return d.feature(ctx, h, true, hubclass.FeaturePortLinkState, p, uint8(hubclass.LinkU0))
		}
		return d.clearPortFeature(ctx, h, hubclass.FeaturePortSuspend, p)
	})
}

// PortCapabilities returns the OTG capabilities the hub dev advertises for
// port.
func (d *Driver) PortCapabilities(dev *host.Device, port uint8) (hubclass.PortCapability, error) {
	h, err := d.lookup(dev)
	if err != nil {
		return 0, err
	}
	if err := validPort(h, port); err != nil {
		return 0, err
	}
	return h.desc.PortCapability(port), nil
}
