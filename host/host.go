package host

import (
	"context"
	"sync"

	"github.com/ardnew/softhub/host/hal"
	"github.com/ardnew/softhub/pkg"
)

// ClassDriver is implemented by class drivers that bind to enumerated devices.
type ClassDriver interface {
	// Name identifies the driver in logs.
	Name() string

	// Match returns true if the driver handles dev.
	Match(dev *Device) bool

	// Attach binds the driver to a newly enumerated device.
	Attach(ctx context.Context, dev *Device) error

	// Detach is called when a bound device is removed from the bus.
	Detach(dev *Device) error
}

// OTGStatus is a status code reported to the On-The-Go layer.
type OTGStatus int

// OTG status codes.
const (
	OTGStatusNone OTGStatus = iota
	// OTGStatusMaxHubExceeded reports a device attached below the deepest
	// supported hub tier.
	OTGStatusMaxHubExceeded
)

// String returns a human-readable status name.
func (s OTGStatus) String() string {
	switch s {
	case OTGStatusNone:
		return "none"
	case OTGStatusMaxHubExceeded:
		return "max hub exceeded"
	default:
		return "unknown"
	}
}

// transferWorkers is the size of the control transfer worker pool.
const transferWorkers = 4

// Host manages the USB host controller and connected devices.
type Host struct {
	hal hal.HostHAL

	// Connected devices (indexed by address - 1)
	devices     [MaxDevices]*Device
	deviceCount int

	// Next available address
	nextAddress uint8

	// Root hub, present while running
	root *Device

	// Registered class drivers, in match order
	drivers []ClassDriver

	transfers *TransferManager

	// State
	running bool
	mutex   sync.RWMutex

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc

	// Event channels
	deviceConnected    chan *Device
	deviceDisconnected chan *Device

	// Callbacks
	onDeviceConnect    func(*Device)
	onDeviceDisconnect func(*Device)
	onOTGStatus        func(OTGStatus)
}

// New creates a new USB host.
func New(h hal.HostHAL) *Host {
	host := &Host{
		hal:                h,
		nextAddress:        uint8(hal.RootHubAddress) + 1,
		deviceConnected:    make(chan *Device, MaxDevices),
		deviceDisconnected: make(chan *Device, MaxDevices),
	}
	host.transfers = NewTransferManager(host, transferWorkers)
	return host
}

// RegisterDriver adds a class driver. Drivers must be registered before Start.
func (h *Host) RegisterDriver(drv ClassDriver) error {
	if drv == nil {
		return pkg.ErrInvalidParameter
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.running {
		return pkg.ErrAlreadyRunning
	}
	h.drivers = append(h.drivers, drv)
	pkg.LogDebug(pkg.ComponentHost, "class driver registered", "driver", drv.Name())
	return nil
}

// Start starts the host controller, reads the root hub descriptors and binds
// the root hub to its class driver.
func (h *Host) Start(ctx context.Context) error {
	h.mutex.Lock()
	if h.running {
		h.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}

	h.ctx, h.cancel = context.WithCancel(ctx)
	h.mutex.Unlock()

	if err := h.hal.Init(h.ctx); err != nil {
		return err
	}

	if err := h.hal.Start(); err != nil {
		return err
	}

	if err := h.transfers.Start(h.ctx); err != nil {
		return err
	}

	h.mutex.Lock()
	h.running = true
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "host started")

	root := newDevice(h, nil, 0, uint8(hal.RootHubAddress), h.hal.RootHubSpeed())
	root.state = DeviceStateAddress
	if err := h.readDescriptors(h.ctx, root); err != nil {
		pkg.LogError(pkg.ComponentHost, "root hub descriptors unavailable", "error", err)
		h.Stop()
		return err
	}
	if err := h.configure(h.ctx, root); err != nil {
		h.Stop()
		return err
	}

	h.mutex.Lock()
	h.root = root
	h.devices[root.address-1] = root
	h.deviceCount++
	h.mutex.Unlock()

	h.bind(h.ctx, root)
	return nil
}

// Stop stops the host controller.
func (h *Host) Stop() error {
	h.mutex.Lock()
	if !h.running {
		h.mutex.Unlock()
		return nil
	}

	h.running = false
	if h.cancel != nil {
		h.cancel()
	}

	// Close all devices
	for i := 0; i < MaxDevices; i++ {
		if h.devices[i] != nil {
			h.devices[i].Close()
			h.devices[i] = nil
		}
	}
	h.deviceCount = 0
	h.root = nil
	h.mutex.Unlock()

	h.transfers.Stop()

	if err := h.hal.Stop(); err != nil {
		return err
	}

	pkg.LogInfo(pkg.ComponentHost, "host stopped")
	return nil
}

// IsRunning returns true if the host is running.
func (h *Host) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// Root returns the root hub device, or nil if the host is not running.
func (h *Host) Root() *Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.root
}

// Devices returns all connected devices.
func (h *Host) Devices() []*Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	result := make([]*Device, 0, h.deviceCount)
	for i := 0; i < MaxDevices; i++ {
		if h.devices[i] != nil {
			result = append(result, h.devices[i])
		}
	}
	return result
}

// GetDevice returns the device at the given address.
func (h *Host) GetDevice(address uint8) *Device {
	if address == 0 || address > MaxDevices {
		return nil
	}
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.devices[address-1]
}

// Children returns the devices attached directly below hub.
func (h *Host) Children(hub *Device) []*Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	var result []*Device
	for i := 0; i < MaxDevices; i++ {
		if d := h.devices[i]; d != nil && d.parent == hub {
			result = append(result, d)
		}
	}
	return result
}

// WaitDevice blocks until a device connects and is enumerated.
func (h *Host) WaitDevice(ctx context.Context) (*Device, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.ctx.Done():
		return nil, pkg.ErrCancelled
	case dev := <-h.deviceConnected:
		return dev, nil
	}
}

// SetOnDeviceConnect sets the callback for device connection.
func (h *Host) SetOnDeviceConnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceConnect = cb
}

// SetOnDeviceDisconnect sets the callback for device disconnection.
func (h *Host) SetOnDeviceDisconnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceDisconnect = cb
}

// SetOnOTGStatus sets the callback for status reports to the OTG layer.
func (h *Host) SetOnOTGStatus(cb func(OTGStatus)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onOTGStatus = cb
}

// ReportOTGStatus forwards a status code to the OTG callback, if set.
func (h *Host) ReportOTGStatus(status OTGStatus) {
	h.mutex.RLock()
	cb := h.onOTGStatus
	h.mutex.RUnlock()

	pkg.LogInfo(pkg.ComponentHost, "OTG status", "status", status)
	if cb != nil {
		cb(status)
	}
}

// Deenumerate removes dev from the bus: its transfers are cancelled, its
// class driver is detached and its address is released.
func (h *Host) Deenumerate(dev *Device) error {
	if dev == nil {
		return pkg.ErrInvalidParameter
	}

	h.mutex.Lock()
	if dev.address == 0 || dev.address > MaxDevices || h.devices[dev.address-1] != dev {
		h.mutex.Unlock()
		return pkg.ErrNoDevice
	}
	h.devices[dev.address-1] = nil
	h.deviceCount--
	if dev == h.root {
		h.root = nil
	}
	cb := h.onDeviceDisconnect
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "device removed", "device", dev)

	dev.Close()
	if drv := dev.Driver(); drv != nil {
		if err := drv.Detach(dev); err != nil {
			pkg.LogWarn(pkg.ComponentHost, "driver detach failed",
				"driver", drv.Name(),
				"device", dev,
				"error", err)
		}
	}

	select {
	case h.deviceDisconnected <- dev:
	default:
	}

	if cb != nil {
		cb(dev)
	}
	return nil
}

// bind offers dev to the registered class drivers in order.
func (h *Host) bind(ctx context.Context, dev *Device) {
	h.mutex.RLock()
	drivers := h.drivers
	h.mutex.RUnlock()

	for _, drv := range drivers {
		if !drv.Match(dev) {
			continue
		}
		dev.mutex.Lock()
		dev.driver = drv
		dev.mutex.Unlock()
		if err := drv.Attach(ctx, dev); err != nil {
			dev.mutex.Lock()
			dev.driver = nil
			dev.mutex.Unlock()
			pkg.LogWarn(pkg.ComponentHost, "driver attach failed",
				"driver", drv.Name(),
				"device", dev,
				"error", err)
			continue
		}
		pkg.LogDebug(pkg.ComponentHost, "driver bound", "driver", drv.Name(), "device", dev)
		return
	}
}

// allocateAddress allocates a new device address.
func (h *Host) allocateAddress() uint8 {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	// Find next available address
	for i := 0; i < MaxDevices; i++ {
		addr := h.nextAddress
		h.nextAddress++
		if h.nextAddress > MaxDevices {
			h.nextAddress = 1
		}

		if h.devices[addr-1] == nil {
			return addr
		}
	}
	return 0 // No address available
}

// ClaimInterface claims an interface of dev for its class driver.
func (h *Host) ClaimInterface(dev *Device, iface uint8) error {
	return h.hal.ClaimInterface(hal.DeviceAddress(dev.address), iface)
}

// InitDevice runs the controller hook for a device connecting below hub.
func (h *Host) InitDevice(hub *Device) error {
	return h.hal.InitDevice(hal.DeviceAddress(hub.address))
}

// DeinitDevice runs the controller hook for a device at addr removed from below hub.
func (h *Host) DeinitDevice(hub *Device, addr uint8) error {
	return h.hal.DeinitDevice(hal.DeviceAddress(hub.address), hal.DeviceAddress(addr))
}

// UpdateHubDevice passes a hub's think time and port count to the controller.
func (h *Host) UpdateHubDevice(hub *Device, thinkTime uint8, numPorts int) error {
	return h.hal.UpdateHubDevice(hal.DeviceAddress(hub.address), thinkTime, numPorts)
}
