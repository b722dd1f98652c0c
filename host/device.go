package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ardnew/softhub/host/hal"
	"github.com/ardnew/softhub/pkg"
)

// Device represents a connected USB device from the host's perspective.
//
// Devices form a tree rooted at the controller's root hub: every device but
// the root hub records the hub it is attached to and the port number on that
// hub.
type Device struct {
	host    *Host
	parent  *Device
	address uint8
	port    int
	speed   hal.Speed

	// Cancels outstanding transfers when the device is removed.
	ctx    context.Context
	cancel context.CancelFunc

	// Container ID from the BOS descriptor, if the device reports one.
	containerID    uuid.UUID
	hasContainerID bool

	driver ClassDriver

	descriptor DeviceDescriptor
	config     ConfigurationDescriptor
	interfaces []InterfaceDescriptor
	endpoints  []EndpointDescriptor

	state DeviceState
	mutex sync.RWMutex

	// String descriptors by index, in LangIDUSEnglish.
	strings [MaxStringsPerDevice]string
}

// newDevice creates a new device instance below parent.
func newDevice(host *Host, parent *Device, port int, address uint8, speed hal.Speed) *Device {
	ctx := context.Background()
	if host != nil && host.ctx != nil {
		ctx = host.ctx
	}
	d := &Device{
		host:    host,
		parent:  parent,
		address: address,
		port:    port,
		speed:   speed,
		state:   DeviceStateDefault,
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	return d
}

// String identifies the device by address and attachment point.
func (d *Device) String() string {
	if d.parent == nil {
		return fmt.Sprintf("root hub (address %d)", d.address)
	}
	return fmt.Sprintf("device %d (port %d of %d)", d.address, d.port, d.parent.address)
}

// Parent returns the hub the device is attached to, or nil for the root hub.
func (d *Device) Parent() *Device {
	return d.parent
}

// IsRoot returns true for the controller's root hub.
func (d *Device) IsRoot() bool {
	return d.parent == nil
}

// ContainerID returns the Container ID reported in the device's BOS
// descriptor. The second result is false if the device has none.
func (d *Device) ContainerID() (uuid.UUID, bool) {
	return d.containerID, d.hasContainerID
}

// SelfPowered returns true if the active configuration is self-powered.
func (d *Device) SelfPowered() bool {
	return d.config.Attributes&ConfigAttrSelfPowered != 0
}

// Driver returns the class driver bound to the device, if any.
func (d *Device) Driver() ClassDriver {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.driver
}

// Context returns a context that is cancelled when the device is removed.
func (d *Device) Context() context.Context {
	return d.ctx
}

// Address returns the device address.
func (d *Device) Address() uint8 {
	return d.address
}

// Port returns the port number the device is connected to.
func (d *Device) Port() int {
	return d.port
}

// Speed returns the device speed.
func (d *Device) Speed() hal.Speed {
	return d.speed
}

// VendorID returns the device vendor ID.
func (d *Device) VendorID() uint16 {
	return d.descriptor.VendorID
}

// ProductID returns the device product ID.
func (d *Device) ProductID() uint16 {
	return d.descriptor.ProductID
}

// DeviceClass returns the device class.
func (d *Device) DeviceClass() uint8 {
	return d.descriptor.DeviceClass
}

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor {
	return d.descriptor
}

// Interfaces returns the interface descriptors of the active configuration.
// The returned slice references internal storage; do not modify.
func (d *Device) Interfaces() []InterfaceDescriptor {
	return d.interfaces
}

// FindInterface returns the first interface of the active configuration
// with the given class.
func (d *Device) FindInterface(class uint8) (InterfaceDescriptor, bool) {
	for _, iface := range d.interfaces {
		if iface.InterfaceClass == class {
			return iface, true
		}
	}
	return InterfaceDescriptor{}, false
}

// FindEndpoint returns the first endpoint of the active configuration for
// which match returns true.
func (d *Device) FindEndpoint(match func(EndpointDescriptor) bool) (EndpointDescriptor, bool) {
	for _, ep := range d.endpoints {
		if match(ep) {
			return ep, true
		}
	}
	return EndpointDescriptor{}, false
}

// StringDescriptor returns the string read during enumeration for index,
// or "" if the device reported none.
func (d *Device) StringDescriptor(index uint8) string {
	if index == 0 || int(index) >= len(d.strings) {
		return ""
	}
	return d.strings[index]
}

// Manufacturer returns the manufacturer string.
func (d *Device) Manufacturer() string {
	return d.StringDescriptor(d.descriptor.ManufacturerIndex)
}

// Product returns the product string.
func (d *Device) Product() string {
	return d.StringDescriptor(d.descriptor.ProductIndex)
}

// SerialNumber returns the serial number string.
func (d *Device) SerialNumber() string {
	return d.StringDescriptor(d.descriptor.SerialNumberIndex)
}

// State returns the current device state.
func (d *Device) State() DeviceState {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

// SetConfiguration selects configuration value; zero returns the device to
// the Address state.
func (d *Device) SetConfiguration(ctx context.Context, value uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(value),
	}
	if _, err := d.ControlTransfer(ctx, &setup, nil); err != nil {
		return err
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.state = DeviceStateAddress
	if value > 0 {
		d.state = DeviceStateConfigured
	}
	return nil
}

// ControlTransfer performs a control transfer to the device.
func (d *Device) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	return d.host.hal.ControlTransfer(ctx, hal.DeviceAddress(d.address), setup, data)
}

// Close marks the device detached and cancels its outstanding transfers.
func (d *Device) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.state = DeviceStateDetached
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}

// parseDeviceDescriptor records the device descriptor in data.
func (d *Device) parseDeviceDescriptor(data []byte) error {
	desc, err := ParseDeviceDescriptor(data)
	if err != nil {
		return err
	}
	d.descriptor = desc
	return nil
}

// parseConfigurationTree records the configuration header and the interface
// and endpoint descriptors that follow it. Class-specific descriptors are
// skipped.
func (d *Device) parseConfigurationTree(data []byte) error {
	config, err := ParseConfigurationDescriptor(data)
	if err != nil {
		return err
	}
	d.config = config
	d.interfaces = make([]InterfaceDescriptor, 0, config.NumInterfaces)
	d.endpoints = d.endpoints[:0]

	end := totalLength(data, len(data))
	for off := int(data[0]); off+2 <= end; {
		length := int(data[off])
		if length < 2 || off+length > end {
			return fmt.Errorf("%w: descriptor at offset %d", pkg.ErrDescriptorTooShort, off)
		}
		switch data[off+1] {
		case DescriptorTypeInterface:
			iface, err := ParseInterfaceDescriptor(data[off : off+length])
			if err != nil {
				return err
			}
			d.interfaces = append(d.interfaces, iface)
		case DescriptorTypeEndpoint:
			ep, err := ParseEndpointDescriptor(data[off : off+length])
			if err != nil {
				return err
			}
			d.endpoints = append(d.endpoints, ep)
		}
		off += length
	}
	return nil
}

// GetDescriptor performs a GET_DESCRIPTOR request.
func (d *Device) GetDescriptor(ctx context.Context, descType, descIndex uint8, langID uint16, data []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(descIndex),
		Index:       langID,
		Length:      uint16(len(data)),
	}

	return d.ControlTransfer(ctx, &setup, data)
}
