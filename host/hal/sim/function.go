package sim

import (
	"github.com/google/uuid"

	"github.com/ardnew/softhub/host/hal"
	"github.com/ardnew/softhub/host/hubclass"
)

// Descriptor type codes answered by simulated functions.
const (
	descDevice        = 0x01
	descConfiguration = 0x02
	descString        = 0x03
	descInterface     = 0x04
	descEndpoint      = 0x05
	descBOS           = 0x0F
	descCapability    = 0x10

	capContainerID = 0x04
)

// Standard request codes answered by simulated functions.
const (
	reqGetDescriptor    = 0x06
	reqSetAddress       = 0x05
	reqSetConfiguration = 0x09
)

// statusEndpoint is the address of a simulated hub's status change endpoint.
const statusEndpoint = 0x81

// Node is a simulated device that can be plugged into a hub port.
type Node interface {
	function() *Function
}

// Function holds the device-level identity of a simulated device or hub.
type Function struct {
	VendorID    uint16
	ProductID   uint16
	Class       uint8
	Speed       hal.Speed
	SelfPowered bool

	// ContainerID is reported in a BOS descriptor unless it is uuid.Nil.
	ContainerID uuid.UUID

	// Guarded by the owning Bus.
	address hal.DeviceAddress
	config  uint8

	parent *Hub
	port   int
}

func (f *Function) function() *Function { return f }

// Address returns the address assigned to the function, or 0.
func (f *Function) Address() hal.DeviceAddress {
	return f.address
}

// Device is a simulated non-hub function.
type Device struct {
	Function
}

// NewDevice creates a simulated function of the given interface class.
func NewDevice(vendorID, productID uint16, class uint8, speed hal.Speed) *Device {
	return &Device{Function: Function{
		VendorID:  vendorID,
		ProductID: productID,
		Class:     class,
		Speed:     speed,
	}}
}

func (f *Function) bcdUSB() uint16 {
	switch {
	case f.Speed == hal.SpeedSuper:
		return 0x0300
	case f.ContainerID != uuid.Nil:
		return 0x0210
	default:
		return 0x0200
	}
}

// deviceDescriptor writes the 18-byte device descriptor to buf.
func (f *Function) deviceDescriptor(buf []byte, hub bool) int {
	var d [18]byte
	bcd := f.bcdUSB()
	mps0 := uint8(64)
	switch f.Speed {
	case hal.SpeedLow:
		mps0 = 8
	case hal.SpeedSuper:
		mps0 = 9 // 2^9 = 512
	}
	d[0] = 18
	d[1] = descDevice
	d[2], d[3] = byte(bcd), byte(bcd>>8)
	if hub {
		d[4] = hubclass.ClassHub
	}
	d[7] = mps0
	d[8], d[9] = byte(f.VendorID), byte(f.VendorID>>8)
	d[10], d[11] = byte(f.ProductID), byte(f.ProductID>>8)
	d[12], d[13] = 0x00, 0x01
	d[17] = 1
	return copy(buf, d[:])
}

// configDescriptor writes the configuration, interface and (for hubs) status
// endpoint descriptors to buf.
func (f *Function) configDescriptor(buf []byte, hubPorts int) int {
	var d [9 + 9 + 7]byte
	total := 9 + 9
	numEP := uint8(0)
	if hubPorts > 0 {
		total += 7
		numEP = 1
	}

	attrs := uint8(0x80)
	if f.SelfPowered {
		attrs |= hubclass.ConfigAttrSelfPowered
	}
	copy(d[0:9], []byte{9, descConfiguration, byte(total), byte(total >> 8), 1, 1, 0, attrs, 50})

	class := f.Class
	if hubPorts > 0 {
		class = hubclass.ClassHub
	}
	copy(d[9:18], []byte{9, descInterface, 0, 0, numEP, class, 0, 0, 0})

	if hubPorts > 0 {
		mps := uint16((hubPorts + 8) / 8)
		copy(d[18:25], []byte{7, descEndpoint, statusEndpoint, 0x03, byte(mps), byte(mps >> 8), 12})
	}
	return copy(buf, d[:total])
}

// bosDescriptor writes a BOS descriptor carrying the Container ID to buf.
// Returns 0 if the function has no Container ID.
func (f *Function) bosDescriptor(buf []byte) int {
	if f.ContainerID == uuid.Nil {
		return 0
	}
	var d [5 + 20]byte
	copy(d[0:5], []byte{5, descBOS, byte(len(d)), 0, 1})
	copy(d[5:9], []byte{20, descCapability, capContainerID, 0})
	copy(d[9:25], f.ContainerID[:])
	return copy(buf, d[:])
}
