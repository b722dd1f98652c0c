package hal

import (
	"context"
	"fmt"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 and USB 3.0 Specifications).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
	SpeedSuper                // SuperSpeed (5 Gbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	case SpeedSuper:
		return "SuperSpeed"
	default:
		return "Unknown"
	}
}

// SetupPacket is the eight-byte SETUP stage of a control transfer.
type SetupPacket struct {
	RequestType uint8 // bmRequestType
	Request     uint8 // bRequest
	Value       uint16
	Index       uint16
	Length      uint16 // wLength, the most bytes the data stage moves
}

// RequestKind is the type field (bits 6..5) of bmRequestType.
type RequestKind uint8

// Request kinds.
const (
	KindStandard RequestKind = 0
	KindClass    RequestKind = 1
	KindVendor   RequestKind = 2
)

// Recipient is the recipient field (bits 4..0) of bmRequestType.
type Recipient uint8

// Request recipients. Hub class requests address either the hub itself
// (RecipientDevice) or one of its ports (RecipientOther).
const (
	RecipientDevice    Recipient = 0
	RecipientInterface Recipient = 1
	RecipientEndpoint  Recipient = 2
	RecipientOther     Recipient = 3
)

// IsIn returns true if the data stage moves from device to host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&0x80 != 0
}

// Kind returns the request kind.
func (s *SetupPacket) Kind() RequestKind {
	return RequestKind(s.RequestType>>5) & 0x03
}

// Recipient returns the request recipient.
func (s *SetupPacket) Recipient() Recipient {
	return Recipient(s.RequestType & 0x1F)
}

// DescriptorType returns the descriptor type of a GET_DESCRIPTOR request.
func (s *SetupPacket) DescriptorType() uint8 {
	return uint8(s.Value >> 8)
}

// String formats the packet the way USB protocol analyzers do.
func (s SetupPacket) String() string {
	return fmt.Sprintf("%02X %02X %04X %04X %04X", s.RequestType, s.Request, s.Value, s.Index, s.Length)
}

// TransferType is the USB transfer type of a pipe.
type TransferType uint8

// Transfer types, numbered as in bmAttributes of an endpoint descriptor.
const (
	TransferControl     TransferType = 0
	TransferIsochronous TransferType = 1
	TransferBulk        TransferType = 2
	TransferInterrupt   TransferType = 3
)

// DeviceAddress represents a USB device address (1-127).
type DeviceAddress uint8

// Reserved device addresses.
const (
	// DefaultAddress is the address of a device after port reset.
	DefaultAddress DeviceAddress = 0

	// RootHubAddress is the address of the controller's emulated root hub.
	RootHubAddress DeviceAddress = 1
)

// HostHAL defines the Hardware Abstraction Layer interface for USB host stacks.
//
// The HAL provides the low-level operations needed by the host stack to
// communicate with USB controller hardware. The controller's root hub is
// addressed like any other hub at [RootHubAddress] and answers standard and
// hub class requests, so all port management flows through ControlTransfer
// and the hub's status change endpoint.
//
// All methods should be safe for concurrent use.
type HostHAL interface {
	// Initialization and Lifecycle

	// Init initializes the USB host controller hardware.
	// The context can be used to cancel initialization.
	Init(ctx context.Context) error

	// Start enables the host controller.
	// After Start returns, the root hub answers at RootHubAddress.
	Start() error

	// Stop disables the host controller and removes power from ports.
	Stop() error

	// Close releases all resources associated with the HAL.
	// After Close returns, the HAL should not be used.
	Close() error

	// RootHubSpeed returns the speed of the controller's root hub.
	RootHubSpeed() Speed

	// Transfers

	// ControlTransfer performs a control transfer to a device.
	// The setup packet and data buffer are provided by the caller.
	// For OUT transfers, data contains the data to send.
	// For IN transfers, data is filled with received data.
	// Returns the number of bytes transferred in the data phase.
	ControlTransfer(ctx context.Context, addr DeviceAddress, setup *SetupPacket, data []byte) (int, error)

	// InterruptTransfer performs an interrupt transfer to/from an endpoint.
	// An IN transfer blocks until the device has data or ctx is cancelled.
	// Returns the number of bytes transferred.
	InterruptTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// Interface Management

	// ClaimInterface claims exclusive access to an interface on a device.
	ClaimInterface(addr DeviceAddress, iface uint8) error

	// ReleaseInterface releases a previously claimed interface.
	ReleaseInterface(addr DeviceAddress, iface uint8) error

	// Controller Hooks

	// InitDevice prepares controller state for a device about to be enumerated
	// on a port of hub.
	InitDevice(hub DeviceAddress) error

	// DeinitDevice releases controller-specific state of a device that was
	// attached below hub.
	DeinitDevice(hub, addr DeviceAddress) error

	// UpdateHubDevice informs the controller of a hub's transaction
	// translator think time and port count.
	UpdateHubDevice(hub DeviceAddress, thinkTime uint8, numPorts int) error
}
