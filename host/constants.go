package host

import "fmt"

// DeviceState is the enumeration state of a device as the host tracks it.
type DeviceState uint8

// Device states.
const (
	DeviceStateDetached   DeviceState = iota // Removed from the bus
	DeviceStateDefault                       // Reset, answering at address 0
	DeviceStateAddress                       // Addressed, not configured
	DeviceStateConfigured                    // Configuration selected
)

// String returns a human-readable state description.
func (s DeviceState) String() string {
	switch s {
	case DeviceStateDetached:
		return "Detached"
	case DeviceStateDefault:
		return "Default"
	case DeviceStateAddress:
		return "Address"
	case DeviceStateConfigured:
		return "Configured"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}

// Limits of the device table.
const (
	// MaxDevices is the maximum number of devices on the bus, root hub included.
	MaxDevices = 127

	// MaxStringsPerDevice bounds the cached string descriptors of a device.
	MaxStringsPerDevice = 16

	// MaxDescriptorSize bounds a configuration or BOS descriptor set.
	MaxDescriptorSize = 512
)

// Endpoint attributes.
const (
	EndpointTypeMask      = 0x03
	EndpointTypeBulk      = 0x02
	EndpointTypeInterrupt = 0x03
	EndpointDirectionIn   = 0x80
)

// Descriptor types.
const (
	DescriptorTypeDevice           = 0x01
	DescriptorTypeConfiguration    = 0x02
	DescriptorTypeString           = 0x03
	DescriptorTypeInterface        = 0x04
	DescriptorTypeEndpoint         = 0x05
	DescriptorTypeBOS              = 0x0F
	DescriptorTypeDeviceCapability = 0x10
)

// DeviceCapabilityContainerID is the BOS capability type of a Container ID.
const DeviceCapabilityContainerID = 0x04

// BOSVersion is the lowest bcdUSB of a device that provides a BOS descriptor.
const BOSVersion = 0x0210

// ConfigAttrSelfPowered is the bmAttributes bit of a self-powered configuration.
const ConfigAttrSelfPowered = 0x40

// Standard request codes.
const (
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetConfiguration = 0x09
)

// Request type bits (bmRequestType).
const (
	RequestTypeOut      = 0x00
	RequestTypeIn       = 0x80
	RequestTypeStandard = 0x00
	RequestTypeDevice   = 0x00
)

// LangIDUSEnglish is the language ID used for string descriptors.
const LangIDUSEnglish = 0x0409
