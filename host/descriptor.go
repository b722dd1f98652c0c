package host

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/ardnew/softhub/pkg"
)

// DeviceDescriptor is a standard device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// ConfigurationDescriptor is the header of a configuration descriptor set.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8
}

// InterfaceDescriptor is a standard interface descriptor.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// EndpointDescriptor is a standard endpoint descriptor.
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// Encoded descriptor sizes.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
	BOSDescriptorSize           = 5
	ContainerIDDescriptorSize   = 20
)

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.EndpointAddress & 0x0F
}

// IsIn returns true for a device-to-host endpoint.
func (e *EndpointDescriptor) IsIn() bool {
	return e.EndpointAddress&EndpointDirectionIn != 0
}

// TransferType returns the transfer type bits of bmAttributes.
func (e *EndpointDescriptor) TransferType() uint8 {
	return e.Attributes & EndpointTypeMask
}

// IsInterrupt returns true for an interrupt endpoint.
func (e *EndpointDescriptor) IsInterrupt() bool {
	return e.TransferType() == EndpointTypeInterrupt
}

// decode reads a descriptor of type descType and wire size into out, a
// pointer to one of the fixed-layout descriptor structs.
func decode(data []byte, descType uint8, size int, out any) error {
	if len(data) < size {
		return fmt.Errorf("%w: %d of %d bytes", pkg.ErrDescriptorTooShort, len(data), size)
	}
	if data[1] != descType {
		return fmt.Errorf("%w: 0x%02X, want 0x%02X", pkg.ErrDescriptorTypeMismatch, data[1], descType)
	}
	return binary.Read(bytes.NewReader(data[:size]), binary.LittleEndian, out)
}

// ParseDeviceDescriptor decodes a device descriptor.
func ParseDeviceDescriptor(data []byte) (DeviceDescriptor, error) {
	var d DeviceDescriptor
	err := decode(data, DescriptorTypeDevice, DeviceDescriptorSize, &d)
	return d, err
}

// ParseConfigurationDescriptor decodes the header of a configuration
// descriptor set.
func ParseConfigurationDescriptor(data []byte) (ConfigurationDescriptor, error) {
	var d ConfigurationDescriptor
	err := decode(data, DescriptorTypeConfiguration, ConfigurationDescriptorSize, &d)
	return d, err
}

// ParseInterfaceDescriptor decodes an interface descriptor.
func ParseInterfaceDescriptor(data []byte) (InterfaceDescriptor, error) {
	var d InterfaceDescriptor
	err := decode(data, DescriptorTypeInterface, InterfaceDescriptorSize, &d)
	return d, err
}

// ParseEndpointDescriptor decodes an endpoint descriptor.
func ParseEndpointDescriptor(data []byte) (EndpointDescriptor, error) {
	var d EndpointDescriptor
	err := decode(data, DescriptorTypeEndpoint, EndpointDescriptorSize, &d)
	return d, err
}

// totalLength returns wTotalLength of a configuration or BOS header,
// clamped to limit.
func totalLength(header []byte, limit int) int {
	if len(header) < 4 {
		return 0
	}
	return min(int(binary.LittleEndian.Uint16(header[2:4])), limit)
}

// ParseContainerID scans a BOS descriptor set for the Container ID device
// capability. It returns false if data holds no such capability.
//
// The UUID keeps the wire byte order of the descriptor, so two devices with
// the same Container ID descriptor compare equal.
func ParseContainerID(data []byte) (uuid.UUID, bool) {
	if len(data) < BOSDescriptorSize || data[1] != DescriptorTypeBOS {
		return uuid.Nil, false
	}
	total := totalLength(data, len(data))

	for off := int(data[0]); off+3 <= total; {
		length := int(data[off])
		if length < 3 || off+length > total {
			break
		}
		if data[off+1] == DescriptorTypeDeviceCapability &&
			data[off+2] == DeviceCapabilityContainerID &&
			length >= ContainerIDDescriptorSize {
			id, err := uuid.FromBytes(data[off+4 : off+ContainerIDDescriptorSize])
			return id, err == nil
		}
		off += length
	}
	return uuid.Nil, false
}
