package hubclass

import (
	"fmt"

	"github.com/ardnew/softhub/pkg"
)

// Fixed hub descriptor sizes.
const (
	DescriptorHeaderSize = 7  // bLength through bHubContrCurrent
	SSDescriptorSize     = 12 // complete USB 3.0 hub descriptor
)

// PortCapability describes the OTG capabilities of a root hub port.
type PortCapability uint8

// OTG port capability bits.
const (
	CapabilitySRP PortCapability = 0x01 // Session Request Protocol
	CapabilityHNP PortCapability = 0x02 // Host Negotiation Protocol
)

// String returns a short description of the capability set.
func (c PortCapability) String() string {
	switch c {
	case 0:
		return "none"
	case CapabilitySRP:
		return "SRP"
	case CapabilityHNP:
		return "HNP"
	case CapabilitySRP | CapabilityHNP:
		return "SRP+HNP"
	default:
		return fmt.Sprintf("PortCapability(0x%02X)", uint8(c))
	}
}

// Descriptor is a parsed USB 2.0 or USB 3.0 hub descriptor.
//
// Port bitmaps use bit n for port n; bit 0 is reserved.
type Descriptor struct {
	Length             uint8
	DescriptorType     uint8
	NumPorts           uint8
	Characteristics    uint16
	PowerOnToPowerGood uint8 // 2 ms units
	ControllerCurrent  uint8

	// USB 3.0 only.
	HeaderDecodeLatency uint8
	HubDelay            uint16 // ns

	DeviceRemovable uint32
	PortPowerMask   uint32 // USB 2.0 only

	// OTG extension of a root hub descriptor; zero when absent.
	SRPPorts uint32
	HNPPorts uint32
}

// SuperSpeed returns true for a USB 3.0 hub descriptor.
func (d *Descriptor) SuperSpeed() bool {
	return d.DescriptorType == DescriptorTypeSSHub
}

// ThinkTime returns the transaction translator think time field (bits 5-6
// of wHubCharacteristics).
func (d *Descriptor) ThinkTime() uint8 {
	return uint8(d.Characteristics>>5) & 0x03
}

// PortCapability returns the OTG capabilities advertised for port.
func (d *Descriptor) PortCapability(port uint8) PortCapability {
	var c PortCapability
	if d.SRPPorts&(1<<port) != 0 {
		c |= CapabilitySRP
	}
	if d.HNPPorts&(1<<port) != 0 {
		c |= CapabilityHNP
	}
	return c
}

// bitmapSize returns the length in bytes of one USB 2.0 port bitmap.
func bitmapSize(numPorts uint8) int {
	return (int(numPorts) + 8) / 8
}

// Size returns the encoded length of the descriptor.
func (d *Descriptor) Size() int {
	if d.SuperSpeed() {
		return SSDescriptorSize
	}
	n := DescriptorHeaderSize + 2*bitmapSize(d.NumPorts)
	if d.SRPPorts != 0 || d.HNPPorts != 0 {
		n += 2 * bitmapSize(d.NumPorts)
	}
	return n
}

// ParseDescriptor parses a hub descriptor of either type from data.
func ParseDescriptor(data []byte, out *Descriptor) error {
	if len(data) < DescriptorHeaderSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeHub && data[1] != DescriptorTypeSSHub {
		return fmt.Errorf("%w: 0x%02X", pkg.ErrDescriptorTypeMismatch, data[1])
	}

	*out = Descriptor{
		Length:             data[0],
		DescriptorType:     data[1],
		NumPorts:           data[2],
		Characteristics:    uint16(data[3]) | uint16(data[4])<<8,
		PowerOnToPowerGood: data[5],
		ControllerCurrent:  data[6],
	}
	if out.NumPorts == 0 {
		return fmt.Errorf("%w: no ports", pkg.ErrNotSupported)
	}
	// Ports past MaxPorts are left unserviced; the bitmaps keep their
	// reported width.
	reported := out.NumPorts
	out.NumPorts = min(reported, MaxPorts)

	if out.SuperSpeed() {
		if len(data) < SSDescriptorSize {
			return pkg.ErrDescriptorTooShort
		}
		out.HeaderDecodeLatency = data[7]
		out.HubDelay = uint16(data[8]) | uint16(data[9])<<8
		out.DeviceRemovable = uint32(data[10]) | uint32(data[11])<<8
		return nil
	}

	size := bitmapSize(reported)
	end := len(data)
	if int(out.Length) < end {
		end = int(out.Length)
	}
	data = data[:end]
	if len(data) < DescriptorHeaderSize+2*size {
		return pkg.ErrDescriptorTooShort
	}

	off := DescriptorHeaderSize
	out.DeviceRemovable = readBitmap(data[off : off+size])
	off += size
	out.PortPowerMask = readBitmap(data[off : off+size])
	off += size
	if len(data) >= off+2*size {
		out.SRPPorts = readBitmap(data[off : off+size])
		off += size
		out.HNPPorts = readBitmap(data[off : off+size])
	}
	return nil
}

// MarshalTo writes the descriptor to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (d *Descriptor) MarshalTo(buf []byte) int {
	n := d.Size()
	if len(buf) < n {
		return 0
	}
	buf[0] = uint8(n)
	buf[1] = d.DescriptorType
	buf[2] = d.NumPorts
	buf[3] = byte(d.Characteristics)
	buf[4] = byte(d.Characteristics >> 8)
	buf[5] = d.PowerOnToPowerGood
	buf[6] = d.ControllerCurrent

	if d.SuperSpeed() {
		buf[7] = d.HeaderDecodeLatency
		buf[8] = byte(d.HubDelay)
		buf[9] = byte(d.HubDelay >> 8)
		buf[10] = byte(d.DeviceRemovable)
		buf[11] = byte(d.DeviceRemovable >> 8)
		return n
	}

	size := bitmapSize(d.NumPorts)
	off := DescriptorHeaderSize
	for _, m := range []uint32{d.DeviceRemovable, d.PortPowerMask, d.SRPPorts, d.HNPPorts} {
		if off >= n {
			break
		}
		writeBitmap(buf[off:off+size], m)
		off += size
	}
	return n
}

func readBitmap(b []byte) uint32 {
	var m uint32
	for i := 0; i < len(b) && i < 4; i++ {
		m |= uint32(b[i]) << (8 * i)
	}
	return m
}

func writeBitmap(b []byte, m uint32) {
	for i := range b {
		b[i] = byte(m >> (8 * i))
	}
}
