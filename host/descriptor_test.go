package host

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/ardnew/softhub/pkg"
)

// =============================================================================
// DeviceState Tests
// =============================================================================

func TestDeviceState_String(t *testing.T) {
	tests := []struct {
		state DeviceState
		want  string
	}{
		{DeviceStateDetached, "Detached"},
		{DeviceStateDefault, "Default"},
		{DeviceStateAddress, "Address"},
		{DeviceStateConfigured, "Configured"},
		{DeviceState(255), "Unknown State (255)"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Descriptor Decoding Tests
// =============================================================================

// hubDeviceDescriptor is a high-speed hub with a single TT.
var hubDeviceDescriptor = []byte{
	18, DescriptorTypeDevice,
	0x00, 0x02, // bcdUSB 2.00
	0x09, 0x00, 0x01, // class, subclass, protocol
	64,
	0x24, 0x04, // idVendor
	0x12, 0x25, // idProduct
	0x00, 0x01, // bcdDevice
	1, 2, 0,
	1,
}

func TestParseDeviceDescriptor(t *testing.T) {
	got, err := ParseDeviceDescriptor(hubDeviceDescriptor)
	if err != nil {
		t.Fatalf("ParseDeviceDescriptor() error = %v", err)
	}
	want := DeviceDescriptor{
		Length:            18,
		DescriptorType:    DescriptorTypeDevice,
		USBVersion:        0x0200,
		DeviceClass:       0x09,
		DeviceProtocol:    0x01,
		MaxPacketSize0:    64,
		VendorID:          0x0424,
		ProductID:         0x2512,
		DeviceVersion:     0x0100,
		ManufacturerIndex: 1,
		ProductIndex:      2,
		NumConfigurations: 1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseDeviceDescriptor() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDescriptor_Errors(t *testing.T) {
	mistyped := append([]byte(nil), hubDeviceDescriptor...)
	mistyped[1] = DescriptorTypeConfiguration

	tests := []struct {
		name  string
		parse func([]byte) error
		data  []byte
		want  error
	}{
		{
			name:  "short device",
			parse: func(b []byte) error { _, err := ParseDeviceDescriptor(b); return err },
			data:  hubDeviceDescriptor[:DeviceDescriptorSize-1],
			want:  pkg.ErrDescriptorTooShort,
		},
		{
			name:  "mistyped device",
			parse: func(b []byte) error { _, err := ParseDeviceDescriptor(b); return err },
			data:  mistyped,
			want:  pkg.ErrDescriptorTypeMismatch,
		},
		{
			name:  "short configuration",
			parse: func(b []byte) error { _, err := ParseConfigurationDescriptor(b); return err },
			data:  []byte{9, DescriptorTypeConfiguration, 9, 0},
			want:  pkg.ErrDescriptorTooShort,
		},
		{
			name:  "short interface",
			parse: func(b []byte) error { _, err := ParseInterfaceDescriptor(b); return err },
			data:  []byte{9, DescriptorTypeInterface, 0, 0, 1},
			want:  pkg.ErrDescriptorTooShort,
		},
		{
			name:  "mistyped endpoint",
			parse: func(b []byte) error { _, err := ParseEndpointDescriptor(b); return err },
			data:  []byte{7, DescriptorTypeInterface, 0x81, 0x03, 1, 0, 12},
			want:  pkg.ErrDescriptorTypeMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.parse(tt.data); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEndpointDescriptor_Methods(t *testing.T) {
	tests := []struct {
		name   string
		desc   EndpointDescriptor
		number uint8
		isIn   bool
		isIntr bool
	}{
		{"status change", EndpointDescriptor{EndpointAddress: 0x81, Attributes: EndpointTypeInterrupt}, 1, true, true},
		{"bulk in", EndpointDescriptor{EndpointAddress: 0x82, Attributes: EndpointTypeBulk}, 2, true, false},
		{"interrupt out", EndpointDescriptor{EndpointAddress: 0x03, Attributes: EndpointTypeInterrupt}, 3, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.desc.Number(); got != tt.number {
				t.Errorf("Number() = %d, want %d", got, tt.number)
			}
			if got := tt.desc.IsIn(); got != tt.isIn {
				t.Errorf("IsIn() = %v, want %v", got, tt.isIn)
			}
			if got := tt.desc.IsInterrupt(); got != tt.isIntr {
				t.Errorf("IsInterrupt() = %v, want %v", got, tt.isIntr)
			}
		})
	}
}

// =============================================================================
// BOS Tests
// =============================================================================

func TestParseContainerID(t *testing.T) {
	id := uuid.MustParse("6d3a0a57-2e53-4c4f-9f1a-0123456789ab")

	bos := []byte{BOSDescriptorSize, DescriptorTypeBOS, 0, 0, 2}
	// USB 2.0 extension capability precedes the Container ID.
	bos = append(bos, 7, DescriptorTypeDeviceCapability, 0x02, 0x02, 0, 0, 0)
	bos = append(bos, ContainerIDDescriptorSize, DescriptorTypeDeviceCapability, DeviceCapabilityContainerID, 0)
	bos = append(bos, id[:]...)
	bos[2] = byte(len(bos))

	got, ok := ParseContainerID(bos)
	if !ok {
		t.Fatal("ParseContainerID found no Container ID")
	}
	if got != id {
		t.Errorf("ParseContainerID() = %v, want %v", got, id)
	}
}

func TestParseContainerID_Absent(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"wrong type", []byte{5, DescriptorTypeDevice, 5, 0, 0}},
		{"no capabilities", []byte{5, DescriptorTypeBOS, 5, 0, 0}},
		{"truncated capability", []byte{5, DescriptorTypeBOS, 12, 0, 1, 20, DescriptorTypeDeviceCapability, DeviceCapabilityContainerID, 0, 1, 2, 3}},
		{"zero length capability", []byte{5, DescriptorTypeBOS, 8, 0, 1, 0, DescriptorTypeDeviceCapability, DeviceCapabilityContainerID}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := ParseContainerID(tt.data); ok {
				t.Error("ParseContainerID() reported a Container ID")
			}
		})
	}
}
