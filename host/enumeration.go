package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/softhub/host/hal"
	"github.com/ardnew/softhub/pkg"
)

// Enumeration errors.
var (
	ErrEnumerationFailed = errors.New("enumeration failed")
	ErrNoAddress         = errors.New("no address available")
)

// Enumerate addresses and configures the device that was just reset on port
// of the hub parent, then binds it to a class driver. The device must be
// answering at the default address.
func (h *Host) Enumerate(ctx context.Context, parent *Device, port int, speed hal.Speed) (*Device, error) {
	if parent == nil || port < 1 {
		return nil, pkg.ErrInvalidParameter
	}
	if !h.IsRunning() {
		return nil, pkg.ErrNotRunning
	}

	pkg.LogDebug(pkg.ComponentHost, "starting enumeration",
		"hub", parent.address,
		"port", port,
		"speed", speed)

	// Create device at address 0
	dev := newDevice(h, parent, port, 0, speed)

	// Read the first 8 bytes of the device descriptor to learn bMaxPacketSize0
	var buf [MaxDescriptorSize]byte
	n, err := dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:8])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnumerationFailed, err)
	}
	if n < 8 {
		return nil, ErrEnumerationFailed
	}

	maxPacketSize0 := buf[7]
	if maxPacketSize0 == 0 {
		maxPacketSize0 = 8 // Default for low-speed
	}
	pkg.LogDebug(pkg.ComponentHost, "got max packet size", "size", maxPacketSize0)

	address := h.allocateAddress()
	if address == 0 {
		return nil, ErrNoAddress
	}

	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetAddress,
		Value:       uint16(address),
	}
	if _, err := dev.ControlTransfer(ctx, &setup, nil); err != nil {
		return nil, fmt.Errorf("%w: set address: %w", ErrEnumerationFailed, err)
	}

	pkg.LogDebug(pkg.ComponentHost, "assigned address", "address", address)

	dev.address = address
	dev.state = DeviceStateAddress

	// Reserve the address before the slow part of enumeration.
	h.mutex.Lock()
	if h.devices[address-1] != nil {
		h.mutex.Unlock()
		return nil, ErrNoAddress
	}
	h.devices[address-1] = dev
	h.deviceCount++
	h.mutex.Unlock()

	if err := h.readDescriptors(ctx, dev); err != nil {
		h.release(dev)
		return nil, err
	}
	if err := h.configure(ctx, dev); err != nil {
		h.release(dev)
		return nil, err
	}

	h.mutex.RLock()
	cb := h.onDeviceConnect
	h.mutex.RUnlock()

	pkg.LogInfo(pkg.ComponentHost, "device enumerated",
		"device", dev,
		"vendor", dev.descriptor.VendorID,
		"product", dev.descriptor.ProductID,
		"speed", speed)

	select {
	case h.deviceConnected <- dev:
	default:
	}
	if cb != nil {
		cb(dev)
	}

	h.bind(ctx, dev)
	return dev, nil
}

// release drops a partially enumerated device.
func (h *Host) release(dev *Device) {
	h.mutex.Lock()
	if h.devices[dev.address-1] == dev {
		h.devices[dev.address-1] = nil
		h.deviceCount--
	}
	h.mutex.Unlock()
	dev.Close()
}

// readDescriptors reads the device, configuration, string and BOS
// descriptors of an addressed device.
func (h *Host) readDescriptors(ctx context.Context, dev *Device) error {
	var buf [MaxDescriptorSize]byte

	n, err := dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:DeviceDescriptorSize])
	if err != nil {
		return fmt.Errorf("%w: device descriptor: %w", ErrEnumerationFailed, err)
	}
	if err := dev.parseDeviceDescriptor(buf[:n]); err != nil {
		return fmt.Errorf("%w: device descriptor: %w", ErrEnumerationFailed, err)
	}

	pkg.LogDebug(pkg.ComponentHost, "device descriptor",
		"vendorID", dev.descriptor.VendorID,
		"productID", dev.descriptor.ProductID,
		"class", dev.descriptor.DeviceClass)

	// Configuration header first, for the total length
	n, err = dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:ConfigurationDescriptorSize])
	if err != nil {
		return fmt.Errorf("%w: configuration descriptor: %w", ErrEnumerationFailed, err)
	}
	if n < ConfigurationDescriptorSize {
		return ErrEnumerationFailed
	}

	n, err = dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:totalLength(buf[:n], len(buf))])
	if err != nil {
		return fmt.Errorf("%w: configuration descriptor: %w", ErrEnumerationFailed, err)
	}
	if err := dev.parseConfigurationTree(buf[:n]); err != nil {
		return fmt.Errorf("%w: configuration descriptor: %w", ErrEnumerationFailed, err)
	}

	pkg.LogDebug(pkg.ComponentHost, "configuration descriptor",
		"numInterfaces", dev.config.NumInterfaces,
		"configValue", dev.config.ConfigurationValue,
		"selfPowered", dev.SelfPowered())

	if err := h.readStringDescriptors(ctx, dev, buf[:]); err != nil {
		// Non-fatal, continue without strings
		pkg.LogDebug(pkg.ComponentHost, "string descriptor read failed", "error", err)
	}

	if dev.descriptor.USBVersion >= BOSVersion {
		h.readContainerID(ctx, dev, buf[:])
	}
	return nil
}

// readContainerID reads the BOS descriptor set and records the Container ID.
// Devices without a BOS descriptor are not an error.
func (h *Host) readContainerID(ctx context.Context, dev *Device, buf []byte) {
	n, err := dev.GetDescriptor(ctx, DescriptorTypeBOS, 0, 0, buf[:BOSDescriptorSize])
	if err != nil || n < BOSDescriptorSize {
		pkg.LogDebug(pkg.ComponentHost, "no BOS descriptor", "device", dev, "error", err)
		return
	}

	if total := totalLength(buf[:n], len(buf)); total > BOSDescriptorSize {
		if n, err = dev.GetDescriptor(ctx, DescriptorTypeBOS, 0, 0, buf[:total]); err != nil {
			pkg.LogDebug(pkg.ComponentHost, "BOS read failed", "device", dev, "error", err)
			return
		}
	}

	if id, ok := ParseContainerID(buf[:n]); ok {
		dev.containerID = id
		dev.hasContainerID = true
		pkg.LogDebug(pkg.ComponentHost, "container ID", "device", dev, "id", id)
	}
}

// configure selects the first configuration.
func (h *Host) configure(ctx context.Context, dev *Device) error {
	if dev.config.ConfigurationValue == 0 {
		return nil
	}
	return dev.SetConfiguration(ctx, dev.config.ConfigurationValue)
}

// readStringDescriptors reads and caches string descriptors for a device.
func (h *Host) readStringDescriptors(ctx context.Context, dev *Device, buf []byte) error {
	readString := func(index uint8) (string, error) {
		if index == 0 {
			return "", nil
		}

		n, err := dev.GetDescriptor(ctx, DescriptorTypeString, index, LangIDUSEnglish, buf)
		if err != nil {
			return "", err
		}
		if n < 2 {
			return "", nil
		}

		length := int(buf[0])
		if length > n {
			length = n
		}
		if length < 2 {
			return "", nil
		}

		// UTF-16LE to ASCII, dropping anything else
		result := make([]byte, 0, (length-2)/2)
		for i := 2; i < length-1; i += 2 {
			if buf[i+1] == 0 && buf[i] >= 0x20 && buf[i] < 0x7F {
				result = append(result, buf[i])
			}
		}
		return string(result), nil
	}

	var errs error
	for _, index := range []uint8{
		dev.descriptor.ManufacturerIndex,
		dev.descriptor.ProductIndex,
		dev.descriptor.SerialNumberIndex,
	} {
		s, err := readString(index)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if len(s) > 0 && int(index) < len(dev.strings) {
			dev.strings[index] = s
		}
	}
	return errs
}
