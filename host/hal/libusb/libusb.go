package libusb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/google/gousb/usbid"

	"github.com/ardnew/softhub/host/hal"
	"github.com/ardnew/softhub/host/hubclass"
	"github.com/ardnew/softhub/pkg"
)

// DefaultControlTimeout bounds a hub class request issued through libusb.
const DefaultControlTimeout = 5 * time.Second

// Info identifies a hub found on the system.
type Info struct {
	Bus       int
	Address   int
	Speed     hal.Speed
	VendorID  uint16
	ProductID uint16

	// Description is the vendor and product name from the USB ID database.
	Description string

	// Class names the device class, subclass and protocol.
	Class string
}

// String formats the hub like lsusb does.
func (i Info) String() string {
	return fmt.Sprintf("Bus %03d Device %03d: ID %04x:%04x %s", i.Bus, i.Address, i.VendorID, i.ProductID, i.Description)
}

func infoOf(desc *gousb.DeviceDesc) Info {
	return Info{
		Bus:         desc.Bus,
		Address:     desc.Address,
		Speed:       speedOf(desc.Speed),
		VendorID:    uint16(desc.Vendor),
		ProductID:   uint16(desc.Product),
		Description: usbid.Describe(desc),
		Class:       usbid.Classify(desc),
	}
}

// Context owns a libusb session.
type Context struct {
	usb *gousb.Context
}

// NewContext opens a libusb session. It must be closed after use.
func NewContext() *Context {
	return &Context{usb: gousb.NewContext()}
}

// Close ends the libusb session.
func (c *Context) Close() error {
	return mapError(c.usb.Close())
}

// Hubs lists every hub class device without opening any of them.
func (c *Context) Hubs() ([]Info, error) {
	var hubs []Info
	_, err := c.usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Class == gousb.ClassHub {
			hubs = append(hubs, infoOf(desc))
		}
		return false
	})
	if err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "device scan incomplete", "error", err)
	}
	return hubs, mapError(err)
}

// OpenHub opens the hub at bus and address.
func (c *Context) OpenHub(bus, address int) (*Hub, error) {
	devs, err := c.usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == bus && desc.Address == address
	})
	if len(devs) == 0 {
		if err == nil {
			err = pkg.ErrNotFound
		}
		return nil, fmt.Errorf("bus %d address %d: %w", bus, address, mapError(err))
	}
	for _, d := range devs[1:] {
		d.Close()
	}
	dev := devs[0]
	if dev.Desc.Class != gousb.ClassHub {
		dev.Close()
		return nil, fmt.Errorf("bus %d address %d: %w", bus, address, pkg.ErrInvalidHub)
	}
	dev.ControlTimeout = DefaultControlTimeout

	h := newHub(infoOf(dev.Desc), dev, dev.Close)
	h.openStatus = func() (statusReader, func(), error) {
		if err := dev.SetAutoDetach(true); err != nil {
			return nil, nil, mapError(err)
		}
		intf, done, err := dev.DefaultInterface()
		if err != nil {
			return nil, nil, mapError(err)
		}
		ep, err := intf.InEndpoint(1)
		if err != nil {
			done()
			return nil, nil, mapError(err)
		}
		return ep, done, nil
	}
	pkg.LogInfo(pkg.ComponentHAL, "hub opened", "hub", h.info)
	return h, nil
}

// controller issues control requests on a device's default pipe.
type controller interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// statusReader reads a hub's status change endpoint.
type statusReader interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

// Hub is an opened external hub. Requests are serialized.
type Hub struct {
	info Info

	mu       sync.Mutex
	dev      controller
	closeDev func() error

	desc     hubclass.Descriptor
	haveDesc bool

	openStatus func() (statusReader, func(), error)
	status     statusReader
	release    func()
}

func newHub(info Info, dev controller, closeDev func() error) *Hub {
	return &Hub{info: info, dev: dev, closeDev: closeDev}
}

// Info returns the hub's identity.
func (h *Hub) Info() Info {
	return h.info
}

// SuperSpeed returns true if the hub is operating at SuperSpeed.
func (h *Hub) SuperSpeed() bool {
	return h.info.Speed == hal.SpeedSuper
}

// ControlTransfer issues setup on the hub's default pipe.
func (h *Hub) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	if setup == nil {
		return 0, pkg.ErrInvalidParameter
	}
	if err := ctx.Err(); err != nil {
		return 0, mapError(err)
	}
	if int(setup.Length) < len(data) {
		data = data[:setup.Length]
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dev == nil {
		return 0, pkg.ErrNoDevice
	}
	n, err := h.dev.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, data)
	if err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "control request failed",
			"hub", h.info.Address,
			"request", setup.Request,
			"error", err)
	}
	return n, mapError(err)
}

// Descriptor reads the hub descriptor. It is cached after the first read.
func (h *Hub) Descriptor(ctx context.Context) (hubclass.Descriptor, error) {
	h.mu.Lock()
	if h.haveDesc {
		d := h.desc
		h.mu.Unlock()
		return d, nil
	}
	h.mu.Unlock()

	setup := hubclass.DescriptorRequest(h.SuperSpeed(), hubclass.MaxDescriptorSize)
	var buf [hubclass.MaxDescriptorSize]byte
	n, err := h.ControlTransfer(ctx, &setup, buf[:])
	if err != nil {
		return hubclass.Descriptor{}, err
	}
	var d hubclass.Descriptor
	if err := hubclass.ParseDescriptor(buf[:n], &d); err != nil {
		return hubclass.Descriptor{}, err
	}

	h.mu.Lock()
	h.desc, h.haveDesc = d, true
	h.mu.Unlock()
	return d, nil
}

// NumPorts returns the number of downstream ports.
func (h *Hub) NumPorts(ctx context.Context) (int, error) {
	d, err := h.Descriptor(ctx)
	if err != nil {
		return 0, err
	}
	return int(d.NumPorts), nil
}

func (h *Hub) checkPort(ctx context.Context, port int) error {
	n, err := h.NumPorts(ctx)
	if err != nil {
		return err
	}
	if port < 1 || port > n {
		return fmt.Errorf("%w: port %d of %d", pkg.ErrInvalidParameter, port, n)
	}
	return nil
}

// Status returns the status of port, or of the hub itself when port is 0.
func (h *Hub) Status(ctx context.Context, port int) (hubclass.Status, error) {
	if port != 0 {
		if err := h.checkPort(ctx, port); err != nil {
			return hubclass.Status{}, err
		}
	}
	setup := hubclass.StatusRequest(uint8(port))
	var buf [hubclass.StatusSize]byte
	n, err := h.ControlTransfer(ctx, &setup, buf[:])
	if err != nil {
		return hubclass.Status{}, err
	}
	if n < hubclass.StatusSize {
		return hubclass.Status{}, pkg.ErrDescriptorTooShort
	}
	return hubclass.ParseStatus(buf[:]), nil
}

// SetPortFeature sets feature on port.
func (h *Hub) SetPortFeature(ctx context.Context, feature uint16, port int, selector uint8) error {
	return h.portFeature(ctx, true, feature, port, selector)
}

// ClearPortFeature clears feature on port.
func (h *Hub) ClearPortFeature(ctx context.Context, feature uint16, port int) error {
	return h.portFeature(ctx, false, feature, port, 0)
}

func (h *Hub) portFeature(ctx context.Context, set bool, feature uint16, port int, selector uint8) error {
	if err := h.checkPort(ctx, port); err != nil {
		return err
	}
	setup := hubclass.FeatureRequest(set, true, feature, uint8(port), selector)
	_, err := h.ControlTransfer(ctx, &setup, nil)
	return err
}

// WaitChange blocks until the hub reports a status change and returns the
// change bitmap: bit 0 for the hub, bit n for port n. The first call claims
// the hub interface, detaching the kernel hub driver for as long as the hub
// stays open.
func (h *Hub) WaitChange(ctx context.Context) (uint32, error) {
	h.mu.Lock()
	if h.status == nil {
		if h.openStatus == nil {
			h.mu.Unlock()
			return 0, pkg.ErrNotSupported
		}
		r, release, err := h.openStatus()
		if err != nil {
			h.mu.Unlock()
			return 0, err
		}
		h.status, h.release = r, release
	}
	r := h.status
	h.mu.Unlock()

	var buf [4]byte
	n, err := r.ReadContext(ctx, buf[:])
	if err != nil {
		return 0, mapError(err)
	}
	var bitmap uint32
	for i := 0; i < n; i++ {
		bitmap |= uint32(buf[i]) << (8 * i)
	}
	return bitmap, nil
}

// Close releases the hub. Further requests fail with pkg.ErrNoDevice.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.release != nil {
		h.release()
		h.release, h.status = nil, nil
	}
	if h.dev == nil {
		return nil
	}
	h.dev = nil
	if h.closeDev != nil {
		return mapError(h.closeDev())
	}
	return nil
}

// speedOf converts a libusb speed.
func speedOf(s gousb.Speed) hal.Speed {
	switch s {
	case gousb.SpeedLow:
		return hal.SpeedLow
	case gousb.SpeedFull:
		return hal.SpeedFull
	case gousb.SpeedHigh:
		return hal.SpeedHigh
	case gousb.SpeedSuper:
		return hal.SpeedSuper
	}
	return hal.SpeedUnknown
}

// mapError converts libusb errors to the stack's sentinel errors, keeping
// the original in the chain.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var sentinel error
	var usbErr gousb.Error
	var status gousb.TransferStatus
	switch {
	case errors.As(err, &usbErr):
		switch usbErr {
		case gousb.ErrorPipe:
			sentinel = pkg.ErrStall
		case gousb.ErrorTimeout:
			sentinel = pkg.ErrTimeout
		case gousb.ErrorNoDevice:
			sentinel = pkg.ErrNoDevice
		case gousb.ErrorNotFound:
			sentinel = pkg.ErrNotFound
		case gousb.ErrorBusy:
			sentinel = pkg.ErrBusy
		case gousb.ErrorOverflow:
			sentinel = pkg.ErrOverrun
		case gousb.ErrorInterrupted:
			sentinel = pkg.ErrCancelled
		case gousb.ErrorInvalidParam:
			sentinel = pkg.ErrInvalidParameter
		case gousb.ErrorNotSupported:
			sentinel = pkg.ErrNotSupported
		case gousb.ErrorNoMem:
			sentinel = pkg.ErrNoResources
		}
	case errors.As(err, &status):
		switch status {
		case gousb.TransferStall:
			sentinel = pkg.ErrStall
		case gousb.TransferTimedOut:
			sentinel = pkg.ErrTimeout
		case gousb.TransferCancelled:
			sentinel = pkg.ErrCancelled
		case gousb.TransferNoDevice:
			sentinel = pkg.ErrNoDevice
		case gousb.TransferOverflow:
			sentinel = pkg.ErrOverrun
		case gousb.TransferError:
			sentinel = pkg.ErrProtocol
		}
	case errors.Is(err, context.Canceled):
		sentinel = pkg.ErrCancelled
	case errors.Is(err, context.DeadlineExceeded):
		sentinel = pkg.ErrTimeout
	}

	if sentinel == nil || errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
