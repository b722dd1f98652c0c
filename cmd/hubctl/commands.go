package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ardnew/softhub/host/hal/libusb"
	"github.com/ardnew/softhub/host/hubclass"
	"github.com/ardnew/softhub/pkg"
)

// hubDevice is the part of an opened hub the commands use.
type hubDevice interface {
	Info() libusb.Info
	SuperSpeed() bool
	Descriptor(ctx context.Context) (hubclass.Descriptor, error)
	Status(ctx context.Context, port int) (hubclass.Status, error)
	SetPortFeature(ctx context.Context, feature uint16, port int, selector uint8) error
	ClearPortFeature(ctx context.Context, feature uint16, port int) error
	WaitChange(ctx context.Context) (uint32, error)
}

var _ hubDevice = (*libusb.Hub)(nil)

// hubCommand runs against one opened hub.
type hubCommand struct {
	args  string // usage of the arguments
	nargs int
	run   func(ctx context.Context, h hubDevice, args []string, out io.Writer) error
}

var commands = map[string]hubCommand{
	"status":     {"[PORT]", -1, runStatus},
	"descriptor": {"", 0, runDescriptor},
	"power":      {"on|off PORT", 2, runPower},
	"suspend":    {"PORT", 1, runSuspend},
	"resume":     {"PORT", 1, runResume},
	"reset":      {"PORT", 1, runReset},
	"watch":      {"", 0, runWatch},
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: port %q", pkg.ErrInvalidParameter, s)
	}
	return port, nil
}

// formatStatus renders one status word the way the hub reports it.
func formatStatus(st hubclass.Status, superSpeed bool) string {
	var flags []string
	add := func(on bool, name string) {
		if on {
			flags = append(flags, name)
		}
	}
	add(st.Powered(superSpeed), "power")
	add(st.Connected(), "connect")
	add(st.Enabled(), "enable")
	add(!superSpeed && st.Suspended(), "suspend")
	add(st.OverCurrent(), "overcurrent")
	add(st.Status&hubclass.PortStatusReset != 0, "reset")
	if len(flags) == 0 {
		flags = append(flags, "off")
	}

	s := strings.Join(flags, " ")
	if st.Connected() {
		s += ", " + st.Speed(superSpeed).String()
	}
	if superSpeed {
		s += ", link " + st.LinkState().String()
	}
	if st.Change != 0 {
		s += fmt.Sprintf(", change 0x%04x", st.Change)
	}
	return s
}

func runStatus(ctx context.Context, h hubDevice, args []string, out io.Writer) error {
	d, err := h.Descriptor(ctx)
	if err != nil {
		return err
	}
	first, last := 1, int(d.NumPorts)
	if len(args) > 0 {
		port, err := parsePort(args[0])
		if err != nil {
			return err
		}
		first, last = port, port
	} else {
		st, err := h.Status(ctx, 0)
		if err != nil {
			return err
		}
		local := "local power good"
		if st.Status&hubclass.HubStatusLocalPower != 0 {
			local = "local power lost"
		}
		fmt.Fprintf(out, "%v\n  hub: %s", h.Info(), local)
		if st.Status&hubclass.HubStatusOverCurrent != 0 {
			fmt.Fprint(out, ", overcurrent")
		}
		fmt.Fprintln(out)
	}
	for port := first; port <= last; port++ {
		st, err := h.Status(ctx, port)
		if err != nil {
			return fmt.Errorf("port %d: %w", port, err)
		}
		fmt.Fprintf(out, "  port %d: %s\n", port, formatStatus(st, h.SuperSpeed()))
	}
	return nil
}

func runDescriptor(ctx context.Context, h hubDevice, _ []string, out io.Writer) error {
	d, err := h.Descriptor(ctx)
	if err != nil {
		return err
	}
	kind := "USB 2.0"
	if d.SuperSpeed() {
		kind = "USB 3.0"
	}
	fmt.Fprintf(out, "%s hub descriptor\n", kind)
	fmt.Fprintf(out, "  bNbrPorts            %d\n", d.NumPorts)
	fmt.Fprintf(out, "  wHubCharacteristics  0x%04x\n", d.Characteristics)
	fmt.Fprintf(out, "  bPwrOn2PwrGood       %d (%d ms)\n", d.PowerOnToPowerGood, 2*int(d.PowerOnToPowerGood))
	fmt.Fprintf(out, "  bHubContrCurrent     %d mA\n", d.ControllerCurrent)
	if d.SuperSpeed() {
		fmt.Fprintf(out, "  bHubHdrDecLat        %d\n", d.HeaderDecodeLatency)
		fmt.Fprintf(out, "  wHubDelay            %d ns\n", d.HubDelay)
	} else {
		fmt.Fprintf(out, "  TT think time        %d\n", d.ThinkTime())
		fmt.Fprintf(out, "  PortPwrCtrlMask      0x%x\n", d.PortPowerMask)
	}
	fmt.Fprintf(out, "  DeviceRemovable      0x%x\n", d.DeviceRemovable)
	for port := uint8(1); port <= d.NumPorts; port++ {
		if c := d.PortCapability(port); c != 0 {
			fmt.Fprintf(out, "  port %d OTG           %v\n", port, c)
		}
	}
	return nil
}

func runPower(ctx context.Context, h hubDevice, args []string, out io.Writer) error {
	port, err := parsePort(args[1])
	if err != nil {
		return err
	}
	switch strings.ToLower(args[0]) {
	case "on":
		err = h.SetPortFeature(ctx, hubclass.FeaturePortPower, port, 0)
	case "off":
		err = h.ClearPortFeature(ctx, hubclass.FeaturePortPower, port)
	default:
		return fmt.Errorf("%w: power %q", pkg.ErrInvalidParameter, args[0])
	}
	if err != nil {
		return err
	}
	return runStatus(ctx, h, args[1:], out)
}

func runSuspend(ctx context.Context, h hubDevice, args []string, out io.Writer) error {
	port, err := parsePort(args[0])
	if err != nil {
		return err
	}
	if h.SuperSpeed() {
		err = h.SetPortFeature(ctx, hubclass.FeaturePortLinkState, port, uint8(hubclass.LinkU3))
	} else {
		err = h.SetPortFeature(ctx, hubclass.FeaturePortSuspend, port, 0)
	}
	if err != nil {
		return err
	}
	return runStatus(ctx, h, args, out)
}

func runResume(ctx context.Context, h hubDevice, args []string, out io.Writer) error {
	port, err := parsePort(args[0])
	if err != nil {
		return err
	}
	if h.SuperSpeed() {
		err = h.SetPortFeature(ctx, hubclass.FeaturePortLinkState, port, uint8(hubclass.LinkU0))
	} else {
		err = h.ClearPortFeature(ctx, hubclass.FeaturePortSuspend, port)
	}
	if err != nil {
		return err
	}
	return runStatus(ctx, h, args, out)
}

func runReset(ctx context.Context, h hubDevice, args []string, out io.Writer) error {
	port, err := parsePort(args[0])
	if err != nil {
		return err
	}
	if err := h.SetPortFeature(ctx, hubclass.FeaturePortReset, port, 0); err != nil {
		return err
	}
	return runStatus(ctx, h, args, out)
}

// runWatch prints every status change until ctx is done. Change bits are
// acknowledged so the hub reports the next one.
func runWatch(ctx context.Context, h hubDevice, _ []string, out io.Writer) error {
	d, err := h.Descriptor(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "watching %v\n", h.Info())
	for {
		bitmap, err := h.WaitChange(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for port := 1; port <= int(d.NumPorts); port++ {
			if bitmap&(1<<port) == 0 {
				continue
			}
			st, err := h.Status(ctx, port)
			if err != nil {
				return fmt.Errorf("port %d: %w", port, err)
			}
			fmt.Fprintf(out, "port %d: %s\n", port, formatStatus(st, h.SuperSpeed()))
			for _, c := range changeFeatures(st.Change, h.SuperSpeed()) {
				if err := h.ClearPortFeature(ctx, c, port); err != nil {
					pkg.LogWarn(componentCtl, "acknowledge failed", "port", port, "feature", c, "error", err)
				}
			}
		}
		if bitmap&1 != 0 {
			fmt.Fprintln(out, "hub status changed")
		}
	}
}

// changeFeatures maps set change bits to the features that clear them.
func changeFeatures(change uint16, superSpeed bool) []uint16 {
	bits := []struct {
		mask    uint16
		feature uint16
		super   bool
		usb2    bool
	}{
		{hubclass.PortChangeConnection, hubclass.FeatureCPortConnection, true, true},
		{hubclass.PortChangeEnable, hubclass.FeatureCPortEnable, false, true},
		{hubclass.PortChangeSuspend, hubclass.FeatureCPortSuspend, false, true},
		{hubclass.PortChangeOverCurrent, hubclass.FeatureCPortOverCurrent, true, true},
		{hubclass.PortChangeReset, hubclass.FeatureCPortReset, true, true},
		{hubclass.PortChangeBHReset, hubclass.FeatureCBHPortReset, true, false},
		{hubclass.PortChangeLinkState, hubclass.FeatureCPortLinkState, true, false},
		{hubclass.PortChangeConfigError, hubclass.FeatureCPortConfigError, true, false},
	}
	var out []uint16
	for _, b := range bits {
		if change&b.mask == 0 || (superSpeed && !b.super) || (!superSpeed && !b.usb2) {
			continue
		}
		out = append(out, b.feature)
	}
	return out
}
