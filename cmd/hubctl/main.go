package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/ardnew/softhub/host/hal/libusb"
	"github.com/ardnew/softhub/pkg"
)

// Component identifier for hubctl logging.
const componentCtl pkg.Component = "hubctl"

// Linux Foundation vendor ID carried by root hubs.
const rootHubVendor = 0x1D6B

var (
	hubFlag = flag.String("hub", "", "Hub to open as BUS:ADDRESS (default: the only external hub)")
	verbose = flag.Bool("v", false, "Enable verbose logging")
	jsonOut = flag.Bool("json", false, "Output logs as JSON")
)

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "usage: %s [flags] command [args]\n\ncommands:\n", os.Args[0])
	fmt.Fprintln(out, "  list")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %s %s\n", name, commands[name].args)
	}
	fmt.Fprintln(out, "\nflags:")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	}
	if *jsonOut {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	}
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", flag.Arg(0), err)
		if errors.Is(err, pkg.ErrInvalidParameter) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	usb := libusb.NewContext()
	defer usb.Close()

	if args[0] == "list" {
		hubs, err := usb.Hubs()
		for _, h := range hubs {
			fmt.Fprintf(out, "%v (%s, %v)\n", h, h.Class, h.Speed)
		}
		return err
	}

	cmd, err := lookupCommand(args[0], args[1:])
	if err != nil {
		return err
	}
	bus, addr, err := selectHub(usb, *hubFlag)
	if err != nil {
		return err
	}
	h, err := usb.OpenHub(bus, addr)
	if err != nil {
		return err
	}
	defer h.Close()
	return cmd.run(ctx, h, args[1:], out)
}

func lookupCommand(name string, args []string) (hubCommand, error) {
	cmd, ok := commands[name]
	if !ok {
		return cmd, fmt.Errorf("%w: unknown command %q", pkg.ErrInvalidParameter, name)
	}
	if (cmd.nargs >= 0 && len(args) != cmd.nargs) || (cmd.nargs < 0 && len(args) > 1) {
		return cmd, fmt.Errorf("%w: usage: %s %s", pkg.ErrInvalidParameter, name, cmd.args)
	}
	return cmd, nil
}

// hubLister lists the hubs on the system.
type hubLister interface {
	Hubs() ([]libusb.Info, error)
}

// selectHub resolves the -hub flag. Without it, the only hub that is not a
// root hub is chosen.
func selectHub(usb hubLister, sel string) (bus, addr int, err error) {
	if sel != "" {
		return parseHubAddress(sel)
	}
	hubs, err := usb.Hubs()
	if err != nil && len(hubs) == 0 {
		return 0, 0, err
	}
	var external []libusb.Info
	for _, h := range hubs {
		if h.VendorID != rootHubVendor {
			external = append(external, h)
		}
	}
	switch len(external) {
	case 0:
		return 0, 0, fmt.Errorf("no external hub found: %w", pkg.ErrNotFound)
	case 1:
		return external[0].Bus, external[0].Address, nil
	}
	names := make([]string, len(external))
	for i, h := range external {
		names[i] = fmt.Sprintf("%d:%d", h.Bus, h.Address)
	}
	return 0, 0, fmt.Errorf("%w: several hubs found, choose one with -hub (%s)",
		pkg.ErrInvalidParameter, strings.Join(names, ", "))
}

func parseHubAddress(sel string) (bus, addr int, err error) {
	b, a, ok := strings.Cut(sel, ":")
	if ok {
		bus, err = strconv.Atoi(b)
		if err == nil {
			addr, err = strconv.Atoi(a)
		}
	}
	if !ok || err != nil || bus < 0 || addr < 1 || addr > 127 {
		return 0, 0, fmt.Errorf("%w: hub %q is not BUS:ADDRESS", pkg.ErrInvalidParameter, sel)
	}
	return bus, addr, nil
}
