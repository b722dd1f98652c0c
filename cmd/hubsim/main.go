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
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softhub/host"
	"github.com/ardnew/softhub/host/hal"
	"github.com/ardnew/softhub/host/hal/sim"
	"github.com/ardnew/softhub/host/hub"
	"github.com/ardnew/softhub/pkg"
	"github.com/ardnew/softhub/pkg/conf"
	"github.com/ardnew/softhub/pkg/prof"
)

// Component identifier for hubsim logging.
const componentSim pkg.Component = "hubsim"

var (
	configPath = flag.String("config", "softhub.ini", "Configuration file")
	rootPorts  = flag.Int("ports", 4, "Number of root hub ports")
	superSpeed = flag.Bool("super", false, "Simulate a SuperSpeed root hub")
	hold       = flag.Bool("hold", false, "Keep running after the script until interrupted")
	verbose    = flag.Bool("v", false, "Enable verbose logging")
	jsonOut    = flag.Bool("json", false, "Output logs as JSON")
	profileDir = flag.String("profile", "", "Write CPU and runtime profiles to this directory (requires -tags profile)")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [script]\n\n", os.Args[0])
		fmt.Fprintln(flag.CommandLine.Output(), "Runs a topology script against the hub driver on a simulated bus.")
		fmt.Fprintln(flag.CommandLine.Output(), "The script is read from standard input when no file is given.")
		flag.PrintDefaults()
	}
	flag.Parse()

	settings, err := conf.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *verbose {
		settings.LogLevel = slog.LevelDebug
	}
	if *jsonOut {
		settings.LogFormat = pkg.LogFormatJSON
	}
	settings.Apply()

	var in io.Reader = os.Stdin
	if flag.NArg() > 0 {
		f, err := os.Open(flag.Arg(0))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		defer f.Close()
		in = f
	}
	cmds, err := parseScript(in)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	opts := sim.HubOptions{Ports: *rootPorts}
	if *superSpeed {
		opts.Speed = hal.SpeedSuper
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var session *prof.Session
	if *profileDir != "" {
		session, err = prof.Start(prof.Options{Dir: *profileDir, BlockRate: 1, MutexFraction: 1})
		if err != nil {
			fmt.Fprintln(os.Stderr, "profile:", err)
			os.Exit(2)
		}
	}

	err = simulate(ctx, settings.Hub, opts, cmds, *hold, os.Stdout)
	if perr := session.Stop(); perr != nil {
		pkg.LogWarn(componentSim, "profiling failed", "error", perr)
	}
	if err != nil {
		pkg.LogError(componentSim, "scenario failed", "error", err)
		os.Exit(1)
	}
}

// simulate brings up a host stack with the hub driver on a simulated bus,
// runs cmds against it and tears everything down. With hold set it keeps
// the stack running after the script until ctx is done.
func simulate(ctx context.Context, cfg hub.Config, root sim.HubOptions, cmds []command, hold bool, out io.Writer) (err error) {
	bus := sim.New(root)
	h := host.New(bus)
	drv, err := hub.New(h, cfg)
	if err != nil {
		return err
	}
	if err := h.RegisterDriver(drv); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := drv.Start(gctx); err != nil {
		return err
	}
	if err := h.Start(gctx); err != nil {
		return errors.Join(err, drv.Close())
	}
	defer func() {
		err = errors.Join(err, drv.Close(), h.Stop())
	}()

	w := newWorld(bus, h, drv, out)
	h.SetOnDeviceConnect(func(dev *host.Device) {
		pkg.LogInfo(componentSim, "device connected", "device", dev)
	})
	h.SetOnDeviceDisconnect(func(dev *host.Device) {
		pkg.LogInfo(componentSim, "device disconnected", "device", dev)
	})
	h.SetOnOTGStatus(func(status host.OTGStatus) {
		pkg.LogWarn(componentSim, "topology report", "status", status)
	})

	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		if err := w.expect(gctx, "attached", rootName, DefaultExpectTimeout); err != nil {
			return err
		}
		return w.run(gctx, cmds)
	})
	g.Go(func() error {
		<-done
		if hold {
			<-gctx.Done()
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		pkg.LogInfo(componentSim, "interrupted")
		err = nil
	}
	return err
}
