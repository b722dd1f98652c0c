package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/softhub/host"
	"github.com/ardnew/softhub/host/hal"
	"github.com/ardnew/softhub/host/hal/sim"
	"github.com/ardnew/softhub/host/hubclass"
)

// enumCall records one Enumerate request.
type enumCall struct {
	parent *host.Device
	port   int
	speed  hal.Speed
}

// testStack wraps a host stack to record and fail selected operations.
type testStack struct {
	*host.Host

	mu         sync.Mutex
	enumerated []enumCall
	enumFail   int
	removed    []*host.Device
	otg        []host.OTGStatus
	claimErr   error

	dropControl  bool
	dropped      []func(int, error)
	droppedSetup []*hal.SetupPacket
}

func (s *testStack) SubmitControl(dev *host.Device, setup *hal.SetupPacket, data []byte, done func(int, error)) error {
	s.mu.Lock()
	if s.dropControl {
		s.dropped = append(s.dropped, done)
		s.droppedSetup = append(s.droppedSetup, setup)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.Host.SubmitControl(dev, setup, data, done)
}

func (s *testStack) Enumerate(ctx context.Context, parent *host.Device, port int, speed hal.Speed) (*host.Device, error) {
	s.mu.Lock()
	s.enumerated = append(s.enumerated, enumCall{parent: parent, port: port, speed: speed})
	fail := s.enumFail > 0
	if fail {
		s.enumFail--
	}
	s.mu.Unlock()
	if fail {
		return nil, host.ErrEnumerationFailed
	}
	return s.Host.Enumerate(ctx, parent, port, speed)
}

func (s *testStack) Deenumerate(dev *host.Device) error {
	s.mu.Lock()
	s.removed = append(s.removed, dev)
	s.mu.Unlock()
	return s.Host.Deenumerate(dev)
}

func (s *testStack) ReportOTGStatus(status host.OTGStatus) {
	s.mu.Lock()
	s.otg = append(s.otg, status)
	s.mu.Unlock()
	s.Host.ReportOTGStatus(status)
}

func (s *testStack) ClaimInterface(dev *host.Device, iface uint8) error {
	s.mu.Lock()
	err := s.claimErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Host.ClaimInterface(dev, iface)
}

func (s *testStack) enumerations() []enumCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]enumCall(nil), s.enumerated...)
}

func (s *testStack) removals(dev *host.Device) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.removed {
		if d == dev {
			n++
		}
	}
	return n
}

func (s *testStack) otgReports() []host.OTGStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]host.OTGStatus(nil), s.otg...)
}

// fixture is a running host stack on a simulated bus with the hub driver
// bound.
type fixture struct {
	t     *testing.T
	ctx   context.Context
	bus   *sim.Bus
	host  *host.Host
	stack *testStack
	drv   *Driver
}

// testConfig shortens every delay so the state machine runs in
// milliseconds.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timing = Timing{
		DebounceTime:    4 * time.Millisecond,
		DebounceStep:    time.Millisecond,
		PortChangeWait:  time.Millisecond,
		ResetShortDelay: time.Millisecond,
		ResetLongDelay:  time.Millisecond,
		ControlTimeout:  time.Second,
		PowerSettleUnit: 0,
	}
	return cfg
}

func newFixture(t *testing.T, root sim.HubOptions, cfg Config) *fixture {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	bus := sim.New(root)
	h := host.New(bus)
	stack := &testStack{Host: h}

	drv, err := New(stack, cfg)
	if err != nil {
		cancel()
		t.Fatalf("New failed: %v", err)
	}
	if err := h.RegisterDriver(drv); err != nil {
		cancel()
		t.Fatalf("RegisterDriver failed: %v", err)
	}
	if err := drv.Start(ctx); err != nil {
		cancel()
		t.Fatalf("driver Start failed: %v", err)
	}
	if err := h.Start(ctx); err != nil {
		drv.Close()
		cancel()
		t.Fatalf("host Start failed: %v", err)
	}

	t.Cleanup(func() {
		drv.Close()
		h.Stop()
		cancel()
	})

	f := &fixture{t: t, ctx: ctx, bus: bus, host: h, stack: stack, drv: drv}
	f.waitFor("root hub attached", func() bool {
		return h.Root() != nil && drv.Find(h.Root()) != nil
	})
	return f
}

// waitFor polls cond until it holds or the test times out.
func (f *fixture) waitFor(what string, cond func() bool) {
	f.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			f.t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// sync waits until the worker has serviced every status change posted so
// far. It signals the last root hub port, which tests leave empty, and
// waits for the resulting status read.
func (f *fixture) sync() {
	f.t.Helper()
	root := f.bus.Root()
	port := root.NumPorts()
	n := countStatus(root.Requests(), uint8(port))
	root.Signal(port)
	f.waitFor("worker idle", func() bool {
		return countStatus(root.Requests(), uint8(port)) > n
	})
}

func (f *fixture) root() *Hub {
	return f.drv.Find(f.host.Root())
}

// plugHub attaches a simulated hub to port of parent and waits for the
// driver to bind it.
func (f *fixture) plugHub(parent *sim.Hub, port int, node *sim.Hub) *Hub {
	f.t.Helper()
	if err := parent.Plug(port, node); err != nil {
		f.t.Fatalf("Plug failed: %v", err)
	}
	var h *Hub
	f.waitFor("hub attached", func() bool {
		dev := f.host.GetDevice(uint8(f.bus.AddressOf(node)))
		if dev == nil {
			return false
		}
		h = f.drv.Find(dev)
		return h != nil && h.RefCount() > 0
	})
	return h
}

// plugDevice attaches a simulated function to port of parent and waits
// for it to be enumerated.
func (f *fixture) plugDevice(parent *sim.Hub, port int, node sim.Node) *host.Device {
	f.t.Helper()
	if err := parent.Plug(port, node); err != nil {
		f.t.Fatalf("Plug failed: %v", err)
	}
	var dev *host.Device
	f.waitFor("device enumerated", func() bool {
		addr := f.bus.AddressOf(node)
		if addr == hal.DefaultAddress {
			return false
		}
		dev = f.host.GetDevice(uint8(addr))
		return dev != nil
	})
	return dev
}

func newSimHub(opts sim.HubOptions) *sim.Hub {
	if opts.Ports == 0 {
		opts.Ports = 4
	}
	return sim.NewHub(0x05E3, 0x0610, opts)
}

func newSimDevice(speed hal.Speed) *sim.Device {
	return sim.NewDevice(0x046D, 0xC077, 0x03, speed)
}

// countRequests counts logged requests with the given code, feature or
// descriptor value and port.
func countRequests(reqs []hal.SetupPacket, request uint8, value uint16, port uint8) int {
	n := 0
	for _, r := range reqs {
		if r.Request == request && r.Value == value && uint8(r.Index) == port {
			n++
		}
	}
	return n
}

func isRequest(request uint8, value uint16, port uint8) func(hal.SetupPacket) bool {
	return func(s hal.SetupPacket) bool {
		return s.Request == request && s.Value == value && uint8(s.Index) == port
	}
}

func countStatus(reqs []hal.SetupPacket, port uint8) int {
	n := 0
	for _, r := range reqs {
		if r.Request == hubclass.RequestGetStatus && r.RequestType == hubclass.RequestTypePortIn && uint8(r.Index) == port {
			n++
		}
	}
	return n
}
