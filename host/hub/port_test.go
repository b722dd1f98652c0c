package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ardnew/softhub/host"
	"github.com/ardnew/softhub/host/hal"
	"github.com/ardnew/softhub/host/hal/sim"
	"github.com/ardnew/softhub/host/hubclass"
	"github.com/ardnew/softhub/pkg"
)

// =============================================================================
// Debounce Tests
// =============================================================================

func TestDebounce_RequiresStableWindow(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, sim.HubOptions{Ports: 4}, cfg)
	root := f.bus.Root()
	root.ResetRequests()

	root.SetConnectSequence(1, true, true, false)
	f.plugDevice(root, 1, newSimDevice(hal.SpeedHigh))

	reqs := root.Requests()
	lastClear, firstReset := -1, -1
	for i, r := range reqs {
		if uint8(r.Index) != 1 {
			continue
		}
		if r.Request == hubclass.RequestClearFeature && r.Value == hubclass.FeatureCPortConnection {
			lastClear = i
		}
		if r.Request == hubclass.RequestSetFeature && r.Value == hubclass.FeaturePortReset && firstReset < 0 {
			firstReset = i
		}
	}
	if lastClear < 0 || firstReset < lastClear {
		t.Fatalf("reset at %d before last connection clear at %d", firstReset, lastClear)
	}

	window := int(cfg.Timing.DebounceTime / cfg.Timing.DebounceStep)
	if got := countStatus(reqs[lastClear:firstReset], 1); got != window {
		t.Errorf("%d stable status reads before reset, want %d", got, window)
	}
}

func TestDebounce_GivesUp(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, sim.HubOptions{Ports: 4}, cfg)
	root := f.bus.Root()
	root.ResetRequests()

	seq := []bool{true}
	for i := 0; i < cfg.MaxDebounceErrors; i++ {
		seq = append(seq, false)
	}
	root.SetConnectSequence(1, seq...)
	if err := root.Plug(1, newSimDevice(hal.SpeedFull)); err != nil {
		t.Fatal(err)
	}
	f.sync()

	reqs := root.Requests()
	if n := countRequests(reqs, hubclass.RequestSetFeature, hubclass.FeaturePortReset, 1); n != 0 {
		t.Errorf("port reset %d times after debounce failure, want 0", n)
	}
	if n := countRequests(reqs, hubclass.RequestClearFeature, hubclass.FeatureCPortConnection, 1); n != cfg.MaxDebounceErrors+1 {
		t.Errorf("C_PORT_CONNECTION cleared %d times, want %d", n, cfg.MaxDebounceErrors+1)
	}
	if len(f.stack.enumerations()) != 0 {
		t.Error("Enumerate called for a port that never settled")
	}
	if c := f.root().Child(1); c != nil {
		t.Errorf("Child(1) = %v, want nil", c)
	}
}

// =============================================================================
// Reset Tests
// =============================================================================

func TestReset_RetryBound(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, sim.HubOptions{Ports: 4}, cfg)
	simHub := newSimHub(sim.HubOptions{Ports: 4})
	h := f.plugHub(f.bus.Root(), 1, simHub)

	simHub.SetResetPolls(2, -1)
	simHub.ResetRequests()
	if err := simHub.Plug(2, newSimDevice(hal.SpeedHigh)); err != nil {
		t.Fatal(err)
	}
	f.waitFor("port suspended", func() bool {
		return countRequests(simHub.Requests(), hubclass.RequestClearFeature, hubclass.FeaturePortSuspend, 2) > 0
	})
	f.sync()

	reqs := simHub.Requests()
	if n := countRequests(reqs, hubclass.RequestSetFeature, hubclass.FeaturePortReset, 2); n != cfg.ResetTries {
		t.Errorf("port reset %d times, want %d", n, cfg.ResetTries)
	}
	if n := countRequests(reqs, hubclass.RequestSetFeature, hubclass.FeaturePortSuspend, 2); n != 1 {
		t.Errorf("port suspend set %d times, want 1", n)
	}

	first := -1
	for i, r := range reqs {
		if r.Request == hubclass.RequestSetFeature && r.Value == hubclass.FeaturePortReset {
			first = i
			break
		}
	}
	if got, want := countStatus(reqs[first:], 2), cfg.ResetTries*cfg.ResetPolls; got != want {
		t.Errorf("%d status polls during reset, want %d", got, want)
	}
	if c := h.Child(2); c != nil {
		t.Errorf("Child(2) = %v, want nil", c)
	}
}

func TestReset_SuperSpeedParksInU3(t *testing.T) {
	f := newFixture(t, sim.HubOptions{Ports: 4, Speed: hal.SpeedSuper}, testConfig())
	simHub := newSimHub(sim.HubOptions{Speed: hal.SpeedSuper})
	f.plugHub(f.bus.Root(), 1, simHub)

	simHub.SetResetPolls(3, -1)
	if err := simHub.Plug(3, newSimDevice(hal.SpeedSuper)); err != nil {
		t.Fatal(err)
	}
	f.waitFor("link in U3", func() bool {
		return simHub.Port(3).Status.LinkState() == hubclass.LinkU3
	})
}

func TestEnumerate_Retries(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, sim.HubOptions{Ports: 4}, cfg)
	root := f.bus.Root()

	f.stack.mu.Lock()
	f.stack.enumFail = cfg.EnumRetries - 1
	f.stack.mu.Unlock()

	root.ResetRequests()
	dev := f.plugDevice(root, 2, newSimDevice(hal.SpeedLow))
	f.waitFor("child slot", func() bool { return f.root().Child(2) == dev })

	if n := len(f.stack.enumerations()); n != cfg.EnumRetries {
		t.Errorf("Enumerate called %d times, want %d", n, cfg.EnumRetries)
	}
	if n := countRequests(root.Requests(), hubclass.RequestSetFeature, hubclass.FeaturePortReset, 2); n != cfg.EnumRetries {
		t.Errorf("port reset %d times, want %d", n, cfg.EnumRetries)
	}
	if dev.Speed() != hal.SpeedLow {
		t.Errorf("speed = %v, want %v", dev.Speed(), hal.SpeedLow)
	}
}

func TestEnumerate_ExhaustedSuspends(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, sim.HubOptions{Ports: 4}, cfg)
	simHub := newSimHub(sim.HubOptions{Ports: 4})
	h := f.plugHub(f.bus.Root(), 1, simHub)

	f.stack.mu.Lock()
	f.stack.enumFail = cfg.EnumRetries
	f.stack.mu.Unlock()

	simHub.ResetRequests()
	if err := simHub.Plug(4, newSimDevice(hal.SpeedFull)); err != nil {
		t.Fatal(err)
	}
	f.waitFor("port suspended", func() bool {
		return countRequests(simHub.Requests(), hubclass.RequestClearFeature, hubclass.FeaturePortSuspend, 4) > 0
	})

	if n := countRequests(simHub.Requests(), hubclass.RequestSetFeature, hubclass.FeaturePortReset, 4); n != cfg.EnumRetries {
		t.Errorf("port reset %d times, want %d", n, cfg.EnumRetries)
	}
	if c := h.Child(4); c != nil {
		t.Errorf("Child(4) = %v, want nil", c)
	}
}

// =============================================================================
// Status Change Tests
// =============================================================================

func TestStatusChange_AcknowledgesEveryBit(t *testing.T) {
	f := newFixture(t, sim.HubOptions{Ports: 5}, testConfig())
	root := f.bus.Root()

	features := []uint16{
		hubclass.FeatureCPortConnection,
		hubclass.FeatureCPortEnable,
		hubclass.FeatureCPortSuspend,
		hubclass.FeatureCPortOverCurrent,
		hubclass.FeatureCPortReset,
	}
	for port := 1; port <= 4; port++ {
		root.SetPortStatus(port, hubclass.Status{
			Status: hubclass.PortStatusPower,
			Change: hubclass.PortChangeConnection | hubclass.PortChangeEnable | hubclass.PortChangeSuspend |
				hubclass.PortChangeOverCurrent | hubclass.PortChangeReset,
		})
	}
	// Failing acknowledgements must not stop the others or the scan.
	root.Fail(func(s hal.SetupPacket) bool {
		port := uint8(s.Index)
		return s.Request == hubclass.RequestClearFeature && s.Recipient() == hal.RecipientOther &&
			port >= 1 && port <= 4
	}, pkg.ErrStall)
	root.ResetRequests()
	for port := 1; port <= 4; port++ {
		root.Signal(port)
	}
	f.sync()

	reqs := root.Requests()
	for port := uint8(1); port <= 4; port++ {
		for _, feature := range features {
			if n := countRequests(reqs, hubclass.RequestClearFeature, feature, port); n != 1 {
				t.Errorf("port %d: feature %d cleared %d times, want 1", port, feature, n)
			}
		}
		// Over-current has cleared, so the port is powered again.
		if n := countRequests(reqs, hubclass.RequestSetFeature, hubclass.FeaturePortPower, port); n != 1 {
			t.Errorf("port %d: PORT_POWER set %d times, want 1", port, n)
		}
		if n := countRequests(reqs, hubclass.RequestClearFeature, hubclass.FeatureCPortSRP, port); n != 0 {
			t.Errorf("port %d: C_PORT_SRP cleared %d times without a change, want 0", port, n)
		}
	}

	clears := 0
	for _, r := range reqs {
		if r.Request == hubclass.RequestClearFeature && uint8(r.Index) >= 1 && uint8(r.Index) <= 4 {
			clears++
		}
	}
	if want := 4 * len(features); clears != want {
		t.Errorf("%d clear requests, want %d", clears, want)
	}
}

func TestStatusChange_WaitsOncePerScan(t *testing.T) {
	cfg := testConfig()
	cfg.Timing.PortChangeWait = 40 * time.Millisecond
	f := newFixture(t, sim.HubOptions{Ports: 4}, cfg)
	root := f.root()

	tests := []struct {
		name   string
		bitmap uint32
	}{
		{"reset change only", 1 << 3},
		{"four ports", 1<<1 | 1<<2 | 1<<3 | 1<<4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for port := 1; port <= 4; port++ {
				if tt.bitmap&(1<<port) != 0 {
					f.bus.Root().SetPortStatus(port, hubclass.Status{
						Status: hubclass.PortStatusPower,
						Change: hubclass.PortChangeReset,
					})
				}
			}
			start := time.Now()
			if err := f.drv.portStatusChange(f.ctx, root, tt.bitmap); err != nil {
				t.Fatalf("portStatusChange() error = %v", err)
			}
			elapsed := time.Since(start)
			if elapsed < cfg.Timing.PortChangeWait {
				t.Errorf("scan took %v, want at least %v", elapsed, cfg.Timing.PortChangeWait)
			}
			if elapsed >= 2*cfg.Timing.PortChangeWait {
				t.Errorf("scan took %v, want one wait of %v", elapsed, cfg.Timing.PortChangeWait)
			}
		})
	}
}

func TestStatusChange_SessionRequestReenumerates(t *testing.T) {
	f := newFixture(t, sim.HubOptions{Ports: 4, SRPPorts: 0x02}, testConfig())
	root := f.bus.Root()

	old := f.plugDevice(root, 1, newSimDevice(hal.SpeedFull))
	f.waitFor("child slot", func() bool { return f.root().Child(1) == old })
	before := len(f.stack.enumerations())

	root.ResetRequests()
	st := root.Port(1).Status
	st.Change |= hubclass.PortChangeSRP
	root.SetPortStatus(1, st)
	root.Signal(1)

	var dev *host.Device
	f.waitFor("device re-enumerated", func() bool {
		dev = f.root().Child(1)
		return dev != nil && dev != old
	})
	f.sync()

	if n := f.stack.removals(old); n != 1 {
		t.Errorf("old device deenumerated %d times, want 1", n)
	}
	if old.Context().Err() == nil {
		t.Error("old device context not cancelled")
	}
	if n := len(f.stack.enumerations()) - before; n != 1 {
		t.Errorf("Enumerate called %d times, want 1", n)
	}
	if dev.Speed() != hal.SpeedFull {
		t.Errorf("speed = %v, want %v", dev.Speed(), hal.SpeedFull)
	}

	reqs := root.Requests()
	index := func(request uint8, value uint16) int {
		for i, r := range reqs {
			if r.Request == request && r.Value == value && uint8(r.Index) == 1 {
				return i
			}
		}
		return -1
	}
	srp := index(hubclass.RequestClearFeature, hubclass.FeatureCPortSRP)
	power := index(hubclass.RequestSetFeature, hubclass.FeaturePortPower)
	reset := index(hubclass.RequestSetFeature, hubclass.FeaturePortReset)
	if srp < 0 || power < srp || reset < power {
		t.Errorf("request order: C_PORT_SRP at %d, PORT_POWER at %d, PORT_RESET at %d", srp, power, reset)
	}
	if n := countRequests(reqs, hubclass.RequestClearFeature, hubclass.FeatureCPortSRP, 1); n != 1 {
		t.Errorf("C_PORT_SRP cleared %d times, want 1", n)
	}
	if n := countRequests(reqs, hubclass.RequestSetFeature, hubclass.FeaturePortReset, 1); n != 1 {
		t.Errorf("port reset %d times, want 1", n)
	}
}

func TestStatusChange_PortOverCurrent(t *testing.T) {
	f := newFixture(t, sim.HubOptions{Ports: 4}, testConfig())
	root := f.bus.Root()

	root.OverCurrent(3, true)
	f.sync()
	if root.Port(3).Status.Powered(false) {
		t.Fatal("port powered during over-current")
	}
	if root.Port(3).Status.Changed(hubclass.PortChangeOverCurrent) {
		t.Error("over-current change not acknowledged")
	}

	root.ResetRequests()
	root.OverCurrent(3, false)
	f.sync()
	if !root.Port(3).Status.Powered(false) {
		t.Error("port not re-powered after over-current cleared")
	}
	if n := countRequests(root.Requests(), hubclass.RequestSetFeature, hubclass.FeaturePortPower, 3); n != 1 {
		t.Errorf("PORT_POWER set %d times, want 1", n)
	}
}

func TestStatusChange_HubOverCurrent(t *testing.T) {
	f := newFixture(t, sim.HubOptions{Ports: 4}, testConfig())
	simHub := newSimHub(sim.HubOptions{Ports: 4})
	f.plugHub(f.bus.Root(), 1, simHub)

	simHub.OverCurrent(0, true)
	f.waitFor("hub over-current acknowledged", func() bool {
		return countRequests(simHub.Requests(), hubclass.RequestClearFeature, hubclass.FeatureCHubOverCurrent, 0) == 1
	})

	simHub.ResetRequests()
	simHub.OverCurrent(0, false)
	f.waitFor("ports re-powered", func() bool {
		reqs := simHub.Requests()
		for port := uint8(1); port <= 4; port++ {
			if countRequests(reqs, hubclass.RequestSetFeature, hubclass.FeaturePortPower, port) != 1 {
				return false
			}
		}
		return true
	})
}

func TestStatusChange_ChainTooDeep(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHubChain = 1
	f := newFixture(t, sim.HubOptions{Ports: 4}, cfg)
	simHub := newSimHub(sim.HubOptions{Ports: 4})
	h := f.plugHub(f.bus.Root(), 1, simHub)

	var (
		mu      sync.Mutex
		reports []host.OTGStatus
	)
	f.host.SetOnOTGStatus(func(s host.OTGStatus) {
		mu.Lock()
		reports = append(reports, s)
		mu.Unlock()
	})

	before := len(f.stack.enumerations())
	if err := simHub.Plug(1, newSimDevice(hal.SpeedFull)); err != nil {
		t.Fatal(err)
	}
	f.waitFor("OTG report", func() bool { return len(f.stack.otgReports()) > 0 })
	f.sync()

	if got := f.stack.otgReports(); got[0] != host.OTGStatusMaxHubExceeded {
		t.Errorf("OTG report = %v, want %v", got[0], host.OTGStatusMaxHubExceeded)
	}
	mu.Lock()
	if len(reports) == 0 || reports[0] != host.OTGStatusMaxHubExceeded {
		t.Errorf("host OTG callback got %v", reports)
	}
	mu.Unlock()
	if n := len(f.stack.enumerations()); n != before {
		t.Errorf("Enumerate called %d times for a rejected connection", n-before)
	}
	if n := countRequests(simHub.Requests(), hubclass.RequestSetFeature, hubclass.FeaturePortReset, 1); n != 0 {
		t.Errorf("rejected port reset %d times, want 0", n)
	}
	if c := h.Child(1); c != nil {
		t.Errorf("Child(1) = %v, want nil", c)
	}
}

// =============================================================================
// Disconnect Tests
// =============================================================================

func TestDisconnect_Device(t *testing.T) {
	cfg := testConfig()
	cfg.SuperSpeed = false
	f := newFixture(t, sim.HubOptions{Ports: 4}, cfg)
	root := f.bus.Root()

	dev := f.plugDevice(root, 1, newSimDevice(hal.SpeedHigh))
	f.waitFor("child slot", func() bool { return f.root().Child(1) == dev })

	root.ResetRequests()
	if _, err := root.Unplug(1); err != nil {
		t.Fatal(err)
	}
	f.waitFor("child removed", func() bool { return f.root().Child(1) == nil })

	if f.host.GetDevice(dev.Address()) != nil {
		t.Error("device still present on host")
	}
	if dev.Context().Err() == nil {
		t.Error("device context not cancelled")
	}
	if n := countRequests(root.Requests(), hubclass.RequestClearFeature, hubclass.FeaturePortEnable, 1); n != 1 {
		t.Errorf("port disabled %d times, want 1", n)
	}
}

func TestDisconnect_DeinitsOnSuperSpeedStack(t *testing.T) {
	f := newFixture(t, sim.HubOptions{Ports: 4}, testConfig())
	root := f.bus.Root()

	dev := f.plugDevice(root, 2, newSimDevice(hal.SpeedHigh))
	f.waitFor("child slot", func() bool { return f.root().Child(2) == dev })
	addr := dev.Address()

	if _, err := root.Unplug(2); err != nil {
		t.Fatal(err)
	}
	f.waitFor("child removed", func() bool { return f.root().Child(2) == nil })

	found := false
	for _, c := range f.bus.Hooks() {
		if c.Op == "deinit" && c.Addr == hal.DeviceAddress(addr) {
			found = true
		}
	}
	if !found {
		t.Errorf("no deinit hook for address %d", addr)
	}
}

func TestDisconnect_PairsControllerHooks(t *testing.T) {
	f := newFixture(t, sim.HubOptions{Ports: 4}, testConfig())
	rootAddr := hal.DeviceAddress(f.host.Root().Address())
	if hooks := f.bus.Hooks(); len(hooks) != 0 {
		t.Fatalf("hooks after root attach = %v, want none", hooks)
	}

	simHub := newSimHub(sim.HubOptions{Ports: 4})
	h := f.plugHub(f.bus.Root(), 1, simHub)
	hubAddr := hal.DeviceAddress(h.Device().Address())
	leaf := f.plugDevice(simHub, 2, newSimDevice(hal.SpeedFull))
	f.waitFor("leaf slot", func() bool { return h.Child(2) == leaf })
	leafAddr := hal.DeviceAddress(leaf.Address())

	if _, err := f.bus.Root().Unplug(1); err != nil {
		t.Fatal(err)
	}
	f.waitFor("subtree freed", func() bool { return f.drv.Registry().Len() == 1 })

	var got []sim.HookCall
	for _, c := range f.bus.Hooks() {
		if c.Op != "update" {
			got = append(got, c)
		}
	}
	want := []sim.HookCall{
		{Op: "init", Hub: rootAddr},
		{Op: "init", Hub: hubAddr},
		{Op: "deinit", Hub: hubAddr, Addr: leafAddr},
		{Op: "deinit", Hub: rootAddr, Addr: hubAddr},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("controller hooks mismatch (-want +got):\n%s", diff)
	}
}

func TestDisconnect_RecursiveShutdown(t *testing.T) {
	f := newFixture(t, sim.HubOptions{Ports: 4}, testConfig())
	outer := newSimHub(sim.HubOptions{Ports: 4})
	inner := newSimHub(sim.HubOptions{Ports: 4})

	a := f.plugHub(f.bus.Root(), 1, outer)
	b := f.plugHub(outer, 2, inner)
	leaf := f.plugDevice(inner, 3, newSimDevice(hal.SpeedFull))
	f.waitFor("leaf slot", func() bool { return b.Child(3) == leaf })

	if _, err := f.bus.Root().Unplug(1); err != nil {
		t.Fatal(err)
	}
	f.waitFor("subtree freed", func() bool { return f.drv.Registry().Len() == 1 })

	for _, dev := range []*host.Device{a.Device(), b.Device(), leaf} {
		if n := f.stack.removals(dev); n != 1 {
			t.Errorf("%v deenumerated %d times, want 1", dev, n)
		}
	}
	if a.State() != StateShutdown || b.State() != StateShutdown {
		t.Errorf("states = %v, %v, want shutdown", a.State(), b.State())
	}
	if n := len(f.host.Devices()); n != 1 {
		t.Errorf("%d devices left on host, want 1", n)
	}
	if c := f.root().Child(1); c != nil {
		t.Errorf("root Child(1) = %v, want nil", c)
	}
}
