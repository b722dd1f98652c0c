package hub

import (
	"errors"
	"testing"

	"github.com/ardnew/softhub/host/hal"
	"github.com/ardnew/softhub/host/hal/sim"
	"github.com/ardnew/softhub/host/hubclass"
	"github.com/ardnew/softhub/pkg"
)

// ssFixture returns a SuperSpeed hub on root port 1 with a SuperSpeed
// device attached to its port 2.
func ssFixture(t *testing.T) (*fixture, *Hub, *sim.Hub) {
	t.Helper()
	f := newFixture(t, sim.HubOptions{Ports: 4, Speed: hal.SpeedSuper}, testConfig())
	simHub := newSimHub(sim.HubOptions{Speed: hal.SpeedSuper})
	h := f.plugHub(f.bus.Root(), 1, simHub)
	dev := f.plugDevice(simHub, 2, sim.NewDevice(0x0781, 0x5581, 0x08, hal.SpeedSuper))
	f.waitFor("child slot", func() bool { return h.Child(2) == dev })
	return f, h, simHub
}

// =============================================================================
// SuperSpeed Hub Tests
// =============================================================================

func TestSuperSpeed_SetDepth(t *testing.T) {
	f, h, simHub := ssFixture(t)

	if err := f.drv.SetDepth(f.ctx, h.Device(), 3); err != nil {
		t.Fatalf("SetDepth failed: %v", err)
	}
	if d, _ := simHub.Depth(); d != 3 {
		t.Errorf("depth = %d, want 3", d)
	}
	if err := f.drv.SetDepth(f.ctx, h.Device(), hubclass.MaxHubDepth+1); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("SetDepth(%d) = %v, want ErrInvalidParameter", hubclass.MaxHubDepth+1, err)
	}
}

func TestSuperSpeed_PortErrorCount(t *testing.T) {
	f, h, simHub := ssFixture(t)
	simHub.SetErrorCount(2, 0x0107)

	got, err := f.drv.PortErrorCount(f.ctx, h.Device(), 2)
	if err != nil {
		t.Fatalf("PortErrorCount failed: %v", err)
	}
	if got != 0x0107 {
		t.Errorf("PortErrorCount = 0x%04X, want 0x0107", got)
	}
}

func TestSuperSpeed_PortTimeouts(t *testing.T) {
	f, h, simHub := ssFixture(t)

	if err := f.drv.SetPortTimeout(f.ctx, h.Device(), 2, hubclass.FeaturePortU1Timeout, 0x7F); err != nil {
		t.Fatalf("SetPortTimeout(U1) failed: %v", err)
	}
	if err := f.drv.SetPortTimeout(f.ctx, h.Device(), 2, hubclass.FeaturePortU2Timeout, 0x20); err != nil {
		t.Fatalf("SetPortTimeout(U2) failed: %v", err)
	}
	if err := f.drv.SetRemoteWakeMask(f.ctx, h.Device(), 2, 0x07); err != nil {
		t.Fatalf("SetRemoteWakeMask failed: %v", err)
	}

	p := simHub.Port(2)
	if p.U1Timeout != 0x7F || p.U2Timeout != 0x20 || p.RemoteWakeMask != 0x07 {
		t.Errorf("port = U1 0x%02X, U2 0x%02X, wake 0x%02X", p.U1Timeout, p.U2Timeout, p.RemoteWakeMask)
	}

	err := f.drv.SetPortTimeout(f.ctx, h.Device(), 2, hubclass.FeaturePortSuspend, 1)
	if !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("SetPortTimeout(suspend) = %v, want ErrInvalidParameter", err)
	}
}

func TestSuperSpeed_LinkTransitions(t *testing.T) {
	f, h, simHub := ssFixture(t)
	dev := h.Device()
	link := func() hubclass.LinkState { return simHub.Port(2).Status.LinkState() }

	if err := f.drv.SetLinkState(f.ctx, dev, 2, hubclass.LinkU1); err != nil {
		t.Fatalf("U0 to U1 failed: %v", err)
	}
	if link() != hubclass.LinkU1 {
		t.Errorf("link = %v, want U1", link())
	}

	if err := f.drv.SetLinkState(f.ctx, dev, 2, hubclass.LinkU2); !errors.Is(err, pkg.ErrLinkTransition) {
		t.Errorf("U1 to U2 = %v, want ErrLinkTransition", err)
	}
	if link() != hubclass.LinkU1 {
		t.Errorf("illegal transition changed link to %v", link())
	}

	if err := f.drv.SuspendLink(f.ctx, dev, 2); err != nil {
		t.Fatalf("SuspendLink failed: %v", err)
	}
	if link() != hubclass.LinkU3 {
		t.Errorf("link = %v, want U3", link())
	}

	if err := f.drv.ResumeLink(f.ctx, dev, 2); err != nil {
		t.Fatalf("ResumeLink failed: %v", err)
	}
	if link() != hubclass.LinkU0 {
		t.Errorf("link = %v, want U0", link())
	}
	if simHub.Port(2).Status.Changed(hubclass.PortChangeLinkState) {
		t.Error("link state change not acknowledged")
	}

	// Already in U0: the port reports no change.
	if err := f.drv.ResumeLink(f.ctx, dev, 2); !errors.Is(err, pkg.ErrDeviceNotResponding) {
		t.Errorf("ResumeLink from U0 = %v, want ErrDeviceNotResponding", err)
	}

	// Ports without a device are not enabled.
	if err := f.drv.SetLinkState(f.ctx, dev, 3, hubclass.LinkU0); !errors.Is(err, pkg.ErrLinkTransition) {
		t.Errorf("disabled port = %v, want ErrLinkTransition", err)
	}
}

func TestSuperSpeed_SuspendResumePort(t *testing.T) {
	f, h, simHub := ssFixture(t)

	if err := f.drv.SuspendPort(f.ctx, h.Device(), 2); err != nil {
		t.Fatalf("SuspendPort failed: %v", err)
	}
	if got := simHub.Port(2).Status.LinkState(); got != hubclass.LinkU3 {
		t.Errorf("link = %v, want U3", got)
	}
	if err := f.drv.ResumePort(f.ctx, h.Device(), 2); err != nil {
		t.Fatalf("ResumePort failed: %v", err)
	}
	if got := simHub.Port(2).Status.LinkState(); got != hubclass.LinkU0 {
		t.Errorf("link = %v, want U0", got)
	}
}

func TestSuperSpeed_RejectsUSB2Hub(t *testing.T) {
	f := newFixture(t, sim.HubOptions{Ports: 4}, testConfig())
	root := f.host.Root()

	checks := map[string]error{
		"SetDepth":          f.drv.SetDepth(f.ctx, root, 1),
		"SetLinkState":      f.drv.SetLinkState(f.ctx, root, 1, hubclass.LinkU0),
		"SetRemoteWakeMask": f.drv.SetRemoteWakeMask(f.ctx, root, 1, 1),
		"ResumeLink":        f.drv.ResumeLink(f.ctx, root, 1),
	}
	if _, err := f.drv.PortErrorCount(f.ctx, root, 1); err != nil {
		checks["PortErrorCount"] = err
	} else {
		t.Error("PortErrorCount on USB 2.0 hub succeeded")
	}
	for name, err := range checks {
		if !errors.Is(err, pkg.ErrNotSupported) {
			t.Errorf("%s = %v, want ErrNotSupported", name, err)
		}
	}
}
