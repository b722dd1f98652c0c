package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/google/uuid"

	"github.com/ardnew/softhub/host"
	"github.com/ardnew/softhub/host/hal"
	"github.com/ardnew/softhub/host/hal/sim"
	"github.com/ardnew/softhub/host/hub"
	"github.com/ardnew/softhub/pkg"
)

// rootName names the controller's root hub in scripts.
const rootName = "root"

// DefaultExpectTimeout bounds an expect command without an explicit timeout.
const DefaultExpectTimeout = 5 * time.Second

// command is one parsed script line.
type command struct {
	line int
	verb string
	args []string
	opts map[string]string
}

func (c command) String() string {
	return fmt.Sprintf("line %d: %s", c.line, c.verb)
}

// arity gives the positional argument count of each verb.
var arity = map[string]int{
	"hub":             3, // NAME PARENT PORT
	"device":          3, // NAME PARENT PORT
	"unplug":          2, // PARENT PORT
	"overcurrent":     3, // HUB PORT on|off
	"connect-seq":     2, // HUB PORT, then options b=0|1...
	"reset-polls":     3, // HUB PORT N
	"fail-interrupts": 2, // HUB COUNT
	"suspend":         2, // HUB PORT
	"resume":          2, // HUB PORT
	"wait":            1, // DURATION
	"expect":          2, // attached|detached NAME
	"show":            0,
}

// parseScript splits r into commands. Lines are tokenized like a shell;
// a token of the form key=value is an option, and '#' starts a comment.
func parseScript(r io.Reader) ([]command, error) {
	var cmds []command
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		words, err := shlex.Split(sc.Text())
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		if len(words) == 0 {
			continue
		}
		c := command{line: n, verb: strings.ToLower(words[0]), opts: map[string]string{}}
		want, ok := arity[c.verb]
		if !ok {
			return nil, fmt.Errorf("line %d: %w: unknown command %q", n, pkg.ErrInvalidParameter, words[0])
		}
		for _, w := range words[1:] {
			if k, v, ok := strings.Cut(w, "="); ok && len(c.args) >= want {
				c.opts[strings.ToLower(k)] = v
				continue
			}
			c.args = append(c.args, w)
		}
		if c.verb == "connect-seq" {
			if len(c.args) < want {
				return nil, fmt.Errorf("%v: %w: want at least %d arguments", c, pkg.ErrInvalidParameter, want)
			}
		} else if len(c.args) != want {
			return nil, fmt.Errorf("%v: %w: want %d arguments, got %d", c, pkg.ErrInvalidParameter, want, len(c.args))
		}
		cmds = append(cmds, c)
	}
	return cmds, sc.Err()
}

// world is a running host stack on a simulated bus, plus the nodes a
// script has created by name.
type world struct {
	bus   *sim.Bus
	host  *host.Host
	drv   *hub.Driver
	out   io.Writer
	nodes map[string]sim.Node

	// Host devices seen for each node once attached.
	devices map[string]*host.Device
}

func newWorld(bus *sim.Bus, h *host.Host, drv *hub.Driver, out io.Writer) *world {
	return &world{
		bus:     bus,
		host:    h,
		drv:     drv,
		out:     out,
		nodes:   map[string]sim.Node{rootName: bus.Root()},
		devices: map[string]*host.Device{},
	}
}

// run executes cmds in order and stops at the first failure.
func (w *world) run(ctx context.Context, cmds []command) error {
	for _, c := range cmds {
		if err := ctx.Err(); err != nil {
			return err
		}
		pkg.LogDebug(componentSim, "command", "line", c.line, "verb", c.verb, "args", c.args)
		if err := w.exec(ctx, c); err != nil {
			return fmt.Errorf("%v: %w", c, err)
		}
	}
	return nil
}

func (w *world) exec(ctx context.Context, c command) error {
	switch c.verb {
	case "hub":
		opts, err := hubOptions(c.opts)
		if err != nil {
			return err
		}
		vid, pid, err := ids(c.opts, 0x05E3, 0x0610)
		if err != nil {
			return err
		}
		return w.plug(c.args, sim.NewHub(vid, pid, opts))

	case "device":
		speed, err := speedOption(c.opts, hal.SpeedFull)
		if err != nil {
			return err
		}
		class, err := uintOption(c.opts, "class", 0x03, 8)
		if err != nil {
			return err
		}
		vid, pid, err := ids(c.opts, 0x046D, 0xC077)
		if err != nil {
			return err
		}
		return w.plug(c.args, sim.NewDevice(vid, pid, uint8(class), speed))

	case "unplug":
		parent, port, err := w.port(c.args[0], c.args[1])
		if err != nil {
			return err
		}
		node, err := parent.Unplug(port)
		if err != nil {
			return err
		}
		for name, n := range w.nodes {
			if n == node {
				pkg.LogInfo(componentSim, "unplugged", "node", name)
			}
		}
		return nil

	case "overcurrent":
		h, err := w.hub(c.args[0])
		if err != nil {
			return err
		}
		port, err := strconv.Atoi(c.args[1])
		if err != nil {
			return err
		}
		on, err := strconv.ParseBool(onOff(c.args[2]))
		if err != nil {
			return err
		}
		h.OverCurrent(port, on)
		return nil

	case "connect-seq":
		h, port, err := w.port(c.args[0], c.args[1])
		if err != nil {
			return err
		}
		var seq []bool
		for _, s := range c.args[2:] {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return err
			}
			seq = append(seq, b)
		}
		h.SetConnectSequence(port, seq...)
		return nil

	case "reset-polls":
		h, port, err := w.port(c.args[0], c.args[1])
		if err != nil {
			return err
		}
		polls, err := strconv.Atoi(c.args[2])
		if err != nil {
			return err
		}
		h.SetResetPolls(port, polls)
		return nil

	case "fail-interrupts":
		h, err := w.hub(c.args[0])
		if err != nil {
			return err
		}
		count, err := strconv.Atoi(c.args[1])
		if err != nil {
			return err
		}
		h.FailInterrupts(count, pkg.ErrCRC)
		return nil

	case "suspend", "resume":
		dev, err := w.device(c.args[0])
		if err != nil {
			return err
		}
		port, err := strconv.ParseUint(c.args[1], 10, 8)
		if err != nil {
			return err
		}
		if c.verb == "suspend" {
			return w.drv.SuspendPort(ctx, dev, uint8(port))
		}
		return w.drv.ResumePort(ctx, dev, uint8(port))

	case "wait":
		d, err := time.ParseDuration(c.args[0])
		if err != nil {
			return err
		}
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case "expect":
		timeout := DefaultExpectTimeout
		if s, ok := c.opts["timeout"]; ok {
			d, err := time.ParseDuration(s)
			if err != nil {
				return err
			}
			timeout = d
		}
		return w.expect(ctx, c.args[0], c.args[1], timeout)

	case "show":
		w.show()
		return nil
	}
	return fmt.Errorf("%w: %s", pkg.ErrNotSupported, c.verb)
}

func (w *world) plug(args []string, node sim.Node) error {
	name := args[0]
	if _, dup := w.nodes[name]; dup {
		return fmt.Errorf("%w: %q already defined", pkg.ErrInvalidParameter, name)
	}
	parent, port, err := w.port(args[1], args[2])
	if err != nil {
		return err
	}
	if err := parent.Plug(port, node); err != nil {
		return err
	}
	w.nodes[name] = node
	pkg.LogInfo(componentSim, "plugged", "node", name, "parent", args[1], "port", port)
	return nil
}

func (w *world) hub(name string) (*sim.Hub, error) {
	node, ok := w.nodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", pkg.ErrNotFound, name)
	}
	h, ok := node.(*sim.Hub)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a hub", pkg.ErrInvalidHub, name)
	}
	return h, nil
}

func (w *world) port(name, num string) (*sim.Hub, int, error) {
	h, err := w.hub(name)
	if err != nil {
		return nil, 0, err
	}
	port, err := strconv.Atoi(num)
	if err != nil {
		return nil, 0, err
	}
	if port < 1 || port > h.NumPorts() {
		return nil, 0, fmt.Errorf("%w: port %d of %s", pkg.ErrInvalidParameter, port, name)
	}
	return h, port, nil
}

// lookup returns the host device currently bound to the named node.
func (w *world) lookup(name string) *host.Device {
	if name == rootName {
		return w.host.Root()
	}
	node, ok := w.nodes[name]
	if !ok {
		return nil
	}
	addr := w.bus.AddressOf(node)
	if addr == hal.DefaultAddress {
		return nil
	}
	return w.host.GetDevice(uint8(addr))
}

func (w *world) device(name string) (*host.Device, error) {
	if _, ok := w.nodes[name]; !ok {
		return nil, fmt.Errorf("%w: %q", pkg.ErrNotFound, name)
	}
	dev := w.lookup(name)
	if dev == nil {
		return nil, fmt.Errorf("%w: %q", pkg.ErrNoDevice, name)
	}
	return dev, nil
}

// attached reports whether the named node is enumerated and, for hubs,
// bound to the hub driver.
func (w *world) attached(name string) bool {
	dev := w.lookup(name)
	if dev == nil {
		return false
	}
	if _, isHub := w.nodes[name].(*sim.Hub); isHub && w.drv.Find(dev) == nil {
		return false
	}
	w.devices[name] = dev
	return true
}

// detached reports whether the device last seen for the named node has
// left the host's device table.
func (w *world) detached(name string) bool {
	dev, ok := w.devices[name]
	if !ok {
		return w.lookup(name) == nil
	}
	return w.host.GetDevice(dev.Address()) != dev
}

func (w *world) expect(ctx context.Context, state, name string, timeout time.Duration) error {
	if _, ok := w.nodes[name]; !ok {
		return fmt.Errorf("%w: %q", pkg.ErrNotFound, name)
	}
	var cond func(string) bool
	switch state {
	case "attached":
		cond = w.attached
	case "detached":
		cond = w.detached
	default:
		return fmt.Errorf("%w: expect %q", pkg.ErrInvalidParameter, state)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for !cond(name) {
		select {
		case <-tick.C:
		case <-ctx.Done():
			return fmt.Errorf("%s never %s: %w", name, state, pkg.ErrTimeout)
		}
	}
	pkg.LogInfo(componentSim, "expectation met", "node", name, "state", state)
	return nil
}

// show prints the enumerated topology below the root hub.
func (w *world) show() {
	names := map[*host.Device]string{}
	for name := range w.nodes {
		if dev := w.lookup(name); dev != nil {
			names[dev] = name
		}
	}
	var walk func(dev *host.Device, depth int)
	walk = func(dev *host.Device, depth int) {
		line := fmt.Sprintf("%s%d: %s %04x:%04x %v", strings.Repeat("  ", depth),
			dev.Port(), names[dev], dev.VendorID(), dev.ProductID(), dev.Speed())
		if h := w.drv.Find(dev); h != nil {
			line += fmt.Sprintf(" hub ports=%d tier=%d state=%v", h.NumPorts(), h.Tier(), h.State())
		}
		fmt.Fprintln(w.out, line)
		for _, child := range w.host.Children(dev) {
			walk(child, depth+1)
		}
	}
	if root := w.host.Root(); root != nil {
		walk(root, 0)
	}
}

func hubOptions(opts map[string]string) (sim.HubOptions, error) {
	var o sim.HubOptions
	ports, err := uintOption(opts, "ports", 4, 8)
	if err != nil {
		return o, err
	}
	o.Ports = int(ports)
	if o.Speed, err = speedOption(opts, hal.SpeedHigh); err != nil {
		return o, err
	}
	if s, ok := opts["self-powered"]; ok {
		if o.SelfPowered, err = strconv.ParseBool(s); err != nil {
			return o, err
		}
	}
	if s, ok := opts["container"]; ok {
		if o.ContainerID, err = uuid.Parse(s); err != nil {
			return o, err
		}
	}
	think, err := uintOption(opts, "think", 0, 2)
	if err != nil {
		return o, err
	}
	o.ThinkTime = uint8(think)
	return o, nil
}

func speedOption(opts map[string]string, def hal.Speed) (hal.Speed, error) {
	s, ok := opts["speed"]
	if !ok {
		return def, nil
	}
	switch strings.ToLower(s) {
	case "low":
		return hal.SpeedLow, nil
	case "full":
		return hal.SpeedFull, nil
	case "high":
		return hal.SpeedHigh, nil
	case "super":
		return hal.SpeedSuper, nil
	}
	return def, fmt.Errorf("%w: speed %q", pkg.ErrInvalidParameter, s)
}

func uintOption(opts map[string]string, key string, def uint64, bits int) (uint64, error) {
	s, ok := opts[key]
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func ids(opts map[string]string, vid, pid uint16) (uint16, uint16, error) {
	v, err := uintOption(opts, "vid", uint64(vid), 16)
	if err != nil {
		return 0, 0, err
	}
	p, err := uintOption(opts, "pid", uint64(pid), 16)
	if err != nil {
		return 0, 0, err
	}
	return uint16(v), uint16(p), nil
}

func onOff(s string) string {
	switch strings.ToLower(s) {
	case "on":
		return "true"
	case "off":
		return "false"
	}
	return s
}
