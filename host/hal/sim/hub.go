package sim

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ardnew/softhub/host/hal"
	"github.com/ardnew/softhub/host/hubclass"
	"github.com/ardnew/softhub/pkg"
)

// HubOptions describes a simulated hub.
type HubOptions struct {
	Ports       int
	Speed       hal.Speed // SpeedSuper selects a USB 3.0 hub descriptor
	SelfPowered bool
	ContainerID uuid.UUID

	PowerOnToPowerGood uint8  // 2 ms units
	ThinkTime          uint8  // TT think time field, 0-3
	HubDelay           uint16 // USB 3.0 wHubDelay, ns

	// OTG capability bitmaps appended to a USB 2.0 descriptor.
	SRPPorts uint32
	HNPPorts uint32
}

// PortInfo is a snapshot of a simulated port.
type PortInfo struct {
	Status         hubclass.Status
	Node           Node
	Resetting      bool
	U1Timeout      uint8
	U2Timeout      uint8
	RemoteWakeMask uint8
	ErrorCount     uint16
}

type port struct {
	status hubclass.Status
	node   Node

	// Connection bit reported by successive GET_STATUS requests before the
	// port reports node presence again.
	connectSeq []bool

	// GET_STATUS polls that still report reset in progress; negative never completes.
	resetPolls int
	resetLeft  int
	resetting  bool

	errCount       uint16
	u1, u2         uint8
	remoteWakeMask uint8
}

type failure struct {
	match func(hal.SetupPacket) bool
	err   error
}

// Hub is a simulated USB 2.0 or USB 3.0 hub, including a controller's root hub.
type Hub struct {
	Function

	mu   sync.Mutex
	bus  *Bus
	desc hubclass.Descriptor

	ports     []port // index 0 unused
	hubStatus hubclass.Status

	// Status change bitmap waiting for the interrupt endpoint.
	pending uint32
	signal  chan struct{}

	intrFail []error
	failures []failure
	requests []hal.SetupPacket

	depth    uint16
	depthSet bool
}

// NewHub creates a simulated hub with powered-off ports.
func NewHub(vendorID, productID uint16, opts HubOptions) *Hub {
	if opts.Ports < 1 {
		opts.Ports = 4
	}
	if opts.Ports > hubclass.MaxPorts {
		opts.Ports = hubclass.MaxPorts
	}
	if opts.Speed == hal.SpeedUnknown {
		opts.Speed = hal.SpeedHigh
	}

	h := &Hub{
		Function: Function{
			VendorID:    vendorID,
			ProductID:   productID,
			Class:       hubclass.ClassHub,
			Speed:       opts.Speed,
			SelfPowered: opts.SelfPowered,
			ContainerID: opts.ContainerID,
		},
		ports:  make([]port, opts.Ports+1),
		signal: make(chan struct{}, 1),
	}

	h.desc = hubclass.Descriptor{
		DescriptorType:     hubclass.DescriptorTypeHub,
		NumPorts:           uint8(opts.Ports),
		Characteristics:    uint16(opts.ThinkTime&0x03) << 5,
		PowerOnToPowerGood: opts.PowerOnToPowerGood,
		PortPowerMask:      0xFFFFFFFE,
		SRPPorts:           opts.SRPPorts,
		HNPPorts:           opts.HNPPorts,
	}
	if opts.Speed == hal.SpeedSuper {
		h.desc.DescriptorType = hubclass.DescriptorTypeSSHub
		h.desc.HubDelay = opts.HubDelay
		h.desc.SRPPorts, h.desc.HNPPorts = 0, 0
	}
	return h
}

// NumPorts returns the number of downstream ports.
func (h *Hub) NumPorts() int {
	return len(h.ports) - 1
}

func (h *Hub) superSpeed() bool {
	return h.desc.SuperSpeed()
}

func (h *Hub) powerBit() uint16 {
	if h.superSpeed() {
		return hubclass.PortStatusSSPower
	}
	return hubclass.PortStatusPower
}

func (h *Hub) validPort(n int) bool {
	return n >= 1 && n < len(h.ports)
}

// notify marks port n (0 for the hub itself) in the status change bitmap and
// wakes a waiting interrupt transfer. Caller holds h.mu.
func (h *Hub) notify(n int) {
	h.pending |= 1 << n
	select {
	case h.signal <- struct{}{}:
	default:
	}
}

// Plug attaches node to port n and reports a connect change.
func (h *Hub) Plug(n int, node Node) error {
	if node == nil {
		return pkg.ErrInvalidParameter
	}
	h.mu.Lock()
	if !h.validPort(n) {
		h.mu.Unlock()
		return pkg.ErrInvalidParameter
	}
	p := &h.ports[n]
	if p.node != nil {
		h.mu.Unlock()
		return pkg.ErrBusy
	}

	f := node.function()
	f.parent = h
	f.port = n
	p.node = node
	p.status.Status |= hubclass.PortStatusConnection
	p.status.Change |= hubclass.PortChangeConnection
	bus := h.bus
	h.notify(n)
	h.mu.Unlock()

	if child, ok := node.(*Hub); ok {
		child.join(bus)
	}
	pkg.LogDebug(pkg.ComponentSim, "plugged", "port", n, "vendor", f.VendorID, "product", f.ProductID)
	return nil
}

// Unplug detaches whatever is on port n and reports a connect change.
func (h *Hub) Unplug(n int) (Node, error) {
	h.mu.Lock()
	if !h.validPort(n) {
		h.mu.Unlock()
		return nil, pkg.ErrInvalidParameter
	}
	p := &h.ports[n]
	node := p.node
	if node == nil {
		h.mu.Unlock()
		return nil, pkg.ErrNoDevice
	}
	p.node = nil
	p.connectSeq = nil
	p.resetting = false
	p.status.Status &^= hubclass.PortStatusConnection | hubclass.PortStatusEnable |
		hubclass.PortStatusLowSpeed | hubclass.PortStatusHighSpeed | hubclass.PortStatusReset
	if h.superSpeed() {
		p.status.Status &^= hubclass.PortStatusSSLinkState
		p.status.Status |= uint16(hubclass.LinkRxDetect) << 5
	}
	p.status.Change |= hubclass.PortChangeConnection
	bus := h.bus
	h.notify(n)
	h.mu.Unlock()

	if bus != nil {
		bus.forget(subtree(node))
	}
	if child, ok := node.(*Hub); ok {
		child.join(nil)
	}
	pkg.LogDebug(pkg.ComponentSim, "unplugged", "port", n)
	return node, nil
}

// join attaches the hub and everything below it to bus.
func (h *Hub) join(bus *Bus) {
	h.mu.Lock()
	h.bus = bus
	var children []*Hub
	for i := 1; i < len(h.ports); i++ {
		if c, ok := h.ports[i].node.(*Hub); ok {
			children = append(children, c)
		}
	}
	h.mu.Unlock()
	for _, c := range children {
		c.join(bus)
	}
}

// subtree lists node and every node below it.
func subtree(node Node) []Node {
	nodes := []Node{node}
	h, ok := node.(*Hub)
	if !ok {
		return nodes
	}
	h.mu.Lock()
	var children []Node
	for i := 1; i < len(h.ports); i++ {
		if c := h.ports[i].node; c != nil {
			children = append(children, c)
		}
	}
	h.mu.Unlock()
	for _, c := range children {
		nodes = append(nodes, subtree(c)...)
	}
	return nodes
}

// SetConnectSequence scripts the connection bit of the next GET_STATUS
// requests on port n, e.g. a bouncing contact.
func (h *Hub) SetConnectSequence(n int, seq ...bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.validPort(n) {
		h.ports[n].connectSeq = append([]bool(nil), seq...)
	}
}

// SetResetPolls sets how many status polls a reset of port n stays in
// progress. A negative count makes resets never complete.
func (h *Hub) SetResetPolls(n, polls int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.validPort(n) {
		h.ports[n].resetPolls = polls
	}
}

// SetPortStatus overwrites the status and change fields of port n without
// signalling the status change endpoint.
func (h *Hub) SetPortStatus(n int, st hubclass.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.validPort(n) {
		h.ports[n].status = st
	}
}

// SetErrorCount sets the link error count reported for port n.
func (h *Hub) SetErrorCount(n int, count uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.validPort(n) {
		h.ports[n].errCount = count
	}
}

// OverCurrent raises or clears an over-current condition on port n, or on
// the hub itself when n is 0.
func (h *Hub) OverCurrent(n int, active bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n == 0 {
		if active {
			h.hubStatus.Status |= hubclass.HubStatusOverCurrent
		} else {
			h.hubStatus.Status &^= hubclass.HubStatusOverCurrent
		}
		h.hubStatus.Change |= hubclass.HubChangeOverCurrent
		h.notify(0)
		return
	}
	if !h.validPort(n) {
		return
	}
	p := &h.ports[n]
	if active {
		p.status.Status |= hubclass.PortStatusOverCurrent
		p.status.Status &^= h.powerBit()
	} else {
		p.status.Status &^= hubclass.PortStatusOverCurrent
	}
	p.status.Change |= hubclass.PortChangeOverCurrent
	h.notify(n)
}

// Signal marks port n (0 for the hub) in the status change bitmap.
func (h *Hub) Signal(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notify(n)
}

// FailInterrupts makes the next count status change transfers fail with err.
func (h *Hub) FailInterrupts(count int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i < count; i++ {
		h.intrFail = append(h.intrFail, err)
	}
	select {
	case h.signal <- struct{}{}:
	default:
	}
}

// Fail makes every class request accepted by match fail with err. The
// request is still logged.
func (h *Hub) Fail(match func(hal.SetupPacket) bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, failure{match: match, err: err})
}

// ClearFailures removes all request failures.
func (h *Hub) ClearFailures() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = nil
}

// Requests returns the class requests received so far.
func (h *Hub) Requests() []hal.SetupPacket {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hal.SetupPacket(nil), h.requests...)
}

// ResetRequests clears the request log.
func (h *Hub) ResetRequests() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = nil
}

// Port returns a snapshot of port n.
func (h *Hub) Port(n int) PortInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.validPort(n) {
		return PortInfo{}
	}
	p := &h.ports[n]
	return PortInfo{
		Status:         p.status,
		Node:           p.node,
		Resetting:      p.resetting,
		U1Timeout:      p.u1,
		U2Timeout:      p.u2,
		RemoteWakeMask: p.remoteWakeMask,
		ErrorCount:     p.errCount,
	}
}

// Depth returns the value of the last SET_HUB_DEPTH request.
func (h *Hub) Depth() (uint16, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.depth, h.depthSet
}

// interrupt waits for the status change bitmap.
func (h *Hub) interrupt(ctx context.Context, stopped <-chan struct{}, data []byte) (int, error) {
	for {
		h.mu.Lock()
		if len(h.intrFail) > 0 {
			err := h.intrFail[0]
			h.intrFail = h.intrFail[1:]
			h.mu.Unlock()
			return 0, err
		}
		if h.pending != 0 {
			bitmap := h.pending
			h.pending = 0
			n := (len(h.ports) + 7) / 8
			if n > len(data) {
				n = len(data)
			}
			for i := 0; i < n; i++ {
				data[i] = byte(bitmap >> (8 * i))
			}
			h.mu.Unlock()
			return n, nil
		}
		h.mu.Unlock()

		select {
		case <-h.signal:
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-stopped:
			return 0, pkg.ErrCancelled
		}
	}
}

// classRequest answers a hub class request.
func (h *Hub) classRequest(setup *hal.SetupPacket, data []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.requests = append(h.requests, *setup)
	for _, f := range h.failures {
		if f.match(*setup) {
			return 0, f.err
		}
	}

	toPort := setup.Recipient() == hal.RecipientOther
	portNum := int(setup.Index & 0xFF)
	if toPort && !h.validPort(portNum) {
		return 0, pkg.ErrStall
	}

	switch setup.Request {
	case hubclass.RequestGetStatus:
		var st hubclass.Status
		if toPort {
			st = h.pollPort(portNum)
		} else {
			st = h.hubStatus
		}
		var buf [hubclass.StatusSize]byte
		st.MarshalTo(buf[:])
		return copy(data, buf[:]), nil

	case hubclass.RequestClearFeature:
		if toPort {
			return 0, h.clearPortFeature(portNum, setup.Value)
		}
		switch setup.Value {
		case hubclass.FeatureCHubLocalPower:
			h.hubStatus.Change &^= hubclass.HubChangeLocalPower
		case hubclass.FeatureCHubOverCurrent:
			h.hubStatus.Change &^= hubclass.HubChangeOverCurrent
		default:
			return 0, pkg.ErrStall
		}
		return 0, nil

	case hubclass.RequestSetFeature:
		if !toPort {
			return 0, pkg.ErrStall
		}
		return 0, h.setPortFeature(portNum, setup.Value, uint8(setup.Index>>8))

	case hubclass.RequestGetDescriptor:
		if setup.DescriptorType() != h.desc.DescriptorType {
			return 0, pkg.ErrStall
		}
		var buf [hubclass.MaxDescriptorSize]byte
		n := h.desc.MarshalTo(buf[:])
		if int(setup.Length) < n {
			n = int(setup.Length)
		}
		return copy(data, buf[:n]), nil

	case hubclass.RequestSetHubDepth:
		if !h.superSpeed() {
			return 0, pkg.ErrStall
		}
		h.depth = setup.Value
		h.depthSet = true
		return 0, nil

	case hubclass.RequestGetPortErrCount:
		if !toPort || !h.superSpeed() {
			return 0, pkg.ErrStall
		}
		c := h.ports[portNum].errCount
		return copy(data, []byte{byte(c), byte(c >> 8)}), nil
	}
	return 0, pkg.ErrStall
}

// pollPort advances scripted behavior and returns the port status.
func (h *Hub) pollPort(n int) hubclass.Status {
	p := &h.ports[n]

	connected := p.node != nil
	if len(p.connectSeq) > 0 {
		connected = p.connectSeq[0]
		p.connectSeq = p.connectSeq[1:]
	}
	if connected {
		p.status.Status |= hubclass.PortStatusConnection
	} else {
		p.status.Status &^= hubclass.PortStatusConnection | hubclass.PortStatusEnable
	}

	if p.resetting && p.resetPolls >= 0 {
		if p.resetLeft > 0 {
			p.resetLeft--
		} else {
			h.completeReset(p)
		}
	}

	st := p.status
	if p.node != nil && connected && !h.superSpeed() {
		switch p.node.function().Speed {
		case hal.SpeedLow:
			st.Status |= hubclass.PortStatusLowSpeed
		case hal.SpeedHigh:
			st.Status |= hubclass.PortStatusHighSpeed
		}
	}
	return st
}

func (h *Hub) completeReset(p *port) {
	p.resetting = false
	p.status.Status &^= hubclass.PortStatusReset
	if p.node == nil || p.status.Status&hubclass.PortStatusConnection == 0 {
		return
	}
	p.status.Status |= hubclass.PortStatusEnable
	p.status.Change |= hubclass.PortChangeReset
	if h.superSpeed() {
		p.status.Status &^= hubclass.PortStatusSSLinkState
	}
	if h.bus != nil {
		h.bus.setDefault(p.node)
	}
}

func (h *Hub) setPortFeature(n int, feature uint16, selector uint8) error {
	p := &h.ports[n]
	switch feature {
	case hubclass.FeaturePortPower:
		p.status.Status |= h.powerBit()
	case hubclass.FeaturePortReset, hubclass.FeatureBHPortReset:
		p.status.Status |= hubclass.PortStatusReset
		p.status.Status &^= hubclass.PortStatusEnable
		if p.node != nil {
			p.resetting = true
			p.resetLeft = p.resetPolls
		}
	case hubclass.FeaturePortSuspend:
		p.status.Status |= hubclass.PortStatusSuspend
	case hubclass.FeaturePortLinkState:
		prev := hubclass.Status{Status: p.status.Status}.LinkState()
		p.status.Status &^= hubclass.PortStatusSSLinkState
		p.status.Status |= uint16(selector&0x0F) << 5
		if hubclass.LinkState(selector) == hubclass.LinkU0 && prev == hubclass.LinkU3 {
			p.status.Change |= hubclass.PortChangeLinkState
		}
	case hubclass.FeaturePortU1Timeout:
		p.u1 = selector
	case hubclass.FeaturePortU2Timeout:
		p.u2 = selector
	case hubclass.FeaturePortRemoteWakeMask:
		p.remoteWakeMask = selector
	default:
		return pkg.ErrStall
	}
	return nil
}

// portChangeBits maps C_PORT_* feature selectors to wPortChange bits.
var portChangeBits = map[uint16]uint16{
	hubclass.FeatureCPortConnection:  hubclass.PortChangeConnection,
	hubclass.FeatureCPortEnable:      hubclass.PortChangeEnable,
	hubclass.FeatureCPortSuspend:     hubclass.PortChangeSuspend,
	hubclass.FeatureCPortOverCurrent: hubclass.PortChangeOverCurrent,
	hubclass.FeatureCPortReset:       hubclass.PortChangeReset,
	hubclass.FeatureCBHPortReset:     hubclass.PortChangeBHReset,
	hubclass.FeatureCPortLinkState:   hubclass.PortChangeLinkState,
	hubclass.FeatureCPortConfigError: hubclass.PortChangeConfigError,
	hubclass.FeatureCPortSRP:         hubclass.PortChangeSRP,
}

func (h *Hub) clearPortFeature(n int, feature uint16) error {
	p := &h.ports[n]
	if bit, ok := portChangeBits[feature]; ok {
		p.status.Change &^= bit
		return nil
	}
	switch feature {
	case hubclass.FeaturePortEnable:
		p.status.Status &^= hubclass.PortStatusEnable
	case hubclass.FeaturePortSuspend:
		p.status.Status &^= hubclass.PortStatusSuspend
	case hubclass.FeaturePortPower:
		p.status.Status &^= h.powerBit()
	default:
		return pkg.ErrStall
	}
	return nil
}
