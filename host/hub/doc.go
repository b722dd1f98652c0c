// Package hub implements the USB hub class driver.
//
// The driver binds to every device exposing a hub interface, including the
// host controller's root hub, and keeps the bus topology current: it powers
// ports, debounces connections, resets and enumerates newly attached
// devices and tears down subtrees when devices leave.
//
// # Architecture
//
//   - Driver is registered with the host stack as a [host.ClassDriver]
//   - Registry holds the attached hubs in fixed slots
//   - Hub tracks one hub's descriptor, child devices and lifecycle state
//   - A single worker goroutine drains a bounded queue of status change
//     completions and runs the port state machine
//
// # Status Changes
//
// Each hub keeps two interrupt transfers on its status change endpoint.
// When one completes the worker immediately resubmits the other, then
// decodes the change bitmap: bit 0 reports a hub level change and bit n a
// change on port n. Every change bit found set on a port is acknowledged
// with CLEAR_FEATURE even if servicing another bit fails.
//
// # Port State Machine
//
// A connect change is debounced over a stable window, then the port is
// reset and enumerated with bounded retries. A port that cannot be brought
// up is suspended (U3 on SuperSpeed hubs) unless it belongs to the root
// hub. Connections below the deepest supported hub tier are rejected and
// reported to the OTG layer.
//
// # Lifecycle
//
// A hub removed while status transfers are in flight is marked dirty and
// freed by the worker when the last one completes. A hub whose status
// endpoint fails repeatedly is shut down with everything below it.
//
// # Example
//
//	bus := sim.New(sim.HubOptions{Ports: 4})
//	h := host.New(bus)
//	drv, _ := hub.New(h, hub.DefaultConfig())
//	h.RegisterDriver(drv)
//	drv.Start(ctx)
//	h.Start(ctx)
package hub
