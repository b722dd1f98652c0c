// Package sim provides an in-memory USB host controller for testing.
//
// A [Bus] implements [hal.HostHAL]. Its root hub answers at
// [hal.RootHubAddress] and speaks the USB hub class protocol, so the hub
// class driver can be exercised end to end without hardware.
//
// # Topology
//
// Simulated [Hub] and [Device] values are plugged into hub ports with
// [Hub.Plug] and removed with [Hub.Unplug]. A plugged node answers at the
// default address once its port has been reset, and at its own address after
// SET_ADDRESS. Unplugging a hub removes its whole subtree from the bus.
//
// # Scripting
//
// Port behavior can be scripted per port:
//
//   - SetConnectSequence reports a bouncing connection bit, one item per GET_STATUS
//   - SetResetPolls delays reset completion, or blocks it with a negative count
//   - OverCurrent raises and clears over-current conditions
//   - Fail and FailInterrupts inject request and status endpoint errors
//
// Every class request is logged and can be inspected with [Hub.Requests].
// Controller hook calls are recorded by the bus and returned by [Bus.Hooks].
package sim
