// Package hal defines the Hardware Abstraction Layer interface for USB host stacks.
//
// The HAL sits between the host stack and the USB host controller. The
// controller's root hub is exposed as an ordinary hub at [RootHubAddress]:
// it answers standard descriptor requests and USB hub class requests, and
// reports port changes through its status change endpoint. The hub class
// driver therefore manages root ports and external hub ports with the same
// code.
//
// # Interface Overview
//
// The [HostHAL] interface covers:
//   - Controller lifecycle (Init, Start, Stop, Close)
//   - Control transfers for enumeration and hub class requests
//   - Interrupt transfers for hub status change endpoints
//   - Interface claiming
//   - Controller hooks for hub bookkeeping (InitDevice, DeinitDevice, UpdateHubDevice)
//
// # Implementations
//
// An in-memory bus with scriptable hubs and functions is available in
// [github.com/ardnew/softhub/host/hal/sim]. Real external hubs can be
// inspected through libusb with [github.com/ardnew/softhub/host/hal/libusb].
package hal
