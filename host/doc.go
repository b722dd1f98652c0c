// Package host implements a pure-Go USB host stack core.
//
// It is platform-agnostic and reaches hardware only through the [hal.HostHAL]
// interface defined in the github.com/ardnew/softhub/host/hal package. The
// controller's root hub answers at [hal.RootHubAddress] like any other hub, so
// the stack itself knows nothing about ports: port management belongs to the
// hub class driver in github.com/ardnew/softhub/host/hub.
//
// # Architecture
//
// The package is organized into several layers:
//
//   - Host owns the device table, address allocation and class driver binding
//   - Device represents an addressed USB device with its descriptors
//   - TransferManager executes control and interrupt transfers asynchronously
//   - Enumerate addresses and configures a freshly reset device
//
// # Class Drivers
//
// A [ClassDriver] is offered every enumerated device in registration order.
// The first driver whose Match returns true and whose Attach succeeds owns the
// device until [Host.Deenumerate] calls its Detach. The root hub is offered
// to drivers from [Host.Start], so a hub driver must be registered first.
//
// # Transfers
//
// [Host.SubmitControl] and [Host.SubmitInterrupt] queue a transfer and report
// its outcome through a callback. Control transfers share a small worker
// pool. Interrupt transfers run on their own goroutine because a hub status
// endpoint may stay silent indefinitely. Every transfer is bound to its
// device's context and completes with [pkg.ErrCancelled] once the device is
// removed.
//
// # Example
//
//	h := host.New(bus)
//	h.RegisterDriver(hubDriver)
//	if err := h.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Wait for a device below any hub to be enumerated
//	dev, err := h.WaitDevice(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	desc := dev.Descriptor()
//
// A simulated bus for testing is available in
// [github.com/ardnew/softhub/host/hal/sim].
package host
