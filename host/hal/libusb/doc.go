// Package libusb gives command line tools access to real external hubs
// through libusb.
//
// A [Context] lists the hubs attached to the system and opens one as a
// [Hub]. Hub class requests travel over the hub's default control pipe, so
// port status can be read and port features set or cleared while the kernel
// keeps ownership of the topology. [Hub.WaitChange] reads the status change
// endpoint; it detaches the kernel hub driver until the hub is closed.
//
// Errors reported by libusb are converted to the sentinel errors of
// github.com/ardnew/softhub/pkg, with the libusb error kept in the chain:
//
//	if errors.Is(err, pkg.ErrStall) {
//	    // the hub rejected the request
//	}
//
// Building this package requires cgo and the libusb-1.0 development files.
package libusb
