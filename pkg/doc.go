// Package pkg provides shared utilities for the softhub USB hub stack.
//
// This package contains common functionality used by the host stack, the
// hub class driver and the hardware abstraction layers, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for USB protocol and topology errors
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component tag:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentHub, "hub attached", "address", 2, "ports", 4)
//
// Level and format names accepted by configuration files are converted with
// [ParseLogLevel] and [ParseLogFormat].
//
// # Errors
//
// Common USB errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrDeviceNotResponding) {
//	    // port gave up after debounce or reset retries
//	}
package pkg
