package pkg

import (
	"context"
	"errors"
)

// Transfer errors. HAL implementations map controller completion codes onto
// these so callers can classify failures with errors.Is.
var (
	ErrStall     = errors.New("endpoint stalled")
	ErrTimeout   = errors.New("transfer timeout")
	ErrCancelled = errors.New("transfer cancelled")
	ErrOverrun   = errors.New("data overrun")
	ErrUnderrun  = errors.New("data underrun")
	ErrCRC       = errors.New("CRC error")
	ErrProtocol  = errors.New("protocol error")
	ErrNoDevice  = errors.New("device not present")
)

// Resource and lifecycle errors.
var (
	ErrNotSupported     = errors.New("not supported")
	ErrBusy             = errors.New("resource busy")
	ErrNoResources      = errors.New("no resources available")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrAlreadyRunning   = errors.New("already running")
	ErrNotRunning       = errors.New("not running")
	ErrNotFound         = errors.New("not found")
)

// Descriptor decoding errors.
var (
	ErrDescriptorTooShort     = errors.New("descriptor too short")
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")
)

// Hub errors.
var (
	// ErrDeviceNotResponding reports a port that never settled during
	// debounce or reset.
	ErrDeviceNotResponding = errors.New("device not responding")

	// ErrInvalidHub reports a device that is not an attached hub.
	ErrInvalidHub = errors.New("invalid hub")

	// ErrHubChainExceeded reports a connection below the deepest supported
	// hub tier.
	ErrHubChainExceeded = errors.New("hub chain exceeded")

	// ErrLinkTransition reports an illegal USB 3.0 link state transition.
	ErrLinkTransition = errors.New("illegal link state transition")
)

// TransferStatus is the completion class of a transfer.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess TransferStatus = iota
	TransferStatusError
	TransferStatusStall
	TransferStatusTimeout
	TransferStatusCancelled
	TransferStatusOverrun
	TransferStatusUnderrun
	TransferStatusNoDevice
)

var statusNames = [...]string{
	TransferStatusSuccess:   "success",
	TransferStatusError:     "error",
	TransferStatusStall:     "stall",
	TransferStatusTimeout:   "timeout",
	TransferStatusCancelled: "cancelled",
	TransferStatusOverrun:   "overrun",
	TransferStatusUnderrun:  "underrun",
	TransferStatusNoDevice:  "no device",
}

// statusErrors orders the sentinels StatusOf tests; the first match wins.
var statusErrors = []struct {
	status TransferStatus
	errs   []error
}{
	{TransferStatusCancelled, []error{ErrCancelled, context.Canceled}},
	{TransferStatusStall, []error{ErrStall}},
	{TransferStatusTimeout, []error{ErrTimeout, context.DeadlineExceeded}},
	{TransferStatusOverrun, []error{ErrOverrun}},
	{TransferStatusUnderrun, []error{ErrUnderrun}},
	{TransferStatusNoDevice, []error{ErrNoDevice}},
}

func (s TransferStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// StatusOf classifies an error returned by a transfer. Errors wrapping
// context cancellation report TransferStatusCancelled; anything
// unrecognized is TransferStatusError.
func StatusOf(err error) TransferStatus {
	if err == nil {
		return TransferStatusSuccess
	}
	for _, c := range statusErrors {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.status
			}
		}
	}
	return TransferStatusError
}
