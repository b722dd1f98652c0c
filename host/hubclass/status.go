package hubclass

import "github.com/ardnew/softhub/host/hal"

// Status is the response to a hub or port GET_STATUS request.
type Status struct {
	Status uint16
	Change uint16
}

// ParseStatus decodes a 4-byte little-endian GET_STATUS response.
// Short data yields the zero Status.
func ParseStatus(data []byte) Status {
	if len(data) < StatusSize {
		return Status{}
	}
	return Status{
		Status: uint16(data[0]) | uint16(data[1])<<8,
		Change: uint16(data[2]) | uint16(data[3])<<8,
	}
}

// MarshalTo writes the status to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (s Status) MarshalTo(buf []byte) int {
	if len(buf) < StatusSize {
		return 0
	}
	buf[0] = byte(s.Status)
	buf[1] = byte(s.Status >> 8)
	buf[2] = byte(s.Change)
	buf[3] = byte(s.Change >> 8)
	return StatusSize
}

// Connected returns true if a device is present on the port.
func (s Status) Connected() bool { return s.Status&PortStatusConnection != 0 }

// Enabled returns true if the port is enabled.
func (s Status) Enabled() bool { return s.Status&PortStatusEnable != 0 }

// Suspended returns true if a USB 2.0 port is suspended.
func (s Status) Suspended() bool { return s.Status&PortStatusSuspend != 0 }

// OverCurrent returns true while an over-current condition persists.
func (s Status) OverCurrent() bool { return s.Status&PortStatusOverCurrent != 0 }

// Powered reports the port power bit, whose position depends on the hub type.
func (s Status) Powered(superSpeed bool) bool {
	if superSpeed {
		return s.Status&PortStatusSSPower != 0
	}
	return s.Status&PortStatusPower != 0
}

// Changed returns true if any of the bits in mask are set in the change field.
func (s Status) Changed(mask uint16) bool { return s.Change&mask != 0 }

// LinkState returns the USB 3.0 port link state.
func (s Status) LinkState() LinkState {
	return LinkState((s.Status & PortStatusSSLinkState) >> portLinkStateShift)
}

// Speed decodes the speed of the device attached to a USB 2.0 port.
// Ports of a SuperSpeed hub always report SpeedSuper.
func (s Status) Speed(superSpeed bool) hal.Speed {
	switch {
	case superSpeed:
		return hal.SpeedSuper
	case s.Status&PortStatusLowSpeed != 0:
		return hal.SpeedLow
	case s.Status&PortStatusHighSpeed != 0:
		return hal.SpeedHigh
	default:
		return hal.SpeedFull
	}
}
