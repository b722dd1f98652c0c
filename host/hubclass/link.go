package hubclass

import (
	"fmt"

	"github.com/ardnew/softhub/pkg"
)

// LinkState is a USB 3.0 port link state (PORT_LINK_STATE).
type LinkState uint8

// USB 3.0 link states.
const (
	LinkU0         LinkState = 0x0
	LinkU1         LinkState = 0x1
	LinkU2         LinkState = 0x2
	LinkU3         LinkState = 0x3
	LinkSSDisabled LinkState = 0x4
	LinkRxDetect   LinkState = 0x5
	LinkSSInactive LinkState = 0x6
	LinkPolling    LinkState = 0x7
	LinkRecovery   LinkState = 0x8
	LinkHotReset   LinkState = 0x9
	LinkCompliance LinkState = 0xA
	LinkLoopback   LinkState = 0xB
)

// String returns the link state name.
func (l LinkState) String() string {
	switch l {
	case LinkU0:
		return "U0"
	case LinkU1:
		return "U1"
	case LinkU2:
		return "U2"
	case LinkU3:
		return "U3"
	case LinkSSDisabled:
		return "SS.Disabled"
	case LinkRxDetect:
		return "Rx.Detect"
	case LinkSSInactive:
		return "SS.Inactive"
	case LinkPolling:
		return "Polling"
	case LinkRecovery:
		return "Recovery"
	case LinkHotReset:
		return "HotReset"
	case LinkCompliance:
		return "Compliance"
	case LinkLoopback:
		return "Loopback"
	default:
		return fmt.Sprintf("LinkState(%d)", uint8(l))
	}
}

// CheckTransition reports whether software may move a port link from
// current to target with SET_FEATURE(PORT_LINK_STATE).
//
// The port must be enabled and its link must not be in SS.Disabled,
// Rx.Detect or SS.Inactive. U0, U3 and SS.Disabled are always valid targets;
// U1 and U2 are reachable only from U0, and Rx.Detect is not reachable from
// SS.Disabled. Any other target is unsupported.
func CheckTransition(current, target LinkState, enabled bool) error {
	if !enabled {
		return fmt.Errorf("%w: port disabled", pkg.ErrLinkTransition)
	}
	switch current {
	case LinkSSDisabled, LinkRxDetect, LinkSSInactive:
		return fmt.Errorf("%w: from %v", pkg.ErrLinkTransition, current)
	}

	switch target {
	case LinkU0, LinkU3, LinkSSDisabled:
		return nil
	case LinkU1, LinkU2:
		if current != LinkU0 {
			return fmt.Errorf("%w: %v to %v", pkg.ErrLinkTransition, current, target)
		}
		return nil
	case LinkRxDetect:
		if current == LinkSSDisabled {
			return fmt.Errorf("%w: %v to %v", pkg.ErrLinkTransition, current, target)
		}
		return nil
	default:
		return fmt.Errorf("%w: target %v", pkg.ErrNotSupported, target)
	}
}
