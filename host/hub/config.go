package hub

import (
	"fmt"
	"time"

	"github.com/ardnew/softhub/pkg"
)

// Timing holds the delays used by the port state machine.
type Timing struct {
	// DebounceTime is the window a connection must stay stable.
	DebounceTime time.Duration
	// DebounceStep is the port status polling interval while debouncing.
	DebounceStep time.Duration
	// PortChangeWait is waited once before scanning the ports of a status
	// change.
	PortChangeWait time.Duration
	// ResetShortDelay is the first poll delay after PORT_RESET.
	ResetShortDelay time.Duration
	// ResetLongDelay is the delay of every later reset poll.
	ResetLongDelay time.Duration
	// ControlTimeout bounds a single hub class request.
	ControlTimeout time.Duration
	// PowerSettleUnit scales bPwrOn2PwrGood (2 ms on real hardware).
	PowerSettleUnit time.Duration
}

// Config configures a hub driver.
type Config struct {
	Timing Timing

	MaxDebounceErrors int // debounce window restarts before giving up
	ResetTries        int // PORT_RESET attempts per reset
	ResetPolls        int // status polls per PORT_RESET attempt
	EnumRetries       int // reset and enumerate attempts per connect
	MaxHubChain       int // hub tiers allowed below the root hub
	ErrorThreshold    int // consecutive status transfer errors before shutdown
	QueueDepth        int // worker queue capacity
	MaxHubs           int // registry capacity

	// SuperSpeed enables the USB 3.0 hub paths and controller device hooks.
	SuperSpeed bool
}

// DefaultConfig returns the standard hub driver configuration.
func DefaultConfig() Config {
	return Config{
		Timing: Timing{
			DebounceTime:    200 * time.Millisecond,
			DebounceStep:    50 * time.Millisecond,
			PortChangeWait:  100 * time.Millisecond,
			ResetShortDelay: 10 * time.Millisecond,
			ResetLongDelay:  200 * time.Millisecond,
			ControlTimeout:  5 * time.Second,
			PowerSettleUnit: 2 * time.Millisecond,
		},
		MaxDebounceErrors: 5,
		ResetTries:        3,
		ResetPolls:        5,
		EnumRetries:       3,
		MaxHubChain:       6,
		ErrorThreshold:    10,
		QueueDepth:        2,
		MaxHubs:           32,
		SuperSpeed:        true,
	}
}

// Validate checks that every limit is usable.
func (c Config) Validate() error {
	t := c.Timing
	switch {
	case t.DebounceStep <= 0:
		return fmt.Errorf("%w: debounce step %v", pkg.ErrInvalidParameter, t.DebounceStep)
	case t.DebounceTime < t.DebounceStep:
		return fmt.Errorf("%w: debounce time %v shorter than step", pkg.ErrInvalidParameter, t.DebounceTime)
	case t.ControlTimeout <= 0:
		return fmt.Errorf("%w: control timeout %v", pkg.ErrInvalidParameter, t.ControlTimeout)
	case t.PortChangeWait < 0 || t.ResetShortDelay < 0 || t.ResetLongDelay < 0 || t.PowerSettleUnit < 0:
		return fmt.Errorf("%w: negative delay", pkg.ErrInvalidParameter)
	case c.MaxDebounceErrors < 1, c.ResetTries < 1, c.ResetPolls < 1, c.EnumRetries < 1:
		return fmt.Errorf("%w: retry limits must be positive", pkg.ErrInvalidParameter)
	case c.MaxHubChain < 1:
		return fmt.Errorf("%w: max hub chain %d", pkg.ErrInvalidParameter, c.MaxHubChain)
	case c.ErrorThreshold < 1:
		return fmt.Errorf("%w: error threshold %d", pkg.ErrInvalidParameter, c.ErrorThreshold)
	case c.QueueDepth < 1:
		return fmt.Errorf("%w: queue depth %d", pkg.ErrInvalidParameter, c.QueueDepth)
	case c.MaxHubs < 1:
		return fmt.Errorf("%w: max hubs %d", pkg.ErrInvalidParameter, c.MaxHubs)
	}
	return nil
}
