package prof

import (
	"errors"
	"os"
)

// ErrActive is returned by Start while another session is running.
var ErrActive = errors.New("profiling session already active")

// Options selects what a session records.
type Options struct {
	// Dir receives cpu.pprof and one file per snapshot profile.
	Dir string

	// BlockRate and MutexFraction enable the block and mutex profiles for
	// the duration of the session; 0 leaves them off.
	BlockRate     int
	MutexFraction int
}

// Snapshots are the profiles written when a session stops.
var Snapshots = []string{"heap", "goroutine", "block", "mutex"}

// Session is a running profile capture.
type Session struct {
	opts Options
	cpu  *os.File
}
