//go:build profile

package prof

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sync"

	"github.com/ardnew/softhub/pkg"
)

// Enabled reports whether the binary was built with the profile tag.
const Enabled = true

const componentProf pkg.Component = "prof"

var (
	mu     sync.Mutex
	active bool
)

// Start begins CPU profiling into opts.Dir, creating it if needed.
func Start(opts Options) (*Session, error) {
	mu.Lock()
	defer mu.Unlock()
	if active {
		return nil, ErrActive
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(filepath.Join(opts.Dir, "cpu.pprof"))
	if err != nil {
		return nil, err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return nil, err
	}
	runtime.SetBlockProfileRate(opts.BlockRate)
	runtime.SetMutexProfileFraction(opts.MutexFraction)
	active = true
	pkg.LogInfo(componentProf, "profiling started", "dir", opts.Dir)
	return &Session{opts: opts, cpu: f}, nil
}

// Stop ends CPU profiling and writes every snapshot profile. It is safe to
// call on a nil session.
func (s *Session) Stop() error {
	if s == nil {
		return nil
	}
	mu.Lock()
	defer mu.Unlock()
	if s.cpu == nil {
		return nil
	}

	pprof.StopCPUProfile()
	errs := []error{s.cpu.Close()}
	s.cpu = nil
	for _, name := range Snapshots {
		errs = append(errs, writeSnapshot(filepath.Join(s.opts.Dir, name+".pprof"), name))
	}
	runtime.SetBlockProfileRate(0)
	runtime.SetMutexProfileFraction(0)
	active = false

	err := errors.Join(errs...)
	if err != nil {
		pkg.LogWarn(componentProf, "profiles incomplete", "error", err)
	} else {
		pkg.LogInfo(componentProf, "profiles written", "dir", s.opts.Dir)
	}
	return err
}

func writeSnapshot(path, name string) error {
	p := pprof.Lookup(name)
	if p == nil {
		return fmt.Errorf("%w: profile %q", pkg.ErrNotFound, name)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return errors.Join(p.WriteTo(f, 0), f.Close())
}
