//go:build !profile

package prof

import "github.com/ardnew/softhub/pkg"

// Enabled reports whether the binary was built with the profile tag.
const Enabled = false

// Start fails with pkg.ErrNotSupported unless built with the profile tag.
func Start(Options) (*Session, error) {
	return nil, pkg.ErrNotSupported
}

// Stop does nothing.
func (s *Session) Stop() error {
	return nil
}
