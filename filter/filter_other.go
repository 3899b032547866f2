//go:build !linux && !windows

package filter

import "github.com/sirupsen/logrus"

// NewFilter returns Noop: packet filtering is only supported on Linux and
// Windows.
func NewFilter(identifier string) (Filter, error) {
	logrus.WithField("comment", identifier).Warn("packet filtering is not supported on this platform")
	return Noop{}, nil
}
