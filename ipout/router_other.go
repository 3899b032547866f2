//go:build !linux

package ipout

import "github.com/Clouded-Sabre/tcpcore/lib"

// NewRouter returns the interface table router.
func NewRouter() lib.Router { return NewIfaceRouter() }
