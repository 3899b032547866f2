//go:build linux

package ipout

import (
	"net"
	"net/netip"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"

	"github.com/Clouded-Sabre/tcpcore/lib"
)

// NetlinkRouter asks the kernel routing table for the route to a remote
// address.
type NetlinkRouter struct{}

// Route implements lib.Router. The kernel's preferred source is used unless
// local is set.
func (NetlinkRouter) Route(local, remote netip.Addr) (lib.Route, error) {
	routes, err := netlink.RouteGet(net.IP(remote.Unmap().AsSlice()))
	if err != nil {
		return lib.Route{}, errors.Wrapf(lib.ErrRoute, "route to %v: %v", remote, err)
	}
	if len(routes) == 0 {
		return lib.Route{}, errors.Wrapf(lib.ErrRoute, "no route to %v", remote)
	}
	route := routes[0]

	l, err := netlink.LinkByIndex(route.LinkIndex)
	if err != nil {
		return lib.Route{}, errors.Wrapf(lib.ErrRoute, "link %d: %v", route.LinkIndex, err)
	}
	rt := lib.Route{MTU: l.Attrs().MTU, IfIndex: route.LinkIndex}
	if local.IsValid() && !local.IsUnspecified() {
		rt.Local = local
	} else if src, ok := netip.AddrFromSlice(route.Src); ok {
		rt.Local = src.Unmap()
	} else {
		return lib.Route{}, errors.Wrapf(lib.ErrRoute, "no source address towards %v", remote)
	}
	return rt, nil
}

// NewRouter returns the kernel backed router.
func NewRouter() lib.Router { return NetlinkRouter{} }
