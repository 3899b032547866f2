package ipout

import (
	"net"
	"net/netip"

	"github.com/pkg/errors"

	"github.com/Clouded-Sabre/tcpcore/lib"
)

// iface is the part of a network interface route selection looks at.
type iface struct {
	index    int
	mtu      int
	prefixes []netip.Prefix
}

// IfaceRouter picks the source address from the host's interface table.
// It prefers an address on the remote's subnet and otherwise takes the first
// address of the remote's family. It is the fallback where netlink is not
// available.
type IfaceRouter struct {
	list func() ([]iface, error)
}

func NewIfaceRouter() *IfaceRouter {
	return &IfaceRouter{list: hostIfaces}
}

func hostIfaces() ([]iface, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, "list interfaces")
	}
	var out []iface
	for _, ifi := range ifs {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		it := iface{index: ifi.Index, mtu: ifi.MTU}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipn.IP)
			if !ok {
				continue
			}
			ones, _ := ipn.Mask.Size()
			it.prefixes = append(it.prefixes, netip.PrefixFrom(ip.Unmap(), ones))
		}
		out = append(out, it)
	}
	return out, nil
}

// Route implements lib.Router. A valid local address must belong to one of
// the interfaces.
func (r *IfaceRouter) Route(local, remote netip.Addr) (lib.Route, error) {
	ifs, err := r.list()
	if err != nil {
		return lib.Route{}, err
	}
	return pickRoute(ifs, local.Unmap(), remote.Unmap())
}

func pickRoute(ifs []iface, local, remote netip.Addr) (lib.Route, error) {
	var fallback *lib.Route
	for _, it := range ifs {
		for _, p := range it.prefixes {
			a := p.Addr()
			if a.Is4() != remote.Is4() || a.IsLinkLocalUnicast() != remote.IsLinkLocalUnicast() {
				continue
			}
			if local.IsValid() && !local.IsUnspecified() && a != local {
				continue
			}
			rt := lib.Route{Local: a, MTU: it.mtu, IfIndex: it.index}
			if p.Masked().Contains(remote) {
				return rt, nil
			}
			if fallback == nil {
				fallback = &rt
			}
		}
	}
	if fallback == nil {
		return lib.Route{}, errors.Wrapf(lib.ErrRoute, "no local address for %v", remote)
	}
	return *fallback, nil
}
