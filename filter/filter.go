// Package filter keeps the host's own TCP from interfering with connections
// of the user-space stack. The host answers every segment for a port it has
// no socket for with a RST; the rules installed here drop those RSTs on the
// way out.
package filter

import (
	"net/netip"
	"strconv"
	"sync"
)

type Filter interface {
	AddTcpClientFiltering(remote netip.AddrPort) error    // drops RSTs the host sends to a server we dial
	RemoveTcpClientFiltering(remote netip.AddrPort) error // undoes AddTcpClientFiltering
	AddTcpServerFiltering(local netip.AddrPort) error     // drops RSTs the host sends from one of our listening ports
	RemoveTcpServerFiltering(local netip.AddrPort) error  // undoes AddTcpServerFiltering
	FinishFiltering() error                               // removes every rule this filter added
}

// Direction tells which end of the dropped RST a rule matches.
type Direction uint8

const (
	Client Direction = iota // match the destination
	Server                  // match the source
)

func (d Direction) String() string {
	if d == Server {
		return "server"
	}
	return "client"
}

type rule struct {
	dir Direction
	ap  netip.AddrPort
}

// newRule normalizes ap: mapped addresses are unmapped and an unspecified
// address becomes the zero Addr, which matches both families.
func newRule(dir Direction, ap netip.AddrPort) rule {
	a := ap.Addr().Unmap()
	if a.IsUnspecified() {
		a = netip.Addr{}
	}
	return rule{dir: dir, ap: netip.AddrPortFrom(a, ap.Port())}
}

func (r rule) String() string {
	if r.wildcard() {
		return r.dir.String() + " *:" + strconv.Itoa(int(r.ap.Port()))
	}
	return r.dir.String() + " " + r.ap.String()
}

// wildcard reports whether the rule matches any address.
func (r rule) wildcard() bool {
	return !r.ap.Addr().IsValid() || r.ap.Addr().IsUnspecified()
}

// spec is the iptables rule specification of r, tagged with comment.
func (r rule) spec(comment string) []string {
	args := []string{"-p", "tcp", "--tcp-flags", "RST", "RST"}
	port := strconv.Itoa(int(r.ap.Port()))
	if r.dir == Client {
		if !r.wildcard() {
			args = append(args, "-d", r.ap.Addr().String())
		}
		args = append(args, "--dport", port)
	} else {
		if !r.wildcard() {
			args = append(args, "-s", r.ap.Addr().String())
		}
		args = append(args, "--sport", port)
	}
	return append(args, "-m", "comment", "--comment", comment, "-j", "DROP")
}

// ruleSet tracks the installed rules.
type ruleSet struct {
	mu sync.Mutex
	m  map[rule]struct{}
}

func newRuleSet() *ruleSet {
	return &ruleSet{m: make(map[rule]struct{})}
}

// add returns false when r was already present.
func (rs *ruleSet) add(r rule) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.m[r]; ok {
		return false
	}
	rs.m[r] = struct{}{}
	return true
}

// remove returns false when r was not present.
func (rs *ruleSet) remove(r rule) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.m[r]; !ok {
		return false
	}
	delete(rs.m, r)
	return true
}

func (rs *ruleSet) len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.m)
}

func (rs *ruleSet) clear() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	clear(rs.m)
}

// drops reports whether a RST from src to dst matches one of the rules.
func (rs *ruleSet) drops(src, dst netip.AddrPort) bool {
	src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())
	dst = netip.AddrPortFrom(dst.Addr().Unmap(), dst.Port())
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, r := range [...]rule{
		{Client, dst},
		{Client, netip.AddrPortFrom(netip.Addr{}, dst.Port())},
		{Server, src},
		{Server, netip.AddrPortFrom(netip.Addr{}, src.Port())},
	} {
		if _, ok := rs.m[r]; ok {
			return true
		}
	}
	return false
}

// Noop is a Filter that installs nothing. It is used where the platform
// has no supported packet filter.
type Noop struct{}

func (Noop) AddTcpClientFiltering(netip.AddrPort) error    { return nil }
func (Noop) RemoveTcpClientFiltering(netip.AddrPort) error { return nil }
func (Noop) AddTcpServerFiltering(netip.AddrPort) error    { return nil }
func (Noop) RemoveTcpServerFiltering(netip.AddrPort) error { return nil }
func (Noop) FinishFiltering() error                        { return nil }
