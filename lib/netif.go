package lib

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

// Endpoints identifies both ends of a connection.
type Endpoints struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
}

// OutSegment is a TCP segment handed to Output. Payload is only valid for the
// duration of the Send call.
type OutSegment struct {
	Seq     seqnum.Value
	Ack     seqnum.Value
	Flags   uint8
	Window  uint16
	MSS     uint16 // MSS option, 0 when absent
	Payload []byte
}

// InSegment is a decoded TCP segment arriving for the stack.
type InSegment struct {
	// Endpoints are seen from this host: Local is ours.
	Endpoints
	// IfIndex is the receiving link, 0 when unknown.
	IfIndex int
	Seq     seqnum.Value
	Ack     seqnum.Value
	Flags   uint8
	Window  uint16
	MSS     uint16 // MSS option, 0 when absent
	Payload []byte
}

// Output transmits segments. An error only postpones work: the segment stays
// queued and is retried by the timers.
type Output interface {
	Send(ep Endpoints, seg OutSegment) error
}

// Route is the result of a route lookup.
type Route struct {
	Local   netip.Addr // preferred source address
	MTU     int
	IfIndex int
}

// Router finds the route towards remote. local may be unspecified.
type Router interface {
	Route(local, remote netip.Addr) (Route, error)
}
