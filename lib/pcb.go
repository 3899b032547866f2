package lib

import (
	"net/netip"
	"time"

	"gvisor.dev/gvisor/pkg/ilist"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

// Callback signatures. Callbacks run synchronously inside the stack, so they
// may call back into s. A callback that aborts its own connection must
// return ErrAbort.
type (
	// RecvFunc gets in-order data. data == nil means the peer closed its side.
	// data is only valid during the call. Returning an error refuses the data;
	// the fast timer offers it again.
	RecvFunc func(s *Stack, h Handle, arg any, data []byte) error
	// SentFunc reports n more bytes acknowledged by the peer.
	SentFunc func(s *Stack, h Handle, arg any, n uint16) error
	// PollFunc runs every PollInterval slow ticks.
	PollFunc func(s *Stack, h Handle, arg any) error
	// AcceptFunc gets a new connection from a listener. err is ErrMem when
	// no PCB could be allocated for an incoming SYN.
	AcceptFunc func(s *Stack, h Handle, arg any, err error) error
	// ConnectedFunc is called when an active open completes.
	ConnectedFunc func(s *Stack, h Handle, arg any, err error) error
	// ErrFunc is told that the connection is gone. It runs from Event.Notify
	// after the PCB has been freed.
	ErrFunc func(arg any, err error)
)

// Callbacks are the application hooks of one connection.
type Callbacks struct {
	Arg          any
	Recv         RecvFunc
	Sent         SentFunc
	Err          ErrFunc
	Poll         PollFunc
	PollInterval uint8 // in slow ticks
	Accept       AcceptFunc
	Connected    ConnectedFunc
}

// sendTimer is the state of the send-side timer of a connection: idle,
// retransmission or persist. Only one of the last two can run at a time.
type sendTimer interface {
	isSendTimer()
}

type idleTimer struct{}

type retransmitTimer struct {
	rtime int   // slow ticks since the timer was (re)started
	tries uint8 // retransmissions since the last forward progress
}

type persistTimer struct {
	rung   uint8 // index into persistBackoff
	count  uint8 // slow ticks on the current rung
	probes uint8 // zero-window probes sent without an answer
}

func (idleTimer) isSendTimer() {}
func (*retransmitTimer) isSendTimer() {}
func (*persistTimer) isSendTimer() {}

// segment is a queued outgoing or out-of-order segment.
type segment struct {
	seq    seqnum.Value
	flags  uint8
	buf    *buffer // nil for pure control segments
	off    int
	n      int
	mssOpt bool
}

func (sg *segment) payload() []byte {
	if sg.buf == nil {
		return nil
	}
	return sg.buf.bytes()[sg.off : sg.off+sg.n]
}

// seqLen is the sequence space the segment occupies.
func (sg *segment) seqLen() seqnum.Size {
	n := seqnum.Size(sg.n)
	if sg.flags&(SYNFlag|FINFlag) != 0 {
		n++
	}
	return n
}

func (sg *segment) end() seqnum.Value { return sg.seq.Add(sg.seqLen()) }

func (sg *segment) free() {
	if sg.buf != nil {
		sg.buf.release()
		sg.buf = nil
	}
}

func freeSegments(q []*segment) {
	for _, sg := range q {
		sg.free()
	}
}

// refusedData is data the application's recv callback declined.
type refusedData struct {
	segs []*segment // empty when only a FIN was refused
	fin  bool
}

func (r *refusedData) payload() []byte { return joinPayload(r.segs) }

func (r *refusedData) free() {
	freeSegments(r.segs)
	r.segs = nil
}

// joinPayload returns the payload of segs as one slice. A single segment is
// returned without copying.
func joinPayload(segs []*segment) []byte {
	switch len(segs) {
	case 0:
		return nil
	case 1:
		return segs[0].payload()
	}
	n := 0
	for _, sg := range segs {
		n += sg.n
	}
	b := make([]byte, 0, n)
	for _, sg := range segs {
		b = append(b, sg.payload()...)
	}
	return b
}

// PCB is the protocol control block of one connection or listener. PCBs are
// owned by a Stack and reached through a Handle.
type PCB struct {
	ilist.Entry

	h    Handle
	list *pcbList

	localIP    netip.Addr
	remoteIP   netip.Addr
	localPort  uint16
	remotePort uint16
	ifIndex    int // 0 unless bound to an interface

	state     State
	prio      uint8
	flags     uint16
	reuseAddr bool
	keepalive bool
	isListen  bool

	// listener
	backlog        uint8
	acceptsPending uint8

	// child of a listener while in SYN_RCVD
	listener Handle

	// receiver
	rcvNxt          seqnum.Value
	rcvWnd          uint32
	rcvAnnWnd       uint32
	rcvAnnRightEdge seqnum.Value

	// sender
	iss        seqnum.Value
	sndNxt     seqnum.Value
	lastAck    seqnum.Value
	sndLbb     seqnum.Value // next byte to be buffered
	sndWnd     uint32
	sndWndMax  uint32
	sndWl1     seqnum.Value
	sndWl2     seqnum.Value
	cwnd       uint32
	ssthresh   uint32
	bytesAcked uint32
	sndBuf     uint32
	queueLen   int
	mss        uint16
	dupAcks    uint8

	// RTT estimation, in slow ticks
	rto    int
	sa     int
	sv     int
	rttest uint32 // tick the measured segment was sent, 0 when idle
	rtseq  seqnum.Value

	tmr       uint32 // tick of the last activity
	lastTimer uint8  // timer epoch the PCB was last processed in
	pollTmr   uint8

	keepIdle    time.Duration
	keepIntvl   time.Duration
	keepCnt     uint32
	keepCntSent uint8

	snd sendTimer

	unsent  []*segment
	unacked []*segment
	ooseq   []*segment
	refused *refusedData

	cb Callbacks
}

func (p *PCB) setFlag(f uint16) { p.flags |= f }
func (p *PCB) clearFlag(f uint16) { p.flags &^= f }
func (p *PCB) hasFlag(f uint16) bool { return p.flags&f != 0 }

// setState moves p to st. Retransmission tries count per state.
func (p *PCB) setState(st State) {
	if p.state == st {
		return
	}
	p.state = st
	if rt, ok := p.snd.(*retransmitTimer); ok {
		rt.tries = 0
	}
}

// tries is the retransmission count, 0 unless the retransmission timer runs.
func (p *PCB) tries() uint8 {
	if rt, ok := p.snd.(*retransmitTimer); ok {
		return rt.tries
	}
	return 0
}

func (p *PCB) retransmitting() *retransmitTimer {
	rt, _ := p.snd.(*retransmitTimer)
	return rt
}

func (p *PCB) persisting() *persistTimer {
	pt, _ := p.snd.(*persistTimer)
	return pt
}

// armRetransmit starts the retransmission timer unless it already runs.
func (p *PCB) armRetransmit() {
	if _, ok := p.snd.(*retransmitTimer); !ok {
		p.snd = &retransmitTimer{}
	}
}

func (p *PCB) stopSendTimer() { p.snd = idleTimer{} }

func (p *PCB) startPersist() {
	if _, ok := p.snd.(*persistTimer); !ok {
		p.snd = &persistTimer{}
	}
}

// Endpoints returns the addresses of the connection.
func (p *PCB) endpoints() Endpoints {
	return Endpoints{
		Local:  netip.AddrPortFrom(p.localIP, p.localPort),
		Remote: netip.AddrPortFrom(p.remoteIP, p.remotePort),
	}
}

// hasQueues reports whether any segment or refused data is held.
func (p *PCB) hasQueues() bool {
	return len(p.unsent) > 0 || len(p.unacked) > 0 || len(p.ooseq) > 0 || p.refused != nil
}

// Info is a read-only view of a PCB.
type Info struct {
	Handle       Handle
	State        State
	Local        netip.AddrPort
	Remote       netip.AddrPort
	Prio         uint8
	Listener     Handle
	Backlog      uint8
	Pending      uint8
	MSS          uint16
	RcvWnd       uint32
	SndWnd       uint32
	Cwnd         uint32
	RTO          int // slow ticks
	Retransmits  uint8
	Persisting   bool
	Unsent       int
	Unacked      int
	OutOfOrder   int
	HasRefused   bool
	KeepaliveOn  bool
	ReuseAddr    bool
	PollInterval uint8
}

func (p *PCB) info() Info {
	return Info{
		Handle:       p.h,
		State:        p.state,
		Local:        netip.AddrPortFrom(p.localIP, p.localPort),
		Remote:       netip.AddrPortFrom(p.remoteIP, p.remotePort),
		Prio:         p.prio,
		Listener:     p.listener,
		Backlog:      p.backlog,
		Pending:      p.acceptsPending,
		MSS:          p.mss,
		RcvWnd:       p.rcvWnd,
		SndWnd:       p.sndWnd,
		Cwnd:         p.cwnd,
		RTO:          p.rto,
		Retransmits:  p.tries(),
		Persisting:   p.persisting() != nil,
		Unsent:       len(p.unsent),
		Unacked:      len(p.unacked),
		OutOfOrder:   len(p.ooseq),
		HasRefused:   p.refused != nil,
		KeepaliveOn:  p.keepalive,
		ReuseAddr:    p.reuseAddr,
		PollInterval: p.cb.PollInterval,
	}
}
