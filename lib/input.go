package lib

import (
	"net/netip"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

// inbound is the segment being processed and what processing it produced.
type inbound struct {
	InSegment
	tcplen uint32 // sequence space used, SYN and FIN included

	acked  uint32     // data bytes newly acknowledged
	data   []*segment // in-order data for the application
	gotFin bool
	reset  bool
	closed bool // our FIN was acknowledged in LAST_ACK
}

func (in *inbound) has(f uint8) bool { return in.Flags&f != 0 }

// rstReply answers in with a RST that the peer will accept.
func (s *Stack) rstReply(in *inbound) {
	s.rst(in.Endpoints, in.Ack, in.Seq.Add(seqnum.Size(in.tcplen)))
}

func tcpLen(flags uint8, n int) uint32 {
	l := uint32(n)
	if flags&(SYNFlag|FINFlag) != 0 {
		l++
	}
	return l
}

// seqBetween reports whether b <= a <= c in sequence space.
func seqBetween(a, b, c seqnum.Value) bool {
	return b.LessThanEq(a) && a.LessThanEq(c)
}

func initialCwnd(mss uint16) uint32 {
	m := uint32(mss)
	return min(4*m, max(2*m, 4380))
}

// Input processes one segment addressed to this host. Only a segment
// without endpoints is an error; everything else is answered, dropped or
// reported through events.
func (s *Stack) Input(seg InSegment) error {
	if !seg.Local.IsValid() || !seg.Remote.IsValid() {
		return errors.Wrap(ErrArg, "segment without endpoints")
	}
	seg.Local = netip.AddrPortFrom(seg.Local.Addr().Unmap(), seg.Local.Port())
	seg.Remote = netip.AddrPortFrom(seg.Remote.Addr().Unmap(), seg.Remote.Port())
	in := &inbound{InSegment: seg, tcplen: tcpLen(seg.Flags, len(seg.Payload))}

	if p := s.demux(&s.active, seg.Endpoints); p != nil {
		s.connInput(p, in)
		return nil
	}
	if p := s.demux(&s.tw, seg.Endpoints); p != nil {
		s.timeWaitInput(p, in)
		return nil
	}
	if lp := s.findListener(&seg); lp != nil {
		s.listenInput(lp, in)
		return nil
	}
	if !in.has(RSTFlag) {
		s.rstReply(in)
	}
	return nil
}

func (s *Stack) demux(l *pcbList, ep Endpoints) *PCB {
	var found *PCB
	l.each(func(p *PCB) bool {
		if p.localPort == ep.Local.Port() && p.remotePort == ep.Remote.Port() &&
			p.localIP == ep.Local.Addr() && p.remoteIP == ep.Remote.Addr() {
			found = p
			return false
		}
		return true
	})
	return found
}

// findListener prefers a listener on the exact local address over one on
// the wildcard address.
func (s *Stack) findListener(seg *InSegment) *PCB {
	local := seg.Local.Addr()
	var exact, wildcard *PCB
	s.listen.each(func(lp *PCB) bool {
		if lp.localPort != seg.Local.Port() || (lp.ifIndex != 0 && lp.ifIndex != seg.IfIndex) {
			return true
		}
		switch {
		case lp.localIP == local:
			exact = lp
			return false
		case unspecified(lp.localIP) && (!lp.localIP.IsValid() || sameFamily(lp.localIP, local)):
			if wildcard == nil {
				wildcard = lp
			}
		}
		return true
	})
	if exact != nil {
		return exact
	}
	return wildcard
}

func (s *Stack) listenInput(lp *PCB, in *inbound) {
	switch {
	case in.has(RSTFlag):
		return
	case in.has(ACKFlag):
		s.rstReply(in)
		return
	case !in.has(SYNFlag):
		return
	}
	if lp.acceptsPending >= lp.backlog {
		s.stats.InputDrops++
		s.log.WithFields(logrus.Fields{"listener": lp.h, "backlog": lp.backlog}).Debug("listen backlog exceeded")
		return
	}
	p, err := s.alloc(lp.prio)
	if err != nil {
		// The peer will send its SYN again.
		if fn := lp.cb.Accept; fn != nil {
			fn(s, Handle{}, lp.cb.Arg, err)
		}
		return
	}
	p.listener = lp.h
	s.backlogDelayed(p)
	p.localIP, p.localPort = in.Local.Addr(), in.Local.Port()
	p.remoteIP, p.remotePort = in.Remote.Addr(), in.Remote.Port()
	p.ifIndex = lp.ifIndex
	p.setState(SynRcvd)
	p.rcvNxt = in.Seq + 1
	p.rcvAnnRightEdge = p.rcvNxt
	iss := s.nextISS()
	p.iss = iss
	p.sndWl2, p.sndNxt, p.lastAck, p.sndLbb = iss, iss, iss, iss
	p.sndWl1 = in.Seq - 1
	p.cb = Callbacks{Arg: lp.cb.Arg}
	p.reuseAddr = lp.reuseAddr
	p.keepalive = lp.keepalive
	p.keepIdle, p.keepIntvl, p.keepCnt = lp.keepIdle, lp.keepIntvl, lp.keepCnt
	s.register(&s.active, p)

	p.sndWnd = uint32(in.Window)
	p.sndWndMax = p.sndWnd
	p.mss = s.peerMSS(p, in.MSS)

	if err := s.enqueueFlags(p, SYNFlag|ACKFlag); err != nil {
		s.abandon(p, false, ReasonAborted)
		return
	}
	s.output(p)
}

// peerMSS applies the peer's MSS option and the route MTU to p.mss.
func (s *Stack) peerMSS(p *PCB, opt uint16) uint16 {
	mss := p.mss
	if opt != 0 {
		mss = min(opt, s.cfg.MSS)
	}
	mtu := 0
	if rt, err := s.router.Route(p.localIP, p.remoteIP); err == nil {
		mtu = rt.MTU
	}
	return effSendMSS(mss, mtu, p.remoteIP)
}

// timeWaitInput follows RFC 1337: RSTs are ignored and anything else is
// answered with an ACK.
func (s *Stack) timeWaitInput(p *PCB, in *inbound) {
	if in.has(RSTFlag) {
		return
	}
	if in.has(SYNFlag) {
		if seqBetween(in.Seq, p.rcvNxt, p.rcvNxt.Add(seqnum.Size(p.rcvWnd))) {
			s.rstReply(in)
			return
		}
	} else if in.has(FINFlag) {
		// The peer lost our ACK: restart the 2*MSL wait.
		p.tmr = s.ticks
	}
	if in.tcplen > 0 {
		p.ackNow()
		s.output(p)
	}
}

// connInput runs a segment through the state machine of p and then hands
// the results to the application.
func (s *Stack) connInput(p *PCB, in *inbound) {
	h := p.h
	if p.refused != nil {
		if errors.Is(s.processRefusedData(p), ErrAbort) || (p.refused != nil && in.tcplen > 0) {
			// Gone, or still refusing: drop the segment. A probe of our
			// zero window still gets an answer.
			if s.alive(h) && p.rcvAnnWnd == 0 {
				s.sendEmptyAck(p)
			}
			s.stats.InputDrops++
			return
		}
	}

	s.inputPCB = p
	err := s.process(p, in)
	defer func() {
		freeSegments(in.data)
		s.inputPCB = nil
	}()
	if errors.Is(err, ErrAbort) || !s.alive(h) {
		return
	}

	if in.reset {
		st := p.state
		s.log.WithFields(logrus.Fields{"conn": h, "state": st}).Debug("connection reset by peer")
		s.queueError(p, st, ReasonPeerReset, ErrReset)
		s.pcbRemove(p)
		s.free(p)
		return
	}

	for acked := in.acked; acked > 0 && p.cb.Sent != nil; {
		n := min(acked, 0xffff)
		acked -= n
		if err := p.cb.Sent(s, h, p.cb.Arg, uint16(n)); errors.Is(err, ErrAbort) || !s.alive(h) {
			return
		}
	}

	if in.closed {
		s.closedByPeer(p)
		return
	}

	if len(in.data) > 0 {
		if p.hasFlag(flagRxClosed) {
			// Nobody will read it.
			s.abandon(p, true, ReasonAborted)
			return
		}
		data := in.data
		in.data = nil
		err := s.deliver(p, joinPayload(data))
		switch {
		case !s.alive(h):
			freeSegments(data)
			return
		case err != nil && p.inList(listActive):
			p.refused = &refusedData{segs: data}
		default:
			freeSegments(data)
		}
	}

	if in.gotFin {
		if p.refused != nil {
			p.refused.fin = true
		} else {
			// The application will not report the FIN's sequence number.
			if p.rcvWnd != uint32(s.cfg.Wnd) {
				p.rcvWnd++
			}
			s.deliver(p, nil)
			if !s.alive(h) {
				return
			}
		}
	}

	s.inputPCB = nil
	s.output(p)
}

// closedByPeer frees p once the peer acknowledged our FIN in LAST_ACK.
func (s *Stack) closedByPeer(p *PCB) {
	if !p.hasFlag(flagRxClosed) {
		// The application still expects to hear about the connection.
		s.queueError(p, p.state, ReasonPeerClosed, ErrClosed)
	}
	s.pcbRemove(p)
	s.free(p)
}

// process is the TCP state machine for one segment.
func (s *Stack) process(p *PCB, in *inbound) error {
	if in.has(RSTFlag) {
		acceptable := false
		switch {
		case p.state == SynSent:
			acceptable = in.Ack == p.sndNxt
		case in.Seq == p.rcvNxt:
			acceptable = true
		case seqBetween(in.Seq, p.rcvNxt, p.rcvNxt.Add(seqnum.Size(p.rcvWnd))):
			// RFC 5961 challenge ACK: a genuine peer resends with the exact sequence number.
			p.ackNow()
		}
		if !acceptable {
			return nil
		}
		in.reset = true
		p.clearFlag(flagAckDelay)
		return ErrReset
	}
	if in.has(SYNFlag) && p.state != SynSent && p.state != SynRcvd {
		// The peer may have restarted.
		p.ackNow()
		return nil
	}
	if !p.hasFlag(flagRxClosed) {
		p.tmr = s.ticks
	}
	p.keepCntSent = 0
	if pt := p.persisting(); pt != nil {
		pt.probes = 0
	}

	finAcked := func() bool {
		return in.has(ACKFlag) && in.Ack == p.sndNxt && len(p.unsent) == 0
	}
	switch p.state {
	case SynSent:
		return s.synSentInput(p, in)
	case SynRcvd:
		return s.synRcvdInput(p, in)
	case Established, CloseWait:
		s.receive(p, in)
		if in.gotFin {
			p.ackNow()
			p.setState(CloseWait)
		}
	case FinWait1:
		s.receive(p, in)
		switch {
		case in.gotFin && finAcked():
			p.ackNow()
			s.moveToTimeWait(p)
		case in.gotFin:
			p.ackNow()
			p.setState(Closing)
		case finAcked():
			p.setState(FinWait2)
		}
	case FinWait2:
		s.receive(p, in)
		if in.gotFin {
			p.ackNow()
			s.moveToTimeWait(p)
		}
	case Closing:
		s.receive(p, in)
		if finAcked() {
			s.moveToTimeWait(p)
		}
	case LastAck:
		s.receive(p, in)
		if finAcked() {
			// Freed once the callbacks have run.
			in.closed = true
		}
	}
	return nil
}

func (s *Stack) synSentInput(p *PCB, in *inbound) error {
	switch {
	case in.has(ACKFlag) && in.has(SYNFlag) && in.Ack == p.lastAck+1:
		p.rcvNxt = in.Seq + 1
		p.rcvAnnRightEdge = p.rcvNxt
		p.lastAck = in.Ack
		p.sndWnd = uint32(in.Window)
		p.sndWndMax = p.sndWnd
		p.sndWl1 = in.Seq - 1
		p.setState(Established)
		p.mss = s.peerMSS(p, in.MSS)
		p.cwnd = initialCwnd(p.mss)

		// The SYN is back on unsent when its retransmission could not be sent.
		var syn *segment
		if len(p.unacked) > 0 {
			syn, p.unacked = p.unacked[0], p.unacked[1:]
		} else if len(p.unsent) > 0 {
			syn, p.unsent = p.unsent[0], p.unsent[1:]
		}
		if syn != nil {
			syn.free()
			p.queueLen--
		}
		if len(p.unacked) == 0 {
			p.unacked = nil
			p.stopSendTimer()
		} else if rt := p.retransmitting(); rt != nil {
			rt.rtime, rt.tries = 0, 0
		}

		h := p.h
		if fn := p.cb.Connected; fn != nil {
			if err := fn(s, h, p.cb.Arg, nil); errors.Is(err, ErrAbort) || !s.alive(h) {
				return ErrAbort
			}
		}
		p.ackNow()
	case in.has(ACKFlag):
		// Half-open connection: reset the peer and resend our SYN now.
		s.rstReply(in)
		if p.tries() < s.cfg.SynMaxRtx {
			if rt := p.retransmitting(); rt != nil {
				rt.rtime = 0
			}
			if s.rexmitRTOPrepare(p) == nil {
				s.rexmitRTOCommit(p)
			}
		}
	}
	return nil
}

func (s *Stack) synRcvdInput(p *PCB, in *inbound) error {
	switch {
	case in.has(ACKFlag):
		if !seqBetween(in.Ack, p.lastAck+1, p.sndNxt) {
			s.rstReply(in)
			return nil
		}
		p.setState(Established)
		h := p.h
		var err error
		if lp := s.pcbs.get(p.listener); lp == nil || !lp.isListen {
			err = errors.Wrap(ErrVal, "listener is gone")
		} else {
			s.backlogAccepted(p)
			err = s.accept(lp, p)
		}
		if err != nil {
			if s.alive(h) {
				s.abandon(p, true, ReasonAborted)
			}
			return ErrAbort
		}
		s.receive(p, in)
		p.cwnd = initialCwnd(p.mss)
		if in.gotFin {
			p.ackNow()
			p.setState(CloseWait)
		}
	case in.has(SYNFlag) && in.Seq == p.rcvNxt-1:
		// Our SYN|ACK was lost.
		s.rexmit(p)
	}
	return nil
}

func (s *Stack) accept(lp, p *PCB) error {
	if lp.cb.Accept == nil {
		s.abandon(p, true, ReasonAborted)
		return ErrAbort
	}
	return lp.cb.Accept(s, p.h, lp.cb.Arg, nil)
}

// receive processes the ACK and the data of an in-window segment.
func (s *Stack) receive(p *PCB, in *inbound) {
	if in.has(ACKFlag) {
		s.receiveAck(p, in)
	}
	s.receiveData(p, in)
}

func (s *Stack) receiveAck(p *PCB, in *inbound) {
	rightEdge := p.sndWl2.Add(seqnum.Size(p.sndWnd))
	wnd := uint32(in.Window)
	if p.sndWl1.LessThan(in.Seq) ||
		(p.sndWl1 == in.Seq && p.sndWl2.LessThan(in.Ack)) ||
		(p.sndWl2 == in.Ack && wnd > p.sndWnd) {
		p.sndWnd = wnd
		p.sndWndMax = max(p.sndWndMax, wnd)
		p.sndWl1, p.sndWl2 = in.Seq, in.Ack
	}

	switch {
	case in.Ack.LessThanEq(p.lastAck):
		dup := in.tcplen == 0 &&
			p.sndWl2.Add(seqnum.Size(p.sndWnd)) == rightEdge &&
			p.retransmitting() != nil &&
			p.lastAck == in.Ack
		if !dup {
			p.dupAcks = 0
			break
		}
		if p.dupAcks < 0xff {
			p.dupAcks++
		}
		if p.dupAcks > 3 {
			p.cwnd += uint32(p.mss)
		}
		if p.dupAcks >= 3 {
			s.rexmitFast(p)
		}
	case seqBetween(in.Ack, p.lastAck+1, p.sndNxt):
		if p.hasFlag(flagInFR) {
			p.clearFlag(flagInFR)
			p.cwnd = p.ssthresh
			p.bytesAcked = 0
		}
		p.rto = (p.sa >> 3) + p.sv
		acked := uint32(p.lastAck.Size(in.Ack))
		p.dupAcks = 0
		p.lastAck = in.Ack
		if p.state >= Established {
			if p.cwnd < p.ssthresh {
				p.cwnd += min(acked, 2*uint32(p.mss))
			} else {
				p.bytesAcked += acked
				if p.bytesAcked >= p.cwnd {
					p.bytesAcked -= p.cwnd
					p.cwnd += uint32(p.mss)
				}
			}
		}
		// After a retransmission timeout acknowledged segments may sit on unsent.
		p.unacked = s.freeAcked(p, p.unacked, in)
		p.unsent = s.freeAcked(p, p.unsent, in)
		if rt := p.retransmitting(); rt != nil {
			rt.tries = 0
			if len(p.unacked) == 0 {
				p.stopSendTimer()
			} else {
				rt.rtime = 0
			}
		}
		p.pollTmr = 0
		p.sndBuf += in.acked
	default:
		// Acknowledges data never sent.
		s.sendEmptyAck(p)
	}

	if p.rttest != 0 && p.rtseq.LessThan(in.Ack) {
		m := int(int16(s.ticks - p.rttest))
		m -= p.sa >> 3
		p.sa += m
		if m < 0 {
			m = -m
		}
		m -= p.sv >> 2
		p.sv += m
		p.rto = (p.sa >> 3) + p.sv
		p.rttest = 0
	}
}

// freeAcked drops the head segments of q that in acknowledges.
func (s *Stack) freeAcked(p *PCB, q []*segment, in *inbound) []*segment {
	i := 0
	for ; i < len(q) && q[i].end().LessThanEq(in.Ack); i++ {
		if p.queueLen > 0 {
			p.queueLen--
		}
		in.acked += uint32(q[i].n)
		q[i].free()
	}
	if i == len(q) {
		return nil
	}
	return q[i:]
}

func (s *Stack) receiveData(p *PCB, in *inbound) {
	if in.tcplen == 0 || p.state >= CloseWait {
		// After the peer's FIN any text is ignored.
		if !seqBetween(in.Seq, p.rcvNxt, p.rcvNxt.Add(seqnum.Size(p.rcvWnd))-1) {
			p.ackNow()
		}
		return
	}

	seq, payload := in.Seq, in.Payload
	flags := in.Flags &^ SYNFlag
	tcplen := tcpLen(flags, len(payload))
	if tcplen == 0 {
		return
	}
	if seqBetween(p.rcvNxt, seq+1, seq.Add(seqnum.Size(tcplen))-1) {
		// Part of it was received before.
		off := int(seq.Size(p.rcvNxt))
		payload = payload[min(off, len(payload)):]
		seq = p.rcvNxt
		tcplen = tcpLen(flags, len(payload))
	} else if seq.LessThan(p.rcvNxt) {
		p.ackNow()
	}

	if !seqBetween(seq, p.rcvNxt, p.rcvNxt.Add(seqnum.Size(p.rcvWnd))-1) {
		s.sendEmptyAck(p)
		return
	}
	if seq != p.rcvNxt {
		s.queueOutOfOrder(p, seq, flags, payload)
		s.sendEmptyAck(p)
		return
	}

	if tcplen > p.rcvWnd {
		// The peer overran our window.
		flags &^= FINFlag
		payload = payload[:p.rcvWnd]
		tcplen = tcpLen(flags, len(payload))
	}
	if len(p.ooseq) > 0 {
		if flags&FINFlag != 0 {
			// Nothing can follow a FIN.
			freeSegments(p.ooseq)
			p.ooseq = nil
		} else {
			end := seq.Add(seqnum.Size(tcplen))
			i := 0
			for ; i < len(p.ooseq) && p.ooseq[i].seq.Add(seqnum.Size(p.ooseq[i].n)).LessThanEq(end); i++ {
				if p.ooseq[i].flags&FINFlag != 0 {
					flags |= FINFlag
				}
				p.ooseq[i].free()
			}
			p.ooseq = p.ooseq[i:]
			if len(p.ooseq) > 0 && p.ooseq[0].seq.LessThan(end) {
				payload = payload[:seq.Size(p.ooseq[0].seq)]
			}
			tcplen = tcpLen(flags, len(payload))
		}
	}

	bufs, err := s.bufs.chunks(payload)
	if err != nil {
		// Not acknowledged, so the peer sends it again.
		s.stats.InputDrops++
		s.log.WithError(err).WithField("conn", p.h).Debug("dropping segment")
		return
	}
	p.rcvNxt = seq.Add(seqnum.Size(tcplen))
	p.rcvWnd -= tcplen
	s.updateRcvAnnWnd(p)
	for _, b := range bufs {
		n := len(b.bytes())
		in.data = append(in.data, &segment{seq: seq, buf: b, n: n})
		seq = seq.Add(seqnum.Size(n))
	}
	if flags&FINFlag != 0 {
		in.gotFin = true
	}

	for len(p.ooseq) > 0 && p.ooseq[0].seq == p.rcvNxt {
		sg := p.ooseq[0]
		p.ooseq = p.ooseq[1:]
		l := uint32(sg.seqLen())
		p.rcvNxt = p.rcvNxt.Add(sg.seqLen())
		p.rcvWnd -= min(l, p.rcvWnd)
		s.updateRcvAnnWnd(p)
		if sg.n > 0 {
			in.data = append(in.data, sg)
		} else {
			sg.free()
		}
		if sg.flags&FINFlag != 0 {
			in.gotFin = true
			if p.state == Established {
				p.setState(CloseWait)
			}
		}
	}
	if len(p.ooseq) == 0 {
		p.ooseq = nil
	}
	p.ack()
}

// queueOutOfOrder keeps a segment that arrived ahead of rcvNxt. The queue
// stays sorted and free of overlaps.
func (s *Stack) queueOutOfOrder(p *PCB, seq seqnum.Value, flags uint8, payload []byte) {
	if len(payload) > s.bufs.size {
		payload = payload[:s.bufs.size]
		flags &^= FINFlag
	}
	right := p.rcvNxt.Add(seqnum.Size(p.rcvWnd))
	if right.LessThan(seq.Add(seqnum.Size(len(payload)))) {
		payload = payload[:seq.Size(right)]
		flags &^= FINFlag
	}
	flags &= FINFlag
	if len(payload) == 0 && flags == 0 {
		return
	}

	q := p.ooseq
	i := 0
	for i < len(q) && q[i].seq.LessThan(seq) {
		i++
	}
	if i < len(q) && q[i].seq == seq && len(payload) <= q[i].n {
		// Keep the longer one.
		return
	}
	if i > 0 {
		prev := q[i-1]
		if prev.flags&FINFlag != 0 {
			return
		}
		if end := prev.seq.Add(seqnum.Size(prev.n)); seq.LessThan(end) {
			prev.n = int(prev.seq.Size(seq))
		}
	}

	sg := &segment{seq: seq, flags: flags, n: len(payload)}
	if len(payload) > 0 {
		b, err := s.bufs.get(payload)
		if err != nil {
			s.stats.InputDrops++
			return
		}
		sg.buf = b
	}

	j := i
	if flags&FINFlag != 0 {
		freeSegments(q[j:])
		j = len(q)
	} else {
		end := seq.Add(seqnum.Size(sg.n))
		for ; j < len(q) && q[j].seq.Add(seqnum.Size(q[j].n)).LessThanEq(end); j++ {
			sg.flags |= q[j].flags & FINFlag
			q[j].free()
		}
		if j < len(q) && q[j].seq.LessThan(end) {
			sg.n = int(seq.Size(q[j].seq))
		}
	}

	merged := make([]*segment, 0, i+1+len(q)-j)
	merged = append(merged, q[:i]...)
	merged = append(merged, sg)
	merged = append(merged, q[j:]...)
	p.ooseq = merged
}
