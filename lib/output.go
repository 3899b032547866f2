package lib

import (
	"github.com/pkg/errors"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

func (p *PCB) announcedWindow() uint16 {
	if p.rcvAnnWnd > 0xffff {
		return 0xffff
	}
	return uint16(p.rcvAnnWnd)
}

func (s *Stack) send(p *PCB, seg OutSegment) error {
	if err := s.out.Send(p.endpoints(), seg); err != nil {
		return errors.Wrapf(err, "send %v", p.h)
	}
	return nil
}

// rst sends a RST. It is not tied to a PCB so it can answer segments that
// match no connection.
func (s *Stack) rst(ep Endpoints, seq, ack seqnum.Value) {
	s.stats.ResetsSent++
	err := s.out.Send(ep, OutSegment{
		Seq:    seq,
		Ack:    ack,
		Flags:  RSTFlag | ACKFlag,
		Window: s.cfg.Wnd,
	})
	if err != nil {
		s.log.WithError(err).WithField("remote", ep.Remote).Debug("cannot send RST")
	}
}

// ack requests an ACK: delayed the first time, immediate the second.
func (p *PCB) ack() {
	if p.hasFlag(flagAckDelay) {
		p.clearFlag(flagAckDelay)
		p.setFlag(flagAckNow)
	} else {
		p.setFlag(flagAckDelay)
	}
}

func (p *PCB) ackNow() { p.setFlag(flagAckNow) }

func (s *Stack) sendEmptyAck(p *PCB) error {
	p.rcvAnnRightEdge = p.rcvNxt.Add(seqnum.Size(p.rcvAnnWnd))
	err := s.send(p, OutSegment{
		Seq:    p.sndNxt,
		Ack:    p.rcvNxt,
		Flags:  ACKFlag,
		Window: p.announcedWindow(),
	})
	if err != nil {
		p.setFlag(flagAckDelay | flagAckNow)
		return err
	}
	p.clearFlag(flagAckDelay | flagAckNow)
	return nil
}

// enqueueFlags queues a SYN or FIN without data.
func (s *Stack) enqueueFlags(p *PCB, flags uint8) error {
	if p.queueLen >= int(s.cfg.SndQueueLen) {
		p.setFlag(flagMemErr)
		return errors.Wrapf(ErrMem, "%v: send queue full (%d segments)", p.h, p.queueLen)
	}
	seg := &segment{seq: p.sndLbb, flags: flags}
	if flags&SYNFlag != 0 {
		seg.mssOpt = true
	}
	p.unsent = append(p.unsent, seg)
	p.sndLbb = p.sndLbb.Add(seg.seqLen())
	if flags&FINFlag != 0 {
		p.setFlag(flagFinSent)
	}
	p.queueLen++
	return nil
}

// sendFin queues a FIN, piggybacked on the last unsent data segment when
// there is one.
func (s *Stack) sendFin(p *PCB) error {
	if n := len(p.unsent); n > 0 {
		last := p.unsent[n-1]
		if last.flags&(SYNFlag|FINFlag|RSTFlag) == 0 {
			last.flags |= FINFlag
			p.sndLbb++
			p.setFlag(flagFinSent)
			return nil
		}
	}
	return s.enqueueFlags(p, FINFlag|ACKFlag)
}

// output sends as much of the unsent queue as the send and congestion
// windows allow.
func (s *Stack) output(p *PCB) error {
	// Input flushes once the segment is fully processed.
	if s.inputPCB == p {
		return nil
	}
	wnd := min(p.sndWnd, p.cwnd)

	if len(p.unsent) == 0 {
		if p.hasFlag(flagAckNow) {
			return s.sendEmptyAck(p)
		}
		p.clearFlag(flagMemErr)
		return nil
	}

	seg := p.unsent[0]
	if uint32(p.lastAck.Size(seg.seq))+uint32(seg.n) > wnd {
		// The head does not fit. With nothing in flight only the peer's
		// window can unblock us, so probe it.
		if wnd == p.sndWnd && len(p.unacked) == 0 && p.persisting() == nil {
			p.startPersist()
		}
		if p.hasFlag(flagAckNow) {
			return s.sendEmptyAck(p)
		}
		p.clearFlag(flagMemErr)
		return nil
	}
	if p.persisting() != nil {
		p.stopSendTimer()
	}

	for len(p.unsent) > 0 {
		seg = p.unsent[0]
		if uint32(p.lastAck.Size(seg.seq))+uint32(seg.n) > wnd {
			break
		}
		if err := s.outputSegment(p, seg); err != nil {
			p.setFlag(flagMemErr)
			return err
		}
		p.unsent = p.unsent[1:]
		if p.state != SynSent {
			p.clearFlag(flagAckDelay | flagAckNow)
		}
		if end := seg.end(); p.sndNxt.LessThan(end) {
			p.sndNxt = end
		}
		p.insertUnacked(seg)
	}
	if len(p.unsent) == 0 {
		p.unsent = nil
	}
	p.clearFlag(flagMemErr)
	return nil
}

// insertUnacked keeps unacked ordered by sequence number. Retransmitted
// segments may be older than the tail.
func (p *PCB) insertUnacked(seg *segment) {
	i := len(p.unacked)
	for i > 0 && seg.seq.LessThan(p.unacked[i-1].seq) {
		i--
	}
	p.unacked = append(p.unacked, nil)
	copy(p.unacked[i+1:], p.unacked[i:])
	p.unacked[i] = seg
}

func (s *Stack) outputSegment(p *PCB, seg *segment) error {
	flags := seg.flags
	if p.state != SynSent {
		flags |= ACKFlag
	}
	out := OutSegment{
		Seq:     seg.seq,
		Ack:     p.rcvNxt,
		Flags:   flags,
		Window:  p.announcedWindow(),
		Payload: seg.payload(),
	}
	if seg.mssOpt {
		out.MSS = s.cfg.MSS
	}
	if err := s.send(p, out); err != nil {
		return err
	}
	p.rcvAnnRightEdge = p.rcvNxt.Add(seqnum.Size(p.rcvAnnWnd))
	p.armRetransmit()
	if p.rttest == 0 {
		p.rttest = s.ticks
		p.rtseq = seg.seq
	}
	return nil
}

// zeroWindowProbe sends one byte of the unsent head, or a bare FIN, to
// provoke a window update from a peer that advertised a zero window.
func (s *Stack) zeroWindowProbe(p *PCB) error {
	if len(p.unsent) == 0 {
		return nil
	}
	if pt := p.persisting(); pt != nil && pt.probes < 0xff {
		pt.probes++
	}
	seg := p.unsent[0]
	out := OutSegment{
		Seq:    seg.seq,
		Ack:    p.rcvNxt,
		Flags:  ACKFlag,
		Window: p.announcedWindow(),
	}
	if seg.n == 0 {
		out.Flags |= seg.flags & FINFlag
	} else {
		out.Payload = seg.payload()[:1]
	}
	if next := seg.seq.Add(1); p.sndNxt.LessThan(next) {
		p.sndNxt = next
	}
	s.stats.PersistProbes++
	return s.send(p, out)
}

// keepalive sends a segment the peer must ACK: an old sequence number with
// no data.
func (s *Stack) keepalive(p *PCB) error {
	s.stats.KeepaliveProbes++
	return s.send(p, OutSegment{
		Seq:    p.sndNxt - 1,
		Ack:    p.rcvNxt,
		Flags:  ACKFlag,
		Window: p.announcedWindow(),
	})
}

// splitUnsent splits the unsent head so its first part carries at most
// split bytes.
func (s *Stack) splitUnsent(p *PCB, split uint32) error {
	if len(p.unsent) == 0 {
		return nil
	}
	if split == 0 {
		return errors.Wrap(ErrVal, "split at 0")
	}
	head := p.unsent[0]
	if uint32(head.n) <= split {
		return nil
	}
	rest := &segment{
		seq:   head.seq.Add(seqnum.Size(split)),
		flags: head.flags &^ SYNFlag,
		buf:   head.buf.ref(),
		off:   head.off + int(split),
		n:     head.n - int(split),
	}
	head.flags &^= FINFlag | PSHFlag
	head.n = int(split)
	p.unsent = append(p.unsent, nil)
	copy(p.unsent[2:], p.unsent[1:])
	p.unsent[1] = rest
	p.queueLen++
	return nil
}

// rexmitRTOPrepare moves every unacked segment back in front of unsent so
// the next output retransmits from the oldest one.
func (s *Stack) rexmitRTOPrepare(p *PCB) error {
	if len(p.unacked) == 0 {
		return errors.Wrap(ErrVal, "nothing to retransmit")
	}
	q := make([]*segment, 0, len(p.unacked)+len(p.unsent))
	q = append(q, p.unacked...)
	q = append(q, p.unsent...)
	p.unsent = q
	p.unacked = nil
	p.sndNxt = p.unsent[0].seq
	p.rttest = 0
	return nil
}

func (s *Stack) rexmitRTOCommit(p *PCB) {
	if rt := p.retransmitting(); rt != nil && rt.tries < 0xff {
		rt.tries++
	}
	s.stats.Retransmits++
	s.output(p)
}

// Output flushes the unsent queue of h as far as the windows allow.
func (s *Stack) Output(h Handle) error {
	p, err := s.lookup(h)
	if err != nil {
		return err
	}
	if p.state == Listen || p.state == Closed {
		return errors.Wrapf(ErrConn, "output on %v", p.state)
	}
	return s.output(p)
}

// rexmit puts the oldest unacked segment back on unsent for a fast
// retransmission.
func (s *Stack) rexmit(p *PCB) error {
	if len(p.unacked) == 0 {
		return errors.Wrap(ErrVal, "nothing to retransmit")
	}
	seg := p.unacked[0]
	p.unacked = p.unacked[1:]
	if len(p.unacked) == 0 {
		p.unacked = nil
	}
	i := 0
	for i < len(p.unsent) && p.unsent[i].seq.LessThan(seg.seq) {
		i++
	}
	p.unsent = append(p.unsent, nil)
	copy(p.unsent[i+1:], p.unsent[i:])
	p.unsent[i] = seg
	if rt := p.retransmitting(); rt != nil && rt.tries < 0xff {
		rt.tries++
	}
	p.rttest = 0
	s.stats.Retransmits++
	return nil
}

// rexmitFast enters fast retransmit after three duplicate ACKs.
func (s *Stack) rexmitFast(p *PCB) {
	if len(p.unacked) == 0 || p.hasFlag(flagInFR) || s.rexmit(p) != nil {
		return
	}
	p.ssthresh = max(min(p.cwnd, p.sndWnd)/2, 2*uint32(p.mss))
	p.cwnd = p.ssthresh + 3*uint32(p.mss)
	p.setFlag(flagInFR)
	if rt := p.retransmitting(); rt != nil {
		rt.rtime = 0
	}
}
