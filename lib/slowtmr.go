package lib

import (
	"time"

	"github.com/sirupsen/logrus"
)

// SlowTimer advances the tick counter and runs the per-connection timers:
// retransmission, persist, keepalive, the FIN_WAIT_2, SYN_RCVD and LAST_ACK
// limits, polling, and TIME_WAIT expiry.
func (s *Stack) SlowTimer() {
	s.ticks++
	s.timerCtr++
	s.stats.SlowTicks++

	for restart := true; restart; {
		restart = false
		for _, h := range s.active.snapshot() {
			p := s.pcbs.get(h)
			if p == nil || !p.inList(listActive) || p.lastTimer == s.timerCtr {
				continue
			}
			p.lastTimer = s.timerCtr
			if s.slowTimerPCB(p) {
				restart = true
				break
			}
		}
	}

	twTicks := s.cfg.SlowTicks(2 * s.cfg.MSL)
	for _, h := range s.tw.snapshot() {
		p := s.pcbs.get(h)
		if p == nil || !p.inList(listTimeWait) {
			continue
		}
		// Strictly greater: the PCB is purged on the tick after 2*MSL.
		if s.ticks-p.tmr > twTicks {
			s.purge(p)
			s.unregister(p)
			s.free(p)
			s.stats.TimeWaitExpired++
		}
	}
}

// slowTimerPCB runs one slow tick for p. It reports whether a callback
// changed the active list, in which case the scan starts over.
func (s *Stack) slowTimerPCB(p *PCB) (restart bool) {
	cfg := s.cfg
	var (
		remove bool
		reset  bool
		reason RemovalReason
	)
	mark := func(r RemovalReason) {
		if !remove {
			remove, reason = true, r
		}
	}

	switch {
	case p.state == SynSent && p.tries() >= cfg.SynMaxRtx:
		mark(ReasonMaxSynRetransmits)
	case p.tries() >= cfg.MaxRtx:
		mark(ReasonMaxRetransmits)
	default:
		if pt := p.persisting(); pt != nil {
			if s.persistTick(p, pt) {
				mark(ReasonPersistProbes)
			}
		} else {
			s.retransmitTick(p)
		}
	}

	idle := s.ticks - p.tmr
	if p.state == FinWait2 && p.hasFlag(flagRxClosed) && idle > cfg.SlowTicks(cfg.FinWaitTimeout) {
		// Only after a full close; a half-closed connection may wait forever.
		mark(ReasonFinWait2Timeout)
	}

	if p.keepalive && (p.state == Established || p.state == CloseWait) {
		switch {
		case idle > cfg.SlowTicks(p.keepIdle+time.Duration(p.keepCnt)*p.keepIntvl):
			mark(ReasonKeepaliveTimeout)
			reset = true
		case idle > cfg.SlowTicks(p.keepIdle+time.Duration(p.keepCntSent)*p.keepIntvl):
			if s.keepalive(p) == nil {
				p.keepCntSent++
			}
		}
	}

	// Stale out-of-order data will be retransmitted by the peer anyway.
	if len(p.ooseq) > 0 && idle >= uint32(p.rto)*cfg.OOSeqTimeout {
		freeSegments(p.ooseq)
		p.ooseq = nil
	}

	if p.state == SynRcvd && idle > cfg.SlowTicks(cfg.SynRcvdTimeout) {
		mark(ReasonSynRcvdTimeout)
	}
	if p.state == LastAck && idle > cfg.SlowTicks(2*cfg.MSL) {
		mark(ReasonLastAckTimeout)
	}

	if remove {
		st := p.state
		s.purge(p)
		s.unregister(p)
		if reset {
			s.rst(p.endpoints(), p.sndNxt, p.rcvNxt)
		}
		s.log.WithFields(logrus.Fields{"conn": p.h, "state": st, "reason": reason}).Debug("connection timed out")
		s.queueError(p, st, reason, ErrAbort)
		s.free(p)
		return false
	}

	p.pollTmr++
	if p.pollTmr < p.cb.PollInterval {
		return false
	}
	p.pollTmr = 0
	before := s.activeChanged
	h := p.h
	var err error
	if p.cb.Poll != nil {
		err = p.cb.Poll(s, h, p.cb.Arg)
	}
	changed := s.activeChanged != before
	if !s.alive(h) {
		return changed
	}
	if err != nil {
		s.log.WithError(err).WithField("conn", h).Debug("poll failed")
		s.abandon(p, true, ReasonPollFailed)
		return changed
	}
	s.output(p)
	return changed
}

// persistTick advances the persist timer of p. It reports whether the
// probe limit was reached.
func (s *Stack) persistTick(p *PCB, pt *persistTimer) bool {
	if pt.probes >= s.cfg.MaxRtx {
		return true
	}
	threshold := persistBackoff[pt.rung]
	if pt.count < threshold {
		pt.count++
	}
	if pt.count < threshold {
		return false
	}
	advance := true
	if p.sndWnd == 0 {
		if err := s.zeroWindowProbe(p); err != nil {
			advance = false
		}
	} else if s.splitUnsent(p, p.sndWnd) == nil && s.output(p) == nil {
		// A successful send stopped the persist timer.
		advance = false
	}
	if advance {
		pt.count = 0
		if int(pt.rung) < len(persistBackoff)-1 {
			pt.rung++
		}
	}
	return false
}

func (s *Stack) retransmitTick(p *PCB) {
	rt := p.retransmitting()
	if rt == nil {
		return
	}
	rt.rtime++
	if len(p.unacked) == 0 || rt.rtime < p.rto {
		return
	}
	if s.rexmitRTOPrepare(p) != nil {
		return
	}
	// The SYN keeps its initial RTO.
	if p.state != SynSent {
		shift := backoffShift[min(int(rt.tries), len(backoffShift)-1)]
		p.rto = min(((p.sa>>3)+p.sv)<<shift, maxRTO)
	}
	rt.rtime = 0
	effWnd := min(p.cwnd, p.sndWnd)
	p.ssthresh = max(effWnd>>1, 2*uint32(p.mss))
	p.cwnd = uint32(p.mss)
	p.bytesAcked = 0
	s.log.WithFields(logrus.Fields{
		"conn":  p.h,
		"state": p.state,
		"tries": rt.tries,
		"rto":   p.rto,
	}).Debug("retransmission timeout")
	s.rexmitRTOCommit(p)
}
