package lib

import (
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"github.com/Clouded-Sabre/tcpcore/config"
)

// New allocates a CLOSED connection with priority prio. When the pool is
// full it evicts, in order, the oldest TIME_WAIT, LAST_ACK and CLOSING
// connection, then the least recently active connection whose priority is
// not above prio.
func (s *Stack) New(prio uint8) (Handle, error) {
	p, err := s.alloc(prio)
	if err != nil {
		return Handle{}, err
	}
	return p.h, nil
}

func (s *Stack) alloc(prio uint8) (*PCB, error) {
	if prio < config.PrioMin || prio > config.PrioMax {
		return nil, errors.Wrapf(ErrArg, "priority %d out of range", prio)
	}
	if s.nConns >= s.cfg.MaxPCB {
		s.evict(prio)
		if s.nConns >= s.cfg.MaxPCB {
			s.stats.AllocFailures++
			return nil, errors.Wrapf(ErrMem, "all %d connections in use", s.cfg.MaxPCB)
		}
	}
	rto := int(s.cfg.SlowTicks(s.cfg.InitialRTO))
	p := &PCB{
		prio:      prio,
		sndBuf:    uint32(s.cfg.SndBuf),
		rcvWnd:    uint32(s.cfg.Wnd),
		rcvAnnWnd: uint32(s.cfg.Wnd),
		mss:       min(initialMSS, s.cfg.MSS),
		rto:       rto,
		sv:        rto,
		snd:       idleTimer{},
		cwnd:      1,
		ssthresh:  uint32(s.cfg.SndBuf),
		tmr:       s.ticks,
		lastTimer: s.timerCtr,
		keepIdle:  s.cfg.KeepIdle,
		keepIntvl: s.cfg.KeepIntvl,
		keepCnt:   s.cfg.KeepCnt,
	}
	s.nConns++
	s.pcbs.insert(p)
	return p, nil
}

// oldest returns the PCB of l matching pred that has been idle longest. Ties
// go to the one registered first.
func (s *Stack) oldest(l *pcbList, pred func(p *PCB) bool) *PCB {
	var (
		victim     *PCB
		inactivity uint32
	)
	l.each(func(p *PCB) bool {
		if pred(p) && s.ticks-p.tmr >= inactivity {
			inactivity = s.ticks - p.tmr
			victim = p
		}
		return true
	})
	return victim
}

func (s *Stack) evict(prio uint8) {
	if p := s.oldest(&s.tw, func(*PCB) bool { return true }); p != nil {
		s.evicted(EvictTimeWait, p)
		s.abandon(p, true, ReasonEvicted)
		return
	}
	// Nothing is lost by dropping these without a RST: our data is all
	// acknowledged or the peer is gone.
	for _, k := range []EvictionKind{EvictLastAck, EvictClosing} {
		st := LastAck
		if k == EvictClosing {
			st = Closing
		}
		if p := s.oldest(&s.active, func(p *PCB) bool { return p.state == st }); p != nil {
			s.evicted(k, p)
			s.abandon(p, false, ReasonEvicted)
			return
		}
	}
	mprio := min(prio, config.PrioMax)
	var (
		victim     *PCB
		inactivity uint32
	)
	s.active.each(func(p *PCB) bool {
		if p.prio <= mprio && s.ticks-p.tmr >= inactivity {
			inactivity = s.ticks - p.tmr
			victim = p
			mprio = p.prio
		}
		return true
	})
	if victim != nil {
		s.evicted(EvictPrio, victim)
		s.abandon(victim, true, ReasonEvicted)
	}
}

func (s *Stack) evicted(k EvictionKind, p *PCB) {
	s.stats.Evictions[k]++
	s.log.WithFields(logrus.Fields{
		"conn":  p.h,
		"state": p.state,
		"prio":  p.prio,
		"idle":  s.ticks - p.tmr,
	}).Debugf("evicting %s connection", k)
}

func unspecified(a netip.Addr) bool { return !a.IsValid() || a.IsUnspecified() }

func sameFamily(a, b netip.Addr) bool { return a.Is6() == b.Is6() }

// Bind assigns a local address and port. Port 0 picks an ephemeral port.
func (s *Stack) Bind(h Handle, addr netip.Addr, port uint16) error {
	p, err := s.lookup(h)
	if err != nil {
		return err
	}
	if p.state != Closed || p.isListen {
		return errors.Wrapf(ErrVal, "bind in state %v", p.state)
	}
	if !addr.IsValid() {
		addr = netip.IPv4Unspecified()
	}
	if port == 0 {
		if port = s.newPort(); port == 0 {
			return errors.Wrap(ErrBuf, "no free ephemeral port")
		}
	} else {
		lists := []*pcbList{&s.bound, &s.listen, &s.active}
		if !p.reuseAddr {
			lists = append(lists, &s.tw)
		}
		for _, l := range lists {
			var conflict *PCB
			l.each(func(c *PCB) bool {
				if c == p || c.localPort != port || (p.reuseAddr && c.reuseAddr) {
					return true
				}
				if sameFamily(addr, c.localIP) &&
					(unspecified(c.localIP) || addr.IsUnspecified() || c.localIP == addr) {
					conflict = c
					return false
				}
				return true
			})
			if conflict != nil {
				return errors.Wrapf(ErrUse, "%v already used by %v", netip.AddrPortFrom(addr, port), conflict.h)
			}
		}
	}
	p.localIP = addr
	p.localPort = port
	s.register(&s.bound, p)
	return nil
}

// BindInterface pins a CLOSED connection to the link with index ifIndex
// instead of an address. The port is kept. Such a connection can listen but
// not connect.
func (s *Stack) BindInterface(h Handle, ifIndex int) error {
	p, err := s.lookup(h)
	if err != nil {
		return err
	}
	if p.state != Closed || p.isListen {
		return errors.Wrapf(ErrVal, "bind in state %v", p.state)
	}
	if ifIndex <= 0 {
		return errors.Wrapf(ErrArg, "interface index %d", ifIndex)
	}
	p.ifIndex = ifIndex
	switch {
	case p.localIP.Is4():
		p.localIP = netip.IPv4Unspecified()
	case p.localIP.Is6():
		p.localIP = netip.IPv6Unspecified()
	}
	return nil
}

// Listen turns h into a listener and returns the listener's handle. h is
// consumed unless the call fails with ErrAlready, ErrClosed or ErrUse;
// ErrAlready returns h itself.
func (s *Stack) Listen(h Handle, backlog uint8) (Handle, error) {
	p, err := s.lookup(h)
	if err != nil {
		return Handle{}, err
	}
	if p.state == Listen {
		return h, errors.Wrapf(ErrAlready, "%v already listening", h)
	}
	if p.state != Closed {
		return Handle{}, errors.Wrapf(ErrClosed, "listen in state %v", p.state)
	}
	if p.reuseAddr && p.ifIndex == 0 {
		var dup *PCB
		s.listen.each(func(l *PCB) bool {
			if l.localPort == p.localPort && l.localIP == p.localIP {
				dup = l
				return false
			}
			return true
		})
		if dup != nil {
			return Handle{}, errors.Wrapf(ErrUse, "%v already listened on by %v",
				netip.AddrPortFrom(p.localIP, p.localPort), dup.h)
		}
	}
	s.unregister(p)
	s.free(p)
	if s.nListeners >= s.cfg.MaxListenPCB {
		s.stats.AllocFailures++
		return Handle{}, errors.Wrapf(ErrMem, "all %d listeners in use", s.cfg.MaxListenPCB)
	}
	lp := &PCB{
		isListen:  true,
		state:     Listen,
		localIP:   p.localIP,
		localPort: p.localPort,
		ifIndex:   p.ifIndex,
		prio:      p.prio,
		reuseAddr: p.reuseAddr,
		keepalive: p.keepalive,
		keepIdle:  p.keepIdle,
		keepIntvl: p.keepIntvl,
		keepCnt:   p.keepCnt,
		snd:       idleTimer{},
		cb:        p.cb,
		backlog:   max(backlog, 1),
	}
	s.nListeners++
	s.pcbs.insert(lp)
	s.register(&s.listen, lp)
	return lp.h, nil
}

// Connect starts an active open towards addr:port. fn runs once the
// connection is established.
func (s *Stack) Connect(h Handle, addr netip.Addr, port uint16, fn ConnectedFunc) error {
	p, err := s.lookup(h)
	if err != nil {
		return err
	}
	if p.state != Closed || p.isListen {
		return errors.Wrapf(ErrIsConn, "connect in state %v", p.state)
	}
	if p.ifIndex != 0 {
		return errors.Wrap(ErrVal, "connection is bound to an interface")
	}
	if !addr.IsValid() {
		return errors.Wrap(ErrArg, "no remote address")
	}
	rt, err := s.router.Route(p.localIP, addr)
	if err != nil {
		return errors.Wrapf(ErrRoute, "%v: %v", addr, err)
	}
	local := p.localIP
	if unspecified(local) {
		if unspecified(rt.Local) {
			return errors.Wrapf(ErrRoute, "no local address towards %v", addr)
		}
		local = rt.Local
	}

	oldPort := p.localPort
	localPort := p.localPort
	if localPort == 0 {
		if localPort = s.newPort(); localPort == 0 {
			return errors.Wrap(ErrBuf, "no free ephemeral port")
		}
	} else if p.reuseAddr {
		for _, l := range []*pcbList{&s.active, &s.tw} {
			dup := false
			l.each(func(c *PCB) bool {
				dup = c.localPort == localPort && c.remotePort == port &&
					c.localIP == local && c.remoteIP == addr
				return !dup
			})
			if dup {
				return errors.Wrapf(ErrUse, "%v -> %v already connected",
					netip.AddrPortFrom(local, localPort), netip.AddrPortFrom(addr, port))
			}
		}
	}

	p.localIP, p.localPort = local, localPort
	p.remoteIP, p.remotePort = addr, port
	iss := s.nextISS()
	p.iss = iss
	p.rcvNxt = 0
	p.sndNxt = iss
	p.lastAck = iss - 1
	p.sndWl2 = iss - 1
	p.sndLbb = iss - 1
	p.rcvWnd, p.rcvAnnWnd = uint32(s.cfg.Wnd), uint32(s.cfg.Wnd)
	p.rcvAnnRightEdge = p.rcvNxt
	p.sndWnd = uint32(s.cfg.Wnd)
	p.mss = effSendMSS(min(initialMSS, s.cfg.MSS), rt.MTU, addr)
	p.cwnd = 1
	p.cb.Connected = fn

	if err := s.enqueueFlags(p, SYNFlag); err != nil {
		p.localPort = oldPort
		return err
	}
	p.setState(SynSent)
	s.register(&s.active, p)
	s.output(p)
	return nil
}

func (s *Stack) nextISS() seqnum.Value {
	s.iss += seqnum.Value(s.ticks)
	return s.iss
}

// effSendMSS limits mss to what fits in one packet on a link with the
// given MTU.
func effSendMSS(mss uint16, mtu int, remote netip.Addr) uint16 {
	if mtu <= 0 {
		return mss
	}
	offset := ipv4HeaderLength + tcpHeaderLength
	if remote.Is6() && !remote.Is4In6() {
		offset = ipv6HeaderLength + tcpHeaderLength
	}
	fit := 0
	if mtu > offset {
		fit = mtu - offset
	}
	if fit < int(mss) {
		return uint16(fit)
	}
	return mss
}

// Close closes h. The handle must not be used afterwards; the connection
// lingers in the stack until the peer or a timer completes the teardown.
func (s *Stack) Close(h Handle) error {
	p, err := s.lookup(h)
	if err != nil {
		return err
	}
	if p.state != Listen {
		p.setFlag(flagRxClosed)
	}
	return s.closeShutdown(p, true)
}

// Shutdown closes the receive side, the send side or both.
func (s *Stack) Shutdown(h Handle, rx, tx bool) error {
	p, err := s.lookup(h)
	if err != nil {
		return err
	}
	if p.state == Listen {
		return errors.Wrap(ErrConn, "shutdown on a listener")
	}
	if rx {
		p.setFlag(flagRxClosed)
		if tx {
			return s.closeShutdown(p, true)
		}
		if p.refused != nil {
			p.refused.free()
			p.refused = nil
		}
	}
	if tx {
		switch p.state {
		case SynRcvd, Established, CloseWait:
			return s.closeShutdown(p, rx)
		default:
			return errors.Wrapf(ErrConn, "shutdown of send side in state %v", p.state)
		}
	}
	return nil
}

func (s *Stack) closeShutdown(p *PCB, rstOnUnacked bool) error {
	if rstOnUnacked && (p.state == Established || p.state == CloseWait) &&
		(p.refused != nil || p.rcvWnd != uint32(s.cfg.Wnd)) {
		// The application left data unread: tell the peer.
		s.rst(p.endpoints(), p.sndNxt, p.rcvNxt)
		s.purge(p)
		s.unregister(p)
		if p.state == Established {
			p.setState(TimeWait)
			s.register(&s.tw, p)
		} else {
			s.free(p)
		}
		return nil
	}

	switch p.state {
	case Closed:
		s.unregister(p)
		s.free(p)
	case Listen:
		s.listenClosed(p)
		s.unregister(p)
		s.free(p)
	case SynSent:
		s.pcbRemove(p)
		s.free(p)
	default:
		return s.closeShutdownFin(p)
	}
	return nil
}

func (s *Stack) closeShutdownFin(p *PCB) error {
	var err error
	switch p.state {
	case SynRcvd:
		if err = s.sendFin(p); err == nil {
			s.backlogAccepted(p)
			p.setState(FinWait1)
		}
	case Established:
		if err = s.sendFin(p); err == nil {
			p.setState(FinWait1)
		}
	case CloseWait:
		if err = s.sendFin(p); err == nil {
			p.setState(LastAck)
		}
	default:
		return nil
	}
	switch {
	case err == nil:
		s.output(p)
	case errors.Is(err, ErrMem):
		// Retried from the fast timer.
		p.setFlag(flagClosePend)
		return nil
	}
	return err
}

// listenClosed detaches the pending children of a closed listener.
func (s *Stack) listenClosed(lp *PCB) {
	for _, l := range []*pcbList{&s.bound, &s.active, &s.tw} {
		l.each(func(p *PCB) bool {
			if p.listener == lp.h {
				p.listener = Handle{}
			}
			return true
		})
	}
}

// Abort drops h at once and sends a RST to the peer. The error callback is
// told through an Event. Aborting a listener closes it.
func (s *Stack) Abort(h Handle) error {
	p, err := s.lookup(h)
	if err != nil {
		return err
	}
	if p.state == Listen {
		return s.closeShutdown(p, false)
	}
	s.abandon(p, true, ReasonAborted)
	return nil
}

func (s *Stack) abandon(p *PCB, reset bool, reason RemovalReason) {
	if p.state == TimeWait {
		s.unregister(p)
		s.free(p)
		return
	}
	seq, ack := p.sndNxt, p.rcvNxt
	ep := p.endpoints()
	sendRST := reset && p.state != Closed
	s.unregister(p)
	p.freeQueues()
	s.backlogAccepted(p)
	if sendRST {
		s.rst(ep, seq, ack)
	}
	s.log.WithFields(logrus.Fields{"conn": p.h, "state": p.state, "reason": reason}).Debug("connection abandoned")
	s.queueError(p, p.state, reason, ErrAbort)
	s.free(p)
}

func (p *PCB) freeQueues() {
	freeSegments(p.unsent)
	freeSegments(p.unacked)
	freeSegments(p.ooseq)
	p.unsent, p.unacked, p.ooseq = nil, nil, nil
	if p.refused != nil {
		p.refused.free()
		p.refused = nil
	}
	p.queueLen = 0
}

// purge drops everything queued on p and stops its send timer.
func (s *Stack) purge(p *PCB) {
	if p.state == Closed || p.state == TimeWait || p.state == Listen {
		return
	}
	s.backlogAccepted(p)
	p.freeQueues()
	p.stopSendTimer()
}

// pcbRemove unlinks and purges p and leaves it CLOSED and unbound. The
// caller frees it.
func (s *Stack) pcbRemove(p *PCB) {
	s.unregister(p)
	s.purge(p)
	if p.state != TimeWait && p.state != Listen && p.hasFlag(flagAckDelay) {
		p.ackNow()
		s.output(p)
	}
	p.setState(Closed)
	p.localPort = 0
}

// moveToTimeWait purges p and moves it to the time-wait list.
func (s *Stack) moveToTimeWait(p *PCB) {
	s.purge(p)
	s.unregister(p)
	p.setState(TimeWait)
	s.register(&s.tw, p)
}

func (s *Stack) backlogDelayed(p *PCB) {
	if p.hasFlag(flagBacklogPend) {
		return
	}
	if lp := s.pcbs.get(p.listener); lp != nil && lp.isListen {
		lp.acceptsPending++
		p.setFlag(flagBacklogPend)
	}
}

func (s *Stack) backlogAccepted(p *PCB) {
	if !p.hasFlag(flagBacklogPend) {
		return
	}
	if lp := s.pcbs.get(p.listener); lp != nil && lp.isListen && lp.acceptsPending > 0 {
		lp.acceptsPending--
	}
	p.clearFlag(flagBacklogPend)
}

// Accepted releases the backlog slot a delayed connection holds on its
// listener.
func (s *Stack) Accepted(h Handle) error {
	p, err := s.lookup(h)
	if err != nil {
		return err
	}
	s.backlogAccepted(p)
	return nil
}

// Delayed makes h hold a backlog slot on its listener until Accepted is
// called, for applications that accept connections lazily.
func (s *Stack) Delayed(h Handle) error {
	p, err := s.lookup(h)
	if err != nil {
		return err
	}
	s.backlogDelayed(p)
	return nil
}

// NetifAddrChanged aborts the connections bound to old and moves the
// listeners on old to cur.
func (s *Stack) NetifAddrChanged(old, cur netip.Addr) {
	if unspecified(old) {
		return
	}
	for _, l := range []*pcbList{&s.active, &s.bound} {
		var doomed []*PCB
		l.each(func(p *PCB) bool {
			if p.localIP == old {
				doomed = append(doomed, p)
			}
			return true
		})
		for _, p := range doomed {
			s.abandon(p, true, ReasonAddressChanged)
		}
	}
	if unspecified(cur) {
		return
	}
	s.listen.each(func(p *PCB) bool {
		if p.localIP == old {
			p.localIP = cur
		}
		return true
	})
}

// SetPrio changes the eviction priority of h.
func (s *Stack) SetPrio(h Handle, prio uint8) error {
	p, err := s.lookup(h)
	if err != nil {
		return err
	}
	if prio < config.PrioMin || prio > config.PrioMax {
		return errors.Wrapf(ErrArg, "priority %d out of range", prio)
	}
	p.prio = prio
	return nil
}

// SetKeepalive enables or disables keepalive probing. Zero durations and
// count keep the current values.
func (s *Stack) SetKeepalive(h Handle, on bool, idle, intvl time.Duration, cnt uint32) error {
	p, err := s.lookup(h)
	if err != nil {
		return err
	}
	p.keepalive = on
	if idle > 0 {
		p.keepIdle = idle
	}
	if intvl > 0 {
		p.keepIntvl = intvl
	}
	if cnt > 0 {
		p.keepCnt = cnt
	}
	return nil
}

// SetReuseAddr lets h share its local port with other connections that
// also set it.
func (s *Stack) SetReuseAddr(h Handle, on bool) error {
	p, err := s.lookup(h)
	if err != nil {
		return err
	}
	p.reuseAddr = on
	return nil
}

// SetCallbacks replaces the application hooks of h.
func (s *Stack) SetCallbacks(h Handle, cb Callbacks) error {
	p, err := s.lookup(h)
	if err != nil {
		return err
	}
	p.cb = cb
	return nil
}
