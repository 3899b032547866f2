package lib

import (
	"github.com/pkg/errors"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

// Recved tells the stack the application consumed n bytes, which opens the
// receive window again. A large enough opening is announced at once.
func (s *Stack) Recved(h Handle, n uint16) error {
	p, err := s.lookup(h)
	if err != nil {
		return err
	}
	if p.state == Listen {
		return errors.Wrap(ErrVal, "recved on a listener")
	}
	s.recved(p, n)
	return nil
}

func (s *Stack) recved(p *PCB, n uint16) {
	wndMax := uint32(s.cfg.Wnd)
	wnd := p.rcvWnd + uint32(n)
	switch {
	case wnd > wndMax:
		// Also covers the FIN, which the application may report as well.
		wnd = wndMax
	case wnd == 0 && (p.state == CloseWait || p.state == LastAck):
		wnd = wndMax
	}
	p.rcvWnd = wnd

	inflation := s.updateRcvAnnWnd(p)
	if inflation >= min(wndMax/4, 4*uint32(s.cfg.MSS)) {
		p.ackNow()
		s.output(p)
	}
}

// updateRcvAnnWnd moves the announced right edge forward once it can grow
// by a useful amount and returns the growth.
func (s *Stack) updateRcvAnnWnd(p *PCB) uint32 {
	newRight := p.rcvNxt.Add(seqnum.Size(p.rcvWnd))
	threshold := min(uint32(s.cfg.Wnd)/2, uint32(p.mss))
	if !newRight.LessThan(p.rcvAnnRightEdge.Add(seqnum.Size(threshold))) {
		p.rcvAnnWnd = p.rcvWnd
		return uint32(p.rcvAnnRightEdge.Size(newRight))
	}
	if p.rcvAnnRightEdge.LessThan(p.rcvNxt) {
		// The peer sent beyond the announced window.
		p.rcvAnnWnd = 0
	} else {
		p.rcvAnnWnd = uint32(p.rcvNxt.Size(p.rcvAnnRightEdge))
	}
	return 0
}

// deliver hands data to the application. nil data means end of stream.
// Without a recv callback data is consumed and the connection closed at
// end of stream.
func (s *Stack) deliver(p *PCB, data []byte) error {
	if p.cb.Recv != nil {
		return p.cb.Recv(s, p.h, p.cb.Arg, data)
	}
	if data != nil {
		s.recved(p, uint16(len(data)))
		return nil
	}
	p.setFlag(flagRxClosed)
	return s.closeShutdown(p, true)
}

// processRefusedData offers refused data to the application again. It
// returns ErrAbort when p was freed by the callback and ErrInProgress when
// the data is still refused.
func (s *Stack) processRefusedData(p *PCB) error {
	rd := p.refused
	p.refused = nil
	h := p.h
	s.stats.RefusedRedeliveries++

	var err error
	if len(rd.segs) > 0 {
		err = s.deliver(p, rd.payload())
	}
	if !s.alive(h) {
		rd.free()
		return ErrAbort
	}
	if err != nil {
		p.refused = rd
		return ErrInProgress
	}
	rd.free()
	if rd.fin {
		// The application will not report the FIN's sequence number.
		if p.rcvWnd != uint32(s.cfg.Wnd) {
			p.rcvWnd++
		}
		s.deliver(p, nil)
		if !s.alive(h) {
			return ErrAbort
		}
	}
	return nil
}
