package lib

import (
	"github.com/pkg/errors"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

// Write queues data on h. Either all of data is queued or none of it:
// ErrMem means the send buffer or the segment queue is full, and the call
// can be repeated once the peer acknowledged data. Nothing is sent before
// Output or the next timer tick.
func (s *Stack) Write(h Handle, data []byte) error {
	p, err := s.lookup(h)
	if err != nil {
		return err
	}
	switch p.state {
	case SynSent, SynRcvd, Established, CloseWait:
	default:
		return errors.Wrapf(ErrConn, "write in state %v", p.state)
	}
	if len(data) == 0 {
		return nil
	}
	if uint32(len(data)) > p.sndBuf {
		p.setFlag(flagMemErr)
		return errors.Wrapf(ErrMem, "%d bytes exceed the send buffer (%d free)", len(data), p.sndBuf)
	}

	mss := int(p.mss)
	if half := int(p.sndWndMax / 2); half > 0 && half < mss {
		// Keep segments small enough for a peer with a tiny window.
		mss = half
	}
	mss = max(min(mss, s.bufs.size), 1)
	nsegs := (len(data) + mss - 1) / mss
	if p.queueLen+nsegs > int(s.cfg.SndQueueLen) {
		p.setFlag(flagMemErr)
		return errors.Wrapf(ErrMem, "%v: send queue full (%d+%d segments)", h, p.queueLen, nsegs)
	}

	segs := make([]*segment, 0, nsegs)
	seq := p.sndLbb
	for off := 0; off < len(data); off += mss {
		chunk := data[off:min(off+mss, len(data))]
		b, err := s.bufs.get(chunk)
		if err != nil {
			freeSegments(segs)
			p.setFlag(flagMemErr)
			return errors.Wrapf(err, "%v: no buffer for %d bytes", h, len(chunk))
		}
		segs = append(segs, &segment{seq: seq, buf: b, n: len(chunk)})
		seq = seq.Add(seqnum.Size(len(chunk)))
	}
	segs[len(segs)-1].flags |= PSHFlag

	p.unsent = append(p.unsent, segs...)
	p.sndLbb = seq
	p.sndBuf -= uint32(len(data))
	p.queueLen += len(segs)
	return nil
}
