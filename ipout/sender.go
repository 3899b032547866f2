package ipout

import (
	"net"
	"net/netip"
	"sync"

	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/Clouded-Sabre/tcpcore/lib"
)

const maxSegment = 1 << 16

// Sender sends and receives TCP segments on raw IP sockets. It implements
// lib.Output. Either family may be missing.
type Sender struct {
	v4 *ipv4.RawConn
	v6 *ipv6.PacketConn

	ttl int
	log *logrus.Entry

	closeOnce sync.Once
}

// NewSender opens raw TCP sockets bound to the given addresses. An invalid
// address skips its family; at least one must be valid.
func NewSender(local4, local6 netip.Addr, ttl int) (*Sender, error) {
	s := &Sender{ttl: ttl, log: logrus.WithField("component", "ipout")}
	if s.ttl <= 0 {
		s.ttl = 64
	}
	if local4.IsValid() {
		pc, err := net.ListenPacket("ip4:tcp", local4.String())
		if err != nil {
			return nil, errors.Wrapf(err, "listen ip4:tcp on %v", local4)
		}
		if s.v4, err = ipv4.NewRawConn(pc); err != nil {
			pc.Close()
			return nil, errors.Wrap(err, "raw IPv4 conn")
		}
		if err := s.v4.SetControlMessage(ipv4.FlagInterface, true); err != nil {
			s.Close()
			return nil, errors.Wrap(err, "IPv4 control messages")
		}
	}
	if local6.IsValid() {
		pc, err := net.ListenPacket("ip6:tcp", local6.String())
		if err != nil {
			s.Close()
			return nil, errors.Wrapf(err, "listen ip6:tcp on %v", local6)
		}
		s.v6 = ipv6.NewPacketConn(pc)
		if err := s.v6.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true); err != nil {
			s.Close()
			return nil, errors.Wrap(err, "IPv6 control messages")
		}
	}
	if s.v4 == nil && s.v6 == nil {
		return nil, errors.New("no local address")
	}
	s.log.WithFields(logrus.Fields{"ipv4": local4, "ipv6": local6}).Info("raw TCP sockets opened")
	return s, nil
}

// Send encodes seg and writes it to ep.Remote.
func (s *Sender) Send(ep lib.Endpoints, seg lib.OutSegment) error {
	b, err := Encode(ep, seg)
	if err != nil {
		return err
	}
	dst := ep.Remote.Addr().Unmap()
	if dst.Is4() {
		if s.v4 == nil {
			return errors.Wrap(lib.ErrRoute, "no IPv4 socket")
		}
		h := &ipv4.Header{
			Version:  ipv4.Version,
			Len:      ipv4.HeaderLen,
			TotalLen: ipv4.HeaderLen + len(b),
			Flags:    ipv4.DontFragment,
			TTL:      s.ttl,
			Protocol: int(layers.IPProtocolTCP),
			Src:      net.IP(ep.Local.Addr().Unmap().AsSlice()),
			Dst:      net.IP(dst.AsSlice()),
		}
		return errors.Wrap(s.v4.WriteTo(h, b, nil), "write IPv4")
	}
	if s.v6 == nil {
		return errors.Wrap(lib.ErrRoute, "no IPv6 socket")
	}
	cm := &ipv6.ControlMessage{HopLimit: s.ttl, Src: net.IP(ep.Local.Addr().AsSlice())}
	_, err = s.v6.WriteTo(b, cm, &net.IPAddr{IP: net.IP(dst.AsSlice())})
	return errors.Wrap(err, "write IPv6")
}

// ReadSegment4 blocks until an IPv4 TCP segment arrives and decodes it into
// buf's storage. Segments with a bad checksum return ErrChecksum.
func (s *Sender) ReadSegment4(buf []byte) (lib.InSegment, error) {
	h, p, cm, err := s.v4.ReadFrom(buf)
	if err != nil {
		return lib.InSegment{}, err
	}
	src, _ := netip.AddrFromSlice(h.Src.To4())
	dst, _ := netip.AddrFromSlice(h.Dst.To4())
	seg, err := Decode(src, dst, p)
	if err != nil {
		return lib.InSegment{}, err
	}
	if cm != nil {
		seg.IfIndex = cm.IfIndex
	}
	return seg, nil
}

// ReadSegment6 is ReadSegment4 for IPv6.
func (s *Sender) ReadSegment6(buf []byte) (lib.InSegment, error) {
	n, cm, from, err := s.v6.ReadFrom(buf)
	if err != nil {
		return lib.InSegment{}, err
	}
	ia, ok := from.(*net.IPAddr)
	if !ok || cm == nil {
		return lib.InSegment{}, errors.Wrap(ErrMalformed, "missing IPv6 addresses")
	}
	src, _ := netip.AddrFromSlice(ia.IP)
	dst, _ := netip.AddrFromSlice(cm.Dst)
	seg, err := Decode(src, dst, buf[:n])
	if err != nil {
		return lib.InSegment{}, err
	}
	seg.IfIndex = cm.IfIndex
	return seg, nil
}

// Input is what Serve hands received segments to, usually a *lib.Core.
type Input interface {
	Input(seg lib.InSegment) error
}

// Serve reads segments from every open socket and passes them to in until
// the sockets are closed. Undecodable segments are dropped.
func (s *Sender) Serve(in Input) {
	var wg sync.WaitGroup
	serve := func(read func([]byte) (lib.InSegment, error)) {
		defer wg.Done()
		buf := make([]byte, maxSegment)
		for {
			seg, err := read(buf)
			switch {
			case errors.Is(err, net.ErrClosed):
				return
			case errors.Is(err, ErrChecksum), errors.Is(err, ErrMalformed):
				s.log.WithError(err).Debug("dropping segment")
				continue
			case err != nil:
				s.log.WithError(err).Warn("cannot read segment")
				return
			}
			// Payload aliases buf and the stack copies what it keeps.
			if err := in.Input(seg); err != nil {
				if errors.Is(err, lib.ErrCoreClosed) {
					return
				}
				s.log.WithError(err).Debug("segment rejected")
			}
		}
	}
	if s.v4 != nil {
		wg.Add(1)
		go serve(s.ReadSegment4)
	}
	if s.v6 != nil {
		wg.Add(1)
		go serve(s.ReadSegment6)
	}
	wg.Wait()
}

// Close closes the sockets, which stops Serve.
func (s *Sender) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.v4 != nil {
			err = s.v4.Close()
		}
		if s.v6 != nil {
			if err6 := s.v6.Close(); err == nil {
				err = err6
			}
		}
	})
	return err
}
