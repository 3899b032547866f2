// Package ipout connects a lib.Stack to the host network: it encodes and
// decodes TCP segments, sends and receives them on raw IP sockets, and looks
// up routes.
package ipout

import (
	"encoding/binary"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"github.com/Clouded-Sabre/tcpcore/lib"
)

var (
	ErrChecksum  = errors.New("bad TCP checksum")
	ErrMalformed = errors.New("malformed TCP segment")
)

// Encode serializes seg as a TCP header plus payload, with the checksum
// computed over the pseudo header of ep.
func Encode(ep lib.Endpoints, seg lib.OutSegment) ([]byte, error) {
	src, dst := ep.Local.Addr().Unmap(), ep.Remote.Addr().Unmap()
	if src.Is4() != dst.Is4() {
		return nil, errors.Errorf("address family mismatch: %v -> %v", src, dst)
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(ep.Local.Port()),
		DstPort: layers.TCPPort(ep.Remote.Port()),
		Seq:     uint32(seg.Seq),
		Ack:     uint32(seg.Ack),
		Window:  seg.Window,
		FIN:     seg.Flags&lib.FINFlag != 0,
		SYN:     seg.Flags&lib.SYNFlag != 0,
		RST:     seg.Flags&lib.RSTFlag != 0,
		PSH:     seg.Flags&lib.PSHFlag != 0,
		ACK:     seg.Flags&lib.ACKFlag != 0,
		URG:     seg.Flags&lib.URGFlag != 0,
	}
	if seg.MSS != 0 {
		opt := layers.TCPOption{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   binary.BigEndian.AppendUint16(nil, seg.MSS),
		}
		tcp.Options = append(tcp.Options, opt)
	}

	var err error
	if src.Is4() {
		err = tcp.SetNetworkLayerForChecksum(&layers.IPv4{
			SrcIP:    net.IP(src.AsSlice()),
			DstIP:    net.IP(dst.AsSlice()),
			Protocol: layers.IPProtocolTCP,
		})
	} else {
		err = tcp.SetNetworkLayerForChecksum(&layers.IPv6{
			SrcIP:      net.IP(src.AsSlice()),
			DstIP:      net.IP(dst.AsSlice()),
			NextHeader: layers.IPProtocolTCP,
		})
	}
	if err != nil {
		return nil, errors.Wrap(err, "checksum network layer")
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, tcp, gopacket.Payload(seg.Payload)); err != nil {
		return nil, errors.Wrap(err, "serialize TCP segment")
	}
	return buf.Bytes(), nil
}

// pseudoHeaderSum is the unfolded checksum of the TCP pseudo header.
func pseudoHeaderSum(src, dst netip.Addr, length int) uint16 {
	xsum := checksum.Checksum(src.AsSlice(), 0)
	xsum = checksum.Checksum(dst.AsSlice(), xsum)
	var tail [4]byte
	tail[1] = byte(layers.IPProtocolTCP)
	binary.BigEndian.PutUint16(tail[2:], uint16(length))
	return checksum.Checksum(tail[:], xsum)
}

// Decode parses a TCP segment received from src for dst. The checksum is
// verified. The returned Payload aliases b.
func Decode(src, dst netip.Addr, b []byte) (lib.InSegment, error) {
	src, dst = src.Unmap(), dst.Unmap()
	if len(b) < 20 {
		return lib.InSegment{}, errors.Wrapf(ErrMalformed, "%d bytes", len(b))
	}
	if checksum.Checksum(b, pseudoHeaderSum(src, dst, len(b))) != 0xffff {
		return lib.InSegment{}, errors.Wrapf(ErrChecksum, "from %v", src)
	}

	var tcp layers.TCP
	if err := tcp.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return lib.InSegment{}, errors.Wrap(ErrMalformed, err.Error())
	}
	seg := lib.InSegment{
		Endpoints: lib.Endpoints{
			Local:  netip.AddrPortFrom(dst, uint16(tcp.DstPort)),
			Remote: netip.AddrPortFrom(src, uint16(tcp.SrcPort)),
		},
		Seq:     seqnum.Value(tcp.Seq),
		Ack:     seqnum.Value(tcp.Ack),
		Window:  tcp.Window,
		Payload: tcp.Payload,
	}
	for _, f := range [...]struct {
		set  bool
		flag uint8
	}{
		{tcp.FIN, lib.FINFlag},
		{tcp.SYN, lib.SYNFlag},
		{tcp.RST, lib.RSTFlag},
		{tcp.PSH, lib.PSHFlag},
		{tcp.ACK, lib.ACKFlag},
		{tcp.URG, lib.URGFlag},
	} {
		if f.set {
			seg.Flags |= f.flag
		}
	}
	for _, opt := range tcp.Options {
		if opt.OptionType == layers.TCPOptionKindMSS && len(opt.OptionData) == 2 {
			seg.MSS = binary.BigEndian.Uint16(opt.OptionData)
		}
	}
	return seg, nil
}
