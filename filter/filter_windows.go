//go:build windows

package filter

import (
	"net/netip"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	divert "github.com/imgk/divert-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// divertFilter intercepts outbound RSTs with WinDivert and reinjects the
// ones no rule matches.
type divertFilter struct {
	rules *ruleSet
	log   *logrus.Entry

	mu     sync.Mutex
	handle *divert.Handle // nil while no rule is installed
	done   chan struct{}
}

// NewFilter returns a WinDivert based Filter.
func NewFilter(identifier string) (Filter, error) {
	return &divertFilter{
		rules: newRuleSet(),
		log:   logrus.WithFields(logrus.Fields{"component": "filter", "comment": identifier}),
	}, nil
}

func (f *divertFilter) add(r rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handle == nil {
		h, err := divert.Open("outbound and tcp.Rst", divert.LayerNetwork, 0, 0)
		if err != nil {
			return errors.Wrap(err, "open WinDivert handle")
		}
		f.handle = h
		f.done = make(chan struct{})
		go f.run(h, f.done)
	}
	if f.rules.add(r) {
		f.log.WithField("rule", r).Info("added RST filtering rule")
	}
	return nil
}

func (f *divertFilter) remove(r rule) error {
	if f.rules.remove(r) {
		f.log.WithField("rule", r).Info("removed RST filtering rule")
	}
	if f.rules.len() == 0 {
		return f.FinishFiltering()
	}
	return nil
}

func (f *divertFilter) AddTcpClientFiltering(remote netip.AddrPort) error {
	return f.add(newRule(Client, remote))
}

func (f *divertFilter) RemoveTcpClientFiltering(remote netip.AddrPort) error {
	return f.remove(newRule(Client, remote))
}

func (f *divertFilter) AddTcpServerFiltering(local netip.AddrPort) error {
	return f.add(newRule(Server, local))
}

func (f *divertFilter) RemoveTcpServerFiltering(local netip.AddrPort) error {
	return f.remove(newRule(Server, local))
}

// FinishFiltering closes the WinDivert handle and forgets every rule.
func (f *divertFilter) FinishFiltering() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules.clear()
	if f.handle == nil {
		return nil
	}
	close(f.done)
	err := f.handle.Close()
	f.handle = nil
	return errors.Wrap(err, "close WinDivert handle")
}

func (f *divertFilter) run(h *divert.Handle, done chan struct{}) {
	buf := make([]byte, 1<<16)
	addr := divert.Address{}
	for {
		n, err := h.Recv(buf, &addr)
		if err != nil {
			select {
			case <-done:
				f.log.Info("stopping filter")
				return
			default:
			}
			f.log.WithError(err).Warn("cannot receive packet")
			continue
		}
		pkt := buf[:n]
		if src, dst, ok := endpoints(pkt); ok && f.rules.drops(src, dst) {
			f.log.WithFields(logrus.Fields{"src": src, "dst": dst}).Debug("dropping RST")
			continue
		}
		if _, err := h.Send(pkt, &addr); err != nil {
			f.log.WithError(err).Warn("cannot reinject packet")
		}
	}
}

// endpoints decodes the addresses of an IPv4 or IPv6 TCP packet.
func endpoints(pkt []byte) (src, dst netip.AddrPort, ok bool) {
	if len(pkt) == 0 {
		return
	}
	first := layers.LayerTypeIPv4
	if pkt[0]>>4 == 6 {
		first = layers.LayerTypeIPv6
	}
	p := gopacket.NewPacket(pkt, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	tl, _ := p.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if tl == nil || p.NetworkLayer() == nil {
		return
	}
	nf := p.NetworkLayer().NetworkFlow()
	sa, ok1 := netip.AddrFromSlice(nf.Src().Raw())
	da, ok2 := netip.AddrFromSlice(nf.Dst().Raw())
	if !ok1 || !ok2 {
		return
	}
	return netip.AddrPortFrom(sa, uint16(tl.SrcPort)), netip.AddrPortFrom(da, uint16(tl.DstPort)), true
}
