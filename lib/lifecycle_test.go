package lib

import (
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/Clouded-Sabre/tcpcore/config"
)

func TestActiveOpenRoundTrip(t *testing.T) {
	s, out := newTestStack(t, nil)

	var (
		connected bool
		received  []string
		acked     int
	)
	h := mustNew(t, s, config.PrioNormal)
	err := s.SetCallbacks(h, Callbacks{
		Recv: func(_ *Stack, _ Handle, _ any, data []byte) error {
			if data == nil {
				received = append(received, "EOF")
			} else {
				received = append(received, string(data))
			}
			return nil
		},
		Sent: func(_ *Stack, _ Handle, _ any, n uint16) error {
			acked += int(n)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("SetCallbacks() = %v", err)
	}
	err = s.Connect(h, peerIP, peerPort, func(_ *Stack, _ Handle, _ any, err error) error {
		connected = err == nil
		return nil
	})
	if err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	wantState(t, s, h, SynSent)

	// The first ISS is 6510; the SYN goes out one below it.
	lport := uint16(0xc001)
	want := []sentSegment{{
		Endpoints: Endpoints{
			Local:  netip.AddrPortFrom(localIP, lport),
			Remote: netip.AddrPortFrom(peerIP, peerPort),
		},
		OutSegment: OutSegment{Seq: 6509, Flags: SYNFlag, Window: 2144, MSS: 536},
	}}
	if diff := cmp.Diff(want, out.take(), cmp.Comparer(func(a, b netip.AddrPort) bool { return a == b })); diff != "" {
		t.Fatalf("SYN mismatch (-want +got):\n%s", diff)
	}
	sane(t, s)

	synAck := peerSeg(lport, peerPort, 1000, 6510, SYNFlag|ACKFlag, "")
	synAck.MSS = 1460
	mustInput(t, s, synAck)
	if !connected {
		t.Fatal("connected callback not run")
	}
	wantState(t, s, h, Established)
	if diff := cmp.Diff([]string{"ACK 6510:1001 len=0"}, out.brief()); diff != "" {
		t.Errorf("handshake ACK mismatch (-want +got):\n%s", diff)
	}
	info, _ := s.Info(h)
	if info.MSS != 536 || info.Cwnd != 2144 || info.SndWnd != 4000 {
		t.Errorf("after handshake MSS=%d cwnd=%d sndWnd=%d, want 536, 2144, 4000", info.MSS, info.Cwnd, info.SndWnd)
	}

	if err := s.Write(h, []byte("hello")); err != nil {
		t.Fatalf("Write() = %v", err)
	}
	if segs := out.take(); len(segs) != 0 {
		t.Fatalf("Write() sent %v before Output", segs)
	}
	if err := s.Output(h); err != nil {
		t.Fatalf("Output() = %v", err)
	}
	segs := out.take()
	if len(segs) != 1 || segs[0].String() != "PSH|ACK 6510:1001 len=5" || string(segs[0].Payload) != "hello" {
		t.Fatalf("Output() sent %v, want hello at 6510", segs)
	}

	mustInput(t, s, peerSeg(lport, peerPort, 1001, 6515, ACKFlag, ""))
	if acked != 5 {
		t.Errorf("sent callback reported %d bytes, want 5", acked)
	}
	if info, _ := s.Info(h); info.Unacked != 0 {
		t.Errorf("Unacked = %d after the ACK, want 0", info.Unacked)
	}

	mustInput(t, s, peerSeg(lport, peerPort, 1001, 6515, ACKFlag|PSHFlag, "world"))
	if diff := cmp.Diff([]string{"world"}, received); diff != "" {
		t.Errorf("received mismatch (-want +got):\n%s", diff)
	}
	if segs := out.take(); len(segs) != 0 {
		t.Errorf("data acknowledged at once: %v", segs)
	}
	s.FastTimer()
	if diff := cmp.Diff([]string{"ACK 6515:1006 len=0"}, out.brief()); diff != "" {
		t.Errorf("delayed ACK mismatch (-want +got):\n%s", diff)
	}
	if err := s.Recved(h, 5); err != nil {
		t.Fatalf("Recved() = %v", err)
	}
	if info, _ := s.Info(h); info.RcvWnd != 2144 {
		t.Errorf("RcvWnd = %d after Recved, want 2144", info.RcvWnd)
	}

	mustInput(t, s, peerSeg(lport, peerPort, 1006, 6515, FINFlag|ACKFlag, ""))
	wantState(t, s, h, CloseWait)
	if diff := cmp.Diff([]string{"world", "EOF"}, received); diff != "" {
		t.Errorf("received mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"ACK 6515:1007 len=0"}, out.brief()); diff != "" {
		t.Errorf("FIN ACK mismatch (-want +got):\n%s", diff)
	}

	if err := s.Close(h); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	wantState(t, s, h, LastAck)
	if diff := cmp.Diff([]string{"FIN|ACK 6515:1007 len=0"}, out.brief()); diff != "" {
		t.Errorf("FIN mismatch (-want +got):\n%s", diff)
	}
	sane(t, s)

	mustInput(t, s, peerSeg(lport, peerPort, 1007, 6516, ACKFlag, ""))
	wantGone(t, s, h)
	if ev := s.Events(); len(ev) != 0 {
		t.Errorf("Events() = %v after a full close, want none", ev)
	}
	if st := s.Stats(); st.Active != 0 || st.Connections != 0 || st.BuffersInUse != 0 {
		t.Errorf("Stats() = %v, want an empty stack", st)
	}
	sane(t, s)
}

func TestPassiveOpen(t *testing.T) {
	s, out := newTestStack(t, nil)

	var accepted []Handle
	h := mustNew(t, s, config.PrioNormal)
	err := s.SetCallbacks(h, Callbacks{
		Arg: "srv",
		Accept: func(_ *Stack, c Handle, arg any, err error) error {
			if err != nil || arg != "srv" {
				t.Errorf("accept callback got (%v, %v)", arg, err)
			}
			accepted = append(accepted, c)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("SetCallbacks() = %v", err)
	}
	if err := s.Bind(h, netip.Addr{}, 80); err != nil {
		t.Fatalf("Bind() = %v", err)
	}
	lh, err := s.Listen(h, 1)
	if err != nil {
		t.Fatalf("Listen() = _, %v", err)
	}
	wantGone(t, s, h)
	wantState(t, s, lh, Listen)
	if _, err := s.Listen(lh, 1); !errors.Is(err, ErrAlready) {
		t.Errorf("Listen(listener) = _, %v, want ErrAlready", err)
	}

	syn := peerSeg(80, 5000, 100, 0, SYNFlag, "")
	syn.Window, syn.MSS = 8000, 1000
	mustInput(t, s, syn)
	segs := out.take()
	if len(segs) != 1 || segs[0].String() != "SYN|ACK 6510:101 len=0" || segs[0].MSS != 536 {
		t.Fatalf("SYN answered with %v, want SYN|ACK 6510:101 carrying MSS 536", segs)
	}
	if info, _ := s.Info(lh); info.Pending != 1 {
		t.Errorf("listener Pending = %d, want 1", info.Pending)
	}

	mustInput(t, s, peerSeg(80, 5001, 300, 0, SYNFlag, ""))
	if segs := out.take(); len(segs) != 0 {
		t.Errorf("SYN beyond the backlog answered with %v", segs)
	}
	if got := s.Stats().InputDrops; got != 1 {
		t.Errorf("InputDrops = %d, want 1", got)
	}
	sane(t, s)

	mustInput(t, s, peerSeg(80, 5000, 101, 6511, ACKFlag, ""))
	if len(accepted) != 1 {
		t.Fatalf("accepted %d connections, want 1", len(accepted))
	}
	c := accepted[0]
	wantState(t, s, c, Established)
	if segs := out.take(); len(segs) != 0 {
		t.Errorf("handshake ACK answered with %v", segs)
	}
	if info, _ := s.Info(lh); info.Pending != 0 {
		t.Errorf("listener Pending = %d after accept, want 0", info.Pending)
	}
	if info, _ := s.Info(c); info.Listener != lh || info.Cwnd != 2144 {
		t.Errorf("child Listener=%v cwnd=%d, want %v, 2144", info.Listener, info.Cwnd, lh)
	}

	// A lazily accepted connection holds the slot until Accepted.
	if err := s.Delayed(c); err != nil {
		t.Fatalf("Delayed() = %v", err)
	}
	mustInput(t, s, peerSeg(80, 5001, 300, 0, SYNFlag, ""))
	if got := s.Stats().InputDrops; got != 2 {
		t.Errorf("InputDrops = %d with a delayed accept, want 2", got)
	}
	if err := s.Accepted(c); err != nil {
		t.Fatalf("Accepted() = %v", err)
	}
	if info, _ := s.Info(lh); info.Pending != 0 {
		t.Errorf("listener Pending = %d after Accepted, want 0", info.Pending)
	}

	if err := s.Close(lh); err != nil {
		t.Fatalf("Close(listener) = %v", err)
	}
	wantGone(t, s, lh)
	if info, _ := s.Info(c); !info.Listener.IsZero() {
		t.Errorf("child still points at closed listener %v", info.Listener)
	}
	sane(t, s)
}

func TestUnmatchedSegmentsAreReset(t *testing.T) {
	s, out := newTestStack(t, nil)

	mustInput(t, s, peerSeg(81, 4000, 100, 0, SYNFlag, ""))
	mustInput(t, s, peerSeg(81, 4000, 5, 77, ACKFlag, "abc"))
	mustInput(t, s, peerSeg(81, 4000, 5, 77, RSTFlag, ""))
	want := []string{"RST|ACK 0:101 len=0", "RST|ACK 77:8 len=0"}
	if diff := cmp.Diff(want, out.brief()); diff != "" {
		t.Errorf("replies mismatch (-want +got):\n%s", diff)
	}
	if got := s.Stats().ResetsSent; got != 2 {
		t.Errorf("ResetsSent = %d, want 2", got)
	}

	if err := s.Input(InSegment{}); !errors.Is(err, ErrArg) {
		t.Errorf("Input(no endpoints) = %v, want ErrArg", err)
	}
}

func TestListenerAnswersStrayAck(t *testing.T) {
	s, out := newTestStack(t, nil)
	h := mustNew(t, s, config.PrioNormal)
	if err := s.Bind(h, localIP, 80); err != nil {
		t.Fatalf("Bind() = %v", err)
	}
	if _, err := s.Listen(h, 4); err != nil {
		t.Fatalf("Listen() = _, %v", err)
	}

	mustInput(t, s, peerSeg(80, 4000, 9, 500, ACKFlag, ""))
	if diff := cmp.Diff([]string{"RST|ACK 500:9 len=0"}, out.brief()); diff != "" {
		t.Errorf("reply mismatch (-want +got):\n%s", diff)
	}
	sane(t, s)
}

func TestAbortStaleHandle(t *testing.T) {
	s, out := newTestStack(t, nil)

	var notified []error
	h := mustNew(t, s, config.PrioNormal)
	if err := s.SetCallbacks(h, Callbacks{Arg: 7, Err: func(arg any, err error) {
		if arg != 7 {
			t.Errorf("error callback arg = %v, want 7", arg)
		}
		notified = append(notified, err)
	}}); err != nil {
		t.Fatalf("SetCallbacks() = %v", err)
	}
	if err := s.Connect(h, peerIP, peerPort, nil); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	out.take()

	if err := s.Abort(h); err != nil {
		t.Fatalf("Abort() = %v", err)
	}
	if diff := cmp.Diff([]string{"RST|ACK 6510:0 len=0"}, out.brief()); diff != "" {
		t.Errorf("abort reply mismatch (-want +got):\n%s", diff)
	}
	if err := s.Abort(h); !errors.Is(err, ErrBadHandle) {
		t.Errorf("second Abort() = %v, want ErrBadHandle", err)
	}

	// The slot is reused, the old handle stays dead.
	h2 := mustNew(t, s, config.PrioNormal)
	if h2 == h {
		t.Fatalf("New() returned the aborted handle %v again", h)
	}
	wantGone(t, s, h)
	wantState(t, s, h2, Closed)

	evs := s.Events()
	if len(evs) != 1 {
		t.Fatalf("Events() returned %d events, want 1", len(evs))
	}
	ev := evs[0]
	if ev.Conn != h || ev.State != SynSent || ev.Reason != ReasonAborted || !errors.Is(ev.Err, ErrAbort) {
		t.Errorf("event = %+v, want abort of %v in SYN_SENT", ev, h)
	}
	ev.Notify()
	ev.Notify()
	if len(notified) != 1 {
		t.Errorf("error callback ran %d times, want 1", len(notified))
	}
	var ce *ConnError
	if !errors.As(notified[0], &ce) || ce.Conn != h || ce.Timeout() {
		t.Errorf("notified %v, want a non-timeout *ConnError for %v", notified[0], h)
	}
	sane(t, s)
}

func TestEvictionOrder(t *testing.T) {
	s, out := newTestStack(t, nil)

	tw, twPCB := dial(t, s, 1)
	la, laPCB := dial(t, s, 2)
	cl, clPCB := dial(t, s, 3)
	old, oldPCB := dial(t, s, 4)
	young, youngPCB := dial(t, s, 5)
	out.take()

	s.moveToTimeWait(twPCB)
	laPCB.state = LastAck
	clPCB.state = Closing
	s.ticks = 100
	for _, p := range []*PCB{twPCB, laPCB, clPCB} {
		p.tmr = 90
	}
	oldPCB.tmr = 10
	youngPCB.tmr = 50
	sane(t, s)

	steps := []struct {
		victim Handle
		kind   EvictionKind
		state  State
		rst    bool
	}{
		{tw, EvictTimeWait, TimeWait, false},
		{la, EvictLastAck, LastAck, false},
		{cl, EvictClosing, Closing, false},
		{old, EvictPrio, SynSent, true},
	}
	for _, step := range steps {
		mustNew(t, s, config.PrioNormal)
		wantGone(t, s, step.victim)
		if got := s.Stats().Evictions[step.kind]; got != 1 {
			t.Errorf("%v evictions = %d, want 1", step.kind, got)
		}

		segs := out.take()
		if step.rst {
			if len(segs) != 1 || segs[0].Flags&RSTFlag == 0 || segs[0].Remote.Port() != 4 {
				t.Errorf("evicting %v sent %v, want a RST to port 4", step.victim, segs)
			}
		} else if len(segs) != 0 {
			t.Errorf("evicting %v sent %v, want nothing", step.victim, segs)
		}

		evs := s.Events()
		if step.kind == EvictTimeWait {
			if len(evs) != 0 {
				t.Errorf("evicting TIME_WAIT queued %v", evs)
			}
		} else if len(evs) != 1 || evs[0].Conn != step.victim || evs[0].State != step.state || evs[0].Reason != ReasonEvicted {
			t.Errorf("evicting %v queued %+v", step.victim, evs)
		}
		sane(t, s)
	}

	// young has a higher priority than the request.
	if _, err := s.New(config.PrioMin); !errors.Is(err, ErrMem) {
		t.Fatalf("New(PrioMin) = _, %v, want ErrMem", err)
	}
	wantState(t, s, young, SynSent)
	if got := s.Stats().AllocFailures; got != 1 {
		t.Errorf("AllocFailures = %d, want 1", got)
	}

	mustNew(t, s, config.PrioMax)
	wantGone(t, s, young)
	sane(t, s)
}

func TestEvictionSkipsHigherPriority(t *testing.T) {
	s, _ := newTestStack(t, func(c *config.Config) { c.MaxPCB = 2 })

	low, lowPCB := dial(t, s, 1)
	high, highPCB := dial(t, s, 2)
	if err := s.SetPrio(low, 10); err != nil {
		t.Fatalf("SetPrio(low) = %v", err)
	}
	if err := s.SetPrio(high, 100); err != nil {
		t.Fatalf("SetPrio(high) = %v", err)
	}
	s.ticks = 100
	lowPCB.tmr = 90
	highPCB.tmr = 10

	// high has been idle longer but outranks the request.
	mustNew(t, s, config.PrioNormal)
	wantGone(t, s, low)
	wantState(t, s, high, SynSent)

	if err := s.SetPrio(high, 0); !errors.Is(err, ErrArg) {
		t.Errorf("SetPrio(0) = %v, want ErrArg", err)
	}
	sane(t, s)
}

func TestBindConflicts(t *testing.T) {
	s, _ := newTestStack(t, nil)
	a := mustNew(t, s, config.PrioNormal)
	b := mustNew(t, s, config.PrioNormal)

	if err := s.Bind(a, netip.Addr{}, 80); err != nil {
		t.Fatalf("Bind(a) = %v", err)
	}
	if err := s.Bind(b, localIP, 80); !errors.Is(err, ErrUse) {
		t.Errorf("Bind(b) over a wildcard = %v, want ErrUse", err)
	}
	if err := s.Bind(b, netip.MustParseAddr("::1"), 80); err != nil {
		t.Errorf("Bind(b) on another family = %v, want nil", err)
	}

	c := mustNew(t, s, config.PrioNormal)
	d := mustNew(t, s, config.PrioNormal)
	for _, h := range []Handle{c, d} {
		if err := s.SetReuseAddr(h, true); err != nil {
			t.Fatalf("SetReuseAddr() = %v", err)
		}
		if err := s.Bind(h, localIP, 90); err != nil {
			t.Errorf("Bind(%v) with SO_REUSEADDR = %v", h, err)
		}
	}
	sane(t, s)
}

func TestEphemeralPorts(t *testing.T) {
	s, _ := newTestStack(t, nil)
	for _, want := range []uint16{0xc001, 0xc002} {
		h := mustNew(t, s, config.PrioNormal)
		if err := s.Bind(h, localIP, 0); err != nil {
			t.Fatalf("Bind(0) = %v", err)
		}
		if info, _ := s.Info(h); info.Local.Port() != want {
			t.Errorf("ephemeral port = %#x, want %#x", info.Local.Port(), want)
		}
	}

	p := newPortPool(10, 13, false)
	used := map[uint16]bool{}
	inUse := func(port uint16) bool { return used[port] }
	for _, want := range []uint16{11, 12, 10} {
		got := p.allocatePort(inUse)
		if got != want {
			t.Errorf("allocatePort() = %d, want %d", got, want)
		}
		used[got] = true
	}
	if got := p.allocatePort(inUse); got != 0 {
		t.Errorf("allocatePort() on a full range = %d, want 0", got)
	}
}

func TestListenPoolExhaustion(t *testing.T) {
	s, _ := newTestStack(t, func(c *config.Config) { c.MaxListenPCB = 1 })
	for i, port := range []uint16{80, 81} {
		h := mustNew(t, s, config.PrioNormal)
		if err := s.Bind(h, localIP, port); err != nil {
			t.Fatalf("Bind() = %v", err)
		}
		_, err := s.Listen(h, 1)
		if i == 0 && err != nil {
			t.Fatalf("Listen() = _, %v", err)
		}
		if i == 1 {
			if !errors.Is(err, ErrMem) {
				t.Errorf("second Listen() = _, %v, want ErrMem", err)
			}
			wantGone(t, s, h)
		}
	}
	sane(t, s)
}

func TestCloseWithUnreadDataResets(t *testing.T) {
	s, out := newTestStack(t, nil)
	h, lport := establish(t, s, out, Callbacks{
		Recv: func(*Stack, Handle, any, []byte) error { return nil },
	})

	mustInput(t, s, peerSeg(lport, peerPort, 1001, 6510, ACKFlag, "unread"))
	out.take()
	if err := s.Close(h); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	segs := out.take()
	if len(segs) != 1 || segs[0].String() != "RST|ACK 6510:1007 len=0" {
		t.Errorf("Close() with unread data sent %v, want RST|ACK 6510:1007", segs)
	}
	wantState(t, s, h, TimeWait)
	sane(t, s)
}

func TestNetifAddrChanged(t *testing.T) {
	s, out := newTestStack(t, nil)
	conn, _ := dial(t, s, peerPort)
	l := mustNew(t, s, config.PrioNormal)
	if err := s.Bind(l, localIP, 80); err != nil {
		t.Fatalf("Bind() = %v", err)
	}
	lh, err := s.Listen(l, 1)
	if err != nil {
		t.Fatalf("Listen() = _, %v", err)
	}
	out.take()

	cur := netip.MustParseAddr("10.0.0.9")
	s.NetifAddrChanged(localIP, cur)
	wantGone(t, s, conn)
	if evs := s.Events(); len(evs) != 1 || evs[0].Reason != ReasonAddressChanged {
		t.Errorf("Events() = %+v, want one address change", evs)
	}
	if info, _ := s.Info(lh); info.Local.Addr() != cur {
		t.Errorf("listener moved to %v, want %v", info.Local.Addr(), cur)
	}
	sane(t, s)
}
