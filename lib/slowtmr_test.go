package lib

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/Clouded-Sabre/tcpcore/config"
)

// wantRemoved checks that exactly one event was queued, for h, with reason.
func wantRemoved(t *testing.T, s *Stack, h Handle, st State, reason RemovalReason) *ConnError {
	t.Helper()
	wantGone(t, s, h)
	evs := s.Events()
	if len(evs) != 1 {
		t.Fatalf("Events() returned %d events, want 1", len(evs))
	}
	ev := evs[0]
	if ev.Conn != h || ev.State != st || ev.Reason != reason {
		t.Fatalf("event = {%v %v %v}, want {%v %v %v}", ev.Conn, ev.State, ev.Reason, h, st, reason)
	}
	var ce *ConnError
	if !errors.As(ev.Err, &ce) {
		t.Fatalf("event error %v is not a *ConnError", ev.Err)
	}
	return ce
}

func TestSynRetransmitThenGiveUp(t *testing.T) {
	s, out := newTestStack(t, nil)
	h, _ := dial(t, s, peerPort)
	out.take()

	// The SYN keeps its 6 tick RTO.
	for tick := 1; tick <= 36; tick++ {
		s.SlowTimer()
		segs := out.brief()
		if tick%6 != 0 {
			if len(segs) != 0 {
				t.Fatalf("tick %d sent %v", tick, segs)
			}
			continue
		}
		if diff := cmp.Diff([]string{"SYN 6509:0 len=0"}, segs); diff != "" {
			t.Fatalf("tick %d retransmission mismatch (-want +got):\n%s", tick, diff)
		}
	}
	wantState(t, s, h, SynSent)
	if got := s.Stats().Retransmits; got != 6 {
		t.Errorf("Retransmits = %d, want 6", got)
	}

	s.SlowTimer()
	ce := wantRemoved(t, s, h, SynSent, ReasonMaxSynRetransmits)
	if !ce.Timeout() || !errors.Is(ce, ErrAbort) {
		t.Errorf("removal error %v, want a timeout wrapping ErrAbort", ce)
	}
	if segs := out.take(); len(segs) != 0 {
		t.Errorf("giving up sent %v", segs)
	}
	sane(t, s)
}

func TestRetransmissionBackoff(t *testing.T) {
	s, out := newTestStack(t, nil)
	h, _ := establish(t, s, out, Callbacks{})
	if err := s.Write(h, []byte("hello")); err != nil {
		t.Fatalf("Write() = %v", err)
	}
	if err := s.Output(h); err != nil {
		t.Fatalf("Output() = %v", err)
	}
	out.take()

	var rtos []int
	for tick := 0; s.alive(h); tick++ {
		if tick > 10000 {
			t.Fatal("connection never gave up")
		}
		before := s.Stats().Retransmits
		s.SlowTimer()
		if s.Stats().Retransmits == before {
			continue
		}
		if diff := cmp.Diff([]string{"PSH|ACK 6510:1001 len=5"}, out.brief()); diff != "" {
			t.Fatalf("retransmission mismatch (-want +got):\n%s", diff)
		}
		info, _ := s.Info(h)
		rtos = append(rtos, info.RTO)
		sane(t, s)
	}

	want := []int{12, 24, 48, 96, 192, 384, 768, 768, 768, 768, 768, 768}
	if diff := cmp.Diff(want, rtos); diff != "" {
		t.Errorf("RTO ladder mismatch (-want +got):\n%s", diff)
	}
	wantRemoved(t, s, h, Established, ReasonMaxRetransmits)
}

// activeClose takes an established connection through FIN_WAIT_1 and
// FIN_WAIT_2 and, when peerFin is set, into TIME_WAIT.
func activeClose(t *testing.T, s *Stack, out *fakeOutput, h Handle, lport uint16, peerFin bool) {
	t.Helper()
	if err := s.Close(h); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if diff := cmp.Diff([]string{"FIN|ACK 6510:1001 len=0"}, out.brief()); diff != "" {
		t.Fatalf("FIN mismatch (-want +got):\n%s", diff)
	}
	wantState(t, s, h, FinWait1)
	mustInput(t, s, peerSeg(lport, peerPort, 1001, 6511, ACKFlag, ""))
	wantState(t, s, h, FinWait2)
	if !peerFin {
		return
	}
	mustInput(t, s, peerSeg(lport, peerPort, 1001, 6511, FINFlag|ACKFlag, ""))
	wantState(t, s, h, TimeWait)
	if diff := cmp.Diff([]string{"ACK 6511:1002 len=0"}, out.brief()); diff != "" {
		t.Fatalf("ACK of FIN mismatch (-want +got):\n%s", diff)
	}
}

func TestTimeWaitExpiry(t *testing.T) {
	s, out := newTestStack(t, nil)
	h, lport := establish(t, s, out, Callbacks{})
	activeClose(t, s, out, h, lport, true)
	sane(t, s)

	n := len(s.Connections())
	twTicks := int(s.cfg.SlowTicks(2 * s.cfg.MSL))
	for range twTicks {
		s.SlowTimer()
	}
	wantState(t, s, h, TimeWait)

	s.SlowTimer()
	wantGone(t, s, h)
	if got := len(s.Connections()); got != n-1 {
		t.Errorf("%d registered PCBs after expiry, want %d", got, n-1)
	}
	st := s.Stats()
	if st.TimeWait != 0 || st.TimeWaitExpired != 1 {
		t.Errorf("TimeWait = %d, TimeWaitExpired = %d, want 0 and 1", st.TimeWait, st.TimeWaitExpired)
	}
	if evs := s.Events(); len(evs) != 0 {
		t.Errorf("TIME_WAIT expiry queued %v", evs)
	}
	sane(t, s)
}

func TestTimeWaitRestartsOnFin(t *testing.T) {
	s, out := newTestStack(t, nil)
	h, lport := establish(t, s, out, Callbacks{})
	activeClose(t, s, out, h, lport, true)

	for range 100 {
		s.SlowTimer()
	}
	// The peer missed our ACK and sends its FIN again.
	mustInput(t, s, peerSeg(lport, peerPort, 1001, 6511, FINFlag|ACKFlag, ""))
	if diff := cmp.Diff([]string{"ACK 6511:1002 len=0"}, out.brief()); diff != "" {
		t.Errorf("reply mismatch (-want +got):\n%s", diff)
	}
	// A RST is ignored.
	mustInput(t, s, peerSeg(lport, peerPort, 1002, 0, RSTFlag, ""))
	wantState(t, s, h, TimeWait)

	twTicks := int(s.cfg.SlowTicks(2 * s.cfg.MSL))
	for range twTicks {
		s.SlowTimer()
	}
	wantState(t, s, h, TimeWait)
	s.SlowTimer()
	wantGone(t, s, h)
}

func TestFinWait2Timeout(t *testing.T) {
	s, out := newTestStack(t, nil)
	h, lport := establish(t, s, out, Callbacks{})
	activeClose(t, s, out, h, lport, false)

	limit := int(s.cfg.SlowTicks(s.cfg.FinWaitTimeout))
	for range limit {
		s.SlowTimer()
	}
	wantState(t, s, h, FinWait2)
	s.SlowTimer()
	wantRemoved(t, s, h, FinWait2, ReasonFinWait2Timeout)
	sane(t, s)
}

func TestHalfClosedFinWait2Waits(t *testing.T) {
	s, out := newTestStack(t, nil)
	h, lport := establish(t, s, out, Callbacks{})
	if err := s.Shutdown(h, false, true); err != nil {
		t.Fatalf("Shutdown(tx) = %v", err)
	}
	out.take()
	mustInput(t, s, peerSeg(lport, peerPort, 1001, 6511, ACKFlag, ""))
	wantState(t, s, h, FinWait2)

	for range 2 * int(s.cfg.SlowTicks(s.cfg.FinWaitTimeout)) {
		s.SlowTimer()
	}
	wantState(t, s, h, FinWait2)
}

func TestKeepalive(t *testing.T) {
	s, out := newTestStack(t, nil)
	h, _ := establish(t, s, out, Callbacks{})
	if err := s.SetKeepalive(h, true, 10*time.Second, 5*time.Second, 2); err != nil {
		t.Fatalf("SetKeepalive() = %v", err)
	}

	got := map[int][]string{}
	for tick := 1; s.alive(h); tick++ {
		if tick > 100 {
			t.Fatal("connection never timed out")
		}
		s.SlowTimer()
		if segs := out.brief(); len(segs) > 0 {
			got[tick] = segs
		}
	}
	want := map[int][]string{
		21: {"ACK 6509:1001 len=0"},
		31: {"ACK 6509:1001 len=0"},
		41: {"RST|ACK 6510:1001 len=0"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("keepalive traffic mismatch (-want +got):\n%s", diff)
	}
	if st := s.Stats(); st.KeepaliveProbes != 2 {
		t.Errorf("KeepaliveProbes = %d, want 2", st.KeepaliveProbes)
	}
	ce := wantRemoved(t, s, h, Established, ReasonKeepaliveTimeout)
	if !ce.Timeout() {
		t.Errorf("%v is not a timeout", ce)
	}
}

func TestPersistProbesZeroWindow(t *testing.T) {
	s, out := newTestStack(t, nil)
	h, lport := establish(t, s, out, Callbacks{})

	closed := peerSeg(lport, peerPort, 1001, 6510, ACKFlag, "")
	closed.Window = 0
	mustInput(t, s, closed)
	if err := s.Write(h, []byte("hello")); err != nil {
		t.Fatalf("Write() = %v", err)
	}
	if err := s.Output(h); err != nil {
		t.Fatalf("Output() = %v", err)
	}
	if segs := out.take(); len(segs) != 0 {
		t.Fatalf("sent %v into a zero window", segs)
	}
	if info, _ := s.Info(h); !info.Persisting {
		t.Fatal("persist timer not started")
	}

	var probes []int
	for tick := 1; tick <= 21; tick++ {
		s.SlowTimer()
		for _, sg := range out.brief() {
			if sg != "ACK 6510:1001 len=1" {
				t.Errorf("tick %d sent %q, want a one byte probe", tick, sg)
			}
			probes = append(probes, tick)
		}
	}
	if diff := cmp.Diff([]int{3, 9, 21}, probes); diff != "" {
		t.Errorf("probe ticks mismatch (-want +got):\n%s", diff)
	}

	open := peerSeg(lport, peerPort, 1001, 6510, ACKFlag, "")
	mustInput(t, s, open)
	if diff := cmp.Diff([]string{"PSH|ACK 6510:1001 len=5"}, out.brief()); diff != "" {
		t.Errorf("output after the window opened mismatch (-want +got):\n%s", diff)
	}
	info, _ := s.Info(h)
	if info.Persisting || info.Unacked != 1 {
		t.Errorf("Persisting = %v, Unacked = %d, want false and 1", info.Persisting, info.Unacked)
	}
	sane(t, s)
}

func TestPollFailureAborts(t *testing.T) {
	s, out := newTestStack(t, nil)
	var polls []uint32
	h, _ := establish(t, s, out, Callbacks{
		PollInterval: 2,
		Poll: func(s *Stack, _ Handle, _ any) error {
			polls = append(polls, s.Ticks())
			if len(polls) == 3 {
				return errors.New("application gave up")
			}
			return nil
		},
	})

	for range 6 {
		s.SlowTimer()
	}
	if diff := cmp.Diff([]uint32{2, 4, 6}, polls); diff != "" {
		t.Errorf("poll ticks mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"RST|ACK 6510:1001 len=0"}, out.brief()); diff != "" {
		t.Errorf("abort reply mismatch (-want +got):\n%s", diff)
	}
	wantRemoved(t, s, h, Established, ReasonPollFailed)
}

func TestPollRemovingAnotherConnection(t *testing.T) {
	s, out := newTestStack(t, nil)
	var polledB int
	b, _ := establish(t, s, out, Callbacks{
		PollInterval: 1,
		Poll: func(*Stack, Handle, any) error {
			polledB++
			return nil
		},
	})
	var polledA int
	a, _ := establish(t, s, out, Callbacks{
		PollInterval: 1,
		Poll: func(s *Stack, _ Handle, _ any) error {
			polledA++
			s.Abort(b)
			return nil
		},
	})

	s.SlowTimer()
	s.SlowTimer()
	if polledA != 2 || polledB != 0 {
		t.Errorf("polled a %d and b %d times, want 2 and 0", polledA, polledB)
	}
	wantState(t, s, a, Established)
	wantRemoved(t, s, b, Established, ReasonAborted)
	sane(t, s)
}

func TestSynRcvdTimeout(t *testing.T) {
	s, out := newTestStack(t, nil)
	h := mustNew(t, s, config.PrioNormal)
	if err := s.Bind(h, localIP, 80); err != nil {
		t.Fatalf("Bind() = %v", err)
	}
	lh, err := s.Listen(h, 1)
	if err != nil {
		t.Fatalf("Listen() = _, %v", err)
	}
	mustInput(t, s, peerSeg(80, 5000, 100, 0, SYNFlag, ""))
	out.take()
	child := s.active.front().h

	limit := int(s.cfg.SlowTicks(s.cfg.SynRcvdTimeout))
	for range limit {
		s.SlowTimer()
	}
	wantState(t, s, child, SynRcvd)
	s.SlowTimer()
	wantRemoved(t, s, child, SynRcvd, ReasonSynRcvdTimeout)
	if info, _ := s.Info(lh); info.Pending != 0 {
		t.Errorf("listener Pending = %d after the child timed out, want 0", info.Pending)
	}
	sane(t, s)
}
