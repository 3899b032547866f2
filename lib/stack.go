package lib

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
	"k8s.io/utils/clock"

	"github.com/Clouded-Sabre/tcpcore/config"
	"github.com/Clouded-Sabre/tcpcore/lib/timeouts"
)

const initialISS = 6510

// Stack owns every PCB, the registry lists and the timers of one TCP
// instance. It is not safe for concurrent use: all calls, including the
// callbacks it makes, happen on the goroutine driving it (see Core).
type Stack struct {
	cfg    *config.Config
	out    Output
	router Router
	clock  clock.PassiveClock
	log    *logrus.Entry

	timeouts *timeouts.Scheduler
	tcpTimer *tcpTimer

	pcbs       arena
	nConns     int
	nListeners int

	bound  pcbList
	listen pcbList
	active pcbList
	tw     pcbList

	activeChanged uint32

	ticks       uint32 // slow ticks since start
	timerCtr    uint8  // epoch of the current fast or slow scan
	timer       uint8  // TCP timer invocations, selects the slow ticks
	timerActive bool

	ports *portPool
	iss   seqnum.Value

	bufs   *bufPool
	events []*Event
	stats  Stats

	inputPCB *PCB // PCB whose segment is being processed
}

// tcpTimer is the on-demand periodic TCP timer. It runs only while there
// are active or TIME_WAIT connections.
type tcpTimer struct {
	s *Stack
}

// Timeout runs the TCP timer and re-arms it from the deadline it fired for,
// so a late run does not shift the cadence.
func (t *tcpTimer) Timeout(any) {
	s := t.s
	delay := s.cfg.TimerInterval
	if late := s.timeouts.Late(); late < delay {
		delay -= late
	}
	s.timerActive = false
	s.Timer()
	s.armTimer(delay)
}

// NewStack creates an empty stack. cfg may be nil for the defaults.
func NewStack(cfg *config.Config, out Output, router Router, clk clock.PassiveClock) (*Stack, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid stack config")
	}
	if out == nil || router == nil {
		return nil, errors.Wrap(ErrArg, "output and router are required")
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	s := &Stack{
		cfg:      cfg,
		out:      out,
		router:   router,
		clock:    clk,
		log:      logrus.WithField("component", "tcp"),
		timeouts: timeouts.New(clk, cfg.MaxTimeouts),
		bound:    pcbList{id: listBound},
		listen:   pcbList{id: listListen},
		active:   pcbList{id: listActive},
		tw:       pcbList{id: listTimeWait},
		ports:    newPortPool(cfg.LocalPortStart, cfg.LocalPortEnd, cfg.RandomPortBase),
		iss:      initialISS,
		bufs:     newBufPool(cfg),
	}
	s.tcpTimer = &tcpTimer{s: s}
	return s, nil
}

// Config returns the configuration the stack was created with.
func (s *Stack) Config() *config.Config { return s.cfg }

// Timeouts exposes the scheduler driving the stack's timers so the owner
// can run it and register its own timeouts.
func (s *Stack) Timeouts() *timeouts.Scheduler { return s.timeouts }

// Timer is the periodic TCP timer: the fast timer on every call, the slow
// timer on every second call.
func (s *Stack) Timer() {
	s.FastTimer()
	s.timer++
	if s.timer&1 != 0 {
		s.SlowTimer()
	}
}

// timerNeeded arms the TCP timer when there is work for it.
func (s *Stack) timerNeeded() { s.armTimer(s.cfg.TimerInterval) }

func (s *Stack) armTimer(delay time.Duration) {
	if s.timerActive || (s.active.len == 0 && s.tw.len == 0) {
		return
	}
	if err := s.timeouts.Schedule(delay, s.tcpTimer, nil); err != nil {
		s.stats.TimerArmFailures++
		s.log.WithError(err).Warn("cannot arm TCP timer")
		return
	}
	s.timerActive = true
}

// EnsureTimer arms the TCP timer if it is needed but not pending. It returns
// the scheduling error of an earlier failed attempt that still fails.
func (s *Stack) EnsureTimer() error {
	if s.timerActive || (s.active.len == 0 && s.tw.len == 0) {
		return nil
	}
	if err := s.timeouts.Schedule(s.cfg.TimerInterval, s.tcpTimer, nil); err != nil {
		s.stats.TimerArmFailures++
		return errors.Wrap(err, "arm TCP timer")
	}
	s.timerActive = true
	return nil
}

// TimerActive reports whether the TCP timer is pending.
func (s *Stack) TimerActive() bool { return s.timerActive }

// Ticks is the number of slow timer ticks so far.
func (s *Stack) Ticks() uint32 { return s.ticks }

func (s *Stack) lookup(h Handle) (*PCB, error) {
	p := s.pcbs.get(h)
	if p == nil {
		return nil, errors.Wrapf(ErrBadHandle, "%v", h)
	}
	return p, nil
}

// alive reports whether h still names a PCB.
func (s *Stack) alive(h Handle) bool { return s.pcbs.get(h) != nil }

// Info returns a view of the PCB behind h.
func (s *Stack) Info(h Handle) (Info, error) {
	p, err := s.lookup(h)
	if err != nil {
		return Info{}, err
	}
	return p.info(), nil
}

// State returns the TCP state of h.
func (s *Stack) State(h Handle) (State, error) {
	p, err := s.lookup(h)
	if err != nil {
		return Closed, err
	}
	return p.state, nil
}

// Connections lists the handles of the registered PCBs in list order:
// bound, listen, active, then time-wait.
func (s *Stack) Connections() []Handle {
	var hs []Handle
	for _, l := range s.lists() {
		hs = append(hs, l.snapshot()...)
	}
	return hs
}

// free releases p back to its pool. p must already be unlinked.
func (s *Stack) free(p *PCB) {
	p.freeQueues()
	if p.isListen {
		s.nListeners--
	} else {
		s.nConns--
	}
	s.pcbs.remove(p)
	if s.inputPCB == p {
		s.inputPCB = nil
	}
}
