package lib

import (
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/Clouded-Sabre/tcpcore/config"
	"github.com/Clouded-Sabre/tcpcore/filter"
)

// idleWake bounds how long the core sleeps when no timeout is pending.
const idleWake = time.Hour

// ErrCoreClosed is returned by calls made after Close.
var ErrCoreClosed = errors.Wrap(ErrClosed, "core closed")

type request struct {
	fn   func(s *Stack) error
	done chan error
}

// Core runs one Stack on its own goroutine: every call into the stack, timer
// expiry and event notification happens there. Core is safe for concurrent
// use.
type Core struct {
	stack  *Stack
	clock  clock.Clock
	filter filter.Filter // may be nil
	log    *logrus.Entry

	requests    chan request
	closeSignal chan struct{} // closed to stop the loop
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// NewCore creates a stack and starts the goroutine that drives it. f keeps
// the host's own TCP from resetting our connections and may be nil.
func NewCore(cfg *config.Config, out Output, router Router, clk clock.Clock, f filter.Filter) (*Core, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	s, err := NewStack(cfg, out, router, clk)
	if err != nil {
		return nil, err
	}
	if lvl, err := logrus.ParseLevel(s.cfg.LogLevel); err == nil {
		logrus.SetLevel(lvl)
	}
	c := &Core{
		stack:       s,
		clock:       clk,
		filter:      f,
		log:         logrus.WithField("component", "core"),
		requests:    make(chan request),
		closeSignal: make(chan struct{}),
	}
	if iv := s.cfg.StatsInterval; iv > 0 {
		err := s.timeouts.AddCyclic(iv, func() {
			c.log.WithField("stats", s.Stats().String()).Info("tcp stats")
		})
		if err != nil {
			return nil, errors.Wrap(err, "stats timer")
		}
	}

	c.wg.Add(1)
	go c.run()

	c.log.Info("tcp protocol core started")
	return c, nil
}

func (c *Core) run() {
	defer c.wg.Done()
	s := c.stack
	t := c.clock.NewTimer(c.nextWake())
	defer t.Stop()

	for {
		select {
		case <-c.closeSignal:
			return
		case r := <-c.requests:
			r.done <- r.fn(s)
		case <-t.C():
			s.timeouts.RunDue()
		}
		if err := s.EnsureTimer(); err != nil {
			c.log.WithError(err).Debug("TCP timer still not armed")
		}
		c.dispatch()

		if !t.Stop() {
			select {
			case <-t.C():
			default:
			}
		}
		t.Reset(c.nextWake())
	}
}

// nextWake is the time until the next due timeout. A TCP timer that could
// not be armed is retried after one timer interval.
func (c *Core) nextWake() time.Duration {
	s := c.stack
	d, ok := s.timeouts.SleepTime()
	if !ok {
		d = idleWake
	}
	if !s.timerActive && (s.active.len > 0 || s.tw.len > 0) {
		d = min(d, s.cfg.TimerInterval)
	}
	return d
}

// dispatch tells the applications about the connections removed since the
// last call. Error callbacks run on the core goroutine and must not call Do.
func (c *Core) dispatch() {
	for _, ev := range c.stack.Events() {
		c.log.WithFields(logrus.Fields{
			"conn":   ev.Conn,
			"state":  ev.State,
			"reason": ev.Reason,
		}).Debug("connection removed")
		ev.Notify()
	}
}

// Do runs fn on the core goroutine and returns its error. fn must not keep s
// or call Do.
func (c *Core) Do(fn func(s *Stack) error) error {
	r := request{fn: fn, done: make(chan error, 1)}
	select {
	case c.requests <- r:
	case <-c.closeSignal:
		return ErrCoreClosed
	}
	return <-r.done
}

// Input hands a received segment to the stack.
func (c *Core) Input(seg InSegment) error {
	return c.Do(func(s *Stack) error { return s.Input(seg) })
}

// Stats returns a snapshot of the stack counters.
func (c *Core) Stats() (Stats, error) {
	var st Stats
	err := c.Do(func(s *Stack) error {
		st = s.Stats()
		return nil
	})
	return st, err
}

// Listen opens a listener on local and installs the filter rule that stops
// the host from resetting connections to it.
func (c *Core) Listen(local netip.AddrPort, backlog uint8, cb Callbacks) (Handle, error) {
	var lh Handle
	err := c.Do(func(s *Stack) error {
		h, err := s.New(config.PrioNormal)
		if err != nil {
			return err
		}
		if err := s.Bind(h, local.Addr(), local.Port()); err != nil {
			s.Close(h)
			return err
		}
		if err := s.SetCallbacks(h, cb); err != nil {
			return err
		}
		if lh, err = s.Listen(h, backlog); err != nil && s.alive(h) {
			s.Close(h)
		}
		return err
	})
	if err != nil {
		return Handle{}, err
	}
	if c.filter != nil {
		if err := c.filter.AddTcpServerFiltering(local); err != nil {
			c.log.WithError(err).WithField("local", local).Warn("cannot add server filtering rule")
		}
	}
	return lh, nil
}

// Dial starts an active open towards remote. connected runs once the
// handshake completes.
func (c *Core) Dial(remote netip.AddrPort, cb Callbacks, connected ConnectedFunc) (Handle, error) {
	if c.filter != nil {
		if err := c.filter.AddTcpClientFiltering(remote); err != nil {
			c.log.WithError(err).WithField("remote", remote).Warn("cannot add client filtering rule")
		}
	}
	var h Handle
	err := c.Do(func(s *Stack) error {
		var err error
		if h, err = s.New(config.PrioNormal); err != nil {
			return err
		}
		if err := s.SetCallbacks(h, cb); err != nil {
			return err
		}
		if err := s.Connect(h, remote.Addr(), remote.Port(), connected); err != nil {
			s.Close(h)
			return err
		}
		return nil
	})
	if err != nil {
		return Handle{}, err
	}
	return h, nil
}

// Close stops the core goroutine and removes the filter rules. Connections
// are dropped without notice.
func (c *Core) Close() error {
	c.closeOnce.Do(func() { close(c.closeSignal) })
	c.wg.Wait()

	var err error
	if c.filter != nil {
		if err = c.filter.FinishFiltering(); err != nil {
			c.log.WithError(err).Warn("cannot remove filtering rules")
		}
	}
	c.log.Info("tcp protocol core closed")
	return err
}
