// Package timeouts implements a cooperative one-shot timer list with
// delta-encoded deadlines, plus self re-arming cyclic timers on top of it.
//
// A Scheduler never runs anything on its own: the owner calls RunDue from its
// event loop and uses SleepTime to decide how long to wait in between.
package timeouts

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// ErrNoSlot is returned by Schedule when every timeout node is in use.
var ErrNoSlot = errors.New("timeouts: no free timeout node")

// Handler is the target of a timeout. Cancel matches handlers with ==, so
// implementations should be pointer types.
type Handler interface {
	Timeout(arg any)
}

type node struct {
	next  *node
	delta time.Duration // time after the previous node, or after base for the head
	h     Handler
	arg   any
}

// Scheduler is a sorted list of pending timeouts. It is not safe for
// concurrent use.
type Scheduler struct {
	clock clock.PassiveClock
	head  *node
	free  *node
	used  int
	cap   int
	base  time.Time // the instant head.delta is measured from
	log   *logrus.Entry
}

// New creates a scheduler with room for capacity pending timeouts.
func New(clk clock.PassiveClock, capacity int) *Scheduler {
	s := &Scheduler{
		clock: clk,
		cap:   capacity,
		base:  clk.Now(),
		log:   logrus.WithField("component", "timeouts"),
	}
	for i := 0; i < capacity; i++ {
		s.free = &node{next: s.free}
	}
	return s
}

func (s *Scheduler) alloc() *node {
	n := s.free
	if n == nil {
		return nil
	}
	s.free = n.next
	s.used++
	*n = node{}
	return n
}

func (s *Scheduler) release(n *node) {
	*n = node{next: s.free}
	s.free = n
	s.used--
}

// Schedule arranges for h.Timeout(arg) to run no earlier than delay from now.
func (s *Scheduler) Schedule(delay time.Duration, h Handler, arg any) error {
	if delay < 0 {
		delay = 0
	}
	now := s.clock.Now()
	if s.head == nil {
		s.base = now
	}
	return s.insert(now.Sub(s.base)+delay, h, arg)
}

// insert places a node at offset at from base. Ties go after existing nodes.
func (s *Scheduler) insert(at time.Duration, h Handler, arg any) error {
	n := s.alloc()
	if n == nil {
		s.log.WithField("pending", s.used).Warn("timeout node pool exhausted")
		return ErrNoSlot
	}
	n.h, n.arg = h, arg

	var prev *node
	cur := s.head
	for cur != nil && cur.delta <= at {
		at -= cur.delta
		prev, cur = cur, cur.next
	}
	n.delta = at
	n.next = cur
	if cur != nil {
		cur.delta -= at
	}
	if prev == nil {
		s.head = n
	} else {
		prev.next = n
	}
	return nil
}

// Cancel removes the first pending timeout for (h, arg). Its remaining delta
// is handed to the following node so later deadlines do not move.
func (s *Scheduler) Cancel(h Handler, arg any) bool {
	var prev *node
	for n := s.head; n != nil; prev, n = n, n.next {
		if n.h != h || n.arg != arg {
			continue
		}
		if prev == nil {
			s.head = n.next
		} else {
			prev.next = n.next
		}
		if n.next != nil {
			n.next.delta += n.delta
		}
		s.release(n)
		return true
	}
	return false
}

// RunDue fires every timeout whose deadline has passed, in deadline order.
// Handlers may schedule further timeouts; those already due run in the same
// call. It returns the number of handlers run.
func (s *Scheduler) RunDue() int {
	fired := 0
	for s.head != nil {
		elapsed := s.clock.Since(s.base)
		n := s.head
		if n.delta > elapsed {
			break
		}
		s.base = s.base.Add(n.delta)
		s.head = n.next
		h, arg := n.h, n.arg
		s.release(n)
		h.Timeout(arg)
		fired++
	}
	return fired
}

// SleepTime reports how long until the next timeout is due. ok is false when
// nothing is pending.
func (s *Scheduler) SleepTime() (d time.Duration, ok bool) {
	if s.head == nil {
		return 0, false
	}
	d = s.head.delta - s.clock.Since(s.base)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Late reports how far past its deadline the running timeout fired. It is
// only meaningful inside Handler.Timeout, before the handler schedules.
func (s *Scheduler) Late() time.Duration { return s.clock.Since(s.base) }

// Len is the number of pending timeouts.
func (s *Scheduler) Len() int { return s.used }

// Cap is the size of the node pool.
func (s *Scheduler) Cap() int { return s.cap }
