package timeouts

import (
	"time"

	"github.com/pkg/errors"
)

type cyclic struct {
	s      *Scheduler
	period time.Duration
	fn     func()
}

// Timeout re-arms first so the node just released by RunDue is the one reused.
func (c *cyclic) Timeout(any) {
	at := c.period
	if behind := c.s.clock.Since(c.s.base); behind > c.period {
		at = behind + c.period
	}
	if err := c.s.insert(at, c, nil); err != nil {
		c.s.log.WithError(err).Error("cyclic timer lost")
	}
	c.fn()
}

// AddCyclic registers fn to run every period for the lifetime of the
// scheduler. Deadlines advance from the previous deadline, not from the time
// fn ran, so the cadence does not drift.
func (s *Scheduler) AddCyclic(period time.Duration, fn func()) error {
	if period <= 0 {
		return errors.Errorf("timeouts: cyclic period %v must be positive", period)
	}
	return s.Schedule(period, &cyclic{s: s, period: period, fn: fn}, nil)
}
