package lib

// Event reports a connection the stack dropped on its own or on request.
// The PCB is already freed when the event is queued; Conn no longer resolves.
type Event struct {
	Conn   Handle
	State  State // state at the time of removal
	Reason RemovalReason
	Err    error // a *ConnError
	Arg    any

	errf     ErrFunc
	notified bool
}

// Notify runs the connection's error callback. It does nothing after the
// first call or when no callback was set.
func (e *Event) Notify() {
	if e.notified || e.errf == nil {
		return
	}
	e.notified = true
	e.errf(e.Arg, e.Err)
}

// queueError records the removal of p. It must be called before p is freed.
func (s *Stack) queueError(p *PCB, st State, reason RemovalReason, err error) {
	s.stats.Removals[reason]++
	s.events = append(s.events, &Event{
		Conn:   p.h,
		State:  st,
		Reason: reason,
		Err:    &ConnError{Conn: p.h, State: st, Reason: reason, Err: err},
		Arg:    p.cb.Arg,
		errf:   p.cb.Err,
	})
}

// Events drains the events queued since the last call.
func (s *Stack) Events() []*Event {
	ev := s.events
	s.events = nil
	return ev
}
