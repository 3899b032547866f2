package lib

import "fmt"

// EvictionKind says which class of PCB was sacrificed for a new one.
type EvictionKind uint8

const (
	EvictTimeWait EvictionKind = iota
	EvictLastAck
	EvictClosing
	EvictPrio

	numEvictions
)

var evictionNames = [numEvictions]string{"time_wait", "last_ack", "closing", "prio"}

func (k EvictionKind) String() string {
	if k < numEvictions {
		return evictionNames[k]
	}
	return fmt.Sprintf("EvictionKind(%d)", uint8(k))
}

// AllEvictionKinds lists every eviction kind in order of preference.
func AllEvictionKinds() []EvictionKind {
	ks := make([]EvictionKind, numEvictions)
	for i := range ks {
		ks[i] = EvictionKind(i)
	}
	return ks
}

// Stats is a point-in-time view of a stack.
type Stats struct {
	Bound    int
	Listen   int
	Active   int
	TimeWait int

	Connections      int // PCBs allocated from the connection pool
	ConnCapacity     int
	Listeners        int
	ListenerCapacity int
	TimeoutsPending  int
	TimeoutsCapacity int
	BuffersInUse     int
	BufferCapacity   int

	States    [numStates]int
	Removals  [numReasons]uint64
	Evictions [numEvictions]uint64

	TimeWaitExpired     uint64
	Retransmits         uint64
	PersistProbes       uint64
	KeepaliveProbes     uint64
	ResetsSent          uint64
	DelayedAcks         uint64
	RefusedRedeliveries uint64
	SlowTicks           uint64
	FastTicks           uint64
	TimerArmFailures    uint64
	AllocFailures       uint64
	InputDrops          uint64 // segments dropped for lack of buffers or backlog
}

// Stats returns the current counters and cardinalities.
func (s *Stack) Stats() Stats {
	st := s.stats
	st.Bound, st.Listen, st.Active, st.TimeWait = s.bound.len, s.listen.len, s.active.len, s.tw.len
	st.Connections, st.ConnCapacity = s.nConns, s.cfg.MaxPCB
	st.Listeners, st.ListenerCapacity = s.nListeners, s.cfg.MaxListenPCB
	st.TimeoutsPending, st.TimeoutsCapacity = s.timeouts.Len(), s.timeouts.Cap()
	st.BuffersInUse, st.BufferCapacity = s.bufs.inUse, s.bufs.capacity
	for _, l := range s.lists() {
		l.each(func(p *PCB) bool {
			st.States[p.state]++
			return true
		})
	}
	return st
}

func (st Stats) String() string {
	return fmt.Sprintf("active=%d tw=%d listen=%d bound=%d conns=%d/%d timeouts=%d/%d bufs=%d/%d rexmit=%d probes=%d",
		st.Active, st.TimeWait, st.Listen, st.Bound,
		st.Connections, st.ConnCapacity, st.TimeoutsPending, st.TimeoutsCapacity,
		st.BuffersInUse, st.BufferCapacity, st.Retransmits, st.PersistProbes)
}
