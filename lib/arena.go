package lib

import "fmt"

// Handle names a PCB owned by a Stack. The zero Handle is never valid, and a
// handle stops resolving as soon as its PCB is freed, even if the slot is
// reused for a new PCB later.
type Handle struct {
	idx uint32
	gen uint32
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool { return h.gen == 0 }

func (h Handle) String() string {
	if h.gen == 0 {
		return "pcb#nil"
	}
	return fmt.Sprintf("pcb#%d.%d", h.idx, h.gen)
}

type slot struct {
	gen uint32
	pcb *PCB
}

// arena stores every live PCB of a stack. Slots are recycled through a free
// list and carry a generation so stale handles are detected.
type arena struct {
	slots []slot
	free  []uint32
	live  int
}

func (a *arena) insert(p *PCB) Handle {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot{})
	}
	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.pcb = p
	p.h = Handle{idx: idx, gen: s.gen}
	a.live++
	return p.h
}

func (a *arena) get(h Handle) *PCB {
	if h.gen == 0 || int(h.idx) >= len(a.slots) {
		return nil
	}
	s := &a.slots[h.idx]
	if s.gen != h.gen {
		return nil
	}
	return s.pcb
}

// remove frees the slot of p. The handle p carried is dead afterwards.
func (a *arena) remove(p *PCB) {
	s := &a.slots[p.h.idx]
	if s.pcb != p {
		return
	}
	s.pcb = nil
	a.free = append(a.free, p.h.idx)
	a.live--
}
