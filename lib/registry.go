package lib

import "gvisor.dev/gvisor/pkg/ilist"

type listID uint8

const (
	listBound listID = iota
	listListen
	listActive
	listTimeWait
)

var listNames = [...]string{"bound", "listen", "active", "time-wait"}

func (id listID) String() string { return listNames[id] }

// pcbList is one of the four registry lists. New entries go to the front.
type pcbList struct {
	id  listID
	l   ilist.List
	len int
}

func (l *pcbList) front() *PCB {
	if e := l.l.Front(); e != nil {
		return e.(*PCB)
	}
	return nil
}

// snapshot returns the handles currently in the list, head first.
func (l *pcbList) snapshot() []Handle {
	hs := make([]Handle, 0, l.len)
	for e := l.l.Front(); e != nil; e = e.Next() {
		hs = append(hs, e.(*PCB).h)
	}
	return hs
}

// each calls fn for every PCB in the list until fn returns false. fn must not
// change list membership.
func (l *pcbList) each(fn func(p *PCB) bool) {
	for e := l.l.Front(); e != nil; e = e.Next() {
		if !fn(e.(*PCB)) {
			return
		}
	}
}

func (s *Stack) register(l *pcbList, p *PCB) {
	if p.list != nil {
		s.unregister(p)
	}
	l.l.PushFront(p)
	l.len++
	p.list = l
	switch l.id {
	case listActive:
		s.activeChanged++
		s.timerNeeded()
	case listTimeWait:
		s.timerNeeded()
	}
}

func (s *Stack) unregister(p *PCB) {
	l := p.list
	if l == nil {
		return
	}
	l.l.Remove(p)
	l.len--
	p.list = nil
	if l.id == listActive {
		s.activeChanged++
	}
}

// inList reports whether p is registered in list id.
func (p *PCB) inList(id listID) bool {
	return p.list != nil && p.list.id == id
}

func (s *Stack) lists() [4]*pcbList {
	return [4]*pcbList{&s.bound, &s.listen, &s.active, &s.tw}
}
