package lib

import (
	"math/rand"
)

// portPool hands out ephemeral local ports from [minPort, maxPort). It keeps
// a cursor and probes linearly from it, wrapping at the end of the range.
type portPool struct {
	minPort uint16
	maxPort uint16 // exclusive
	cursor  uint16
}

func newPortPool(minPort, maxPort uint16, randomBase bool) *portPool {
	p := &portPool{minPort: minPort, maxPort: maxPort, cursor: minPort}
	if randomBase {
		p.cursor = minPort + uint16(rand.Intn(int(maxPort-minPort)))
	}
	return p
}

// allocatePort returns the next port for which inUse is false, or 0 when
// every port in the range is taken.
func (p *portPool) allocatePort(inUse func(port uint16) bool) uint16 {
	collisions := 0
	span := int(p.maxPort - p.minPort)
	for {
		p.cursor++
		if p.cursor == p.maxPort || p.cursor < p.minPort {
			p.cursor = p.minPort
		}
		if !inUse(p.cursor) {
			return p.cursor
		}
		collisions++
		if collisions > span {
			return 0
		}
	}
}

// portInUse reports whether any registered PCB has local port port.
func (s *Stack) portInUse(port uint16) bool {
	used := false
	for _, l := range s.lists() {
		l.each(func(p *PCB) bool {
			used = p.localPort == port
			return !used
		})
		if used {
			return true
		}
	}
	return false
}

func (s *Stack) newPort() uint16 {
	return s.ports.allocatePort(s.portInUse)
}
