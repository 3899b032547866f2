package lib

// FastTimer flushes delayed ACKs, retries FINs that could not be queued,
// and offers refused data to the application again.
func (s *Stack) FastTimer() {
	s.timerCtr++
	s.stats.FastTicks++

	for restart := true; restart; {
		restart = false
		for _, h := range s.active.snapshot() {
			p := s.pcbs.get(h)
			if p == nil || !p.inList(listActive) || p.lastTimer == s.timerCtr {
				continue
			}
			p.lastTimer = s.timerCtr

			if p.hasFlag(flagAckDelay) {
				s.stats.DelayedAcks++
				p.ackNow()
				s.output(p)
				p.clearFlag(flagAckDelay | flagAckNow)
			}
			if p.hasFlag(flagClosePend) {
				p.clearFlag(flagClosePend)
				s.closeShutdownFin(p)
			}
			if p.refused != nil {
				before := s.activeChanged
				s.processRefusedData(p)
				if s.activeChanged != before {
					restart = true
					break
				}
			}
		}
	}
}
