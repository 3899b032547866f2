package lib

// TCP header flag constants
const (
	FINFlag uint8 = 1 << 0
	SYNFlag uint8 = 1 << 1
	RSTFlag uint8 = 1 << 2
	PSHFlag uint8 = 1 << 3
	ACKFlag uint8 = 1 << 4
	URGFlag uint8 = 1 << 5
)

const (
	tcpHeaderLength  = 20 // options not included
	ipv4HeaderLength = 20
	ipv6HeaderLength = 40
	initialMSS       = 536
	maxRTO           = 0x7fff // in slow ticks
)

// retransmission backoff shifts, indexed by tries
var backoffShift = [...]uint8{1, 2, 3, 4, 5, 6, 7, 7, 7, 7, 7, 7, 7}

// persist timer ladder, in slow ticks
var persistBackoff = [...]uint8{3, 6, 12, 24, 48, 96, 120}

// pcb flags
const (
	flagAckDelay   uint16 = 1 << iota // delayed ACK pending
	flagAckNow                        // send an ACK at the next output
	flagClosePend                     // FIN could not be queued, retry from the fast timer
	flagRxClosed                      // receive side closed by the application
	flagFinSent                       // FIN queued
	flagBacklogPend                   // counted in the listener's accepts_pending
	flagMemErr                        // last output failed for lack of resources
	flagInFR                          // in fast retransmit
)
