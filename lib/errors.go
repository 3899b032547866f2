package lib

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrMem        = errors.New("out of memory")
	ErrBuf        = errors.New("buffer error")
	ErrTimeout    = errors.New("timeout")
	ErrRoute      = errors.New("routing problem")
	ErrInProgress = errors.New("operation in progress")
	ErrVal        = errors.New("illegal value")
	ErrWouldBlock = errors.New("operation would block")
	ErrUse        = errors.New("address in use")
	ErrAlready    = errors.New("already connecting")
	ErrIsConn     = errors.New("already connected")
	ErrConn       = errors.New("not connected")
	ErrIf         = errors.New("low-level netif error")
	ErrAbort      = errors.New("connection aborted")
	ErrReset      = errors.New("connection reset")
	ErrClosed     = errors.New("connection closed")
	ErrArg        = errors.New("illegal argument")
	ErrBadHandle  = errors.New("stale or unknown connection handle")
)

// RemovalReason says why the stack dropped a connection on its own.
type RemovalReason uint8

const (
	ReasonAborted RemovalReason = iota
	ReasonEvicted
	ReasonMaxSynRetransmits
	ReasonMaxRetransmits
	ReasonPersistProbes
	ReasonFinWait2Timeout
	ReasonKeepaliveTimeout
	ReasonSynRcvdTimeout
	ReasonLastAckTimeout
	ReasonPollFailed
	ReasonPeerReset
	ReasonPeerClosed
	ReasonAddressChanged

	numReasons
)

var reasonNames = [numReasons]string{
	"aborted",
	"evicted",
	"max_syn_retransmits",
	"max_retransmits",
	"persist_probes",
	"fin_wait_2_timeout",
	"keepalive_timeout",
	"syn_rcvd_timeout",
	"last_ack_timeout",
	"poll_failed",
	"peer_reset",
	"peer_closed",
	"address_changed",
}

func (r RemovalReason) String() string {
	if r < numReasons {
		return reasonNames[r]
	}
	return fmt.Sprintf("RemovalReason(%d)", uint8(r))
}

// AllReasons lists every removal reason in declaration order.
func AllReasons() []RemovalReason {
	rs := make([]RemovalReason, numReasons)
	for i := range rs {
		rs[i] = RemovalReason(i)
	}
	return rs
}

// timer driven removals
func (r RemovalReason) isTimeout() bool {
	switch r {
	case ReasonMaxSynRetransmits, ReasonMaxRetransmits, ReasonPersistProbes,
		ReasonFinWait2Timeout, ReasonKeepaliveTimeout, ReasonSynRcvdTimeout, ReasonLastAckTimeout:
		return true
	}
	return false
}

// ConnError is delivered to the error callback of a connection the stack has
// already freed.
type ConnError struct {
	Conn   Handle
	State  State // state when the connection was dropped
	Reason RemovalReason
	Err    error // ErrAbort, ErrReset or ErrClosed
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("connection %v in %v: %v (%v)", e.Conn, e.State, e.Err, e.Reason)
}

func (e *ConnError) Unwrap() error { return e.Err }

func (e *ConnError) Timeout() bool { return e.Reason.isTimeout() }

func (e *ConnError) Temporary() bool { return false }
