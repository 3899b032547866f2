package lib

import (
	"fmt"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/tcpcore/config"
)

// Payload is the fixed-size chunk held by each ring pool element
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload creates a chunk. The only parameter is the chunk length.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		logrus.Error("NewPayload: want exactly one parameter: buffer length")
		return nil
	}
	bufferLength, ok := params[0].(int)
	if !ok || bufferLength <= 0 {
		logrus.Errorf("NewPayload: invalid buffer length %v", params[0])
		return nil
	}
	return &Payload{payloadBytes: make([]byte, bufferLength)}
}

// set the content of the payload
func (p *Payload) SetContent(s string) {
	p.length = copy(p.payloadBytes, s)
}

// Reset clears the content of the payload
func (p *Payload) Reset() {
	clear(p.payloadBytes[:p.length])
	p.length = 0
}

// PrintContent prints the content of the payload
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("Payload Copy: source byte slice(%d) is longer than bufferLength(%d)", len(src), len(p.payloadBytes))
	}
	if len(src) == 0 {
		return fmt.Errorf("Payload Copy: source byte slice is empty")
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// buffer is a reference counted pool chunk. Segments split from one another
// share the same buffer.
type buffer struct {
	elem *rp.Element
	pool *bufPool
	refs int
}

func (b *buffer) bytes() []byte { return b.elem.Data.(*Payload).GetSlice() }

func (b *buffer) ref() *buffer {
	b.refs++
	return b
}

func (b *buffer) release() {
	b.refs--
	if b.refs > 0 {
		return
	}
	if b.refs < 0 {
		panic("tcp: buffer released twice")
	}
	b.pool.ring.ReturnElement(b.elem)
	b.elem = nil
	b.pool.inUse--
}

// bufPool hands out buffers from a ring pool private to one stack.
type bufPool struct {
	ring     *rp.RingPool
	size     int // bytes per chunk
	capacity int
	inUse    int
}

func newBufPool(cfg *config.Config) *bufPool {
	size := int(cfg.MSS)
	ring := rp.NewRingPool("TCP: ", cfg.PayloadPool, NewPayload, size)
	ring.Debug = cfg.PoolDebug
	ring.ProcessTimeThreshold = cfg.ProcessTime
	return &bufPool{ring: ring, size: size, capacity: cfg.PayloadPool}
}

// get copies data into a fresh buffer. ErrMem means the pool is exhausted.
func (bp *bufPool) get(data []byte) (*buffer, error) {
	if len(data) > bp.size {
		return nil, errors.Wrapf(ErrBuf, "%d bytes exceed chunk size %d", len(data), bp.size)
	}
	// GetElement allocates past the ring when it is empty, so the limit is
	// enforced here.
	if bp.inUse >= bp.capacity {
		return nil, errors.Wrapf(ErrMem, "payload pool exhausted (%d chunks)", bp.capacity)
	}
	e := bp.ring.GetElement()
	if err := e.Data.(*Payload).Copy(data); err != nil {
		bp.ring.ReturnElement(e)
		return nil, errors.Wrap(ErrBuf, err.Error())
	}
	bp.inUse++
	return &buffer{elem: e, pool: bp, refs: 1}, nil
}

// chunks copies data into as many buffers as it takes. Nothing is kept when
// the pool runs dry.
func (bp *bufPool) chunks(data []byte) ([]*buffer, error) {
	var bufs []*buffer
	for len(data) > 0 {
		n := min(len(data), bp.size)
		b, err := bp.get(data[:n])
		if err != nil {
			for _, b := range bufs {
				b.release()
			}
			return nil, err
		}
		bufs = append(bufs, b)
		data = data[n:]
	}
	return bufs, nil
}
