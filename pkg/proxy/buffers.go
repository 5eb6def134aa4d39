package proxy

import (
	"sync"

	"github.com/pqsky/skybridge/internal/constants"
)

// datagramPool reuses read buffers across the forwarding loops. Both UDP
// sockets read into full-size buffers, so a single size class is enough.
type datagramPool struct {
	pool sync.Pool
}

func newDatagramPool() *datagramPool {
	return &datagramPool{
		pool: sync.Pool{
			New: func() any {
				buf := make([]byte, constants.MaxDatagramSize)
				return &buf
			},
		},
	}
}

// Get returns a full-size datagram buffer.
func (p *datagramPool) Get() []byte {
	return *(p.pool.Get().(*[]byte))
}

// Put returns a buffer obtained from Get. The buffer must not be used
// afterwards.
func (p *datagramPool) Put(buf []byte) {
	if cap(buf) != constants.MaxDatagramSize {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(&buf)
}
