package proxy

import (
	"net/http/httputil"
	"sync"
)

// DefaultBufferSize is the size of the buffers the reverse proxy copies
// response bodies through.
const DefaultBufferSize = 32 * 1024

type bufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool returns an httputil.BufferPool of size-byte buffers.
func NewBufferPool(size int) httputil.BufferPool {
	bp := &bufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}

	return bp
}

func (p *bufferPool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return *b
}

func (p *bufferPool) Put(b []byte) {
	// Buffers resliced by a caller are not worth keeping.
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	// This &b forces a 32-byte heap allocation. There's no way to avoid this when converting a non-pointer to an interface{}.
	p.pool.Put(&b)
}
