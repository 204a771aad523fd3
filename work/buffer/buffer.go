package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// Pool is a thread-safe pool of byte buffers reused by the streaming copy
// loop so every media transfer does not allocate its own scratch buffer.
// It wraps valyala/bytebufferpool, which handles lifecycle and sizing
// internally; Get guarantees the returned buffer has at least the configured
// capacity.
type Pool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewPool creates a Pool whose buffers are grown to at least bufferSize bytes
// before being handed out.
func NewPool(bufferSize int) *Pool {
	if bufferSize <= 0 {
		bufferSize = 64 * 1024
	}
	return &Pool{
		bufferSize: bufferSize,
		pool:       &bytebufferpool.Pool{},
	}
}

// Get retrieves a reset buffer from the pool, growing it to the configured
// size when a smaller buffer is recycled.
func (p *Pool) Get() *bytebufferpool.ByteBuffer {
	buf := p.pool.Get()
	buf.Reset()
	if cap(buf.B) < p.bufferSize {
		buf.B = make([]byte, 0, p.bufferSize)
	}
	// hand out a full-length slice for io.CopyBuffer-style use
	buf.B = buf.B[:p.bufferSize]
	return buf
}

// Put returns a buffer to the pool.
func (p *Pool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		p.pool.Put(buf)
	}
}
