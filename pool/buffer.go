package pool

import (
	"bytes"
)

// maxRetainedBufferSize bounds the capacity of buffers kept for reuse.
// Larger buffers are shrunk on release so one oversized batch does not pin
// memory for the lifetime of the process.
const maxRetainedBufferSize = 4 << 20

// Buffer is a pooled byte buffer.
type Buffer struct {
	Header
	bytes.Buffer
	initialSize int
}

// ResetState clears the buffer contents.
func (b *Buffer) ResetState() {
	if b.Cap() > maxRetainedBufferSize {
		b.Buffer = bytes.Buffer{}
		b.Grow(b.initialSize)
		return
	}
	b.Reset()
}

// BufferPool hands out Buffers pre-grown to a fixed initial size.
type BufferPool struct {
	*Pool[*Buffer]
}

// NewBufferPool creates a pool of byte buffers.
func NewBufferPool(name string, capacity, initialSize int, opts ...Option) *BufferPool {
	return &BufferPool{
		Pool: New(name, capacity, func() *Buffer {
			b := &Buffer{initialSize: initialSize}
			b.Grow(initialSize)
			return b
		}, opts...),
	}
}
