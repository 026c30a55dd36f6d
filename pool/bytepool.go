// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>

package pool

import (
	"sync"
	"sync/atomic"
)

// DefaultReadSize is the read buffer size used by the transport driver.
const DefaultReadSize = 32 << 10

// BytePool hands out fixed-size scratch buffers for socket reads.
type BytePool struct {
	pool sync.Pool
	size int

	gets atomic.Uint64
	puts atomic.Uint64
}

// NewBytePool creates a pool of size-byte buffers.
func NewBytePool(size int) *BytePool {
	if size <= 0 {
		size = DefaultReadSize
	}
	p := &BytePool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// GetBuffer returns a buffer of Size bytes.
func (b *BytePool) GetBuffer() *[]byte {
	b.gets.Add(1)
	return b.pool.Get().(*[]byte)
}

// PutBuffer returns a buffer to the pool. Foreign-sized buffers are dropped.
func (b *BytePool) PutBuffer(buf *[]byte) {
	if buf == nil || cap(*buf) != b.size {
		return
	}
	*buf = (*buf)[:b.size]
	b.puts.Add(1)
	b.pool.Put(buf)
}

// Size returns the buffer size.
func (b *BytePool) Size() int { return b.size }

// Outstanding returns the number of buffers taken and not yet returned.
func (b *BytePool) Outstanding() int64 {
	return int64(b.gets.Load()) - int64(b.puts.Load())
}
