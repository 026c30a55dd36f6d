package pool_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/momentics/wsstream/pool"
)

func TestBytePoolReuse(t *testing.T) {
	p := pool.NewBytePool(1024)
	buf := p.GetBuffer()
	assert.Len(t, *buf, 1024)
	assert.Equal(t, int64(1), p.Outstanding())

	*buf = (*buf)[:10]
	p.PutBuffer(buf)
	assert.Equal(t, int64(0), p.Outstanding())

	again := p.GetBuffer()
	assert.Len(t, *again, 1024, "length restored on put")
}

func TestBytePoolDropsForeignBuffers(t *testing.T) {
	p := pool.NewBytePool(0)
	assert.Equal(t, pool.DefaultReadSize, p.Size())

	foreign := make([]byte, 8)
	p.PutBuffer(&foreign)
	p.PutBuffer(nil)
	assert.Equal(t, int64(0), p.Outstanding())
}
