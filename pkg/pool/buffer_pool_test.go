package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetBufferReturnsEmptyBuffer(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("leftover")
	PutBuffer(buf)

	buf2 := GetBuffer()
	assert.Equal(t, 0, buf2.Len())
	PutBuffer(buf2)
}

func TestPutBufferDropsOversized(t *testing.T) {
	buf := GetBuffer()
	buf.Grow(maxPooledCap + 1)
	// 超大buffer不回池，不应panic
	PutBuffer(buf)

	PutBuffer(nil)
}
