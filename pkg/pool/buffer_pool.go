package pool

import (
	"bytes"
	"sync"
)

// 超过该容量的buffer不再回池，避免大响应长期占用内存
const maxPooledCap = 1 << 20

// BufferPool 字节缓冲池
var BufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// GetBuffer 从池中获取buffer
func GetBuffer() *bytes.Buffer {
	buf := BufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer 将buffer放回池中
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledCap {
		return
	}
	BufferPool.Put(buf)
}
