package protocol

import (
	"bytes"
	"sync"
)

// MaxPooledBuffer bounds the size of buffers returned to the pool; encoding
// a pathologically large event batch should not pin memory forever.
const MaxPooledBuffer = 1024 * 1024 // 1MB

// bufferPool is a sync.Pool for reusing byte buffers to reduce allocations
// on the encode path.
var bufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// GetBuffer retrieves a buffer from the pool.
// The buffer is reset and ready for use.
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool.
// Buffers larger than MaxPooledBuffer are not pooled to prevent memory bloat.
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	if buf.Cap() > MaxPooledBuffer {
		return
	}
	buf.Reset()
	bufferPool.Put(buf)
}
