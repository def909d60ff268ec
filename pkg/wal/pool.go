package wal

import "sync"

// lineBufferPool reuses the byte slices flushLocked builds to batch a
// buffer's worth of entries into a single write(2) call, the same
// allocation-avoidance idiom as the teacher repo's pool.go.
var lineBufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, 8192)
		return &buf
	},
}

func acquireLineBuffer() *[]byte {
	return lineBufferPool.Get().(*[]byte)
}

func releaseLineBuffer(buf *[]byte) {
	*buf = (*buf)[:0]
	lineBufferPool.Put(buf)
}
