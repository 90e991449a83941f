package pipeline

import "sync"

// bufferPool hands out pooled CHUNK_BYTES buffers for block records,
// avoiding a hot-path allocation per chunk read. Carried over from
// ehrlich-b-go-ublk/internal/queue/pool.go's pointer-to-slice sync.Pool
// technique, collapsed to a single bucket since every block record is
// exactly constants.ChunkBytes, unlike ublk's variable per-tag I/O sizes.
var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, chunkBytes)
		return &b
	},
}

// getBuffer returns a pooled, full-length buffer.
func getBuffer() []byte {
	return *(bufferPool.Get().(*[]byte))
}

// putBuffer returns a buffer to the pool.
func putBuffer(buf []byte) {
	if cap(buf) != chunkBytes {
		return
	}
	buf = buf[:chunkBytes]
	bufferPool.Put(&buf)
}
