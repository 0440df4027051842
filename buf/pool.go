// Package buf provides pooled byte buffers for the bridge and cipher
// hot paths.
package buf

import "sync"

// Default sizes used across the package for the two recurring buffer
// shapes: bridge copy chunks and the initial-data peek.
const (
	// BridgeChunkSize is the size of buffers used to copy bytes between
	// the two sides of a bridge session.
	BridgeChunkSize = 8 * 1024

	// InitialDataCap is the maximum size of an initial-data peek.
	InitialDataCap = 4 * 1024
)

var bridgePool = sync.Pool{
	New: func() any {
		b := make([]byte, BridgeChunkSize)
		return &b
	},
}

// GetBridgeBuffer returns a buffer of length [BridgeChunkSize] from the
// shared pool.
func GetBridgeBuffer() *[]byte {
	return bridgePool.Get().(*[]byte)
}

// PutBridgeBuffer returns b to the shared pool.
func PutBridgeBuffer(b *[]byte) {
	bridgePool.Put(b)
}

// Framed is a reusable scratch buffer with compact/advance semantics:
// data accumulates at the tail via Avail/Advance, and is consumed from
// the head via Bytes/Discard. Compact moves any unread remainder back
// to offset zero instead of growing the underlying array.
type Framed struct {
	buf  []byte
	r, w int
}

// NewFramed returns a Framed buffer with the given initial capacity.
func NewFramed(capacity int) *Framed {
	return &Framed{buf: make([]byte, capacity)}
}

// Bytes returns the unread portion of the buffer.
func (f *Framed) Bytes() []byte {
	return f.buf[f.r:f.w]
}

// Len returns the number of unread bytes.
func (f *Framed) Len() int {
	return f.w - f.r
}

// Discard advances the read cursor by n bytes.
func (f *Framed) Discard(n int) {
	f.r += n
	if f.r == f.w {
		f.r, f.w = 0, 0
	}
}

// Avail returns a slice of at least min bytes to write into at the
// tail, growing or compacting the underlying array as needed.
func (f *Framed) Avail(min int) []byte {
	f.compact()
	if len(f.buf)-f.w < min {
		grown := make([]byte, f.w+min)
		copy(grown, f.buf[:f.w])
		f.buf = grown
	}
	return f.buf[f.w:]
}

// Advance marks n bytes written by a previous Avail call as readable.
func (f *Framed) Advance(n int) {
	f.w += n
}

// Reset discards all buffered data.
func (f *Framed) Reset() {
	f.r, f.w = 0, 0
}

func (f *Framed) compact() {
	if f.r == 0 {
		return
	}
	n := copy(f.buf, f.buf[f.r:f.w])
	f.r, f.w = 0, n
}
