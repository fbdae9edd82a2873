// Package sendbuf implements the per-session outbound byte buffer described
// in spec §4.2: a chunk-list of blocks drawn from a pool allocator, with a
// hard cap, water-level back-pressure signal and drop-on-overflow semantics.
package sendbuf

import (
	"sync"

	"github.com/pkg/errors"
)

// DefaultCap is the default send buffer cap per session (32 MiB, spec §5).
const DefaultCap = 32 << 20

// chunkSize is the unit size drawn from the shared pool. Keeping chunks
// fixed-size lets many sessions share one sync.Pool cheaply.
const chunkSize = 16 << 10

// ErrOverflow is returned by Append when appending would exceed Cap.
var ErrOverflow = errors.New("sendbuf: append would exceed cap")

// pool is the process-wide chunk pool. A single pool backs every Buffer in
// the process, mirroring spec §4.2's "pool allocator" and spec §9's note
// that the block allocator is a process-wide singleton.
var pool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, chunkSize)
		return &b
	},
}

type chunk struct {
	buf  *[]byte
	off  int // read offset: bytes [0,off) already consumed
	fill int // write offset: bytes [off,fill) are valid unsent data
}

// Buffer is a chunk-based FIFO of bytes pending write.
//
// Buffer is not safe for concurrent use; the event-server's cooperative,
// single-threaded model (spec §5) means a session's Buffer is only ever
// touched from its owning goroutine.
type Buffer struct {
	Cap     int
	chunks  []*chunk
	size    int // total unsent bytes across all chunks
}

// New returns a Buffer with the given cap. A cap <= 0 uses DefaultCap.
func New(cap int) *Buffer {
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Buffer{Cap: cap}
}

// Size reports the number of unsent bytes currently buffered.
func (b *Buffer) Size() int { return b.size }

// Append adds p to the tail of the buffer. It fails rather than blocking
// when doing so would exceed Cap, per spec §3's invariant that send never
// blocks and the buffer size never exceeds its cap.
func (b *Buffer) Append(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if b.size+len(p) > b.Cap {
		return ErrOverflow
	}
	for len(p) > 0 {
		var c *chunk
		if n := len(b.chunks); n > 0 {
			last := b.chunks[n-1]
			if last.fill < chunkSize {
				c = last
			}
		}
		if c == nil {
			buf := pool.Get().(*[]byte)
			c = &chunk{buf: buf}
			b.chunks = append(b.chunks, c)
		}
		n := copy((*c.buf)[c.fill:], p)
		c.fill += n
		p = p[n:]
		b.size += n
	}
	return nil
}

// PeekContiguous returns the next contiguous region ready to write, without
// consuming it. The caller must call Consume with however many bytes it
// actually wrote.
func (b *Buffer) PeekContiguous() []byte {
	if len(b.chunks) == 0 {
		return nil
	}
	c := b.chunks[0]
	return (*c.buf)[c.off:c.fill]
}

// Consume frees the first n bytes, returning them to the pool once a chunk
// is fully drained.
func (b *Buffer) Consume(n int) {
	for n > 0 && len(b.chunks) > 0 {
		c := b.chunks[0]
		avail := c.fill - c.off
		if avail > n {
			c.off += n
			b.size -= n
			n = 0
			break
		}
		c.off += avail
		n -= avail
		b.size -= avail
		b.chunks = b.chunks[1:]
		pool.Put(c.buf)
	}
}

// WaterLevel returns a 0..10000 integer equal to 10000*size/cap, used by the
// application to back off producers (spec §4.2).
func (b *Buffer) WaterLevel() int {
	if b.Cap == 0 {
		return 0
	}
	wl := (10000 * b.size) / b.Cap
	if wl > 10000 {
		wl = 10000
	}
	return wl
}

// Reset releases all chunks back to the pool, leaving the buffer empty.
func (b *Buffer) Reset() {
	for _, c := range b.chunks {
		pool.Put(c.buf)
	}
	b.chunks = nil
	b.size = 0
}
