// Package bytequeue buffers an ordered run of immutable byte chunks as they
// arrive from the network and lets callers address them backward from the
// newest byte. Chunks are never copied on push; consuming a prefix slices the
// boundary chunk in place.
package bytequeue

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrOffsetOutOfRange is returned when an offset points outside the
	// buffered bytes. Callers that respect Len never see it.
	ErrOffsetOutOfRange = errors.New("bytequeue: offset out of range")

	// ErrInconsistentCopy signals that the chunk bookkeeping disagrees with
	// the running length.
	ErrInconsistentCopy = errors.New("bytequeue: inconsistent data copy")
)

// TailOffset addresses a byte counted backward from the newest buffered
// byte: offset 0 is the last byte pushed, offset Len()-1 the oldest.
type TailOffset int

// Older returns the offset n bytes further back in the stream.
func (o TailOffset) Older(n int) TailOffset { return o + TailOffset(n) }

// Newer returns the offset n bytes closer to the tail.
func (o TailOffset) Newer(n int) TailOffset { return o - TailOffset(n) }

// Queue is an append-only sequence of chunks with a running length.
// It is not safe for concurrent use.
type Queue struct {
	chunks net.Buffers
	length int
}

// Push appends chunk to the queue. The queue keeps a reference to chunk, so
// the caller must not modify it afterwards. Empty chunks are ignored.
func (q *Queue) Push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	q.chunks = append(q.chunks, chunk)
	q.length += len(chunk)
}

// Len returns the number of buffered bytes.
func (q *Queue) Len() int { return q.length }

// Chunks returns the number of buffered chunks.
func (q *Queue) Chunks() int { return len(q.chunks) }

// Contains reports whether off addresses a buffered byte.
func (q *Queue) Contains(off TailOffset) bool {
	return off >= 0 && int(off) < q.length
}

// Abs converts a tail offset to a forward index from the oldest buffered byte.
func (q *Queue) Abs(off TailOffset) int { return q.length - 1 - int(off) }

// Tail converts a forward index to a tail offset.
func (q *Queue) Tail(abs int) TailOffset { return TailOffset(q.length - 1 - abs) }

func (q *Queue) locate(off TailOffset) (chunk, pos int, err error) {
	if !q.Contains(off) {
		return 0, 0, fmt.Errorf("%w: tail offset %d, %d bytes buffered", ErrOffsetOutOfRange, off, q.length)
	}
	rem := int(off)
	for i := len(q.chunks) - 1; i >= 0; i-- {
		n := len(q.chunks[i])
		if rem < n {
			return i, n - 1 - rem, nil
		}
		rem -= n
	}
	return 0, 0, ErrInconsistentCopy
}

// PeekByte returns the byte at off without consuming it.
func (q *Queue) PeekByte(off TailOffset) (byte, error) {
	i, j, err := q.locate(off)
	if err != nil {
		return 0, err
	}
	return q.chunks[i][j], nil
}

// PeekBigEndian reads n bytes (1 to 4) starting at off and moving toward the
// tail, and returns them as a big-endian integer.
func (q *Queue) PeekBigEndian(off TailOffset, n int) (uint32, error) {
	if n < 1 || n > 4 {
		return 0, fmt.Errorf("bytequeue: invalid read width %d", n)
	}
	i, j, err := q.locate(off)
	if err != nil {
		return 0, err
	}
	var v uint32
	for k := 0; k < n; k++ {
		for j == len(q.chunks[i]) {
			i++
			if i == len(q.chunks) {
				return 0, fmt.Errorf("%w: %d-byte read at tail offset %d runs past the tail", ErrOffsetOutOfRange, n, off)
			}
			j = 0
		}
		v = v<<8 | uint32(q.chunks[i][j])
		j++
	}
	return v, nil
}

// ConsumeThrough removes every byte from the oldest one up to and including
// the byte at off, and returns them as the original chunks. The chunk that
// holds off is split in place when the cut falls inside it.
func (q *Queue) ConsumeThrough(off TailOffset) (net.Buffers, error) {
	if !q.Contains(off) {
		return nil, fmt.Errorf("%w: tail offset %d, %d bytes buffered", ErrOffsetOutOfRange, off, q.length)
	}
	total := q.Abs(off) + 1
	n := total

	var out net.Buffers
	for len(q.chunks) > 0 && n >= len(q.chunks[0]) {
		n -= len(q.chunks[0])
		out = append(out, q.chunks[0])
		q.chunks[0] = nil
		q.chunks = q.chunks[1:]
	}
	if n > 0 {
		if len(q.chunks) == 0 || n > len(q.chunks[0]) {
			return nil, ErrInconsistentCopy
		}
		head := q.chunks[0]
		out = append(out, head[:n:n])
		q.chunks[0] = head[n:]
	}

	q.length -= total
	return out, nil
}

// Reset drops all buffered chunks.
func (q *Queue) Reset() {
	q.chunks = nil
	q.length = 0
}
