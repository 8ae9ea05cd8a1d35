// Package segmenter reassembles an unbounded, arbitrarily chunked MPEG-TS
// byte stream into packet-aligned segments that each end right before a
// packet starting a new elementary-stream unit.
//
// The packet size is not trusted: it starts at 188 bytes, may drift by a
// couple of bytes, and is re-detected from scratch when sync is lost. All
// boundary arithmetic is done with tail offsets (bytequeue.TailOffset),
// counted backward from the newest buffered byte.
package segmenter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsiec/fragmenter/internal/bytequeue"
)

// Packet size model.
const (
	MinPacketSize     = 186
	MaxPacketSize     = 220
	DefaultPacketSize = 188
	MaxByteCountError = 2
	SyncByte          = 0x47
)

var (
	// ErrRequestPending is returned by GetSegment when a previous request has
	// not been satisfied yet.
	ErrRequestPending = errors.New("segmenter: already waiting for segment")

	// ErrResyncState is returned when a packet position accepted by
	// resynchronization fails verification right afterwards.
	ErrResyncState = errors.New("segmenter: unexpected state after resynchronize")
)

// Segment is one packet-aligned run of TS bytes.
type Segment struct {
	Data []byte
	// PacketSize is the packet size in force when the segment was cut.
	PacketSize int
}

// Option configures a Segmenter.
type Option func(*Segmenter)

// WithLogger sets the logger. A nil logger selects slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Segmenter) {
		if log != nil {
			s.log = log
		}
	}
}

// WithPacketSize sets the initially assumed packet size.
func WithPacketSize(size int) Option {
	return func(s *Segmenter) {
		if size >= MinPacketSize && size <= MaxPacketSize {
			s.packetSize = size
		}
	}
}

// Segmenter finds segment boundaries in pushed data and hands each segment to
// the single outstanding request. PushData and GetSegment may be called from
// different goroutines.
type Segmenter struct {
	log *slog.Logger

	mu         sync.Mutex
	queue      bytequeue.Queue
	packetSize int
	checked    bytequeue.TailOffset
	pending    chan Segment
	resyncs    int
}

// New creates a Segmenter.
func New(opts ...Option) *Segmenter {
	s := &Segmenter{
		log:        slog.Default(),
		packetSize: DefaultPacketSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "segmenter")
	return s
}

// GetSegment registers a request for the next segment. The returned channel
// receives exactly one segment once enough data has been pushed. Only one
// request may be outstanding at a time.
func (s *Segmenter) GetSegment() (<-chan Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil {
		return nil, ErrRequestPending
	}
	ch := make(chan Segment, 1)
	s.pending = ch
	if err := s.tryDequeue(); err != nil {
		s.pending = nil
		return nil, err
	}
	return ch, nil
}

// PushData appends chunk to the stream and, when a request is outstanding,
// tries to satisfy it. The segmenter keeps a reference to chunk.
func (s *Segmenter) PushData(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue.Push(chunk)
	s.checked = s.checked.Older(len(chunk))
	if s.pending == nil {
		return nil
	}
	return s.tryDequeue()
}

// Next requests a segment and waits for it or for ctx to end. A request
// abandoned through ctx is withdrawn, so Next may be called again.
func (s *Segmenter) Next(ctx context.Context) (Segment, error) {
	ch, err := s.GetSegment()
	if err != nil {
		return Segment{}, err
	}
	select {
	case seg := <-ch:
		return seg, nil
	case <-ctx.Done():
	}

	s.withdraw(ch)
	select {
	case seg := <-ch:
		return seg, nil
	default:
		return Segment{}, ctx.Err()
	}
}

// Cancel withdraws the outstanding request, if any, without delivering.
func (s *Segmenter) Cancel() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}

func (s *Segmenter) withdraw(ch chan Segment) {
	s.mu.Lock()
	if s.pending == ch {
		s.pending = nil
	}
	s.mu.Unlock()
}

// Drain removes and returns every buffered byte, aligned or not. It is used
// at end of input, when no further unit start will arrive.
func (s *Segmenter) Drain() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue.Len() == 0 {
		return nil
	}
	chunks, err := s.queue.ConsumeThrough(0)
	if err != nil {
		return nil
	}
	s.checked = 0
	return join(chunks)
}

// PacketSize returns the currently assumed packet size.
func (s *Segmenter) PacketSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packetSize
}

// Buffered returns the number of bytes waiting for a boundary.
func (s *Segmenter) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Resyncs returns how many times sync had to be re-established.
func (s *Segmenter) Resyncs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resyncs
}

func (s *Segmenter) tryDequeue() error {
	beforeLast, ok, err := s.lastFullPacket()
	if err != nil || !ok {
		return err
	}

	cut, found, err := s.lastUnitStart(beforeLast)
	s.checked = beforeLast
	if err != nil {
		return err
	}
	if !found || s.queue.Abs(cut) == 0 {
		return nil
	}

	chunks, err := s.queue.ConsumeThrough(cut.Older(1))
	if err != nil {
		return fmt.Errorf("segmenter: dequeue: %w", err)
	}

	seg := Segment{Data: join(chunks), PacketSize: s.packetSize}
	ch := s.pending
	s.pending = nil
	ch <- seg
	return nil
}

// lastFullPacket returns the offset of the packet before the newest one.
// The newest packet may still be incomplete; the one before it never is.
func (s *Segmenter) lastFullPacket() (bytequeue.TailOffset, bool, error) {
	if s.queue.Len() < s.packetSize {
		return 0, false, nil
	}

	last := bytequeue.TailOffset((s.queue.Len() - 1) % s.packetSize)
	if prev, ok := s.previousPacket(last); ok {
		return prev, true, nil
	}

	last, ok := s.resynchronize()
	if !ok {
		return 0, false, nil
	}
	prev, ok := s.previousPacket(last)
	if !ok {
		return 0, false, ErrResyncState
	}
	return prev, true, nil
}

// lastUnitStart walks from the packet at off toward older packets, stopping
// at the first one already examined by an earlier attempt.
func (s *Segmenter) lastUnitStart(off bytequeue.TailOffset) (bytequeue.TailOffset, bool, error) {
	for off > 0 && off < s.checked {
		ok, err := s.isUnitStart(off)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return off, true, nil
		}
		prev, found := s.previousPacket(off)
		if !found {
			break
		}
		off = prev
	}
	return 0, false, nil
}

// isUnitStart reports whether the packet whose sync byte is at off has
// payload_unit_start_indicator set and a payload beginning with 00 00 01.
func (s *Segmenter) isUnitStart(off bytequeue.TailOffset) (bool, error) {
	if off < 4 {
		return false, nil
	}
	header, err := s.queue.PeekBigEndian(off.Newer(1), 3)
	if err != nil {
		return false, fmt.Errorf("segmenter: read header: %w", err)
	}
	if header&0x400000 == 0 || header&0x10 == 0 {
		return false, nil
	}

	payload := off.Newer(4)
	if header&0x20 != 0 {
		afLen, err := s.queue.PeekByte(payload)
		if err != nil {
			return false, fmt.Errorf("segmenter: read adaptation field: %w", err)
		}
		if afLen > 183 {
			return false, nil
		}
		payload = payload.Newer(1 + int(afLen))
	}
	if payload < 2 {
		return false, nil
	}

	prefix, err := s.queue.PeekBigEndian(payload, 3)
	if err != nil {
		return false, fmt.Errorf("segmenter: read payload: %w", err)
	}
	return prefix == 0x000001, nil
}

func (s *Segmenter) previousPacket(start bytequeue.TailOffset) (bytequeue.TailOffset, bool) {
	return s.previousPacketWithin(start, s.packetSize-MaxByteCountError, s.packetSize+MaxByteCountError)
}

// previousPacketWithin verifies a sync byte at start and locates the start
// of the packet before it. The current packet size is tried first; failing
// that, any size in [minSize, maxSize) with a sync byte is adopted.
func (s *Segmenter) previousPacketWithin(start bytequeue.TailOffset, minSize, maxSize int) (bytequeue.TailOffset, bool) {
	if !s.isSync(start) {
		return 0, false
	}

	if prev := start.Older(s.packetSize); int(prev) < s.queue.Len() && s.isSync(prev) {
		return prev, true
	}

	limit := min(maxSize, s.queue.Len()-int(start))
	for size := minSize; size < limit; size++ {
		prev := start.Older(size)
		if s.isSync(prev) {
			if size != s.packetSize {
				s.log.Debug("packet size changed", "from", s.packetSize, "to", size)
			}
			s.packetSize = size
			return prev, true
		}
	}
	return 0, false
}

// resynchronize looks for the newest position holding two sync bytes one
// plausible packet size apart.
func (s *Segmenter) resynchronize() (bytequeue.TailOffset, bool) {
	if s.queue.Len() < MaxPacketSize {
		return 0, false
	}
	for off := bytequeue.TailOffset(0); off < MaxPacketSize; off++ {
		if _, ok := s.previousPacketWithin(off, MinPacketSize, MaxPacketSize); ok {
			s.resyncs++
			s.log.Debug("resynchronized", "tail_offset", int(off), "packet_size", s.packetSize)
			return off, true
		}
	}
	return 0, false
}

func (s *Segmenter) isSync(off bytequeue.TailOffset) bool {
	b, err := s.queue.PeekByte(off)
	return err == nil && b == SyncByte
}

func join(chunks [][]byte) []byte {
	if len(chunks) == 1 {
		return chunks[0]
	}
	return bytes.Join(chunks, nil)
}
