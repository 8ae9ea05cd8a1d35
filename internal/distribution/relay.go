package distribution

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/fragmenter/internal/fragment"
)

// DefaultWindow is the number of media segments a relay keeps.
const DefaultWindow = 10

// subscriberBuffer is the number of sequence notifications a subscriber
// may lag behind before notifications are dropped.
const subscriberBuffer = 16

// TrackInfo describes the video track of a stream.
type TrackInfo struct {
	Codec  string `json:"codec"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Segment is one media segment held by a relay.
type Segment struct {
	Sequence uint32
	Data     []byte
	// Duration in 90 kHz ticks.
	Duration uint64
}

// Subscription delivers the sequence number of every new media segment.
type Subscription struct {
	C       <-chan uint32
	ch      chan uint32
	dropped atomic.Int64
}

// Dropped returns the number of notifications lost because the
// subscriber did not keep up.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Relay holds the output of one stream: its init segment and a bounded
// window of recent media segments. It implements pipeline.Sink.
type Relay struct {
	log    *slog.Logger
	window int

	mu        sync.RWMutex
	initSeg   []byte
	info      TrackInfo
	initReady chan struct{}
	segments  []Segment
	subs      map[*Subscription]struct{}
	closed    bool
}

// NewRelay creates a Relay keeping the last window media segments. A
// non-positive window selects DefaultWindow.
func NewRelay(window int) *Relay {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Relay{
		log:       slog.With("component", "relay"),
		window:    window,
		initReady: make(chan struct{}),
		subs:      make(map[*Subscription]struct{}),
	}
}

// PublishInit stores the init segment and track description. Only the
// first call has an effect.
func (r *Relay) PublishInit(out *fragment.Output) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initSeg != nil {
		return
	}
	r.initSeg = out.Init
	r.info = TrackInfo{Codec: out.Codec, Width: out.Width, Height: out.Height}
	close(r.initReady)
	r.log.Debug("init segment set", "codec", out.Codec, "bytes", len(out.Init))
}

// PublishMedia appends a media segment, evicting the oldest one beyond the
// window, and notifies subscribers.
func (r *Relay) PublishMedia(out *fragment.Output) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	r.segments = append(r.segments, Segment{
		Sequence: out.Sequence,
		Data:     out.Media,
		Duration: out.Duration,
	})
	if n := len(r.segments) - r.window; n > 0 {
		r.segments = append(r.segments[:0:0], r.segments[n:]...)
	}

	for sub := range r.subs {
		select {
		case sub.ch <- out.Sequence:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Init returns the init segment once it has been published.
func (r *Relay) Init() ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initSeg, r.initSeg != nil
}

// Info returns the video track description.
func (r *Relay) Info() TrackInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info
}

// WaitInit blocks until the init segment is available or ctx ends.
func (r *Relay) WaitInit(ctx context.Context) bool {
	select {
	case <-r.initReady:
		return true
	case <-ctx.Done():
		return false
	}
}

// Segment returns the media segment with sequence number seq if it is
// still in the window.
func (r *Relay) Segment(seq uint32) (Segment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.segments {
		if s.Sequence == seq {
			return s, true
		}
	}
	return Segment{}, false
}

// Latest returns the newest media segment.
func (r *Relay) Latest() (Segment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.segments) == 0 {
		return Segment{}, false
	}
	return r.segments[len(r.segments)-1], true
}

// Sequences returns the sequence numbers currently in the window, oldest
// first.
func (r *Relay) Sequences() []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seqs := make([]uint32, len(r.segments))
	for i, s := range r.segments {
		seqs[i] = s.Sequence
	}
	return seqs
}

// Subscribe registers for new segment notifications. The channel is closed
// by Unsubscribe or when the relay closes.
func (r *Relay) Subscribe() *Subscription {
	ch := make(chan uint32, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		close(ch)
		return sub
	}
	r.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (r *Relay) Unsubscribe(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub]; ok {
		delete(r.subs, sub)
		close(sub.ch)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (r *Relay) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Close ends all subscriptions. Later segments are ignored.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for sub := range r.subs {
		close(sub.ch)
	}
	clear(r.subs)
}
