// Package pipeline converts one live input into fragmented MP4. Bytes read
// from the input are pushed into a segmenter; every packet-aligned segment
// is run through the fragment builder and the resulting init and media
// segments are handed to a Sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/fragmenter/internal/fragment"
	"github.com/zsiec/fragmenter/internal/metrics"
	"github.com/zsiec/fragmenter/internal/mpegts"
	"github.com/zsiec/fragmenter/internal/segmenter"
)

// DefaultReadSize is the size of each input read.
const DefaultReadSize = 1316 * 10

// Sink receives the output of a pipeline. Calls are made from the
// pipeline goroutine in sequence order.
type Sink interface {
	// PublishInit is called once, before the first media segment.
	PublishInit(out *fragment.Output)
	PublishMedia(out *fragment.Output)
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	BytesIn      int64        `json:"bytesIn"`
	Segments     int64        `json:"segments"`
	Fragments    int64        `json:"fragments"`
	Resyncs      int          `json:"resyncs"`
	Rejected     int64        `json:"rejectedSegments"`
	LastSequence uint32       `json:"lastSequence"`
	Codec        string       `json:"codec,omitempty"`
	Width        int          `json:"width,omitempty"`
	Height       int          `json:"height,omitempty"`
	Pending      int          `json:"pendingSamples"`
	Demux        mpegts.Stats `json:"demux"`
	UptimeMs     int64        `json:"uptimeMs"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. A nil logger selects slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}

// WithMetrics records segment and fragment counters on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithState converts into an existing session state.
func WithState(st *fragment.StreamState) Option {
	return func(p *Pipeline) {
		if st != nil {
			p.state = st
		}
	}
}

// WithBuilder sets the fragment builder.
func WithBuilder(b *fragment.Builder) Option {
	return func(p *Pipeline) {
		if b != nil {
			p.builder = b
		}
	}
}

// WithPacketSize sets the initially assumed TS packet size.
func WithPacketSize(size int) Option {
	return func(p *Pipeline) { p.packetSize = size }
}

// WithReadSize sets the size of each input read.
func WithReadSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.readSize = n
		}
	}
}

// Pipeline bridges one input and one Sink. The segmenter and the session
// state are owned by the Run goroutine.
type Pipeline struct {
	log        *slog.Logger
	key        string
	input      io.Reader
	sink       Sink
	metrics    *metrics.Metrics
	state      *fragment.StreamState
	builder    *fragment.Builder
	seg        *segmenter.Segmenter
	packetSize int
	readSize   int
	startTime  time.Time

	mu      sync.Mutex
	stats   Stats
	resyncs int
}

// New creates a Pipeline converting input for the stream key.
func New(key string, input io.Reader, sink Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		log:        slog.Default(),
		key:        key,
		input:      input,
		sink:       sink,
		packetSize: segmenter.DefaultPacketSize,
		readSize:   DefaultReadSize,
		startTime:  time.Now(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("stream", key)
	if p.state == nil {
		p.state = fragment.NewStreamState()
	}
	if p.builder == nil {
		p.builder = fragment.NewBuilder(fragment.WithLogger(p.log))
	}
	p.seg = segmenter.New(segmenter.WithLogger(p.log), segmenter.WithPacketSize(p.packetSize))
	return p
}

// Key returns the stream key.
func (p *Pipeline) Key() string { return p.key }

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.UptimeMs = time.Since(p.startTime).Milliseconds()
	return s
}

// Run converts until the input ends or ctx is cancelled. The end of the
// input, including a read error, ends the stream without error; segmenter
// failures are returned. A segment the builder rejects is logged and
// dropped.
func (p *Pipeline) Run(ctx context.Context) error {
	p.metrics.StreamStarted()
	defer p.metrics.StreamEnded()

	segCtx, endOfInput := context.WithCancel(ctx)
	defer endOfInput()

	readErr := make(chan error, 1)
	go func() {
		readErr <- p.read()
		endOfInput()
	}()

	for {
		seg, err := p.seg.Next(segCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if segCtx.Err() != nil && errors.Is(err, context.Canceled) {
				break
			}
			return fmt.Errorf("pipeline %s: %w", p.key, err)
		}
		p.handle(seg)
	}

	if err := <-readErr; err != nil {
		return err
	}
	if rest := p.seg.Drain(); len(rest) > 0 {
		p.log.Debug("discarding unterminated tail", "bytes", len(rest))
	}
	p.log.Info("input ended", "fragments", p.Stats().Fragments)
	return nil
}

// read feeds the segmenter until the input ends.
func (p *Pipeline) read() error {
	for {
		buf := make([]byte, p.readSize)
		n, err := p.input.Read(buf)
		if n > 0 {
			p.mu.Lock()
			p.stats.BytesIn += int64(n)
			p.mu.Unlock()
			if perr := p.seg.PushData(buf[:n]); perr != nil {
				return fmt.Errorf("pipeline %s: %w", p.key, perr)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				p.log.Warn("read error", "error", err)
			}
			return nil
		}
	}
}

func (p *Pipeline) handle(seg segmenter.Segment) {
	p.metrics.Segment()
	if n := p.seg.Resyncs(); n > p.resyncs {
		p.metrics.Resyncs(n - p.resyncs)
		p.resyncs = n
	}

	out, err := p.builder.Live(p.state, seg.Data, seg.PacketSize)
	if err != nil {
		p.log.Warn("dropping segment", "bytes", len(seg.Data), "error", err)
		p.mu.Lock()
		p.stats.Rejected++
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.stats.Segments++
	p.stats.Resyncs = p.resyncs
	p.stats.Pending = p.state.Pending()
	p.stats.Demux = p.state.DemuxStats()
	if out != nil {
		p.stats.Fragments++
		p.stats.LastSequence = out.Sequence
		p.stats.Codec = out.Codec
		p.stats.Width, p.stats.Height = out.Width, out.Height
	}
	p.mu.Unlock()

	if out == nil {
		return
	}
	p.metrics.Fragment(len(out.Media))
	if out.Init != nil {
		p.log.Info("init segment", "codec", out.Codec, "width", out.Width, "height", out.Height)
		p.sink.PublishInit(out)
	}
	p.sink.PublishMedia(out)
}
