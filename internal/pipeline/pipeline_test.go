package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/fragmenter/internal/fragment"
	"github.com/zsiec/fragmenter/internal/metrics"
	"github.com/zsiec/fragmenter/internal/tsgen"
)

type recordingSink struct {
	mu    sync.Mutex
	inits int
	media []*fragment.Output
}

func (s *recordingSink) PublishInit(out *fragment.Output) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inits++
}

func (s *recordingSink) PublishMedia(out *fragment.Output) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media = append(s.media, out)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(input io.Reader, sink Sink, opts ...Option) *Pipeline {
	log := quietLogger()
	opts = append([]Option{
		WithLogger(log),
		WithBuilder(fragment.NewBuilder(fragment.WithLogger(log), fragment.WithMinFragmentSamples(5))),
	}, opts...)
	return New("test-stream", input, sink, opts...)
}

func TestNew(t *testing.T) {
	t.Parallel()

	p := New("test-stream", strings.NewReader(""), &recordingSink{})
	require.NotNil(t, p)
	assert.Equal(t, "test-stream", p.Key())
	assert.Zero(t, p.Stats().Fragments)
}

func TestRunWithEOFReader(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	p := newTestPipeline(strings.NewReader(""), sink)
	require.NoError(t, p.Run(context.Background()))
	assert.Zero(t, sink.inits)
	assert.Empty(t, sink.media)
}

func TestRunProducesFragments(t *testing.T) {
	t.Parallel()

	data, err := tsgen.Stream(40, tsgen.Options{})
	require.NoError(t, err)

	sink := &recordingSink{}
	p := newTestPipeline(bytes.NewReader(data), sink, WithReadSize(100), WithMetrics(metrics.New()))
	require.NoError(t, p.Run(context.Background()))

	require.NotEmpty(t, sink.media)
	assert.Equal(t, 1, sink.inits)
	assert.NotNil(t, sink.media[0].Init)
	for i, out := range sink.media {
		assert.Equal(t, uint32(i+1), out.Sequence, "fragment %d", i)
		if i > 0 {
			assert.Nil(t, out.Init, "fragment %d", i)
		}
	}

	stats := p.Stats()
	assert.Equal(t, int64(len(data)), stats.BytesIn)
	assert.Equal(t, int64(len(sink.media)), stats.Fragments)
	assert.Equal(t, uint32(len(sink.media)), stats.LastSequence)
	assert.Equal(t, "avc1.4D401F", stats.Codec)
	assert.Equal(t, 256, stats.Width)
	assert.Equal(t, 192, stats.Height)
	assert.NotZero(t, stats.Segments)
	assert.NotZero(t, stats.Demux.Packets)
}

func TestRunDropsRejectedSegment(t *testing.T) {
	t.Parallel()

	w := tsgen.NewWriter(tsgen.Options{})
	for i := range 40 {
		if i == 15 {
			// PTS and DTS signaled, but the header ends inside the PTS.
			w.WritePES(tsgen.VideoPID, []byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x00, 0x80, 0xC0, 0x0A, 0x31, 0x00, 0x01})
		}
		require.NoError(t, w.Frame(i))
	}

	sink := &recordingSink{}
	p := newTestPipeline(bytes.NewReader(w.Take()), sink, WithReadSize(tsgen.PacketSize*4))
	require.NoError(t, p.Run(context.Background()))

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Rejected)
	require.NotEmpty(t, sink.media)
	last := sink.media[len(sink.media)-1]
	assert.Equal(t, uint32(len(sink.media)), last.Sequence)
	assert.Greater(t, last.BaseDecodeTime, uint64(15*tsgen.FrameTicks))
}

func TestRunReadErrorEndsStream(t *testing.T) {
	t.Parallel()

	data, err := tsgen.Stream(3, tsgen.Options{})
	require.NoError(t, err)
	input := io.MultiReader(bytes.NewReader(data), iotest.ErrReader(errors.New("connection reset")))

	p := newTestPipeline(input, &recordingSink{})
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, int64(len(data)), p.Stats().BytesIn)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	defer pw.Close()
	p := newTestPipeline(pr, &recordingSink{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	_, err := pw.Write(tsgen.ProgramTables())
	require.NoError(t, err)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunUsesProvidedState(t *testing.T) {
	t.Parallel()

	data, err := tsgen.Stream(20, tsgen.Options{})
	require.NoError(t, err)

	st := fragment.NewStreamState()
	sink := &recordingSink{}
	p := newTestPipeline(bytes.NewReader(data), sink, WithState(st))
	require.NoError(t, p.Run(context.Background()))

	require.NotEmpty(t, sink.media)
	assert.Equal(t, sink.media[len(sink.media)-1].Sequence, st.Sequence())
}
