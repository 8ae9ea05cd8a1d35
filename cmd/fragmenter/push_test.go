package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/fragmenter/internal/ingest"
	"github.com/zsiec/fragmenter/internal/ingest/ws"
	"github.com/zsiec/fragmenter/internal/tsgen"
)

func TestMeasureDuration(t *testing.T) {
	t.Parallel()
	data, err := tsgen.Stream(12, tsgen.Options{})
	require.NoError(t, err)
	log := slog.New(slog.DiscardHandler)
	assert.Equal(t, 400*time.Millisecond, measureDuration(data, log))
	assert.Zero(t, measureDuration(nil, log))
}

func TestPushOverWebSocket(t *testing.T) {
	t.Parallel()
	data, err := tsgen.Stream(12, tsgen.Options{})
	require.NoError(t, err)

	received := make(chan []byte, 1)
	reg := ingest.NewRegistry(func(key string, input io.Reader, protocol ingest.Protocol) {
		b, _ := io.ReadAll(input)
		received <- b
	})
	srv := httptest.NewServer(ws.NewServer("", reg, nil, slog.New(slog.DiscardHandler)).Handler())
	defer srv.Close()

	ctx := context.Background()
	pub, err := dialPublisher(ctx, "ws", strings.TrimPrefix(srv.URL, "http://"), "cam1")
	require.NoError(t, err)

	sent, err := pace(ctx, pub, data, 1e12, false, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), sent)
	require.NoError(t, pub.Close())

	select {
	case got := <-received:
		assert.True(t, bytes.Equal(data, got), "received %d bytes, sent %d", len(got), len(data))
	case <-time.After(5 * time.Second):
		t.Fatal("stream not received")
	}
}

func TestPaceStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sent, err := pace(ctx, &countingPublisher{}, make([]byte, 4*pushChunk), 1, true, slog.New(slog.DiscardHandler))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, sent)
}

func TestDialUnknownProtocol(t *testing.T) {
	t.Parallel()
	_, err := dialPublisher(context.Background(), "rtmp", "localhost:1935", "k")
	assert.ErrorIs(t, err, errUsage)
}

type countingPublisher struct{ n int }

func (p *countingPublisher) Write(b []byte) error {
	p.n += len(b)
	return nil
}

func (p *countingPublisher) Close() error { return nil }
