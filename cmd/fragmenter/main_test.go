package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	mp4ff "github.com/Eyevinn/mp4ff/mp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/fragmenter/internal/config"
	"github.com/zsiec/fragmenter/internal/distribution"
	"github.com/zsiec/fragmenter/internal/ingest"
	"github.com/zsiec/fragmenter/internal/tsgen"
)

func writeStream(t *testing.T, frames int) string {
	t.Helper()
	data, err := tsgen.Stream(frames, tsgen.Options{})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "in.ts")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func topLevelTypes(t *testing.T, data []byte) []string {
	t.Helper()
	var types []string
	r := bytes.NewReader(data)
	for pos := uint64(0); pos < uint64(len(data)); {
		box, err := mp4ff.DecodeBox(pos, r)
		require.NoError(t, err)
		types = append(types, box.Type())
		pos += box.Size()
	}
	return types
}

func TestRunUsage(t *testing.T) {
	t.Parallel()
	var out, errOut bytes.Buffer
	assert.ErrorIs(t, run(context.Background(), nil, &out, &errOut), errUsage)
	assert.ErrorIs(t, run(context.Background(), []string{"nope"}, &out, &errOut), errUsage)
	assert.ErrorIs(t, run(context.Background(), []string{"convert", "only-one"}, &out, &errOut), errUsage)
	assert.ErrorIs(t, run(context.Background(), []string{"segment", "in.ts"}, &out, &errOut), errUsage)
}

func TestRunVersion(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"version"}, &out, &out))
	assert.Equal(t, "fragmenter dev\n", out.String())
}

func TestConvert(t *testing.T) {
	t.Parallel()
	in := writeStream(t, 12)
	out := filepath.Join(t.TempDir(), "out.mp4")

	var stderr bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"convert", in, out}, &stderr, &stderr))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, []string{"ftyp", "moov", "mdat"}, topLevelTypes(t, data))
}

func TestConvertMissingInput(t *testing.T) {
	t.Parallel()
	var stderr bytes.Buffer
	err := run(context.Background(), []string{"convert", "/nonexistent.ts", filepath.Join(t.TempDir(), "o.mp4")}, &stderr, &stderr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestAlignKeepsWholeStream(t *testing.T) {
	t.Parallel()
	data, err := tsgen.Stream(8, tsgen.Options{})
	require.NoError(t, err)

	aligned, size, err := align(data, 188, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.Equal(t, 188, size)
	assert.Equal(t, data, aligned)
}

func TestAlignReportsFirstPacketSize(t *testing.T) {
	t.Parallel()
	head, err := tsgen.Stream(20, tsgen.Options{})
	require.NoError(t, err)
	tail := bytes.Clone(head)

	// The same stream again as 204-byte packets with zeroed parity.
	data := bytes.Clone(head)
	for off := 0; off < len(tail); off += 188 {
		data = append(data, tail[off:off+188]...)
		data = append(data, make([]byte, 16)...)
	}

	var logs bytes.Buffer
	_, size, err := align(data, 188, slog.New(slog.NewTextHandler(&logs, nil)))
	require.NoError(t, err)
	assert.Equal(t, 188, size)
	assert.Contains(t, logs.String(), "packet size changed")
	assert.Contains(t, logs.String(), "packet_size=204")
}

func TestSegment(t *testing.T) {
	t.Parallel()
	in := writeStream(t, 40)
	dir := filepath.Join(t.TempDir(), "out")

	var stderr bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"segment", "-out", dir, "-min-samples", "5", in}, &stderr, &stderr))

	initSeg, err := os.ReadFile(filepath.Join(dir, "init.mp4"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ftyp", "moov"}, topLevelTypes(t, initSeg))

	first, err := os.ReadFile(filepath.Join(dir, "1.m4s"))
	require.NoError(t, err)
	assert.Equal(t, []string{"sidx", "moof", "mdat"}, topLevelTypes(t, first))
}

func TestNewLogger(t *testing.T) {
	t.Parallel()
	for _, format := range []string{"console", "text", "json"} {
		var buf bytes.Buffer
		log, err := newLogger(config.LogConfig{Level: "info", Format: format}, &buf)
		require.NoError(t, err, format)
		log.Debug("hidden")
		log.Info("shown", "key", "value")
		assert.Contains(t, buf.String(), "shown", format)
		assert.NotContains(t, buf.String(), "hidden", format)
	}

	_, err := newLogger(config.LogConfig{Level: "loud", Format: "text"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", describe(distributionInfo("", 0, 0, "")))
	assert.Equal(t, "256x192 avc1.4D401F via ws", describe(distributionInfo("avc1.4D401F", 256, 192, "ws")))
}

func distributionInfo(codec string, w, h int, protocol string) distribution.StreamInfo {
	return distribution.StreamInfo{Codec: codec, Width: w, Height: h, Protocol: ingest.Protocol(protocol)}
}
