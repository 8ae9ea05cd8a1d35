package srt

import (
	"testing"
	"time"

	"github.com/zsiec/fragmenter/internal/ingest"
)

func TestExtractStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "camera1", want: "camera1"},
		{name: "leading slash", streamID: "/camera1", want: "camera1"},
		{name: "live prefix", streamID: "live/camera1", want: "camera1"},
		{name: "slash and live prefix", streamID: "/live/camera1", want: "camera1"},
		{name: "empty returns default", streamID: "", want: "default"},
		{name: "just slash returns default", streamID: "/", want: "default"},
		{name: "just live/ returns default", streamID: "live/", want: "default"},
		{name: "nested path preserved", streamID: "studio/camera1", want: "studio/camera1"},
		{name: "live in name preserved", streamID: "liveshow", want: "liveshow"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := extractStreamKey(tc.streamID)
			if got != tc.want {
				t.Errorf("extractStreamKey(%q) = %q, want %q", tc.streamID, got, tc.want)
			}
		})
	}
}

func TestNewServerDefaultLatency(t *testing.T) {
	t.Parallel()

	s := NewServer(":0", 0, ingest.NewRegistry(nil), nil, nil)
	if s.latency != DefaultLatency {
		t.Fatalf("latency = %v, want %v", s.latency, DefaultLatency)
	}
	s = NewServer(":0", 40*time.Millisecond, ingest.NewRegistry(nil), nil, nil)
	if s.latency != 40*time.Millisecond {
		t.Fatalf("latency = %v, want 40ms", s.latency)
	}
}

func TestSetNanos(t *testing.T) {
	t.Parallel()

	var ns int64
	setNanos(&ns, 120*time.Millisecond)
	if ns != 120_000_000 {
		t.Fatalf("int64 field = %d, want 120000000", ns)
	}
	var d time.Duration
	setNanos(&d, 120*time.Millisecond)
	if d != 120*time.Millisecond {
		t.Fatalf("duration field = %v, want 120ms", d)
	}
}
