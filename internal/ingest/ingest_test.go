package ingest

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, w, err := r.Register("test-stream", ProtocolSRT)
	if err != nil {
		t.Fatal(err)
	}

	if stream.Key != "test-stream" {
		t.Fatalf("got key %q, want %q", stream.Key, "test-stream")
	}
	if stream.Protocol != ProtocolSRT {
		t.Fatalf("got protocol %q, want %q", stream.Protocol, ProtocolSRT)
	}
	if w == nil {
		t.Fatal("writer is nil")
	}

	got, ok := r.Get("test-stream")
	if !ok {
		t.Fatal("Get returned false for registered stream")
	}
	if got != stream {
		t.Fatal("Get returned different stream pointer")
	}
}

func TestRegistryDuplicate(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	if _, _, err := r.Register("cam", ProtocolSRT); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Register("cam", ProtocolWebSocket); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Register error = %v, want ErrDuplicate", err)
	}

	r.Unregister("cam")
	if _, _, err := r.Register("cam", ProtocolWebSocket); err != nil {
		t.Fatalf("Register after Unregister: %v", err)
	}
}

func TestRegistryGetMissing(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	_, ok := r.Get("nonexistent")
	if ok {
		t.Fatal("Get returned true for missing stream")
	}
}

func TestRegistryUnregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _, _ := r.Register("stream1", ProtocolSRT)

	r.Unregister("stream1")

	if _, ok := r.Get("stream1"); ok {
		t.Fatal("stream still found after Unregister")
	}
	select {
	case <-stream.Done():
	default:
		t.Fatal("Done not closed after Unregister")
	}
}

func TestRegistryUnregisterMissing(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	// Should not panic.
	r.Unregister("nonexistent")
}

func TestRegistryUnregisterClosesPipe(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _, _ := r.Register("stream1", ProtocolSRT)
	r.Unregister("stream1")

	// Reading from the input side should return EOF after pipe is closed.
	buf := make([]byte, 1)
	_, err := stream.input.Read(buf)
	if err != io.EOF {
		t.Fatalf("expected EOF after Unregister, got %v", err)
	}
}

func TestRegistryOnStreamCallback(t *testing.T) {
	t.Parallel()

	type call struct {
		key      string
		protocol Protocol
		data     []byte
	}
	calls := make(chan call, 1)
	r := NewRegistry(func(key string, input io.Reader, protocol Protocol) {
		data, _ := io.ReadAll(input)
		calls <- call{key, protocol, data}
	})

	_, w, err := r.Register("cb-stream", ProtocolWebSocket)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte{0x47, 0x00}); err != nil {
		t.Fatal(err)
	}
	r.Unregister("cb-stream")

	select {
	case c := <-calls:
		if c.key != "cb-stream" {
			t.Fatalf("callback got key %q, want %q", c.key, "cb-stream")
		}
		if c.protocol != ProtocolWebSocket {
			t.Fatalf("callback got protocol %q, want %q", c.protocol, ProtocolWebSocket)
		}
		if len(c.data) != 2 {
			t.Fatalf("callback read %d bytes, want 2", len(c.data))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onStream callback not called within timeout")
	}
}

func TestRegistryList(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	for _, key := range []string{"b", "c", "a"} {
		if _, _, err := r.Register(key, ProtocolSRT); err != nil {
			t.Fatal(err)
		}
	}
	list := r.List()
	if len(list) != 3 {
		t.Fatalf("List len = %d, want 3", len(list))
	}
	for i, want := range []string{"a", "b", "c"} {
		if list[i].Key != want {
			t.Errorf("List[%d] = %q, want %q", i, list[i].Key, want)
		}
	}
}

func TestStreamRecordRead(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _, _ := r.Register("s1", ProtocolSRT)

	stream.RecordRead(100)
	stream.RecordRead(200)

	stats := stream.IngestStats()
	if stats.BytesReceived != 300 {
		t.Fatalf("BytesReceived = %d, want 300", stats.BytesReceived)
	}
	if stats.ReadCount != 2 {
		t.Fatalf("ReadCount = %d, want 2", stats.ReadCount)
	}
	if stats.Protocol != ProtocolSRT {
		t.Fatalf("Protocol = %q, want %q", stats.Protocol, ProtocolSRT)
	}
}

func TestStreamSetRemoteAddr(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _, _ := r.Register("s1", ProtocolSRT)

	stream.SetRemoteAddr("192.168.1.1:5000")

	stats := stream.IngestStats()
	if stats.RemoteAddr != "192.168.1.1:5000" {
		t.Fatalf("RemoteAddr = %q, want %q", stats.RemoteAddr, "192.168.1.1:5000")
	}
}

func TestStreamIngestStatsUptime(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _, _ := r.Register("s1", ProtocolSRT)

	time.Sleep(10 * time.Millisecond)

	stats := stream.IngestStats()
	if stats.UptimeMs < 10 {
		t.Fatalf("UptimeMs = %d, expected at least 10", stats.UptimeMs)
	}
	if stats.ConnectedAt == 0 {
		t.Fatal("ConnectedAt is zero")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	var wg sync.WaitGroup

	for i := range 50 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("stream-%d", n)
			if _, _, err := r.Register(key, ProtocolSRT); err != nil {
				t.Error(err)
				return
			}
			r.Get(key)
			r.Unregister(key)
		}(i)
	}

	wg.Wait()
}
