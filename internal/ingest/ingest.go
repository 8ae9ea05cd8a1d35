// Package ingest tracks live input connections. Receivers register a
// stream key and write raw transport stream bytes into the returned pipe;
// the registry hands the read side to the conversion pipeline.
package ingest

import (
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Protocol names the transport a stream arrived on.
type Protocol string

// Supported ingest protocols.
const (
	ProtocolSRT       Protocol = "srt"
	ProtocolWebSocket Protocol = "ws"
)

// ErrDuplicate is returned when a key is already publishing.
var ErrDuplicate = errors.New("ingest: stream key already publishing")

// IngestStats captures connection-level counters of an ingest stream.
type IngestStats struct {
	BytesReceived int64    `json:"bytesReceived"`
	ReadCount     int64    `json:"readCount"`
	ConnectedAt   int64    `json:"connectedAt"`
	UptimeMs      int64    `json:"uptimeMs"`
	RemoteAddr    string   `json:"remoteAddr"`
	Protocol      Protocol `json:"protocol"`
}

// Stream is an active ingest connection. Bytes written to the pipe by the
// receiver are read by the pipeline.
type Stream struct {
	Key       string
	StartedAt time.Time
	Protocol  Protocol
	input     io.ReadCloser
	pw        *io.PipeWriter
	done      chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead increments the byte and read counters after a receiver read.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the remote address of the connection.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Done is closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} { return s.done }

// IngestStats returns a snapshot of the connection counters.
func (s *Stream) IngestStats() IngestStats {
	addr, _ := s.remoteAddr.Load().(string)
	return IngestStats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
		Protocol:      s.Protocol,
	}
}

// Registry tracks active ingest streams by key and dispatches new ones to
// the onStream callback.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	onStream func(key string, input io.Reader, protocol Protocol)
}

// NewRegistry creates a Registry. onStream is invoked in its own goroutine
// for every registered stream; it may be nil.
func NewRegistry(onStream func(key string, input io.Reader, protocol Protocol)) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register creates a stream for key and returns the writer the receiver
// feeds. It fails with ErrDuplicate while key is in use.
func (r *Registry) Register(key string, protocol Protocol) (*Stream, io.WriteCloser, error) {
	pr, pw := io.Pipe()
	stream := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		Protocol:  protocol,
		input:     pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, ok := r.streams[key]; ok {
		r.mu.Unlock()
		return nil, nil, ErrDuplicate
	}
	r.streams[key] = stream
	r.mu.Unlock()

	if r.onStream != nil {
		go r.onStream(key, pr, protocol)
	}
	return stream, pw, nil
}

// Unregister removes a stream, closing its pipe and signaling Done.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	stream, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		stream.pw.Close()
		close(stream.done)
	}
}

// Get returns the stream for key.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// List returns the active streams sorted by key.
func (r *Registry) List() []*Stream {
	r.mu.RLock()
	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
