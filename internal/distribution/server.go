// Package distribution serves converted streams: init and media segments
// over HTTPS and HTTP/3, a JSON stream listing, and Prometheus metrics.
package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/fragmenter/internal/certs"
	"github.com/zsiec/fragmenter/internal/ingest"
	"github.com/zsiec/fragmenter/internal/metrics"
	"github.com/zsiec/fragmenter/internal/pipeline"
)

// Content types of served segments.
const (
	contentTypeInit  = "video/mp4"
	contentTypeMedia = "video/iso.segment"
)

// maxLatestWait bounds how long a latest request with after= may block.
const maxLatestWait = 10 * time.Second

// StatsProvider is implemented by pipeline.Pipeline.
type StatsProvider interface {
	Stats() pipeline.Stats
}

// StreamInfo is the JSON summary of a live stream returned by
// /api/streams.
type StreamInfo struct {
	Key         string          `json:"key"`
	Protocol    ingest.Protocol `json:"protocol,omitempty"`
	Description string          `json:"description,omitempty"`
	Codec       string          `json:"codec,omitempty"`
	Width       int             `json:"width,omitempty"`
	Height      int             `json:"height,omitempty"`
	Sequence    uint32          `json:"sequence"`
	Segments    []uint32        `json:"segments"`
	Subscribers int             `json:"subscribers"`
	UptimeMs    int64           `json:"uptimeMs,omitempty"`
}

// StreamDebug is the JSON response of /api/streams/{key}.
type StreamDebug struct {
	Info     StreamInfo          `json:"info"`
	Pipeline *pipeline.Stats     `json:"pipeline,omitempty"`
	Ingest   *ingest.IngestStats `json:"ingest,omitempty"`
}

// StreamLister returns the current list of active streams.
type StreamLister func() []StreamInfo

// IngestLookup resolves a stream key to its ingest stats, or nil if the
// stream is not currently being ingested.
type IngestLookup func(key string) *ingest.IngestStats

// ServerConfig holds the configuration for the distribution Server.
type ServerConfig struct {
	// Addr is the HTTP/3 listen address.
	Addr string
	Cert *certs.CertInfo
	// Window is the number of media segments kept per stream.
	Window       int
	Metrics      *metrics.Metrics
	StreamLister StreamLister
	IngestLookup IngestLookup
}

// streamResources bundles the relay and stats provider of one stream so
// both are registered and torn down as a unit.
type streamResources struct {
	relay    *Relay
	pipeline StatsProvider
}

// Server manages relays and serves them over HTTPS and HTTP/3.
type Server struct {
	config ServerConfig
	h3     *http3.Server

	mu      sync.RWMutex
	streams map[string]*streamResources
}

// NewServer creates a distribution Server. It returns an error if
// required fields are missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("distribution: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("distribution: Addr is required")
	}
	s := &Server{
		config:  config,
		streams: make(map[string]*streamResources),
	}
	s.h3 = &http3.Server{
		Addr:      config.Addr,
		Handler:   s.APIHandler(),
		TLSConfig: config.Cert.TLSConfig(),
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
		},
	}
	return s, nil
}

// RegisterStream creates a Relay for key and returns it. If the stream is
// already registered the existing relay is returned.
func (s *Server) RegisterStream(key string) *Relay {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.streams[key]; ok {
		return sr.relay
	}
	r := NewRelay(s.config.Window)
	s.streams[key] = &streamResources{relay: r}
	return r
}

// UnregisterStream closes and removes the relay of key.
func (s *Server) UnregisterStream(key string) {
	s.mu.Lock()
	sr, ok := s.streams[key]
	delete(s.streams, key)
	s.mu.Unlock()
	if ok {
		sr.relay.Close()
	}
}

// SetPipeline associates a StatsProvider with a registered stream.
func (s *Server) SetPipeline(key string, p StatsProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.streams[key]; ok {
		sr.pipeline = p
	}
}

// GetPipeline returns the StatsProvider of key, or nil.
func (s *Server) GetPipeline(key string) StatsProvider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sr, ok := s.streams[key]; ok {
		return sr.pipeline
	}
	return nil
}

// GetRelay returns the Relay of key, or nil.
func (s *Server) GetRelay(key string) *Relay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sr, ok := s.streams[key]; ok {
		return sr.relay
	}
	return nil
}

// StreamStats returns per-stream counters for the metrics collector.
func (s *Server) StreamStats() []metrics.StreamStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]metrics.StreamStats, 0, len(s.streams))
	for key, sr := range s.streams {
		if sr.pipeline == nil {
			continue
		}
		st := sr.pipeline.Stats()
		out = append(out, metrics.StreamStats{
			Key:            key,
			Packets:        st.Demux.Packets,
			CorruptPackets: st.Demux.CorruptPackets,
			SkippedBytes:   st.Demux.SkippedBytes,
			DroppedUnits:   st.Demux.DroppedUnits,
			Sequence:       st.LastSequence,
		})
	}
	return out
}

// Describe builds the StreamInfo of key from its relay.
func (s *Server) Describe(key string) (StreamInfo, bool) {
	relay := s.GetRelay(key)
	if relay == nil {
		return StreamInfo{}, false
	}
	info := relay.Info()
	si := StreamInfo{
		Key:         key,
		Codec:       info.Codec,
		Width:       info.Width,
		Height:      info.Height,
		Segments:    relay.Sequences(),
		Subscribers: relay.SubscriberCount(),
	}
	if latest, ok := relay.Latest(); ok {
		si.Sequence = latest.Sequence
	}
	return si, true
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("GET /api/streams/{key}", s.handleStreamDebug)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("GET /streams/{key}/init.mp4", s.handleInit)
	mux.HandleFunc("GET /streams/{key}/latest", s.handleLatest)
	mux.HandleFunc("GET /streams/{key}/{segment}", s.handleSegment)
	mux.Handle("GET /metrics", s.config.Metrics.Handler())
}

// APIHandler returns the handler serving the stream API, the segments and
// the metrics endpoint.
func (s *Server) APIHandler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(mux)
}

// AltSvcHandler wraps next so HTTPS responses advertise the HTTP/3
// endpoint.
func (s *Server) AltSvcHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.h3.SetQUICHeaders(w.Header()); err != nil {
			slog.Debug("alt-svc header", "error", err)
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start serves the API over HTTP/3 and blocks until ctx is cancelled or a
// fatal error occurs.
func (s *Server) Start(ctx context.Context) error {
	slog.Info("HTTP/3 server listening", "addr", s.config.Addr)

	stop := context.AfterFunc(ctx, func() { s.h3.Close() })
	defer stop()

	err := s.h3.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintBase64(),
		Addr: s.config.Addr,
	})
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	var resp []StreamInfo
	if s.config.StreamLister != nil {
		resp = s.config.StreamLister()
	}
	if resp == nil {
		resp = make([]StreamInfo, 0)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStreamDebug(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	info, ok := s.Describe(key)
	if !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	resp := StreamDebug{Info: info}
	if p := s.GetPipeline(key); p != nil {
		st := p.Stats()
		resp.Pipeline = &st
		resp.Info.UptimeMs = st.UptimeMs
	}
	if s.config.IngestLookup != nil {
		resp.Ingest = s.config.IngestLookup(key)
		if resp.Ingest != nil {
			resp.Info.Protocol = resp.Ingest.Protocol
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	relay := s.GetRelay(r.PathValue("key"))
	if relay == nil {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	data, ok := relay.Init()
	if !ok {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "init segment not ready")
		return
	}
	w.Header().Set("Content-Type", contentTypeInit)
	w.Header().Set("Cache-Control", "max-age=3600")
	w.Write(data)
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	relay := s.GetRelay(r.PathValue("key"))
	if relay == nil {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	name, ok := strings.CutSuffix(r.PathValue("segment"), ".m4s")
	if !ok {
		writeError(w, http.StatusNotFound, "unknown resource")
		return
	}
	seq, err := strconv.ParseUint(name, 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sequence number")
		return
	}
	seg, ok := relay.Segment(uint32(seq))
	if !ok {
		writeError(w, http.StatusNotFound, "segment not in window")
		return
	}
	writeSegment(w, seg)
}

// handleLatest serves the newest segment. With after=N it waits for a
// segment newer than N.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	relay := s.GetRelay(r.PathValue("key"))
	if relay == nil {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}

	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after parameter")
			return
		}
		after = n
	}

	if seg, ok := relay.Latest(); ok && uint64(seg.Sequence) > after {
		writeSegment(w, seg)
		return
	}
	if r.URL.Query().Get("after") == "" {
		writeError(w, http.StatusNotFound, "no segment yet")
		return
	}

	sub := relay.Subscribe()
	defer relay.Unsubscribe(sub)

	// A segment may have landed between Latest and Subscribe.
	if seg, ok := relay.Latest(); ok && uint64(seg.Sequence) > after {
		writeSegment(w, seg)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), maxLatestWait)
	defer cancel()
	for {
		select {
		case seq, ok := <-sub.C:
			if !ok {
				writeError(w, http.StatusGone, "stream ended")
				return
			}
			if uint64(seq) <= after {
				continue
			}
			if seg, ok := relay.Segment(seq); ok {
				writeSegment(w, seg)
				return
			}
		case <-ctx.Done():
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
}

func writeSegment(w http.ResponseWriter, seg Segment) {
	w.Header().Set("Content-Type", contentTypeMedia)
	w.Header().Set("Cache-Control", "max-age=60")
	w.Header().Set("X-Sequence", strconv.FormatUint(uint64(seg.Sequence), 10))
	w.Write(seg.Data)
}
