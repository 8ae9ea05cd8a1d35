// Package ws receives MPEG-TS over WebSocket. A publisher connects to
// /ingest/{key}; its first binary message starts with the "mpts.js" tag,
// and every binary payload after the tag is forwarded to the ingest
// registry unchanged.
package ws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/fragmenter/internal/ingest"
	"github.com/zsiec/fragmenter/internal/metrics"
)

// Tag prefixes the first message of every publish session.
const Tag = "mpts.js"

// DefaultReadTimeout bounds the gap between two messages.
const DefaultReadTimeout = 30 * time.Second

var (
	// ErrBadTag is returned when the first message does not carry Tag.
	ErrBadTag = errors.New("ws: missing mpts.js tag")
	// ErrTextMessage is returned when a publisher sends a text frame.
	ErrTextMessage = errors.New("ws: text messages are not accepted")
)

// Server upgrades publish requests and forwards their payload.
type Server struct {
	Addr        string
	ReadTimeout time.Duration

	log      *slog.Logger
	registry *ingest.Registry
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// NewServer creates a receiver bound to addr. If log is nil,
// slog.Default() is used; m may be nil.
func NewServer(addr string, registry *ingest.Registry, m *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		Addr:        addr,
		ReadTimeout: DefaultReadTimeout,
		log:         log.With("component", "ws-ingest"),
		registry:    registry,
		metrics:     m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the publish endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ingest/{key}", s.handlePublish)
	return mux
}

// Start serves Handler on Addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("listening", "addr", s.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket listen on %s: %w", s.Addr, err)
	}
	return nil
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if _, busy := s.registry.Get(key); busy {
		http.Error(w, "stream key already publishing", http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", "stream_key", key, "error", err)
		return
	}
	defer conn.Close()

	first, err := s.read(conn)
	if err == nil {
		first, err = stripTag(first)
	}
	if err != nil {
		s.log.Warn("rejecting publish", "stream_key", key, "remote", r.RemoteAddr, "error", err)
		s.closeWith(conn, websocket.CloseProtocolError, err)
		return
	}

	stream, writer, err := s.registry.Register(key, ingest.ProtocolWebSocket)
	if err != nil {
		s.closeWith(conn, websocket.ClosePolicyViolation, err)
		return
	}
	stream.SetRemoteAddr(r.RemoteAddr)
	s.log.Info("publish", "stream_key", key, "remote", r.RemoteAddr)

	payload := first
	for {
		if len(payload) > 0 {
			stream.RecordRead(len(payload))
			s.metrics.IngestBytes(string(ingest.ProtocolWebSocket), len(payload))
			if _, err := writer.Write(payload); err != nil {
				s.log.Debug("pipe write error", "stream_key", key, "error", err)
				break
			}
		}
		payload, err = s.read(conn)
		if err != nil {
			if errors.Is(err, ErrTextMessage) {
				s.closeWith(conn, websocket.CloseProtocolError, err)
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read error", "stream_key", key, "error", err)
			}
			break
		}
	}

	stats := stream.IngestStats()
	s.registry.Unregister(key)
	s.log.Info("connection closed", "stream_key", key,
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs)
}

// read returns the next binary message.
func (s *Server) read(conn *websocket.Conn) ([]byte, error) {
	if s.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	}
	typ, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if typ != websocket.BinaryMessage {
		return nil, ErrTextMessage
	}
	return msg, nil
}

func (s *Server) closeWith(conn *websocket.Conn, code int, reason error) {
	msg := websocket.FormatCloseMessage(code, reason.Error())
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		s.log.Debug("close frame failed", "error", err)
	}
}

// stripTag removes Tag from the first message of a session.
func stripTag(msg []byte) ([]byte, error) {
	if !bytes.HasPrefix(msg, []byte(Tag)) {
		return nil, ErrBadTag
	}
	return msg[len(Tag):], nil
}
