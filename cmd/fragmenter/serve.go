package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/fragmenter/internal/certs"
	"github.com/zsiec/fragmenter/internal/config"
	"github.com/zsiec/fragmenter/internal/distribution"
	"github.com/zsiec/fragmenter/internal/fragment"
	"github.com/zsiec/fragmenter/internal/ingest"
	"github.com/zsiec/fragmenter/internal/ingest/srt"
	"github.com/zsiec/fragmenter/internal/ingest/ws"
	"github.com/zsiec/fragmenter/internal/metrics"
	"github.com/zsiec/fragmenter/internal/pipeline"
	"github.com/zsiec/fragmenter/internal/stream"
)

func runServe(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "path to the TOML configuration")
	if err := fs.Parse(args); err != nil {
		return err
	}

	paths := config.DefaultPaths
	if *cfgPath != "" {
		paths = []string{*cfgPath}
	}
	cfg, err := config.Parse(paths)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	cert, err := certs.Resolve(cfg.Server.CertFile, cfg.Server.KeyFile)
	if err != nil {
		return fmt.Errorf("certificate: %w", err)
	}
	log.Info("certificate ready",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	a := &app{
		cfg:     cfg,
		log:     log,
		mgr:     stream.NewManager(log),
		metrics: metrics.New(),
		builder: fragment.NewBuilder(
			fragment.WithLogger(log),
			fragment.WithMinFragmentSamples(cfg.Fragment.MinSamples),
		),
	}

	log.Info("fragmenter starting",
		"version", version,
		"srt", cfg.Ingest.SRTAddr,
		"ws", cfg.Ingest.WSAddr,
		"https", cfg.Server.HTTPAddr,
		"h3", cfg.Server.H3Addr,
	)

	g, ctx := errgroup.WithContext(ctx)

	// Pipelines run on the group context.
	a.registry = ingest.NewRegistry(func(key string, input io.Reader, protocol ingest.Protocol) {
		a.handleNewStream(ctx, key, input, protocol)
	})

	a.distSrv, err = distribution.NewServer(distribution.ServerConfig{
		Addr:         cfg.Server.H3Addr,
		Cert:         cert,
		Window:       cfg.Fragment.Window,
		Metrics:      a.metrics,
		StreamLister: a.listStreams,
		IngestLookup: a.lookupIngest,
	})
	if err != nil {
		return err
	}
	if err := a.metrics.RegisterStreams(a.distSrv.StreamStats); err != nil {
		return err
	}

	apiSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           a.distSrv.AltSvcHandler(a.distSrv.APIHandler()),
		TLSConfig:         cert.TLSConfig(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Ingest.SRTAddr != "" {
		latency := time.Duration(cfg.Ingest.SRTLatencyMs) * time.Millisecond
		srtSrv := srt.NewServer(cfg.Ingest.SRTAddr, latency, a.registry, a.metrics, log)
		g.Go(func() error {
			return srtSrv.Start(ctx)
		})
	}

	if cfg.Ingest.WSAddr != "" {
		wsSrv := ws.NewServer(cfg.Ingest.WSAddr, a.registry, a.metrics, log)
		g.Go(func() error {
			return wsSrv.Start(ctx)
		})
	}

	g.Go(func() error {
		log.Info("HTTPS server listening", "addr", cfg.Server.HTTPAddr)
		if err := apiSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPS server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return a.distSrv.Start(ctx)
	})

	return g.Wait()
}

type app struct {
	cfg      *config.Config
	log      *slog.Logger
	mgr      *stream.Manager
	registry *ingest.Registry
	distSrv  *distribution.Server
	metrics  *metrics.Metrics
	builder  *fragment.Builder
}

func (a *app) listStreams() []distribution.StreamInfo {
	streams := a.mgr.List()
	infos := make([]distribution.StreamInfo, 0, len(streams))
	for _, s := range streams {
		info, ok := a.distSrv.Describe(s.Key)
		if !ok {
			continue
		}
		if in, ok := a.registry.Get(s.Key); ok {
			info.Protocol = in.Protocol
		}
		info.UptimeMs = time.Since(s.StartedAt).Milliseconds()
		info.Description = describe(info)
		infos = append(infos, info)
	}
	return infos
}

func (a *app) lookupIngest(key string) *ingest.IngestStats {
	s, ok := a.registry.Get(key)
	if !ok {
		return nil
	}
	stats := s.IngestStats()
	return &stats
}

func (a *app) handleNewStream(ctx context.Context, key string, input io.Reader, protocol ingest.Protocol) {
	log := a.log.With("stream", key)
	log.Info("new stream from ingest", "protocol", protocol)

	// Unblocks the receiver if conversion stops early.
	if c, ok := input.(io.Closer); ok {
		defer c.Close()
	}

	s, created := a.mgr.Create(key)
	if !created {
		log.Warn("rejecting duplicate stream")
		return
	}
	defer a.teardownStream(key)

	relay := a.distSrv.RegisterStream(key)
	p := pipeline.New(key, input, relay,
		pipeline.WithLogger(a.log),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithState(s.State),
		pipeline.WithBuilder(a.builder),
		pipeline.WithPacketSize(a.cfg.Ingest.PacketSize),
	)
	a.distSrv.SetPipeline(key, p)

	if err := p.Run(ctx); err != nil {
		log.Error("pipeline error", "error", err)
	}
	st := p.Stats()
	log.Info("stream ended", "fragments", st.Fragments, "bytes", st.BytesIn)
}

// teardownStream removes all resources of a stream across the
// distribution server and the stream manager.
func (a *app) teardownStream(key string) {
	a.distSrv.UnregisterStream(key)
	a.mgr.Remove(key)
}

// describe renders a one-line summary such as "256x192 avc1.4D401F via ws".
func describe(info distribution.StreamInfo) string {
	var parts []string
	if info.Width > 0 && info.Height > 0 {
		parts = append(parts, fmt.Sprintf("%dx%d", info.Width, info.Height))
	}
	if info.Codec != "" {
		parts = append(parts, info.Codec)
	}
	if info.Protocol != "" {
		parts = append(parts, "via "+string(info.Protocol))
	}
	return strings.Join(parts, " ")
}
