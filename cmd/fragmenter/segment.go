package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zsiec/fragmenter/internal/fragment"
	"github.com/zsiec/fragmenter/internal/pipeline"
	"github.com/zsiec/fragmenter/internal/segmenter"
)

// dirSink writes init.mp4 and N.m4s into a directory.
type dirSink struct {
	dir   string
	log   *slog.Logger
	err   error
	count int
}

func (d *dirSink) write(name string, data []byte) {
	if d.err != nil {
		return
	}
	d.err = os.WriteFile(filepath.Join(d.dir, name), data, 0o644)
}

func (d *dirSink) PublishInit(out *fragment.Output) {
	d.write("init.mp4", out.Init)
}

func (d *dirSink) PublishMedia(out *fragment.Output) {
	d.write(fmt.Sprintf("%d.m4s", out.Sequence), out.Media)
	d.count++
	d.log.Debug("segment written", "sequence", out.Sequence, "samples", out.Samples, "bytes", len(out.Media))
}

func runSegment(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("segment", flag.ContinueOnError)
	fs.SetOutput(stderr)
	outDir := fs.String("out", "", "output directory")
	minSamples := fs.Int("min-samples", fragment.DefaultMinFragmentSamples, "DTS changes per fragment")
	packetSize := fs.Int("packet-size", segmenter.DefaultPacketSize, "initially assumed TS packet size")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *outDir == "" {
		return fmt.Errorf("segment needs -out and one input path: %w", errUsage)
	}
	in := fs.Arg(0)
	log := toolLogger(*verbose, stderr)

	f, err := os.Open(in)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return err
	}

	key := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))
	sink := &dirSink{dir: *outDir, log: log}
	p := pipeline.New(key, f, sink,
		pipeline.WithLogger(log),
		pipeline.WithPacketSize(*packetSize),
		pipeline.WithBuilder(fragment.NewBuilder(
			fragment.WithLogger(log),
			fragment.WithMinFragmentSamples(*minSamples),
		)),
	)
	if err := p.Run(ctx); err != nil {
		return err
	}
	if sink.err != nil {
		return sink.err
	}
	st := p.Stats()
	log.Info("segmented", "input", in, "dir", *outDir, "segments", sink.count, "pending_samples", st.Pending)
	return nil
}
