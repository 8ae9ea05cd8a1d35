package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/zsiec/fragmenter/internal/fragment"
	"github.com/zsiec/fragmenter/internal/segmenter"
)

func runConvert(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("convert", flag.ContinueOnError)
	fs.SetOutput(stderr)
	packetSize := fs.Int("packet-size", segmenter.DefaultPacketSize, "initially assumed TS packet size")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("convert needs an input and an output path: %w", errUsage)
	}
	in, out := fs.Arg(0), fs.Arg(1)
	log := toolLogger(*verbose, stderr)

	ts, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	aligned, size, err := align(ts, *packetSize, log)
	if err != nil {
		return fmt.Errorf("%s: %w", in, err)
	}

	mp4, err := fragment.NewBuilder(fragment.WithLogger(log)).Standalone(aligned, size)
	if err != nil {
		return fmt.Errorf("%s: %w", in, err)
	}
	if err := os.WriteFile(out, mp4, 0o644); err != nil {
		return err
	}
	log.Info("converted", "input", in, "output", out, "ts_bytes", len(ts), "mp4_bytes", len(mp4), "packet_size", size)
	return nil
}

// align feeds ts to a segmenter in pushChunk pieces and returns the
// packet-aligned bytes with the first packet size detected. Later size
// changes are logged and their packets are kept as they are.
func align(ts []byte, packetSize int, log *slog.Logger) ([]byte, int, error) {
	seg := segmenter.New(segmenter.WithLogger(log), segmenter.WithPacketSize(packetSize))

	// A cancelled context makes Next return only segments that are ready.
	done, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	var first, last int
	take := func() error {
		for {
			s, err := seg.Next(done)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				return err
			}
			if first == 0 {
				first = s.PacketSize
			} else if s.PacketSize != last {
				log.Warn("packet size changed", "offset", buf.Len(), "packet_size", s.PacketSize, "first", first)
			}
			last = s.PacketSize
			buf.Write(s.Data)
		}
	}

	for off := 0; off < len(ts); off += pushChunk {
		if err := seg.PushData(ts[off:min(off+pushChunk, len(ts))]); err != nil {
			return nil, 0, err
		}
		if err := take(); err != nil {
			return nil, 0, err
		}
	}
	buf.Write(seg.Drain())
	if first == 0 {
		first = seg.PacketSize()
	}
	return buf.Bytes(), first, nil
}
