package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/fragmenter/internal/ingest/ws"
	"github.com/zsiec/fragmenter/internal/mpegts"
	"github.com/zsiec/fragmenter/internal/segmenter"
)

// pushChunk is the write size of push: seven 188-byte packets, the usual
// SRT payload.
const pushChunk = 188 * 7

// publisher is one outbound publish connection.
type publisher interface {
	Write(p []byte) error
	Close() error
}

type srtPublisher struct{ conn *srt.Conn }

func (p *srtPublisher) Write(b []byte) error {
	_, err := p.conn.Write(b)
	return err
}

func (p *srtPublisher) Close() error { return p.conn.Close() }

// wsPublisher prefixes its first message with the ingest tag.
type wsPublisher struct {
	conn   *websocket.Conn
	tagged bool
}

func (p *wsPublisher) Write(b []byte) error {
	if !p.tagged {
		b = append([]byte(ws.Tag), b...)
		p.tagged = true
	}
	return p.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (p *wsPublisher) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return p.conn.Close()
}

func dialPublisher(ctx context.Context, proto, addr, key string) (publisher, error) {
	switch proto {
	case "srt":
		cfg := srt.DefaultConfig()
		cfg.StreamID = key
		conn, err := srt.Dial(addr, cfg)
		if err != nil {
			return nil, fmt.Errorf("srt dial %s: %w", addr, err)
		}
		return &srtPublisher{conn: conn}, nil
	case "ws":
		u := url.URL{Scheme: "ws", Host: addr, Path: "/ingest/" + url.PathEscape(key)}
		if strings.Contains(addr, "://") {
			parsed, err := url.Parse(addr)
			if err != nil {
				return nil, err
			}
			u = *parsed.JoinPath("ingest", key)
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("ws dial %s: %w", u.String(), err)
		}
		return &wsPublisher{conn: conn}, nil
	default:
		return nil, fmt.Errorf("unknown protocol %q: %w", proto, errUsage)
	}
}

func runPush(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("push", flag.ContinueOnError)
	fs.SetOutput(stderr)
	proto := fs.String("proto", "srt", "transport: srt or ws")
	addr := fs.String("addr", "127.0.0.1:6000", "server address")
	key := fs.String("key", "", "stream key (default: file name without extension)")
	duration := fs.Duration("duration", 0, "playback duration of the file (default: measured from video timestamps)")
	loop := fs.Bool("loop", false, "restart from the beginning at the end of the file")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("push needs one input path: %w", errUsage)
	}
	in := fs.Arg(0)
	log := toolLogger(*verbose, stderr)

	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	if *key == "" {
		*key = strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))
	}
	if *duration <= 0 {
		*duration = measureDuration(data, log)
	}
	if *duration <= 0 {
		return fmt.Errorf("%s: no video timestamps, pass -duration", in)
	}
	rate := float64(len(data)) / duration.Seconds()

	pub, err := dialPublisher(ctx, *proto, *addr, *key)
	if err != nil {
		return err
	}
	defer pub.Close()

	log.Info("publishing", "input", in, "proto", *proto, "addr", *addr, "key", *key,
		"duration", *duration, "bytes_per_sec", int(rate))
	sent, err := pace(ctx, pub, data, rate, *loop, log)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("publish ended", "key", *key, "bytes", sent)
	return err
}

// pace writes data in pushChunk pieces so the average rate matches rate
// bytes per second. The clock spans loop iterations.
func pace(ctx context.Context, pub publisher, data []byte, rate float64, loop bool, log *slog.Logger) (int64, error) {
	start := time.Now()
	var sent int64
	for pass := 1; ; pass++ {
		for i := 0; i < len(data); i += pushChunk {
			if err := ctx.Err(); err != nil {
				return sent, err
			}
			end := min(i+pushChunk, len(data))
			if err := pub.Write(data[i:end]); err != nil {
				return sent, err
			}
			sent += int64(end - i)

			due := time.Duration(float64(sent) / rate * float64(time.Second))
			if wait := due - time.Since(start); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return sent, ctx.Err()
				case <-t.C:
				}
			}
		}
		if !loop {
			return sent, nil
		}
		log.Debug("loop complete", "pass", pass, "bytes", sent)
	}
}

// measureDuration returns the span between the first and last video
// presentation timestamps plus one frame, or 0 when there are none.
func measureDuration(data []byte, log *slog.Logger) time.Duration {
	aligned, size, err := align(data, segmenter.DefaultPacketSize, log)
	if err != nil {
		return 0
	}
	d := mpegts.NewDemuxer()
	payloads, err := d.Demux(aligned, size)
	if err != nil {
		return 0
	}
	tail := d.Flush()
	base := len(payloads.Video.Data)
	payloads.Video.Data = append(payloads.Video.Data, tail.Video.Data...)
	for _, s := range tail.Video.Starts {
		payloads.Video.Starts = append(payloads.Video.Starts, base+s)
	}

	var first, last, prev, frame int64 = -1, 0, -1, 0
	r := mpegts.NewPESReader(&payloads.Video)
	for {
		pes, err := r.Next()
		if err != nil {
			break
		}
		oh := pes.Header.OptionalHeader
		if oh == nil || oh.PTS == nil {
			continue
		}
		pts := oh.PTS.Base
		if first < 0 || pts < first {
			first = pts
		}
		if pts > last {
			last = pts
		}
		if prev >= 0 && pts > prev && (frame == 0 || pts-prev < frame) {
			frame = pts - prev
		}
		prev = pts
	}
	if first < 0 || last <= first {
		return 0
	}
	return time.Duration(last-first+frame) * time.Second / 90000
}
