// Command fragmenter converts MPEG-TS carrying H.264 and AAC into ISO-BMFF.
//
//	fragmenter convert [-packet-size N] in.ts out.mp4
//	fragmenter segment -out dir [-min-samples N] in.ts
//	fragmenter serve [-config path]
//	fragmenter push [-proto srt|ws] [-addr host:port] [-key k] in.ts
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	console "github.com/phsym/console-slog"

	"github.com/zsiec/fragmenter/internal/config"
)

var version = "dev"

var errUsage = errors.New("usage")

const usage = `usage: fragmenter <command> [flags]

commands:
  convert [-packet-size N] in.ts out.mp4   convert a file into a standalone MP4
  segment -out dir in.ts                   cut a file into init.mp4 and N.m4s
  serve [-config path]                     run the live ingest and distribution server
  push [-proto srt|ws] [-addr a] in.ts     publish a file to a server in real time
  version                                  print the version
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fragmenter:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "convert":
		return runConvert(args[1:], stderr)
	case "segment":
		return runSegment(ctx, args[1:], stderr)
	case "serve":
		return runServe(ctx, args[1:], stderr)
	case "push":
		return runPush(ctx, args[1:], stderr)
	case "version":
		fmt.Fprintln(stdout, "fragmenter", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q: %w", args[0], errUsage)
	}
}

// newLogger builds the process logger from the log section of the config.
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	var h slog.Handler
	switch cfg.Format {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case "text":
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	default:
		h = console.NewHandler(w, &console.HandlerOptions{
			Level:      level,
			TimeFormat: "15:04:05.000",
			NoColor:    os.Getenv("NO_COLOR") != "",
		})
	}
	return slog.New(h), nil
}

// toolLogger is the logger of the file commands.
func toolLogger(verbose bool, w io.Writer) *slog.Logger {
	cfg := config.Default().Log
	if verbose {
		cfg.Level = "debug"
	}
	log, _ := newLogger(cfg, w)
	return log
}
