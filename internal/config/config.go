// Package config loads the server configuration from a TOML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// DefaultPaths are searched when no path is given on the command line.
var DefaultPaths = []string{"fragmenter.toml", "/etc/fragmenter/fragmenter.toml"}

// Config is the full server configuration.
type Config struct {
	Ingest   IngestConfig   `toml:"ingest"`
	Fragment FragmentConfig `toml:"fragment"`
	Server   ServerConfig   `toml:"server"`
	Log      LogConfig      `toml:"log"`
}

// IngestConfig configures the stream receivers.
type IngestConfig struct {
	SRTAddr      string `toml:"srt_addr"`
	WSAddr       string `toml:"ws_addr"`
	SRTLatencyMs int    `toml:"srt_latency_ms"`
	// PacketSize is the transport stream packet size, 188 unless the input
	// carries timecode or FEC suffixes.
	PacketSize int `toml:"packet_size"`
}

// FragmentConfig configures live fragmentation.
type FragmentConfig struct {
	MinSamples int `toml:"min_samples"`
	// Window is the number of media segments kept per stream.
	Window int `toml:"window"`
}

// ServerConfig configures segment distribution.
type ServerConfig struct {
	HTTPAddr string `toml:"http_addr"`
	H3Addr   string `toml:"h3_addr"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // console, text or json
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Ingest: IngestConfig{
			SRTAddr:      ":6000",
			WSAddr:       ":8090",
			SRTLatencyMs: 120,
			PacketSize:   188,
		},
		Fragment: FragmentConfig{
			MinSamples: 20,
			Window:     10,
		},
		Server: ServerConfig{
			HTTPAddr: ":8443",
			H3Addr:   ":8443",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Parse loads the first existing file of paths over the defaults, then
// applies environment overrides.
func Parse(paths []string) (*Config, error) {
	cfg := Default()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
		slog.Debug("read config", "path", path)
		break
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"SRT_ADDR":  &c.Ingest.SRTAddr,
		"WS_ADDR":   &c.Ingest.WSAddr,
		"HTTP_ADDR": &c.Server.HTTPAddr,
		"H3_ADDR":   &c.Server.H3Addr,
		"LOG_LEVEL": &c.Log.Level,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup("MIN_SAMPLES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MIN_SAMPLES: %w", err)
		}
		c.Fragment.MinSamples = n
	}
	if v, ok := lookup("DEBUG"); ok && v != "" {
		c.Log.Level = "debug"
	}
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Ingest.PacketSize < 186 || c.Ingest.PacketSize > 220 {
		return fmt.Errorf("config: ingest.packet_size %d outside [186, 220]", c.Ingest.PacketSize)
	}
	if c.Fragment.MinSamples < 1 {
		return fmt.Errorf("config: fragment.min_samples must be positive, got %d", c.Fragment.MinSamples)
	}
	if c.Fragment.Window < 1 {
		return fmt.Errorf("config: fragment.window must be positive, got %d", c.Fragment.Window)
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		return errors.New("config: server.cert_file and server.key_file must be set together")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "console", "text", "json":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	return nil
}

// SlogLevel returns the configured log level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("config: log.level: %w", err)
	}
	return level, nil
}
