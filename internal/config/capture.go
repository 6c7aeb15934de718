// Package config loads the YAML configuration consumed by the facqcore
// command-line entry points. It is distinct from the Stream's own
// INI-style persistence format (see package catalog), which is a
// mandated wire/disk format for a pipeline's shape, not generic process
// configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggingInfo configures the process-wide logger.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// RingInfo holds the ring buffer section of the capture config.
// facq-capture reads it but does not apply it: the Stream it runs keeps
// its own ring size and a chunk size derived from the period.
type RingInfo struct {
	Chunks    int    `yaml:"chunks"`     // number of chunks in the pool, default 8
	ChunkSize string `yaml:"chunk_size"` // e.g. "64kb", default derived from period
}

// PlugInfo configures the optional TCP tee endpoint.
type PlugInfo struct {
	Enabled     bool          `yaml:"enabled"`
	Listen      string        `yaml:"listen"` // "host:port"
	TimeoutMS   int           `yaml:"timeout_ms"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// DiagnosticsInfo configures the optional system stats sampler.
type DiagnosticsInfo struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// ArchiveInfo configures the optional post-run archiver.
type ArchiveInfo struct {
	Enabled     bool   `yaml:"enabled"`
	Compression string `yaml:"compression"` // "gzip" (default) or "zstd"
	S3Bucket    string `yaml:"s3_bucket"`
	S3Prefix    string `yaml:"s3_prefix"`
}

// CaptureConfig is the top-level configuration for the facq-capture
// command, in both its run-once and scheduled modes.
type CaptureConfig struct {
	StreamFile  string          `yaml:"stream_file"` // path to the catalog-persisted Stream
	Schedule    string          `yaml:"schedule"`     // cron expression; empty means run once
	Ring        RingInfo        `yaml:"ring"`
	Plug        PlugInfo        `yaml:"plug"`
	Diagnostics DiagnosticsInfo `yaml:"diagnostics"`
	Archive     ArchiveInfo     `yaml:"archive"`
	Logging     LoggingInfo     `yaml:"logging"`

	RingChunkSizeRaw int64 `yaml:"-"`
}

// Load reads and validates a YAML capture configuration file.
func Load(path string) (*CaptureConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading capture config: %w", err)
	}

	var cfg CaptureConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing capture config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating capture config: %w", err)
	}

	return &cfg, nil
}

func (c *CaptureConfig) validate() error {
	if c.StreamFile == "" {
		return fmt.Errorf("stream_file is required")
	}

	if c.Ring.Chunks <= 0 {
		c.Ring.Chunks = 8
	}
	if c.Ring.ChunkSize != "" {
		parsed, err := ParseByteSize(c.Ring.ChunkSize)
		if err != nil {
			return fmt.Errorf("ring.chunk_size: %w", err)
		}
		c.RingChunkSizeRaw = parsed
	}

	if c.Plug.Enabled {
		if c.Plug.Listen == "" {
			return fmt.Errorf("plug.listen is required when plug.enabled is true")
		}
		if c.Plug.TimeoutMS <= 0 {
			c.Plug.TimeoutMS = 200
		}
		if c.Plug.DialTimeout <= 0 {
			c.Plug.DialTimeout = 5 * time.Second
		}
	}

	if c.Diagnostics.Enabled && c.Diagnostics.Interval <= 0 {
		c.Diagnostics.Interval = 15 * time.Second
	}

	if c.Archive.Enabled {
		c.Archive.Compression = strings.ToLower(strings.TrimSpace(c.Archive.Compression))
		if c.Archive.Compression == "" {
			c.Archive.Compression = "gzip"
		}
		if c.Archive.Compression != "gzip" && c.Archive.Compression != "zstd" {
			return fmt.Errorf("archive.compression must be gzip or zstd, got %q", c.Archive.Compression)
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// ParseByteSize converts human-readable sizes like "256kb", "1mb", "2gb"
// into bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "gb"):
		mult = 1 << 30
		s = strings.TrimSuffix(s, "gb")
	case strings.HasSuffix(s, "mb"):
		mult = 1 << 20
		s = strings.TrimSuffix(s, "mb")
	case strings.HasSuffix(s, "kb"):
		mult = 1 << 10
		s = strings.TrimSuffix(s, "kb")
	case strings.HasSuffix(s, "b"):
		s = strings.TrimSuffix(s, "b")
	}

	s = strings.TrimSpace(s)
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("byte size must not be negative: %q", s)
	}

	return int64(n * float64(mult)), nil
}
