// Command facq-capture runs a catalog-persisted Stream, either once or
// on the cron schedule given in its configuration file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/facqio/facqcore/internal/archive"
	"github.com/facqio/facqcore/internal/builtin"
	"github.com/facqio/facqcore/internal/catalog"
	"github.com/facqio/facqcore/internal/config"
	"github.com/facqio/facqcore/internal/diag"
	"github.com/facqio/facqcore/internal/logging"
	"github.com/facqio/facqcore/internal/pipeline"
	"github.com/facqio/facqcore/internal/plug"
	"github.com/facqio/facqcore/internal/ratelimit"
	"github.com/facqio/facqcore/internal/schedule"
)

func main() {
	configPath := flag.String("config", "/etc/facqcore/capture.yaml", "path to capture config file")
	once := flag.Bool("once", false, "run the stream once and exit, ignoring any configured schedule")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	cat := buildCatalog()

	if cfg.Diagnostics.Enabled {
		sampler := diag.NewSampler(logger, cfg.Diagnostics.Interval, "/")
		sampler.Start()
		defer sampler.Stop()
	}

	if *once || cfg.Schedule == "" {
		if err := runOnce(cfg, cat, logger); err != nil {
			logger.Error("capture failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := runScheduled(cfg, cat, logger); err != nil {
		logger.Error("scheduled runner failed", "error", err)
		os.Exit(1)
	}
}

// buildCatalog registers every concrete item type facq-capture knows how
// to construct from a persisted Stream file.
func buildCatalog() *catalog.Catalog {
	cat := catalog.New()
	cat.RegisterSource("sine", newSineSourceFactory)
	cat.RegisterSource("file", newFileSourceFactory)
	cat.RegisterSink("file", newFileSinkFactory)
	cat.RegisterSink("null", newNullSinkFactory)
	cat.RegisterOperation("ratelimit", newRateLimitFactory)
	cat.RegisterOperation("plug", newPlugOperationFactory)
	return cat
}

func runOnce(cfg *config.CaptureConfig, cat *catalog.Catalog, logger *slog.Logger) error {
	stream, err := catalog.Load(cfg.StreamFile, cat)
	if err != nil {
		return fmt.Errorf("loading stream: %w", err)
	}

	if cfg.Plug.Enabled {
		p, err := plug.New(cfg.Plug.Listen, logger, func(plug.Chunk) bool { return true })
		if err != nil {
			return fmt.Errorf("starting plug: %w", err)
		}
		go p.Serve()
		defer p.Close()
	}

	if err := stream.Start(); err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pollStreamUntilDone(ctx, stream, logger)

	if cfg.Archive.Enabled {
		outputPath := stream.SinkParams()["path"]
		if outputPath == "" {
			logger.Warn("archive.enabled is set but the stream's sink has no path parameter, skipping")
		} else {
			archiveCfg := archive.Config{
				Compression: cfg.Archive.Compression,
				S3Bucket:    cfg.Archive.S3Bucket,
				S3Prefix:    cfg.Archive.S3Prefix,
			}
			path, err := archive.Archive(context.Background(), outputPath, archiveCfg)
			if err != nil {
				return fmt.Errorf("archiving capture: %w", err)
			}
			logger.Info("capture archived", "path", path)
		}
	}

	return nil
}

func runScheduled(cfg *config.CaptureConfig, cat *catalog.Catalog, logger *slog.Logger) error {
	runner := schedule.NewRunner(cat, logger)
	if _, err := runner.AddJob(cfg.Schedule, cfg.StreamFile); err != nil {
		return fmt.Errorf("scheduling stream: %w", err)
	}
	runner.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	runner.Stop(stopCtx)
	return nil
}

// pollStreamUntilDone drains a stream's Monitor until it reports STOP or
// ERROR, or ctx is cancelled, then stops the stream.
func pollStreamUntilDone(ctx context.Context, stream *catalog.Stream, logger *slog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			stream.Stop()
			return
		case <-ticker.C:
			mon := stream.Monitor()
			if mon == nil {
				return
			}
			if msg, ok := mon.Poll(); ok {
				logger.Info("stream reported status", "kind", msg.Kind.String(), "tag", msg.Tag)
				stream.Stop()
				return
			}
		}
	}
}

func newSineSourceFactory(p catalog.Params) (pipeline.Source, error) {
	return builtin.NewSineSource(
		paramInt(p, "channels", 1),
		paramFloat(p, "period", 0.01),
		paramFloat(p, "amplitude", 1),
		paramFloat(p, "wave_period", 1),
		paramInt(p, "max_slices", 0),
	)
}

func newFileSourceFactory(p catalog.Params) (pipeline.Source, error) {
	return builtin.NewFileSource(p["path"]), nil
}

func newFileSinkFactory(p catalog.Params) (pipeline.Sink, error) {
	return builtin.NewFileSink(p["path"]), nil
}

func newNullSinkFactory(p catalog.Params) (pipeline.Sink, error) {
	return builtin.NullSink{}, nil
}

func newRateLimitFactory(p catalog.Params) (pipeline.Operation, error) {
	return ratelimit.New(int64(paramInt(p, "bytes_per_second", 1<<20)), context.Background()), nil
}

func newPlugOperationFactory(p catalog.Params) (pipeline.Operation, error) {
	return plug.NewOperationPlug(p["host"], paramInt(p, "port", 0), nil), nil
}

func paramInt(p catalog.Params, key string, def int) int {
	v, ok := p[key]
	if !ok {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}

func paramFloat(p catalog.Params, key string, def float64) float64 {
	v, ok := p[key]
	if !ok {
		return def
	}
	var f float64
	if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
		return def
	}
	return f
}
