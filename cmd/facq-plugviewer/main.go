// Command facq-plugviewer runs a standalone Plug listener and logs the
// slice counts it receives from a capturing process's plug operation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/facqio/facqcore/internal/logging"
	"github.com/facqio/facqcore/internal/plug"
)

func main() {
	listen := flag.String("listen", "0.0.0.0:3001", "address to accept the capturing process's plug connection on")
	level := flag.String("log-level", "info", "log level: debug, info, warn, error")
	format := flag.String("log-format", "json", "log format: json or text")
	flag.Parse()

	logger, logCloser := logging.New(*level, *format, "")
	defer logCloser.Close()

	var total int
	p, err := plug.New(*listen, logger, func(c plug.Chunk) bool {
		total += len(c.Samples)
		logger.Debug("received chunk", "doubles", len(c.Samples), "running_total", total)
		return true
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting plug: %v\n", err)
		os.Exit(1)
	}
	defer p.Close()

	p.OnConnected(func() { logger.Info("capturing process connected", "addr", p.Addr()) })
	p.OnDisconnected(func() { logger.Info("capturing process disconnected", "total_doubles", total) })

	go func() {
		if err := p.Serve(); err != nil {
			logger.Error("plug serve failed", "error", err)
		}
	}()

	logger.Info("facq-plugviewer listening", "addr", p.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down", "total_doubles", total)
}
