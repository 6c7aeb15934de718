// Package diag samples host resource usage on a fixed interval for the
// host process's own observability. It is independent of the pipeline
// Monitor: a Sampler never decides to stop anything, it only reports.
package diag

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

const defaultInterval = 15 * time.Second

// SystemStats is one sampled snapshot of host resource usage.
type SystemStats struct {
	Timestamp   time.Time
	CPUPercent  float64
	MemPercent  float64
	DiskPercent float64
	Load1       float64
}

// Sampler periodically samples CPU, memory, disk and load average and
// keeps the latest snapshot available via Stats.
type Sampler struct {
	logger   *slog.Logger
	interval time.Duration
	diskPath string

	mu     sync.Mutex
	latest SystemStats

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSampler builds a Sampler that samples diskPath's usage (use "/" for
// the root filesystem) every interval. A non-positive interval defaults
// to 15 seconds.
func NewSampler(logger *slog.Logger, interval time.Duration, diskPath string) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &Sampler{logger: logger, interval: interval, diskPath: diskPath}
}

// Start spawns the sampling goroutine. Calling Start twice without an
// intervening Stop leaks the first goroutine.
func (s *Sampler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	s.sample(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sample(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	s.logger.Info("diagnostics sampler started", "interval", s.interval)
}

// Stop cancels the sampling goroutine and waits for it to exit.
func (s *Sampler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("diagnostics sampler stopped")
}

// Stats returns the most recent snapshot. The zero value is returned if
// Start has not yet completed a first sample.
func (s *Sampler) Stats() SystemStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

func (s *Sampler) sample(ctx context.Context) {
	snap := SystemStats{Timestamp: time.Now()}

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		snap.CPUPercent = pcts[0]
	} else if err != nil {
		s.logger.Warn("sampling cpu percent failed", "error", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemPercent = vm.UsedPercent
	} else {
		s.logger.Warn("sampling memory failed", "error", err)
	}

	if du, err := disk.UsageWithContext(ctx, s.diskPath); err == nil {
		snap.DiskPercent = du.UsedPercent
	} else {
		s.logger.Warn("sampling disk usage failed", "path", s.diskPath, "error", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.Load1 = avg.Load1
	} else {
		s.logger.Warn("sampling load average failed", "error", err)
	}

	s.mu.Lock()
	s.latest = snap
	s.mu.Unlock()
}
