// Package schedule implements a cron-driven runner that starts and
// stops catalog Streams on a fixed schedule, skipping a firing whose
// previous run is still in progress.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/facqio/facqcore/internal/catalog"
	"github.com/facqio/facqcore/internal/pipeline"
)

// RunResult records the outcome of one scheduled firing.
type RunResult struct {
	Status    string // "started", "stopped", "skipped", "error"
	Timestamp time.Time
	Err       error
}

// job pairs a loaded Stream with the execution guard a single cron
// entry needs: cron's own dedup only prevents two firings from
// overlapping, not a run outliving its period, so the guard is ours.
type job struct {
	streamPath string
	mu         sync.Mutex
	running    bool
	stream     *catalog.Stream
	lastResult *RunResult
}

// Runner wraps robfig/cron/v3 to start and stop catalog Streams on a
// schedule, driven by each stream's own Monitor the same way any other
// pipeline owner would: the pipeline never self-stops, so the runner's
// monitor-poll loop decides when a STOP or ERROR message means Stop.
type Runner struct {
	cron    *cron.Cron
	catalog *catalog.Catalog
	logger  *slog.Logger

	mu   sync.Mutex
	jobs map[cron.EntryID]*job
}

// NewRunner builds a Runner that resolves stream files against cat.
func NewRunner(cat *catalog.Catalog, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	return &Runner{
		cron:    c,
		catalog: cat,
		logger:  logger,
		jobs:    make(map[cron.EntryID]*job),
	}
}

// AddJob loads the stream at streamFilePath and registers it to start
// on every firing of the given cron spec. The stream is loaded once, at
// registration time, and reused across firings — if the previous run is
// still RUNNING when the schedule fires again, that firing is skipped
// with a logged warning.
func (r *Runner) AddJob(spec, streamFilePath string) (cron.EntryID, error) {
	stream, err := catalog.Load(streamFilePath, r.catalog)
	if err != nil {
		return 0, fmt.Errorf("schedule: loading stream from %s: %w", streamFilePath, err)
	}

	j := &job{streamPath: streamFilePath, stream: stream}

	var entryID cron.EntryID
	entryID, err = r.cron.AddFunc(spec, func() { r.fire(entryID, j) })
	if err != nil {
		return 0, fmt.Errorf("schedule: adding cron entry %q: %w", spec, err)
	}

	r.mu.Lock()
	r.jobs[entryID] = j
	r.mu.Unlock()

	r.logger.Info("registered scheduled stream", "stream", stream.Name, "path", streamFilePath, "schedule", spec)
	return entryID, nil
}

// fire runs on the cron goroutine: it starts the stream (skipping if
// already running) and spawns a monitor-poll loop that calls Stop once
// the pipeline reports STOP or ERROR.
func (r *Runner) fire(entryID cron.EntryID, j *job) {
	entryLogger := r.logger.With("stream", j.stream.Name)

	j.mu.Lock()
	if j.running {
		j.lastResult = &RunResult{Status: "skipped", Timestamp: time.Now()}
		j.mu.Unlock()
		entryLogger.Warn("scheduled stream already running, skipping this firing")
		return
	}
	j.running = true
	j.mu.Unlock()

	entryLogger.Info("scheduled stream starting")
	if err := j.stream.Start(); err != nil {
		entryLogger.Error("scheduled stream failed to start", "error", err)
		j.mu.Lock()
		j.running = false
		j.lastResult = &RunResult{Status: "error", Timestamp: time.Now(), Err: err}
		j.mu.Unlock()
		return
	}
	j.mu.Lock()
	j.lastResult = &RunResult{Status: "started", Timestamp: time.Now()}
	j.mu.Unlock()

	go r.watch(j, entryLogger)
}

// watch polls the stream's monitor at a fixed cadence and stops the
// stream on the first STOP or ERROR message, per the pipeline's
// never-self-stops contract.
func (r *Runner) watch(j *job, logger *slog.Logger) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		mon := j.stream.Monitor()
		if mon == nil {
			return
		}
		msg, ok := mon.Poll()
		if !ok {
			continue
		}

		switch msg.Kind {
		case pipeline.MsgStop:
			logger.Info("scheduled stream reported stop", "tag", msg.Tag)
		case pipeline.MsgError:
			logger.Error("scheduled stream reported error", "tag", msg.Tag, "error", msg.Err)
		}

		j.stream.Stop()
		j.mu.Lock()
		j.running = false
		j.lastResult = &RunResult{Status: "stopped", Timestamp: time.Now()}
		j.mu.Unlock()
		return
	}
}

// Start begins dispatching registered cron entries.
func (r *Runner) Start() {
	r.logger.Info("scheduled runner started", "jobs", len(r.jobs))
	r.cron.Start()
}

// Stop halts the cron dispatcher and waits up to ctx's deadline for any
// in-flight firing callback to return. It does not stop streams that
// are already running; callers that need a hard stop should call
// Stop on each job's Stream directly.
func (r *Runner) Stop(ctx context.Context) {
	r.logger.Info("scheduled runner stopping")
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
		r.logger.Info("scheduled runner stopped gracefully")
	case <-ctx.Done():
		r.logger.Warn("scheduled runner stop timed out")
	}
}

// LastResult returns the most recent run outcome for the given entry,
// or nil if it has never fired.
func (r *Runner) LastResult(id cron.EntryID) *RunResult {
	r.mu.Lock()
	j, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastResult
}
