// Package ratelimit implements a pipeline Operation that paces chunk
// throughput to a configured byte rate using a token bucket.
package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/facqio/facqcore/internal/chunk"
	"github.com/facqio/facqcore/internal/streamdata"
)

// maxBurstSize bounds a single WaitN reservation so a large chunk never
// blocks on one oversized token request.
const maxBurstSize = 256 * 1024

// Operation paces the stream to bytesPerSecond by making Apply wait on
// a token bucket sized to the chunk's used bytes. It never mutates the
// chunk.
type Operation struct {
	bytesPerSecond int64
	limiter        *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a RateLimitOperation targeting bytesPerSecond. ctx should
// be derived from the pipeline's own shutdown path so WaitN never
// blocks longer than the consumer loop's own exit allows; if ctx is
// nil, context.Background is used and the caller must call Stop to
// unblock any in-flight wait.
func New(bytesPerSecond int64, ctx context.Context) *Operation {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Operation{bytesPerSecond: bytesPerSecond, ctx: ctx, cancel: cancel}
}

// Start builds the token bucket, bursting up to bytesPerSecond or
// maxBurstSize, whichever is smaller.
func (o *Operation) Start(sd *streamdata.StreamData) error {
	if o.bytesPerSecond <= 0 {
		return fmt.Errorf("ratelimit: bytesPerSecond must be positive, got %d", o.bytesPerSecond)
	}
	burst := o.bytesPerSecond
	if burst > maxBurstSize {
		burst = maxBurstSize
	}
	o.limiter = rate.NewLimiter(rate.Limit(o.bytesPerSecond), int(burst))
	return nil
}

// Stop cancels any in-flight WaitN call, unblocking the consumer during
// shutdown.
func (o *Operation) Stop(sd *streamdata.StreamData) error {
	o.cancel()
	return nil
}

// Apply blocks until the token bucket has admitted c.Used() bytes,
// split into burst-sized reservations so a large chunk doesn't require
// one outsized wait.
func (o *Operation) Apply(sd *streamdata.StreamData, c *chunk.Chunk) error {
	remaining := c.Used()
	burst := o.limiter.Burst()
	for remaining > 0 {
		n := remaining
		if n > burst {
			n = burst
		}
		if err := o.limiter.WaitN(o.ctx, n); err != nil {
			return fmt.Errorf("ratelimit: waiting for tokens: %w", err)
		}
		remaining -= n
	}
	return nil
}
