// Package ring implements the bounded, two-queue chunk recycler that
// moves Chunks between a pipeline's producer and consumer with
// backpressure and a monotonic exit signal.
package ring

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/facqio/facqcore/internal/chunk"
)

// RingBuffer holds two FIFO queues of Chunk references — full (ready for
// the consumer) and empty (ready for the producer) — each bounded at N
// entries, where N is the pool size passed to New. At all times
// len(full)+len(empty)+in_flight == N, where in_flight counts chunks
// currently held outside both queues by the producer or the consumer.
//
// The queues are backed by buffered channels: since a producer can only
// ever hold a chunk it first drained from empty, and a consumer only ever
// holds one it drained from full, the channel capacities are never
// exceeded and Push/Recycle never block in practice.
type RingBuffer struct {
	full   chan *chunk.Chunk
	empty  chan *chunk.Chunk
	exit   atomic.Bool
	doneCh chan struct{}
	once   sync.Once
}

// New preallocates n chunks of chunkSize bytes and places them all in the
// empty queue.
func New(n, chunkSize int) (*RingBuffer, error) {
	rb := &RingBuffer{
		full:   make(chan *chunk.Chunk, n),
		empty:  make(chan *chunk.Chunk, n),
		doneCh: make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		c, err := chunk.New(chunkSize)
		if err != nil {
			return nil, err
		}
		rb.empty <- c
	}
	return rb, nil
}

// Push appends a full chunk to the full queue. The producer must only
// call this with a chunk it previously obtained from GetRecycled or
// TryGetRecycled.
func (rb *RingBuffer) Push(c *chunk.Chunk) {
	rb.full <- c
}

// Pop blocks until a chunk is available in the full queue.
func (rb *RingBuffer) Pop() *chunk.Chunk {
	return <-rb.full
}

// TryPop returns a chunk from the full queue without blocking, or false
// if none is currently available.
func (rb *RingBuffer) TryPop() (*chunk.Chunk, bool) {
	select {
	case c := <-rb.full:
		return c, true
	default:
		return nil, false
	}
}

// TimeoutPop waits up to d for a chunk to become available in the full
// queue.
func (rb *RingBuffer) TimeoutPop(d time.Duration) (*chunk.Chunk, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case c := <-rb.full:
		return c, true
	case <-timer.C:
		return nil, false
	}
}

// GetRecycled blocks until an empty chunk is available from the pool.
func (rb *RingBuffer) GetRecycled() *chunk.Chunk {
	return <-rb.empty
}

// TryGetRecycled returns an empty chunk without blocking, or false if the
// pool is currently exhausted.
func (rb *RingBuffer) TryGetRecycled() (*chunk.Chunk, bool) {
	select {
	case c := <-rb.empty:
		return c, true
	default:
		return nil, false
	}
}

// Recycle clears a chunk and returns it to the empty queue. Only the
// consumer should call this, on a chunk it previously obtained from Pop,
// TryPop or TimeoutPop.
func (rb *RingBuffer) Recycle(c *chunk.Chunk) {
	c.Clear()
	rb.empty <- c
}

// SetExit sets the exit flag. The flag is monotonic: once set, Exit never
// reports false again. It closes Done, which wakes a goroutine blocked in
// GetRecycledOrExit; GetRecycled and Pop do not watch Done and keep
// waiting for a chunk.
func (rb *RingBuffer) SetExit() {
	rb.exit.Store(true)
	rb.once.Do(func() { close(rb.doneCh) })
}

// Exit reports whether SetExit has been called.
func (rb *RingBuffer) Exit() bool {
	return rb.exit.Load()
}

// Done returns a channel that is closed once SetExit has been called, so
// a goroutine blocked in GetRecycled or Pop can select on it to wake up
// for cooperative shutdown.
func (rb *RingBuffer) Done() <-chan struct{} {
	return rb.doneCh
}

// GetRecycledOrExit blocks until either an empty chunk is available or
// the ring's exit flag is set, whichever happens first.
func (rb *RingBuffer) GetRecycledOrExit() (*chunk.Chunk, bool) {
	select {
	case c := <-rb.empty:
		return c, true
	case <-rb.doneCh:
		// A chunk may have raced into empty at the same instant exit was
		// set; give it one last non-blocking check before giving up.
		select {
		case c := <-rb.empty:
			return c, true
		default:
			return nil, false
		}
	}
}
