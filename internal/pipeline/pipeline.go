package pipeline

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/facqio/facqcore/internal/chunk"
	"github.com/facqio/facqcore/internal/ring"
	"github.com/facqio/facqcore/internal/streamdata"
)

// State is a Pipeline's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// sinkPollRetries is how many times the consumer retries a not-ready sink
// poll before declaring an error.
const sinkPollRetries = 3

// Pipeline coordinates exactly two worker goroutines — producer (owns the
// Source after Start) and consumer (owns the OperationList and Sink
// after Start) — around a shared RingBuffer, and reports STOP/ERROR
// events to a Monitor for the owning goroutine to act on.
type Pipeline struct {
	mu    sync.Mutex
	state State

	source  Source
	ops     *OperationList
	sink    Sink
	ring    *ring.RingBuffer
	monitor *Monitor

	sd *streamdata.StreamData

	wg sync.WaitGroup
}

// New constructs a Pipeline over the given source, operations and sink,
// using ringSize chunks of chunkBytes each.
func New(source Source, ops []Operation, sink Sink, ringSize, chunkBytes int, monitor *Monitor) (*Pipeline, error) {
	if source == nil || sink == nil {
		return nil, fmt.Errorf("pipeline: source and sink are required")
	}
	if monitor == nil {
		monitor = NewMonitor()
	}
	rb, err := ring.New(ringSize, chunkBytes)
	if err != nil {
		return nil, fmt.Errorf("pipeline: creating ring buffer: %w", err)
	}
	return &Pipeline{
		state:   StateIdle,
		source:  source,
		ops:     NewOperationList(ops),
		sink:    sink,
		ring:    rb,
		monitor: monitor,
	}, nil
}

// State returns the pipeline's current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start transitions IDLE -> STARTING -> RUNNING. It acquires the
// source's StreamData, starts the operation list, the sink, then the
// source, and spawns the producer and consumer goroutines. Any failure
// performs a full reverse teardown and returns the pipeline to IDLE.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return fmt.Errorf("pipeline: start called in state %s, want IDLE", p.state)
	}
	p.state = StateStarting
	p.mu.Unlock()

	sd := p.source.StreamData()
	if sd == nil {
		p.mu.Lock()
		p.state = StateIdle
		p.mu.Unlock()
		return fmt.Errorf("pipeline: source returned nil StreamData")
	}
	p.sd = sd

	if err := p.ops.Start(sd); err != nil {
		p.mu.Lock()
		p.state = StateIdle
		p.mu.Unlock()
		return fmt.Errorf("pipeline: starting operation list: %w", err)
	}

	if err := p.sink.Start(sd); err != nil {
		_ = p.ops.Stop(sd)
		p.mu.Lock()
		p.state = StateIdle
		p.mu.Unlock()
		return fmt.Errorf("pipeline: starting sink: %w", err)
	}

	if err := p.source.Start(); err != nil {
		_ = p.sink.Stop(sd)
		_ = p.ops.Stop(sd)
		p.mu.Lock()
		p.state = StateIdle
		p.mu.Unlock()
		return fmt.Errorf("pipeline: starting source: %w", err)
	}

	p.wg.Add(2)
	go p.runProducer()
	go p.runConsumer()

	p.mu.Lock()
	p.state = StateRunning
	p.mu.Unlock()
	return nil
}

// Stop transitions RUNNING -> STOPPING -> IDLE. It sets the ring's exit
// flag, joins the producer and consumer, and returns to IDLE. Calling
// Stop when not RUNNING is a no-op.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	p.state = StateStopping
	p.mu.Unlock()

	p.ring.SetExit()
	p.wg.Wait()

	p.mu.Lock()
	p.state = StateIdle
	p.mu.Unlock()
}

func (p *Pipeline) runProducer() {
	defer p.wg.Done()

	needsConv := p.source.NeedsConv()

producerLoop:
	for !p.ring.Exit() {
		c, ok := p.ring.GetRecycledOrExit()
		if !ok {
			break
		}

		var target, rawBuf []byte
		if needsConv {
			nSamples := c.Capacity() / 8
			rawBuf = make([]byte, p.sd.BytesPerSample()*nSamples)
			target = rawBuf
		} else {
			target = c.WritePosition()
		}

		filled, status := p.fillBuffer(target)
		switch status {
		case StatusEOF:
			p.monitor.Post(Message{Kind: MsgStop, Tag: "end of file in source"})
			p.ring.Recycle(c)
			break producerLoop
		case StatusError:
			p.monitor.Post(Message{Kind: MsgError, Tag: "error while reading the source"})
			p.ring.Recycle(c)
			break producerLoop
		}

		if needsConv {
			nSamples := filled / p.sd.BytesPerSample()
			dst := make([]float64, nSamples)
			p.source.Conv(rawBuf[:filled], dst)
			wp := c.WritePosition()
			for i, f := range dst {
				binary.NativeEndian.PutUint64(wp[i*8:], math.Float64bits(f))
			}
			if err := c.AddUsed(nSamples * 8); err != nil {
				p.monitor.Post(Message{Kind: MsgError, Tag: "conversion produced more samples than chunk capacity", Err: err})
				p.ring.Recycle(c)
				break producerLoop
			}
		} else {
			if err := c.AddUsed(filled); err != nil {
				p.monitor.Post(Message{Kind: MsgError, Tag: "short read from source", Err: err})
				p.ring.Recycle(c)
				break producerLoop
			}
		}

		p.ring.Push(c)
	}

	p.ring.SetExit()
	_ = p.source.Stop()
}

// fillBuffer polls and reads the source repeatedly until target is full
// or a terminal/EOF condition is hit.
func (p *Pipeline) fillBuffer(target []byte) (int, ReadStatus) {
	filled := 0
	for filled < len(target) {
		if p.ring.Exit() {
			return filled, StatusNormal
		}
		pollStatus, err := p.source.Poll()
		if err != nil || pollStatus == PollError {
			return filled, StatusError
		}
		if pollStatus == PollNotReady {
			continue
		}

		n, status, err := p.source.Read(target[filled:])
		filled += n
		if err != nil && status != StatusAgain {
			return filled, StatusError
		}
		switch status {
		case StatusEOF:
			return filled, StatusEOF
		case StatusError:
			return filled, StatusError
		case StatusAgain, StatusNormal:
			// keep looping until target is full
		}
	}
	return filled, StatusNormal
}

func (p *Pipeline) runConsumer() {
	defer p.wg.Done()

	popTimeout := time.Duration(p.sd.Period() * float64(time.Second))
	if popTimeout < time.Second {
		popTimeout = time.Second
	}

	for {
		c, ok := p.ring.TimeoutPop(popTimeout)
		if !ok {
			if p.ring.Exit() {
				break
			}
			continue
		}

		if !p.consumeOne(c, sinkPollRetries) {
			break
		}

		if p.ring.Exit() {
			p.drainRemaining()
			break
		}
	}

	_ = p.ops.Stop(p.sd)
	_ = p.sink.Stop(p.sd)
}

// consumeOne applies the operation list and writes c to the sink,
// returning false if the consumer loop should stop after this call.
func (p *Pipeline) consumeOne(c *chunk.Chunk, pollRetries int) bool {
	if err := p.ops.Apply(p.sd, c); err != nil {
		p.monitor.Post(Message{Kind: MsgError, Tag: "operation failed", Err: err})
		return false
	}

	ready := false
	for i := 0; i < pollRetries; i++ {
		status, err := p.sink.Poll(p.sd)
		if err != nil || status == PollError {
			p.monitor.Post(Message{Kind: MsgError, Tag: "error while polling the sink", Err: err})
			return false
		}
		if status == PollReady {
			ready = true
			break
		}
	}
	if !ready {
		p.monitor.Post(Message{Kind: MsgError, Tag: "sink not ready after retries"})
		return false
	}

	status, err := p.sink.Write(p.sd, c)
	switch status {
	case StatusEOF:
		p.monitor.Post(Message{Kind: MsgStop, Tag: "end of file in sink"})
		return false
	case StatusError:
		p.monitor.Post(Message{Kind: MsgError, Tag: "error while writing the sink", Err: err})
		return false
	case StatusNormal:
		p.ring.Recycle(c)
		return true
	default:
		p.monitor.Post(Message{Kind: MsgError, Tag: "unexpected sink status"})
		return false
	}
}

// drainRemaining consumes whatever is left in the full queue after exit
// has been observed, applying the same steps with no poll retries.
func (p *Pipeline) drainRemaining() {
	for {
		c, ok := p.ring.TryPop()
		if !ok {
			return
		}
		if !p.consumeOne(c, 1) {
			return
		}
	}
}
