package pipeline

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/facqio/facqcore/internal/chunk"
	"github.com/facqio/facqcore/internal/streamdata"
)

func testStreamData(t *testing.T, period float64) *streamdata.StreamData {
	t.Helper()
	sd, err := streamdata.New(8, 1, period,
		streamdata.Chanlist{{Channel: 0}},
		[]streamdata.Unit{streamdata.UnitVolt},
		[]float64{10}, []float64{-10})
	if err != nil {
		t.Fatalf("streamdata.New: %v", err)
	}
	return sd
}

// countingSource emits n chunks worth of zeroed float64 samples, then EOF.
type countingSource struct {
	sd        *streamdata.StreamData
	remaining int
	mu        sync.Mutex
	started   bool
	stopped   bool
}

func (s *countingSource) StreamData() *streamdata.StreamData { return s.sd }
func (s *countingSource) NeedsConv() bool                    { return false }
func (s *countingSource) Start() error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}
func (s *countingSource) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}
func (s *countingSource) Poll() (PollStatus, error) { return PollReady, nil }
func (s *countingSource) Read(buf []byte) (int, ReadStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remaining <= 0 {
		return 0, StatusEOF, nil
	}
	s.remaining--
	return len(buf), StatusNormal, nil
}
func (s *countingSource) Conv(src []byte, dst []float64) {}

// memSink records every chunk's used-byte count it receives.
type memSink struct {
	mu      sync.Mutex
	writes  []int
	started bool
	stopped bool
	failAt  int // 0 disables; Write fails with StatusError on the failAt'th write
}

func (s *memSink) Start(sd *streamdata.StreamData) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}
func (s *memSink) Stop(sd *streamdata.StreamData) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}
func (s *memSink) Poll(sd *streamdata.StreamData) (PollStatus, error) { return PollReady, nil }
func (s *memSink) Write(sd *streamdata.StreamData, c *chunk.Chunk) (ReadStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, c.Used())
	if s.failAt != 0 && len(s.writes) == s.failAt {
		return StatusError, errors.New("synthetic sink failure")
	}
	return StatusNormal, nil
}

type noopOp struct {
	mu      sync.Mutex
	applied int
}

func (o *noopOp) Start(sd *streamdata.StreamData) error { return nil }
func (o *noopOp) Stop(sd *streamdata.StreamData) error  { return nil }
func (o *noopOp) Apply(sd *streamdata.StreamData, c *chunk.Chunk) error {
	o.mu.Lock()
	o.applied++
	o.mu.Unlock()
	return nil
}

func TestPipelineRunsToEOF(t *testing.T) {
	sd := testStreamData(t, 0.01)
	src := &countingSource{sd: sd, remaining: 5}
	sink := &memSink{}
	op := &noopOp{}

	p, err := New(src, []Operation{op}, sink, 2, 64, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.writes)
		sink.mu.Unlock()
		if n >= 5 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for writes, got %d", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	p.Stop()

	if p.State() != StateIdle {
		t.Fatalf("state after Stop = %s, want IDLE", p.State())
	}
	src.mu.Lock()
	if !src.started || !src.stopped {
		t.Fatalf("source lifecycle not observed: started=%v stopped=%v", src.started, src.stopped)
	}
	src.mu.Unlock()
	sink.mu.Lock()
	if !sink.started || !sink.stopped {
		t.Fatalf("sink lifecycle not observed: started=%v stopped=%v", sink.started, sink.stopped)
	}
	sink.mu.Unlock()
}

func TestPipelineStopIsIdempotentWhenIdle(t *testing.T) {
	sd := testStreamData(t, 1)
	src := &countingSource{sd: sd, remaining: 1}
	sink := &memSink{}

	p, err := New(src, nil, sink, 1, 32, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Stop() // no-op, never started
	if p.State() != StateIdle {
		t.Fatalf("state = %s, want IDLE", p.State())
	}
}

func TestPipelineStartTwiceFails(t *testing.T) {
	sd := testStreamData(t, 1)
	src := &countingSource{sd: sd, remaining: 100}
	sink := &memSink{}

	p, err := New(src, nil, sink, 1, 32, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	if err := p.Start(); err == nil {
		t.Fatalf("second Start should have failed")
	}
}

func TestPipelineReportsSinkErrorOnMonitor(t *testing.T) {
	sd := testStreamData(t, 0.01)
	src := &countingSource{sd: sd, remaining: 100}
	sink := &memSink{failAt: 1}
	mon := NewMonitor()

	p, err := New(src, nil, sink, 2, 64, mon)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var msg Message
	deadline := time.After(2 * time.Second)
	for {
		if m, ok := mon.Poll(); ok {
			msg = m
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for monitor message")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if msg.Kind != MsgError {
		t.Fatalf("message kind = %v, want MsgError", msg.Kind)
	}

	p.Stop()
}
