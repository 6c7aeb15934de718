package plug

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/facqio/facqcore/internal/chunk"
	"github.com/facqio/facqcore/internal/streamdata"
)

func testStreamData(t *testing.T) *streamdata.StreamData {
	t.Helper()
	sd, err := streamdata.New(8, 1, 0.01,
		streamdata.Chanlist{{Channel: 0}},
		[]streamdata.Unit{streamdata.UnitVolt},
		[]float64{10}, []float64{-10})
	if err != nil {
		t.Fatalf("streamdata.New: %v", err)
	}
	return sd
}

func TestPlugReceivesHandshakeAndChunks(t *testing.T) {
	var mu sync.Mutex
	var received []float64
	var connected, disconnected bool

	p, err := New("127.0.0.1:0", nil, func(c Chunk) bool {
		mu.Lock()
		received = append(received, c.Samples...)
		mu.Unlock()
		return true
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.OnConnected(func() { mu.Lock(); connected = true; mu.Unlock() })
	p.OnDisconnected(func() { mu.Lock(); disconnected = true; mu.Unlock() })
	go p.Serve()
	defer p.Close()

	sd := testStreamData(t)
	conn, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := streamdata.WriteWire(conn, sd); err != nil {
		t.Fatalf("WriteWire: %v", err)
	}

	// The plug reads whole chunks of plugChunkBytes(sd), so send one.
	buf := make([]byte, plugChunkBytes(sd))
	chunk.PutF64BE(buf, 3.5)
	if _, err := conn.Write(buf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		ok := connected && len(received) == len(buf)/8
		mu.Unlock()
		if ok {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for chunk delivery")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	if received[0] != 3.5 {
		t.Fatalf("received[0] = %g, want 3.5", received[0])
	}
	mu.Unlock()

	conn.Close()

	deadline = time.After(2 * time.Second)
	for {
		mu.Lock()
		ok := disconnected
		mu.Unlock()
		if ok {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for disconnect callback")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPlugRejectsConcurrentClient(t *testing.T) {
	p, err := New("127.0.0.1:0", nil, func(Chunk) bool { return true })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go p.Serve()
	defer p.Close()

	sd := testStreamData(t)
	first, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatalf("Dial first: %v", err)
	}
	defer first.Close()
	if err := streamdata.WriteWire(first, sd); err != nil {
		t.Fatalf("WriteWire: %v", err)
	}
	time.Sleep(50 * time.Millisecond) // let the server register the first client

	second, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatalf("Dial second: %v", err)
	}
	defer second.Close()

	buf := make([]byte, 1)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = second.Read(buf)
	if err == nil {
		t.Fatalf("expected the rejected connection to be closed")
	}
}

func TestOperationPlugMirrorsChunksWithoutFailingOnDisconnect(t *testing.T) {
	var mu sync.Mutex
	var gotSamples int

	p, err := New("127.0.0.1:0", nil, func(c Chunk) bool {
		mu.Lock()
		gotSamples += len(c.Samples)
		mu.Unlock()
		return true
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go p.Serve()
	defer p.Close()

	addr := p.Addr().(*net.TCPAddr)
	op := NewOperationPlug("127.0.0.1", addr.Port, nil)
	sd := testStreamData(t)
	if err := op.Start(sd); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The plug reads whole chunks of plugChunkBytes(sd), so mirror one.
	nSamples := plugChunkBytes(sd) / 8
	c, err := chunk.New(nSamples * 8)
	if err != nil {
		t.Fatalf("chunk.New: %v", err)
	}
	wp := c.WritePosition()
	for i := 0; i < nSamples; i++ {
		chunk.PutF64BE(wp[i*8:], float64(i+1))
		chunk.SwapF64InPlace(wp[i*8 : i*8+8]) // stage native like the pipeline would hand it
	}
	if err := c.AddUsed(nSamples * 8); err != nil {
		t.Fatalf("AddUsed: %v", err)
	}

	before := append([]byte(nil), c.Bytes()...)
	if err := op.Apply(sd, c); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	after := c.Bytes()
	if string(before) != string(after) {
		t.Fatalf("Apply must leave the chunk's bytes unchanged for downstream operations")
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		ok := gotSamples == nSamples
		mu.Unlock()
		if ok {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for mirrored samples")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := op.Stop(sd); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Apply after Stop (no connection) must be a harmless no-op, matching
	// the "failures don't stop the capture" contract.
	if err := op.Apply(sd, c); err != nil {
		t.Fatalf("Apply after Stop should not fail: %v", err)
	}
}
