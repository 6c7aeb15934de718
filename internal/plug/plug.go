// Package plug implements the network source/sink pair that moves chunk
// payloads over a plain TCP connection: Plug accepts a single remote
// writer and hands decoded chunks to a callback, while OperationPlug
// mirrors every chunk it sees out to a remote viewer.
package plug

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/facqio/facqcore/internal/chunk"
	"github.com/facqio/facqcore/internal/netio"
	"github.com/facqio/facqcore/internal/streamdata"
)

// acceptBacklog matches the single-client contract: a second concurrent
// connection attempt is accepted only to be rejected immediately.
const acceptBacklog = 1

// Chunk is what the per-client reader goroutine hands to a Plug's
// callback: a fully decoded (native-endian) slice of doubles for one
// stream shape.
type Chunk struct {
	StreamData *streamdata.StreamData
	Samples    []float64
}

// Plug is a single-client TCP server: it accepts one remote writer,
// reads its StreamData handshake, then relays decoded chunks to cb until
// the client disconnects or cb returns false. cb is called directly from
// the per-client reader goroutine as each chunk is read; chunks are not
// queued in a ring buffer and there is no periodic drain timer.
type Plug struct {
	logger *slog.Logger

	mu       sync.Mutex
	ln       net.Listener
	conn     net.Conn
	connMu   sync.Mutex // protects conn against concurrent disconnect/read
	cancel   chan struct{}
	producer chan struct{} // closed once the producer goroutine exits

	onConnected    func()
	onDisconnected func()
	cb             func(Chunk) bool

	addr string
}

// New binds a listener on addr and returns a Plug that is not yet
// accepting; call Serve to start the accept loop.
func New(addr string, logger *slog.Logger, cb func(Chunk) bool) (*Plug, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("plug: listening on %s: %w", addr, err)
	}
	return &Plug{
		logger: logger,
		ln:     ln,
		addr:   addr,
		cb:     cb,
	}, nil
}

// Addr returns the listener's actual bound address, useful when New was
// called with a ":0" port.
func (p *Plug) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ln.Addr()
}

// OnConnected registers a callback fired once a client's handshake
// succeeds.
func (p *Plug) OnConnected(f func()) { p.onConnected = f }

// OnDisconnected registers a callback fired once a connected client
// goes away, by disconnect or error.
func (p *Plug) OnDisconnected(f func()) { p.onDisconnected = f }

// Serve runs the accept loop. It blocks until the listener is closed by
// Close. Only one client is served at a time; a second concurrent
// connection attempt is accepted and immediately shut down.
func (p *Plug) Serve() error {
	consecutiveErrors := 0
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			if isClosed(err) {
				return nil
			}
			consecutiveErrors++
			p.logger.Error("plug: accept failed", "error", err, "consecutive_errors", consecutiveErrors)
			delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
			if delay > 2*time.Second {
				delay = 2 * time.Second
			}
			time.Sleep(delay)
			continue
		}
		consecutiveErrors = 0

		p.mu.Lock()
		busy := p.conn != nil
		p.mu.Unlock()
		if busy {
			p.logger.Warn("plug: rejecting concurrent client", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}

		if err := p.acceptClient(conn); err != nil {
			p.logger.Error("plug: handshake failed", "remote", conn.RemoteAddr(), "error", err)
			conn.Close()
		}
	}
}

// acceptClient reads the StreamData handshake and starts the per-client
// producer goroutine.
func (p *Plug) acceptClient(conn net.Conn) error {
	sd, err := streamdata.ReadWire(conn)
	if err != nil {
		return fmt.Errorf("reading stream data handshake: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.cancel = make(chan struct{})
	p.producer = make(chan struct{})
	p.mu.Unlock()

	if p.onConnected != nil {
		p.onConnected()
	}

	chunkBytes := plugChunkBytes(sd)
	go p.runProducer(conn, sd, chunkBytes)
	return nil
}

// runProducer reads fixed-size chunks from the client, decodes them
// from big-endian to native doubles, and invokes cb for each until the
// connection errors, the caller cancels, or cb returns false. When the
// peer closes in the middle of a chunk, the whole samples it did send are
// delivered before the producer exits.
func (p *Plug) runProducer(conn net.Conn, sd *streamdata.StreamData, chunkBytes int) {
	defer close(p.producer)
	defer p.teardown()

	buf := make([]byte, chunkBytes)
	for {
		select {
		case <-p.cancel:
			return
		default:
		}

		p.connMu.Lock()
		n, err := netio.Recv(conn, buf, 0)
		p.connMu.Unlock()
		if err != nil {
			if err != netio.ErrPeerClosed {
				p.logger.Error("plug: recv failed", "error", err)
			} else if n >= 8 && p.cb != nil {
				samples := make([]float64, n/8)
				for i := range samples {
					samples[i] = chunk.F64BE(buf[i*8:])
				}
				p.cb(Chunk{StreamData: sd, Samples: samples})
			}
			return
		}

		samples := make([]float64, n/8)
		for i := range samples {
			samples[i] = chunk.F64BE(buf[i*8:])
		}
		if p.cb != nil && !p.cb(Chunk{StreamData: sd, Samples: samples}) {
			return
		}
	}
}

// plugChunkBytes picks a chunk size targeting a few hundred
// milliseconds of data per read, rounded down to a whole number of
// slices, with a floor of one slice.
func plugChunkBytes(sd *streamdata.StreamData) int {
	sliceBytes := sd.NChannels() * 8
	if sd.Period() <= 0 {
		return sliceBytes
	}
	slicesPerChunk := int(0.3 / sd.Period())
	if slicesPerChunk < 1 {
		slicesPerChunk = 1
	}
	return slicesPerChunk * sliceBytes
}

// Disconnect idempotently tears down the current client connection, if
// any.
func (p *Plug) Disconnect() {
	p.mu.Lock()
	if p.conn == nil {
		p.mu.Unlock()
		return
	}
	conn := p.conn
	cancel := p.cancel
	producer := p.producer
	p.mu.Unlock()

	close(cancel)
	p.connMu.Lock()
	conn.Close()
	p.connMu.Unlock()
	<-producer
}

// teardown clears per-client state and fires onDisconnected. It is
// called once, by the producer goroutine, on its way out.
func (p *Plug) teardown() {
	p.mu.Lock()
	p.conn = nil
	p.mu.Unlock()
	if p.onDisconnected != nil {
		p.onDisconnected()
	}
}

// SetListenAddress stops accepting, disconnects any client, and rebinds
// to addr. Closing the old listener ends the running Serve loop; the
// caller must call Serve again after this returns.
func (p *Plug) SetListenAddress(addr string) error {
	p.Disconnect()
	if err := p.ln.Close(); err != nil {
		return fmt.Errorf("plug: closing old listener: %w", err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("plug: rebinding to %s: %w", addr, err)
	}
	p.mu.Lock()
	p.ln = ln
	p.addr = addr
	p.mu.Unlock()
	return nil
}

// Close stops the accept loop and disconnects any client.
func (p *Plug) Close() error {
	p.Disconnect()
	return p.ln.Close()
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
