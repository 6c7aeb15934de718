package plug

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/facqio/facqcore/internal/chunk"
	"github.com/facqio/facqcore/internal/netio"
	"github.com/facqio/facqcore/internal/streamdata"
)

// operationSendRetries bounds how many times OperationPlug retries a
// partial send before giving up on a chunk (failures are logged, not
// fatal: the capture keeps running even if the viewer goes away).
const operationSendRetries = 3

// OperationPlug is a pipeline Operation that mirrors every chunk it
// sees to a remote viewer over TCP, without altering the chunk for
// downstream operations. It is resilient to the peer disappearing: send
// failures are logged and the chunk passes through unmodified.
type OperationPlug struct {
	host   string
	port   int
	logger *slog.Logger

	conn net.Conn
}

// NewOperationPlug targets host:port, resolved and dialed lazily at
// Start.
func NewOperationPlug(host string, port int, logger *slog.Logger) *OperationPlug {
	if logger == nil {
		logger = slog.Default()
	}
	return &OperationPlug{host: host, port: port, logger: logger}
}

// Start resolves host to one or more addresses and dials them in order
// until one connects, then sends the StreamData handshake.
func (o *OperationPlug) Start(sd *streamdata.StreamData) error {
	addrs, err := net.LookupHost(o.host)
	if err != nil {
		return fmt.Errorf("plug: resolving %s: %w", o.host, err)
	}
	if len(addrs) == 0 {
		addrs = []string{o.host}
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	var lastErr error
	for _, addr := range addrs {
		conn, err := dialer.Dial("tcp", net.JoinHostPort(addr, fmt.Sprintf("%d", o.port)))
		if err != nil {
			lastErr = err
			continue
		}
		o.conn = conn
		lastErr = nil
		break
	}
	if o.conn == nil {
		return fmt.Errorf("plug: connecting to %s:%d: %w", o.host, o.port, lastErr)
	}

	if err := streamdata.WriteWire(o.conn, sd); err != nil {
		o.conn.Close()
		o.conn = nil
		return fmt.Errorf("plug: sending stream data handshake: %w", err)
	}
	return nil
}

// Stop shuts down and drops the connection, if any.
func (o *OperationPlug) Stop(sd *streamdata.StreamData) error {
	if o.conn == nil {
		return nil
	}
	err := o.conn.Close()
	o.conn = nil
	return err
}

// Apply byte-swaps c to big-endian, sends it with bounded retries, and
// byte-swaps it back so downstream operations keep seeing native
// doubles. A send failure is logged and swallowed: the capture
// continues even if the viewer has disconnected.
func (o *OperationPlug) Apply(sd *streamdata.StreamData, c *chunk.Chunk) error {
	if o.conn == nil {
		return nil
	}

	c.ToBigEndianF64()
	_, err := netio.Send(o.conn, c.Bytes(), operationSendRetries)
	c.ToBigEndianF64() // swap back to native regardless of send outcome

	if err != nil {
		o.logger.Warn("plug: send to viewer failed, continuing capture", "error", err)
	}
	return nil
}
