// Package chunk implements the fixed-capacity byte buffer that is the
// unit of transfer between a pipeline's producer and consumer.
package chunk

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Chunk is a contiguous mutable byte buffer of fixed capacity, with a
// monotonic watermark marking how many bytes from the front are in use.
// A Chunk carries no type tag of its own: whether its bytes are raw
// source samples or native-endian float64 slices is contextual, decided
// by whoever is currently holding it.
type Chunk struct {
	buf  []byte
	used int
}

// New allocates a zeroed Chunk with the given byte capacity.
func New(capacity int) (*Chunk, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("chunk: capacity must be positive, got %d", capacity)
	}
	return &Chunk{buf: make([]byte, capacity)}, nil
}

// Capacity returns the chunk's fixed byte capacity.
func (c *Chunk) Capacity() int { return len(c.buf) }

// Used returns the number of bytes currently in use, 0 <= Used() <= Capacity().
func (c *Chunk) Used() int { return c.used }

// Clear resets the watermark to zero. Buffer contents past the new
// watermark are left as-is and must not be relied upon by callers.
func (c *Chunk) Clear() { c.used = 0 }

// AddUsed advances the watermark by n bytes. It fails if doing so would
// exceed the chunk's capacity.
func (c *Chunk) AddUsed(n int) error {
	if n < 0 {
		return fmt.Errorf("chunk: negative add-used %d", n)
	}
	if c.used+n > len(c.buf) {
		return fmt.Errorf("chunk: add-used %d overflows capacity (used=%d, cap=%d)", n, c.used, len(c.buf))
	}
	c.used += n
	return nil
}

// FreeBytes returns the number of unused bytes remaining in the chunk.
func (c *Chunk) FreeBytes() int { return len(c.buf) - c.used }

// WritePosition returns the byte slice starting at the current watermark
// and extending to the chunk's capacity, for a producer to fill before
// calling AddUsed.
func (c *Chunk) WritePosition() []byte { return c.buf[c.used:] }

// Bytes returns the in-use prefix of the buffer.
func (c *Chunk) Bytes() []byte { return c.buf[:c.used] }

// TotalSlices returns how many complete interleaved slices of bps*nCh
// bytes fit within the used region.
func (c *Chunk) TotalSlices(bps, nCh int) int {
	stride := bps * nCh
	if stride <= 0 {
		return 0
	}
	return c.used / stride
}

// Slice returns the byte range for the i-th interleaved slice of bps*nCh
// bytes, or false if that slice falls outside the used region.
func (c *Chunk) Slice(i, bps, nCh int) ([]byte, bool) {
	stride := bps * nCh
	if stride <= 0 || i < 0 {
		return nil, false
	}
	start := i * stride
	end := start + stride
	if end > c.used {
		return nil, false
	}
	return c.buf[start:end], true
}

// ToBigEndianF64 byte-swaps the first Used()/8 float64 values in place to
// big-endian. It is a no-op on a big-endian host. Applying it an even
// number of times to the same bytes is the identity; applying it an odd
// number of times leaves the bytes in the other endianness.
func (c *Chunk) ToBigEndianF64() {
	SwapF64InPlace(c.buf[:c.used-(c.used%8)])
}

// nativeIsBigEndian reports whether the host's native byte order for
// uint16 matches big-endian. facqcore targets common little-endian hosts
// but must not assume it.
var nativeIsBigEndian = func() bool {
	var x uint16 = 1
	b := make([]byte, 2)
	binary.NativeEndian.PutUint16(b, x)
	return b[0] == 0
}()

// SwapF64InPlace reverses the byte order of every 8-byte float64 word in
// buf. buf's length must be a multiple of 8. It is the single utility
// every network and file write goes through before emitting doubles, and
// every read reverses before interpreting them as native doubles.
func SwapF64InPlace(buf []byte) {
	if nativeIsBigEndian {
		return
	}
	for i := 0; i+8 <= len(buf); i += 8 {
		buf[i], buf[i+1], buf[i+2], buf[i+3], buf[i+4], buf[i+5], buf[i+6], buf[i+7] =
			buf[i+7], buf[i+6], buf[i+5], buf[i+4], buf[i+3], buf[i+2], buf[i+1], buf[i]
	}
}

// PutF64BE writes f as a big-endian float64 into buf[0:8].
func PutF64BE(buf []byte, f float64) {
	binary.BigEndian.PutUint64(buf, math.Float64bits(f))
}

// F64BE reads a big-endian float64 from buf[0:8].
func F64BE(buf []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(buf))
}
