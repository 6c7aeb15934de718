// Package streamdata implements the immutable descriptor of an
// acquisition run (StreamData) and the per-channel specification list
// (Chanlist) it carries, along with their wire and checksum encodings.
package streamdata

import (
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"math"
)

// Direction describes whether a channel specification is for input or
// output.
type Direction uint8

const (
	// Input marks a channel used to read samples from hardware.
	Input Direction = iota
	// Output marks a channel used to write samples to hardware.
	Output
)

// Unit enumerates the physical unit a channel's samples are expressed in.
type Unit uint32

const (
	UnitNone Unit = iota
	UnitVolt
	UnitAmpere
	UnitCelsius
	UnitPascal
	UnitHertz
	UnitCustom
)

// ChanSpec packs one channel's acquisition parameters: channel index,
// range index, analog reference, and flags, plus a direction carried
// alongside (not packed into the word).
//
// Wire/word layout (low to high bit): channel[0:15], range[16:19],
// aref[20:21], flags[22:27].
type ChanSpec struct {
	Channel   uint16
	Range     uint8 // 4 bits
	ARef      uint8 // 2 bits
	Flags     uint8 // 6 bits
	Direction Direction
}

// Encode packs the channel spec into its 32-bit wire word. Direction is
// not part of the word; StreamData carries it out of band when needed.
func (cs ChanSpec) Encode() uint32 {
	w := uint32(cs.Channel) & 0xFFFF
	w |= (uint32(cs.Range) & 0xF) << 16
	w |= (uint32(cs.ARef) & 0x3) << 20
	w |= (uint32(cs.Flags) & 0x3F) << 22
	return w
}

// DecodeChanSpec unpacks a 32-bit wire word into a ChanSpec. Direction
// defaults to Input; callers that track direction out of band should set
// it explicitly afterward.
func DecodeChanSpec(w uint32) ChanSpec {
	return ChanSpec{
		Channel: uint16(w & 0xFFFF),
		Range:   uint8((w >> 16) & 0xF),
		ARef:    uint8((w >> 20) & 0x3),
		Flags:   uint8((w >> 22) & 0x3F),
	}
}

// Chanlist is an ordered sequence of channel specifications.
type Chanlist []ChanSpec

// StreamData is the immutable descriptor of an acquisition run: timing,
// channel count, per-channel units and physical ranges, and the channel
// specification list. Construct it with New; all fields are read-only
// after construction.
type StreamData struct {
	bps        int
	nChannels  int
	period     float64
	chanlist   Chanlist
	units      []Unit
	max        []float64
	min        []float64
}

// New validates and constructs a StreamData. nChannels must be in
// [1,256], period must be >= 1e-9, and chanlist/units/max/min must all
// have length nChannels with max[i] > min[i] for every channel.
func New(bps, nChannels int, period float64, chanlist Chanlist, units []Unit, max, min []float64) (*StreamData, error) {
	if nChannels < 1 || nChannels > 256 {
		return nil, fmt.Errorf("streamdata: n_channels must be in [1,256], got %d", nChannels)
	}
	if period < 1e-9 {
		return nil, fmt.Errorf("streamdata: period must be >= 1e-9, got %g", period)
	}
	if len(chanlist) != nChannels || len(units) != nChannels || len(max) != nChannels || len(min) != nChannels {
		return nil, fmt.Errorf("streamdata: chanlist/units/max/min must all have length %d", nChannels)
	}
	for i := range max {
		if !(max[i] > min[i]) {
			return nil, fmt.Errorf("streamdata: channel %d: max (%g) must be > min (%g)", i, max[i], min[i])
		}
	}

	sd := &StreamData{
		bps:       bps,
		nChannels: nChannels,
		period:    period,
		chanlist:  append(Chanlist(nil), chanlist...),
		units:     append([]Unit(nil), units...),
		max:       append([]float64(nil), max...),
		min:       append([]float64(nil), min...),
	}
	return sd, nil
}

// BytesPerSample returns the raw bytes-per-sample the source emits, as
// opposed to the 8-byte doubles used on the wire and in files.
func (sd *StreamData) BytesPerSample() int { return sd.bps }

// NChannels returns the number of interleaved channels per slice.
func (sd *StreamData) NChannels() int { return sd.nChannels }

// Period returns the inter-slice period in seconds.
func (sd *StreamData) Period() float64 { return sd.period }

// Chanlist returns the channel specification list.
func (sd *StreamData) Chanlist() Chanlist { return append(Chanlist(nil), sd.chanlist...) }

// Units returns the per-channel physical unit codes.
func (sd *StreamData) Units() []Unit { return append([]Unit(nil), sd.units...) }

// Max returns the per-channel expected maximum physical value.
func (sd *StreamData) Max() []float64 { return append([]float64(nil), sd.max...) }

// Min returns the per-channel expected minimum physical value.
func (sd *StreamData) Min() []float64 { return append([]float64(nil), sd.min...) }

// Equal reports whether two StreamData values describe the same stream,
// field for field, including bps (which the wire format never carries,
// see WriteWire).
func (sd *StreamData) Equal(other *StreamData) bool {
	if other == nil {
		return false
	}
	if sd.bps != other.bps || sd.nChannels != other.nChannels || sd.period != other.period {
		return false
	}
	for i := range sd.chanlist {
		if sd.chanlist[i] != other.chanlist[i] || sd.units[i] != other.units[i] ||
			sd.max[i] != other.max[i] || sd.min[i] != other.min[i] {
			return false
		}
	}
	return true
}

// WireBPS is the bytes-per-sample every network boundary assumes: the
// wire protocol never carries bps, so a receiver always decodes payload
// samples as float64.
const WireBPS = 8

// WriteWire serializes a StreamData to w in the handshake order: period
// (f64), n_channels (u32), then per-channel channel_spec (u32) × n,
// unit (u32) × n, max (f64) × n, min (f64) × n — max and min as two
// separate contiguous arrays, not interleaved. All values are
// big-endian. bps is not written; a reader must assume WireBPS.
func WriteWire(w io.Writer, sd *StreamData) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, bitsOf(sd.period))
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("streamdata: writing period: %w", err)
	}

	binary.BigEndian.PutUint32(buf[:4], uint32(sd.nChannels))
	if _, err := w.Write(buf[:4]); err != nil {
		return fmt.Errorf("streamdata: writing n_channels: %w", err)
	}

	for _, cs := range sd.chanlist {
		binary.BigEndian.PutUint32(buf[:4], cs.Encode())
		if _, err := w.Write(buf[:4]); err != nil {
			return fmt.Errorf("streamdata: writing channel spec: %w", err)
		}
	}
	for _, u := range sd.units {
		binary.BigEndian.PutUint32(buf[:4], uint32(u))
		if _, err := w.Write(buf[:4]); err != nil {
			return fmt.Errorf("streamdata: writing unit: %w", err)
		}
	}
	for _, m := range sd.max {
		binary.BigEndian.PutUint64(buf, bitsOf(m))
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("streamdata: writing max: %w", err)
		}
	}
	for _, m := range sd.min {
		binary.BigEndian.PutUint64(buf, bitsOf(m))
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("streamdata: writing min: %w", err)
		}
	}
	return nil
}

// ReadWire deserializes a StreamData written by WriteWire. The resulting
// StreamData's BytesPerSample() is always WireBPS, since the wire never
// carries bps and every receiver assumes doubles.
func ReadWire(r io.Reader) (*StreamData, error) {
	buf := make([]byte, 8)

	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("streamdata: reading period: %w", err)
	}
	period := floatOf(binary.BigEndian.Uint64(buf))

	if _, err := io.ReadFull(r, buf[:4]); err != nil {
		return nil, fmt.Errorf("streamdata: reading n_channels: %w", err)
	}
	n := int(binary.BigEndian.Uint32(buf[:4]))
	if n < 1 || n > 256 {
		return nil, fmt.Errorf("streamdata: n_channels out of range: %d", n)
	}

	chanlist := make(Chanlist, n)
	for i := 0; i < n; i++ {
		if _, err := io.ReadFull(r, buf[:4]); err != nil {
			return nil, fmt.Errorf("streamdata: reading channel spec %d: %w", i, err)
		}
		chanlist[i] = DecodeChanSpec(binary.BigEndian.Uint32(buf[:4]))
	}

	units := make([]Unit, n)
	for i := 0; i < n; i++ {
		if _, err := io.ReadFull(r, buf[:4]); err != nil {
			return nil, fmt.Errorf("streamdata: reading unit %d: %w", i, err)
		}
		units[i] = Unit(binary.BigEndian.Uint32(buf[:4]))
	}

	max := make([]float64, n)
	for i := 0; i < n; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("streamdata: reading max %d: %w", i, err)
		}
		max[i] = floatOf(binary.BigEndian.Uint64(buf))
	}

	min := make([]float64, n)
	for i := 0; i < n; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("streamdata: reading min %d: %w", i, err)
		}
		min[i] = floatOf(binary.BigEndian.Uint64(buf))
	}

	return New(WireBPS, n, period, chanlist, units, max, min)
}

// UpdateChecksum feeds sd's fields into h in the canonical big-endian
// order used by the file codec's header digest: period, n_channels,
// channel specs, units, max, min.
func (sd *StreamData) UpdateChecksum(h hash.Hash) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, bitsOf(sd.period))
	h.Write(buf)

	binary.BigEndian.PutUint32(buf[:4], uint32(sd.nChannels))
	h.Write(buf[:4])

	for _, cs := range sd.chanlist {
		binary.BigEndian.PutUint32(buf[:4], cs.Encode())
		h.Write(buf[:4])
	}
	for _, u := range sd.units {
		binary.BigEndian.PutUint32(buf[:4], uint32(u))
		h.Write(buf[:4])
	}
	for _, m := range sd.max {
		binary.BigEndian.PutUint64(buf, bitsOf(m))
		h.Write(buf)
	}
	for _, m := range sd.min {
		binary.BigEndian.PutUint64(buf, bitsOf(m))
		h.Write(buf)
	}
}

func bitsOf(f float64) uint64 {
	return math.Float64bits(f)
}

func floatOf(b uint64) float64 {
	return math.Float64frombits(b)
}
