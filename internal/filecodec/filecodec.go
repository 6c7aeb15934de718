// Package filecodec implements the self-describing binary sample file
// format: a header mirroring streamdata.StreamData, a big-endian
// interleaved-doubles payload, and a trailer carrying the sample count
// and a SHA-256 digest over everything written before it.
package filecodec

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/facqio/facqcore/internal/chunk"
	"github.com/facqio/facqcore/internal/streamdata"
)

// Magic identifies a facqcore sample file.
const Magic uint32 = 0x075D6D39

// Seek offsets into a file, in bytes from the start, for n = n_channels.
func FirstChannel(n int) int64 { return 16 }
func FirstUnit(n int) int64    { return 16 + 4*int64(n) }
func FirstMax(n int) int64     { return 16 + 8*int64(n) }
func FirstMin(n int) int64     { return 16 + 16*int64(n) }
func FirstSample(n int) int64  { return 16 + 24*int64(n) }

// trailerSize is 8 bytes of written_samples plus a 32-byte digest.
const trailerSize = 8 + 32

// Writer streams a header, followed by zero or more chunks of
// interleaved samples, followed by a trailer, to a temporary sibling of
// the target path that is renamed into place on Stop.
//
// Call order: New, WriteHeader, zero or more WriteSamples, WriteTail,
// Stop. Calling methods out of order is a programmer error.
type Writer struct {
	targetPath string
	tmpPath    string
	f          *os.File
	digest     hash.Hash
	written    uint64 // total f64 samples written to the payload
	sd         *streamdata.StreamData
}

// New creates the temporary file that will back the eventual target
// path and initializes a fresh digest state.
func New(path string) (*Writer, error) {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return nil, fmt.Errorf("filecodec: creating temp file: %w", err)
	}
	return &Writer{
		targetPath: path,
		tmpPath:    f.Name(),
		f:          f,
		digest:     sha256.New(),
	}, nil
}

// WriteHeader writes the file header and feeds it into the running
// digest. Must be called exactly once, before any WriteSamples call.
func (w *Writer) WriteHeader(sd *streamdata.StreamData) error {
	w.sd = sd

	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, Magic)
	if err := w.writeAndDigest(buf); err != nil {
		return fmt.Errorf("filecodec: writing magic: %w", err)
	}

	// period, n_channels, channel specs, units, max, min — the exact
	// wire order streamdata.WriteWire uses, so the digest and the file
	// layout agree with the network handshake encoding byte for byte.
	if err := streamdata.WriteWire(&digestingWriter{w: w.f, h: w.digest}, sd); err != nil {
		return fmt.Errorf("filecodec: writing header body: %w", err)
	}
	return nil
}

// WriteSamples converts c's used bytes (assumed native-endian float64
// slices) to big-endian in place, feeds them into the digest, writes
// them to the payload region, and advances the written-sample count.
func (w *Writer) WriteSamples(c *chunk.Chunk) error {
	c.ToBigEndianF64()
	data := c.Bytes()
	if len(data)%8 != 0 {
		return fmt.Errorf("filecodec: chunk used-bytes %d is not a multiple of 8", len(data))
	}
	if err := w.writeAndDigest(data); err != nil {
		return fmt.Errorf("filecodec: writing samples: %w", err)
	}
	w.written += uint64(len(data) / 8)
	return nil
}

// WriteTail feeds the big-endian sample count into the digest,
// finalizes it, and writes the sample count followed by the
// byte-reversed 32-byte digest.
func (w *Writer) WriteTail() error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, w.written)
	w.digest.Write(buf)

	sum := w.digest.Sum(nil)
	reversed := make([]byte, len(sum))
	for i, b := range sum {
		reversed[len(sum)-1-i] = b
	}
	if _, err := w.f.Write(buf); err != nil {
		return fmt.Errorf("filecodec: writing trailer sample count: %w", err)
	}
	if _, err := w.f.Write(reversed); err != nil {
		return fmt.Errorf("filecodec: writing trailer digest: %w", err)
	}
	return nil
}

// Stop closes the temp file, removes any pre-existing target, and
// renames the temp file into place.
func (w *Writer) Stop() error {
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("filecodec: closing temp file: %w", err)
	}
	if _, err := os.Stat(w.targetPath); err == nil {
		if err := os.Remove(w.targetPath); err != nil {
			return fmt.Errorf("filecodec: removing existing target: %w", err)
		}
	}
	if err := os.Rename(w.tmpPath, w.targetPath); err != nil {
		return fmt.Errorf("filecodec: renaming temp to target: %w", err)
	}
	return nil
}

// Abort discards the temp file without touching the target path.
func (w *Writer) Abort() error {
	_ = w.f.Close()
	return os.Remove(w.tmpPath)
}

func (w *Writer) writeAndDigest(p []byte) error {
	if _, err := w.f.Write(p); err != nil {
		return err
	}
	w.digest.Write(p)
	return nil
}

// digestingWriter tees every write into a hash alongside the underlying
// writer, letting WriteHeader reuse streamdata.WriteWire's exact byte
// order for both the file and the digest in one pass.
type digestingWriter struct {
	w io.Writer
	h hash.Hash
}

func (d *digestingWriter) Write(p []byte) (int, error) {
	d.h.Write(p)
	return d.w.Write(p)
}

// Reader provides random-access reads of a file written by Writer.
type Reader struct {
	f *os.File
	n int // n_channels, cached after ReadHeader
}

// Open validates the magic and returns a Reader positioned at the start
// of the header body.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("filecodec: opening %s: %w", path, err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(f, buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("filecodec: reading magic: %w", err)
	}
	if binary.BigEndian.Uint32(buf) != Magic {
		f.Close()
		return nil, fmt.Errorf("filecodec: bad magic in %s", path)
	}
	return &Reader{f: f}, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.f.Close() }

// ReadHeader reconstructs the StreamData starting at the header body
// (immediately after the magic).
func (r *Reader) ReadHeader() (*streamdata.StreamData, error) {
	if _, err := r.f.Seek(4, io.SeekStart); err != nil {
		return nil, fmt.Errorf("filecodec: seeking to header body: %w", err)
	}
	sd, err := streamdata.ReadWire(r.f)
	if err != nil {
		return nil, fmt.Errorf("filecodec: reading header: %w", err)
	}
	r.n = sd.NChannels()
	return sd, nil
}

// ReadTail seeks to the trailer and returns the recorded sample count
// and stored digest (already un-reversed to match a freshly computed
// sha256.Sum).
func (r *Reader) ReadTail() (writtenSamples uint64, digest [32]byte, err error) {
	fi, err := r.f.Stat()
	if err != nil {
		return 0, digest, fmt.Errorf("filecodec: stat: %w", err)
	}
	if _, err := r.f.Seek(fi.Size()-trailerSize, io.SeekStart); err != nil {
		return 0, digest, fmt.Errorf("filecodec: seeking to trailer: %w", err)
	}
	buf := make([]byte, trailerSize)
	if _, err := io.ReadFull(r.f, buf); err != nil {
		return 0, digest, fmt.Errorf("filecodec: reading trailer: %w", err)
	}
	writtenSamples = binary.BigEndian.Uint64(buf[:8])
	reversed := buf[8:]
	for i := 0; i < 32; i++ {
		digest[i] = reversed[31-i]
	}
	return writtenSamples, digest, nil
}

// Verify recomputes the digest from scratch and compares it, along with
// the observed payload sample count, against the trailer.
func Verify(path string) error {
	r, err := Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	sd, err := r.ReadHeader()
	if err != nil {
		return err
	}
	writtenSamples, storedDigest, err := r.ReadTail()
	if err != nil {
		return err
	}

	h := sha256.New()
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, Magic)
	h.Write(buf)
	if err := streamdata.WriteWire(&digestingWriter{w: io.Discard, h: h}, sd); err != nil {
		return fmt.Errorf("filecodec: replaying header into digest: %w", err)
	}

	n := sd.NChannels()
	payloadStart := FirstSample(n)
	fi, err := r.f.Stat()
	if err != nil {
		return fmt.Errorf("filecodec: stat: %w", err)
	}
	payloadBytes := fi.Size() - trailerSize - payloadStart
	if payloadBytes < 0 || payloadBytes%8 != 0 || uint64(payloadBytes/8) != writtenSamples {
		return fmt.Errorf("filecodec: sample count mismatch: trailer says %d, payload holds %d bytes", writtenSamples, payloadBytes)
	}
	if _, err := r.f.Seek(payloadStart, io.SeekStart); err != nil {
		return fmt.Errorf("filecodec: seeking to payload: %w", err)
	}

	sample := make([]byte, 8)
	var observed uint64
	for observed < writtenSamples {
		if _, err := io.ReadFull(r.f, sample); err != nil {
			return fmt.Errorf("filecodec: reading payload sample %d: %w", observed, err)
		}
		h.Write(sample)
		observed++
	}
	if observed != writtenSamples {
		return fmt.Errorf("filecodec: sample count mismatch: trailer says %d, payload has %d", writtenSamples, observed)
	}

	countBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(countBuf, writtenSamples)
	h.Write(countBuf)

	sum := h.Sum(nil)
	var computed [32]byte
	copy(computed[:], sum)
	if computed != storedDigest {
		return fmt.Errorf("filecodec: digest mismatch in %s", path)
	}
	return nil
}

// TotalSlices returns the number of n_channels-wide slices in the
// payload region, given the header-reported sample count.
func TotalSlices(writtenSamples uint64, nChannels int) uint64 {
	if nChannels <= 0 {
		return 0
	}
	return writtenSamples / uint64(nChannels)
}

// SeekToSample positions the reader at the index-th interleaved sample
// (not slice) in the payload, for a streaming reader that wants plain
// sequential io.Reader semantics instead of ChunkIterator's per-slice
// callback.
func (r *Reader) SeekToSample(sd *streamdata.StreamData, index uint64) error {
	offset := FirstSample(sd.NChannels()) + int64(index)*8
	if _, err := r.f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("filecodec: seeking to sample %d: %w", index, err)
	}
	return nil
}

// ReadRaw reads raw big-endian payload bytes directly from the current
// file position, with plain io.Reader semantics.
func (r *Reader) ReadRaw(buf []byte) (int, error) {
	return r.f.Read(buf)
}

// ChunkIterator seeks to the start-th slice and invokes cb once per
// slice, for up to count slices or until the payload is exhausted,
// whichever comes first. It fails if start is at or past the total
// slice count.
func (r *Reader) ChunkIterator(sd *streamdata.StreamData, start, count uint64, cb func(slice []float64) error) error {
	writtenSamples, _, err := r.ReadTail()
	if err != nil {
		return err
	}
	n := sd.NChannels()
	total := TotalSlices(writtenSamples, n)
	if start >= total {
		return fmt.Errorf("filecodec: start slice %d at or past total %d", start, total)
	}
	if start+count > total {
		count = total - start
	}

	offset := FirstSample(n) + int64(start)*int64(n)*8
	if _, err := r.f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("filecodec: seeking to slice %d: %w", start, err)
	}

	raw := make([]byte, n*8)
	slice := make([]float64, n)
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(r.f, raw); err != nil {
			return fmt.Errorf("filecodec: reading slice %d: %w", start+i, err)
		}
		for ch := 0; ch < n; ch++ {
			slice[ch] = chunk.F64BE(raw[ch*8:])
		}
		if err := cb(slice); err != nil {
			return err
		}
	}
	return nil
}

// ToHuman dumps a file's payload as a tab-separated textual table, one
// slice per line, preceded by a sampling-period line and one
// "channel N (unit)" line per channel.
func ToHuman(path string, out io.Writer) error {
	r, err := Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	sd, err := r.ReadHeader()
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(out, "Sampling period %g seconds\n", sd.Period()); err != nil {
		return err
	}
	units := sd.Units()
	for i, u := range units {
		if _, err := fmt.Fprintf(out, "channel %d (%s)\n", i, unitName(u)); err != nil {
			return err
		}
	}

	writtenSamples, _, err := r.ReadTail()
	if err != nil {
		return err
	}
	total := TotalSlices(writtenSamples, sd.NChannels())
	return r.ChunkIterator(sd, 0, total, func(slice []float64) error {
		for i, v := range slice {
			sep := "\t"
			if i == len(slice)-1 {
				sep = "\n"
			}
			if _, err := fmt.Fprintf(out, "%g%s", v, sep); err != nil {
				return err
			}
		}
		return nil
	})
}

func unitName(u streamdata.Unit) string {
	switch u {
	case streamdata.UnitVolt:
		return "V"
	case streamdata.UnitAmpere:
		return "A"
	case streamdata.UnitCelsius:
		return "degC"
	case streamdata.UnitPascal:
		return "Pa"
	case streamdata.UnitHertz:
		return "Hz"
	case streamdata.UnitCustom:
		return "custom"
	default:
		return "none"
	}
}
