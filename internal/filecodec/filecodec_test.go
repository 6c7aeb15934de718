package filecodec

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/facqio/facqcore/internal/chunk"
	"github.com/facqio/facqcore/internal/streamdata"
)

func sampleStreamData(t *testing.T, n int) *streamdata.StreamData {
	t.Helper()
	chanlist := make(streamdata.Chanlist, n)
	units := make([]streamdata.Unit, n)
	max := make([]float64, n)
	min := make([]float64, n)
	for i := 0; i < n; i++ {
		chanlist[i] = streamdata.ChanSpec{Channel: uint16(i)}
		units[i] = streamdata.UnitVolt
		max[i] = 10
		min[i] = -10
	}
	sd, err := streamdata.New(8, n, 1.0, chanlist, units, max, min)
	if err != nil {
		t.Fatalf("streamdata.New: %v", err)
	}
	return sd
}

func writeFile(t *testing.T, path string, sd *streamdata.StreamData, slices [][]float64) {
	t.Helper()
	w, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.WriteHeader(sd); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	n := sd.NChannels()
	for _, slice := range slices {
		c, err := chunk.New(n * 8)
		if err != nil {
			t.Fatalf("chunk.New: %v", err)
		}
		wp := c.WritePosition()
		for i, v := range slice {
			chunk.PutF64BE(wp[i*8:], v)
		}
		chunk.SwapF64InPlace(wp[:n*8]) // stage as native, matching what the pipeline hands the writer
		if err := c.AddUsed(n * 8); err != nil {
			t.Fatalf("AddUsed: %v", err)
		}
		if err := w.WriteSamples(c); err != nil {
			t.Fatalf("WriteSamples: %v", err)
		}
	}
	if err := w.WriteTail(); err != nil {
		t.Fatalf("WriteTail: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestWriteReadVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.bin")
	sd := sampleStreamData(t, 2)
	slices := [][]float64{{1, 2}, {3, 4}, {5, 6}}

	writeFile(t, path, sd, slices)

	if err := Verify(path); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	got, err := r.ReadHeader()
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if !got.Equal(sd) {
		t.Fatalf("read-back StreamData does not match written")
	}

	written, _, err := r.ReadTail()
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if written != uint64(len(slices)*2) {
		t.Fatalf("written samples = %d, want %d", written, len(slices)*2)
	}

	var replayed [][]float64
	err = r.ChunkIterator(got, 0, written, func(slice []float64) error {
		cp := append([]float64(nil), slice...)
		replayed = append(replayed, cp)
		return nil
	})
	if err != nil {
		t.Fatalf("ChunkIterator: %v", err)
	}
	if len(replayed) != len(slices) {
		t.Fatalf("replayed %d slices, want %d", len(replayed), len(slices))
	}
	for i, want := range slices {
		for ch := range want {
			if replayed[i][ch] != want[ch] {
				t.Fatalf("slice %d channel %d = %g, want %g", i, ch, replayed[i][ch], want[ch])
			}
		}
	}
}

func TestVerifyDetectsDigestTamper(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.bin")
	sd := sampleStreamData(t, 1)
	writeFile(t, path, sd, [][]float64{{42}})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := Verify(path); err == nil {
		t.Fatalf("Verify should have failed on tampered digest")
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.bin")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0}, 64), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatalf("Open should reject bad magic")
	}
}

func TestChunkIteratorRejectsStartPastEnd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.bin")
	sd := sampleStreamData(t, 1)
	writeFile(t, path, sd, [][]float64{{1}, {2}})

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	got, err := r.ReadHeader()
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}

	err = r.ChunkIterator(got, 5, 1, func([]float64) error { return nil })
	if err == nil {
		t.Fatalf("ChunkIterator should reject start past end")
	}
}

// TestReadsExternallyConstructedFile builds a file byte-by-byte, with no
// call into Writer, mirroring a reader-compatibility scenario where the
// bytes come from a different writer entirely: magic, a 1-channel header
// with period 1.0, a 4-sample payload, and a trailer whose sample count
// and digest are computed independently. ReadHeader and Verify must both
// succeed against it, which pins the exact on-disk trailer layout
// (written_samples(8) followed immediately by digest(32), no padding).
func TestReadsExternallyConstructedFile(t *testing.T) {
	var buf bytes.Buffer
	h := sha256.New()
	w := io.MultiWriter(&buf, h)

	write32 := func(v uint32) {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		w.Write(b[:])
	}
	write64 := func(v uint64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		w.Write(b[:])
	}
	writeF64 := func(f float64) { write64(math.Float64bits(f)) }

	write32(Magic)
	writeF64(1.0)                                 // period
	write32(1)                                    // n_channels
	write32(streamdata.ChanSpec{Channel: 0}.Encode()) // channel spec
	write32(uint32(streamdata.UnitVolt))          // unit
	writeF64(10)                                  // max
	writeF64(-10)                                 // min

	samples := []float64{1, 2, 3, 4}
	for _, s := range samples {
		writeF64(s)
	}

	writtenSamples := uint64(len(samples))
	var countBuf [8]byte
	binary.BigEndian.PutUint64(countBuf[:], writtenSamples)
	h.Write(countBuf[:]) // count is digested but not re-emitted to the payload stream
	buf.Write(countBuf[:])

	sum := h.Sum(nil)
	reversed := make([]byte, len(sum))
	for i, b := range sum {
		reversed[len(sum)-1-i] = b
	}
	buf.Write(reversed)

	dir := t.TempDir()
	path := filepath.Join(dir, "external.bin")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	sd, err := r.ReadHeader()
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if sd.NChannels() != 1 || sd.Period() != 1.0 {
		t.Fatalf("ReadHeader: got n_channels=%d period=%g, want 1 and 1.0", sd.NChannels(), sd.Period())
	}

	if err := Verify(path); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	got, _, err := r.ReadTail()
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if got != writtenSamples {
		t.Fatalf("written_samples = %d, want %d", got, writtenSamples)
	}
}

func TestFirstOffsetsMatchSpec(t *testing.T) {
	n := 3
	if got, want := FirstChannel(n), int64(16); got != want {
		t.Errorf("FirstChannel = %d, want %d", got, want)
	}
	if got, want := FirstUnit(n), int64(16+4*n); got != want {
		t.Errorf("FirstUnit = %d, want %d", got, want)
	}
	if got, want := FirstMax(n), int64(16+8*n); got != want {
		t.Errorf("FirstMax = %d, want %d", got, want)
	}
	if got, want := FirstMin(n), int64(16+16*n); got != want {
		t.Errorf("FirstMin = %d, want %d", got, want)
	}
	if got, want := FirstSample(n), int64(16+24*n); got != want {
		t.Errorf("FirstSample = %d, want %d", got, want)
	}
}
