package streamdata

import (
	"bytes"
	"crypto/sha256"
	"testing"
)

func sample(n int) *StreamData {
	chanlist := make(Chanlist, n)
	units := make([]Unit, n)
	max := make([]float64, n)
	min := make([]float64, n)
	for i := 0; i < n; i++ {
		chanlist[i] = ChanSpec{Channel: uint16(i), Range: 1, ARef: 0, Flags: 0}
		units[i] = UnitVolt
		max[i] = 5.0
		min[i] = -5.0
	}
	sd, err := New(2, n, 0.01, chanlist, units, max, min)
	if err != nil {
		panic(err)
	}
	return sd
}

func TestNewRejectsInvalidChannels(t *testing.T) {
	if _, err := New(8, 0, 0.01, nil, nil, nil, nil); err == nil {
		t.Fatal("expected error for n_channels=0")
	}
	if _, err := New(8, 257, 0.01, make(Chanlist, 257), make([]Unit, 257), make([]float64, 257), make([]float64, 257)); err == nil {
		t.Fatal("expected error for n_channels=257")
	}
}

func TestNewRejectsBadPeriodAndRange(t *testing.T) {
	if _, err := New(8, 1, 0, Chanlist{{}}, []Unit{UnitVolt}, []float64{1}, []float64{-1}); err == nil {
		t.Fatal("expected error for period<=0")
	}
	if _, err := New(8, 1, 0.01, Chanlist{{}}, []Unit{UnitVolt}, []float64{-1}, []float64{1}); err == nil {
		t.Fatal("expected error when max <= min")
	}
}

func TestChanSpecRoundTrip(t *testing.T) {
	cs := ChanSpec{Channel: 12345, Range: 9, ARef: 2, Flags: 37}
	got := DecodeChanSpec(cs.Encode())
	if got.Channel != cs.Channel || got.Range != cs.Range || got.ARef != cs.ARef || got.Flags != cs.Flags {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, cs)
	}
}

func TestWireRoundTrip(t *testing.T) {
	for _, n := range []int{1, 3, 256} {
		sd := sample(n)
		var buf bytes.Buffer
		if err := WriteWire(&buf, sd); err != nil {
			t.Fatalf("n=%d: WriteWire: %v", n, err)
		}
		got, err := ReadWire(&buf)
		if err != nil {
			t.Fatalf("n=%d: ReadWire: %v", n, err)
		}
		if got.BytesPerSample() != WireBPS {
			t.Fatalf("n=%d: expected wire bps=%d, got %d", n, WireBPS, got.BytesPerSample())
		}
		// bps is not on the wire; check the channel count and period.
		if got.NChannels() != sd.NChannels() || got.Period() != sd.Period() {
			t.Fatalf("n=%d: mismatch after wire round trip", n)
		}
	}
}

func TestUpdateChecksumDeterministic(t *testing.T) {
	sd := sample(4)
	h1 := sha256.New()
	h2 := sha256.New()
	sd.UpdateChecksum(h1)
	sd.UpdateChecksum(h2)
	if !bytes.Equal(h1.Sum(nil), h2.Sum(nil)) {
		t.Fatal("UpdateChecksum is not deterministic for identical StreamData")
	}
}
