package diag

import (
	"testing"
	"time"
)

func TestSamplerProducesASnapshotBeforeStartReturns(t *testing.T) {
	s := NewSampler(nil, 50*time.Millisecond, "/")
	s.Start()
	defer s.Stop()

	stats := s.Stats()
	if stats.Timestamp.IsZero() {
		t.Fatalf("Stats should have a populated snapshot immediately after Start")
	}
}

func TestSamplerUpdatesOnInterval(t *testing.T) {
	s := NewSampler(nil, 20*time.Millisecond, "/")
	s.Start()
	defer s.Stop()

	first := s.Stats()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.Stats().Timestamp.After(first.Timestamp) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Stats never advanced past the first snapshot")
}

func TestSamplerStopJoinsGoroutine(t *testing.T) {
	s := NewSampler(nil, 10*time.Millisecond, "/")
	s.Start()
	s.Stop()

	before := s.Stats()
	time.Sleep(50 * time.Millisecond)
	after := s.Stats()
	if !before.Timestamp.Equal(after.Timestamp) {
		t.Fatalf("sampling continued after Stop")
	}
}
