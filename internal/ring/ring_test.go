package ring

import (
	"sync"
	"testing"
	"time"
)

func TestPoolConservation(t *testing.T) {
	const n = 4
	rb, err := New(n, 16)
	if err != nil {
		t.Fatal(err)
	}

	// Drain all n chunks from empty, confirm none remain, then return them.
	got := 0
	for {
		c, ok := rb.TryGetRecycled()
		if !ok {
			break
		}
		got++
		rb.Push(c)
	}
	if got != n {
		t.Fatalf("expected to drain %d chunks from empty pool, got %d", n, got)
	}

	popped := 0
	for {
		c, ok := rb.TryPop()
		if !ok {
			break
		}
		popped++
		rb.Recycle(c)
	}
	if popped != n {
		t.Fatalf("expected to pop %d chunks from full queue, got %d", n, popped)
	}
}

func TestTimeoutPopExpires(t *testing.T) {
	rb, _ := New(1, 8)
	_, _ = rb.TryGetRecycled() // drain the one empty chunk so full stays empty

	start := time.Now()
	_, ok := rb.TimeoutPop(30 * time.Millisecond)
	if ok {
		t.Fatal("expected timeout, got a chunk")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("TimeoutPop returned suspiciously fast")
	}
}

func TestExitIsMonotonic(t *testing.T) {
	rb, _ := New(1, 8)
	if rb.Exit() {
		t.Fatal("expected exit=false initially")
	}
	rb.SetExit()
	if !rb.Exit() {
		t.Fatal("expected exit=true after SetExit")
	}
	rb.SetExit()
	if !rb.Exit() {
		t.Fatal("exit flag must stay true")
	}
}

func TestRingBufferPingPongSizeOne(t *testing.T) {
	rb, _ := New(1, 8)
	const total = 50
	var wg sync.WaitGroup
	wg.Add(2)

	produced := 0
	consumed := 0

	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			c := rb.GetRecycled()
			_ = c.AddUsed(1)
			rb.Push(c)
			produced++
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			c := rb.Pop()
			rb.Recycle(c)
			consumed++
		}
	}()

	wg.Wait()
	if produced != total || consumed != total {
		t.Fatalf("expected %d produced/consumed, got %d/%d", total, produced, consumed)
	}
}
