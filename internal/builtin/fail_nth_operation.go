package builtin

import (
	"fmt"
	"sync"

	"github.com/facqio/facqcore/internal/chunk"
	"github.com/facqio/facqcore/internal/streamdata"
)

// FailNthOperation is a no-op Operation except that its Apply call
// returns an error on its n-th invocation, for exercising a pipeline's
// mid-run error path.
type FailNthOperation struct {
	n int

	mu    sync.Mutex
	calls int
}

// NewFailNthOperation builds an Operation that errors on its n-th call
// to Apply (1-indexed). n must be positive.
func NewFailNthOperation(n int) *FailNthOperation {
	return &FailNthOperation{n: n}
}

func (o *FailNthOperation) Start(sd *streamdata.StreamData) error {
	o.mu.Lock()
	o.calls = 0
	o.mu.Unlock()
	return nil
}

func (o *FailNthOperation) Stop(sd *streamdata.StreamData) error { return nil }

func (o *FailNthOperation) Apply(sd *streamdata.StreamData, c *chunk.Chunk) error {
	o.mu.Lock()
	o.calls++
	calls := o.calls
	o.mu.Unlock()

	if calls == o.n {
		return fmt.Errorf("builtin: forced failure on call %d", calls)
	}
	return nil
}
