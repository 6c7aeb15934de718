package pipeline

import (
	"fmt"

	"github.com/facqio/facqcore/internal/chunk"
	"github.com/facqio/facqcore/internal/streamdata"
)

// OperationList applies a fixed, ordered sequence of Operations to a
// chunk as a single atomic step per chunk.
type OperationList struct {
	ops     []Operation
	started []bool // mirrors ops; started[i] is true once ops[i].Start succeeded
}

// NewOperationList builds an OperationList over ops, applied in the given
// order.
func NewOperationList(ops []Operation) *OperationList {
	return &OperationList{
		ops:     append([]Operation(nil), ops...),
		started: make([]bool, len(ops)),
	}
}

// Len returns the number of operations in the list.
func (l *OperationList) Len() int { return len(l.ops) }

// Start starts every operation in insertion order. It is transactional:
// if operation k fails to start, operations 0..k-1 are rolled back via
// Stop (in reverse start order) and the first error is returned.
// The Source and Sink are never touched by this method.
func (l *OperationList) Start(sd *streamdata.StreamData) error {
	for i, op := range l.ops {
		if err := op.Start(sd); err != nil {
			for j := i - 1; j >= 0; j-- {
				if l.started[j] {
					_ = l.ops[j].Stop(sd)
					l.started[j] = false
				}
			}
			return fmt.Errorf("operationlist: starting operation %d: %w", i, err)
		}
		l.started[i] = true
	}
	return nil
}

// Stop stops every started operation, even if some fail. The first error
// encountered, if any, is returned after every operation has been given
// a chance to stop.
func (l *OperationList) Stop(sd *streamdata.StreamData) error {
	var first error
	for i, op := range l.ops {
		if !l.started[i] {
			continue
		}
		if err := op.Stop(sd); err != nil && first == nil {
			first = fmt.Errorf("operationlist: stopping operation %d: %w", i, err)
		}
		l.started[i] = false
	}
	return first
}

// Apply runs every operation over c in insertion order. It stops at the
// first failure and returns that error; the chunk may be left partially
// transformed by earlier operations in the list.
func (l *OperationList) Apply(sd *streamdata.StreamData, c *chunk.Chunk) error {
	for i, op := range l.ops {
		if err := op.Apply(sd, c); err != nil {
			return fmt.Errorf("operationlist: operation %d: %w", i, err)
		}
	}
	return nil
}
