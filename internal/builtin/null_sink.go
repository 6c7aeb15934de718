package builtin

import (
	"github.com/facqio/facqcore/internal/chunk"
	"github.com/facqio/facqcore/internal/pipeline"
	"github.com/facqio/facqcore/internal/streamdata"
)

// NullSink discards everything written to it. Useful when a pipeline's
// only purpose is to drive its operations (e.g. a plug tee) and the
// samples themselves don't need to land anywhere.
type NullSink struct{}

func (NullSink) Start(sd *streamdata.StreamData) error { return nil }
func (NullSink) Stop(sd *streamdata.StreamData) error  { return nil }
func (NullSink) Poll(sd *streamdata.StreamData) (pipeline.PollStatus, error) {
	return pipeline.PollReady, nil
}
func (NullSink) Write(sd *streamdata.StreamData, c *chunk.Chunk) (pipeline.ReadStatus, error) {
	return pipeline.StatusNormal, nil
}
