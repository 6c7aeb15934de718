package builtin

import (
	"fmt"

	"github.com/facqio/facqcore/internal/chunk"
	"github.com/facqio/facqcore/internal/filecodec"
	"github.com/facqio/facqcore/internal/pipeline"
	"github.com/facqio/facqcore/internal/streamdata"
)

// FileSink writes every chunk it receives to a file in the filecodec
// format, finalizing the trailer on Stop.
type FileSink struct {
	path string
	w    *filecodec.Writer
}

// NewFileSink builds a FileSink targeting path.
func NewFileSink(path string) *FileSink { return &FileSink{path: path} }

func (s *FileSink) Start(sd *streamdata.StreamData) error {
	w, err := filecodec.New(s.path)
	if err != nil {
		return fmt.Errorf("builtin: file sink: %w", err)
	}
	if err := w.WriteHeader(sd); err != nil {
		_ = w.Abort()
		return fmt.Errorf("builtin: file sink: %w", err)
	}
	s.w = w
	return nil
}

// Stop finalizes the trailer and renames the temp file into place. It
// is a no-op if Start never completed.
func (s *FileSink) Stop(sd *streamdata.StreamData) error {
	if s.w == nil {
		return nil
	}
	if err := s.w.WriteTail(); err != nil {
		_ = s.w.Abort()
		s.w = nil
		return fmt.Errorf("builtin: file sink: %w", err)
	}
	err := s.w.Stop()
	s.w = nil
	if err != nil {
		return fmt.Errorf("builtin: file sink: %w", err)
	}
	return nil
}

func (s *FileSink) Poll(sd *streamdata.StreamData) (pipeline.PollStatus, error) {
	return pipeline.PollReady, nil
}

func (s *FileSink) Write(sd *streamdata.StreamData, c *chunk.Chunk) (pipeline.ReadStatus, error) {
	if err := s.w.WriteSamples(c); err != nil {
		return pipeline.StatusError, fmt.Errorf("builtin: file sink: %w", err)
	}
	return pipeline.StatusNormal, nil
}
