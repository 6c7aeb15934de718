package builtin

import (
	"fmt"
	"sync"

	"github.com/facqio/facqcore/internal/chunk"
	"github.com/facqio/facqcore/internal/filecodec"
	"github.com/facqio/facqcore/internal/pipeline"
	"github.com/facqio/facqcore/internal/streamdata"
)

// FileSource replays a filecodec file's payload as a Source, one
// sequential read at a time.
type FileSource struct {
	path string

	mu            sync.Mutex
	r             *filecodec.Reader
	sd            *streamdata.StreamData
	totalBytes    uint64
	consumedBytes uint64
}

// NewFileSource builds a FileSource that will replay path once Start
// opens it.
func NewFileSource(path string) *FileSource { return &FileSource{path: path} }

// StreamData returns the file's stream description, reading it from the
// file's header on first use so it is available before Start; it is nil
// if the header cannot be read.
func (s *FileSource) StreamData() *streamdata.StreamData {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sd == nil {
		r, err := filecodec.Open(s.path)
		if err != nil {
			return nil
		}
		defer r.Close()
		if sd, err := r.ReadHeader(); err == nil {
			s.sd = sd
		}
	}
	return s.sd
}

// NeedsConv is false: Read already converts the on-disk big-endian
// bytes to native-endian before returning them.
func (s *FileSource) NeedsConv() bool { return false }

func (s *FileSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := filecodec.Open(s.path)
	if err != nil {
		return fmt.Errorf("builtin: file source: %w", err)
	}
	sd, err := r.ReadHeader()
	if err != nil {
		r.Close()
		return fmt.Errorf("builtin: file source: %w", err)
	}
	writtenSamples, _, err := r.ReadTail()
	if err != nil {
		r.Close()
		return fmt.Errorf("builtin: file source: %w", err)
	}
	if err := r.SeekToSample(sd, 0); err != nil {
		r.Close()
		return fmt.Errorf("builtin: file source: %w", err)
	}

	s.r = r
	s.sd = sd
	s.totalBytes = writtenSamples * 8
	s.consumedBytes = 0
	return nil
}

func (s *FileSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.r == nil {
		return nil
	}
	err := s.r.Close()
	s.r = nil
	return err
}

func (s *FileSource) Poll() (pipeline.PollStatus, error) { return pipeline.PollReady, nil }

// Read returns up to len(buf) bytes of the remaining payload,
// byte-swapped to native-endian, without ever returning StatusEOF
// alongside unread data: a call that exhausts the payload returns the
// final bytes as StatusNormal, and only the next call reports EOF.
func (s *FileSource) Read(buf []byte) (int, pipeline.ReadStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := s.totalBytes - s.consumedBytes
	if remaining == 0 {
		return 0, pipeline.StatusEOF, nil
	}

	n := uint64(len(buf))
	if n > remaining {
		n = remaining
	}
	n -= n % 8

	read := 0
	for read < int(n) {
		k, err := s.r.ReadRaw(buf[read:n])
		if k > 0 {
			read += k
		}
		if err != nil {
			return read, pipeline.StatusError, fmt.Errorf("builtin: file source: %w", err)
		}
	}

	chunk.SwapF64InPlace(buf[:read])
	s.consumedBytes += uint64(read)
	return read, pipeline.StatusNormal, nil
}

func (s *FileSource) Conv(src []byte, dst []float64) {}
