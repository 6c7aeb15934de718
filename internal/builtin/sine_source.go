// Package builtin implements the small set of concrete Source,
// Operation and Sink implementations used to exercise a pipeline
// end-to-end without real acquisition hardware or network peers: a
// synthetic sine generator, file-backed source and sink, a discarding
// sink, and a scripted-failure operation.
package builtin

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/facqio/facqcore/internal/pipeline"
	"github.com/facqio/facqcore/internal/streamdata"
)

// SineSource generates n_channels interleaved float64 slices at a fixed
// sample period, each channel phase-shifted by its index, until an
// optional slice limit is reached.
type SineSource struct {
	sd         *streamdata.StreamData
	amplitude  float64
	wavePeriod float64
	maxSlices  int // 0 means unlimited, stops only via Stop

	mu      sync.Mutex
	emitted int
	running bool
}

// NewSineSource builds a SineSource with nChannels channels sampled
// every period seconds, each emitting a sine wave of the given
// amplitude and wavePeriod (seconds per full cycle), phase-shifted by
// channel index. maxSlices bounds the run to that many slices before
// reporting EOF; 0 means run until Stop is called.
func NewSineSource(nChannels int, period, amplitude, wavePeriod float64, maxSlices int) (*SineSource, error) {
	chanlist := make(streamdata.Chanlist, nChannels)
	units := make([]streamdata.Unit, nChannels)
	max := make([]float64, nChannels)
	min := make([]float64, nChannels)
	for i := 0; i < nChannels; i++ {
		chanlist[i] = streamdata.ChanSpec{Channel: uint16(i)}
		units[i] = streamdata.UnitVolt
		max[i] = amplitude
		min[i] = -amplitude
	}
	sd, err := streamdata.New(8, nChannels, period, chanlist, units, max, min)
	if err != nil {
		return nil, fmt.Errorf("builtin: building sine source stream data: %w", err)
	}
	return &SineSource{sd: sd, amplitude: amplitude, wavePeriod: wavePeriod, maxSlices: maxSlices}, nil
}

func (s *SineSource) StreamData() *streamdata.StreamData { return s.sd }

// NeedsConv is false: the generator already produces native-endian
// float64 slices, there is no raw hardware format to convert from.
func (s *SineSource) NeedsConv() bool { return false }

func (s *SineSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitted = 0
	s.running = true
	return nil
}

func (s *SineSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

// Poll always reports ready: a software generator is never
// backpressured by hardware readiness.
func (s *SineSource) Poll() (pipeline.PollStatus, error) { return pipeline.PollReady, nil }

// Read fills buf with as many complete n_channels-wide slices as fit,
// assuming len(buf) is a multiple of the slice stride (true for any
// chunk sized by catalog.Stream). Returns StatusEOF once maxSlices has
// been reached without writing partial data.
func (s *SineSource) Read(buf []byte) (int, pipeline.ReadStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return 0, pipeline.StatusEOF, nil
	}

	n := s.sd.NChannels()
	stride := n * 8
	count := len(buf) / stride
	if s.maxSlices > 0 && s.emitted+count > s.maxSlices {
		count = s.maxSlices - s.emitted
	}
	if count <= 0 {
		if s.maxSlices > 0 && s.emitted >= s.maxSlices {
			return 0, pipeline.StatusEOF, nil
		}
		return 0, pipeline.StatusAgain, nil
	}

	period := s.sd.Period()
	for i := 0; i < count; i++ {
		t := float64(s.emitted+i) * period
		for ch := 0; ch < n; ch++ {
			phase := 2 * math.Pi * float64(ch) / float64(n)
			v := s.amplitude * math.Sin(2*math.Pi*t/s.wavePeriod+phase)
			binary.NativeEndian.PutUint64(buf[i*stride+ch*8:], math.Float64bits(v))
		}
	}
	s.emitted += count
	return count * stride, pipeline.StatusNormal, nil
}

// Conv is never called since NeedsConv reports false.
func (s *SineSource) Conv(src []byte, dst []float64) {}
