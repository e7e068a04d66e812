package netspeed

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const ioSamplingWindowWidth = 250 * time.Millisecond

// ErrGoodThruReached is returned by SamplingReader once its deadline has passed.
var ErrGoodThruReached = errors.New("sampling deadline reached")

type IOEvent struct {
	Timestamp time.Time
	Size      int
}

// IOSampler counts bytes and keeps the events of the most recent window.
// It may be fed from one goroutine while another reads it.
type IOSampler struct {
	SizeRead int64
	Events   []IOEvent
	Window   time.Duration

	mu sync.Mutex
}

func newIOSampler() *IOSampler {
	return &IOSampler{
		Events: []IOEvent{},
		Window: ioSamplingWindowWidth,
	}
}

func (s *IOSampler) record(size int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.SizeRead += int64(size)
	s.Events = append(s.Events, IOEvent{Timestamp: at, Size: size})

	// drop events that slid out of the window, keeping one as the window origin
	cut := 0
	for cut < len(s.Events)-1 && at.Sub(s.Events[cut+1].Timestamp) >= s.Window {
		cut += 1
	}
	if cut > 0 {
		s.Events = append(s.Events[:0], s.Events[cut:]...)
	}
}

// Size is the number of bytes recorded so far.
func (s *IOSampler) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.SizeRead
}

// InstantBitsPerSecond is the rate over the sampled window, or 0 when the
// window does not yet span any time.
func (s *IOSampler) InstantBitsPerSecond() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.Events) < 2 {
		return 0
	}

	first := s.Events[0]
	last := s.Events[len(s.Events)-1]
	sizeSum := int64(0)
	for _, event := range s.Events[1:] {
		sizeSum += int64(event.Size)
	}

	bps, err := BitsPerSecond(sizeSum, durationToMS(last.Timestamp.Sub(first.Timestamp)))
	if err != nil {
		return 0
	}
	return bps
}

// SamplingReader records every read into its IOSampler and stops with
// ErrGoodThruReached once GoodThru has passed.
type SamplingReader struct {
	*IOSampler
	Reader   io.Reader
	GoodThru time.Time
	OnRead   func(size int, at time.Time)
}

func (r *SamplingReader) Read(p []byte) (int, error) {
	size, err := r.Reader.Read(p)
	now := time.Now()

	if size > 0 {
		r.record(size, now)
		if r.OnRead != nil {
			r.OnRead(size, now)
		}
	}
	if err == nil && !r.GoodThru.IsZero() && now.After(r.GoodThru) {
		err = ErrGoodThruReached
	}

	return size, err
}

func InitSamplingReader(reader io.Reader, sampler *IOSampler, goodThru time.Time) *SamplingReader {
	if sampler == nil {
		sampler = newIOSampler()
	}

	return &SamplingReader{
		IOSampler: sampler,
		Reader:    reader,
		GoodThru:  goodThru,
	}
}
