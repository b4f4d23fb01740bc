package vision

import (
	"sync"
	"sync/atomic"

	"github.com/ecovision/trapsync/internal/logger"
)

// FrameSource yields high-resolution frames from the camera boundary.
type FrameSource interface {
	Frames() <-chan *Frame
}

// TrackerSource yields tracker batches from the detection boundary.
type TrackerSource interface {
	Batches() <-chan *TrackerBatch
}

// PushFrameSource is a channel-backed FrameSource fed by an external
// producer. When the buffer is full the oldest frame is dropped so the
// producer never blocks.
type PushFrameSource struct {
	logger  *logger.Logger
	ch      chan *Frame
	dropped atomic.Uint64
	mu      sync.Mutex
	closed  bool
}

// NewPushFrameSource creates a frame source with the given buffer size.
func NewPushFrameSource(bufferSize int, log *logger.Logger) *PushFrameSource {
	if bufferSize <= 0 {
		bufferSize = 4
	}
	return &PushFrameSource{
		logger: log,
		ch:     make(chan *Frame, bufferSize),
	}
}

// Push delivers a frame from the producer. Never blocks.
func (s *PushFrameSource) Push(frame *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- frame:
	default:
		select {
		case old := <-s.ch:
			s.dropped.Add(1)
			s.logger.Debug("Frame buffer full, dropped oldest frame", "sequence", old.Sequence)
		default:
		}
		s.ch <- frame
	}
}

// Frames returns the frame channel consumed by the synchronizer.
func (s *PushFrameSource) Frames() <-chan *Frame {
	return s.ch
}

// Dropped returns the number of frames dropped due to buffer pressure.
func (s *PushFrameSource) Dropped() uint64 {
	return s.dropped.Load()
}

// Close closes the source. Further pushes are ignored.
func (s *PushFrameSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// PushTrackerSource is a channel-backed TrackerSource fed by an external
// producer, with the same drop-oldest backpressure as PushFrameSource.
type PushTrackerSource struct {
	logger  *logger.Logger
	ch      chan *TrackerBatch
	dropped atomic.Uint64
	mu      sync.Mutex
	closed  bool
}

// NewPushTrackerSource creates a tracker source with the given buffer size.
func NewPushTrackerSource(bufferSize int, log *logger.Logger) *PushTrackerSource {
	if bufferSize <= 0 {
		bufferSize = 4
	}
	return &PushTrackerSource{
		logger: log,
		ch:     make(chan *TrackerBatch, bufferSize),
	}
}

// Push delivers a batch from the producer. Never blocks.
func (s *PushTrackerSource) Push(batch *TrackerBatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- batch:
	default:
		select {
		case old := <-s.ch:
			s.dropped.Add(1)
			s.logger.Debug("Tracker buffer full, dropped oldest batch", "sequence", old.Sequence)
		default:
		}
		s.ch <- batch
	}
}

// Batches returns the batch channel consumed by the synchronizer.
func (s *PushTrackerSource) Batches() <-chan *TrackerBatch {
	return s.ch
}

// Dropped returns the number of batches dropped due to buffer pressure.
func (s *PushTrackerSource) Dropped() uint64 {
	return s.dropped.Load()
}

// Close closes the source. Further pushes are ignored.
func (s *PushTrackerSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
