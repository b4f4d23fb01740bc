package vision

import (
	"testing"

	"github.com/ecovision/trapsync/internal/logger"
)

func TestPushFrameSourceDropsOldest(t *testing.T) {
	src := NewPushFrameSource(2, logger.NewNopLogger())

	src.Push(&Frame{Sequence: 0})
	src.Push(&Frame{Sequence: 1})
	src.Push(&Frame{Sequence: 2}) // buffer full, frame 0 goes

	if got := src.Dropped(); got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}

	var got []uint64
	src.Close()
	for frame := range src.Frames() {
		got = append(got, frame.Sequence)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("buffered sequences = %v, want [1 2]", got)
	}
}

func TestPushFrameSourcePushAfterClose(t *testing.T) {
	src := NewPushFrameSource(2, logger.NewNopLogger())
	src.Close()
	src.Close() // second close is a no-op

	// must not panic on the closed channel
	src.Push(&Frame{Sequence: 0})

	if _, ok := <-src.Frames(); ok {
		t.Fatal("closed source delivered a frame")
	}
}

func TestPushTrackerSourceDropsOldest(t *testing.T) {
	src := NewPushTrackerSource(1, logger.NewNopLogger())

	src.Push(&TrackerBatch{Sequence: 10})
	src.Push(&TrackerBatch{Sequence: 11})

	if got := src.Dropped(); got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}

	batch := <-src.Batches()
	if batch.Sequence != 11 {
		t.Fatalf("delivered sequence %d, want 11", batch.Sequence)
	}
	src.Close()
}
