package hqsync

import (
	"sync"

	"github.com/ecovision/trapsync/internal/logger"
	"github.com/ecovision/trapsync/internal/vision"
)

// Synchronizer matches tracker batches against high-resolution frames.
//
// The two streams run at different rates with independent sequence counters:
// one high-res frame is produced every CadenceRatio low-res cycles, so a
// batch with low-res sequence L resolves to the frame floor(L/R). Batches
// whose frame has not arrived yet are buffered; batches whose frame was
// already evicted are counted as sync misses. Emitted pairs are in
// non-decreasing resolved sequence order.
//
// Offer methods must be called from a single consumer goroutine. Stats may
// be read concurrently.
type Synchronizer struct {
	logger *logger.Logger
	ratio  uint64

	frames  *SequenceIndex[*vision.Frame]
	pending *SequenceIndex[[]*vision.TrackerBatch]

	// current consumed frame, shared by up to R consecutive batches
	cur     *vision.Frame
	haveCur bool

	lastBatchSeq uint64
	haveBatch    bool
	maxFrameSeq  uint64
	haveFrame    bool

	// highest frame lost to capacity pressure, batches at or below it
	// can never match
	maxEvictedFrame uint64
	haveEvicted     bool

	mu    sync.Mutex
	stats SyncStats
}

// SyncStats are the synchronizer's running counters.
type SyncStats struct {
	FramesIn       uint64 // frames accepted into the index
	BatchesIn      uint64 // batches offered
	PairsEmitted   uint64 // synced pairs produced
	SyncMisses     uint64 // batches whose frame was gone before matching
	FrameEvictions uint64 // frames evicted from the index under capacity pressure
	StaleFrames    uint64 // frames at or below the consumed watermark, dropped
	DuplicateSeqs  uint64 // duplicate sequence numbers from a producer
	BatchRegressed uint64 // tracker batches with a regressing sequence number
	PendingBatches int    // batches currently buffered waiting for a frame
	PendingFrames  int    // frames currently buffered waiting for a batch
}

// SynchronizerConfig contains synchronizer configuration.
type SynchronizerConfig struct {
	CadenceRatio     int // low-res cycles per high-res frame, >= 1
	FrameIndexSize   int // max frames buffered waiting for a match
	PendingIndexSize int // max tracker-batch groups buffered waiting for a frame
}

// NewSynchronizer creates a synchronizer for the given cadence ratio.
func NewSynchronizer(config SynchronizerConfig, log *logger.Logger) *Synchronizer {
	ratio := config.CadenceRatio
	if ratio < 1 {
		ratio = 1
	}

	s := &Synchronizer{
		logger: log,
		ratio:  uint64(ratio),
	}

	s.frames = NewSequenceIndex[*vision.Frame](config.FrameIndexSize, func(seq uint64, _ *vision.Frame) {
		if !s.haveEvicted || seq > s.maxEvictedFrame {
			s.maxEvictedFrame = seq
			s.haveEvicted = true
		}
		s.mu.Lock()
		s.stats.FrameEvictions++
		s.mu.Unlock()
		log.Debug("Frame evicted under index pressure", "sequence", seq)
	})

	s.pending = NewSequenceIndex[[]*vision.TrackerBatch](config.PendingIndexSize, func(seq uint64, batches []*vision.TrackerBatch) {
		s.mu.Lock()
		s.stats.SyncMisses += uint64(len(batches))
		s.stats.PendingBatches -= len(batches)
		s.mu.Unlock()
		log.Debug("Pending batches evicted under index pressure", "resolved_sequence", seq, "count", len(batches))
	})

	return s
}

// OfferFrame inserts an arriving high-res frame and returns any synced
// pairs it resolves from buffered tracker batches.
func (s *Synchronizer) OfferFrame(frame *vision.Frame) []vision.SyncedPair {
	if s.haveCur && frame.Sequence <= s.cur.Sequence {
		// output already advanced past this frame, it can no longer match
		s.count(func(st *SyncStats) { st.StaleFrames++ })
		s.logger.Warn("Dropping stale frame", "sequence", frame.Sequence, "consumed", s.cur.Sequence)
		return nil
	}

	if err := s.frames.Put(frame.Sequence, frame); err != nil {
		s.count(func(st *SyncStats) { st.DuplicateSeqs++ })
		s.logger.Warn("Duplicate frame sequence from producer, payload replaced", "sequence", frame.Sequence)
	}
	s.count(func(st *SyncStats) { st.FramesIn++ })
	if !s.haveFrame || frame.Sequence > s.maxFrameSeq {
		s.maxFrameSeq = frame.Sequence
		s.haveFrame = true
	}

	batches, ok := s.pending.Take(frame.Sequence)
	if !ok {
		return nil
	}
	s.count(func(st *SyncStats) { st.PendingBatches -= len(batches) })

	s.flushPendingBelow(frame.Sequence)
	if !s.consumeFrame(frame.Sequence) {
		return nil
	}

	pairs := make([]vision.SyncedPair, 0, len(batches))
	for _, batch := range batches {
		pairs = append(pairs, s.emit(batch))
	}
	return pairs
}

// OfferBatch resolves an arriving tracker batch. It returns at most one
// synced pair; nil means the batch was buffered, missed or dropped.
func (s *Synchronizer) OfferBatch(batch *vision.TrackerBatch) []vision.SyncedPair {
	if s.haveBatch && batch.Sequence < s.lastBatchSeq {
		s.count(func(st *SyncStats) { st.BatchRegressed++ })
		s.logger.Warn("Dropping tracker batch with regressing sequence",
			"sequence", batch.Sequence, "last", s.lastBatchSeq)
		return nil
	}
	if s.haveBatch && batch.Sequence == s.lastBatchSeq {
		s.count(func(st *SyncStats) { st.DuplicateSeqs++ })
		s.logger.Warn("Dropping duplicate tracker batch", "sequence", batch.Sequence)
		return nil
	}
	s.lastBatchSeq = batch.Sequence
	s.haveBatch = true
	s.count(func(st *SyncStats) { st.BatchesIn++ })

	resolved := batch.Sequence / s.ratio

	// the common case: the frame for this cadence window is already consumed
	if s.haveCur && resolved == s.cur.Sequence {
		return []vision.SyncedPair{s.emit(batch)}
	}

	if s.haveCur && resolved < s.cur.Sequence {
		s.miss(batch, resolved, "output advanced past resolved sequence")
		return nil
	}

	if s.consumeFrame(resolved) {
		s.flushPendingBelow(resolved)
		return []vision.SyncedPair{s.emit(batch)}
	}

	if s.haveEvicted && resolved <= s.maxEvictedFrame {
		s.miss(batch, resolved, "frame already evicted")
		return nil
	}

	// frame may still arrive: either it is ahead of everything seen or it
	// sits in a reorder gap below maxFrameSeq, park the batch
	existing, _ := s.pending.Take(resolved)
	if err := s.pending.Put(resolved, append(existing, batch)); err != nil {
		// cannot happen after the Take above
		s.logger.Error("Pending index rejected put", "resolved_sequence", resolved, "error", err)
	}
	s.count(func(st *SyncStats) { st.PendingBatches++ })
	s.logger.Debug("Tracker batch buffered, frame not yet arrived",
		"sequence", batch.Sequence, "resolved_sequence", resolved)
	return nil
}

// Flush finalizes the synchronizer at shutdown: all still-buffered tracker
// batches become sync misses and buffered frames are released.
func (s *Synchronizer) Flush() {
	if maxKey, ok := s.pending.MaxKey(); ok {
		s.flushPendingBelow(maxKey + 1)
	}
	if maxKey, ok := s.frames.MaxKey(); ok {
		s.frames.EvictOlderThan(maxKey + 1)
	}
	s.cur = nil
	s.haveCur = false
}

// Stats returns a snapshot of the synchronizer counters.
func (s *Synchronizer) Stats() SyncStats {
	pendingFrames := s.frames.Len()
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.PendingFrames = pendingFrames
	return stats
}

// consumeFrame takes the frame with the given sequence out of the index and
// makes it current, discarding frames that can no longer match.
func (s *Synchronizer) consumeFrame(seq uint64) bool {
	frame, ok := s.frames.Take(seq)
	if !ok {
		return false
	}
	s.frames.EvictOlderThan(seq)
	s.cur = frame
	s.haveCur = true
	return true
}

// emit produces a synced pair from the current frame and the given batch.
func (s *Synchronizer) emit(batch *vision.TrackerBatch) vision.SyncedPair {
	s.count(func(st *SyncStats) { st.PairsEmitted++ })
	return vision.SyncedPair{
		Frame:         s.cur,
		Detections:    batch.Detections,
		Sequence:      s.cur.Sequence,
		BatchSequence: batch.Sequence,
	}
}

// flushPendingBelow discards buffered batches with a resolved sequence
// below seq; their frames cannot arrive ahead of the output watermark.
func (s *Synchronizer) flushPendingBelow(seq uint64) {
	for _, batches := range s.pending.EvictOlderThan(seq) {
		s.count(func(st *SyncStats) { st.PendingBatches -= len(batches) })
		for _, batch := range batches {
			s.miss(batch, batch.Sequence/s.ratio, "frame never arrived")
		}
	}
}

// miss records a recoverable sync miss for one tracker batch.
func (s *Synchronizer) miss(batch *vision.TrackerBatch, resolved uint64, reason string) {
	s.count(func(st *SyncStats) { st.SyncMisses++ })
	s.logger.Debug("Sync miss",
		"sequence", batch.Sequence,
		"resolved_sequence", resolved,
		"detections", len(batch.Detections),
		"reason", reason,
	)
}

func (s *Synchronizer) count(fn func(*SyncStats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}
