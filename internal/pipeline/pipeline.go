package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/ecovision/trapsync/internal/extract"
	"github.com/ecovision/trapsync/internal/hqsync"
	"github.com/ecovision/trapsync/internal/logger"
	"github.com/ecovision/trapsync/internal/record"
	"github.com/ecovision/trapsync/internal/vision"
)

// maxConsecutivePersistFailures is the point at which persistence trouble
// stops being treated as per-record and the stage shuts down.
const maxConsecutivePersistFailures = 5

// Pipeline is the single consumer stage: it is the sole reader of both
// sources, feeds arrivals to the synchronizer and pushes every synced pair
// through extraction and recording. Producers push concurrently into the
// sources; nothing downstream of the sources is shared.
type Pipeline struct {
	logger    *logger.Logger
	frames    vision.FrameSource
	tracker   vision.TrackerSource
	syncer    *hqsync.Synchronizer
	extractor *extract.Extractor
	recorder  *record.Recorder

	mu      sync.Mutex
	stats   PipelineStats
	lastErr error
}

// PipelineStats aggregates the counters of every stage.
type PipelineStats struct {
	Sync           hqsync.SyncStats
	Extract        extract.ExtractStats
	Record         record.RecordStats
	ExtractErrors  uint64 // pairs lost to frame decode/encode failures
	PersistErrors  uint64 // crops lost to image write or metadata failures
}

// Config wires the pipeline's collaborators.
type Config struct {
	Frames    vision.FrameSource
	Tracker   vision.TrackerSource
	Syncer    *hqsync.Synchronizer
	Extractor *extract.Extractor
	Recorder  *record.Recorder
}

// New creates a pipeline.
func New(config Config, log *logger.Logger) *Pipeline {
	return &Pipeline{
		logger:    log,
		frames:    config.Frames,
		tracker:   config.Tracker,
		syncer:    config.Syncer,
		extractor: config.Extractor,
		recorder:  config.Recorder,
	}
}

// Run consumes both sources until the context is cancelled or both source
// channels are closed. Pairs already matched are drained through extraction
// and recording before Run returns; it never waits for future arrivals.
// Only sustained persistence failure aborts the stage with an error.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("Pipeline started")

	frames := p.frames.Frames()
	batches := p.tracker.Batches()
	consecutiveFailures := 0

	for frames != nil || batches != nil {
		select {
		case <-ctx.Done():
			p.syncer.Flush()
			p.logger.Info("Pipeline stopped", "reason", "context cancelled")
			return nil

		case frame, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			if err := p.processPairs(ctx, p.syncer.OfferFrame(frame), &consecutiveFailures); err != nil {
				return err
			}

		case batch, ok := <-batches:
			if !ok {
				batches = nil
				continue
			}
			if err := p.processPairs(ctx, p.syncer.OfferBatch(batch), &consecutiveFailures); err != nil {
				return err
			}
		}
	}

	p.syncer.Flush()
	p.logger.Info("Pipeline stopped", "reason", "sources closed")
	return nil
}

// processPairs runs extraction and recording for each emitted pair.
func (p *Pipeline) processPairs(ctx context.Context, pairs []vision.SyncedPair, consecutiveFailures *int) error {
	for _, pair := range pairs {
		crops, err := p.extractor.Extract(pair)
		if err != nil {
			p.fail(func(st *PipelineStats) { st.ExtractErrors++ }, err)
			p.logger.Error("Extraction failed, pair dropped", "sequence", pair.Sequence, "error", err)
			continue
		}

		for _, crop := range crops {
			path, err := p.recorder.Record(ctx, crop)
			if err != nil {
				p.fail(func(st *PipelineStats) { st.PersistErrors++ }, err)
				p.logger.Error("Failed to persist crop",
					"sequence", crop.Sequence,
					"track_id", crop.Detection.TrackID,
					"error", err,
				)
				*consecutiveFailures++
				if *consecutiveFailures >= maxConsecutivePersistFailures {
					return fmt.Errorf("persistence failing repeatedly, aborting pipeline: %w", err)
				}
				continue
			}
			*consecutiveFailures = 0
			p.logger.Debug("Crop recorded",
				"sequence", crop.Sequence,
				"track_id", crop.Detection.TrackID,
				"path", path,
			)
		}
	}
	return nil
}

// Stats returns a snapshot of all pipeline counters.
func (p *Pipeline) Stats() PipelineStats {
	p.mu.Lock()
	stats := p.stats
	p.mu.Unlock()

	stats.Sync = p.syncer.Stats()
	stats.Extract = p.extractor.Stats()
	stats.Record = p.recorder.Stats()
	return stats
}

// LastError returns the most recent extraction or persistence error.
func (p *Pipeline) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Pipeline) fail(fn func(*PipelineStats), err error) {
	p.mu.Lock()
	fn(&p.stats)
	p.lastErr = err
	p.mu.Unlock()
}
