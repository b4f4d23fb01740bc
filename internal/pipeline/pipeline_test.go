package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecovision/trapsync/internal/extract"
	"github.com/ecovision/trapsync/internal/hqsync"
	"github.com/ecovision/trapsync/internal/logger"
	"github.com/ecovision/trapsync/internal/record"
	"github.com/ecovision/trapsync/internal/vision"
)

type testPipeline struct {
	pipeline *Pipeline
	frames   *vision.PushFrameSource
	tracker  *vision.PushTrackerSource
	dir      string
}

func setupTestPipeline(t *testing.T, cadenceRatio int) *testPipeline {
	t.Helper()
	log := logger.NewNopLogger()
	dir := filepath.Join(t.TempDir(), "session")

	frames := vision.NewPushFrameSource(64, log)
	tracker := vision.NewPushTrackerSource(64, log)

	syncer := hqsync.NewSynchronizer(hqsync.SynchronizerConfig{
		CadenceRatio:     cadenceRatio,
		FrameIndexSize:   16,
		PendingIndexSize: 16,
	}, log)

	recorder, err := record.NewRecorder(record.RecorderConfig{Dir: dir, SessionID: "test"}, log)
	require.NoError(t, err)
	t.Cleanup(func() { recorder.Close() })

	p := New(Config{
		Frames:    frames,
		Tracker:   tracker,
		Syncer:    syncer,
		Extractor: extract.NewExtractor(extract.ExtractorConfig{JPEGQuality: 80}, log),
		Recorder:  recorder,
	}, log)

	return &testPipeline{pipeline: p, frames: frames, tracker: tracker, dir: dir}
}

func encodedFrame(t *testing.T, seq uint64) *vision.Frame {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 48)), nil))
	return &vision.Frame{
		Sequence:  seq,
		Timestamp: time.Date(2026, 8, 30, 14, 0, int(seq), 0, time.UTC),
		Data:      buf.Bytes(),
		Width:     64,
		Height:    48,
	}
}

func trackedBatch(seq uint64, status vision.TrackStatus) *vision.TrackerBatch {
	return &vision.TrackerBatch{
		Sequence:  seq,
		Timestamp: time.Now(),
		Detections: []vision.TrackedDetection{
			{TrackID: 1, Label: "insect", Confidence: 0.9, Status: status,
				BBox: vision.RelBox{XMin: 0.1, YMin: 0.1, XMax: 0.6, YMax: 0.6}},
		},
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	tp := setupTestPipeline(t, 2)

	tp.frames.Push(encodedFrame(t, 0))
	tp.frames.Push(encodedFrame(t, 1))
	for seq := uint64(0); seq < 4; seq++ {
		tp.tracker.Push(trackedBatch(seq, vision.StatusTracked))
	}
	tp.frames.Close()
	tp.tracker.Close()

	require.NoError(t, tp.pipeline.Run(context.Background()))

	stats := tp.pipeline.Stats()
	assert.Equal(t, uint64(4), stats.Sync.PairsEmitted)
	assert.Equal(t, uint64(0), stats.Sync.SyncMisses)
	assert.Equal(t, uint64(4), stats.Record.RecordsWritten)
	assert.NoError(t, tp.pipeline.LastError())

	// one image and one metadata row per crop
	var images int
	err := filepath.WalkDir(filepath.Join(tp.dir, "crop"), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			images++
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, images)

	f, err := os.Open(filepath.Join(tp.dir, "session_metadata.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 5) // header + 4
}

func TestPipelineSkipsLostDetections(t *testing.T) {
	tp := setupTestPipeline(t, 1)

	tp.frames.Push(encodedFrame(t, 0))
	tp.tracker.Push(trackedBatch(0, vision.StatusLost))
	tp.frames.Close()
	tp.tracker.Close()

	require.NoError(t, tp.pipeline.Run(context.Background()))

	stats := tp.pipeline.Stats()
	assert.Equal(t, uint64(1), stats.Sync.PairsEmitted)
	assert.Equal(t, uint64(1), stats.Extract.SkippedLost)
	assert.Equal(t, uint64(0), stats.Record.RecordsWritten)
}

func TestPipelineDrainsOnCancel(t *testing.T) {
	tp := setupTestPipeline(t, 2)

	tp.tracker.Push(trackedBatch(6, vision.StatusTracked)) // waits for frame 3 forever

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tp.pipeline.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop after cancellation")
	}

	stats := tp.pipeline.Stats()
	assert.Equal(t, uint64(1), stats.Sync.SyncMisses) // finalized at shutdown
}
