package vision

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ecovision/trapsync/internal/logger"
)

// Replay feeds the pipeline from recorded data instead of a live device:
// a directory of high-res JPEG frames (sorted by file name, one sequence
// number each) and a JSONL file with one TrackerBatch per line. Useful on a
// bench and as the reference producer in tests.
type Replay struct {
	logger       *logger.Logger
	framesDir    string
	trackerLog   string
	cadenceRatio uint64
	interval     time.Duration
}

// ReplayConfig contains replay configuration.
type ReplayConfig struct {
	FramesDir    string
	TrackerLog   string
	CadenceRatio int           // low-res cycles per high-res frame
	Interval     time.Duration // pacing per low-res cycle, 0 = as fast as possible
}

// NewReplay creates a replay producer.
func NewReplay(config ReplayConfig, log *logger.Logger) *Replay {
	ratio := config.CadenceRatio
	if ratio < 1 {
		ratio = 1
	}
	return &Replay{
		logger:       log,
		framesDir:    config.FramesDir,
		trackerLog:   config.TrackerLog,
		cadenceRatio: uint64(ratio),
		interval:     config.Interval,
	}
}

// Run pushes frames and batches in cadence order and closes both sources
// when the recording is exhausted or the context is cancelled.
func (r *Replay) Run(ctx context.Context, frames *PushFrameSource, tracker *PushTrackerSource) error {
	defer frames.Close()
	defer tracker.Close()

	frameFiles, err := r.listFrameFiles()
	if err != nil {
		return err
	}

	batches, err := r.loadBatches()
	if err != nil {
		return err
	}

	r.logger.Info("Replay started",
		"frames", len(frameFiles),
		"batches", len(batches),
		"cadence_ratio", r.cadenceRatio,
	)

	pushedFrames := map[uint64]bool{}
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}

		// deliver the high-res frame for this cadence window first
		frameSeq := batch.Sequence / r.cadenceRatio
		if !pushedFrames[frameSeq] && frameSeq < uint64(len(frameFiles)) {
			pushedFrames[frameSeq] = true
			frame, err := r.loadFrame(frameFiles[frameSeq], frameSeq)
			if err != nil {
				r.logger.Warn("Skipping unreadable frame", "path", frameFiles[frameSeq], "error", err)
			} else {
				frames.Push(frame)
			}
		}

		if batch.Timestamp.IsZero() {
			batch.Timestamp = time.Now()
		}
		tracker.Push(batch)

		if r.interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.interval):
			}
		}
	}

	r.logger.Info("Replay finished")
	return nil
}

// listFrameFiles returns the JPEG files of the frames directory in name order.
func (r *Replay) listFrameFiles() ([]string, error) {
	entries, err := os.ReadDir(r.framesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frames directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext == ".jpg" || ext == ".jpeg" {
			files = append(files, filepath.Join(r.framesDir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// loadBatches parses the tracker log, one JSON batch per line.
func (r *Replay) loadBatches() ([]*TrackerBatch, error) {
	file, err := os.Open(r.trackerLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open tracker log: %w", err)
	}
	defer file.Close()

	var batches []*TrackerBatch
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var batch TrackerBatch
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, fmt.Errorf("failed to parse tracker log line %d: %w", line, err)
		}
		batches = append(batches, &batch)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tracker log: %w", err)
	}
	return batches, nil
}

// loadFrame reads one JPEG file and tags it with its sequence number.
func (r *Replay) loadFrame(path string, seq uint64) (*Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("not a decodable JPEG: %w", err)
	}

	return &Frame{
		Sequence:  seq,
		Timestamp: time.Now(),
		Data:      data,
		Width:     cfg.Width,
		Height:    cfg.Height,
	}, nil
}
