package record

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ecovision/trapsync/internal/extract"
	"github.com/ecovision/trapsync/internal/logger"
	"github.com/ecovision/trapsync/internal/state"
)

// metadataColumns is the fixed header of the append-only metadata file.
// Rows are never rewritten or deleted.
var metadataColumns = []string{
	"timestamp", "label", "confidence", "tracking_id",
	"bbox_xmin", "bbox_ymin", "bbox_xmax", "bbox_ymax", "file_path",
}

const timestampLayout = "2006-01-02T15:04:05.000000"

// CropRegistry tracks persisted crop files for retention and queries.
// Registration failures are logged, never fatal for the recording.
type CropRegistry interface {
	SaveCropEntry(ctx context.Context, entry state.CropEntry) error
}

// Recorder persists crops and appends one metadata row per crop. The image
// write and the metadata append form one logical unit: a failed image write
// produces no metadata row, while a failed append after a successful write
// keeps the image and surfaces the error.
type Recorder struct {
	logger    *logger.Logger
	dir       string
	sessionID string
	registry  CropRegistry

	mu       sync.Mutex
	metaFile *os.File
	csv      *csv.Writer
	stats    RecordStats
}

// RecordStats are the recorder's running counters.
type RecordStats struct {
	ImagesWritten    uint64
	RecordsWritten   uint64
	ImageFailures    uint64
	MetadataFailures uint64
}

// RecorderConfig contains recorder configuration.
type RecorderConfig struct {
	Dir       string // session output directory
	SessionID string
	Registry  CropRegistry // optional
}

// NewRecorder creates a recorder writing into the session directory. The
// metadata file is created immediately with its header row.
func NewRecorder(config RecorderConfig, log *logger.Logger) (*Recorder, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("recorder directory is required")
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	metaPath := filepath.Join(config.Dir, fmt.Sprintf("%s_metadata.csv", filepath.Base(config.Dir)))
	metaFile, err := os.OpenFile(metaPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata file: %w", err)
	}

	r := &Recorder{
		logger:    log,
		dir:       config.Dir,
		sessionID: config.SessionID,
		registry:  config.Registry,
		metaFile:  metaFile,
		csv:       csv.NewWriter(metaFile),
	}

	info, err := metaFile.Stat()
	if err != nil {
		metaFile.Close()
		return nil, fmt.Errorf("failed to stat metadata file: %w", err)
	}
	if info.Size() == 0 {
		if err := r.csv.Write(metadataColumns); err != nil {
			metaFile.Close()
			return nil, fmt.Errorf("failed to write metadata header: %w", err)
		}
		r.csv.Flush()
		if err := r.csv.Error(); err != nil {
			metaFile.Close()
			return nil, fmt.Errorf("failed to flush metadata header: %w", err)
		}
	}

	log.Info("Recorder initialized", "dir", config.Dir, "metadata", metaPath)

	return r, nil
}

// Record persists one crop and appends its metadata row. Returns the path
// of the written image.
func (r *Recorder) Record(ctx context.Context, crop extract.Crop) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := r.cropPath(crop)
	if err := r.writeImage(path, crop.Data); err != nil {
		r.stats.ImageFailures++
		return "", fmt.Errorf("failed to persist crop image: %w", err)
	}
	r.stats.ImagesWritten++

	if err := r.appendRecord(crop, path); err != nil {
		// image retained, orphaned image preferred over silent data loss
		r.stats.MetadataFailures++
		return path, fmt.Errorf("crop image written to %s but metadata append failed: %w", path, err)
	}
	r.stats.RecordsWritten++

	if r.registry != nil {
		entry := state.CropEntry{
			SessionID:  r.sessionID,
			TrackID:    crop.Detection.TrackID,
			Label:      crop.Detection.Label,
			Confidence: crop.Detection.Confidence,
			Sequence:   crop.Sequence,
			Path:       path,
			SizeBytes:  int64(len(crop.Data)),
			CreatedAt:  crop.Timestamp,
		}
		if err := r.registry.SaveCropEntry(ctx, entry); err != nil {
			r.logger.Warn("Failed to register crop entry", "path", path, "error", err)
		}
	}

	return path, nil
}

// Stats returns a snapshot of the recorder counters.
func (r *Recorder) Stats() RecordStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Dir returns the session output directory.
func (r *Recorder) Dir() string {
	return r.dir
}

// Close flushes and closes the metadata file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.csv.Flush()
	flushErr := r.csv.Error()
	closeErr := r.metaFile.Close()
	if flushErr != nil {
		return fmt.Errorf("failed to flush metadata: %w", flushErr)
	}
	return closeErr
}

// cropPath derives the unique crop file name: the capture timestamp, label
// and track ID plus the low-res batch sequence, which disambiguates the
// crops a single high-res frame yields across consecutive tracker cycles.
func (r *Recorder) cropPath(crop extract.Crop) string {
	ts := fmt.Sprintf("%s-%06d",
		crop.Timestamp.Format("2006-01-02_15-04-05"),
		crop.Timestamp.Nanosecond()/1000,
	)
	name := fmt.Sprintf("%s_%s_ID%d_%d_crop.jpg",
		ts, crop.Detection.Label, crop.Detection.TrackID, crop.BatchSequence)
	return filepath.Join(r.dir, "crop", crop.Detection.Label, name)
}

// writeImage writes the crop atomically: tmp file in the target directory,
// fsync, then rename. The file is either fully present or absent.
func (r *Recorder) writeImage(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create crop directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".crop-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write crop data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to sync crop data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to rename crop into place: %w", err)
	}
	return nil
}

// appendRecord appends one metadata row and flushes it to the file.
func (r *Recorder) appendRecord(crop extract.Crop, path string) error {
	row := []string{
		crop.Timestamp.Format(timestampLayout),
		crop.Detection.Label,
		strconv.FormatFloat(crop.Detection.Confidence, 'f', 2, 64),
		strconv.Itoa(crop.Detection.TrackID),
		strconv.Itoa(crop.Rect.Min.X),
		strconv.Itoa(crop.Rect.Min.Y),
		strconv.Itoa(crop.Rect.Max.X),
		strconv.Itoa(crop.Rect.Max.Y),
		path,
	}

	if err := r.csv.Write(row); err != nil {
		return err
	}
	r.csv.Flush()
	return r.csv.Error()
}

// SessionDirName derives the session directory name from its start time,
// matching the layout older field recordings used.
func SessionDirName(startedAt time.Time) string {
	return startedAt.Format("20060102_150405")
}
