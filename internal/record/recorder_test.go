package record

import (
	"context"
	"encoding/csv"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecovision/trapsync/internal/extract"
	"github.com/ecovision/trapsync/internal/logger"
	"github.com/ecovision/trapsync/internal/state"
	"github.com/ecovision/trapsync/internal/vision"
)

func setupTestRecorder(t *testing.T) (*Recorder, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "20260830_120000")
	r, err := NewRecorder(RecorderConfig{Dir: dir, SessionID: "test-session"}, logger.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, dir
}

func testCrop(trackID int, batchSeq uint64) extract.Crop {
	return extract.Crop{
		Detection: vision.TrackedDetection{
			TrackID:    trackID,
			Label:      "insect",
			Confidence: 0.87,
			BBox:       vision.RelBox{XMin: 0.1, YMin: 0.2, XMax: 0.3, YMax: 0.4},
			Status:     vision.StatusTracked,
		},
		Sequence:      2,
		BatchSequence: batchSeq,
		Timestamp:     time.Date(2026, 8, 30, 12, 0, 1, 123456000, time.UTC),
		Rect:          image.Rect(100, 200, 300, 400),
		Data:          []byte("jpeg bytes"),
	}
}

func readMetadata(t *testing.T, dir string) [][]string {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, filepath.Base(dir)+"_metadata.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestRecorderWritesImageAndMetadata(t *testing.T) {
	r, dir := setupTestRecorder(t)

	path, err := r.Record(context.Background(), testCrop(7, 12))
	require.NoError(t, err)

	// image lands under crop/<label>/ with a deterministic name
	assert.True(t, strings.HasPrefix(path, filepath.Join(dir, "crop", "insect")))
	assert.Equal(t, "2026-08-30_12-00-01-123456_insect_ID7_12_crop.jpg", filepath.Base(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg bytes"), data)

	rows := readMetadata(t, dir)
	require.Len(t, rows, 2)
	assert.Equal(t, metadataColumns, rows[0])
	assert.Equal(t, "2026-08-30T12:00:01.123456", rows[1][0])
	assert.Equal(t, "insect", rows[1][1])
	assert.Equal(t, "0.87", rows[1][2])
	assert.Equal(t, "7", rows[1][3])
	assert.Equal(t, path, rows[1][8])

	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.ImagesWritten)
	assert.Equal(t, uint64(1), stats.RecordsWritten)
}

func TestRecorderOneRowPerImage(t *testing.T) {
	r, dir := setupTestRecorder(t)

	for i := 0; i < 5; i++ {
		_, err := r.Record(context.Background(), testCrop(i, uint64(10+i)))
		require.NoError(t, err)
	}

	rows := readMetadata(t, dir)
	assert.Len(t, rows, 6) // header + 5

	var images int
	err := filepath.WalkDir(filepath.Join(dir, "crop"), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, "_crop.jpg") {
			images++
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, images)
}

func TestRecorderHeaderWrittenOnce(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "session")
	log := logger.NewNopLogger()

	r, err := NewRecorder(RecorderConfig{Dir: dir, SessionID: "s"}, log)
	require.NoError(t, err)
	_, err = r.Record(context.Background(), testCrop(1, 1))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	// reopening the same directory appends, it never duplicates the header
	r, err = NewRecorder(RecorderConfig{Dir: dir, SessionID: "s"}, log)
	require.NoError(t, err)
	_, err = r.Record(context.Background(), testCrop(2, 2))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	rows := readMetadata(t, dir)
	require.Len(t, rows, 3)
	assert.Equal(t, metadataColumns, rows[0])
	assert.Equal(t, "1", rows[1][3])
	assert.Equal(t, "2", rows[2][3])
}

func TestRecorderNoPartialImages(t *testing.T) {
	r, dir := setupTestRecorder(t)

	_, err := r.Record(context.Background(), testCrop(1, 1))
	require.NoError(t, err)

	// atomic rename leaves no temp files behind
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.Contains(d.Name(), ".tmp") {
			return fmt.Errorf("leftover temp file %s", path)
		}
		return nil
	})
	assert.NoError(t, err)
}

type failingRegistry struct{ calls int }

func (f *failingRegistry) SaveCropEntry(ctx context.Context, entry state.CropEntry) error {
	f.calls++
	return fmt.Errorf("registry down")
}

func TestRecorderRegistryFailureNotFatal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "session")
	registry := &failingRegistry{}
	r, err := NewRecorder(RecorderConfig{Dir: dir, SessionID: "s", Registry: registry}, logger.NewNopLogger())
	require.NoError(t, err)
	defer r.Close()

	path, err := r.Record(context.Background(), testCrop(1, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, registry.calls)
	assert.FileExists(t, path)

	rows := readMetadata(t, dir)
	assert.Len(t, rows, 2)
}
