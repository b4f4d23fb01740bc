package extract

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"sync"
	"time"

	"github.com/ecovision/trapsync/internal/logger"
	"github.com/ecovision/trapsync/internal/vision"
)

// Crop is one detection cut out of a high-resolution frame. Data is an
// independent JPEG buffer; extracting a crop never mutates the source frame.
type Crop struct {
	Detection     vision.TrackedDetection
	Sequence      uint64    // resolved high-res sequence number
	BatchSequence uint64    // low-res sequence of the originating batch
	Timestamp     time.Time // frame capture time
	Rect          image.Rectangle
	Data          []byte
}

// Extractor converts relative bounding boxes to pixel regions and produces
// crops from synced pairs.
type Extractor struct {
	logger  *logger.Logger
	margin  float64
	quality int
	mu      sync.Mutex
	stats   ExtractStats
}

// ExtractStats are the extractor's running counters.
type ExtractStats struct {
	PairsProcessed    uint64
	Crops             uint64
	SkippedLost       uint64 // LOST detections carry no new spatial data
	SkippedDegenerate uint64 // zero or negative area after clamping
	DecodeFailures    uint64
}

// ExtractorConfig contains extractor configuration.
type ExtractorConfig struct {
	CropMargin  float64 // relative margin added around each box, per side
	JPEGQuality int     // 1-100, default 90
}

// NewExtractor creates a new crop extractor.
func NewExtractor(config ExtractorConfig, log *logger.Logger) *Extractor {
	quality := config.JPEGQuality
	if quality < 1 || quality > 100 {
		quality = 90
	}

	margin := config.CropMargin
	if margin < 0 {
		margin = 0
	}

	return &Extractor{
		logger:  log,
		margin:  margin,
		quality: quality,
	}
}

// subImager is implemented by the decoded image kinds jpeg produces.
type subImager interface {
	image.Image
	SubImage(r image.Rectangle) image.Image
}

// Extract produces one crop per non-LOST detection in the pair, in the
// detection order of the batch. Degenerate boxes are skipped and counted,
// never surfaced as errors.
func (e *Extractor) Extract(pair vision.SyncedPair) ([]Crop, error) {
	e.count(func(st *ExtractStats) { st.PairsProcessed++ })

	img, _, err := image.Decode(bytes.NewReader(pair.Frame.Data))
	if err != nil {
		e.count(func(st *ExtractStats) { st.DecodeFailures++ })
		return nil, fmt.Errorf("failed to decode frame %d: %w", pair.Sequence, err)
	}

	src, ok := img.(subImager)
	if !ok {
		e.count(func(st *ExtractStats) { st.DecodeFailures++ })
		return nil, fmt.Errorf("frame %d decoded to unsupported image type %T", pair.Sequence, img)
	}

	width := pair.Frame.Width
	height := pair.Frame.Height
	if width == 0 || height == 0 {
		bounds := img.Bounds()
		width = bounds.Dx()
		height = bounds.Dy()
	}

	crops := make([]Crop, 0, len(pair.Detections))
	for _, det := range pair.Detections {
		if det.Status == vision.StatusLost {
			e.count(func(st *ExtractStats) { st.SkippedLost++ })
			continue
		}

		rect := PixelRect(det.BBox, width, height, e.margin)
		if rect.Empty() {
			e.count(func(st *ExtractStats) { st.SkippedDegenerate++ })
			e.logger.Debug("Skipping degenerate bounding box",
				"sequence", pair.Sequence,
				"track_id", det.TrackID,
				"bbox", det.BBox,
			)
			continue
		}

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, src.SubImage(rect), &jpeg.Options{Quality: e.quality}); err != nil {
			return nil, fmt.Errorf("failed to encode crop for track %d: %w", det.TrackID, err)
		}

		crops = append(crops, Crop{
			Detection:     det,
			Sequence:      pair.Sequence,
			BatchSequence: pair.BatchSequence,
			Timestamp:     pair.Frame.Timestamp,
			Rect:          rect,
			Data:          buf.Bytes(),
		})
		e.count(func(st *ExtractStats) { st.Crops++ })
	}

	return crops, nil
}

// Stats returns a snapshot of the extractor counters.
func (e *Extractor) Stats() ExtractStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Extractor) count(fn func(*ExtractStats)) {
	e.mu.Lock()
	fn(&e.stats)
	e.mu.Unlock()
}

// PixelRect converts a relative bounding box to absolute pixel coordinates
// in a width x height frame. The optional margin expands the box by that
// fraction of its own size on every side. The result is clamped to the
// frame, so callers must check Empty before using it.
func PixelRect(box vision.RelBox, width, height int, margin float64) image.Rectangle {
	x0 := box.XMin
	y0 := box.YMin
	x1 := box.XMax
	y1 := box.YMax

	if margin > 0 {
		mx := (x1 - x0) * margin
		my := (y1 - y0) * margin
		x0 -= mx
		x1 += mx
		y0 -= my
		y1 += my
	}

	// image.Rect would swap the corners of an inverted box; build the
	// rectangle literally so negative-area boxes stay empty and get skipped.
	rect := image.Rectangle{
		Min: image.Pt(scale(x0, width), scale(y0, height)),
		Max: image.Pt(scale(x1, width), scale(y1, height)),
	}
	return rect.Intersect(image.Rect(0, 0, width, height))
}

// scale rounds a relative coordinate to a pixel coordinate in [0, size].
func scale(v float64, size int) int {
	px := int(math.Round(v * float64(size)))
	if px < 0 {
		return 0
	}
	if px > size {
		return size
	}
	return px
}
