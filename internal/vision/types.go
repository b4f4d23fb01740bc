package vision

import "time"

// TrackStatus is the tracker-assigned state of a detection.
type TrackStatus string

const (
	StatusNew     TrackStatus = "NEW"
	StatusTracked TrackStatus = "TRACKED"
	StatusLost    TrackStatus = "LOST" // object not re-identified this cycle, no new spatial data
)

// RelBox is a bounding box in relative coordinates, each value in [0,1].
type RelBox struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
}

// Frame is a high-resolution frame tagged with its sequence number.
// Data is immutable once the frame is created; ownership moves through the
// pipeline and the buffer is released when the last crop has been taken.
type Frame struct {
	Sequence  uint64    // production order within the frame stream
	Timestamp time.Time // capture time
	Data      []byte    // JPEG-encoded pixel buffer
	Width     int
	Height    int
}

// TrackedDetection is one tracked object inferred from a low-res frame.
type TrackedDetection struct {
	TrackID    int         `json:"track_id"`
	Label      string      `json:"label"`
	Confidence float64     `json:"confidence"` // in [0,1]
	BBox       RelBox      `json:"bbox"`
	Status     TrackStatus `json:"status"`
}

// TrackerBatch is the set of detections inferred from one low-res frame.
// Sequence references the low-res frame, not the high-res one.
type TrackerBatch struct {
	Sequence   uint64             `json:"sequence"`
	Timestamp  time.Time          `json:"timestamp"`
	Detections []TrackedDetection `json:"detections"`
}

// SyncedPair is a high-res frame matched with the detections captured from
// the same underlying moment. Sequence is the resolved high-res sequence
// number and uniquely identifies the match; BatchSequence is the low-res
// sequence number of the originating tracker batch.
type SyncedPair struct {
	Frame         *Frame
	Detections    []TrackedDetection
	Sequence      uint64
	BatchSequence uint64
}
