// Package detect runs the per-camera detection pipeline: a frame
// grabber over the camera's substream, a background-subtraction motion
// detector, an optional object-detector stage, and the interval
// assembler that turns raw per-frame decisions into event intervals.
package detect

import "time"

const (
	// ROI mask granularity. Masks are gridCells² characters of '0'/'1'
	// in row-major order; empty means the whole frame.
	gridCells = 10

	// Hysteresis: this many consecutive active frames open an
	// interval, and this many inactive frames close it. The close
	// threshold sits at half the open threshold so flicker around the
	// boundary does not chatter.
	openFrames  = 3
	closeFrames = 15

	// Object detection runs on every Nth grabbed frame.
	aiFrameStride = 5
	// Detections below this confidence are ignored.
	aiMinConfidence = 0.4
	// A detection keeps its class "present" for this long.
	aiWindow = 10 * time.Second

	// Interval shaping.
	maxIntervalLength = 5 * time.Minute
	mergeGap          = 5 * time.Second
	minIntervalLength = 2 * time.Second

	// Analysis frame rate.
	analysisFPS = 5
)

// Frame is one grayscale analysis frame.
type Frame struct {
	Pixels []byte // row-major luma
	Width  int
	Height int
	Time   time.Time
}

// Detection is one object reported by the detector service.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// Interval is a closed span of detected activity.
type Interval struct {
	Start  time.Time
	End    time.Time
	Reason string
}
