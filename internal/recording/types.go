// Package recording indexes the 24/7 archive written by the media
// router and serves timeline queries over it. The router owns the
// files; this package owns the database index and the ffmpeg tooling
// used to probe, cut and thumbnail them.
package recording

import "time"

const (
	// Archive filenames encode the segment start in UTC.
	segmentFilenameLayout = "20060102_150405"
	segmentExt            = ".mp4"

	// Nominal segment length. The router cuts on clock quarters, so
	// the first segment after a stream (re)start may be shorter.
	SegmentLength = 15 * time.Minute

	// An open segment with no growth for this long is presumed
	// abandoned (router crash mid-segment) and closed as-is.
	staleOpenAfter = 2 * time.Minute

	// Adjacent segments may overlap by up to this much without the
	// timeline reporting a gap.
	overlapTolerance = time.Second

	clipTimeout      = 60 * time.Second
	thumbnailTimeout = 15 * time.Second
)

// SegmentMetadata is what ffprobe reports about an archive file.
type SegmentMetadata struct {
	Duration   float64
	FileSize   int64
	Codec      string
	Resolution string
}

// TimelineSpan is one contiguous recorded span within a queried window.
// Filename names the segment the span starts in; playback seeks from
// there.
type TimelineSpan struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Filename string    `json:"filename"`
}

// SeekResult locates a wall-clock instant inside the archive.
type SeekResult struct {
	Filename string  `json:"filename"`
	Offset   float64 `json:"offset_seconds"`
}
