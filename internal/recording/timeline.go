package recording

import (
	"context"
	"time"

	"github.com/argus-nvr/argus/internal/store"
)

// Timeline answers "what is recorded when" queries over the segment
// index. All math happens in UTC; local-day windows are derived from
// the caller's timezone offset.
type Timeline struct {
	store *store.Store
}

func NewTimeline(st *store.Store) *Timeline {
	return &Timeline{store: st}
}

// Day returns the recorded spans within one local calendar day.
// day is midnight of the local day expressed in UTC; tzOffset is the
// caller's offset from UTC.
func (t *Timeline) Day(ctx context.Context, cameraID string, day time.Time, tzOffset time.Duration) ([]TimelineSpan, error) {
	from := day.Add(-tzOffset)
	return t.Range(ctx, cameraID, from, from.Add(24*time.Hour))
}

// Range returns the recorded spans overlapping [from, to), clipped to
// the window. Segments whose gap is within the overlap tolerance merge
// into one span.
func (t *Timeline) Range(ctx context.Context, cameraID string, from, to time.Time) ([]TimelineSpan, error) {
	segments, err := t.store.Segments.ListRange(ctx, cameraID, from, to)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var spans []TimelineSpan
	for _, seg := range segments {
		start := seg.StartTime
		end := seg.EndTime()
		if seg.Open {
			end = now
		}

		if start.Before(from) {
			start = from
		}
		if end.After(to) {
			end = to
		}
		if !end.After(start) {
			continue
		}

		if n := len(spans); n > 0 && !start.After(spans[n-1].End.Add(overlapTolerance)) {
			if end.After(spans[n-1].End) {
				spans[n-1].End = end
			}
			continue
		}
		spans = append(spans, TimelineSpan{Start: start, End: end, Filename: seg.Filename})
	}
	return spans, nil
}

// Seek locates the archive position for a wall-clock instant. Returns
// store.ErrNotFound when t falls in a gap.
func (t *Timeline) Seek(ctx context.Context, cameraID string, at time.Time) (*SeekResult, error) {
	seg, err := t.store.Segments.SegmentAt(ctx, cameraID, at)
	if err != nil {
		return nil, err
	}
	return &SeekResult{
		Filename: seg.Filename,
		Offset:   at.Sub(seg.StartTime).Seconds(),
	}, nil
}

// SegmentsCovering returns the closed-or-open segments whose spans
// intersect [from, to), for clip extraction.
func (t *Timeline) SegmentsCovering(ctx context.Context, cameraID string, from, to time.Time) ([]*store.Segment, error) {
	return t.store.Segments.ListRange(ctx, cameraID, from, to)
}
