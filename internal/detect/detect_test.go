package detect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/argus-nvr/argus/internal/store"
)

const (
	testW = 100
	testH = 100
)

func flatFrame(value byte, at time.Time) Frame {
	pixels := make([]byte, testW*testH)
	for i := range pixels {
		pixels[i] = value
	}
	return Frame{Pixels: pixels, Width: testW, Height: testH, Time: at}
}

// frameWithBlock returns a mostly-dark frame with a bright rectangle
// covering the given cell range of the 10x10 grid.
func frameWithBlock(cells int, at time.Time) Frame {
	pixels := make([]byte, testW*testH)
	cellW, cellH := testW/gridCells, testH/gridCells
	for c := 0; c < cells; c++ {
		cx, cy := c%gridCells, c/gridCells
		for y := cy * cellH; y < (cy+1)*cellH; y++ {
			for x := cx * cellW; x < (cx+1)*cellW; x++ {
				pixels[y*testW+x] = 255
			}
		}
	}
	return Frame{Pixels: pixels, Width: testW, Height: testH, Time: at}
}

// frameAtCells returns a dark frame with the listed grid cells lit.
func frameAtCells(at time.Time, cells ...int) Frame {
	pixels := make([]byte, testW*testH)
	cellW, cellH := testW/gridCells, testH/gridCells
	for _, c := range cells {
		cx, cy := c%gridCells, c/gridCells
		for y := cy * cellH; y < (cy+1)*cellH; y++ {
			for x := cx * cellW; x < (cx+1)*cellW; x++ {
				pixels[y*testW+x] = 255
			}
		}
	}
	return Frame{Pixels: pixels, Width: testW, Height: testH, Time: at}
}

func primeDetector(d *MotionDetector, frames int) {
	now := time.Now()
	for i := 0; i < frames; i++ {
		d.Feed(flatFrame(0, now))
	}
}

func TestMotionOpensAfterConsecutiveFrames(t *testing.T) {
	d := NewMotionDetector(50, "")
	primeDetector(d, 10)

	now := time.Now()
	// Two active frames are not enough.
	for i := 0; i < openFrames-1; i++ {
		if edge := d.Feed(frameWithBlock(50, now)); edge != 0 {
			t.Fatalf("frame %d produced edge %d", i, edge)
		}
	}
	// The third opens.
	if edge := d.Feed(frameWithBlock(50, now)); edge != +1 {
		t.Fatalf("expected open edge, got %d", edge)
	}
	if !d.Active() {
		t.Error("detector should be active")
	}
}

func TestMotionClosesWithHysteresis(t *testing.T) {
	d := NewMotionDetector(50, "")
	primeDetector(d, 10)

	now := time.Now()
	for i := 0; i < openFrames; i++ {
		d.Feed(frameWithBlock(50, now))
	}
	if !d.Active() {
		t.Fatal("detector should be active")
	}

	// Background adapts toward the block while it is present, so a few
	// quiet frames are spent decaying back before the close streak can
	// start counting.
	closed := false
	for i := 0; i < closeFrames+20; i++ {
		if edge := d.Feed(flatFrame(0, now)); edge == -1 {
			if i < closeFrames-1 {
				t.Fatalf("closed too early, after %d quiet frames", i+1)
			}
			closed = true
			break
		}
	}
	if !closed {
		t.Error("detector never closed")
	}
}

func TestMotionSensitivityOrdering(t *testing.T) {
	// A small disturbance should trip a sensitive detector but not an
	// insensitive one.
	lo := NewMotionDetector(1, "")
	hi := NewMotionDetector(100, "")
	primeDetector(lo, 10)
	primeDetector(hi, 10)

	now := time.Now()
	loOpened, hiOpened := false, false
	for i := 0; i < openFrames; i++ {
		if lo.Feed(frameWithBlock(3, now)) == +1 {
			loOpened = true
		}
		if hi.Feed(frameWithBlock(3, now)) == +1 {
			hiOpened = true
		}
	}
	if loOpened {
		t.Error("sensitivity 1 opened on a 3-cell disturbance")
	}
	if !hiOpened {
		t.Error("sensitivity 100 did not open on a 3-cell disturbance")
	}
}

func TestMotionROIRestrictsToListedCells(t *testing.T) {
	// ROI enabling a single cell: motion elsewhere is invisible.
	d := NewMotionDetector(100, "55")
	primeDetector(d, 10)

	now := time.Now()
	for i := 0; i < openFrames+2; i++ {
		if d.Feed(frameAtCells(now, 0, 1)) == +1 {
			t.Fatal("motion outside the ROI opened an interval")
		}
	}

	opened := false
	for i := 0; i < openFrames+2; i++ {
		if d.Feed(frameAtCells(now, 55)) == +1 {
			opened = true
		}
	}
	if !opened {
		t.Error("motion inside the ROI cell did not open an interval")
	}
}

func TestValidROIMask(t *testing.T) {
	cases := []struct {
		mask string
		ok   bool
	}{
		{"", true},
		{"55", true},
		{"0,1,2", true},
		{" 3 , 4 ", true},
		{"100", false},
		{"-1", false},
		{"5,abc", false},
		{"0110", false},
	}
	for _, tc := range cases {
		if got := ValidROIMask(tc.mask); got != tc.ok {
			t.Errorf("ValidROIMask(%q) = %v, want %v", tc.mask, got, tc.ok)
		}
	}
}

func TestClassFilterWindow(t *testing.T) {
	f := NewClassFilter("person,car")
	now := time.Now()

	f.Observe([]Detection{{Class: "person", Confidence: 0.9}}, now)
	if !f.Present(now.Add(5 * time.Second)) {
		t.Error("class should persist within the window")
	}
	if f.Present(now.Add(aiWindow + time.Second)) {
		t.Error("class should expire after the window")
	}
}

func TestClassFilterRejects(t *testing.T) {
	f := NewClassFilter("person")
	now := time.Now()

	f.Observe([]Detection{
		{Class: "person", Confidence: 0.3}, // below confidence floor
		{Class: "cat", Confidence: 0.9},    // not allowed
	}, now)
	if f.Present(now) {
		t.Error("no detection should have passed the filter")
	}
}

func TestClassFilterReason(t *testing.T) {
	f := NewClassFilter("")
	now := time.Now()

	f.Observe([]Detection{
		{Class: "person", Confidence: 0.8},
		{Class: "car", Confidence: 0.7},
	}, now)
	if got := f.Classes(now); got != "car,person" {
		t.Errorf("reason = %q, want car,person", got)
	}
}

func collectIntervals(t *testing.T) (*IntervalAssembler, *[]Interval) {
	t.Helper()
	var got []Interval
	a := NewIntervalAssembler(func(iv Interval) { got = append(got, iv) })
	return a, &got
}

func TestIntervalsDiscardShort(t *testing.T) {
	a, got := collectIntervals(t)
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	a.Open(base, "motion")
	a.Close(base.Add(minIntervalLength - time.Millisecond))
	a.Flush(base.Add(time.Minute))

	if len(*got) != 0 {
		t.Errorf("short interval emitted: %+v", *got)
	}
}

func TestIntervalsMergeCloseGaps(t *testing.T) {
	a, got := collectIntervals(t)
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	a.Open(base, "motion")
	a.Close(base.Add(10 * time.Second))
	// Reopens within the merge gap.
	a.Open(base.Add(13*time.Second), "motion")
	a.Close(base.Add(20 * time.Second))
	a.Flush(base.Add(time.Minute))

	if len(*got) != 1 {
		t.Fatalf("got %d intervals, want 1 merged", len(*got))
	}
	iv := (*got)[0]
	if !iv.Start.Equal(base) || !iv.End.Equal(base.Add(20*time.Second)) {
		t.Errorf("merged interval = %v..%v", iv.Start, iv.End)
	}
}

func TestIntervalsKeepDistantApart(t *testing.T) {
	a, got := collectIntervals(t)
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	a.Open(base, "motion")
	a.Close(base.Add(10 * time.Second))
	a.Open(base.Add(20*time.Second), "motion")
	a.Close(base.Add(30 * time.Second))
	a.Flush(base.Add(time.Minute))

	if len(*got) != 2 {
		t.Fatalf("got %d intervals, want 2", len(*got))
	}
}

func TestIntervalsSplitAtCap(t *testing.T) {
	a, got := collectIntervals(t)
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	a.Open(base, "motion")
	// Activity continues past the cap.
	for s := time.Second; s <= maxIntervalLength+time.Minute; s += time.Second {
		a.Extend(base.Add(s), "")
	}
	a.Close(base.Add(maxIntervalLength + time.Minute))
	a.Flush(base.Add(2 * maxIntervalLength))

	if len(*got) != 2 {
		t.Fatalf("got %d intervals, want 2 (split at cap)", len(*got))
	}
	first := (*got)[0]
	if first.End.Sub(first.Start) != maxIntervalLength {
		t.Errorf("first interval length = %v, want %v", first.End.Sub(first.Start), maxIntervalLength)
	}
}

func TestIntervalsTickReleasesPending(t *testing.T) {
	a, got := collectIntervals(t)
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	a.Open(base, "motion")
	a.Close(base.Add(10 * time.Second))

	// Still held while merging is possible.
	a.Tick(base.Add(12 * time.Second))
	if len(*got) != 0 {
		t.Fatal("interval emitted before merge gap passed")
	}

	a.Tick(base.Add(16 * time.Second))
	if len(*got) != 1 {
		t.Fatalf("got %d intervals after tick, want 1", len(*got))
	}
}

func TestWorkerAppliesConfigBetweenFrames(t *testing.T) {
	svc := NewService(nil, nil, nil)
	cam := &store.Camera{ID: "cam1", Mode: store.ModeMotion, Sensitivity: 100}
	w := newCamWorker(cam, svc)

	var emitted []Interval
	w.assembler = NewIntervalAssembler(func(iv Interval) { emitted = append(emitted, iv) })

	frames := make(chan Frame)
	done := make(chan struct{})
	go func() {
		w.consume(frames)
		close(done)
	}()

	now := time.Now()
	for i := 0; i < 10; i++ {
		frames <- flatFrame(0, now)
	}

	updated := *cam
	updated.ROIMask = "55"
	w.reconfigure(&updated)

	// The new mask takes effect before the next frame is analyzed, so
	// motion confined to excluded cells never opens an interval.
	for i := 0; i < openFrames+5; i++ {
		frames <- frameAtCells(now, 0, 1)
	}
	close(frames)
	<-done

	if w.motion.Active() {
		t.Error("motion outside the reconfigured ROI opened an interval")
	}
	if len(emitted) != 0 {
		t.Errorf("unexpected intervals: %+v", emitted)
	}
}

func TestAIModeRunsDetectorWithoutPixelMotion(t *testing.T) {
	detector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"detections":[{"class":"person","confidence":0.9}]}`))
	}))
	defer detector.Close()

	svc := NewService(nil, nil, NewClient(detector.URL))
	snapshots := 0
	svc.snapshot = func(ctx context.Context, url string) ([]byte, error) {
		snapshots++
		return []byte("jpeg"), nil
	}

	cam := &store.Camera{ID: "cam1", Mode: store.ModeAI, Sensitivity: 50, ObjectClasses: "person"}
	w := newCamWorker(cam, svc)
	w.assembler = NewIntervalAssembler(func(Interval) {})

	frames := make(chan Frame)
	done := make(chan struct{})
	go func() {
		w.consume(frames)
		close(done)
	}()

	// A static scene: no pixel motion at all.
	now := time.Now()
	for i := 0; i < 2*aiFrameStride; i++ {
		frames <- flatFrame(0, now)
	}
	close(frames)
	<-done

	if snapshots != 2 {
		t.Errorf("detector ran %d times over %d frames, want 2", snapshots, 2*aiFrameStride)
	}
	if !w.assembler.open {
		t.Error("classifier sightings did not open an interval")
	}
}
