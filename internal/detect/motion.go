package detect

import (
	"fmt"
	"strconv"
	"strings"
)

// MotionDetector runs per-pixel exponential background subtraction with
// a cell grid and hysteresis. It is not safe for concurrent use; each
// camera worker owns one.
type MotionDetector struct {
	sensitivity int
	roi         []bool // gridCells², true = cell analyzed

	background []float64
	width      int
	height     int

	active         bool
	activeStreak   int
	inactiveStreak int
}

// Background adaptation rate. Small enough that a person walking
// through does not melt into the background within an interval.
const bgAlpha = 0.05

// Per-pixel luma delta that counts as changed.
const pixelDelta = 25.0

// Fraction of a cell's pixels that must change for the cell to fire.
const cellFraction = 0.15

func NewMotionDetector(sensitivity int, roiMask string) *MotionDetector {
	return &MotionDetector{
		sensitivity: clampSensitivity(sensitivity),
		roi:         parseROI(roiMask),
	}
}

// SetSensitivity updates the sensitivity without resetting the
// background model.
func (d *MotionDetector) SetSensitivity(sensitivity int) {
	d.sensitivity = clampSensitivity(sensitivity)
}

// SetROI replaces the region-of-interest mask.
func (d *MotionDetector) SetROI(roiMask string) {
	d.roi = parseROI(roiMask)
}

// openThreshold is the fraction of analyzed cells that must fire to
// count a frame as active. Higher sensitivity means a lower threshold.
func (d *MotionDetector) openThreshold() float64 {
	// sensitivity 1 -> 0.30, sensitivity 100 -> 0.01
	return 0.30 - 0.29*float64(d.sensitivity-1)/99.0
}

func (d *MotionDetector) closeThreshold() float64 {
	return d.openThreshold() / 2
}

// Feed processes one frame and returns the interval edge it produced:
// +1 when an interval opens, -1 when it closes, 0 otherwise.
func (d *MotionDetector) Feed(frame Frame) int {
	activity := d.activity(frame)

	if d.active {
		if activity < d.closeThreshold() {
			d.inactiveStreak++
			if d.inactiveStreak >= closeFrames {
				d.active = false
				d.inactiveStreak = 0
				d.activeStreak = 0
				return -1
			}
		} else {
			d.inactiveStreak = 0
		}
		return 0
	}

	if activity >= d.openThreshold() {
		d.activeStreak++
		if d.activeStreak >= openFrames {
			d.active = true
			d.activeStreak = 0
			d.inactiveStreak = 0
			return +1
		}
	} else {
		d.activeStreak = 0
	}
	return 0
}

// Active reports whether an interval is currently open.
func (d *MotionDetector) Active() bool {
	return d.active
}

// activity returns the fraction of analyzed grid cells with enough
// changed pixels, updating the background model along the way.
func (d *MotionDetector) activity(frame Frame) float64 {
	if frame.Width <= 0 || frame.Height <= 0 || len(frame.Pixels) < frame.Width*frame.Height {
		return 0
	}

	if d.background == nil || d.width != frame.Width || d.height != frame.Height {
		d.background = make([]float64, frame.Width*frame.Height)
		for i, p := range frame.Pixels[:len(d.background)] {
			d.background[i] = float64(p)
		}
		d.width = frame.Width
		d.height = frame.Height
		return 0
	}

	cellW := frame.Width / gridCells
	cellH := frame.Height / gridCells
	if cellW == 0 || cellH == 0 {
		return 0
	}

	firing := 0
	analyzed := 0
	for cy := 0; cy < gridCells; cy++ {
		for cx := 0; cx < gridCells; cx++ {
			if !d.roi[cy*gridCells+cx] {
				continue
			}
			analyzed++

			changed := 0
			for y := cy * cellH; y < (cy+1)*cellH; y++ {
				row := y * frame.Width
				for x := cx * cellW; x < (cx+1)*cellW; x++ {
					i := row + x
					p := float64(frame.Pixels[i])
					if diff := p - d.background[i]; diff > pixelDelta || diff < -pixelDelta {
						changed++
					}
					d.background[i] += bgAlpha * (p - d.background[i])
				}
			}
			if float64(changed) >= cellFraction*float64(cellW*cellH) {
				firing++
			}
		}
	}
	if analyzed == 0 {
		return 0
	}
	return float64(firing) / float64(analyzed)
}

func clampSensitivity(s int) int {
	if s < 1 {
		return 1
	}
	if s > 100 {
		return 100
	}
	return s
}

// parseROI decodes a mask into per-cell analysis flags. An empty mask
// analyzes the full frame; so does a malformed one, as a safety net,
// but the API rejects those before they are stored.
func parseROI(mask string) []bool {
	roi := make([]bool, gridCells*gridCells)
	cells, err := roiCells(mask)
	if err != nil || len(cells) == 0 {
		for i := range roi {
			roi[i] = true
		}
		return roi
	}
	for _, c := range cells {
		roi[c] = true
	}
	return roi
}

// roiCells parses a comma-separated list of enabled cell indices on
// the 10x10 grid. An empty mask is valid and means the full frame.
func roiCells(mask string) ([]int, error) {
	mask = strings.TrimSpace(mask)
	if mask == "" {
		return nil, nil
	}
	parts := strings.Split(mask, ",")
	cells := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("bad cell index %q", part)
		}
		if n < 0 || n >= gridCells*gridCells {
			return nil, fmt.Errorf("cell index %d out of range", n)
		}
		cells = append(cells, n)
	}
	return cells, nil
}

// ValidROIMask reports whether mask parses as a cell-index list.
func ValidROIMask(mask string) bool {
	_, err := roiCells(mask)
	return err == nil
}
