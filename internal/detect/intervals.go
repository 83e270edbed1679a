package detect

import "time"

// IntervalAssembler turns open/close edges into shaped intervals:
// intervals longer than the cap are split, intervals separated by a
// short gap merge, and blips too short to matter are discarded.
type IntervalAssembler struct {
	emit func(Interval)

	openStart time.Time
	open      bool
	reason    string

	pending *Interval
}

func NewIntervalAssembler(emit func(Interval)) *IntervalAssembler {
	return &IntervalAssembler{emit: emit}
}

// Open marks the start of activity. A no-op if already open.
func (a *IntervalAssembler) Open(at time.Time, reason string) {
	if a.open {
		return
	}
	a.open = true
	a.openStart = at
	a.reason = reason
}

// Extend is called while activity continues. When the open interval
// hits the length cap it is closed and a new one opened immediately,
// so a clip never exceeds the cap plus rolls.
func (a *IntervalAssembler) Extend(at time.Time, reason string) {
	if !a.open {
		return
	}
	if reason != "" {
		a.reason = reason
	}
	if at.Sub(a.openStart) >= maxIntervalLength {
		end := a.openStart.Add(maxIntervalLength)
		a.finish(Interval{Start: a.openStart, End: end, Reason: a.reason})
		a.openStart = end
	}
}

// Close marks the end of activity.
func (a *IntervalAssembler) Close(at time.Time) {
	if !a.open {
		return
	}
	a.open = false
	a.finish(Interval{Start: a.openStart, End: at, Reason: a.reason})
}

// Tick releases a held interval once the merge gap has safely passed,
// so the last interval of a burst does not wait for the next one.
func (a *IntervalAssembler) Tick(now time.Time) {
	if a.pending != nil && now.Sub(a.pending.End) >= mergeGap {
		a.emitIfLongEnough(*a.pending)
		a.pending = nil
	}
}

// Flush emits any held interval. Called on shutdown and when a camera
// is reconfigured. An interval still open is closed at now.
func (a *IntervalAssembler) Flush(now time.Time) {
	if a.open {
		a.Close(now)
	}
	if a.pending != nil {
		a.emitIfLongEnough(*a.pending)
		a.pending = nil
	}
}

// finish applies merge-and-discard shaping. Emission is held back one
// interval so a follow-up within the merge gap can coalesce.
func (a *IntervalAssembler) finish(iv Interval) {
	if a.pending != nil {
		// Merging must not undo a length-cap split.
		if iv.Start.Sub(a.pending.End) < mergeGap && iv.End.Sub(a.pending.Start) <= maxIntervalLength {
			a.pending.End = iv.End
			if iv.Reason != "" && iv.Reason != a.pending.Reason {
				a.pending.Reason = joinReasons(a.pending.Reason, iv.Reason)
			}
			return
		}
		a.emitIfLongEnough(*a.pending)
	}
	held := iv
	a.pending = &held
}

func (a *IntervalAssembler) emitIfLongEnough(iv Interval) {
	if iv.End.Sub(iv.Start) < minIntervalLength {
		return
	}
	a.emit(iv)
}

func joinReasons(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" || a == b {
		return a
	}
	return a + "," + b
}
