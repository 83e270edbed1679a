// Package events turns closed detection intervals into clip files and
// event rows.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/argus-nvr/argus/internal/bus"
	"github.com/argus-nvr/argus/internal/config"
	"github.com/argus-nvr/argus/internal/metrics"
	"github.com/argus-nvr/argus/internal/recording"
	"github.com/argus-nvr/argus/internal/store"
)

const (
	queueCapacity = 64

	preRoll  = 3 * time.Second
	postRoll = 5 * time.Second

	cutTimeout       = 60 * time.Second
	thumbnailTimeout = 15 * time.Second
	thumbnailOffset  = 1.0

	orphanAge           = time.Hour
	orphanSweepInterval = 15 * time.Minute
)

// LiveSource resolves a camera's live stream URL on the media router,
// for clips whose interval the archive does not cover.
type LiveSource func(cam *store.Camera) string

// Recorder consumes interval messages from the bus and materializes
// each one as an event clip plus thumbnail under the camera's events
// directory. The clip file lands on disk before its row is written, so
// a crash leaves orphan files, which the sweep removes, never rows
// pointing at nothing.
type Recorder struct {
	store     *store.Store
	recording *recording.Service
	storage   config.StorageConfig
	bus       *bus.Bus
	live      LiveSource
	logger    *slog.Logger

	dump func(ctx context.Context, url string, duration float64, outPath string) error

	mu   sync.Mutex
	jobs chan bus.IntervalMessage

	wg sync.WaitGroup
}

func NewRecorder(st *store.Store, rec *recording.Service, storage config.StorageConfig, b *bus.Bus, live LiveSource) *Recorder {
	r := &Recorder{
		store:     st,
		recording: rec,
		storage:   storage,
		bus:       b,
		live:      live,
		logger:    slog.Default().With("component", "events"),
		jobs:      make(chan bus.IntervalMessage, queueCapacity),
	}
	if rec != nil {
		r.dump = func(ctx context.Context, url string, duration float64, outPath string) error {
			return rec.FFmpeg().DumpLive(ctx, url, duration, outPath)
		}
	}
	return r
}

// Start subscribes to interval messages and runs the clip worker and
// the orphan sweep until ctx is cancelled.
func (r *Recorder) Start(ctx context.Context) error {
	_, err := r.bus.Subscribe(bus.SubjectIntervals+".*", func(m *nats.Msg) {
		var msg bus.IntervalMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			r.logger.Warn("Discarding malformed interval message", "error", err)
			return
		}
		r.Enqueue(msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to intervals: %w", err)
	}

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.worker(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.sweepLoop(ctx)
	}()
	return nil
}

// Wait blocks until the worker goroutines have exited.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

// Enqueue adds a clip job. When the queue is full the oldest waiting
// job is dropped so a stalled ffmpeg cannot stall detection.
func (r *Recorder) Enqueue(msg bus.IntervalMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case r.jobs <- msg:
		return
	default:
	}

	select {
	case dropped := <-r.jobs:
		metrics.EventsDropped.Inc()
		r.logger.Warn("Clip queue full, dropping oldest job",
			"camera", dropped.CameraID, "start", dropped.Start)
	default:
	}
	select {
	case r.jobs <- msg:
	default:
		metrics.EventsDropped.Inc()
	}
}

// QueueDepth returns the number of waiting jobs.
func (r *Recorder) QueueDepth() int {
	return len(r.jobs)
}

// A single worker keeps clip extraction FIFO per camera. Cuts are
// stream copies, so one at a time is plenty.
func (r *Recorder) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.jobs:
			if err := r.process(ctx, msg); err != nil && ctx.Err() == nil {
				r.logger.Error("Failed to record event",
					"camera", msg.CameraID, "start", msg.Start, "error", err)
			}
		}
	}
}

func (r *Recorder) process(ctx context.Context, msg bus.IntervalMessage) error {
	clipStart := msg.Start.Add(-preRoll)
	clipEnd := msg.End.Add(postRoll)

	segments, err := r.recording.Timeline().SegmentsCovering(ctx, msg.CameraID, clipStart, clipEnd)
	if err != nil {
		return fmt.Errorf("failed to query archive coverage: %w", err)
	}
	plan := planCut(segments, clipStart, clipEnd)

	dir := r.storage.EventsDir(msg.CameraID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create events dir: %w", err)
	}

	eventID := uuid.New().String()
	videoName := eventID + ".mp4"
	videoPath := filepath.Join(dir, videoName)
	tmpPath := videoPath + ".tmp"

	cutStart := time.Now()
	if plan != nil {
		inputs := make([]string, len(plan.Filenames))
		for i, name := range plan.Filenames {
			inputs[i] = r.recording.SegmentPath(msg.CameraID, name)
		}
		cutCtx, cancel := context.WithTimeout(ctx, cutTimeout)
		err = r.recording.FFmpeg().Cut(cutCtx, inputs, plan.Offset, plan.Duration, tmpPath)
		cancel()
	} else {
		err = r.dumpLive(ctx, msg, clipStart, clipEnd, tmpPath)
	}
	metrics.ClipCutSeconds.Observe(time.Since(cutStart).Seconds())
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to cut clip: %w", err)
	}
	if err := settleClip(tmpPath, videoPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to settle clip file: %w", err)
	}

	// Thumbnail failure degrades the event, it does not lose it.
	thumbName := eventID + ".jpg"
	thumbCtx, cancel := context.WithTimeout(ctx, thumbnailTimeout)
	err = r.recording.FFmpeg().Thumbnail(thumbCtx, videoPath, filepath.Join(dir, thumbName), thumbnailOffset)
	cancel()
	if err != nil {
		r.logger.Warn("Failed to render thumbnail", "camera", msg.CameraID, "error", err)
		thumbName = ""
	}

	end := msg.End
	ev := &store.Event{
		ID:            eventID,
		CameraID:      msg.CameraID,
		UserID:        msg.UserID,
		StartTime:     msg.Start,
		EndTime:       &end,
		Reason:        msg.Reason,
		VideoPath:     videoName,
		ThumbnailPath: thumbName,
	}
	if err := r.store.Events.Create(ctx, ev); err != nil {
		return fmt.Errorf("failed to create event row: %w", err)
	}

	metrics.EventsRecorded.WithLabelValues(msg.Reason).Inc()
	r.logger.Info("Event recorded", "event", eventID, "camera", msg.CameraID,
		"reason", msg.Reason, "duration", msg.End.Sub(msg.Start))

	if err := r.bus.PublishEvent(bus.EventMessage{
		EventID:   eventID,
		CameraID:  msg.CameraID,
		UserID:    msg.UserID,
		Start:     msg.Start,
		End:       msg.End,
		Reason:    msg.Reason,
		Thumbnail: thumbName,
	}); err != nil {
		r.logger.Warn("Failed to announce event", "event", eventID, "error", err)
	}
	return nil
}

// dumpLive records the tail of an uncovered interval straight from the
// camera's live path. Cameras with detection on but continuous
// recording off have no archive to cut from; the clip starts now and
// runs to the padded interval end, at least the post-roll.
func (r *Recorder) dumpLive(ctx context.Context, msg bus.IntervalMessage, clipStart, clipEnd time.Time, outPath string) error {
	if r.dump == nil || r.live == nil {
		return fmt.Errorf("no archive coverage and no live source configured")
	}

	cam, err := r.store.Cameras.Get(ctx, msg.UserID, msg.CameraID)
	if err != nil {
		return fmt.Errorf("failed to load camera for live dump: %w", err)
	}

	duration := time.Until(clipEnd)
	if duration < postRoll {
		duration = postRoll
	}
	if max := clipEnd.Sub(clipStart); duration > max {
		duration = max
	}

	r.logger.Info("No archive coverage for interval, dumping live",
		"camera", msg.CameraID, "start", msg.Start, "duration", duration)

	dumpCtx, cancel := context.WithTimeout(ctx, duration+cutTimeout)
	defer cancel()
	return r.dump(dumpCtx, r.live(cam), duration.Seconds(), outPath)
}

// settleClip moves a finished clip into place, flushing the file and
// its directory so a crash right after cannot lose a clip whose row is
// already committed.
func settleClip(tmpPath, finalPath string) error {
	f, err := os.OpenFile(tmpPath, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return err
	}
	dir, err := os.Open(filepath.Dir(finalPath))
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

// cutPlan describes one ffmpeg extraction across consecutive archive
// segments.
type cutPlan struct {
	Filenames []string
	Offset    float64
	Duration  float64
}

// planCut maps a padded interval onto the covering segments. The start
// clamps to available footage; the duration may run past the newest
// segment's probed end, ffmpeg stops at end of file.
func planCut(segments []*store.Segment, from, to time.Time) *cutPlan {
	if len(segments) == 0 || !to.After(from) {
		return nil
	}

	start := from
	if first := segments[0].StartTime; start.Before(first) {
		start = first
	}
	if !to.After(start) {
		return nil
	}

	names := make([]string, len(segments))
	for i, seg := range segments {
		names[i] = seg.Filename
	}
	return &cutPlan{
		Filenames: names,
		Offset:    start.Sub(segments[0].StartTime).Seconds(),
		Duration:  to.Sub(start).Seconds(),
	}
}

func (r *Recorder) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(orphanSweepInterval)
	defer ticker.Stop()

	r.sweepOrphans(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOrphans(ctx)
		}
	}
}

// sweepOrphans deletes clip files old enough that their row should long
// since exist but does not: leftovers of crashes between cut and
// insert. Fresh files are left alone, their job may still be running.
func (r *Recorder) sweepOrphans(ctx context.Context) {
	cameras, err := r.store.Cameras.ListAll(ctx)
	if err != nil {
		r.logger.Error("Orphan sweep failed to list cameras", "error", err)
		return
	}

	cutoff := time.Now().Add(-orphanAge)
	for _, cam := range cameras {
		dir := r.storage.EventsDir(cam.ID)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}

			id := eventIDFromFilename(entry.Name())
			if id != "" {
				exists, err := r.store.Events.Exists(ctx, id)
				if err != nil || exists {
					continue
				}
			}
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				r.logger.Warn("Failed to remove orphan file", "file", entry.Name(), "error", err)
				continue
			}
			r.logger.Info("Removed orphan event file", "camera", cam.ID, "file", entry.Name())
		}
	}
}

// eventIDFromFilename strips the artifact suffix. Returns "" for names
// that are not event artifacts, which the sweep then removes on age
// alone.
func eventIDFromFilename(name string) string {
	name = strings.TrimSuffix(name, ".tmp")
	for _, ext := range []string{".mp4", ".jpg"} {
		if strings.HasSuffix(name, ext) {
			return strings.TrimSuffix(name, ext)
		}
	}
	return ""
}
