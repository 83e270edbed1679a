// Package retention deletes archive footage and events that have aged
// past the configured horizon, and sheds extra footage when the disk
// runs low.
package retention

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/argus-nvr/argus/internal/config"
	"github.com/argus-nvr/argus/internal/metrics"
	"github.com/argus-nvr/argus/internal/store"
)

const (
	reapInterval = 60 * time.Second
	batchLimit   = 200

	// Aggressive mode trips below the floor and runs until the target,
	// but never touches footage younger than this.
	defaultDiskFloorPct = 5.0
	aggressiveMinAge    = time.Hour
)

// Reaper enforces the retention horizon. Files go first, rows second,
// so a crash mid-pass leaves rows pointing at missing files, which the
// archive indexer already cleans, never files the index forgot.
type Reaper struct {
	store   *store.Store
	storage config.StorageConfig
	logger  *slog.Logger

	// Swappable for tests.
	diskUsage func(path string) (*disk.UsageStat, error)
	now       func() time.Time
}

func NewReaper(st *store.Store, storage config.StorageConfig) *Reaper {
	return &Reaper{
		store:     st,
		storage:   storage,
		logger:    slog.Default().With("component", "retention"),
		diskUsage: disk.Usage,
		now:       time.Now,
	}
}

// Run reaps once immediately and then on every tick until ctx is
// cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	r.reap(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

func (r *Reaper) reap(ctx context.Context) {
	settings, err := r.store.Settings.Get(ctx)
	if err != nil {
		r.logger.Error("Failed to load settings", "error", err)
		return
	}

	cutoff := r.now().UTC().Add(-time.Duration(settings.RetentionDays) * 24 * time.Hour)
	r.reapSegments(ctx, cutoff)
	r.reapEvents(ctx, cutoff)
	r.shedForDisk(ctx, settings)
}

// reapSegments removes closed archive segments older than cutoff.
// Returns how many were removed.
func (r *Reaper) reapSegments(ctx context.Context, cutoff time.Time) int {
	cameras, err := r.store.Cameras.ListAll(ctx)
	if err != nil {
		r.logger.Error("Failed to list cameras", "error", err)
		return 0
	}

	removed := 0
	for _, cam := range cameras {
		segments, err := r.store.Segments.ListOlderThan(ctx, cam.ID, cutoff, batchLimit)
		if err != nil {
			r.logger.Error("Failed to list expired segments", "camera", cam.ID, "error", err)
			continue
		}
		dir := r.storage.ArchiveDir(cam.ID)
		for _, seg := range segments {
			if err := removeFile(dir, seg.Filename); err != nil {
				r.logger.Warn("Failed to remove segment file",
					"camera", cam.ID, "file", seg.Filename, "error", err)
				continue
			}
			if err := r.store.Segments.Delete(ctx, seg.ID); err != nil {
				r.logger.Warn("Failed to remove segment row",
					"camera", cam.ID, "file", seg.Filename, "error", err)
				continue
			}
			metrics.ReapedSegments.Inc()
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("Reaped expired segments", "count", removed)
	}
	return removed
}

func (r *Reaper) reapEvents(ctx context.Context, cutoff time.Time) {
	events, err := r.store.Events.ListOlderThan(ctx, cutoff, batchLimit)
	if err != nil {
		r.logger.Error("Failed to list expired events", "error", err)
		return
	}

	removed := 0
	for _, ev := range events {
		dir := r.storage.EventsDir(ev.CameraID)
		if err := removeFile(dir, ev.VideoPath); err != nil {
			r.logger.Warn("Failed to remove event clip", "event", ev.ID, "error", err)
			continue
		}
		if ev.ThumbnailPath != "" {
			if err := removeFile(dir, ev.ThumbnailPath); err != nil {
				r.logger.Warn("Failed to remove event thumbnail", "event", ev.ID, "error", err)
			}
		}
		if err := r.store.Events.DeleteRow(ctx, ev.ID); err != nil {
			r.logger.Warn("Failed to remove event row", "event", ev.ID, "error", err)
			continue
		}
		metrics.ReapedEvents.Inc()
		removed++
	}
	if removed > 0 {
		r.logger.Info("Reaped expired events", "count", removed)
	}
}

// shedForDisk drops the oldest archive footage regardless of the
// retention horizon when free space falls below the floor. It stops at
// twice the floor, or when nothing older than an hour remains.
func (r *Reaper) shedForDisk(ctx context.Context, settings *store.Settings) {
	floor := defaultDiskFloorPct
	if settings.DiskFloorPercent != nil {
		floor = *settings.DiskFloorPercent
	}
	target := floor * 2

	usage, err := r.diskUsage(r.storage.Root)
	if err != nil {
		r.logger.Error("Failed to stat storage disk", "error", err)
		return
	}
	if freePercent(usage) >= floor {
		return
	}

	r.logger.Warn("Low disk space, shedding oldest footage",
		"free_percent", freePercent(usage), "target_percent", target)

	minCutoff := r.now().UTC().Add(-aggressiveMinAge)
	for {
		if r.reapSegments(ctx, minCutoff) == 0 {
			r.logger.Warn("Nothing older than an hour left to shed")
			return
		}
		usage, err = r.diskUsage(r.storage.Root)
		if err != nil {
			r.logger.Error("Failed to stat storage disk", "error", err)
			return
		}
		if freePercent(usage) >= target {
			return
		}
	}
}

func freePercent(u *disk.UsageStat) float64 {
	return 100 - u.UsedPercent
}

// removeFile deletes dir/name. A file already gone is success.
func removeFile(dir, name string) error {
	if name == "" {
		return nil
	}
	err := os.Remove(filepath.Join(dir, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
