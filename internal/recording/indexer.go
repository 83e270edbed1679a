package recording

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/argus-nvr/argus/internal/metrics"
	"github.com/argus-nvr/argus/internal/store"
)

// Indexer watches per-camera archive directories and mirrors them into
// the segment index. A segment is open from the moment its file appears
// until the next file starts (or it goes stale), at which point it is
// probed and closed with settled metadata.
type Indexer struct {
	store   *store.Store
	ffmpeg  *FFmpeg
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	cameras map[string]string // watched directory -> camera id
}

func NewIndexer(st *store.Store, ffmpeg *FFmpeg) (*Indexer, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return &Indexer{
		store:   st,
		ffmpeg:  ffmpeg,
		logger:  slog.Default().With("component", "indexer"),
		watcher: watcher,
		cameras: make(map[string]string),
	}, nil
}

// Start runs the watch loop and the stale-segment closer until ctx ends.
func (ix *Indexer) Start(ctx context.Context) {
	go ix.run(ctx)
}

// Close releases the filesystem watcher.
func (ix *Indexer) Close() error {
	return ix.watcher.Close()
}

// WatchCamera begins indexing a camera's archive directory, creating
// it if needed, and reconciles the index with what is already on disk.
func (ix *Indexer) WatchCamera(ctx context.Context, cameraID, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive dir: %w", err)
	}

	ix.mu.Lock()
	ix.cameras[dir] = cameraID
	ix.mu.Unlock()

	if err := ix.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch archive dir: %w", err)
	}
	return ix.reconcile(ctx, cameraID, dir)
}

// UnwatchCamera stops indexing a camera's directory. Files stay on
// disk; deletion is the caller's business.
func (ix *Indexer) UnwatchCamera(dir string) {
	ix.mu.Lock()
	delete(ix.cameras, dir)
	ix.mu.Unlock()
	_ = ix.watcher.Remove(dir)
}

// reconcile diffs the directory against the index at startup: files
// without rows are indexed, and every file except the newest is closed.
func (ix *Indexer) reconcile(ctx context.Context, cameraID, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	indexed, err := ix.store.Segments.ListFilenames(ctx, cameraID)
	if err != nil {
		return err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), segmentExt) {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for i, name := range files {
		newest := i == len(files)-1
		if indexed[name] && !newest {
			continue
		}
		start, err := parseSegmentStart(name)
		if err != nil {
			ix.logger.Warn("Skipping unparseable archive file", "file", name)
			continue
		}
		if newest {
			// The newest file may still be written to; leave it open
			// and let the stale closer or the next file settle it.
			ix.upsertOpen(ctx, cameraID, name, start, filepath.Join(dir, name))
			continue
		}
		ix.closeSegment(ctx, cameraID, name, start, filepath.Join(dir, name))
	}

	// Rows whose files vanished while we were down.
	for name := range indexed {
		if !slices.Contains(files, name) {
			if seg, err := ix.store.Segments.Get(ctx, cameraID, name); err == nil {
				_ = ix.store.Segments.Delete(ctx, seg.ID)
			}
		}
	}
	return nil
}

func (ix *Indexer) run(ctx context.Context) {
	staleTicker := time.NewTicker(30 * time.Second)
	defer staleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ix.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				ix.handleCreate(ctx, event.Name)
			}
		case err, ok := <-ix.watcher.Errors:
			if !ok {
				return
			}
			ix.logger.Error("Watcher error", "error", err)
		case <-staleTicker.C:
			ix.closeStale(ctx)
		}
	}
}

// handleCreate indexes a newly created archive file and closes the
// segment it supersedes.
func (ix *Indexer) handleCreate(ctx context.Context, path string) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, segmentExt) {
		return
	}

	dir := filepath.Dir(path)
	ix.mu.Lock()
	cameraID, ok := ix.cameras[dir]
	ix.mu.Unlock()
	if !ok {
		return
	}

	start, err := parseSegmentStart(name)
	if err != nil {
		ix.logger.Warn("Ignoring unparseable archive file", "file", name)
		return
	}

	// Close whatever was open before this file started.
	open, err := ix.store.Segments.ListOpen(ctx, cameraID)
	if err == nil {
		for _, seg := range open {
			if seg.Filename == name {
				continue
			}
			ix.closeSegment(ctx, cameraID, seg.Filename, seg.StartTime, filepath.Join(dir, seg.Filename))
		}
	}

	ix.upsertOpen(ctx, cameraID, name, start, path)
}

func (ix *Indexer) upsertOpen(ctx context.Context, cameraID, name string, start time.Time, path string) {
	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	err := ix.store.Segments.Upsert(ctx, &store.Segment{
		CameraID:  cameraID,
		StartTime: start,
		Filename:  name,
		FileSize:  size,
		Open:      true,
	})
	if err != nil {
		ix.logger.Error("Failed to index segment", "file", name, "error", err)
		return
	}
	metrics.SegmentsIndexed.Inc()
}

// closeSegment probes the file and settles the row. A file ffprobe
// cannot read is dropped from the index.
func (ix *Indexer) closeSegment(ctx context.Context, cameraID, name string, start time.Time, path string) {
	meta, err := ix.ffmpeg.Probe(ctx, path)
	if err != nil {
		ix.logger.Warn("Failed to probe segment, removing from index",
			"file", name, "error", err)
		if seg, err := ix.store.Segments.Get(ctx, cameraID, name); err == nil {
			_ = ix.store.Segments.Delete(ctx, seg.ID)
		}
		return
	}

	err = ix.store.Segments.Upsert(ctx, &store.Segment{
		CameraID:  cameraID,
		StartTime: start,
		Duration:  meta.Duration,
		Filename:  name,
		FileSize:  meta.FileSize,
		Open:      false,
	})
	if err != nil {
		ix.logger.Error("Failed to close segment", "file", name, "error", err)
	}
}

// closeStale settles open segments whose files stopped growing.
func (ix *Indexer) closeStale(ctx context.Context) {
	ix.mu.Lock()
	cameras := make(map[string]string, len(ix.cameras))
	for dir, id := range ix.cameras {
		cameras[dir] = id
	}
	ix.mu.Unlock()

	for dir, cameraID := range cameras {
		open, err := ix.store.Segments.ListOpen(ctx, cameraID)
		if err != nil {
			continue
		}
		for _, seg := range open {
			path := filepath.Join(dir, seg.Filename)
			info, err := os.Stat(path)
			if err != nil {
				_ = ix.store.Segments.Delete(ctx, seg.ID)
				continue
			}
			if time.Since(info.ModTime()) > staleOpenAfter {
				ix.logger.Info("Closing stale open segment", "file", seg.Filename)
				ix.closeSegment(ctx, cameraID, seg.Filename, seg.StartTime, path)
			}
		}
	}
}

// parseSegmentStart derives the UTC start time from the filename.
func parseSegmentStart(name string) (time.Time, error) {
	base := strings.TrimSuffix(name, segmentExt)
	return time.ParseInLocation(segmentFilenameLayout, base, time.UTC)
}
