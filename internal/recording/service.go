package recording

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/argus-nvr/argus/internal/config"
	"github.com/argus-nvr/argus/internal/store"
)

// Service bundles the archive index, timeline queries and file-level
// operations behind one handle.
type Service struct {
	store    *store.Store
	storage  config.StorageConfig
	ffmpeg   *FFmpeg
	indexer  *Indexer
	timeline *Timeline
	logger   *slog.Logger
}

func NewService(st *store.Store, storage config.StorageConfig) (*Service, error) {
	ffmpeg := NewFFmpeg()
	indexer, err := NewIndexer(st, ffmpeg)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:    st,
		storage:  storage,
		ffmpeg:   ffmpeg,
		indexer:  indexer,
		timeline: NewTimeline(st),
		logger:   slog.Default().With("component", "recording"),
	}, nil
}

// Start begins watching the archive directories of every camera and
// runs the index maintenance loops.
func (s *Service) Start(ctx context.Context) error {
	cameras, err := s.store.Cameras.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, cam := range cameras {
		if err := s.indexer.WatchCamera(ctx, cam.ID, s.storage.ArchiveDir(cam.ID)); err != nil {
			s.logger.Error("Failed to watch archive dir", "camera", cam.ID, "error", err)
		}
	}
	s.indexer.Start(ctx)
	return nil
}

// Close releases the filesystem watcher.
func (s *Service) Close() error {
	return s.indexer.Close()
}

// AddCamera starts indexing a newly created camera.
func (s *Service) AddCamera(ctx context.Context, cameraID string) error {
	return s.indexer.WatchCamera(ctx, cameraID, s.storage.ArchiveDir(cameraID))
}

// RemoveCamera stops indexing and deletes the camera's archive and
// event files.
func (s *Service) RemoveCamera(ctx context.Context, cameraID string) error {
	s.indexer.UnwatchCamera(s.storage.ArchiveDir(cameraID))
	if err := os.RemoveAll(s.storage.ArchiveDir(cameraID)); err != nil {
		return fmt.Errorf("failed to remove archive dir: %w", err)
	}
	if err := os.RemoveAll(s.storage.EventsDir(cameraID)); err != nil {
		return fmt.Errorf("failed to remove events dir: %w", err)
	}
	return nil
}

// Timeline exposes the timeline query API.
func (s *Service) Timeline() *Timeline {
	return s.timeline
}

// FFmpeg exposes the media tooling for the event recorder.
func (s *Service) FFmpeg() *FFmpeg {
	return s.ffmpeg
}

// SegmentPath resolves a segment's absolute file path.
func (s *Service) SegmentPath(cameraID, filename string) string {
	return filepath.Join(s.storage.ArchiveDir(cameraID), filename)
}

// Wipe deletes a camera's entire archive: files first, then rows, so a
// crash leaves orphan rows (cleaned by the indexer) rather than orphan
// files.
func (s *Service) Wipe(ctx context.Context, cameraID string) (int, error) {
	dir := s.storage.ArchiveDir(cameraID)
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			s.logger.Warn("Failed to remove archive file", "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}

	if _, err := s.store.Segments.DeleteByCamera(ctx, cameraID); err != nil {
		return removed, err
	}
	return removed, nil
}
