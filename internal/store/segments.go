package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/argus-nvr/argus/internal/database"
)

// SegmentRepo persists the 24/7 archive index.
type SegmentRepo struct {
	db *database.DB
}

// Upsert inserts or refreshes a segment keyed by (camera, filename).
// The indexer calls this both when a segment appears and when its
// metadata settles after close.
func (r *SegmentRepo) Upsert(ctx context.Context, seg *Segment) error {
	if seg.ID == "" {
		seg.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO archive_segments (id, camera_id, start_time, duration, filename, file_size, open)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (camera_id, filename) DO UPDATE SET
			start_time = excluded.start_time,
			duration = excluded.duration,
			file_size = excluded.file_size,
			open = excluded.open
	`, seg.ID, seg.CameraID, seg.StartTime.Unix(), seg.Duration, seg.Filename,
		seg.FileSize, seg.Open)
	if err != nil {
		return fmt.Errorf("failed to upsert segment: %w", err)
	}
	return nil
}

// Get retrieves a segment by camera and filename.
func (r *SegmentRepo) Get(ctx context.Context, cameraID, filename string) (*Segment, error) {
	return scanSegment(r.db.QueryRowContext(ctx,
		segmentSelect+" WHERE camera_id = ? AND filename = ?", cameraID, filename))
}

// ListRange returns a camera's segments overlapping [from, to), ordered
// by start time. An open segment counts as extending to now.
func (r *SegmentRepo) ListRange(ctx context.Context, cameraID string, from, to time.Time) ([]*Segment, error) {
	rows, err := r.db.QueryContext(ctx, segmentSelect+`
		WHERE camera_id = ?
		  AND start_time < ?
		  AND (open = 1 OR start_time + duration > ?)
		ORDER BY start_time
	`, cameraID, to.Unix(), from.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSegments(rows)
}

// ListOpen returns a camera's segments still marked open.
func (r *SegmentRepo) ListOpen(ctx context.Context, cameraID string) ([]*Segment, error) {
	rows, err := r.db.QueryContext(ctx,
		segmentSelect+" WHERE camera_id = ? AND open = 1 ORDER BY start_time", cameraID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSegments(rows)
}

// ListFilenames returns the filenames indexed for a camera. The indexer
// diffs this against the directory on startup.
func (r *SegmentRepo) ListFilenames(ctx context.Context, cameraID string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT filename FROM archive_segments WHERE camera_id = ?", cameraID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names[name] = true
	}
	return names, rows.Err()
}

// SegmentAt returns the segment covering t, or ErrNotFound when t falls
// in a gap.
func (r *SegmentRepo) SegmentAt(ctx context.Context, cameraID string, t time.Time) (*Segment, error) {
	return scanSegment(r.db.QueryRowContext(ctx, segmentSelect+`
		WHERE camera_id = ?
		  AND start_time <= ?
		  AND (open = 1 OR start_time + duration > ?)
		ORDER BY start_time DESC
		LIMIT 1
	`, cameraID, t.Unix(), t.Unix()))
}

// ListOlderThan returns segments for a camera that ended before cutoff,
// closed only. The reaper deletes their files first, then the rows.
func (r *SegmentRepo) ListOlderThan(ctx context.Context, cameraID string, cutoff time.Time, limit int) ([]*Segment, error) {
	rows, err := r.db.QueryContext(ctx, segmentSelect+`
		WHERE camera_id = ?
		  AND open = 0
		  AND start_time + duration < ?
		ORDER BY start_time
		LIMIT ?
	`, cameraID, cutoff.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSegments(rows)
}

// Delete removes a segment row.
func (r *SegmentRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM archive_segments WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteByCamera removes all segment rows for a camera. Used by wipe.
func (r *SegmentRepo) DeleteByCamera(ctx context.Context, cameraID string) (int, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM archive_segments WHERE camera_id = ?", cameraID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const segmentSelect = `
	SELECT id, camera_id, start_time, duration, filename, file_size, open
	FROM archive_segments`

func scanSegment(row rowScanner) (*Segment, error) {
	seg := &Segment{}
	var startTime int64

	err := row.Scan(&seg.ID, &seg.CameraID, &startTime, &seg.Duration,
		&seg.Filename, &seg.FileSize, &seg.Open)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	seg.StartTime = time.Unix(startTime, 0).UTC()
	return seg, nil
}

func scanSegments(rows *sql.Rows) ([]*Segment, error) {
	var segments []*Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}
