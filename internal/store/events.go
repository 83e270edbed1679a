package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/argus-nvr/argus/internal/database"
)

// EventRepo persists detection events and their clip artifacts.
type EventRepo struct {
	db *database.DB
}

// EventFilter narrows List queries.
type EventFilter struct {
	CameraID string
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// Create inserts an event row, typically after its clip file has been
// written and fsynced.
func (r *EventRepo) Create(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	var endTime sql.NullInt64
	if ev.EndTime != nil {
		endTime = sql.NullInt64{Int64: ev.EndTime.Unix(), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO events (id, camera_id, user_id, start_time, end_time, reason,
			video_path, thumbnail_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.CameraID, ev.UserID, ev.StartTime.Unix(), endTime, ev.Reason,
		ev.VideoPath, ev.ThumbnailPath, ev.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

// Get retrieves an event scoped to its owner.
func (r *EventRepo) Get(ctx context.Context, userID, id string) (*Event, error) {
	return scanEvent(r.db.QueryRowContext(ctx,
		eventSelect+" WHERE id = ? AND user_id = ?", id, userID))
}

// List returns a user's events newest first, filtered by f.
func (r *EventRepo) List(ctx context.Context, userID string, f EventFilter) ([]*Event, error) {
	query := eventSelect + " WHERE user_id = ?"
	args := []any{userID}

	if f.CameraID != "" {
		query += " AND camera_id = ?"
		args = append(args, f.CameraID)
	}
	if !f.From.IsZero() {
		query += " AND start_time >= ?"
		args = append(args, f.From.Unix())
	}
	if !f.To.IsZero() {
		query += " AND start_time < ?"
		args = append(args, f.To.Unix())
	}

	query += " ORDER BY start_time DESC"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// DaySummary is the per-day event count used by the calendar view.
type DaySummary struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

// Summary returns per-local-day event counts for a user over [from, to).
// tzOffset shifts UTC timestamps into the caller's local day buckets.
func (r *EventRepo) Summary(ctx context.Context, userID string, from, to time.Time, tzOffset time.Duration, cameraID string) ([]DaySummary, error) {
	query := `
		SELECT date(start_time + ?, 'unixepoch') AS day, COUNT(*)
		FROM events
		WHERE user_id = ? AND start_time >= ? AND start_time < ?`
	args := []any{int64(tzOffset.Seconds()), userID, from.Unix(), to.Unix()}

	if cameraID != "" {
		query += " AND camera_id = ?"
		args = append(args, cameraID)
	}
	query += " GROUP BY day ORDER BY day"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []DaySummary
	for rows.Next() {
		var s DaySummary
		if err := rows.Scan(&s.Day, &s.Count); err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Latest returns a camera's most recent event, or ErrNotFound.
func (r *EventRepo) Latest(ctx context.Context, cameraID string) (*Event, error) {
	return scanEvent(r.db.QueryRowContext(ctx,
		eventSelect+" WHERE camera_id = ? ORDER BY start_time DESC LIMIT 1", cameraID))
}

// Delete removes an event row scoped to its owner, returning the deleted
// event so the caller can remove its files.
func (r *EventRepo) Delete(ctx context.Context, userID, id string) (*Event, error) {
	ev, err := r.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if _, err := r.db.ExecContext(ctx, "DELETE FROM events WHERE id = ?", id); err != nil {
		return nil, err
	}
	return ev, nil
}

// DeleteBatch removes up to len(ids) events owned by userID and returns
// the ones that existed. Missing ids are skipped, not errors.
func (r *EventRepo) DeleteBatch(ctx context.Context, userID string, ids []string) ([]*Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := r.db.QueryContext(ctx,
		eventSelect+" WHERE user_id = ? AND id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	_, err = r.db.ExecContext(ctx,
		"DELETE FROM events WHERE user_id = ? AND id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Exists reports whether an event row exists, without an ownership
// check. Used by the clip recorder's orphan sweep.
func (r *EventRepo) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events WHERE id = ?", id).Scan(&n)
	return n > 0, err
}

// ListOlderThan returns events ending before cutoff, for the reaper.
// An event straddling the cutoff stays until its end ages out.
func (r *EventRepo) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Event, error) {
	rows, err := r.db.QueryContext(ctx,
		eventSelect+" WHERE COALESCE(end_time, start_time) < ? ORDER BY start_time LIMIT ?",
		cutoff.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// DeleteRow removes an event without an ownership check. Reaper only.
func (r *EventRepo) DeleteRow(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM events WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

const eventSelect = `
	SELECT id, camera_id, user_id, start_time, end_time, reason,
		video_path, thumbnail_path, created_at
	FROM events`

func scanEvent(row rowScanner) (*Event, error) {
	ev := &Event{}
	var startTime, createdAt int64
	var endTime sql.NullInt64

	err := row.Scan(&ev.ID, &ev.CameraID, &ev.UserID, &startTime, &endTime,
		&ev.Reason, &ev.VideoPath, &ev.ThumbnailPath, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	ev.StartTime = time.Unix(startTime, 0).UTC()
	if endTime.Valid {
		t := time.Unix(endTime.Int64, 0).UTC()
		ev.EndTime = &t
	}
	ev.CreatedAt = time.Unix(createdAt, 0).UTC()
	return ev, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
