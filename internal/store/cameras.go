package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/argus-nvr/argus/internal/database"
)

// CameraRepo persists camera configuration and owns path-slug assignment.
type CameraRepo struct {
	db *database.DB
}

const (
	pathSlugLen     = 8
	pathSlugRetries = 5
	pathSlugChars   = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// newPathSlug generates a random stream-path slug.
func newPathSlug() (string, error) {
	buf := make([]byte, pathSlugLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i := range buf {
		buf[i] = pathSlugChars[int(buf[i])%len(pathSlugChars)]
	}
	return string(buf), nil
}

// Create inserts a camera, assigning a fresh path slug. Slug collisions
// are retried a bounded number of times before surfacing ErrConflict.
func (r *CameraRepo) Create(ctx context.Context, cam *Camera) error {
	if cam.ID == "" {
		cam.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if cam.CreatedAt.IsZero() {
		cam.CreatedAt = now
	}
	cam.UpdatedAt = now
	if cam.Mode == "" {
		cam.Mode = ModeOff
	}
	if cam.Sensitivity == 0 {
		cam.Sensitivity = 50
	}

	for attempt := 0; attempt < pathSlugRetries; attempt++ {
		slug, err := newPathSlug()
		if err != nil {
			return fmt.Errorf("failed to generate path slug: %w", err)
		}

		_, err = r.db.ExecContext(ctx, `
			INSERT INTO cameras (id, user_id, name, rtsp_url, rtsp_substream_url, path,
				display_order, mode, sensitivity, roi_mask, object_classes,
				continuous_recording, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?,
				(SELECT COALESCE(MAX(display_order), -1) + 1 FROM cameras WHERE user_id = ?),
				?, ?, ?, ?, ?, ?, ?)
		`, cam.ID, cam.UserID, cam.Name, cam.RTSPURL, cam.RTSPSubstreamURL, slug,
			cam.UserID, string(cam.Mode), cam.Sensitivity, cam.ROIMask, cam.ObjectClasses,
			cam.ContinuousRecording, cam.CreatedAt.Unix(), cam.UpdatedAt.Unix())
		if err == nil {
			cam.Path = slug
			return nil
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("failed to create camera: %w", err)
		}
	}
	return ErrConflict
}

// Get retrieves a camera by id, scoped to its owner.
func (r *CameraRepo) Get(ctx context.Context, userID, id string) (*Camera, error) {
	return scanCamera(r.db.QueryRowContext(ctx,
		cameraSelect+" WHERE id = ? AND user_id = ?", id, userID))
}

// GetByPath retrieves a camera by its stream-path slug, across all users.
// Used by the webhook ingest path where only the slug is known.
func (r *CameraRepo) GetByPath(ctx context.Context, path string) (*Camera, error) {
	return scanCamera(r.db.QueryRowContext(ctx,
		cameraSelect+" WHERE path = ?", path))
}

// List returns one user's cameras in display order.
func (r *CameraRepo) List(ctx context.Context, userID string) ([]*Camera, error) {
	rows, err := r.db.QueryContext(ctx,
		cameraSelect+" WHERE user_id = ? ORDER BY display_order, created_at", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCameras(rows)
}

// ListActive returns every camera, for any user, that needs an ingest
// worker: detection enabled or continuous recording on.
func (r *CameraRepo) ListActive(ctx context.Context) ([]*Camera, error) {
	rows, err := r.db.QueryContext(ctx,
		cameraSelect+" WHERE mode != 'off' OR continuous_recording = 1 ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCameras(rows)
}

// ListAll returns every camera in the system.
func (r *CameraRepo) ListAll(ctx context.Context) ([]*Camera, error) {
	rows, err := r.db.QueryContext(ctx, cameraSelect+" ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCameras(rows)
}

// Update persists the mutable fields of cam. The path slug and owner
// never change after creation.
func (r *CameraRepo) Update(ctx context.Context, cam *Camera) error {
	cam.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE cameras SET
			name = ?, rtsp_url = ?, rtsp_substream_url = ?, mode = ?,
			sensitivity = ?, roi_mask = ?, object_classes = ?,
			continuous_recording = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, cam.Name, cam.RTSPURL, cam.RTSPSubstreamURL, string(cam.Mode),
		cam.Sensitivity, cam.ROIMask, cam.ObjectClasses,
		cam.ContinuousRecording, cam.UpdatedAt.Unix(), cam.ID, cam.UserID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Reorder rewrites display_order for a user's cameras in one transaction.
// ids must name each of the user's cameras exactly once.
func (r *CameraRepo) Reorder(ctx context.Context, userID string, ids []string) error {
	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM cameras WHERE user_id = ?", userID).Scan(&count); err != nil {
			return err
		}
		if count != len(ids) {
			return fmt.Errorf("%w: reorder must list all %d cameras", ErrConflict, count)
		}

		for order, id := range ids {
			res, err := tx.ExecContext(ctx,
				"UPDATE cameras SET display_order = ? WHERE id = ? AND user_id = ?",
				order, id, userID)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("%w: camera %s", ErrNotFound, id)
			}
		}
		return nil
	})
}

// Delete removes a camera. Segments and events cascade; files are the
// caller's problem.
func (r *CameraRepo) Delete(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM cameras WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

const cameraSelect = `
	SELECT id, user_id, name, rtsp_url, rtsp_substream_url, path, display_order,
		mode, sensitivity, roi_mask, object_classes, continuous_recording,
		created_at, updated_at
	FROM cameras`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCamera(row rowScanner) (*Camera, error) {
	cam := &Camera{}
	var mode string
	var createdAt, updatedAt int64

	err := row.Scan(&cam.ID, &cam.UserID, &cam.Name, &cam.RTSPURL, &cam.RTSPSubstreamURL,
		&cam.Path, &cam.DisplayOrder, &mode, &cam.Sensitivity, &cam.ROIMask,
		&cam.ObjectClasses, &cam.ContinuousRecording, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cam.Mode = DetectionMode(mode)
	cam.CreatedAt = time.Unix(createdAt, 0).UTC()
	cam.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return cam, nil
}

func scanCameras(rows *sql.Rows) ([]*Camera, error) {
	var cameras []*Camera
	for rows.Next() {
		cam, err := scanCamera(rows)
		if err != nil {
			return nil, err
		}
		cameras = append(cameras, cam)
	}
	return cameras, rows.Err()
}
