// Package store persists users, sessions, cameras, archive segments,
// events and system settings, and owns stream path assignment.
package store

import (
	"errors"
	"time"

	"github.com/argus-nvr/argus/internal/database"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned on unique-constraint violations and
	// exhausted path-slug retries.
	ErrConflict = errors.New("conflict")
)

// DetectionMode selects the detector pipeline for a camera.
type DetectionMode string

const (
	ModeOff    DetectionMode = "off"
	ModeMotion DetectionMode = "motion"
	ModeAI     DetectionMode = "ai"
)

// User is an account that owns cameras and their artifacts.
type User struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	PasswordHash    string    `json:"-"`
	DisplayName     string    `json:"display_name"`
	TokensValidFrom time.Time `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// Session is an authenticated device, keyed by refresh-token JTI.
type Session struct {
	JTI       string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
	IP        string
	UserAgent string
}

// Camera is a configured RTSP source.
type Camera struct {
	ID                  string        `json:"id"`
	UserID              string        `json:"-"`
	Name                string        `json:"name"`
	RTSPURL             string        `json:"rtsp_url"`
	RTSPSubstreamURL    string        `json:"rtsp_substream_url,omitempty"`
	Path                string        `json:"path"`
	DisplayOrder        int           `json:"display_order"`
	Mode                DetectionMode `json:"mode"`
	Sensitivity         int           `json:"sensitivity"`
	ROIMask             string        `json:"roi_mask"`
	ObjectClasses       string        `json:"object_classes"`
	ContinuousRecording bool          `json:"continuous_recording"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// SubstreamOrMain returns the detection input URL: the substream when
// configured, otherwise the primary stream.
func (c *Camera) SubstreamOrMain() string {
	if c.RTSPSubstreamURL != "" {
		return c.RTSPSubstreamURL
	}
	return c.RTSPURL
}

// Active reports whether the camera needs an ingest worker.
func (c *Camera) Active() bool {
	return c.Mode != ModeOff || c.ContinuousRecording
}

// Segment is one 24/7 archive file.
type Segment struct {
	ID        string    `json:"id"`
	CameraID  string    `json:"camera_id"`
	StartTime time.Time `json:"start_time"`
	Duration  float64   `json:"duration"`
	Filename  string    `json:"filename"`
	FileSize  int64     `json:"file_size"`
	Open      bool      `json:"open"`
}

// EndTime returns the segment's end. Open segments report a moving end.
func (s *Segment) EndTime() time.Time {
	return s.StartTime.Add(time.Duration(s.Duration * float64(time.Second)))
}

// Event is a motion/AI detection materialized as a clip.
type Event struct {
	ID            string     `json:"id"`
	CameraID      string     `json:"camera_id"`
	UserID        string     `json:"-"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time"`
	Reason        string     `json:"reason"`
	VideoPath     string     `json:"video_path,omitempty"`
	ThumbnailPath string     `json:"thumbnail_path,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Settings is the persisted system-settings singleton.
type Settings struct {
	RetentionDays    int      `json:"retention_days"`
	DiskFloorPercent *float64 `json:"disk_floor_percent,omitempty"`
}

// Store bundles the repositories over one database handle.
type Store struct {
	Users    *UserRepo
	Sessions *SessionRepo
	Cameras  *CameraRepo
	Segments *SegmentRepo
	Events   *EventRepo
	Settings *SettingsRepo
}

// New creates a store over an open database.
func New(db *database.DB) *Store {
	return &Store{
		Users:    &UserRepo{db: db},
		Sessions: &SessionRepo{db: db},
		Cameras:  &CameraRepo{db: db},
		Segments: &SegmentRepo{db: db},
		Events:   &EventRepo{db: db},
		Settings: &SettingsRepo{db: db},
	}
}
