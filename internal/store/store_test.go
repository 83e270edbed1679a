package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/argus-nvr/argus/internal/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return New(db)
}

func createTestUser(t *testing.T, s *Store, email string) *User {
	t.Helper()

	user := &User{
		Email:        email,
		PasswordHash: "$argon2id$test",
		DisplayName:  "Test User",
	}
	if err := s.Users.Create(context.Background(), user); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return user
}

func createTestCamera(t *testing.T, s *Store, userID, name string) *Camera {
	t.Helper()

	cam := &Camera{
		UserID:  userID,
		Name:    name,
		RTSPURL: "rtsp://10.0.0.5/stream",
		Mode:    ModeMotion,
	}
	if err := s.Cameras.Create(context.Background(), cam); err != nil {
		t.Fatalf("failed to create camera: %v", err)
	}
	return cam
}

func TestUserCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := createTestUser(t, s, "Alice@Example.com")

	got, err := s.Users.GetByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("GetByEmail failed: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("got user %s, want %s", got.ID, user.ID)
	}
	if got.Email != "alice@example.com" {
		t.Errorf("email not lowercased: %s", got.Email)
	}
}

func TestUserDuplicateEmail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestUser(t, s, "alice@example.com")

	err := s.Users.Create(ctx, &User{Email: "alice@example.com", PasswordHash: "x"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestUserNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Users.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionValidate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "alice@example.com")
	now := time.Now().UTC().Truncate(time.Second)

	session := &Session{
		JTI:       "jti-1",
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(7 * 24 * time.Hour),
	}
	if err := s.Sessions.Create(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	valid, err := s.Sessions.Validate(ctx, "jti-1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !valid {
		t.Error("expected session to be valid")
	}

	// Expired
	valid, err = s.Sessions.Validate(ctx, "jti-1", now.Add(8*24*time.Hour))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if valid {
		t.Error("expected expired session to be invalid")
	}

	// Revoked by logout-all
	if err := s.Users.BumpTokensValidFrom(ctx, user.ID, now.Add(time.Hour)); err != nil {
		t.Fatalf("BumpTokensValidFrom failed: %v", err)
	}
	valid, err = s.Sessions.Validate(ctx, "jti-1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if valid {
		t.Error("expected revoked session to be invalid")
	}
}

func TestSessionRotate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "alice@example.com")
	now := time.Now().UTC()

	old := &Session{JTI: "old", UserID: user.ID, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := s.Sessions.Create(ctx, old); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	next := &Session{JTI: "next", UserID: user.ID, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := s.Sessions.Rotate(ctx, "old", next); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	if _, err := s.Sessions.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected old session gone, got %v", err)
	}
	if _, err := s.Sessions.Get(ctx, "next"); err != nil {
		t.Errorf("expected new session present, got %v", err)
	}

	// Replaying the rotation must fail; the old JTI no longer exists.
	replay := &Session{JTI: "replay", UserID: user.ID, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := s.Sessions.Rotate(ctx, "old", replay); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on replayed rotation, got %v", err)
	}
}

func TestCameraPathSlug(t *testing.T) {
	s := newTestStore(t)
	user := createTestUser(t, s, "alice@example.com")

	cam := createTestCamera(t, s, user.ID, "Front Door")

	if len(cam.Path) != 8 {
		t.Errorf("path slug length = %d, want 8", len(cam.Path))
	}
	for _, c := range cam.Path {
		if !(c >= 'a' && c <= 'z') && !(c >= '0' && c <= '9') {
			t.Errorf("path slug contains invalid char %q", c)
		}
	}

	other := createTestCamera(t, s, user.ID, "Back Door")
	if other.Path == cam.Path {
		t.Error("path slugs must be unique")
	}
}

func TestCameraDisplayOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "alice@example.com")

	a := createTestCamera(t, s, user.ID, "A")
	b := createTestCamera(t, s, user.ID, "B")
	c := createTestCamera(t, s, user.ID, "C")

	list, err := s.Cameras.List(ctx, user.ID)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("got %d cameras, want 3", len(list))
	}
	for i, cam := range list {
		if cam.DisplayOrder != i {
			t.Errorf("camera %s order = %d, want %d", cam.Name, cam.DisplayOrder, i)
		}
	}

	if err := s.Cameras.Reorder(ctx, user.ID, []string{c.ID, a.ID, b.ID}); err != nil {
		t.Fatalf("Reorder failed: %v", err)
	}

	list, err = s.Cameras.List(ctx, user.ID)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"C", "A", "B"}
	for i, cam := range list {
		if cam.Name != want[i] {
			t.Errorf("position %d = %s, want %s", i, cam.Name, want[i])
		}
	}
}

func TestCameraReorderIncomplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "alice@example.com")

	a := createTestCamera(t, s, user.ID, "A")
	createTestCamera(t, s, user.ID, "B")

	err := s.Cameras.Reorder(ctx, user.ID, []string{a.ID})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for partial reorder, got %v", err)
	}
}

func TestCameraOwnershipScoping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := createTestUser(t, s, "alice@example.com")
	bob := createTestUser(t, s, "bob@example.com")

	cam := createTestCamera(t, s, alice.ID, "Alice Cam")

	// Bob must not see Alice's camera, and the error must be
	// indistinguishable from a missing row.
	_, err := s.Cameras.Get(ctx, bob.ID, cam.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for foreign camera, got %v", err)
	}
	if err := s.Cameras.Delete(ctx, bob.ID, cam.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting foreign camera, got %v", err)
	}
}

func TestCameraListActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "alice@example.com")

	off := &Camera{UserID: user.ID, Name: "Off", RTSPURL: "rtsp://x", Mode: ModeOff}
	if err := s.Cameras.Create(ctx, off); err != nil {
		t.Fatalf("failed to create camera: %v", err)
	}
	rec := &Camera{UserID: user.ID, Name: "Rec", RTSPURL: "rtsp://x", Mode: ModeOff, ContinuousRecording: true}
	if err := s.Cameras.Create(ctx, rec); err != nil {
		t.Fatalf("failed to create camera: %v", err)
	}
	createTestCamera(t, s, user.ID, "Motion")

	active, err := s.Cameras.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("got %d active cameras, want 2", len(active))
	}
	for _, cam := range active {
		if cam.Name == "Off" {
			t.Error("mode=off camera with no recording must not be active")
		}
	}
}

func TestSegmentUpsertAndRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "alice@example.com")
	cam := createTestCamera(t, s, user.ID, "Cam")

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		seg := &Segment{
			CameraID:  cam.ID,
			StartTime: base.Add(time.Duration(i) * 15 * time.Minute),
			Duration:  900,
			Filename:  base.Add(time.Duration(i) * 15 * time.Minute).Format("20060102_150405") + ".mp4",
			FileSize:  1 << 20,
		}
		if err := s.Segments.Upsert(ctx, seg); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	segs, err := s.Segments.ListRange(ctx, cam.ID, base.Add(20*time.Minute), base.Add(40*time.Minute))
	if err != nil {
		t.Fatalf("ListRange failed: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	if segs[0].StartTime != base.Add(15*time.Minute) {
		t.Errorf("first overlapping segment start = %v", segs[0].StartTime)
	}
}

func TestSegmentUpsertIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "alice@example.com")
	cam := createTestCamera(t, s, user.ID, "Cam")

	seg := &Segment{
		CameraID:  cam.ID,
		StartTime: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		Duration:  0,
		Filename:  "20260824_100000.mp4",
		Open:      true,
	}
	if err := s.Segments.Upsert(ctx, seg); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// Re-index after close: same key, settled metadata.
	closed := *seg
	closed.ID = ""
	closed.Duration = 900
	closed.Open = false
	closed.FileSize = 42
	if err := s.Segments.Upsert(ctx, &closed); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}

	got, err := s.Segments.Get(ctx, cam.ID, "20260824_100000.mp4")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Open || got.Duration != 900 || got.FileSize != 42 {
		t.Errorf("segment metadata not updated: %+v", got)
	}
}

func TestSegmentAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "alice@example.com")
	cam := createTestCamera(t, s, user.ID, "Cam")

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	seg := &Segment{CameraID: cam.ID, StartTime: base, Duration: 900, Filename: "a.mp4"}
	if err := s.Segments.Upsert(ctx, seg); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := s.Segments.SegmentAt(ctx, cam.ID, base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("SegmentAt failed: %v", err)
	}
	if got.Filename != "a.mp4" {
		t.Errorf("wrong segment: %s", got.Filename)
	}

	// In the gap after the segment ends.
	if _, err := s.Segments.SegmentAt(ctx, cam.ID, base.Add(20*time.Minute)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound in gap, got %v", err)
	}
}

func TestEventBatchDeleteIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "alice@example.com")
	cam := createTestCamera(t, s, user.ID, "Cam")

	now := time.Now().UTC().Truncate(time.Second)
	var ids []string
	for i := 0; i < 3; i++ {
		ev := &Event{
			CameraID:  cam.ID,
			UserID:    user.ID,
			StartTime: now.Add(time.Duration(i) * time.Minute),
			Reason:    "motion",
		}
		if err := s.Events.Create(ctx, ev); err != nil {
			t.Fatalf("failed to create event: %v", err)
		}
		ids = append(ids, ev.ID)
	}

	deleted, err := s.Events.DeleteBatch(ctx, user.ID, append(ids[:2], "missing"))
	if err != nil {
		t.Fatalf("DeleteBatch failed: %v", err)
	}
	if len(deleted) != 2 {
		t.Errorf("got %d deleted, want 2", len(deleted))
	}

	remaining, err := s.Events.List(ctx, user.ID, EventFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("got %d remaining, want 1", len(remaining))
	}
}

func TestEventSummaryLocalDays(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "alice@example.com")
	cam := createTestCamera(t, s, user.ID, "Cam")

	// 23:30 UTC lands on the next local day at UTC+2.
	late := time.Date(2026, 8, 24, 23, 30, 0, 0, time.UTC)
	ev := &Event{CameraID: cam.ID, UserID: user.ID, StartTime: late, Reason: "motion"}
	if err := s.Events.Create(ctx, ev); err != nil {
		t.Fatalf("failed to create event: %v", err)
	}

	summaries, err := s.Events.Summary(ctx, user.ID,
		late.Add(-time.Hour), late.Add(time.Hour), 2*time.Hour, "")
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("got %d day buckets, want 1", len(summaries))
	}
	if summaries[0].Day != "2026-08-25" {
		t.Errorf("day bucket = %s, want 2026-08-25", summaries[0].Day)
	}
}

func TestSettingsDefaultsAndValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	settings, err := s.Settings.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if settings.RetentionDays != 7 {
		t.Errorf("default retention = %d, want 7", settings.RetentionDays)
	}

	settings.RetentionDays = 0
	if err := s.Settings.Update(ctx, settings); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for retention 0, got %v", err)
	}

	settings.RetentionDays = 30
	if err := s.Settings.Update(ctx, settings); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, err := s.Settings.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RetentionDays != 30 {
		t.Errorf("retention = %d, want 30", got.RetentionDays)
	}
}

func TestUserDeleteCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s, "alice@example.com")
	cam := createTestCamera(t, s, user.ID, "Cam")

	ev := &Event{CameraID: cam.ID, UserID: user.ID, StartTime: time.Now().UTC(), Reason: "motion"}
	if err := s.Events.Create(ctx, ev); err != nil {
		t.Fatalf("failed to create event: %v", err)
	}

	if err := s.Users.Delete(ctx, user.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := s.Cameras.GetByPath(ctx, cam.Path); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected cascaded camera deletion, got %v", err)
	}
	events, err := s.Events.List(ctx, user.ID, EventFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected cascaded event deletion, got %d rows", len(events))
	}
}
