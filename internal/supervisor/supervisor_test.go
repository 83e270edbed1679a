package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/argus-nvr/argus/internal/bus"
	"github.com/argus-nvr/argus/internal/database"
	"github.com/argus-nvr/argus/internal/router"
	"github.com/argus-nvr/argus/internal/store"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *store.Store) {
	t.Helper()

	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	st := store.New(db)

	b, err := bus.New(bus.DefaultConfig())
	if err != nil {
		t.Fatalf("failed to start bus: %v", err)
	}
	t.Cleanup(b.Stop)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ready": true})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := router.NewClient(server.URL, "", "")
	builder := router.Builder{RTSPPort: 8554, WebRTCPort: 8889}
	syncer := router.NewSyncer(builder, client, routerStateFunc(func(ctx context.Context) (router.State, error) {
		return router.State{}, nil
	}), t.TempDir()+"/mediamtx.yml")

	sup := New(st, client, syncer, b, func(id string) string { return "/data/archive/" + id })
	t.Cleanup(sup.Stop)
	return sup, st
}

type routerStateFunc func(ctx context.Context) (router.State, error)

func (f routerStateFunc) RouterState(ctx context.Context) (router.State, error) { return f(ctx) }

func TestReconcileStartsAndStopsWorkers(t *testing.T) {
	sup, st := newTestSupervisor(t)
	ctx := context.Background()

	user := &store.User{Email: "alice@example.com", PasswordHash: "x"}
	if err := st.Users.Create(ctx, user); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	cam := &store.Camera{UserID: user.ID, Name: "Cam", RTSPURL: "rtsp://x", Mode: store.ModeMotion}
	if err := st.Cameras.Create(ctx, cam); err != nil {
		t.Fatalf("failed to create camera: %v", err)
	}

	if err := sup.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(sup.Statuses()) != 1 {
		t.Fatalf("got %d workers, want 1", len(sup.Statuses()))
	}

	// Turning the camera off retires its worker.
	cam.Mode = store.ModeOff
	if err := st.Cameras.Update(ctx, cam); err != nil {
		t.Fatalf("failed to update camera: %v", err)
	}
	if err := sup.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(sup.Statuses()) != 0 {
		t.Fatalf("got %d workers, want 0", len(sup.Statuses()))
	}
}

func TestCameraStatusIdleWithoutWorker(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	status := sup.CameraStatus("nope")
	if status.State != StateIdle {
		t.Errorf("state = %s, want idle", status.State)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	sup, st := newTestSupervisor(t)
	ctx := context.Background()

	user := &store.User{Email: "alice@example.com", PasswordHash: "x"}
	if err := st.Users.Create(ctx, user); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	cam := &store.Camera{UserID: user.ID, Name: "Cam", RTSPURL: "rtsp://x", Mode: store.ModeMotion}
	if err := st.Cameras.Create(ctx, cam); err != nil {
		t.Fatalf("failed to create camera: %v", err)
	}

	w := newWorker(cam, sup)
	defer w.stop()

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, expect := range want {
		w.enterBackoff("connection refused")
		w.mu.Lock()
		got := w.backoff
		w.mu.Unlock()
		if got != expect {
			t.Errorf("backoff %d = %v, want %v", i, got, expect)
		}
	}
}
