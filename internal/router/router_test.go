package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"gopkg.in/yaml.v3"
)

// fakeRouter implements the slice of the control API the syncer uses.
type fakeRouter struct {
	mu    sync.Mutex
	paths map[string]PathConfig
	calls []string
}

func newFakeRouter() (*fakeRouter, *httptest.Server) {
	f := &fakeRouter{paths: make(map[string]PathConfig)}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v3/paths/list", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(PathsList{})
	})
	mux.HandleFunc("PATCH /v3/config/global/patch", func(w http.ResponseWriter, r *http.Request) {
		f.record("patch-global")
	})
	mux.HandleFunc("POST /v3/config/paths/add/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/v3/config/paths/add/")
		var cfg PathConfig
		json.NewDecoder(r.Body).Decode(&cfg)

		f.mu.Lock()
		defer f.mu.Unlock()
		if _, exists := f.paths[name]; exists {
			http.Error(w, `{"error":"path already exists"}`, http.StatusBadRequest)
			return
		}
		f.paths[name] = cfg
		f.calls = append(f.calls, "add:"+name)
	})
	mux.HandleFunc("POST /v3/config/paths/replace/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/v3/config/paths/replace/")
		var cfg PathConfig
		json.NewDecoder(r.Body).Decode(&cfg)

		f.mu.Lock()
		defer f.mu.Unlock()
		f.paths[name] = cfg
		f.calls = append(f.calls, "replace:"+name)
	})
	mux.HandleFunc("DELETE /v3/config/paths/delete/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/v3/config/paths/delete/")

		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.paths, name)
		f.calls = append(f.calls, "delete:"+name)
	})

	return f, httptest.NewServer(mux)
}

func (f *fakeRouter) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRouter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRouter) pathNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.paths {
		names = append(names, name)
	}
	return names
}

// staticSource serves a fixed state.
type staticSource struct {
	mu    sync.Mutex
	state State
}

func (s *staticSource) RouterState(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *staticSource) set(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func newTestSyncer(t *testing.T) (*Syncer, *fakeRouter, *staticSource, string) {
	t.Helper()

	fake, server := newFakeRouter()
	t.Cleanup(server.Close)

	source := &staticSource{}
	configPath := filepath.Join(t.TempDir(), "mediamtx.yml")
	builder := Builder{RTSPPort: 8554, WebRTCPort: 8889, AdminUser: "admin", AdminPass: "secret"}
	syncer := NewSyncer(builder, NewClient(server.URL, "admin", "secret"), source, configPath)
	return syncer, fake, source, configPath
}

func TestSyncWritesConfigAndAddsPaths(t *testing.T) {
	syncer, fake, source, configPath := newTestSyncer(t)

	source.set(State{Cameras: []CameraPath{
		{Name: "abcd1234", Source: "rtsp://10.0.0.5/main", Record: true, ArchiveDir: "/data/archive/cam1"},
	}})

	if err := syncer.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("config file not valid YAML: %v", err)
	}
	pc, ok := cfg.Paths["abcd1234"]
	if !ok {
		t.Fatal("camera path missing from config file")
	}
	if !pc.Record {
		t.Error("recording camera must have record enabled")
	}
	if !strings.HasPrefix(pc.RecordPath, "/data/archive/cam1/") {
		t.Errorf("recordPath = %s", pc.RecordPath)
	}

	if got := fake.pathNames(); len(got) != 1 || got[0] != "abcd1234" {
		t.Errorf("router paths = %v", got)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	syncer, fake, source, _ := newTestSyncer(t)

	source.set(State{Cameras: []CameraPath{
		{Name: "abcd1234", Source: "rtsp://10.0.0.5/main"},
	}})

	ctx := context.Background()
	if err := syncer.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	before := fake.callCount()

	// Same desired state: no file write, no API traffic.
	if err := syncer.SyncNow(ctx); err != nil {
		t.Fatalf("second SyncNow failed: %v", err)
	}
	if got := fake.callCount(); got != before {
		t.Errorf("idempotent sync produced %d extra API calls", got-before)
	}
}

func TestSyncDiffsPaths(t *testing.T) {
	syncer, fake, source, _ := newTestSyncer(t)
	ctx := context.Background()

	source.set(State{Cameras: []CameraPath{
		{Name: "aaaa0000", Source: "rtsp://10.0.0.5/a"},
		{Name: "bbbb0000", Source: "rtsp://10.0.0.6/b"},
	}})
	if err := syncer.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}

	// Drop one camera, change the other.
	source.set(State{Cameras: []CameraPath{
		{Name: "bbbb0000", Source: "rtsp://10.0.0.6/sub"},
	}})
	if err := syncer.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if _, ok := fake.paths["aaaa0000"]; ok {
		t.Error("removed camera still present on router")
	}
	if got := fake.paths["bbbb0000"].Source; got != "rtsp://10.0.0.6/sub" {
		t.Errorf("changed path source = %s", got)
	}
}

func TestTestPathLifecycle(t *testing.T) {
	syncer, fake, _, _ := newTestSyncer(t)
	ctx := context.Background()

	if err := syncer.AddTestPath(ctx, "test-xyz", "rtsp://10.0.0.9/probe"); err != nil {
		t.Fatalf("AddTestPath failed: %v", err)
	}

	fake.mu.Lock()
	_, ok := fake.paths["test-xyz"]
	fake.mu.Unlock()
	if !ok {
		t.Fatal("test path not applied")
	}

	syncer.RemoveTestPath("test-xyz")
	if err := syncer.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}

	fake.mu.Lock()
	_, ok = fake.paths["test-xyz"]
	fake.mu.Unlock()
	if ok {
		t.Error("test path still applied after removal")
	}
}

func TestBuilderViewerCreds(t *testing.T) {
	b := Builder{RTSPPort: 8554, WebRTCPort: 8889, AdminUser: "admin", AdminPass: "secret"}

	cfg := b.Build(State{
		Cameras: []CameraPath{{Name: "abcd1234", Source: "rtsp://x"}},
		ViewerCreds: []ViewerCred{
			{User: "viewer-1", Pass: "p1", Path: "abcd1234"},
		},
	})

	if len(cfg.AuthInternalUsers) != 2 {
		t.Fatalf("got %d auth users, want 2", len(cfg.AuthInternalUsers))
	}
	viewer := cfg.AuthInternalUsers[1]
	if viewer.User != "viewer-1" {
		t.Errorf("viewer user = %s", viewer.User)
	}
	if len(viewer.Permissions) != 1 || viewer.Permissions[0].Action != "read" ||
		viewer.Permissions[0].Path != "abcd1234" {
		t.Errorf("viewer permissions = %+v", viewer.Permissions)
	}
}

func TestBuilderAuthCallback(t *testing.T) {
	b := Builder{RTSPPort: 8554, WebRTCPort: 8889, AdminUser: "admin", AdminPass: "secret"}

	cfg := b.Build(State{})
	if cfg.AuthMethod != "" || cfg.AuthHTTPAddress != "" {
		t.Errorf("unexpected auth callback in config: %s %s", cfg.AuthMethod, cfg.AuthHTTPAddress)
	}

	b.AuthCallbackURL = "http://127.0.0.1:8080/api/internal/stream-auth"
	cfg = b.Build(State{})
	if cfg.AuthMethod != "http" {
		t.Errorf("auth method = %q, want http", cfg.AuthMethod)
	}
	if cfg.AuthHTTPAddress != b.AuthCallbackURL {
		t.Errorf("auth address = %q", cfg.AuthHTTPAddress)
	}
}
