package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/argus-nvr/argus/internal/bus"
	"github.com/argus-nvr/argus/internal/store"
)

const (
	webhookWindow    = 10 * time.Second
	webhookCacheSize = 128
)

// webhookTracker turns repeated external motion pings into intervals:
// a ping opens a 10 s interval, pings within the window push the end
// out, and silence for the window closes and publishes it.
type webhookTracker struct {
	srv *Server

	mu      sync.Mutex
	open    map[string]*webhookInterval // keyed by camera id
	pathLRU *lru.Cache[string, *store.Camera]
}

type webhookInterval struct {
	camera *store.Camera
	start  time.Time
	end    time.Time
	timer  *time.Timer
}

func newWebhookTracker(srv *Server) *webhookTracker {
	cache, _ := lru.New[string, *store.Camera](webhookCacheSize)
	return &webhookTracker{
		srv:     srv,
		open:    make(map[string]*webhookInterval),
		pathLRU: cache,
	}
}

// handleMotionWebhook accepts an external motion trigger addressed by
// stream path. Unknown paths 404; the endpoint is unauthenticated, so
// it reveals nothing else.
func (s *Server) handleMotionWebhook(w http.ResponseWriter, r *http.Request) {
	cam, err := s.webhook.lookup(r.Context(), chi.URLParam(r, "path"))
	if err != nil {
		notFound(w)
		return
	}
	s.webhook.ping(cam, time.Now().UTC())
	noContent(w)
}

// lookup resolves a stream path to its camera through a small LRU, so
// a chatty webhook source stays off the database.
func (t *webhookTracker) lookup(ctx context.Context, path string) (*store.Camera, error) {
	if cam, ok := t.pathLRU.Get(path); ok {
		return cam, nil
	}
	cam, err := t.srv.store.Cameras.GetByPath(ctx, path)
	if err != nil {
		return nil, err
	}
	t.pathLRU.Add(path, cam)
	return cam, nil
}

func (t *webhookTracker) ping(cam *store.Camera, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if iv, ok := t.open[cam.ID]; ok {
		iv.end = now.Add(webhookWindow)
		iv.timer.Reset(webhookWindow)
		return
	}

	iv := &webhookInterval{
		camera: cam,
		start:  now,
		end:    now.Add(webhookWindow),
	}
	iv.timer = time.AfterFunc(webhookWindow, func() { t.flush(cam.ID) })
	t.open[cam.ID] = iv
}

func (t *webhookTracker) flush(cameraID string) {
	t.mu.Lock()
	iv, ok := t.open[cameraID]
	if ok {
		delete(t.open, cameraID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	err := t.srv.bus.PublishInterval(bus.IntervalMessage{
		CameraID: iv.camera.ID,
		UserID:   iv.camera.UserID,
		Start:    iv.start,
		End:      iv.end,
		Reason:   "webhook",
	})
	if err != nil {
		t.srv.logger.Error("Failed to publish webhook interval",
			"camera", iv.camera.ID, "error", err)
	}
}

// Invalidate drops a cached path mapping, for camera deletion.
func (t *webhookTracker) Invalidate(path string) {
	t.pathLRU.Remove(path)
}
