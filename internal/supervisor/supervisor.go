// Package supervisor runs one monitoring worker per active camera and
// keeps each camera's ingest state machine current. The media router
// owns the actual RTSP pull; workers watch path readiness through the
// control API, kick stalled sources and back off on repeated failure.
package supervisor

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/argus-nvr/argus/internal/bus"
	"github.com/argus-nvr/argus/internal/metrics"
	"github.com/argus-nvr/argus/internal/router"
	"github.com/argus-nvr/argus/internal/store"
)

// CameraState is the observable ingest state of one camera.
type CameraState string

const (
	StateIdle      CameraState = "idle"
	StateStarting  CameraState = "starting"
	StateHealthy   CameraState = "healthy"
	StateUnhealthy CameraState = "unhealthy"
	StateBackoff   CameraState = "backoff"
	StateStopped   CameraState = "stopped"
)

const (
	pollInterval = 2 * time.Second
	// A path that stays not-ready this long counts as down.
	notReadyGrace = 10 * time.Second
	// A worker healthy this long has its backoff reset.
	healthyResetAfter = 60 * time.Second
	maxBackoff        = 30 * time.Second
)

// Status is a snapshot of one worker, served by the API.
type Status struct {
	CameraID  string      `json:"camera_id"`
	State     CameraState `json:"state"`
	LastError string      `json:"last_error,omitempty"`
	Since     time.Time   `json:"since"`
}

// Supervisor owns the worker set.
type Supervisor struct {
	store      *store.Store
	client     *router.Client
	syncer     *router.Syncer
	bus        *bus.Bus
	archiveDir func(cameraID string) string
	logger     *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker
}

func New(st *store.Store, client *router.Client, syncer *router.Syncer, b *bus.Bus, archiveDir func(cameraID string) string) *Supervisor {
	return &Supervisor{
		store:      st,
		client:     client,
		syncer:     syncer,
		bus:        b,
		archiveDir: archiveDir,
		logger:     slog.Default().With("component", "supervisor"),
		workers:    make(map[string]*worker),
	}
}

// Reconcile converges the worker set on the set of active cameras.
// Called at startup and after every camera mutation.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	cameras, err := s.store.Cameras.ListActive(ctx)
	if err != nil {
		return err
	}

	desired := make(map[string]*store.Camera, len(cameras))
	for _, cam := range cameras {
		desired[cam.ID] = cam
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range s.workers {
		cam, keep := desired[id]
		if keep && w.camera.RTSPURL == cam.RTSPURL && w.camera.Path == cam.Path {
			w.updateCamera(cam)
			delete(desired, id)
			continue
		}
		w.stop()
		delete(s.workers, id)
	}

	for id, cam := range desired {
		w := newWorker(cam, s)
		s.workers[id] = w
		go w.run()
	}

	s.syncer.Trigger()
	return nil
}

// Stop terminates every worker.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.workers {
		w.stop()
		delete(s.workers, id)
	}
}

// Statuses returns a snapshot of every worker keyed by camera id.
func (s *Supervisor) Statuses() map[string]Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Status, len(s.workers))
	for id, w := range s.workers {
		out[id] = w.status()
	}
	return out
}

// CameraStatus returns one worker's snapshot. Cameras without workers
// (mode off, no recording) report idle.
func (s *Supervisor) CameraStatus(cameraID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.workers[cameraID]; ok {
		return w.status()
	}
	return Status{CameraID: cameraID, State: StateIdle, Since: time.Time{}}
}

// worker monitors one camera path.
type worker struct {
	sup    *Supervisor
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	camera        *store.Camera
	state         CameraState
	since         time.Time
	lastError     string
	backoff       time.Duration
	healthySince  time.Time
	notReadySince time.Time
}

func newWorker(cam *store.Camera, sup *Supervisor) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		sup:    sup,
		logger: slog.Default().With("component", "ingest", "camera", cam.ID),
		ctx:    ctx,
		cancel: cancel,
		camera: cam,
		state:  StateStarting,
		since:  time.Now().UTC(),
	}
}

func (w *worker) stop() {
	w.cancel()
	w.setState(StateStopped, "")
	metrics.IngestState.WithLabelValues(w.cameraID()).Set(0)
}

func (w *worker) updateCamera(cam *store.Camera) {
	w.mu.Lock()
	w.camera = cam
	w.mu.Unlock()
}

func (w *worker) cameraID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.camera.ID
}

func (w *worker) status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		CameraID:  w.camera.ID,
		State:     w.state,
		LastError: w.lastError,
		Since:     w.since,
	}
}

func (w *worker) run() {
	w.publishState()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *worker) poll() {
	w.mu.Lock()
	path := w.camera.Path
	state := w.state
	w.mu.Unlock()

	if state == StateBackoff {
		return
	}

	ctx, cancel := context.WithTimeout(w.ctx, pollInterval)
	status, err := w.sup.client.PathStatus(ctx, path)
	cancel()

	now := time.Now()
	switch {
	case err == nil && status.Ready:
		w.mu.Lock()
		w.notReadySince = time.Time{}
		if w.healthySince.IsZero() {
			w.healthySince = now
		}
		if !w.healthySince.IsZero() && now.Sub(w.healthySince) > healthyResetAfter {
			w.backoff = 0
		}
		w.mu.Unlock()
		if state != StateHealthy {
			w.setState(StateHealthy, "")
			metrics.IngestState.WithLabelValues(w.cameraID()).Set(1)
		}

	default:
		reason := "stream not ready"
		if err != nil {
			reason = err.Error()
		}

		w.mu.Lock()
		w.healthySince = time.Time{}
		if w.notReadySince.IsZero() {
			w.notReadySince = now
		}
		down := now.Sub(w.notReadySince) > notReadyGrace
		w.mu.Unlock()

		if !down {
			if state == StateHealthy {
				w.setState(StateUnhealthy, reason)
				metrics.IngestState.WithLabelValues(w.cameraID()).Set(0)
			}
			return
		}
		w.enterBackoff(reason)
	}
}

// enterBackoff schedules a source kick after the current backoff delay.
// Delays double from 1s up to the 30s cap.
func (w *worker) enterBackoff(reason string) {
	w.mu.Lock()
	if w.backoff == 0 {
		w.backoff = time.Second
	} else {
		w.backoff *= 2
		if w.backoff > maxBackoff {
			w.backoff = maxBackoff
		}
	}
	delay := w.backoff
	w.notReadySince = time.Time{}
	w.mu.Unlock()

	w.setState(StateBackoff, reason)
	metrics.IngestState.WithLabelValues(w.cameraID()).Set(0)
	w.logger.Warn("Stream down, backing off", "backoff", delay, "error", reason)

	go func() {
		select {
		case <-w.ctx.Done():
			return
		case <-time.After(delay):
		}
		w.restart()
	}()
}

// restart asks the router to re-establish the source, then resumes
// polling in the starting state.
func (w *worker) restart() {
	w.mu.Lock()
	cam := w.camera
	w.mu.Unlock()

	metrics.IngestRestarts.WithLabelValues(cam.ID).Inc()

	pc := router.PathConfig{
		Source:         cam.RTSPURL,
		SourceOnDemand: false,
		Record:         cam.ContinuousRecording,
	}
	if pc.Record {
		pc.RecordPath = filepath.Join(w.sup.archiveDir(cam.ID), "%Y%m%d_%H%M%S")
	}

	ctx, cancel := context.WithTimeout(w.ctx, 10*time.Second)
	defer cancel()
	err := w.sup.client.ReplacePath(ctx, cam.Path, pc)
	if err != nil {
		w.logger.Warn("Failed to kick stream source", "error", err)
	}

	w.setState(StateStarting, "")
}

func (w *worker) setState(state CameraState, lastError string) {
	w.mu.Lock()
	if w.state == state && w.lastError == lastError {
		w.mu.Unlock()
		return
	}
	w.state = state
	w.lastError = lastError
	w.since = time.Now().UTC()
	w.mu.Unlock()

	w.publishState()
}

func (w *worker) publishState() {
	w.mu.Lock()
	msg := bus.StateMessage{
		CameraID:  w.camera.ID,
		UserID:    w.camera.UserID,
		State:     string(w.state),
		LastError: w.lastError,
		Timestamp: time.Now().UTC(),
	}
	w.mu.Unlock()

	if err := w.sup.bus.PublishState(msg); err != nil {
		w.logger.Warn("Failed to publish state", "error", err)
	}
}
