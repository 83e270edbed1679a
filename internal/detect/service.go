package detect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/argus-nvr/argus/internal/bus"
	"github.com/argus-nvr/argus/internal/metrics"
	"github.com/argus-nvr/argus/internal/store"
)

// Service runs one detection worker per camera with detection enabled.
// Closed intervals go out on the event bus for the clip recorder.
type Service struct {
	store    *store.Store
	bus      *bus.Bus
	detector *Client
	logger   *slog.Logger

	snapshot func(ctx context.Context, url string) ([]byte, error)

	mu      sync.Mutex
	workers map[string]*camWorker
}

func NewService(st *store.Store, b *bus.Bus, detector *Client) *Service {
	return &Service{
		store:    st,
		bus:      b,
		detector: detector,
		logger:   slog.Default().With("component", "detect"),
		snapshot: SnapshotJPEG,
		workers:  make(map[string]*camWorker),
	}
}

// Reconcile converges the worker set on cameras with mode != off.
func (s *Service) Reconcile(ctx context.Context) error {
	cameras, err := s.store.Cameras.ListAll(ctx)
	if err != nil {
		return err
	}

	desired := make(map[string]*store.Camera)
	for _, cam := range cameras {
		if cam.Mode != store.ModeOff {
			desired[cam.ID] = cam
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range s.workers {
		cam, keep := desired[id]
		if keep && w.sameSource(cam) {
			w.reconfigure(cam)
			delete(desired, id)
			continue
		}
		w.stop()
		delete(s.workers, id)
	}

	for id, cam := range desired {
		w := newCamWorker(cam, s)
		s.workers[id] = w
		go w.run()
	}
	return nil
}

// Stop terminates every worker, flushing open intervals.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.workers {
		w.stop()
		delete(s.workers, id)
	}
}

// camWorker is the per-camera pipeline.
type camWorker struct {
	svc    *Service
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	camera *store.Camera

	// cfgCh carries reconfigurations to the worker goroutine, which
	// applies them between frames. The detector state is single-owner.
	cfgCh chan *store.Camera

	motion    *MotionDetector
	classes   *ClassFilter
	assembler *IntervalAssembler
}

func newCamWorker(cam *store.Camera, svc *Service) *camWorker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &camWorker{
		svc:     svc,
		logger:  slog.Default().With("component", "detect", "camera", cam.ID),
		ctx:     ctx,
		cancel:  cancel,
		camera:  cam,
		cfgCh:   make(chan *store.Camera, 1),
		motion:  NewMotionDetector(cam.Sensitivity, cam.ROIMask),
		classes: NewClassFilter(cam.ObjectClasses),
	}
	w.assembler = NewIntervalAssembler(w.publish)
	return w
}

func (w *camWorker) sameSource(cam *store.Camera) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.camera.SubstreamOrMain() == cam.SubstreamOrMain() && w.camera.Mode == cam.Mode
}

// reconfigure records the new settings and queues them for the worker
// goroutine. Tunables change without restarting the stream.
func (w *camWorker) reconfigure(cam *store.Camera) {
	w.mu.Lock()
	w.camera = cam
	w.mu.Unlock()

	select {
	case <-w.cfgCh:
	default:
	}
	w.cfgCh <- cam
}

// applyConfig runs on the worker goroutine between frames.
func (w *camWorker) applyConfig(prev, next *store.Camera) {
	if next.Sensitivity != prev.Sensitivity {
		w.motion.SetSensitivity(next.Sensitivity)
	}
	if next.ROIMask != prev.ROIMask {
		w.motion.SetROI(next.ROIMask)
	}
	if next.ObjectClasses != prev.ObjectClasses {
		w.classes = NewClassFilter(next.ObjectClasses)
	}
}

func (w *camWorker) stop() {
	w.cancel()
}

func (w *camWorker) run() {
	defer w.assembler.Flush(time.Now().UTC())

	backoff := time.Second
	for {
		if w.ctx.Err() != nil {
			return
		}

		w.mu.Lock()
		url := w.camera.SubstreamOrMain()
		w.mu.Unlock()

		frames := make(chan Frame, analysisFPS)
		done := make(chan error, 1)
		go func() {
			done <- NewGrabber(url).Run(w.ctx, frames)
		}()

		w.consume(frames)

		if err := <-done; err != nil && w.ctx.Err() == nil {
			w.logger.Warn("Frame stream ended, restarting", "error", err, "backoff", backoff)
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = time.Second
	}
}

func (w *camWorker) consume(frames <-chan Frame) {
	applied := w.snapshotCamera()
	frameCount := 0
	for {
		// Pending reconfigurations apply before the next frame.
		select {
		case cam := <-w.cfgCh:
			w.applyConfig(applied, cam)
			applied = cam
			continue
		default:
		}

		var frame Frame
		select {
		case cam := <-w.cfgCh:
			w.applyConfig(applied, cam)
			applied = cam
			continue
		case f, ok := <-frames:
			if !ok {
				return
			}
			frame = f
		}

		frameCount++
		metrics.DetectionFrames.WithLabelValues(w.cameraID()).Inc()

		mode := applied.Mode
		edge := w.motion.Feed(frame)
		now := frame.Time

		if mode == store.ModeAI && frameCount%aiFrameStride == 0 {
			w.runDetector(frame, now)
		}

		switch mode {
		case store.ModeMotion:
			switch edge {
			case +1:
				w.assembler.Open(now, "motion")
			case -1:
				w.assembler.Close(now)
			default:
				if w.motion.Active() {
					w.assembler.Extend(now, "")
				}
			}
		case store.ModeAI:
			// Intervals follow the class filter, not pixel motion.
			present := w.classes.Present(now)
			if present {
				w.assembler.Open(now, w.classes.Classes(now))
				w.assembler.Extend(now, w.classes.Classes(now))
			} else {
				w.assembler.Close(now)
			}
		}

		w.assembler.Tick(now)
	}
}

func (w *camWorker) snapshotCamera() *store.Camera {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.camera
}

func (w *camWorker) runDetector(frame Frame, now time.Time) {
	w.mu.Lock()
	url := w.camera.SubstreamOrMain()
	w.mu.Unlock()

	jpeg, err := w.svc.snapshot(w.ctx, url)
	if err != nil {
		w.logger.Warn("Snapshot for detector failed", "error", err)
		return
	}
	detections, err := w.svc.detector.Detect(w.ctx, jpeg)
	if err != nil {
		w.logger.Warn("Detector request failed", "error", err)
		return
	}
	w.classes.Observe(detections, now)
}

func (w *camWorker) cameraID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.camera.ID
}

func (w *camWorker) publish(iv Interval) {
	w.mu.Lock()
	cam := w.camera
	w.mu.Unlock()

	msg := bus.IntervalMessage{
		CameraID: cam.ID,
		UserID:   cam.UserID,
		Start:    iv.Start,
		End:      iv.End,
		Reason:   iv.Reason,
	}
	if err := w.svc.bus.PublishInterval(msg); err != nil {
		w.logger.Error("Failed to publish interval", "error", err)
	}
}
