package router

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/argus-nvr/argus/internal/metrics"
)

const (
	// Camera CRUD bursts collapse into one reload.
	debounceInterval = 500 * time.Millisecond
	// Probe paths disappear on their own if the caller never cleans up.
	testPathTTL = 60 * time.Second
)

// StateSource produces the desired router state from current camera and
// credential data.
type StateSource interface {
	RouterState(ctx context.Context) (State, error)
}

// Syncer keeps the router's configuration converged on the desired
// state. Triggers are debounced and applications serialized; writing
// the config file and patching the live router happen together so a
// router restart comes back with the same paths.
type Syncer struct {
	builder    Builder
	client     *Client
	source     StateSource
	configPath string
	logger     *slog.Logger

	mu          sync.Mutex
	lastWritten []byte
	lastApplied map[string]PathConfig
	testPaths   map[string]testPathEntry

	triggerCh chan struct{}
	done      chan struct{}
}

type testPathEntry struct {
	source  string
	expires time.Time
}

func NewSyncer(builder Builder, client *Client, source StateSource, configPath string) *Syncer {
	return &Syncer{
		builder:    builder,
		client:     client,
		source:     source,
		configPath: configPath,
		logger:     slog.Default().With("component", "router-syncer"),
		testPaths:  make(map[string]testPathEntry),
		triggerCh:  make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Start runs the debounce loop and the test-path janitor until ctx ends.
func (s *Syncer) Start(ctx context.Context) {
	go s.run(ctx)
}

// Trigger requests a sync. Safe to call from any goroutine; bursts
// coalesce into a single application.
func (s *Syncer) Trigger() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// SyncNow applies the desired state immediately, bypassing the
// debounce. Used at startup and by tests.
func (s *Syncer) SyncNow(ctx context.Context) error {
	return s.sync(ctx)
}

// AddTestPath registers an ephemeral probe path and applies it. The
// path expires after a minute if RemoveTestPath is never called.
func (s *Syncer) AddTestPath(ctx context.Context, name, source string) error {
	s.mu.Lock()
	s.testPaths[name] = testPathEntry{source: source, expires: time.Now().Add(testPathTTL)}
	s.mu.Unlock()
	return s.sync(ctx)
}

// RemoveTestPath drops a probe path.
func (s *Syncer) RemoveTestPath(name string) {
	s.mu.Lock()
	delete(s.testPaths, name)
	s.mu.Unlock()
	s.Trigger()
}

func (s *Syncer) run(ctx context.Context) {
	defer close(s.done)

	janitor := time.NewTicker(10 * time.Second)
	defer janitor.Stop()

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.triggerCh:
			if timer == nil {
				timer = time.NewTimer(debounceInterval)
				timerCh = timer.C
			} else {
				if !timer.Stop() {
					<-timerCh
				}
				timer.Reset(debounceInterval)
			}
		case <-timerCh:
			timer = nil
			timerCh = nil
			if err := s.sync(ctx); err != nil {
				s.logger.Error("Router sync failed", "error", err)
			}
		case <-janitor.C:
			if s.expireTestPaths() {
				s.Trigger()
			}
		}
	}
}

func (s *Syncer) expireTestPaths() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := false
	now := time.Now()
	for name, entry := range s.testPaths {
		if now.After(entry.expires) {
			delete(s.testPaths, name)
			expired = true
		}
	}
	return expired
}

func (s *Syncer) sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.source.RouterState(ctx)
	if err != nil {
		return fmt.Errorf("failed to build router state: %w", err)
	}
	for name, entry := range s.testPaths {
		state.TestPaths = append(state.TestPaths, TestPath{Name: name, Source: entry.source})
	}

	cfg := s.builder.Build(state)
	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal router config: %w", err)
	}

	if bytes.Equal(data, s.lastWritten) {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := renameio.WriteFile(s.configPath, data, 0o644); err != nil {
		metrics.RouterReloadErrors.Inc()
		return fmt.Errorf("failed to write router config: %w", err)
	}

	if err := s.applyPaths(ctx, cfg); err != nil {
		metrics.RouterReloadErrors.Inc()
		return err
	}

	s.lastWritten = data
	s.lastApplied = cfg.Paths
	metrics.RouterReloads.Inc()
	s.logger.Info("Router configuration applied", "paths", len(cfg.Paths))
	return nil
}

// applyPaths pushes the path diff through the control API. Credentials
// ride along as a global patch.
func (s *Syncer) applyPaths(ctx context.Context, cfg Config) error {
	ctx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()

	if err := s.client.PatchGlobal(ctx, map[string]any{
		"authInternalUsers": cfg.AuthInternalUsers,
	}); err != nil {
		return fmt.Errorf("failed to patch router auth: %w", err)
	}

	for name := range s.lastApplied {
		if _, ok := cfg.Paths[name]; !ok {
			if err := s.client.DeletePath(ctx, name); err != nil {
				return fmt.Errorf("failed to delete path %s: %w", name, err)
			}
		}
	}

	for name, pc := range cfg.Paths {
		old, existed := s.lastApplied[name]
		switch {
		case !existed:
			if err := s.client.AddPath(ctx, name, pc); err != nil {
				// The router may already know the path from the config
				// file it loaded at startup.
				if err := s.client.ReplacePath(ctx, name, pc); err != nil {
					return fmt.Errorf("failed to add path %s: %w", name, err)
				}
			}
		case old != pc:
			if err := s.client.ReplacePath(ctx, name, pc); err != nil {
				return fmt.Errorf("failed to replace path %s: %w", name, err)
			}
		}
	}
	return nil
}
