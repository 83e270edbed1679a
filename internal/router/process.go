package router

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Process supervises a managed media-router child process. When the
// router is operated externally (compose, systemd) this is not used.
type Process struct {
	binaryPath string
	configPath string
	logger     *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	running bool

	restartCount    int
	lastRestartTime time.Time
	circuitOpen     bool
}

func NewProcess(binaryPath, configPath string) *Process {
	return &Process{
		binaryPath: binaryPath,
		configPath: configPath,
		logger:     slog.Default().With("component", "router-process"),
	}
}

// Start launches the router and begins crash monitoring.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("router is already running")
	}

	p.logger.Info("Starting media router", "binary", p.binaryPath, "config", p.configPath)

	p.cmd = exec.CommandContext(ctx, p.binaryPath, p.configPath)
	p.cmd.Stdout = &logWriter{logger: p.logger, level: slog.LevelInfo}
	p.cmd.Stderr = &logWriter{logger: p.logger, level: slog.LevelWarn}

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start media router: %w", err)
	}
	p.running = true

	go p.monitor()
	return nil
}

// Stop terminates the router, interrupt first, kill after 5s.
func (p *Process) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}

	p.logger.Info("Stopping media router")
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		p.logger.Warn("Failed to send interrupt signal", "error", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		p.logger.Warn("Force killing media router")
		if err := p.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill media router: %w", err)
		}
	}

	p.running = false
	p.cmd = nil
	return nil
}

// IsRunning reports whether the child is alive.
func (p *Process) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// monitor restarts the router after crashes, with exponential backoff
// and a circuit breaker against restart loops.
func (p *Process) monitor() {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil {
		return
	}

	err := cmd.Wait()

	p.mu.Lock()
	wasRunning := p.running
	p.running = false

	const (
		maxRestarts     = 5
		resetWindow     = 5 * time.Minute
		circuitCooldown = 2 * time.Minute
	)

	if time.Since(p.lastRestartTime) > resetWindow {
		p.restartCount = 0
		p.circuitOpen = false
	}

	if p.circuitOpen {
		if time.Since(p.lastRestartTime) > circuitCooldown {
			p.circuitOpen = false
			p.restartCount = 0
		} else {
			p.mu.Unlock()
			p.logger.Warn("Circuit breaker open, not restarting media router",
				"cooldown_remaining", circuitCooldown-time.Since(p.lastRestartTime))
			return
		}
	}
	p.mu.Unlock()

	if !wasRunning {
		return
	}

	p.logger.Error("Media router exited unexpectedly", "error", err)

	p.mu.Lock()
	p.restartCount++
	p.lastRestartTime = time.Now()
	if p.restartCount >= maxRestarts {
		p.circuitOpen = true
		p.mu.Unlock()
		p.logger.Error("Circuit breaker opened, too many router restarts",
			"restarts", maxRestarts, "cooldown", circuitCooldown)
		return
	}
	backoff := time.Duration(1<<p.restartCount) * time.Second
	if backoff > 32*time.Second {
		backoff = 32 * time.Second
	}
	p.mu.Unlock()

	p.logger.Info("Restarting media router", "attempt", p.restartCount, "backoff", backoff)
	time.Sleep(backoff)
	if err := p.Start(context.Background()); err != nil {
		p.logger.Error("Failed to restart media router", "error", err)
	}
}

// logWriter bridges the child's output into slog, one line per record.
type logWriter struct {
	logger *slog.Logger
	level  slog.Level
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			w.logger.Log(context.Background(), w.level, line)
		}
	}
	return len(p), nil
}
