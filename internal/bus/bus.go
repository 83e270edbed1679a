// Package bus provides in-process pub/sub between the detection,
// recording and API layers using an embedded NATS server.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects. Camera-scoped subjects append the camera id.
const (
	SubjectIntervals   = "detect.intervals" // detect.intervals.<cameraID>
	SubjectEvents      = "events.recorded"  // events.recorded.<cameraID>
	SubjectCameraState = "cameras.state"    // cameras.state.<cameraID>
)

// IntervalMessage is a closed activity interval awaiting clip extraction.
type IntervalMessage struct {
	CameraID string    `json:"camera_id"`
	UserID   string    `json:"user_id"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Reason   string    `json:"reason"`
}

// EventMessage announces a persisted event to live subscribers.
type EventMessage struct {
	EventID   string    `json:"event_id"`
	CameraID  string    `json:"camera_id"`
	UserID    string    `json:"user_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Reason    string    `json:"reason"`
	Thumbnail string    `json:"thumbnail,omitempty"`
}

// StateMessage announces an ingest worker state change.
type StateMessage struct {
	CameraID  string    `json:"camera_id"`
	UserID    string    `json:"user_id"`
	State     string    `json:"state"`
	LastError string    `json:"last_error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus wraps an embedded NATS server and a client connection.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subsMu sync.Mutex
	subs   []*nats.Subscription
}

// Config configures the embedded server.
type Config struct {
	Host string
	Port int
}

// DefaultConfig listens on an ephemeral loopback port.
func DefaultConfig() Config {
	return Config{Host: "127.0.0.1", Port: server.RANDOM_PORT}
}

// New starts the embedded server and connects to it.
func New(cfg Config) (*Bus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	ns, err := server.NewServer(&server.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoSigs: true,
		NoLog:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after 2s")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	b := &Bus{
		server: ns,
		conn:   nc,
		logger: slog.Default().With("component", "bus"),
	}
	b.logger.Info("Event bus started", "url", ns.ClientURL())
	return b, nil
}

// Publish marshals v as JSON and publishes it to subject.
func (b *Bus) Publish(subject string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return b.conn.Publish(subject, payload)
}

// Subscribe registers a raw message handler. Subjects may contain NATS
// wildcards.
func (b *Bus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}
	b.subsMu.Lock()
	b.subs = append(b.subs, sub)
	b.subsMu.Unlock()
	return sub, nil
}

// PublishInterval publishes a closed activity interval.
func (b *Bus) PublishInterval(msg IntervalMessage) error {
	return b.Publish(SubjectIntervals+"."+msg.CameraID, msg)
}

// PublishEvent announces a persisted event.
func (b *Bus) PublishEvent(msg EventMessage) error {
	return b.Publish(SubjectEvents+"."+msg.CameraID, msg)
}

// PublishState announces an ingest state change.
func (b *Bus) PublishState(msg StateMessage) error {
	return b.Publish(SubjectCameraState+"."+msg.CameraID, msg)
}

// Healthy reports whether the client connection is up.
func (b *Bus) Healthy() bool {
	return b.conn.IsConnected()
}

// Stop drains the connection and shuts the server down.
func (b *Bus) Stop() {
	b.subsMu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.subsMu.Unlock()

	_ = b.conn.Drain()
	b.server.Shutdown()
	b.logger.Info("Event bus stopped")
}
