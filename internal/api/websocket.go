package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/argus-nvr/argus/internal/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Auth happens via the bearer token before the upgrade.
		return true
	},
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 32
)

// wsMessage is the envelope pushed to browser clients.
type wsMessage struct {
	Type      string    `json:"type"` // "event" or "camera_state"
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// wsClient is one connected browser, filtered to its own user's
// cameras.
type wsClient struct {
	userID string
	send   chan []byte
}

// Hub fans bus notifications out to connected WebSocket clients.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]bool
	inbox   chan targetedMessage
}

type targetedMessage struct {
	userID  string
	payload []byte
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*wsClient]bool),
		inbox:   make(chan targetedMessage, 256),
	}
}

// Run dispatches messages until ctx is done. Slow clients lose
// messages rather than stalling the hub.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case msg := <-h.inbox:
			h.mu.Lock()
			for c := range h.clients {
				if c.userID != msg.userID {
					continue
				}
				select {
				case c.send <- msg.payload:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a message for one user's clients.
func (h *Hub) Broadcast(userID, msgType string, data any) {
	payload, err := json.Marshal(wsMessage{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		return
	}
	select {
	case h.inbox <- targetedMessage{userID: userID, payload: payload}:
	default:
	}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// bridgeBus subscribes the hub to event and camera-state
// notifications.
func (s *Server) bridgeBus() error {
	_, err := s.bus.Subscribe(bus.SubjectEvents+".*", func(m *nats.Msg) {
		var msg bus.EventMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			return
		}
		s.hub.Broadcast(msg.UserID, "event", msg)
	})
	if err != nil {
		return err
	}
	_, err = s.bus.Subscribe(bus.SubjectCameraState+".*", func(m *nats.Msg) {
		var msg bus.StateMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			return
		}
		s.hub.Broadcast(msg.UserID, "camera_state", msg)
	})
	return err
}

// handleEventStream upgrades to WebSocket and streams the caller's
// event and camera-state notifications.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		userID: currentUser(r).ID,
		send:   make(chan []byte, wsSendBuffer),
	}
	s.hub.add(client)

	go s.writePump(conn, client)
	s.readPump(conn, client)
}

func (s *Server) writePump(conn *websocket.Conn, client *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case payload, ok := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection to process close frames and pongs.
func (s *Server) readPump(conn *websocket.Conn, client *wsClient) {
	defer func() {
		s.hub.remove(client)
		_ = conn.Close()
	}()
	conn.SetReadLimit(512)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
