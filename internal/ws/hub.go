// Package ws pushes scan events to browser clients over WebSocket and
// accepts their control commands.
package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"visionscan/internal/scan"
)

const sendBuffer = 256

// client is one connection with its own outbound queue. Only its write
// pump writes to conn.
type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans scan events out to every connected client. It implements
// scan.Handler and never blocks the caller: a client whose queue is full
// is disconnected.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	// latest holds the last message of each replayable type so a client
	// connecting mid-session sees the current state at once.
	latest map[string][]byte
	logger *slog.Logger
}

// NewHub creates a hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*client]bool),
		latest:  make(map[string][]byte),
		logger:  logger.With("component", "ws"),
	}
}

var replayable = map[string]bool{
	TypeState:     true,
	TypeProgress:  true,
	TypeDuplicate: true,
	TypeCooldown:  true,
	TypeStatus:    true,
}

// OnScanEvent implements scan.Handler.
func (h *Hub) OnScanEvent(e scan.Event) {
	msg := NewMessage(e)
	if msg == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", "type", msg.Type, "error", err)
		return
	}
	h.Broadcast(msg.Type, data)
}

// Broadcast queues data for every client.
func (h *Hub) Broadcast(msgType string, data []byte) {
	h.mu.Lock()
	if replayable[msgType] {
		h.latest[msgType] = data
	}
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()

	for range slow {
		h.logger.Warn("dropping slow client")
	}
}

func (h *Hub) register(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	for _, t := range []string{TypeState, TypeProgress, TypeDuplicate, TypeCooldown, TypeStatus} {
		if data, ok := h.latest[t]; ok {
			c.send <- data
		}
	}
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("client registered", "remote", conn.RemoteAddr().String(), "total", total)
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}
