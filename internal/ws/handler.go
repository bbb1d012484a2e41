package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Controller receives commands from UI clients. Implementations must be
// safe to call from connection goroutines.
type Controller interface {
	HandleCommand(Command) error
}

// Handler upgrades requests on /ws/scan and serves one client each.
type Handler struct {
	hub        *Hub
	controller Controller
}

// NewHandler creates a handler. controller may be nil for a read-only feed.
func NewHandler(hub *Hub, controller Controller) *Handler {
	return &Handler{hub: hub, controller: controller}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.Warn("upgrade failed", "error", err)
		return
	}

	c := h.hub.register(conn)
	go h.writePump(c)
	go h.readPump(c)
}

// readPump handles client commands and detects disconnection.
func (h *Handler) readPump(c *client) {
	defer h.hub.unregister(c)

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.hub.logger.Warn("read error", "error", err)
			}
			return
		}
		if h.controller == nil {
			continue
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.hub.logger.Debug("ignoring malformed command", "error", err)
			continue
		}
		if err := h.controller.HandleCommand(cmd); err != nil {
			h.hub.logger.Info("command failed", "action", cmd.Action, "error", err)
		}
	}
}

// writePump is the only writer on the connection.
func (h *Handler) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.hub.unregister(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.hub.unregister(c)
				return
			}
		}
	}
}
