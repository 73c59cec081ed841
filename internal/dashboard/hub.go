package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/logabell/conversator/internal/ssemux"
)

// writeTimeout bounds a single broadcast write per client.
const writeTimeout = 5 * time.Second

// Hub fans events out to connected WebSocket clients. It satisfies the
// session mux's Broadcaster so orchestrator events flow straight through.
type Hub struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

var _ ssemux.Broadcaster = (*Hub)(nil)

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger.With("component", "dashboard.hub"),
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Broadcast sends a typed message to every connected client. Clients whose
// writes fail are dropped.
func (h *Hub) Broadcast(eventType string, data map[string]any) {
	payload, err := json.Marshal(map[string]any{
		"type":      eventType,
		"data":      data,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		h.logger.Error("marshal broadcast", "type", eventType, "error", err)
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	var dead []*websocket.Conn
	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.Write(ctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			dead = append(dead, c)
		}
	}
	if len(dead) > 0 {
		h.mu.Lock()
		for _, c := range dead {
			delete(h.conns, c)
		}
		h.mu.Unlock()
		for _, c := range dead {
			c.Close(websocket.StatusNormalClosure, "write failed")
		}
		h.logger.Debug("pruned dead connections", "count", len(dead))
	}
}

// ServeWS upgrades the request and holds the connection open until the
// client disconnects. Incoming frames are drained and ignored.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // dashboard binds to localhost
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	h.logger.Info("dashboard client connected", "total", n)

	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		n := len(h.conns)
		h.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Info("dashboard client disconnected", "total", n)
	}()

	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// CloseAll disconnects every client, used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
