package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const broadcastTimeout = 5 * time.Second

// Hub tracks connected chat websockets and fans state changes out to them.
type Hub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[*websocket.Conn]struct{})}
}

// Register adds a connection.
func (h *Hub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = struct{}{}
	slog.Info("Chat socket registered", "connections", len(h.conns))
}

// Unregister removes a connection. Unknown connections are ignored.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn]; !ok {
		return
	}
	delete(h.conns, conn)
	slog.Info("Chat socket unregistered", "connections", len(h.conns))
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast writes v to every connection. Slow or dead peers are skipped.
func (h *Hub) Broadcast(ctx context.Context, v any) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		writeCtx, cancel := context.WithTimeout(ctx, broadcastTimeout)
		if err := wsjson.Write(writeCtx, c, v); err != nil {
			slog.Debug("Chat socket broadcast failed", "error", err)
		}
		cancel()
	}
}

// CloseAll closes every connection, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		_ = c.Close(websocket.StatusGoingAway, "server shutting down")
	}
	clear(h.conns)
}
