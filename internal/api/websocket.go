package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ashureev/datachat/internal/domain"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	eventMessage = "message"
	eventState   = "state"
	eventError   = "error"
	eventPong    = "pong"
)

// wsRequest is a frame sent by the client.
type wsRequest struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// wsEvent is a frame sent to clients.
type wsEvent struct {
	Type    string          `json:"type"`
	Message *domain.Message `json:"message,omitempty"`
	State   *stateResponse  `json:"state,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// WebSocketHandler serves the chat over a websocket.
type WebSocketHandler struct {
	h             *Handler
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(h *Handler, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{h: h, allowedOrigin: allowedOrigin, isDev: isDev}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (ws *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.Info("WebSocket connection request", "ip", r.RemoteAddr)

	if !ws.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := conn.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ws.h.hub.Register(conn)
	defer ws.h.hub.Unregister(conn)

	ctx := r.Context()
	if err := wsjson.Write(ctx, conn, wsEvent{Type: eventState, State: ptr(ws.h.state())}); err != nil {
		slog.Debug("Failed to send initial state", "error", err)
		return
	}

	ws.readLoop(ctx, conn)
}

func (ws *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if ws.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || ws.allowedOrigin == "*" {
		return true
	}
	if origin == ws.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", ws.allowedOrigin)
	return false
}

func (ws *WebSocketHandler) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var req wsRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client")
			} else {
				slog.Warn("WebSocket read error", "error", err)
			}
			return
		}

		reply, err := ws.dispatch(ctx, req)
		if err != nil {
			reply = wsEvent{Type: eventError, Error: err.Error()}
		}
		if reply.Type == "" {
			continue
		}
		if err := wsjson.Write(ctx, conn, reply); err != nil {
			slog.Debug("WebSocket write error", "error", err)
			return
		}
	}
}

// dispatch applies one client frame. State changes are broadcast to every
// client; the returned event goes only to the sender.
func (ws *WebSocketHandler) dispatch(ctx context.Context, req wsRequest) (wsEvent, error) {
	orch := ws.h.orch
	switch req.Type {
	case "submit":
		msg, err := orch.Submit(ctx, req.Content)
		ws.h.publish(context.WithoutCancel(ctx))
		if err != nil {
			return wsEvent{}, err
		}
		return wsEvent{Type: eventMessage, Message: &msg}, nil
	case "reset":
		orch.Reset()
	case "select_agent":
		if err := orch.SelectAgent(ctx, req.Content); err != nil {
			return wsEvent{}, err
		}
	case "select_model":
		if err := orch.SelectModel(req.Content); err != nil {
			return wsEvent{}, err
		}
	case "ping":
		return wsEvent{Type: eventPong}, nil
	default:
		slog.Debug("Unknown websocket frame", "type", req.Type)
		return wsEvent{Type: eventError, Error: "unknown frame type: " + req.Type}, nil
	}
	ws.h.publish(ctx)
	return wsEvent{}, nil
}
