package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ashureev/datachat/internal/agent"
	"github.com/ashureev/datachat/internal/domain"
)

type submitRequest struct {
	Message string `json:"message"`
}

type submitResponse struct {
	Message domain.Message `json:"message"`
	State   stateResponse  `json:"state"`
}

type selectAgentRequest struct {
	Name string `json:"name"`
}

type selectModelRequest struct {
	Model string `json:"model"`
}

// GetState handles GET /api/state.
func (h *Handler) GetState(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.state())
}

// GetModels handles GET /api/models.
func (h *Handler) GetModels(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"models":  agent.KnownModels,
		"current": h.orch.Snapshot().Model,
	})
}

// Submit handles POST /api/chat.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}

	slog.Info("Chat turn request", "message_length", len(req.Message))
	msg, err := h.orch.Submit(r.Context(), req.Message)
	// The user turn is recorded even when the reply fails.
	h.publish(context.WithoutCancel(r.Context()))
	if err != nil {
		writeErr(w, err)
		return
	}

	JSON(w, http.StatusOK, submitResponse{Message: msg, State: h.state()})
}

// Reset handles POST /api/chat/reset.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	h.orch.Reset()
	h.publish(r.Context())
	JSON(w, http.StatusOK, h.state())
}

// SelectAgent handles POST /api/chat/agent.
func (h *Handler) SelectAgent(w http.ResponseWriter, r *http.Request) {
	var req selectAgentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := h.orch.SelectAgent(r.Context(), req.Name); err != nil {
		writeErr(w, err)
		return
	}
	h.publish(r.Context())
	JSON(w, http.StatusOK, h.state())
}

// SelectModel handles POST /api/chat/model.
func (h *Handler) SelectModel(w http.ResponseWriter, r *http.Request) {
	var req selectModelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := h.orch.SelectModel(req.Model); err != nil {
		writeErr(w, err)
		return
	}
	h.publish(r.Context())
	JSON(w, http.StatusOK, h.state())
}
