package api

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/datachat/internal/domain"
)

// ListAgents handles GET /api/agents.
func (h *Handler) ListAgents(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.orch.Agents())
}

// ReplaceAgents handles PUT /api/agents. The body replaces the whole set.
func (h *Handler) ReplaceAgents(w http.ResponseWriter, r *http.Request) {
	var agents []domain.Agent
	if err := decodeJSON(w, r, &agents); err != nil {
		writeErr(w, err)
		return
	}
	if err := h.orch.SaveAgents(r.Context(), agents); err != nil {
		writeErr(w, err)
		return
	}
	h.publish(r.Context())
	JSON(w, http.StatusOK, h.orch.Agents())
}

// AddAgent handles POST /api/agents.
func (h *Handler) AddAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.orch.AddAgent(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	h.publish(r.Context())
	JSON(w, http.StatusCreated, a)
}

// DeleteAgent handles DELETE /api/agents/{name}.
func (h *Handler) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.DeleteAgent(r.Context(), pathParam(r, "name")); err != nil {
		writeErr(w, err)
		return
	}
	h.publish(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// ReloadAgents handles POST /api/agents/reload.
func (h *Handler) ReloadAgents(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.ReloadAgents(r.Context()); err != nil {
		slog.Warn("Agent reload failed", "error", err)
		writeErr(w, err)
		return
	}
	h.publish(r.Context())
	JSON(w, http.StatusOK, h.orch.Agents())
}

// UpdateSchema handles PUT /api/agents/{name}/schema. The raw body is the schema;
// an empty body clears it.
func (h *Handler) UpdateSchema(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		writeErr(w, err)
		return
	}
	a, err := h.orch.UpdateSchema(r.Context(), pathParam(r, "name"), string(body))
	if err != nil {
		writeErr(w, err)
		return
	}
	h.publish(r.Context())
	JSON(w, http.StatusOK, a)
}
