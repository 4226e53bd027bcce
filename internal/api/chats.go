package api

import (
	"net/http"

	"github.com/ashureev/datachat/internal/domain"
)

const previewMessages = 3

type chatSummary struct {
	Key          string               `json:"key"`
	Title        string               `json:"title"`
	Timestamp    string               `json:"timestamp"`
	MessageCount int                  `json:"message_count"`
	Preview      []domain.PreviewLine `json:"preview"`
}

type chatDetail struct {
	Key string `json:"key"`
	domain.SavedChat
}

// ListChats handles GET /api/chats.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.chats.ListTranscripts(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}

	summaries := make([]chatSummary, 0, len(chats))
	for _, c := range chats {
		summaries = append(summaries, chatSummary{
			Key:          c.Key,
			Title:        c.Title,
			Timestamp:    c.Timestamp,
			MessageCount: len(c.Messages),
			Preview:      c.Preview(previewMessages),
		})
	}
	JSON(w, http.StatusOK, map[string]any{
		"count": len(summaries),
		"chats": summaries,
	})
}

// SaveChat handles POST /api/chats. It saves the current transcript.
func (h *Handler) SaveChat(w http.ResponseWriter, r *http.Request) {
	saved, err := h.orch.SaveChat(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusCreated, map[string]string{"key": saved.Key, "title": saved.Title})
}

// GetChat handles GET /api/chats/{key}.
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	c, err := h.chats.GetTranscript(r.Context(), pathParam(r, "key"))
	if err != nil {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, chatDetail{Key: c.Key, SavedChat: c})
}

// LoadChat handles POST /api/chats/{key}/load.
func (h *Handler) LoadChat(w http.ResponseWriter, r *http.Request) {
	if _, err := h.orch.LoadChat(r.Context(), pathParam(r, "key")); err != nil {
		writeErr(w, err)
		return
	}
	h.publish(r.Context())
	JSON(w, http.StatusOK, h.state())
}

// DeleteChat handles DELETE /api/chats/{key}.
func (h *Handler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := h.chats.DeleteTranscript(r.Context(), pathParam(r, "key")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
