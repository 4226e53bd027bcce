// Package api provides HTTP handlers for the datachat API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ashureev/datachat/internal/agent"
	"github.com/ashureev/datachat/internal/chat"
	"github.com/ashureev/datachat/internal/domain"
	"github.com/ashureev/datachat/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// ChatStore lists and deletes saved chats.
type ChatStore interface {
	ListTranscripts(ctx context.Context) ([]domain.SavedChat, error)
	GetTranscript(ctx context.Context, key string) (domain.SavedChat, error)
	DeleteTranscript(ctx context.Context, key string) error
}

// Handler provides common handler utilities.
type Handler struct {
	orch  *chat.Orchestrator
	chats ChatStore
	hub   *Hub
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(orch *chat.Orchestrator, chats ChatStore, hub *Hub) *Handler {
	if hub == nil {
		hub = NewHub()
	}
	return &Handler{orch: orch, chats: chats, hub: hub}
}

// RegisterRoutes registers every REST route. turnMiddleware wraps only turn
// submission, which is the route that calls the model.
func (h *Handler) RegisterRoutes(r chi.Router, turnMiddleware ...func(http.Handler) http.Handler) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.GetState)
		r.Get("/models", h.GetModels)

		r.Route("/chat", func(r chi.Router) {
			r.With(turnMiddleware...).Post("/", h.Submit)
			r.Post("/reset", h.Reset)
			r.Post("/agent", h.SelectAgent)
			r.Post("/model", h.SelectModel)
		})

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Put("/", h.ReplaceAgents)
			r.Post("/", h.AddAgent)
			r.Post("/reload", h.ReloadAgents)
			r.Delete("/{name}", h.DeleteAgent)
			r.Put("/{name}/schema", h.UpdateSchema)
		})

		r.Route("/chats", func(r chi.Router) {
			r.Get("/", h.ListChats)
			r.Post("/", h.SaveChat)
			r.Get("/{key}", h.GetChat)
			r.Post("/{key}/load", h.LoadChat)
			r.Delete("/{key}", h.DeleteChat)
		})
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// writeErr maps err to a status code and writes it.
func writeErr(w http.ResponseWriter, err error) {
	Error(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	var verr validator.ValidationErrors
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &verr),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrUnknownModel),
		errors.Is(err, domain.ErrInvalidSchema),
		errors.Is(err, domain.ErrDuplicateAgent),
		errors.Is(err, domain.ErrNoAgents),
		errors.Is(err, store.ErrEmptyTranscript),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrUnknownAgent), errors.Is(err, store.ErrChatNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrLastAgent):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, agent.ErrBackend), errors.Is(err, agent.ErrMalformedReply):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("invalid request body")

// decodeJSON decodes a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// pathParam returns an unescaped chi URL parameter.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

// stateResponse is the session as seen by clients.
type stateResponse struct {
	chat.SessionState
	Agents       []string `json:"agents"`
	Credentialed bool     `json:"credentialed"`
	// Structured reports whether the selected agent replies with code and a chart.
	Structured bool `json:"structured"`
}

func (h *Handler) state() stateResponse {
	agents := h.orch.Agents()
	names := make([]string, 0, len(agents))
	for _, a := range agents {
		names = append(names, a.Name)
	}
	snap := h.orch.Snapshot()
	selected, _ := domain.FindAgent(agents, snap.AgentName)
	return stateResponse{
		SessionState: snap,
		Agents:       names,
		Credentialed: h.orch.Credentialed(),
		Structured:   selected.SchemaMode(),
	}
}

// Publish pushes the current state to connected websocket clients.
func (h *Handler) Publish(ctx context.Context) {
	h.publish(ctx)
}

func (h *Handler) publish(ctx context.Context) {
	h.hub.Broadcast(ctx, wsEvent{Type: eventState, State: ptr(h.state())})
}

func ptr[T any](v T) *T {
	return &v
}
