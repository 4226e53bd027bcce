package agent

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/genai"
)

// structuredSchema constrains schema-mode replies to {code, explanation}.
var structuredSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"code": {
			Type:        genai.TypeString,
			Description: "Python code that uses the pandas DataFrame df and matplotlib to answer the question.",
		},
		"explanation": {
			Type:        genai.TypeString,
			Description: "Plain-language answer to the question.",
		},
	},
	Required:         []string{"code", "explanation"},
	PropertyOrdering: []string{"code", "explanation"},
}

// GeminiBackend opens chats against the Gemini API.
type GeminiBackend struct {
	client *genai.Client
	logger *slog.Logger
}

// NewGeminiBackend creates a backend. An empty apiKey returns ErrNoCredentials.
func NewGeminiBackend(ctx context.Context, apiKey string, logger *slog.Logger) (*GeminiBackend, error) {
	if apiKey == "" {
		return nil, ErrNoCredentials
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	logger.Info("Model backend configured", "backend", "gemini")
	return &GeminiBackend{client: client, logger: logger}, nil
}

// Open creates a Gemini chat for spec seeded with history.
func (b *GeminiBackend) Open(ctx context.Context, spec ChannelSpec, history []Turn) (Channel, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(spec.Persona, genai.RoleUser),
	}
	if spec.SchemaMode {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = structuredSchema
	}

	contents := make([]*genai.Content, 0, len(history))
	for _, turn := range history {
		role := genai.Role(genai.RoleUser)
		if turn.FromModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Text, role))
	}

	chat, err := b.client.Chats.Create(ctx, spec.Model, cfg, contents)
	if err != nil {
		return nil, fmt.Errorf("%w: create chat: %v", ErrBackend, err)
	}

	b.logger.Debug("Opened model channel",
		"model", spec.Model,
		"schema_mode", spec.SchemaMode,
		"history", len(contents),
	)
	return &geminiChannel{chat: chat}, nil
}

type geminiChannel struct {
	chat *genai.Chat
}

func (c *geminiChannel) Send(ctx context.Context, text string) (string, error) {
	resp, err := c.chat.SendMessage(ctx, genai.Part{Text: text})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return resp.Text(), nil
}
