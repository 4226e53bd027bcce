package agent

import (
	"context"
)

// Backend opens conversational channels with a model.
type Backend interface {
	// Open creates a channel for spec, seeded with history.
	Open(ctx context.Context, spec ChannelSpec, history []Turn) (Channel, error)
}

// Channel is a stateful conversation with a model.
type Channel interface {
	// Send appends text to the conversation and returns the raw reply text.
	Send(ctx context.Context, text string) (string, error)
}

// Ensure GeminiBackend implements Backend.
var _ Backend = (*GeminiBackend)(nil)
