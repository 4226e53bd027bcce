// Package agent manages conversational channels with the language model backend.
package agent

import (
	"errors"
	"slices"
	"time"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.0-flash"

// KnownModels lists the selectable model identifiers.
var KnownModels = []string{
	"gemini-1.5-pro-latest",
	"gemini-1.5-flash",
	"gemini-2.0-flash",
	"gemini-2.0-pro-exp",
	"gemini-2.5-flash",
}

// IsKnownModel reports whether model is in KnownModels.
func IsKnownModel(model string) bool {
	return slices.Contains(KnownModels, model)
}

var (
	// ErrNoCredentials is returned when the backend is configured without an API key.
	ErrNoCredentials = errors.New("no model credentials configured")
	// ErrBackend wraps failures reported by the model backend.
	ErrBackend = errors.New("model backend error")
	// ErrMalformedReply is returned when a structured reply cannot be decoded.
	ErrMalformedReply = errors.New("malformed structured reply")
)

// ChannelSpec identifies a channel. Two turns with equal specs share one channel.
type ChannelSpec struct {
	Model      string
	Persona    string
	SchemaMode bool
}

// Turn is a previous exchange used to seed a new channel.
type Turn struct {
	FromModel bool
	Text      string
}

// StructuredReply is the decoded form of a schema-mode reply.
type StructuredReply struct {
	Code        string `json:"code"`
	Explanation string `json:"explanation"`
}

// Reply is a model reply. Exactly one of Structured or Text is meaningful.
type Reply struct {
	Structured *StructuredReply
	Text       string
}

// Config holds model session configuration.
type Config struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// DefaultConfig returns default model session configuration.
func DefaultConfig() Config {
	return Config{
		Model:   DefaultModel,
		Timeout: 60 * time.Second,
	}
}
