package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleSystem carries the agent persona and always leads a transcript.
	RoleSystem Role = "system"
	// RoleUser is a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant is a reply from the model.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// StructuredContent is an assistant reply produced in structured mode.
// ChartImage holds the raw PNG bytes; JSON encoding stores them as base64.
type StructuredContent struct {
	Explanation string `json:"explanation"`
	Code        string `json:"code"`
	ChartImage  []byte `json:"chart_image"`
}

// HasChart reports whether a chart image was captured.
func (s StructuredContent) HasChart() bool {
	return len(s.ChartImage) > 0
}

// Content is either plain text or structured content.
// Structured is nil for plain text.
type Content struct {
	Text       string
	Structured *StructuredContent
}

// PlainContent wraps text.
func PlainContent(text string) Content {
	return Content{Text: text}
}

// StructuredBody wraps structured content.
func StructuredBody(sc StructuredContent) Content {
	return Content{Structured: &sc}
}

// IsStructured reports whether the content is the structured variant.
func (c Content) IsStructured() bool {
	return c.Structured != nil
}

// String returns the primary display text.
func (c Content) String() string {
	if c.Structured != nil {
		return c.Structured.Explanation
	}
	return c.Text
}

// Clone returns a deep copy.
func (c Content) Clone() Content {
	if c.Structured == nil {
		return c
	}
	sc := *c.Structured
	if sc.ChartImage != nil {
		sc.ChartImage = bytes.Clone(sc.ChartImage)
	}
	return Content{Structured: &sc}
}

// MarshalJSON encodes plain text as a JSON string and structured content as an object.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Structured != nil {
		return json.Marshal(c.Structured)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts both the legacy string shape and the structured object.
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = Content{}
		return nil
	}

	switch data[0] {
	case '"':
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return fmt.Errorf("decode text content: %w", err)
		}
		*c = PlainContent(text)
		return nil
	case '{':
		var sc StructuredContent
		if err := json.Unmarshal(data, &sc); err != nil {
			return fmt.Errorf("decode structured content: %w", err)
		}
		*c = StructuredBody(sc)
		return nil
	default:
		return fmt.Errorf("unsupported message content: %.20s", data)
	}
}

// Message is a single transcript entry.
type Message struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// SystemMessage returns the persona-anchoring message.
func SystemMessage(persona string) Message {
	return Message{Role: RoleSystem, Content: PlainContent(persona)}
}

// UserMessage returns a message typed by the user.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: PlainContent(text)}
}

// AssistantMessage returns a model reply.
func AssistantMessage(content Content) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	return Message{Role: m.Role, Content: m.Content.Clone()}
}

// CloneMessages returns a deep copy of msgs.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
