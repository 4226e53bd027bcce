package domain

import (
	"time"
	"unicode/utf8"
)

// ChatTimestampLayout formats saved chat timestamps (second resolution).
const ChatTimestampLayout = "2006-01-02_15-04-05"

// SavedChat is an immutable snapshot of a transcript.
type SavedChat struct {
	Key       string    `json:"-"`
	Messages  []Message `json:"messages"`
	Timestamp string    `json:"timestamp"`
	Title     string    `json:"title"`
}

// NewSavedChat snapshots msgs under a key derived from now.
func NewSavedChat(msgs []Message, now time.Time) SavedChat {
	ts := now.Format(ChatTimestampLayout)
	key := "Chat_" + ts
	return SavedChat{
		Key:       key,
		Messages:  CloneMessages(msgs),
		Timestamp: ts,
		Title:     key,
	}
}

// PreviewLine is a shortened message used for listings.
type PreviewLine struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Preview returns the first n messages with text truncated to 100 characters.
func (c SavedChat) Preview(n int) []PreviewLine {
	if n > len(c.Messages) {
		n = len(c.Messages)
	}
	lines := make([]PreviewLine, 0, n)
	for _, m := range c.Messages[:n] {
		lines = append(lines, PreviewLine{Role: m.Role, Text: truncate(m.Content.String(), 100)})
	}
	return lines
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "..."
}
