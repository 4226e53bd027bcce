package agent

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
)

// ParseStructuredReply decodes a schema-mode reply. Markdown code fences around
// the object are tolerated.
func ParseStructuredReply(raw string) (*StructuredReply, error) {
	body := strings.TrimSpace(raw)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimPrefix(body, "json")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
		body = strings.TrimSpace(body)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}

	var reply StructuredReply
	for name, dst := range map[string]*string{"code": &reply.Code, "explanation": &reply.Explanation} {
		value, ok := fields[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrMalformedReply, name)
		}
		if err := json.Unmarshal(value, dst); err != nil {
			return nil, fmt.Errorf("%w: %q is not a string", ErrMalformedReply, name)
		}
	}
	return &reply, nil
}

const placeholderAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Placeholder returns 50 to 200 random alphanumeric characters.
// It stands in for a model reply when no credentials are configured.
func Placeholder() string {
	n := 50 + rand.IntN(151)
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(placeholderAlphabet[rand.IntN(len(placeholderAlphabet))])
	}
	return b.String()
}
