// Package domain contains core domain types for the datachat application.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// DefaultAgentName is the name of the agent synthesized when none are configured.
const DefaultAgentName = "Default Agent"

const defaultPersona = "You are a helpful AI assistant focused on data analysis and insights. " +
	"You communicate clearly and professionally while maintaining a friendly tone. " +
	"You ask clarifying questions when needed and provide detailed explanations for your analysis."

// NewAgentPersona is the persona given to agents created from the configuration screen.
const NewAgentPersona = "I am a helpful AI assistant."

var (
	// ErrInvalidSchema is returned when a response schema is not a well-formed JSON object.
	ErrInvalidSchema = errors.New("response schema must be a JSON object")
	// ErrDuplicateAgent is returned when two agents in one set share a name.
	ErrDuplicateAgent = errors.New("duplicate agent name")
	// ErrNoAgents is returned when an agent set is empty.
	ErrNoAgents = errors.New("at least one agent is required")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Agent is a named persona the user can chat with.
type Agent struct {
	Name           string         `json:"name" yaml:"name" validate:"required"`
	Persona        string         `json:"persona" yaml:"persona" validate:"required"`
	ResponseSchema map[string]any `json:"response_schema,omitempty" yaml:"response_schema,omitempty"`
	Active         bool           `json:"active" yaml:"active"`
}

// DefaultAgent returns the agent used when no configuration exists.
// The dataset reference is embedded in the persona when set.
func DefaultAgent(dataset string) Agent {
	persona := defaultPersona
	if dataset = strings.TrimSpace(dataset); dataset != "" {
		persona += fmt.Sprintf(" The dataset you are analysing is %s; "+
			"when writing Python it is already loaded as the pandas DataFrame `df`.", dataset)
	}
	return Agent{
		Name:    DefaultAgentName,
		Persona: persona,
		Active:  true,
	}
}

// NewAgent returns a fresh agent for position n (1-based) in the agent list.
func NewAgent(n int) Agent {
	return Agent{
		Name:    fmt.Sprintf("Agent %d", n),
		Persona: NewAgentPersona,
		Active:  true,
	}
}

// SchemaMode reports whether replies for this agent use the structured format.
func (a Agent) SchemaMode() bool {
	return len(a.ResponseSchema) > 0
}

// SetResponseSchema parses raw as a JSON object and stores it.
// An empty string clears the schema. On error the previous value is kept.
func (a *Agent) SetResponseSchema(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		a.ResponseSchema = nil
		return nil
	}

	var schema map[string]any
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if schema == nil {
		return ErrInvalidSchema
	}
	a.ResponseSchema = schema
	return nil
}

// Validate checks required fields.
func (a Agent) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("agent %q: %w", a.Name, err)
	}
	return nil
}

// ValidateAgents checks every agent and rejects duplicate names.
func ValidateAgents(agents []Agent) error {
	if len(agents) == 0 {
		return ErrNoAgents
	}
	seen := make(map[string]struct{}, len(agents))
	for _, a := range agents {
		if err := a.Validate(); err != nil {
			return err
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateAgent, a.Name)
		}
		seen[a.Name] = struct{}{}
	}
	return nil
}

// FindAgent returns the first agent with the given name.
// Hand-edited configurations may contain duplicates; the earliest one wins.
func FindAgent(agents []Agent, name string) (Agent, bool) {
	for _, a := range agents {
		if a.Name == name {
			return a, true
		}
	}
	return Agent{}, false
}

// CloneAgents returns a deep copy of agents.
func CloneAgents(agents []Agent) []Agent {
	if agents == nil {
		return nil
	}
	out := make([]Agent, len(agents))
	for i, a := range agents {
		out[i] = a
		out[i].ResponseSchema = cloneMap(a.ResponseSchema)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}
