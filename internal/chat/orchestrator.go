// Package chat implements the chat session state machine: agent selection,
// turn submission and transcript save/load.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/datachat/internal/agent"
	"github.com/ashureev/datachat/internal/domain"
	"github.com/ashureev/datachat/internal/metrics"
)

var (
	// ErrUnknownAgent is returned when an agent name is not configured.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrUnknownModel is returned when selecting a model outside agent.KnownModels.
	ErrUnknownModel = errors.New("unknown model")
	// ErrEmptyMessage is returned when submitting blank text.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrLastAgent is returned when deleting the only configured agent.
	ErrLastAgent = errors.New("cannot delete the last agent")
)

// Store is the persistence the orchestrator needs.
type Store interface {
	LoadAgents(ctx context.Context) ([]domain.Agent, error)
	SaveAgents(ctx context.Context, agents []domain.Agent) error
	NeedsReload(lastSeen time.Time) (bool, time.Time, error)
	SaveTranscript(ctx context.Context, msgs []domain.Message) (domain.SavedChat, error)
	GetTranscript(ctx context.Context, key string) (domain.SavedChat, error)
}

// ModelService sends turns to the model backend.
type ModelService interface {
	Available() bool
	Send(ctx context.Context, spec agent.ChannelSpec, history []domain.Message, text string) (agent.Reply, error)
	Reset()
}

// ResponseExecutor turns a structured reply into displayable content.
type ResponseExecutor interface {
	Execute(ctx context.Context, reply agent.StructuredReply) domain.StructuredContent
}

// SessionState is the current chat session. AgentName is empty when the
// transcript is anchored to a persona that matches no configured agent.
type SessionState struct {
	Messages  []domain.Message `json:"messages"`
	AgentName string           `json:"agent_name"`
	Persona   string           `json:"persona"`
	Model     string           `json:"model"`
}

// Options configures an Orchestrator.
type Options struct {
	Model        string
	ModelTimeout time.Duration
	// Dataset is embedded in the fallback agent used when the stored
	// configuration cannot be read at startup.
	Dataset string
}

// Orchestrator owns the session state. Mutating operations are serialized so
// turns never overlap; Snapshot and Agents may be called at any time.
type Orchestrator struct {
	store    Store
	model    ModelService
	executor ResponseExecutor
	metrics  *metrics.Metrics
	logger   *slog.Logger
	timeout  time.Duration

	turnMu sync.Mutex

	mu         sync.RWMutex
	agents     []domain.Agent
	agentsSeen time.Time
	state      SessionState
}

// New creates an Orchestrator, loads the agents and selects the first one.
func New(ctx context.Context, store Store, model ModelService, executor ResponseExecutor, opts Options, m *metrics.Metrics, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Model == "" {
		opts.Model = agent.DefaultModel
	}
	if opts.ModelTimeout <= 0 {
		opts.ModelTimeout = agent.DefaultConfig().Timeout
	}

	o := &Orchestrator{
		store:    store,
		model:    model,
		executor: executor,
		metrics:  m,
		logger:   logger,
		timeout:  opts.ModelTimeout,
		state:    SessionState{Model: opts.Model},
	}

	if err := o.ReloadAgents(ctx); err != nil {
		o.logger.Warn("Agent configuration unusable, starting with default agent", "error", err)
		o.applyAgentsLocked([]domain.Agent{domain.DefaultAgent(opts.Dataset)})
	}
	return o, nil
}

// Agents returns a copy of the configured agents.
func (o *Orchestrator) Agents() []domain.Agent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return domain.CloneAgents(o.agents)
}

// Snapshot returns a copy of the session state.
func (o *Orchestrator) Snapshot() SessionState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s := o.state
	s.Messages = domain.CloneMessages(o.state.Messages)
	return s
}

// Credentialed reports whether turns go to a real model backend.
func (o *Orchestrator) Credentialed() bool {
	return o.model != nil && o.model.Available()
}

// ReloadAgents replaces the agent set from the store. On error the previous set is kept.
func (o *Orchestrator) ReloadAgents(ctx context.Context) error {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()
	return o.reloadLocked(ctx)
}

// ReloadIfChanged reloads the agents only when the stored configuration changed.
func (o *Orchestrator) ReloadIfChanged(ctx context.Context) (bool, error) {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	o.mu.RLock()
	seen := o.agentsSeen
	o.mu.RUnlock()

	changed, _, err := o.store.NeedsReload(seen)
	if err != nil || !changed {
		return false, err
	}
	return true, o.reloadLocked(ctx)
}

// refreshLocked picks up configuration edits before an interaction. Failures
// are logged and the current agents stay in place. Caller holds turnMu.
func (o *Orchestrator) refreshLocked(ctx context.Context) {
	o.mu.RLock()
	seen := o.agentsSeen
	o.mu.RUnlock()

	changed, _, err := o.store.NeedsReload(seen)
	if err != nil {
		o.logger.Warn("Failed to stat agent configuration", "error", err)
		return
	}
	if changed {
		_ = o.reloadLocked(ctx)
	}
}

// reloadLocked loads the agent set. The observed modification time is recorded
// even on failure so a broken file is retried only after it changes again.
func (o *Orchestrator) reloadLocked(ctx context.Context) error {
	_, modTime, err := o.store.NeedsReload(time.Time{})
	if err != nil {
		o.logger.Warn("Failed to stat agent configuration", "error", err)
	}

	agents, err := o.store.LoadAgents(ctx)
	o.metrics.RecordAgentReload(err, len(agents))

	o.mu.Lock()
	o.agentsSeen = modTime
	hadAgents := len(o.agents) > 0
	o.mu.Unlock()

	if err != nil {
		if hadAgents {
			o.logger.Warn("Failed to load agent configuration, keeping previous agents", "error", err)
		}
		return err
	}

	o.applyAgentsLocked(agents)
	o.logger.Info("Agents loaded", "count", len(agents))
	return nil
}

// applyAgentsLocked installs a new agent set and re-anchors the session when
// the selected agent disappeared or its persona changed. Caller holds turnMu.
func (o *Orchestrator) applyAgentsLocked(agents []domain.Agent) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.agents = domain.CloneAgents(agents)

	name := o.state.AgentName
	if name == "" && o.state.Persona != "" {
		// Detached persona from a loaded chat stays until the user selects an agent.
		return
	}
	selected, ok := domain.FindAgent(o.agents, name)
	if !ok {
		selected = o.agents[0]
	}
	o.selectLocked(selected)
}

// selectLocked anchors the session to a. The transcript is reset when its
// persona differs from a's. Caller holds mu.
func (o *Orchestrator) selectLocked(a domain.Agent) {
	prevAgent := o.state.AgentName
	o.state.AgentName = a.Name

	if anchor(o.state.Messages) == a.Persona && o.state.Persona == a.Persona {
		return
	}
	o.state.Persona = a.Persona
	o.state.Messages = []domain.Message{domain.SystemMessage(a.Persona)}
	if o.model != nil {
		o.model.Reset()
	}
	o.logger.Info("Session anchored to agent", "agent", a.Name, "previous", prevAgent)
}

func anchor(msgs []domain.Message) string {
	if len(msgs) == 0 || msgs[0].Role != domain.RoleSystem {
		return ""
	}
	return msgs[0].Content.Text
}

// SelectAgent selects the named agent. Configuration edits made since the
// last interaction are applied first.
func (o *Orchestrator) SelectAgent(ctx context.Context, name string) error {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	o.refreshLocked(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()

	a, ok := domain.FindAgent(o.agents, name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	o.selectLocked(a)
	return nil
}

// SelectModel switches the model used for subsequent turns.
func (o *Orchestrator) SelectModel(model string) error {
	if !agent.IsKnownModel(model) {
		return fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}

	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	o.mu.Lock()
	changed := o.state.Model != model
	o.state.Model = model
	o.mu.Unlock()

	if changed && o.model != nil {
		o.model.Reset()
		o.logger.Info("Model selected", "model", model)
	}
	return nil
}

// Reset starts a new chat. The transcript is emptied and the next turn
// re-anchors it to the selected persona.
func (o *Orchestrator) Reset() {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	o.mu.Lock()
	o.state.Messages = nil
	if a, ok := domain.FindAgent(o.agents, o.state.AgentName); ok {
		o.state.Persona = a.Persona
	} else if len(o.agents) > 0 {
		o.state.AgentName = o.agents[0].Name
		o.state.Persona = o.agents[0].Persona
	}
	o.mu.Unlock()

	if o.model != nil {
		o.model.Reset()
	}
}

// Submit runs one turn and returns the appended assistant message. On failure
// the user message stays in the transcript without an answer.
func (o *Orchestrator) Submit(ctx context.Context, text string) (domain.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Message{}, ErrEmptyMessage
	}

	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	o.refreshLocked(ctx)

	o.mu.Lock()
	if anchor(o.state.Messages) != o.state.Persona || len(o.state.Messages) == 0 {
		o.state.Messages = []domain.Message{domain.SystemMessage(o.state.Persona)}
	}
	history := domain.CloneMessages(o.state.Messages)
	o.state.Messages = append(o.state.Messages, domain.UserMessage(text))
	spec := agent.ChannelSpec{Model: o.state.Model, Persona: o.state.Persona}
	if a, ok := domain.FindAgent(o.agents, o.state.AgentName); ok {
		spec.SchemaMode = a.SchemaMode()
	}
	o.mu.Unlock()

	if !o.Credentialed() {
		msg := domain.AssistantMessage(domain.PlainContent(agent.Placeholder()))
		o.appendMessage(msg)
		o.metrics.RecordTurn(metrics.OutcomeFallback)
		return msg, nil
	}

	// The turn completes even if the caller goes away.
	turnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()

	reply, err := o.model.Send(turnCtx, spec, history, text)
	if err != nil {
		o.metrics.RecordTurn(metrics.OutcomeError)
		o.logger.Error("Model turn failed", "model", spec.Model, "schema_mode", spec.SchemaMode, "error", err)
		return domain.Message{}, fmt.Errorf("send turn: %w", err)
	}

	var content domain.Content
	if reply.Structured != nil {
		sc := domain.StructuredContent{Explanation: reply.Structured.Explanation, Code: reply.Structured.Code}
		if o.executor != nil {
			sc = o.executor.Execute(turnCtx, *reply.Structured)
		}
		content = domain.StructuredBody(sc)
	} else {
		content = domain.PlainContent(reply.Text)
	}

	msg := domain.AssistantMessage(content)
	o.appendMessage(msg)
	o.metrics.RecordTurn(metrics.OutcomeOK)
	return msg.Clone(), nil
}

func (o *Orchestrator) appendMessage(msg domain.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.Messages = append(o.state.Messages, msg)
}

// SaveChat persists the current transcript.
func (o *Orchestrator) SaveChat(ctx context.Context) (domain.SavedChat, error) {
	o.mu.RLock()
	msgs := domain.CloneMessages(o.state.Messages)
	o.mu.RUnlock()

	chat, err := o.store.SaveTranscript(ctx, msgs)
	o.metrics.RecordSavedChatOp("save", err)
	return chat, err
}

// LoadChat replaces the transcript with a saved chat. When the saved persona
// matches a configured agent that agent becomes selected; otherwise the session
// stays anchored to the saved persona.
func (o *Orchestrator) LoadChat(ctx context.Context, key string) (SessionState, error) {
	chat, err := o.store.GetTranscript(ctx, key)
	o.metrics.RecordSavedChatOp("load", err)
	if err != nil {
		return SessionState{}, err
	}

	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	o.mu.Lock()
	msgs := domain.CloneMessages(chat.Messages)
	if anchor(msgs) == "" {
		msgs = append([]domain.Message{domain.SystemMessage(o.state.Persona)}, msgs...)
	}
	persona := anchor(msgs)

	o.state.Messages = msgs
	o.state.Persona = persona
	o.state.AgentName = ""
	for _, a := range o.agents {
		if a.Persona == persona {
			o.state.AgentName = a.Name
			break
		}
	}
	o.mu.Unlock()

	if o.model != nil {
		o.model.Reset()
	}
	o.logger.Info("Chat loaded", "key", key, "messages", len(msgs), "agent", o.Snapshot().AgentName)
	return o.Snapshot(), nil
}

// SaveAgents validates, persists and applies a full agent set.
func (o *Orchestrator) SaveAgents(ctx context.Context, agents []domain.Agent) error {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()
	return o.saveAgentsLocked(ctx, agents)
}

func (o *Orchestrator) saveAgentsLocked(ctx context.Context, agents []domain.Agent) error {
	if err := o.store.SaveAgents(ctx, agents); err != nil {
		return err
	}
	o.applyAgentsLocked(agents)

	if _, modTime, err := o.store.NeedsReload(time.Time{}); err == nil {
		o.mu.Lock()
		o.agentsSeen = modTime
		o.mu.Unlock()
	}
	return nil
}

// AddAgent appends a new agent named "Agent N" and persists the set.
func (o *Orchestrator) AddAgent(ctx context.Context) (domain.Agent, error) {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	agents := o.Agents()
	n := len(agents) + 1
	a := domain.NewAgent(n)
	for {
		if _, taken := domain.FindAgent(agents, a.Name); !taken {
			break
		}
		n++
		a = domain.NewAgent(n)
	}

	if err := o.saveAgentsLocked(ctx, append(agents, a)); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

// DeleteAgent removes the named agent and persists the set.
func (o *Orchestrator) DeleteAgent(ctx context.Context, name string) error {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	agents := o.Agents()
	idx := -1
	for i, a := range agents {
		if a.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	if len(agents) == 1 {
		return ErrLastAgent
	}
	return o.saveAgentsLocked(ctx, append(agents[:idx], agents[idx+1:]...))
}

// UpdateSchema sets the named agent's response schema from raw JSON. An empty
// body clears it. Malformed input leaves the stored schema unchanged.
func (o *Orchestrator) UpdateSchema(ctx context.Context, name, raw string) (domain.Agent, error) {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	agents := o.Agents()
	for i := range agents {
		if agents[i].Name != name {
			continue
		}
		if err := agents[i].SetResponseSchema(raw); err != nil {
			return domain.Agent{}, err
		}
		if err := o.saveAgentsLocked(ctx, agents); err != nil {
			return domain.Agent{}, err
		}
		return agents[i], nil
	}
	return domain.Agent{}, fmt.Errorf("%w: %q", ErrUnknownAgent, name)
}
