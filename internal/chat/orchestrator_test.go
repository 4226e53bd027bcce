package chat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/datachat/internal/agent"
	"github.com/ashureev/datachat/internal/domain"
	"github.com/ashureev/datachat/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sendCall struct {
	spec    agent.ChannelSpec
	history []domain.Message
	text    string
}

type fakeModel struct {
	mu        sync.Mutex
	available bool
	replies   []agent.Reply
	err       error
	calls     []sendCall
	resets    int
}

func (m *fakeModel) Available() bool { return m.available }

func (m *fakeModel) Send(_ context.Context, spec agent.ChannelSpec, history []domain.Message, text string) (agent.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sendCall{spec: spec, history: history, text: text})
	if m.err != nil {
		return agent.Reply{}, m.err
	}
	if len(m.replies) == 0 {
		return agent.Reply{Text: "ok"}, nil
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r, nil
}

func (m *fakeModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
}

type fakeExecutor struct {
	chart []byte
	got   []agent.StructuredReply
}

func (e *fakeExecutor) Execute(_ context.Context, reply agent.StructuredReply) domain.StructuredContent {
	e.got = append(e.got, reply)
	return domain.StructuredContent{Explanation: reply.Explanation, Code: reply.Code, ChartImage: e.chart}
}

var (
	defaultAgent = domain.Agent{Name: "Default Agent", Persona: "You are helpful.", Active: true}
	analyst      = domain.Agent{
		Name:           "Analyst",
		Persona:        "You write pandas code.",
		ResponseSchema: map[string]any{"type": "object"},
		Active:         true,
	}
)

type harness struct {
	orch  *Orchestrator
	store *store.ConfigStore
	model *fakeModel
	exec  *fakeExecutor
	dir   string
}

func newHarness(t *testing.T, credentialed bool, agents ...domain.Agent) *harness {
	t.Helper()
	dir := t.TempDir()
	cs := store.NewConfigStore(
		store.NewFileAgentStore(filepath.Join(dir, "agent_config.json")),
		store.NewFileTranscripts(filepath.Join(dir, "saved_chats.json")),
		"titanic.csv",
	)
	if len(agents) > 0 {
		require.NoError(t, cs.SaveAgents(context.Background(), agents))
	}

	model := &fakeModel{available: credentialed}
	exec := &fakeExecutor{chart: []byte{0x89, 'P', 'N', 'G'}}
	orch, err := New(context.Background(), cs, model, exec, Options{ModelTimeout: time.Second}, nil, nil)
	require.NoError(t, err)
	return &harness{orch: orch, store: cs, model: model, exec: exec, dir: dir}
}

func TestNewSelectsFirstAgent(t *testing.T) {
	h := newHarness(t, true, defaultAgent, analyst)

	s := h.orch.Snapshot()
	assert.Equal(t, "Default Agent", s.AgentName)
	assert.Equal(t, agent.DefaultModel, s.Model)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, domain.SystemMessage(defaultAgent.Persona), s.Messages[0])
}

func TestNewWithoutConfigurationUsesDefaultAgent(t *testing.T) {
	h := newHarness(t, false)

	agents := h.orch.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, domain.DefaultAgentName, agents[0].Name)
}

func TestNewWithCorruptConfigurationUsesDefaultAgent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent_config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	cs := store.NewConfigStore(store.NewFileAgentStore(path), store.NewFileTranscripts(filepath.Join(dir, "saved_chats.json")), "titanic.csv")

	orch, err := New(context.Background(), cs, &fakeModel{}, nil, Options{Dataset: "titanic.csv"}, nil, nil)
	require.NoError(t, err)

	s := orch.Snapshot()
	assert.Equal(t, domain.DefaultAgentName, s.AgentName)
	assert.Equal(t, domain.DefaultAgent("titanic.csv").Persona, s.Persona)

	// A repaired file is picked up on the next interaction.
	require.NoError(t, os.WriteFile(path, []byte(`[{"name":"Pirate","persona":"Arr.","active":true}]`), 0o644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	require.NoError(t, orch.SelectAgent(context.Background(), "Pirate"))
	assert.Equal(t, "Arr.", orch.Snapshot().Persona)
}

func TestSubmitPicksUpEditedConfiguration(t *testing.T) {
	h := newHarness(t, true, defaultAgent)

	path := filepath.Join(h.dir, "agent_config.json")
	edited := `[{"name":"Default Agent","persona":"You are terse.","active":true}]`
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	_, err := h.orch.Submit(context.Background(), "hi")
	require.NoError(t, err)

	require.Len(t, h.model.calls, 1)
	assert.Equal(t, "You are terse.", h.model.calls[0].spec.Persona)
	s := h.orch.Snapshot()
	assert.Equal(t, domain.SystemMessage("You are terse."), s.Messages[0])
	assert.Len(t, s.Messages, 3)
}

func TestSelectAgentResetsTranscript(t *testing.T) {
	h := newHarness(t, true, defaultAgent, analyst)
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, "hello")
	require.NoError(t, err)
	require.Len(t, h.orch.Snapshot().Messages, 3)

	require.NoError(t, h.orch.SelectAgent(context.Background(), "Analyst"))
	s := h.orch.Snapshot()
	require.Len(t, s.Messages, 1, "nothing older than the new persona survives")
	assert.Equal(t, domain.SystemMessage(analyst.Persona), s.Messages[0])
	assert.Equal(t, "Analyst", s.AgentName)

	resets := h.model.resets
	require.NoError(t, h.orch.SelectAgent(context.Background(), "Analyst"))
	assert.Equal(t, resets, h.model.resets, "reselecting the same agent is a no-op")

	err = h.orch.SelectAgent(context.Background(), "Nobody")
	require.ErrorIs(t, err, ErrUnknownAgent)
	assert.Equal(t, "Analyst", h.orch.Snapshot().AgentName)
}

func TestSubmitWithoutCredentialsUsesPlaceholder(t *testing.T) {
	h := newHarness(t, false, defaultAgent)

	msg, err := h.orch.Submit(context.Background(), "what is in the data?")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAssistant, msg.Role)
	assert.False(t, msg.Content.IsStructured())
	assert.GreaterOrEqual(t, len(msg.Content.Text), 50)
	assert.Empty(t, h.model.calls, "backend must not be called without credentials")

	s := h.orch.Snapshot()
	require.Len(t, s.Messages, 3)
	assert.Equal(t, domain.RoleUser, s.Messages[1].Role)
}

func TestSubmitStructuredReplyRunsExecutor(t *testing.T) {
	h := newHarness(t, true, analyst)
	h.model.replies = []agent.Reply{{Structured: &agent.StructuredReply{
		Code:        "df['Pclass'].value_counts().plot.bar()",
		Explanation: "Most passengers were in 3rd class.",
	}}}

	msg, err := h.orch.Submit(context.Background(), "show ticket class distribution")
	require.NoError(t, err)

	require.True(t, msg.Content.IsStructured())
	sc := msg.Content.Structured
	assert.NotNil(t, sc.ChartImage)
	assert.Equal(t, "df['Pclass'].value_counts().plot.bar()", sc.Code)
	assert.Equal(t, "Most passengers were in 3rd class.", sc.Explanation)

	require.Len(t, h.model.calls, 1)
	call := h.model.calls[0]
	assert.True(t, call.spec.SchemaMode)
	assert.Equal(t, analyst.Persona, call.spec.Persona)
	assert.Equal(t, []domain.Message{domain.SystemMessage(analyst.Persona)}, call.history)
	assert.Len(t, h.exec.got, 1)
}

func TestSubmitFailureLeavesUnansweredUserTurn(t *testing.T) {
	h := newHarness(t, true, defaultAgent)
	h.model.err = agent.ErrBackend

	_, err := h.orch.Submit(context.Background(), "hello")
	require.ErrorIs(t, err, agent.ErrBackend)

	s := h.orch.Snapshot()
	require.Len(t, s.Messages, 2)
	assert.Equal(t, domain.UserMessage("hello"), s.Messages[1])
}

func TestSubmitRejectsEmptyText(t *testing.T) {
	h := newHarness(t, true, defaultAgent)
	_, err := h.orch.Submit(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)
	assert.Len(t, h.orch.Snapshot().Messages, 1)
}

func TestSubmitSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t, true, defaultAgent)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orch.Submit(ctx, "hello")
	require.NoError(t, err)
	assert.Len(t, h.orch.Snapshot().Messages, 3)
}

func TestResetReanchorsOnNextTurn(t *testing.T) {
	h := newHarness(t, true, defaultAgent)
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, "one")
	require.NoError(t, err)
	h.orch.Reset()
	assert.Empty(t, h.orch.Snapshot().Messages)

	_, err = h.orch.Submit(ctx, "two")
	require.NoError(t, err)
	s := h.orch.Snapshot()
	require.Len(t, s.Messages, 3)
	assert.Equal(t, domain.SystemMessage(defaultAgent.Persona), s.Messages[0])
	assert.Equal(t, domain.UserMessage("two"), s.Messages[1])
}

func TestSelectModel(t *testing.T) {
	h := newHarness(t, true, defaultAgent)
	resets := h.model.resets

	require.NoError(t, h.orch.SelectModel("gemini-2.5-flash"))
	assert.Equal(t, "gemini-2.5-flash", h.orch.Snapshot().Model)
	assert.Equal(t, resets+1, h.model.resets)

	require.ErrorIs(t, h.orch.SelectModel("gpt-4"), ErrUnknownModel)

	_, err := h.orch.Submit(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-flash", h.model.calls[0].spec.Model)
}

func TestSaveAndLoadChat(t *testing.T) {
	h := newHarness(t, true, defaultAgent, analyst)
	ctx := context.Background()

	require.NoError(t, h.orch.SelectAgent(context.Background(), "Analyst"))
	h.model.replies = []agent.Reply{{Structured: &agent.StructuredReply{Code: "df.plot()", Explanation: "A plot."}}}
	_, err := h.orch.Submit(ctx, "plot")
	require.NoError(t, err)

	saved, err := h.orch.SaveChat(ctx)
	require.NoError(t, err)

	require.NoError(t, h.orch.SelectAgent(context.Background(), "Default Agent"))
	state, err := h.orch.LoadChat(ctx, saved.Key)
	require.NoError(t, err)
	assert.Equal(t, "Analyst", state.AgentName, "matching persona selects the agent")
	require.Len(t, state.Messages, 3)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, state.Messages[2].Content.Structured.ChartImage)

	_, err = h.orch.LoadChat(ctx, "Chat_missing")
	require.ErrorIs(t, err, store.ErrChatNotFound)
}

func TestLoadChatWithUnknownPersonaStaysDetached(t *testing.T) {
	h := newHarness(t, true, defaultAgent)
	ctx := context.Background()

	legacy := `{"Chat_2023-01-01_00-00-00":{"messages":[{"role":"system","content":"Old persona"},{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}],"timestamp":"2023-01-01_00-00-00","title":"Chat_2023-01-01_00-00-00"}}`
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "saved_chats.json"), []byte(legacy), 0o644))

	state, err := h.orch.LoadChat(ctx, "Chat_2023-01-01_00-00-00")
	require.NoError(t, err)
	assert.Empty(t, state.AgentName)
	assert.Equal(t, "Old persona", state.Persona)

	_, err = h.orch.Submit(ctx, "continue")
	require.NoError(t, err)
	s := h.orch.Snapshot()
	require.Len(t, s.Messages, 5, "continuing a detached chat keeps its history")
	assert.Equal(t, "Old persona", h.model.calls[0].spec.Persona)
	assert.False(t, h.model.calls[0].spec.SchemaMode)
}

func TestSaveEmptyChatRejected(t *testing.T) {
	h := newHarness(t, true, defaultAgent)
	h.orch.Reset()
	_, err := h.orch.SaveChat(context.Background())
	require.ErrorIs(t, err, store.ErrEmptyTranscript)
}

func TestAgentManagement(t *testing.T) {
	h := newHarness(t, true, defaultAgent)
	ctx := context.Background()

	added, err := h.orch.AddAgent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Agent 2", added.Name)
	assert.Equal(t, domain.NewAgentPersona, added.Persona)

	updated, err := h.orch.UpdateSchema(ctx, "Agent 2", `{"type":"object"}`)
	require.NoError(t, err)
	assert.True(t, updated.SchemaMode())

	_, err = h.orch.UpdateSchema(ctx, "Agent 2", `{broken`)
	require.ErrorIs(t, err, domain.ErrInvalidSchema)
	a, _ := domain.FindAgent(h.orch.Agents(), "Agent 2")
	assert.Equal(t, map[string]any{"type": "object"}, a.ResponseSchema, "previous schema retained")

	require.NoError(t, h.orch.DeleteAgent(ctx, "Agent 2"))
	require.ErrorIs(t, h.orch.DeleteAgent(ctx, "Default Agent"), ErrLastAgent)
	require.ErrorIs(t, h.orch.DeleteAgent(ctx, "Ghost"), ErrUnknownAgent)

	reloaded, err := h.store.LoadAgents(ctx)
	require.NoError(t, err)
	require.Len(t, reloaded, 1)
}

func TestSaveAgentsReanchorsWhenSelectedAgentRemoved(t *testing.T) {
	h := newHarness(t, true, defaultAgent, analyst)
	require.NoError(t, h.orch.SelectAgent(context.Background(), "Analyst"))

	err := h.orch.SaveAgents(context.Background(), []domain.Agent{defaultAgent})
	require.NoError(t, err)

	s := h.orch.Snapshot()
	assert.Equal(t, "Default Agent", s.AgentName)
	assert.Equal(t, domain.SystemMessage(defaultAgent.Persona), s.Messages[0])

	err = h.orch.SaveAgents(context.Background(), []domain.Agent{defaultAgent, defaultAgent})
	require.ErrorIs(t, err, domain.ErrDuplicateAgent)
	assert.Len(t, h.orch.Agents(), 1)
}

func TestReloadIfChanged(t *testing.T) {
	h := newHarness(t, true, defaultAgent)
	ctx := context.Background()

	changed, err := h.orch.ReloadIfChanged(ctx)
	require.NoError(t, err)
	assert.False(t, changed)

	path := filepath.Join(h.dir, "agent_config.json")
	edited := `[{"name":"Default Agent","persona":"You are helpful.","active":true},{"name":"Pirate","persona":"Arr.","active":true}]`
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	changed, err = h.orch.ReloadIfChanged(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, h.orch.Agents(), 2)

	require.NoError(t, os.WriteFile(path, []byte("{corrupt"), 0o644))
	later := future.Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	_, err = h.orch.ReloadIfChanged(ctx)
	require.Error(t, err)
	assert.Len(t, h.orch.Agents(), 2, "previous agents kept on load failure")
}

func TestConcurrentSubmitsDoNotInterleave(t *testing.T) {
	h := newHarness(t, true, defaultAgent)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.orch.Submit(ctx, "q")
		}()
	}
	wg.Wait()

	msgs := h.orch.Snapshot().Messages
	require.Len(t, msgs, 17)
	for i := 1; i < len(msgs); i += 2 {
		assert.Equal(t, domain.RoleUser, msgs[i].Role)
		assert.Equal(t, domain.RoleAssistant, msgs[i+1].Role)
	}
}

func TestSubmitErrorWrapping(t *testing.T) {
	h := newHarness(t, true, defaultAgent)
	h.model.err = agent.ErrMalformedReply
	_, err := h.orch.Submit(context.Background(), "x")
	assert.True(t, errors.Is(err, agent.ErrMalformedReply))
}
