package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/datachat/internal/domain"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileStore(t *testing.T, agentFile string) (*ConfigStore, string) {
	t.Helper()
	dir := t.TempDir()
	s := NewConfigStore(
		NewFileAgentStore(filepath.Join(dir, agentFile)),
		NewFileTranscripts(filepath.Join(dir, "saved_chats.json")),
		"titanic.csv",
	)
	return s, dir
}

func sampleTranscript() []domain.Message {
	return []domain.Message{
		domain.SystemMessage("You are a data analyst."),
		domain.UserMessage("plot survival by class"),
		domain.AssistantMessage(domain.StructuredBody(domain.StructuredContent{
			Explanation: "Survival rate by passenger class.",
			Code:        "df.groupby('Pclass')['Survived'].mean().plot.bar()",
			ChartImage:  []byte{0x89, 0x50, 0x4e, 0x47},
		})),
		domain.UserMessage("thanks"),
		domain.AssistantMessage(domain.PlainContent("You're welcome.")),
	}
}

func TestLoadAgentsMissingFileReturnsDefault(t *testing.T) {
	s, _ := newFileStore(t, "agent_config.json")

	agents, err := s.LoadAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, domain.DefaultAgentName, agents[0].Name)
	assert.Contains(t, agents[0].Persona, "titanic.csv")
	assert.False(t, agents[0].SchemaMode())
}

func TestLoadAgentsEmptyFileReturnsDefault(t *testing.T) {
	s, dir := newFileStore(t, "agent_config.json")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agent_config.json"), []byte("[]"), 0o644))

	agents, err := s.LoadAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, domain.DefaultAgentName, agents[0].Name)
}

func TestLoadAgentsCorruptFile(t *testing.T) {
	s, dir := newFileStore(t, "agent_config.json")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agent_config.json"), []byte("{not json"), 0o644))

	_, err := s.LoadAgents(context.Background())
	assert.Error(t, err)
}

func TestSaveAgentsRoundTrip(t *testing.T) {
	for _, file := range []string{"agent_config.json", "agents.yaml"} {
		t.Run(file, func(t *testing.T) {
			s, _ := newFileStore(t, file)
			ctx := context.Background()

			analyst := domain.Agent{Name: "Analyst", Persona: "You write pandas code.", Active: true}
			require.NoError(t, analyst.SetResponseSchema(`{"type":"object","properties":{"code":{"type":"string"}}}`))
			want := []domain.Agent{domain.DefaultAgent("titanic.csv"), analyst}

			require.NoError(t, s.SaveAgents(ctx, want))

			got, err := s.LoadAgents(ctx)
			require.NoError(t, err)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("agents mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSaveAgentsRejectsDuplicates(t *testing.T) {
	s, dir := newFileStore(t, "agent_config.json")

	err := s.SaveAgents(context.Background(), []domain.Agent{
		{Name: "A", Persona: "one"},
		{Name: "A", Persona: "two"},
	})
	require.ErrorIs(t, err, domain.ErrDuplicateAgent)

	_, statErr := os.Stat(filepath.Join(dir, "agent_config.json"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "nothing should be written on validation failure")
}

func TestNeedsReload(t *testing.T) {
	s, dir := newFileStore(t, "agent_config.json")
	path := filepath.Join(dir, "agent_config.json")

	changed, seen, err := s.NeedsReload(time.Time{})
	require.NoError(t, err)
	assert.False(t, changed, "missing file is not a change")

	require.NoError(t, s.SaveAgents(context.Background(), []domain.Agent{domain.NewAgent(1)}))
	stamp := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, stamp, stamp))

	changed, seen, err = s.NeedsReload(seen)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, _, err = s.NeedsReload(seen)
	require.NoError(t, err)
	assert.False(t, changed, "second check without edits must report no change")

	later := stamp.Add(30 * time.Second)
	require.NoError(t, os.Chtimes(path, later, later))
	changed, _, err = s.NeedsReload(seen)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestSaveTranscriptRejectsEmpty(t *testing.T) {
	s, dir := newFileStore(t, "agent_config.json")

	_, err := s.SaveTranscript(context.Background(), nil)
	require.ErrorIs(t, err, ErrEmptyTranscript)

	_, statErr := os.Stat(filepath.Join(dir, "saved_chats.json"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func testTranscriptLifecycle(t *testing.T, s *ConfigStore) {
	t.Helper()
	ctx := context.Background()

	first := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return first }
	saved, err := s.SaveTranscript(ctx, sampleTranscript())
	require.NoError(t, err)
	assert.Equal(t, "Chat_2024-03-01_09-30-00", saved.Key)
	assert.Equal(t, saved.Key, saved.Title)

	s.now = func() time.Time { return first.Add(time.Hour) }
	second, err := s.SaveTranscript(ctx, sampleTranscript()[:2])
	require.NoError(t, err)

	list, err := s.ListTranscripts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, saved.Key, list[0].Key)
	assert.Equal(t, second.Key, list[1].Key)

	got, err := s.GetTranscript(ctx, saved.Key)
	require.NoError(t, err)
	if diff := cmp.Diff(sampleTranscript(), got.Messages); diff != "" {
		t.Errorf("transcript mismatch (-want +got):\n%s", diff)
	}
	require.NotNil(t, got.Messages[2].Content.Structured)
	assert.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47}, got.Messages[2].Content.Structured.ChartImage)

	require.NoError(t, s.DeleteTranscript(ctx, saved.Key))
	_, err = s.GetTranscript(ctx, saved.Key)
	require.ErrorIs(t, err, ErrChatNotFound)

	require.NoError(t, s.DeleteTranscript(ctx, "Chat_missing"), "deleting a missing key is not an error")

	all, err := s.LoadTranscripts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFileTranscriptLifecycle(t *testing.T) {
	s, _ := newFileStore(t, "agent_config.json")
	require.NoError(t, s.Ping(context.Background()))
	testTranscriptLifecycle(t, s)
}

func TestSQLiteTranscriptLifecycle(t *testing.T) {
	dir := t.TempDir()
	transcripts, err := NewSQLiteTranscripts(filepath.Join(dir, "datachat.db"))
	require.NoError(t, err)

	s := NewConfigStore(NewFileAgentStore(filepath.Join(dir, "agent_config.json")), transcripts, "")
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Ping(context.Background()))
	testTranscriptLifecycle(t, s)
}

func TestFileTranscriptsLegacyPlainContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved_chats.json")
	legacy := `{
  "Chat_2023-12-31_23-59-59": {
    "messages": [
      {"role": "system", "content": "persona"},
      {"role": "user", "content": "hi"},
      {"role": "assistant", "content": "hello"}
    ],
    "timestamp": "2023-12-31_23-59-59",
    "title": "Chat_2023-12-31_23-59-59"
  }
}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	chats, err := NewFileTranscripts(path).Load(context.Background())
	require.NoError(t, err)
	chat, ok := chats["Chat_2023-12-31_23-59-59"]
	require.True(t, ok)
	assert.Equal(t, "Chat_2023-12-31_23-59-59", chat.Key)
	require.Len(t, chat.Messages, 3)
	assert.Equal(t, "hello", chat.Messages[2].Content.Text)
	assert.False(t, chat.Messages[2].Content.IsStructured())
}
