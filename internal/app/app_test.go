package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/datachat/internal/config"
	"github.com/ashureev/datachat/internal/domain"
	"github.com/ashureev/datachat/internal/executor"
	"github.com/ashureev/datachat/internal/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	t.Setenv("API_KEY", "")
	dir := t.TempDir()
	return &config.Config{
		Port:              "0",
		DataDir:           dir,
		EnvFile:           filepath.Join(dir, "variables.env"),
		AgentConfigPath:   filepath.Join(dir, "agent_config.json"),
		SavedChatsPath:    filepath.Join(dir, "saved_chats.json"),
		TranscriptBackend: backend,
		DBPath:            filepath.Join(dir, "datachat.db"),
		Model:             "gemini-2.0-flash",
		ModelTimeout:      time.Second,
		Dataset:           config.DatasetConfig{Name: "titanic", Path: filepath.Join(dir, "titanic.csv")},
		Executor: config.ExecutorConfig{
			Backend:        config.ExecutorProcess,
			PythonBin:      "datachat-no-such-interpreter",
			Timeout:        time.Second,
			MaxWidthInches: 3,
			DPI:            150,
		},
	}
}

func TestNewWithoutAPIKeyUsesPlaceholders(t *testing.T) {
	for _, backend := range []string{config.TranscriptFile, config.TranscriptSQLite} {
		t.Run(backend, func(t *testing.T) {
			a, err := New(context.Background(), testConfig(t, backend), nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = a.Close() })

			assert.False(t, a.Orchestrator.Credentialed())
			assert.Nil(t, a.Docker)
			assert.IsType(t, &executor.ProcessRunner{}, a.Runner)

			msg, err := a.Orchestrator.Submit(context.Background(), "how many passengers?")
			require.NoError(t, err)
			assert.NotEmpty(t, msg.Content.String())

			saved, err := a.Orchestrator.SaveChat(context.Background())
			require.NoError(t, err)
			got, err := a.Store.GetTranscript(context.Background(), saved.Key)
			require.NoError(t, err)
			assert.Len(t, got.Messages, 3)
		})
	}
}

func TestDefaultAgentMentionsDataset(t *testing.T) {
	a, err := New(context.Background(), testConfig(t, config.TranscriptFile), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	agents := a.Orchestrator.Agents()
	require.Len(t, agents, 1)
	assert.Contains(t, agents[0].Persona, "titanic")
}

func TestNewWithCorruptAgentConfigStartsWithDefaultAgent(t *testing.T) {
	cfg := testConfig(t, config.TranscriptFile)
	require.NoError(t, os.WriteFile(cfg.AgentConfigPath, []byte("{not json"), 0o644))

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	s := a.Orchestrator.Snapshot()
	assert.Equal(t, domain.DefaultAgentName, s.AgentName)
	assert.Contains(t, s.Persona, "titanic")
}

func TestHealthChecksReportMissingDependencies(t *testing.T) {
	a, err := New(context.Background(), testConfig(t, config.TranscriptFile), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	checks := a.HealthChecks()
	require.Len(t, checks, 2)
	assert.Error(t, checks[health.ServiceModel](context.Background()))
	assert.Error(t, checks[health.ServiceExecutor](context.Background()))
}
