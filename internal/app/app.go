// Package app wires configuration into the running components shared by the
// server and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/datachat/internal/agent"
	"github.com/ashureev/datachat/internal/chat"
	"github.com/ashureev/datachat/internal/config"
	"github.com/ashureev/datachat/internal/container"
	"github.com/ashureev/datachat/internal/executor"
	"github.com/ashureev/datachat/internal/health"
	"github.com/ashureev/datachat/internal/metrics"
	"github.com/ashureev/datachat/internal/store"
)

// Runner executes generated code and reports whether it can.
type Runner interface {
	executor.Runner
	Ping(ctx context.Context) error
}

// App holds the wired components.
type App struct {
	Config       *config.Config
	Store        *store.ConfigStore
	Metrics      *metrics.Metrics
	Model        *agent.Service
	Runner       Runner
	Docker       *container.DockerRunner // nil unless EXECUTOR=docker
	Executor     *executor.Executor
	Orchestrator *chat.Orchestrator
}

// New builds every component from cfg. A missing API key is not an error; the
// chat then answers with placeholders.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Metrics: metrics.New()}

	cs, err := NewStore(cfg)
	if err != nil {
		return nil, err
	}
	a.Store = cs

	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		_ = cs.Close()
		return nil, err
	}
	a.Model = agent.NewService(backend, a.Metrics, logger)

	switch cfg.Executor.Backend {
	case config.ExecutorDocker:
		d, err := container.NewDockerRunner(container.Options{
			Image:       cfg.Executor.RunnerImage,
			PythonBin:   cfg.Executor.PythonBin,
			DatasetPath: cfg.Dataset.Path,
		})
		if err != nil {
			_ = cs.Close()
			return nil, fmt.Errorf("create docker runner: %w", err)
		}
		a.Docker = d
		a.Runner = d
	default:
		a.Runner = executor.NewProcessRunner(cfg.Executor.PythonBin, cfg.Dataset.Path)
	}

	a.Executor = executor.New(a.Runner, executor.Options{
		MaxWidthInches: cfg.Executor.MaxWidthInches,
		DPI:            cfg.Executor.DPI,
		Timeout:        cfg.Executor.Timeout,
	}, a.Metrics, logger)

	orch, err := chat.New(ctx, cs, a.Model, a.Executor, chat.Options{
		Model:        cfg.Model,
		ModelTimeout: cfg.ModelTimeout,
		Dataset:      cfg.Dataset.Reference(),
	}, a.Metrics, logger)
	if err != nil {
		_ = cs.Close()
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	a.Orchestrator = orch

	logger.Info("Components initialized",
		"transcripts", cfg.TranscriptBackend,
		"executor", cfg.Executor.Backend,
		"model", cfg.Model,
		"credentialed", a.Model.Available(),
	)
	return a, nil
}

// NewStore opens the agent and transcript stores selected by cfg.
func NewStore(cfg *config.Config) (*store.ConfigStore, error) {
	agents := store.NewFileAgentStore(cfg.AgentConfigPath)

	var transcripts store.TranscriptStore
	switch cfg.TranscriptBackend {
	case config.TranscriptSQLite:
		db, err := store.NewSQLiteTranscripts(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open transcript database: %w", err)
		}
		transcripts = db
	default:
		transcripts = store.NewFileTranscripts(cfg.SavedChatsPath)
	}

	return store.NewConfigStore(agents, transcripts, cfg.Dataset.Reference()), nil
}

func newBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (agent.Backend, error) {
	key, err := config.LoadAPIKey(cfg.EnvFile)
	if err != nil {
		logger.Warn("Failed to read API key, using placeholder replies", "path", cfg.EnvFile, "error", err)
		return nil, nil
	}
	if key == "" {
		logger.Warn("No API key configured, using placeholder replies", "path", cfg.EnvFile)
		return nil, nil
	}

	gb, err := agent.NewGeminiBackend(ctx, key, logger)
	if err != nil {
		if errors.Is(err, agent.ErrNoCredentials) {
			return nil, nil
		}
		return nil, fmt.Errorf("create model backend: %w", err)
	}
	return gb, nil
}

// HealthChecks returns the gRPC health probes for the model and the executor.
func (a *App) HealthChecks() map[string]health.Check {
	return map[string]health.Check{
		health.ServiceModel: func(context.Context) error {
			if !a.Model.Available() {
				return agent.ErrNoCredentials
			}
			return nil
		},
		health.ServiceExecutor: a.Runner.Ping,
	}
}

// Close releases the stores.
func (a *App) Close() error {
	return a.Store.Close()
}
