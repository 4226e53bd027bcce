// Package store provides persistence of agent definitions and saved chats.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ashureev/datachat/internal/domain"
)

var (
	// ErrNoConfig is returned by an AgentStore when nothing has been saved yet.
	ErrNoConfig = errors.New("no agent configuration")
	// ErrChatNotFound is returned when a saved chat key does not exist.
	ErrChatNotFound = errors.New("saved chat not found")
	// ErrEmptyTranscript is returned when saving a chat with no messages.
	ErrEmptyTranscript = errors.New("no messages to save")
)

// AgentStore persists the full agent set.
type AgentStore interface {
	// Load returns the stored agents or ErrNoConfig when nothing is stored.
	Load(ctx context.Context) ([]domain.Agent, error)

	// Save overwrites the stored agent set.
	Save(ctx context.Context, agents []domain.Agent) error

	// ModTime returns the last modification time, or the zero time if nothing is stored.
	ModTime() (time.Time, error)
}

// TranscriptStore persists the full saved chat collection.
type TranscriptStore interface {
	// Load returns every saved chat keyed by chat key.
	Load(ctx context.Context) (map[string]domain.SavedChat, error)

	// Save overwrites the stored collection.
	Save(ctx context.Context, chats map[string]domain.SavedChat) error

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// ConfigStore owns the agent set and the saved chat collection.
// Every write replaces the stored collection wholesale.
type ConfigStore struct {
	agents      AgentStore
	transcripts TranscriptStore
	dataset     string
	now         func() time.Time
}

// NewConfigStore creates a ConfigStore. dataset is embedded in the default persona.
func NewConfigStore(agents AgentStore, transcripts TranscriptStore, dataset string) *ConfigStore {
	return &ConfigStore{
		agents:      agents,
		transcripts: transcripts,
		dataset:     dataset,
		now:         time.Now,
	}
}

// LoadAgents returns the configured agents, or the synthesized default agent when
// nothing is configured. On error the caller keeps its previous set.
func (s *ConfigStore) LoadAgents(ctx context.Context) ([]domain.Agent, error) {
	agents, err := s.agents.Load(ctx)
	if errors.Is(err, ErrNoConfig) || (err == nil && len(agents) == 0) {
		return []domain.Agent{domain.DefaultAgent(s.dataset)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	return agents, nil
}

// SaveAgents validates and overwrites the whole agent set.
func (s *ConfigStore) SaveAgents(ctx context.Context, agents []domain.Agent) error {
	if err := domain.ValidateAgents(agents); err != nil {
		return err
	}
	if err := s.agents.Save(ctx, agents); err != nil {
		return fmt.Errorf("save agents: %w", err)
	}
	slog.Info("Agent configuration saved", "agents", len(agents))
	return nil
}

// NeedsReload reports whether the agent configuration changed after lastSeen.
// It also returns the observed modification time.
func (s *ConfigStore) NeedsReload(lastSeen time.Time) (bool, time.Time, error) {
	modTime, err := s.agents.ModTime()
	if err != nil {
		return false, lastSeen, fmt.Errorf("stat agent configuration: %w", err)
	}
	return modTime.After(lastSeen), modTime, nil
}

// SaveTranscript snapshots msgs as a new saved chat and persists the collection.
func (s *ConfigStore) SaveTranscript(ctx context.Context, msgs []domain.Message) (domain.SavedChat, error) {
	if len(msgs) == 0 {
		return domain.SavedChat{}, ErrEmptyTranscript
	}

	chats, err := s.transcripts.Load(ctx)
	if err != nil {
		return domain.SavedChat{}, fmt.Errorf("load saved chats: %w", err)
	}

	chat := domain.NewSavedChat(msgs, s.now())
	if chats == nil {
		chats = make(map[string]domain.SavedChat)
	}
	chats[chat.Key] = chat

	if err := s.transcripts.Save(ctx, chats); err != nil {
		return domain.SavedChat{}, fmt.Errorf("save chats: %w", err)
	}
	slog.Info("Chat saved", "key", chat.Key, "messages", len(chat.Messages))
	return chat, nil
}

// LoadTranscripts returns every saved chat keyed by chat key.
func (s *ConfigStore) LoadTranscripts(ctx context.Context) (map[string]domain.SavedChat, error) {
	chats, err := s.transcripts.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load saved chats: %w", err)
	}
	if chats == nil {
		chats = make(map[string]domain.SavedChat)
	}
	return chats, nil
}

// ListTranscripts returns saved chats ordered by key, oldest first.
func (s *ConfigStore) ListTranscripts(ctx context.Context) ([]domain.SavedChat, error) {
	chats, err := s.LoadTranscripts(ctx)
	if err != nil {
		return nil, err
	}
	list := make([]domain.SavedChat, 0, len(chats))
	for _, c := range chats {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	return list, nil
}

// GetTranscript returns one saved chat.
func (s *ConfigStore) GetTranscript(ctx context.Context, key string) (domain.SavedChat, error) {
	chats, err := s.LoadTranscripts(ctx)
	if err != nil {
		return domain.SavedChat{}, err
	}
	chat, ok := chats[key]
	if !ok {
		return domain.SavedChat{}, fmt.Errorf("%w: %s", ErrChatNotFound, key)
	}
	return chat, nil
}

// DeleteTranscript removes key and persists the collection.
// Deleting a missing key is not an error.
func (s *ConfigStore) DeleteTranscript(ctx context.Context, key string) error {
	chats, err := s.LoadTranscripts(ctx)
	if err != nil {
		return err
	}
	delete(chats, key)
	if err := s.transcripts.Save(ctx, chats); err != nil {
		return fmt.Errorf("save chats: %w", err)
	}
	slog.Info("Chat deleted", "key", key, "remaining", len(chats))
	return nil
}

// Ping verifies the transcript storage is reachable.
func (s *ConfigStore) Ping(ctx context.Context) error {
	return s.transcripts.Ping(ctx)
}

// Close releases the transcript storage.
func (s *ConfigStore) Close() error {
	return s.transcripts.Close()
}
