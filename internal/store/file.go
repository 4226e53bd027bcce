package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/datachat/internal/domain"
	"gopkg.in/yaml.v3"
)

// writeFileAtomic writes data to a temp file in the target directory and renames it
// into place, so a failed write never leaves a truncated record behind.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op after a successful rename.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func modTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// FileAgentStore keeps the agent set in a single JSON or YAML file.
// The format follows the file extension (.yaml/.yml, anything else is JSON).
type FileAgentStore struct {
	path string
	mu   sync.Mutex
}

// NewFileAgentStore creates an agent store at path.
func NewFileAgentStore(path string) *FileAgentStore {
	return &FileAgentStore{path: path}
}

// Path returns the backing file path.
func (s *FileAgentStore) Path() string {
	return s.path
}

func (s *FileAgentStore) isYAML() bool {
	ext := strings.ToLower(filepath.Ext(s.path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads the agent set.
func (s *FileAgentStore) Load(_ context.Context) ([]domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoConfig
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrNoConfig
	}

	var agents []domain.Agent
	if s.isYAML() {
		err = yaml.Unmarshal(data, &agents)
	} else {
		err = json.Unmarshal(data, &agents)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return agents, nil
}

// Save overwrites the agent file.
func (s *FileAgentStore) Save(_ context.Context, agents []domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		data []byte
		err  error
	)
	if s.isYAML() {
		data, err = yaml.Marshal(agents)
	} else {
		data, err = json.MarshalIndent(agents, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode agents: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

// ModTime returns the file modification time.
func (s *FileAgentStore) ModTime() (time.Time, error) {
	return modTime(s.path)
}

// FileTranscripts keeps every saved chat in one JSON document keyed by chat key.
type FileTranscripts struct {
	path string
	mu   sync.Mutex
}

// NewFileTranscripts creates a transcript store at path.
func NewFileTranscripts(path string) *FileTranscripts {
	return &FileTranscripts{path: path}
}

// Load reads the collection. A missing file is an empty collection.
func (s *FileTranscripts) Load(_ context.Context) (map[string]domain.SavedChat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]domain.SavedChat), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return make(map[string]domain.SavedChat), nil
	}

	chats := make(map[string]domain.SavedChat)
	if err := json.Unmarshal(data, &chats); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	for key, chat := range chats {
		chat.Key = key
		chats[key] = chat
	}
	return chats, nil
}

// Save overwrites the collection.
func (s *FileTranscripts) Save(_ context.Context, chats map[string]domain.SavedChat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if chats == nil {
		chats = map[string]domain.SavedChat{}
	}
	data, err := json.MarshalIndent(chats, "", "  ")
	if err != nil {
		return fmt.Errorf("encode saved chats: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

// Ping checks that the directory holding the collection exists or can be created.
func (s *FileTranscripts) Ping(_ context.Context) error {
	return os.MkdirAll(filepath.Dir(s.path), 0o755)
}

// Close is a no-op.
func (s *FileTranscripts) Close() error {
	return nil
}
