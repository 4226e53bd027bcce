// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Executor backends.
const (
	ExecutorProcess = "process"
	ExecutorDocker  = "docker"
)

// Transcript backends.
const (
	TranscriptFile   = "file"
	TranscriptSQLite = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	GRPCHealthPort string
	FrontendURL    string
	DataDir        string
	EnvFile        string
	WatchAgents    bool

	AgentConfigPath   string
	SavedChatsPath    string
	TranscriptBackend string
	DBPath            string

	Model        string
	ModelTimeout time.Duration

	Dataset  DatasetConfig
	Executor ExecutorConfig
	Log      LogConfig
}

// DatasetConfig names the tabular dataset the agents talk about.
type DatasetConfig struct {
	Path string
	Name string
}

// Reference returns the human-readable dataset reference used in personas.
func (d DatasetConfig) Reference() string {
	switch {
	case d.Name != "" && d.Path != "":
		return fmt.Sprintf("%s (%s)", d.Name, d.Path)
	case d.Name != "":
		return d.Name
	default:
		return d.Path
	}
}

// ExecutorConfig controls execution of generated plotting code.
type ExecutorConfig struct {
	Backend        string
	PythonBin      string
	RunnerImage    string
	Timeout        time.Duration
	MaxWidthInches float64
	DPI            int
}

// LogConfig controls log output.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dataDir := getEnv("DATA_DIR", ".")

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		GRPCHealthPort:    getEnv("GRPC_HEALTH_PORT", ""),
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		DataDir:           dataDir,
		EnvFile:           getEnv("ENV_FILE", filepath.Join(dataDir, "variables.env")),
		WatchAgents:       getEnvBool("WATCH_AGENTS", true),
		AgentConfigPath:   getEnv("AGENT_CONFIG_PATH", filepath.Join(dataDir, "agent_config.json")),
		SavedChatsPath:    getEnv("SAVED_CHATS_PATH", filepath.Join(dataDir, "saved_chats.json")),
		TranscriptBackend: strings.ToLower(getEnv("TRANSCRIPT_BACKEND", TranscriptFile)),
		DBPath:            getEnv("DB_PATH", filepath.Join(dataDir, "datachat.db")),
		Model:             getEnv("MODEL", "gemini-2.0-flash"),
		ModelTimeout:      getEnvDuration("MODEL_TIMEOUT", 60*time.Second),
		Dataset: DatasetConfig{
			Path: getEnv("DATASET_PATH", ""),
			Name: getEnv("DATASET_NAME", ""),
		},
		Executor: ExecutorConfig{
			Backend:        strings.ToLower(getEnv("EXECUTOR", ExecutorProcess)),
			PythonBin:      getEnv("PYTHON_BIN", "python3"),
			RunnerImage:    getEnv("RUNNER_IMAGE", "datachat-runner:latest"),
			Timeout:        getEnvDuration("EXEC_TIMEOUT", 30*time.Second),
			MaxWidthInches: getEnvFloat("CHART_MAX_WIDTH_INCHES", 3.0),
			DPI:            getEnvInt("CHART_DPI", 150),
		},
		Log: LogConfig{
			Level:      strings.ToLower(getEnv("LOG_LEVEL", "info")),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 10),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.AgentConfigPath == "" {
		return fmt.Errorf("AGENT_CONFIG_PATH cannot be empty")
	}
	switch c.TranscriptBackend {
	case TranscriptFile:
		if c.SavedChatsPath == "" {
			return fmt.Errorf("SAVED_CHATS_PATH cannot be empty")
		}
	case TranscriptSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	default:
		return fmt.Errorf("TRANSCRIPT_BACKEND must be %q or %q, got %q", TranscriptFile, TranscriptSQLite, c.TranscriptBackend)
	}
	if c.Model == "" {
		return fmt.Errorf("MODEL cannot be empty")
	}
	if c.ModelTimeout <= 0 {
		return fmt.Errorf("MODEL_TIMEOUT must be > 0")
	}
	switch c.Executor.Backend {
	case ExecutorProcess, ExecutorDocker:
	default:
		return fmt.Errorf("EXECUTOR must be %q or %q, got %q", ExecutorProcess, ExecutorDocker, c.Executor.Backend)
	}
	if c.Executor.Timeout <= 0 {
		return fmt.Errorf("EXEC_TIMEOUT must be > 0")
	}
	if c.Executor.MaxWidthInches <= 0 {
		return fmt.Errorf("CHART_MAX_WIDTH_INCHES must be > 0")
	}
	if c.Executor.DPI <= 0 {
		return fmt.Errorf("CHART_DPI must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// LoadAPIKey reads API_KEY from an env-style file.
// A missing file or empty key returns "" with no error; the backend is then disabled.
func LoadAPIKey(path string) (string, error) {
	if v := strings.TrimSpace(os.Getenv("API_KEY")); v != "" {
		return v, nil
	}
	if path == "" {
		return "", nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read env file %s: %w", path, err)
	}
	return strings.TrimSpace(values["API_KEY"]), nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
