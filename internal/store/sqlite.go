package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/datachat/internal/domain"
	"github.com/ashureev/datachat/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteTranscripts implements TranscriptStore using SQLite.
type SQLiteTranscripts struct {
	db *sql.DB
	mu sync.Mutex // serializes collection rewrites to prevent SQLITE_BUSY
}

// NewSQLiteTranscripts opens (or creates) the saved chat database at dbPath.
func NewSQLiteTranscripts(dbPath string) (*SQLiteTranscripts, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single writer keeps whole-collection rewrites from racing each other.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteTranscripts{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteTranscripts) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS saved_chats (
		chat_key TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		messages_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteTranscripts) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Load returns every saved chat.
func (s *SQLiteTranscripts) Load(ctx context.Context) (map[string]domain.SavedChat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_key, title, timestamp, messages_json FROM saved_chats`)
	if err != nil {
		return nil, fmt.Errorf("query saved chats: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close saved chat rows", "error", closeErr)
		}
	}()

	chats := make(map[string]domain.SavedChat)
	for rows.Next() {
		var chat domain.SavedChat
		var messagesJSON string
		if err := rows.Scan(&chat.Key, &chat.Title, &chat.Timestamp, &messagesJSON); err != nil {
			return nil, fmt.Errorf("scan saved chat row: %w", err)
		}
		if err := json.Unmarshal([]byte(messagesJSON), &chat.Messages); err != nil {
			return nil, fmt.Errorf("decode messages for %s: %w", chat.Key, err)
		}
		chats[chat.Key] = chat
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saved chats: %w", err)
	}
	return chats, nil
}

// Save replaces the stored collection inside one transaction.
func (s *SQLiteTranscripts) Save(ctx context.Context, chats map[string]domain.SavedChat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded := make(map[string]string, len(chats))
	for key, chat := range chats {
		data, err := json.Marshal(chat.Messages)
		if err != nil {
			return fmt.Errorf("encode messages for %s: %w", key, err)
		}
		encoded[key] = string(data)
	}

	return shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "save_chats", func() error {
		return s.replaceAll(ctx, chats, encoded)
	})
}

func (s *SQLiteTranscripts) replaceAll(ctx context.Context, chats map[string]domain.SavedChat, encoded map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM saved_chats`); err != nil {
		return fmt.Errorf("clear saved chats: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO saved_chats (chat_key, title, timestamp, messages_json, updated_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().Unix()
	for key, chat := range chats {
		if _, err := stmt.ExecContext(ctx, key, chat.Title, chat.Timestamp, encoded[key], now); err != nil {
			return fmt.Errorf("insert saved chat %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit saved chats: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteTranscripts) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
