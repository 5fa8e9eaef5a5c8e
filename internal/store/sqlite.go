// Package store provides storage backends for the attendance bot.
//
// This file implements an SQLite-backed store for dedup state and the message log.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/RizDevStudio/bot/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", dsn)

	return &SQLiteStore{db: db}, nil
}

// Load reads both dedup sets.
func (s *SQLiteStore) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	var err error
	if snap.Welcomed, err = queryStrings(ctx, s.db, `SELECT sender_id FROM contacted_senders`); err != nil {
		return Snapshot{}, fmt.Errorf("failed to load contacted senders: %w", err)
	}
	if snap.Processed, err = queryStrings(ctx, s.db, `SELECT message_id FROM processed_messages`); err != nil {
		return Snapshot{}, fmt.Errorf("failed to load processed messages: %w", err)
	}
	slog.Debug("SQLiteStore Load succeeded", "welcomed", len(snap.Welcomed), "processed", len(snap.Processed))
	return snap, nil
}

// Save inserts every entry of both sets in one transaction. Existing rows are kept.
func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dedup save: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if err := insertAll(ctx, tx, `INSERT OR IGNORE INTO contacted_senders (sender_id, created_at) VALUES (?, ?)`, snap.Welcomed, now); err != nil {
		return fmt.Errorf("failed to save contacted senders: %w", err)
	}
	if err := insertAll(ctx, tx, `INSERT OR IGNORE INTO processed_messages (message_id, created_at) VALUES (?, ?)`, snap.Processed, now); err != nil {
		return fmt.Errorf("failed to save processed messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dedup save: %w", err)
	}
	slog.Debug("SQLiteStore Save succeeded", "welcomed", len(snap.Welcomed), "processed", len(snap.Processed))
	return nil
}

func (s *SQLiteStore) RecordMessage(ctx context.Context, msg models.InboundMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin record message: %w", err)
	}
	defer tx.Rollback()

	inserted, err := s.insertMessage(ctx, tx, msg)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	unread := 1
	if msg.FromMe {
		unread = 0
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (chat_id, kind, unread_count, last_message_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (chat_id) DO UPDATE SET
			kind = excluded.kind,
			unread_count = CASE WHEN excluded.unread_count = 0 THEN 0 ELSE conversations.unread_count + 1 END,
			last_message_at = excluded.last_message_at`,
		msg.SenderID, string(msg.ChatKind), unread, msg.ReceivedAt.UTC())
	if err != nil {
		slog.Error("SQLiteStore RecordMessage conversation upsert failed", "error", err, "chat", msg.SenderID)
		return fmt.Errorf("failed to update conversation %s: %w", msg.SenderID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ImportHistory(ctx context.Context, conv models.Conversation, msgs []models.InboundMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin history import: %w", err)
	}
	defer tx.Rollback()

	last := conv.LastMessageAt
	for _, m := range msgs {
		if _, err := s.insertMessage(ctx, tx, m); err != nil {
			return err
		}
		if m.ReceivedAt.After(last) {
			last = m.ReceivedAt
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (chat_id, kind, unread_count, last_message_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (chat_id) DO UPDATE SET
			kind = excluded.kind,
			unread_count = excluded.unread_count,
			last_message_at = COALESCE(excluded.last_message_at, conversations.last_message_at)`,
		conv.ID, string(conv.Kind), conv.UnreadCount, nullTime(last))
	if err != nil {
		return fmt.Errorf("failed to import conversation %s: %w", conv.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit history import: %w", err)
	}
	slog.Debug("SQLiteStore ImportHistory succeeded", "chat", conv.ID, "messages", len(msgs), "unread", conv.UnreadCount)
	return nil
}

func (s *SQLiteStore) Conversations(ctx context.Context) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id, kind, unread_count, last_message_at FROM conversations ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, chatID string, limit int) ([]models.InboundMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, chat_id, chat_kind, body, display_name, sender_phone, from_me, received_at
		FROM messages WHERE chat_id = ? ORDER BY received_at DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages for %s: %w", chatID, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

func (s *SQLiteStore) insertMessage(ctx context.Context, tx *sql.Tx, m models.InboundMessage) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (message_id, chat_id, chat_kind, body, display_name, sender_phone, from_me, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ExternalID, m.SenderID, string(m.ChatKind), m.Body, nilIfEmpty(m.DisplayName), nilIfEmpty(m.SenderPhone), m.FromMe, m.ReceivedAt.UTC())
	if err != nil {
		slog.Error("SQLiteStore insert message failed", "error", err, "chat", m.SenderID, "id", m.ExternalID)
		return false, fmt.Errorf("failed to insert message %s: %w", m.ExternalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert message rows affected check failed: %w", err)
	}
	return n > 0, nil
}
