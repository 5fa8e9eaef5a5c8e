// Package store provides storage backends for the attendance bot.
//
// This file implements a PostgreSQL-backed store for dedup state and the message log.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/RizDevStudio/bot/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 10
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 10
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	var err error
	if snap.Welcomed, err = queryStrings(ctx, s.db, `SELECT sender_id FROM contacted_senders`); err != nil {
		return Snapshot{}, fmt.Errorf("failed to load contacted senders: %w", err)
	}
	if snap.Processed, err = queryStrings(ctx, s.db, `SELECT message_id FROM processed_messages`); err != nil {
		return Snapshot{}, fmt.Errorf("failed to load processed messages: %w", err)
	}
	slog.Debug("PostgresStore Load succeeded", "welcomed", len(snap.Welcomed), "processed", len(snap.Processed))
	return snap, nil
}

func (s *PostgresStore) Save(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dedup save: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if err := insertAll(ctx, tx, `INSERT INTO contacted_senders (sender_id, created_at) VALUES ($1, $2) ON CONFLICT (sender_id) DO NOTHING`, snap.Welcomed, now); err != nil {
		return fmt.Errorf("failed to save contacted senders: %w", err)
	}
	if err := insertAll(ctx, tx, `INSERT INTO processed_messages (message_id, created_at) VALUES ($1, $2) ON CONFLICT (message_id) DO NOTHING`, snap.Processed, now); err != nil {
		return fmt.Errorf("failed to save processed messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dedup save: %w", err)
	}
	slog.Debug("PostgresStore Save succeeded", "welcomed", len(snap.Welcomed), "processed", len(snap.Processed))
	return nil
}

func (s *PostgresStore) RecordMessage(ctx context.Context, msg models.InboundMessage) error {
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
		INSERT INTO conversations (chat_id, kind, unread_count, last_message_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (chat_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			unread_count = CASE WHEN EXCLUDED.unread_count = 0 THEN 0 ELSE conversations.unread_count + 1 END,
			last_message_at = GREATEST(conversations.last_message_at, EXCLUDED.last_message_at)`,
		msg.SenderID, string(msg.ChatKind), unread, msg.ReceivedAt.UTC())
	if err != nil {
		slog.Error("PostgresStore RecordMessage conversation upsert failed", "error", err, "chat", msg.SenderID)
		return fmt.Errorf("failed to update conversation %s: %w", msg.SenderID, err)
	}
	return tx.Commit()
}

func (s *PostgresStore) ImportHistory(ctx context.Context, conv models.Conversation, msgs []models.InboundMessage) error {
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
		INSERT INTO conversations (chat_id, kind, unread_count, last_message_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (chat_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			unread_count = EXCLUDED.unread_count,
			last_message_at = GREATEST(conversations.last_message_at, EXCLUDED.last_message_at)`,
		conv.ID, string(conv.Kind), conv.UnreadCount, nullTime(last))
	if err != nil {
		return fmt.Errorf("failed to import conversation %s: %w", conv.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit history import: %w", err)
	}
	slog.Debug("PostgresStore ImportHistory succeeded", "chat", conv.ID, "messages", len(msgs), "unread", conv.UnreadCount)
	return nil
}

func (s *PostgresStore) Conversations(ctx context.Context) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id, kind, unread_count, last_message_at FROM conversations ORDER BY last_message_at DESC NULLS LAST`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

func (s *PostgresStore) RecentMessages(ctx context.Context, chatID string, limit int) ([]models.InboundMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, chat_id, chat_kind, body, display_name, sender_phone, from_me, received_at
		FROM messages WHERE chat_id = $1 ORDER BY received_at DESC LIMIT $2`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages for %s: %w", chatID, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Close closes the Postgres connection pool.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

func (s *PostgresStore) insertMessage(ctx context.Context, tx *sql.Tx, m models.InboundMessage) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (message_id, chat_id, chat_kind, body, display_name, sender_phone, from_me, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (message_id, chat_id) DO NOTHING`,
		m.ExternalID, m.SenderID, string(m.ChatKind), m.Body, nilIfEmpty(m.DisplayName), nilIfEmpty(m.SenderPhone), m.FromMe, m.ReceivedAt.UTC())
	if err != nil {
		slog.Error("PostgresStore insert message failed", "error", err, "chat", m.SenderID, "id", m.ExternalID)
		return false, fmt.Errorf("failed to insert message %s: %w", m.ExternalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert message rows affected check failed: %w", err)
	}
	return n > 0, nil
}
