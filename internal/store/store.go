// Package store provides storage backends for the attendance bot.
//
// It holds the dedup sets (contacted senders, processed message IDs) behind a
// Persister port, and a message log that records conversation history so the
// recovery sweep can re-read recent messages. Backends: JSON files, SQLite,
// PostgreSQL and an in-memory store for tests.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/RizDevStudio/bot/internal/models"
)

// DSN types returned by DetectDSNType
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite3"
)

// Snapshot is a point-in-time copy of both dedup sets.
type Snapshot struct {
	Welcomed  []string `json:"welcomed"`
	Processed []string `json:"processed"`
}

// Persister loads and saves the dedup sets. Both sets are monotonic, so Save
// may add entries but never needs to remove them.
type Persister interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

// MessageLog records conversation history observed by the transport.
type MessageLog interface {
	// RecordMessage stores a live message. Inbound messages increase the
	// conversation's unread count; our own messages reset it.
	RecordMessage(ctx context.Context, msg models.InboundMessage) error

	// ImportHistory stores messages delivered by a history sync and sets the
	// conversation's unread count to the server-reported value.
	ImportHistory(ctx context.Context, conv models.Conversation, msgs []models.InboundMessage) error

	// Conversations lists every known conversation.
	Conversations(ctx context.Context) ([]models.Conversation, error)

	// RecentMessages returns up to limit of the newest messages in chatID,
	// oldest first.
	RecentMessages(ctx context.Context, chatID string, limit int) ([]models.InboundMessage, error)
}

// Store is a backend providing both the dedup persistence and the message log.
type Store interface {
	Persister
	MessageLog
	Close() error
}

// Opts holds configuration options for store construction.
type Opts struct {
	DSN string // database connection string or SQLite file path
}

// Option defines a configuration option for the store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType guesses the database driver for dsn. Anything that does not
// look like a PostgreSQL URL or key=value DSN is treated as a SQLite path.
func DetectDSNType(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		return DSNTypePostgres
	}
	// key=value DSNs: "host=... user=..." or "user=... dbname=..."
	if strings.Contains(trimmed, "host=") || (strings.Contains(trimmed, "=") && strings.Contains(trimmed, " ") && strings.Contains(trimmed, "dbname=")) {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// Open returns the backend matching the configured DSN, or an in-memory store
// when no DSN is set.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("No state DSN configured, using in-memory message log; history will not survive restarts")
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(cfg.DSN) {
	case DSNTypePostgres:
		s, err := NewPostgresStore(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := NewSQLiteStore(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	}
}
