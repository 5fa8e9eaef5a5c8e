package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/RizDevStudio/bot/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullTime returns nil for the zero time, otherwise t in UTC.
func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// queryStrings runs a single-column query and collects the values.
func queryStrings(ctx context.Context, db *sql.DB, query string) ([]string, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// insertAll executes stmt once per id inside tx. stmt takes (id, created_at).
func insertAll(ctx context.Context, tx *sql.Tx, stmt string, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return err
	}
	defer prepared.Close()
	for _, id := range ids {
		if _, err := prepared.ExecContext(ctx, id, now); err != nil {
			return err
		}
	}
	return nil
}

// scanConversations scans conversation rows (chat_id, kind, unread_count, last_message_at).
func scanConversations(rows *sql.Rows) ([]models.Conversation, error) {
	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		var kind string
		var last sql.NullTime
		if err := rows.Scan(&c.ID, &kind, &c.UnreadCount, &last); err != nil {
			return nil, fmt.Errorf("scan conversation failed: %w", err)
		}
		c.Kind = models.ChatKind(kind)
		if last.Valid {
			c.LastMessageAt = last.Time
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation iteration failed: %w", err)
	}
	return out, nil
}

// scanMessages scans message rows ordered newest first and returns them oldest first.
func scanMessages(rows *sql.Rows) ([]models.InboundMessage, error) {
	var out []models.InboundMessage
	for rows.Next() {
		var m models.InboundMessage
		var kind string
		var displayName, senderPhone sql.NullString
		if err := rows.Scan(&m.ExternalID, &m.SenderID, &kind, &m.Body, &displayName, &senderPhone, &m.FromMe, &m.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan message failed: %w", err)
		}
		m.ChatKind = models.ChatKind(kind)
		m.DisplayName = displayName.String
		m.SenderPhone = senderPhone.String
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message iteration failed: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
