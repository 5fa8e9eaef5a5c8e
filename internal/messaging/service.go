// Package messaging exposes the chat transport to the rest of the bot as a
// single capability interface.
package messaging

import (
	"context"

	"github.com/RizDevStudio/bot/internal/models"
)

// Service is the transport the bot talks through.
type Service interface {
	// SendMessage sends a text message to a chat.
	SendMessage(ctx context.Context, to string, body string) error

	// Start registers event handling and connects.
	Start(ctx context.Context) error

	// Stop disconnects and closes the event channels.
	Stop() error

	// Inbound returns decoded messages from other users.
	Inbound() <-chan models.InboundMessage

	// States returns connection state transitions.
	States() <-chan models.ConnectionState

	// Conversations lists chats known to the local message log.
	Conversations(ctx context.Context) ([]models.Conversation, error)

	// RecentMessages returns up to limit of the newest messages of a chat,
	// oldest first.
	RecentMessages(ctx context.Context, chatID string, limit int) ([]models.InboundMessage, error)

	// ResolvePhone maps a sender identity to a phone number.
	ResolvePhone(ctx context.Context, senderID string) (string, error)
}
