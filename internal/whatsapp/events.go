package whatsapp

import (
	"log/slog"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/RizDevStudio/bot/internal/models"
)

// ChatKindOf classifies a chat JID.
func ChatKindOf(jid types.JID) models.ChatKind {
	switch jid.Server {
	case types.DefaultUserServer, types.HiddenUserServer:
		if jid.User == "status" {
			return models.ChatKindBroadcast
		}
		return models.ChatKindDirect
	case types.GroupServer:
		return models.ChatKindGroup
	case types.BroadcastServer:
		return models.ChatKindBroadcast
	case types.NewsletterServer:
		return models.ChatKindNewsletter
	default:
		return models.ChatKindUnknown
	}
}

// PhoneOf returns the phone number of a phone-number JID, or "" for any
// other kind of identity.
func PhoneOf(jid types.JID) string {
	if jid.Server != types.DefaultUserServer || jid.User == "" {
		return ""
	}
	for _, r := range jid.User {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return jid.User
}

// MessageText extracts the user-visible text of a message, or "".
func MessageText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	return msg.GetExtendedTextMessage().GetText()
}

// ToInbound converts a whatsmeow message event. ok is false for events that
// carry no text.
func ToInbound(evt *events.Message) (models.InboundMessage, bool) {
	if evt == nil {
		return models.InboundMessage{}, false
	}
	text := strings.TrimSpace(MessageText(evt.Message))
	if text == "" {
		return models.InboundMessage{}, false
	}
	chat := evt.Info.Chat.ToNonAD()
	msg := models.InboundMessage{
		SenderID:    chat.String(),
		ExternalID:  string(evt.Info.ID),
		Body:        text,
		ReceivedAt:  evt.Info.Timestamp,
		DisplayName: evt.Info.PushName,
		ChatKind:    ChatKindOf(chat),
		FromMe:      evt.Info.IsFromMe,
	}
	if evt.Info.IsGroup {
		msg.ChatKind = models.ChatKindGroup
	}
	if !evt.Info.IsFromMe {
		// LID senders carry their phone number in SenderAlt
		for _, jid := range []types.JID{evt.Info.Sender, evt.Info.SenderAlt, chat} {
			if msg.SenderPhone = PhoneOf(jid.ToNonAD()); msg.SenderPhone != "" {
				break
			}
		}
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	return msg, true
}

// WebMessageParser turns history-sync entries into message events.
// *whatsmeow.Client implements it.
type WebMessageParser interface {
	ParseWebMessage(chatJID types.JID, webMsg *waWeb.WebMessageInfo) (*events.Message, error)
}

// HistoryConversation is one conversation decoded from a history sync.
type HistoryConversation struct {
	Conversation models.Conversation
	Messages     []models.InboundMessage
}

// DecodeHistorySync converts a history-sync blob into conversations with
// their text messages. Entries that fail to parse are skipped.
func DecodeHistorySync(parser WebMessageParser, data *waHistorySync.HistorySync) []HistoryConversation {
	var out []HistoryConversation
	for _, conv := range data.GetConversations() {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			slog.Debug("DecodeHistorySync: skipping conversation with bad JID", "id", conv.GetID(), "error", err)
			continue
		}
		hc := HistoryConversation{
			Conversation: models.Conversation{
				ID:          chatJID.ToNonAD().String(),
				Kind:        ChatKindOf(chatJID),
				UnreadCount: int(conv.GetUnreadCount()),
			},
		}
		if ts := conv.GetConversationTimestamp(); ts > 0 {
			hc.Conversation.LastMessageAt = time.Unix(int64(ts), 0)
		}
		for _, hm := range conv.GetMessages() {
			evt, err := parser.ParseWebMessage(chatJID, hm.GetMessage())
			if err != nil {
				slog.Debug("DecodeHistorySync: failed to parse message", "chat", conv.GetID(), "error", err)
				continue
			}
			if msg, ok := ToInbound(evt); ok {
				hc.Messages = append(hc.Messages, msg)
			}
		}
		out = append(out, hc)
	}
	return out
}

// StateOf maps a connection event to a ConnectionState.
func StateOf(evt interface{}) (models.ConnectionState, bool) {
	switch evt.(type) {
	case *events.Connected:
		return models.StateConnected, true
	case *events.Disconnected, *events.StreamReplaced:
		return models.StateDisconnected, true
	case *events.LoggedOut:
		return models.StateLoggedOut, true
	case *events.QR, *events.PairError:
		return models.StateLoginRequired, true
	default:
		return "", false
	}
}
