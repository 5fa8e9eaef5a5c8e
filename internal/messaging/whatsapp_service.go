package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/RizDevStudio/bot/internal/models"
	"github.com/RizDevStudio/bot/internal/store"
	"github.com/RizDevStudio/bot/internal/util"
	"github.com/RizDevStudio/bot/internal/whatsapp"
)

const (
	// DefaultChannelBufferSize is the buffer of the inbound and state channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an event waits for a slow consumer.
	DefaultChannelTimeout = 1 * time.Second
)

// Client is what WhatsAppService needs from the whatsapp package.
type Client interface {
	whatsapp.WhatsAppSender
	ResolvePhone(ctx context.Context, senderID string) (string, error)
}

// WhatsAppService implements Service on top of whatsmeow, recording every
// message it sees into a MessageLog.
type WhatsAppService struct {
	client   Client
	waClient *whatsapp.Client // nil for mocks
	parser   whatsapp.WebMessageParser
	log      store.MessageLog

	mu        sync.RWMutex
	closed    bool
	inbound   chan models.InboundMessage
	states    chan models.ConnectionState
	handlerID uint32
}

// NewWhatsAppService creates a service around client. log receives every
// inbound, outbound and history-sync message.
func NewWhatsAppService(client Client, log store.MessageLog) *WhatsAppService {
	s := &WhatsAppService{
		client:  client,
		log:     log,
		inbound: make(chan models.InboundMessage, DefaultChannelBufferSize),
		states:  make(chan models.ConnectionState, DefaultChannelBufferSize),
	}
	if wc, ok := client.(*whatsapp.Client); ok {
		s.waClient = wc
		s.parser = wc.GetClient()
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return s
}

// Start registers the event handler and connects.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
		return nil
	}
	s.handlerID = s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		s.handleEvent(ctx, evt)
	})
	if err := s.waClient.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect WhatsApp: %w", err)
	}
	return nil
}

// Stop disconnects and closes the channels. It is safe to call twice.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.waClient != nil {
		s.waClient.GetClient().RemoveEventHandler(s.handlerID)
		s.waClient.Disconnect()
	}
	close(s.inbound)
	close(s.states)
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// SendMessage sends a message and records it as self-authored.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if err := s.client.SendMessage(ctx, to, body); err != nil {
		return err
	}
	jid, err := whatsapp.ParseRecipient(to)
	if err != nil {
		slog.Debug("WhatsAppService.SendMessage: not recording message to unparsable recipient", "to", to)
		return nil
	}
	out := models.InboundMessage{
		SenderID:   jid.ToNonAD().String(),
		ExternalID: util.GenerateRandomID("out_", 16),
		Body:       body,
		ReceivedAt: time.Now(),
		ChatKind:   whatsapp.ChatKindOf(jid),
		FromMe:     true,
	}
	if err := s.log.RecordMessage(ctx, out); err != nil {
		slog.Warn("WhatsAppService.SendMessage: failed to record outbound message", "to", to, "error", err)
	}
	return nil
}

func (s *WhatsAppService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}

func (s *WhatsAppService) States() <-chan models.ConnectionState {
	return s.states
}

func (s *WhatsAppService) Conversations(ctx context.Context) ([]models.Conversation, error) {
	return s.log.Conversations(ctx)
}

func (s *WhatsAppService) RecentMessages(ctx context.Context, chatID string, limit int) ([]models.InboundMessage, error) {
	return s.log.RecentMessages(ctx, chatID, limit)
}

func (s *WhatsAppService) ResolvePhone(ctx context.Context, senderID string) (string, error) {
	return s.client.ResolvePhone(ctx, senderID)
}

func (s *WhatsAppService) handleEvent(ctx context.Context, evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleMessage(ctx, v)
	case *events.HistorySync:
		s.handleHistorySync(ctx, v)
	default:
		if state, ok := whatsapp.StateOf(evt); ok {
			slog.Info("WhatsAppService connection state changed", "state", state)
			s.emitState(state)
		}
	}
}

func (s *WhatsAppService) handleMessage(ctx context.Context, evt *events.Message) {
	msg, ok := whatsapp.ToInbound(evt)
	if !ok {
		slog.Debug("WhatsAppService ignoring non-text message", "chat", evt.Info.Chat.String())
		return
	}
	if err := s.log.RecordMessage(ctx, msg); err != nil {
		slog.Warn("WhatsAppService failed to record message", "id", msg.ExternalID, "error", err)
	}
	if msg.FromMe {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.inbound <- msg:
		slog.Debug("WhatsAppService incoming message forwarded", "id", msg.ExternalID, "chat", msg.SenderID)
	case <-time.After(DefaultChannelTimeout):
		// Recorded above, so the next backlog sweep still sees it.
		slog.Warn("WhatsAppService inbound channel blocked, dropping message", "id", msg.ExternalID, "timeout", DefaultChannelTimeout)
	}
}

func (s *WhatsAppService) handleHistorySync(ctx context.Context, evt *events.HistorySync) {
	if s.parser == nil || evt.Data == nil {
		return
	}
	convs := whatsapp.DecodeHistorySync(s.parser, evt.Data)
	imported := 0
	for _, hc := range convs {
		if err := s.log.ImportHistory(ctx, hc.Conversation, hc.Messages); err != nil {
			slog.Warn("WhatsAppService failed to import history", "chat", hc.Conversation.ID, "error", err)
			continue
		}
		imported += len(hc.Messages)
	}
	slog.Info("WhatsAppService history sync imported", "type", evt.Data.GetSyncType().String(), "conversations", len(convs), "messages", imported)
}

func (s *WhatsAppService) emitState(state models.ConnectionState) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.states <- state:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService states channel blocked, dropping state", "state", state)
	}
}
