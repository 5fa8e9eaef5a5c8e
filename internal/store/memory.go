package store

import (
	"context"
	"sort"
	"sync"

	"github.com/RizDevStudio/bot/internal/models"
)

// InMemoryStore is a Store that keeps everything in process memory.
type InMemoryStore struct {
	mu            sync.Mutex
	snap          Snapshot
	conversations map[string]*models.Conversation
	messages      map[string][]models.InboundMessage // chat ID -> messages
	seen          map[string]struct{}                // chat ID + message ID
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]models.InboundMessage),
		seen:          make(map[string]struct{}),
	}
}

func (s *InMemoryStore) Load(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Welcomed:  append([]string(nil), s.snap.Welcomed...),
		Processed: append([]string(nil), s.snap.Processed...),
	}, nil
}

func (s *InMemoryStore) Save(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{
		Welcomed:  append([]string(nil), snap.Welcomed...),
		Processed: append([]string(nil), snap.Processed...),
	}
	return nil
}

func (s *InMemoryStore) RecordMessage(ctx context.Context, msg models.InboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.insert(msg) {
		return nil
	}
	conv := s.conversation(msg.SenderID, msg.ChatKind)
	if msg.FromMe {
		conv.UnreadCount = 0
	} else {
		conv.UnreadCount++
	}
	if msg.ReceivedAt.After(conv.LastMessageAt) {
		conv.LastMessageAt = msg.ReceivedAt
	}
	return nil
}

func (s *InMemoryStore) ImportHistory(ctx context.Context, c models.Conversation, msgs []models.InboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversation(c.ID, c.Kind)
	for _, m := range msgs {
		s.insert(m)
		if m.ReceivedAt.After(conv.LastMessageAt) {
			conv.LastMessageAt = m.ReceivedAt
		}
	}
	conv.UnreadCount = c.UnreadCount
	if c.LastMessageAt.After(conv.LastMessageAt) {
		conv.LastMessageAt = c.LastMessageAt
	}
	return nil
}

func (s *InMemoryStore) Conversations(ctx context.Context) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out, nil
}

func (s *InMemoryStore) RecentMessages(ctx context.Context, chatID string, limit int) ([]models.InboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append([]models.InboundMessage(nil), s.messages[chatID]...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt) })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

// insert adds msg unless it was already stored. Caller holds s.mu.
func (s *InMemoryStore) insert(msg models.InboundMessage) bool {
	key := msg.SenderID + "\x00" + msg.ExternalID
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	s.messages[msg.SenderID] = append(s.messages[msg.SenderID], msg)
	return true
}

// conversation returns the entry for id, creating it. Caller holds s.mu.
func (s *InMemoryStore) conversation(id string, kind models.ChatKind) *models.Conversation {
	c, ok := s.conversations[id]
	if !ok {
		c = &models.Conversation{ID: id, Kind: kind}
		s.conversations[id] = c
	}
	return c
}
