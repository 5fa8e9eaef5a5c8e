package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultFlushInterval is how often dirty dedup sets are written out.
const DefaultFlushInterval = 5 * time.Minute

// DedupStore owns the "welcomed sender" and "processed message" sets.
// Reads and writes hit memory; the Persister is only touched on Load and Flush,
// so a crash can lose the updates made since the last flush.
type DedupStore struct {
	mu        sync.Mutex
	welcomed  map[string]struct{}
	processed map[string]struct{}
	version   uint64 // bumped on every mutation
	saved     uint64 // version covered by the last successful flush
	persister Persister
}

// NewDedupStore creates an empty store backed by p. Call Load before use to
// restore persisted state. p may be nil for a purely in-memory store.
func NewDedupStore(p Persister) *DedupStore {
	return &DedupStore{
		welcomed:  make(map[string]struct{}),
		processed: make(map[string]struct{}),
		persister: p,
	}
}

// Load merges the persisted sets into memory.
func (s *DedupStore) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	snap, err := s.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load dedup state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range snap.Welcomed {
		s.welcomed[id] = struct{}{}
	}
	for _, id := range snap.Processed {
		s.processed[id] = struct{}{}
	}
	slog.Info("Dedup state loaded", "welcomed", len(s.welcomed), "processed", len(s.processed))
	return nil
}

// HasWelcomed reports whether senderID already received the welcome message.
func (s *DedupStore) HasWelcomed(senderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.welcomed[senderID]
	return ok
}

// MarkWelcomed records senderID as contacted. Returns false if it already was.
func (s *DedupStore) MarkWelcomed(senderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.welcomed[senderID]; ok {
		return false
	}
	s.welcomed[senderID] = struct{}{}
	s.version++
	return true
}

// IsProcessed reports whether externalID was already forwarded successfully.
func (s *DedupStore) IsProcessed(externalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[externalID]
	return ok
}

// MarkProcessed records externalID as forwarded. Returns false if it already was.
func (s *DedupStore) MarkProcessed(externalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[externalID]; ok {
		return false
	}
	s.processed[externalID] = struct{}{}
	s.version++
	return true
}

// Counts returns the sizes of the welcomed and processed sets.
func (s *DedupStore) Counts() (welcomed, processed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.welcomed), len(s.processed)
}

// Flush writes both sets through the Persister if anything changed since the
// last successful flush.
func (s *DedupStore) Flush(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	s.mu.Lock()
	if s.version == s.saved {
		s.mu.Unlock()
		return nil
	}
	version := s.version
	snap := Snapshot{
		Welcomed:  sortedKeys(s.welcomed),
		Processed: sortedKeys(s.processed),
	}
	s.mu.Unlock()

	if err := s.persister.Save(ctx, snap); err != nil {
		return fmt.Errorf("failed to flush dedup state: %w", err)
	}

	s.mu.Lock()
	if version > s.saved {
		s.saved = version
	}
	s.mu.Unlock()
	slog.Debug("Dedup state flushed", "welcomed", len(snap.Welcomed), "processed", len(snap.Processed))
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
