// Package conversation provides conversation transcript stores.
package conversation

import (
	"context"
	"sync"

	"github.com/hupe1980/crewmesh/core"
)

// InMemoryStore is a volatile core.ConversationStore implementation storing
// transcripts in a process local map. It is safe for concurrent access and
// best suited for tests or ephemeral demo servers. Returned slices are
// copies to prevent external mutation of internal state.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string][]core.Message
}

// NewInMemoryStore constructs an empty in-memory conversation store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{conversations: make(map[string][]core.Message)}
}

// AppendMessage adds a message, creating the conversation lazily.
func (s *InMemoryStore) AppendMessage(_ context.Context, conversationID string, msg core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conversationID] = append(s.conversations[conversationID], msg)
	return nil
}

// Messages returns a copy of the transcript in append order.
func (s *InMemoryStore) Messages(_ context.Context, conversationID string) ([]core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.conversations[conversationID]
	out := make([]core.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}
