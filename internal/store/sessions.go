package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/SchemaPipe/internal/models"
)

// DefaultSessionTTL is how long an idle session is kept.
const DefaultSessionTTL = 24 * time.Hour

type sessionEntry struct {
	state     *models.ConversationState
	expiresAt time.Time
}

// InMemorySessionStore keeps session state in process memory with an idle TTL.
type InMemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]sessionEntry
	ttl      time.Duration
	now      func() time.Time
}

// NewInMemorySessionStore creates a session store. A non-positive ttl disables expiry.
func NewInMemorySessionStore(ttl time.Duration) *InMemorySessionStore {
	return &InMemorySessionStore{
		sessions: make(map[string]sessionEntry),
		ttl:      ttl,
		now:      time.Now,
	}
}

// GetSession returns a copy of the stored state or ErrSessionNotFound.
func (s *InMemorySessionStore) GetSession(ctx context.Context, id string) (*models.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.ttl > 0 && s.now().After(entry.expiresAt) {
		slog.Debug("InMemorySessionStore.GetSession: session expired", "session_id", id)
		delete(s.sessions, id)
		return nil, ErrSessionNotFound
	}
	return entry.state.Clone(), nil
}

// SaveSession stores a copy of state and refreshes its expiry.
func (s *InMemorySessionStore) SaveSession(ctx context.Context, id string, state *models.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = sessionEntry{state: state.Clone(), expiresAt: s.now().Add(s.ttl)}
	return nil
}

// DeleteSession removes a session. Deleting an unknown session is not an error.
func (s *InMemorySessionStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// Sweep drops expired sessions and returns how many were removed.
func (s *InMemorySessionStore) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id, entry := range s.sessions {
		if now.After(entry.expiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("InMemorySessionStore.Sweep: expired sessions removed", "count", removed)
	}
	return removed
}

// Close is a no-op for the in-memory store.
func (s *InMemorySessionStore) Close() error {
	return nil
}
