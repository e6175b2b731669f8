package wizard

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/carewizard/model"
)

// MemorySessionStore is an in-process SessionStore.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
	now      func() time.Time
}

// NewMemorySessionStore creates an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]model.Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new session.
func (s *MemorySessionStore) Create(_ context.Context, sess model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("wizard session %q already exists", sess.ID))
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// Get returns a copy of the stored session.
func (s *MemorySessionStore) Get(_ context.Context, id string) (model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[id]
	if !exists {
		return model.Session{}, model.NewSessionNotFoundError(id)
	}
	return sess.Clone(), nil
}

// Update replaces a session with optimistic locking.
func (s *MemorySessionStore) Update(_ context.Context, sess model.Session) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.sessions[sess.ID]
	if !exists {
		return model.Session{}, model.NewSessionNotFoundError(sess.ID)
	}
	if existing.Version != sess.Version {
		return model.Session{}, model.NewConflictError(
			fmt.Sprintf("wizard session %q version conflict (expected %d, got %d)", sess.ID, sess.Version, existing.Version),
		)
	}

	sess.Version++
	sess.UpdatedAt = s.now()
	s.sessions[sess.ID] = sess.Clone()
	return sess, nil
}

// FindExpired returns sessions past their expiry, oldest first.
func (s *MemorySessionStore) FindExpired(_ context.Context, cutoff time.Time) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Session
	for _, sess := range s.sessions {
		if sess.ExpiresAt == nil || !sess.ExpiresAt.Before(cutoff) {
			continue
		}
		result = append(result, sess.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(*result[j].ExpiresAt)
	})
	return result, nil
}

// Delete removes a session.
func (s *MemorySessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[id]; !exists {
		return model.NewSessionNotFoundError(id)
	}
	delete(s.sessions, id)
	return nil
}

// Len returns the number of stored sessions. For testing.
func (s *MemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
