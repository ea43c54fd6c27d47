// Package session provides diagnosis session storage.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cf-diagnosis-engine/internal/domain"
)

// entry guards one session. Updates to the same session serialize on mu.
type entry struct {
	mu      sync.Mutex
	session *domain.Session
	deleted bool
}

// MemoryStore implements domain.SessionStore in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *logrus.Logger
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore(logger *logrus.Logger) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Create stores a new session. The id must be unused.
func (s *MemoryStore) Create(ctx context.Context, session *domain.Session) error {
	if session == nil || session.ID == "" {
		return domain.NewValidationError("id", "session id is required", nil)
	}
	if !session.Status.IsValid() {
		return domain.NewValidationError("status", "unknown session status", session.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	stored := session.Clone()
	if stored.Assertions == nil {
		stored.Assertions = make(domain.AssertionSet)
	}
	s.entries[session.ID] = &entry{session: stored}
	return nil
}

// Get returns a copy of the session.
func (s *MemoryStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, domain.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, domain.ErrNotFound
	}
	return e.session.Clone(), nil
}

// Update applies fn to a copy of the session while holding the session's
// lock, and stores the copy only if fn succeeds.
func (s *MemoryStore) Update(ctx context.Context, id string, fn func(*domain.Session) error) (*domain.Session, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, domain.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, domain.ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	working := e.session.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.ID = id
	e.session = working
	return working.Clone(), nil
}

// List returns copies of all sessions, newest first.
func (s *MemoryStore) List(ctx context.Context) ([]*domain.Session, error) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*domain.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted {
			out = append(out, e.session.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes a session.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}

	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
	return nil
}

// PurgeStale removes processing sessions created before cutoff.
func (s *MemoryStore) PurgeStale(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, e := range s.entries {
		e.mu.Lock()
		if e.session.Status == domain.StatusProcessing && e.session.CreatedAt.Before(cutoff) {
			e.deleted = true
			delete(s.entries, id)
			purged++
		}
		e.mu.Unlock()
	}

	if purged > 0 && s.logger != nil {
		s.logger.WithFields(logrus.Fields{
			"purged": purged,
			"cutoff": cutoff,
		}).Debug("Purged stale sessions")
	}
	return purged, nil
}

// Len returns the number of stored sessions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}
