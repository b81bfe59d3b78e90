package store

import (
	"errors"
	"sync"
	"time"

	"github.com/dunamismax/optipix/internal/editor"
)

var ErrSessionNotFound = errors.New("session not found")

// Entry is one live session plus the metadata the API keeps next to it.
type Entry struct {
	Session    *editor.Session
	WebhookURL string
	CreatedAt  time.Time
	LastSeen   time.Time
}

type SessionStore interface {
	Create(entry Entry)
	Get(id string) (Entry, bool)
	Delete(id string) bool
	Sweep(cutoff time.Time) []string
	Len() int
}

// MemorySessionStore keeps sessions in process memory only.
type MemorySessionStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		entries: make(map[string]Entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemorySessionStore) Create(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.LastSeen = now
	s.entries[entry.Session.ID()] = entry
}

// Get returns the entry and marks it as recently used.
func (s *MemorySessionStore) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	entry.LastSeen = s.now()
	s.entries[id] = entry
	return entry, true
}

func (s *MemorySessionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	return true
}

// Sweep drops sessions not used since cutoff and returns their ids.
func (s *MemorySessionStore) Sweep(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, entry := range s.entries {
		if entry.LastSeen.Before(cutoff) {
			delete(s.entries, id)
			removed = append(removed, id)
		}
	}
	return removed
}

func (s *MemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
