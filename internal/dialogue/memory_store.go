package dialogue

import (
	"context"
	"sync"
)

// MemoryStore is an in-process SessionStore for local development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Get(_ context.Context, callID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[callID].Clone(), nil
}

// Update holds the lock across read, fn and write, so fn always sees the latest session.
func (m *MemoryStore) Update(_ context.Context, callID string, fn func(*Session) (*Session, error)) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.sessions[callID].Clone()
	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return cur, nil
	}
	stored := next.Clone()
	stored.Version = 1
	if cur != nil {
		stored.Version = cur.Version + 1
	}
	m.sessions[callID] = stored
	return stored.Clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, callID)
	return nil
}
