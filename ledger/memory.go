package ledger

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore keeps sessions in process memory. Each session carries its
// own mutex, so updates on distinct sessions proceed in parallel; the
// outer lock only guards the map itself.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

type sessionEntry struct {
	mu sync.Mutex
	s  *Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*sessionEntry)}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	if !s.Balance.Conserved() {
		return ErrBalanceNotConserved
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrSessionExists
	}
	m.sessions[s.ID] = &sessionEntry{s: s.Clone()}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	entry, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.s.Clone(), nil
}

// Update applies fn to a private clone and swaps it in only on success,
// so a failing callback leaves the stored record untouched.
func (m *MemoryStore) Update(_ context.Context, id string, fn func(*Session) error) (*Session, error) {
	m.mu.RLock()
	entry, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	next := entry.s.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if !next.Balance.Conserved() {
		return nil, ErrBalanceNotConserved
	}
	entry.s = next
	return next.Clone(), nil
}

func (m *MemoryStore) ListByPayer(_ context.Context, payer string) ([]*Session, error) {
	return m.list(func(s *Session) bool { return strings.EqualFold(s.Payer, payer) })
}

func (m *MemoryStore) ListByReceiver(_ context.Context, receiver string) ([]*Session, error) {
	return m.list(func(s *Session) bool { return strings.EqualFold(s.Receiver, receiver) })
}

func (m *MemoryStore) list(match func(*Session) bool) ([]*Session, error) {
	m.mu.RLock()
	entries := make([]*sessionEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var out []*Session
	for _, e := range entries {
		e.mu.Lock()
		if match(e.s) {
			out = append(out, e.s.Clone())
		}
		e.mu.Unlock()
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
