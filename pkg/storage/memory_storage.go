package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/ignatij/goresearch/pkg/models"
	"github.com/pkg/errors"
)

// memoryStore implements Store with in-memory maps. It is safe for concurrent use
// and hands out copies so callers can never alias stored state.
type memoryStore struct {
	sessions map[string]models.Session
	audit    map[string][]models.AuditRecord
	nextID   int64 // For audit row IDs
	mu       sync.RWMutex
}

func NewMemoryStore() Store {
	return &memoryStore{
		sessions: make(map[string]models.Session),
		audit:    make(map[string][]models.AuditRecord),
	}
}

func (m *memoryStore) CreateSession(_ context.Context, s models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return errors.Errorf("session %s already exists", s.ID)
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *memoryStore) GetSession(_ context.Context, id string) (models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return models.Session{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *memoryStore) SaveSession(_ context.Context, s models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.sessions[s.ID]
	if !ok {
		return ErrNotFound
	}
	// Stored records form a prefix of the incoming list; anything else would rewrite history.
	if len(s.Tasks) < len(existing.Tasks) {
		return errors.Errorf("session %s: cannot drop stored task records", s.ID)
	}
	for i, t := range existing.Tasks {
		if s.Tasks[i] != t {
			return errors.Errorf("session %s: task record %d (%s) cannot be rewritten", s.ID, i, t.Name)
		}
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *memoryStore) DeleteSession(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false, nil
	}
	delete(m.sessions, id)
	return true, nil
}

func (m *memoryStore) ListSessions(_ context.Context) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := make([]models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s.Clone())
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (m *memoryStore) AppendAudit(_ context.Context, rec models.AuditRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	m.audit[rec.SessionID] = append(m.audit[rec.SessionID], rec)
	return rec.ID, nil
}

func (m *memoryStore) UpdateAudit(_ context.Context, rec models.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.audit[rec.SessionID]
	for i := range rows {
		if rows[i].ID == rec.ID {
			rows[i] = rec
			return nil
		}
	}
	return ErrNotFound
}

func (m *memoryStore) ListAudit(_ context.Context, sessionID string) ([]models.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := make([]models.AuditRecord, len(m.audit[sessionID]))
	copy(rows, m.audit[sessionID])
	return rows, nil
}

func (m *memoryStore) PurgeAudit(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.audit, sessionID)
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}
