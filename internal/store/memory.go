package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/lore-engine/internal/domain"
)

// MemoryStore is an in-process Repository. Data is lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	events    map[string][]domain.Event
	snapshots map[string][]byte
	sessions  map[string]domain.SessionRecord
	users     map[string]domain.User
	now       func() time.Time
}

var _ Repository = (*MemoryStore)(nil)

// NewMemory returns an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		events:    make(map[string][]domain.Event),
		snapshots: make(map[string][]byte),
		sessions:  make(map[string]domain.SessionRecord),
		users:     make(map[string]domain.User),
		now:       time.Now,
	}
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// Append writes events atomically after expectedSeq.
func (m *MemoryStore) Append(_ context.Context, sessionID string, expectedSeq int64, events []domain.Event) (int64, error) {
	if err := checkBatch(sessionID, expectedSeq, events); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.events[sessionID]
	current := int64(len(log))
	if current != expectedSeq {
		return 0, fmt.Errorf("%w: session %s expected seq %d, log is at %d", domain.ErrConcurrentWriteConflict, sessionID, expectedSeq, current)
	}
	if len(events) == 0 {
		return current, nil
	}
	for _, evt := range events {
		evt.Payload = append(json.RawMessage(nil), evt.Payload...)
		log = append(log, evt)
	}
	m.events[sessionID] = log
	return events[len(events)-1].Seq, nil
}

// ReadEvents returns events after afterSeq in order.
func (m *MemoryStore) ReadEvents(_ context.Context, sessionID string, afterSeq int64) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.events[sessionID]
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(log)) {
		return nil, nil
	}
	out := make([]domain.Event, 0, int64(len(log))-afterSeq)
	for _, evt := range log[afterSeq:] {
		evt.Payload = append(json.RawMessage(nil), evt.Payload...)
		out = append(out, evt)
	}
	return out, nil
}

// LastSeq returns the highest stored sequence for the session.
func (m *MemoryStore) LastSeq(_ context.Context, sessionID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.events[sessionID])), nil
}

// LatestSnapshot returns the newest snapshot or nil.
func (m *MemoryStore) LatestSnapshot(_ context.Context, sessionID string) (*domain.Snapshot, error) {
	m.mu.RLock()
	raw, ok := m.snapshots[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// SaveSnapshot stores snap unless a newer one exists.
func (m *MemoryStore) SaveSnapshot(_ context.Context, snap *domain.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.snapshots[snap.SessionID]; ok {
		var prev domain.Snapshot
		if json.Unmarshal(existing, &prev) == nil && prev.Seq > snap.Seq {
			return nil
		}
	}
	m.snapshots[snap.SessionID] = raw
	return nil
}

// DeleteSnapshots drops cached state for a session.
func (m *MemoryStore) DeleteSnapshots(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, sessionID)
	return nil
}

// CreateSession inserts an index row.
func (m *MemoryStore) CreateSession(_ context.Context, rec *domain.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[rec.ID]; ok {
		return fmt.Errorf("%w: session %s already exists", domain.ErrConcurrentWriteConflict, rec.ID)
	}
	m.sessions[rec.ID] = *rec
	return nil
}

// GetSession returns the index row or nil.
func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*domain.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// UpdateSession refreshes derived columns, ignoring stale updates.
func (m *MemoryStore) UpdateSession(_ context.Context, rec *domain.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.sessions[rec.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, rec.ID)
	}
	if rec.LastSeq < existing.LastSeq {
		return nil
	}
	existing.Status = rec.Status
	existing.LastSeq = rec.LastSeq
	existing.PendingTasks = rec.PendingTasks
	existing.UpdatedAt = rec.UpdatedAt
	m.sessions[rec.ID] = existing
	return nil
}

// ListSessions returns a user's sessions, newest first.
func (m *MemoryStore) ListSessions(_ context.Context, userID string) ([]*domain.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.SessionRecord
	for _, rec := range m.sessions {
		if rec.UserID == userID {
			r := rec
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// StalePendingSessions returns active sessions with pending tasks idle
// for at least olderThan.
func (m *MemoryStore) StalePendingSessions(_ context.Context, olderThan time.Duration) ([]*domain.SessionRecord, error) {
	threshold := m.now().Add(-olderThan)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.SessionRecord
	for _, rec := range m.sessions {
		if rec.Status == domain.StatusActive && rec.PendingTasks > 0 && !rec.UpdatedAt.After(threshold) {
			r := rec
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// GetUser retrieves a user by their user ID.
func (m *MemoryStore) GetUser(_ context.Context, userID string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// UpsertUser creates or updates a user record.
func (m *MemoryStore) UpsertUser(_ context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.users[user.UserID]; ok {
		existing.Username = user.Username
		existing.LastSeenAt = user.LastSeenAt
		existing.UpdatedAt = user.UpdatedAt
		m.users[user.UserID] = existing
		return nil
	}
	m.users[user.UserID] = *user
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (m *MemoryStore) UpdateLastSeen(_ context.Context, userID string, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.LastSeenAt = lastSeen
		u.UpdatedAt = m.now()
		m.users[userID] = u
	}
	return nil
}
