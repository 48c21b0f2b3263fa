// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/lore-engine/internal/domain"
)

// EventLog is the append-only source of truth for sessions.
type EventLog interface {
	// Append writes events atomically after expectedSeq. Sequence numbers
	// must continue from expectedSeq without gaps. Returns the last
	// sequence written, or domain.ErrConcurrentWriteConflict if another
	// writer got there first.
	Append(ctx context.Context, sessionID string, expectedSeq int64, events []domain.Event) (int64, error)

	// ReadEvents returns events with seq greater than afterSeq, ordered.
	ReadEvents(ctx context.Context, sessionID string, afterSeq int64) ([]domain.Event, error)

	// LastSeq returns the highest sequence stored for the session, or 0.
	LastSeq(ctx context.Context, sessionID string) (int64, error)
}

// SnapshotStore caches folded state. Snapshots are never authoritative.
type SnapshotStore interface {
	// LatestSnapshot returns the newest snapshot, or nil if none exists.
	LatestSnapshot(ctx context.Context, sessionID string) (*domain.Snapshot, error)

	// SaveSnapshot stores snap unless a newer one is already present.
	SaveSnapshot(ctx context.Context, snap *domain.Snapshot) error

	// DeleteSnapshots drops cached state for a session.
	DeleteSnapshots(ctx context.Context, sessionID string) error
}

// SessionIndex tracks session ownership and coarse status for listing and
// recovery.
type SessionIndex interface {
	// CreateSession inserts a new index row.
	CreateSession(ctx context.Context, rec *domain.SessionRecord) error

	// GetSession returns the index row, or nil if the session is unknown.
	GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error)

	// UpdateSession refreshes status, last sequence and pending task count.
	UpdateSession(ctx context.Context, rec *domain.SessionRecord) error

	// ListSessions returns a user's sessions, newest first.
	ListSessions(ctx context.Context, userID string) ([]*domain.SessionRecord, error)

	// StalePendingSessions returns active sessions with pending advisory
	// tasks that have not been touched for olderThan.
	StalePendingSessions(ctx context.Context, olderThan time.Duration) ([]*domain.SessionRecord, error)
}

// UserStore persists anonymous learners.
type UserStore interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

// Repository bundles every persistence concern behind one handle.
type Repository interface {
	EventLog
	SnapshotStore
	SessionIndex
	UserStore

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
