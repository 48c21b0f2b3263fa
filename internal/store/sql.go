package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/lore-engine/internal/domain"
	"github.com/ashureev/lore-engine/internal/shared"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// SQLStore implements Repository on database/sql for SQLite and Postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
}

var _ Repository = (*SQLStore)(nil)

// q rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) q(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Append writes events atomically after expectedSeq.
func (s *SQLStore) Append(ctx context.Context, sessionID string, expectedSeq int64, events []domain.Event) (int64, error) {
	if err := checkBatch(sessionID, expectedSeq, events); err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return expectedSeq, nil
	}

	var last int64
	err := withRetry(ctx, "append events", sessionID, func() error {
		var err error
		last, err = s.appendOnce(ctx, sessionID, expectedSeq, events)
		return err
	})
	return last, err
}

func (s *SQLStore) appendOnce(ctx context.Context, sessionID string, expectedSeq int64, events []domain.Event) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var current int64
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`), sessionID).Scan(&current); err != nil {
		return 0, fmt.Errorf("read last seq: %w", err)
	}
	if current != expectedSeq {
		return 0, fmt.Errorf("%w: session %s expected seq %d, log is at %d", domain.ErrConcurrentWriteConflict, sessionID, expectedSeq, current)
	}

	insert := s.q(`INSERT INTO events (session_id, seq, event_type, payload, created_at) VALUES (?, ?, ?, ?, ?)`)
	for _, evt := range events {
		if _, err := tx.ExecContext(ctx, insert, sessionID, evt.Seq, string(evt.Type), string(evt.Payload), toMillis(evt.Timestamp)); err != nil {
			if shared.IsConstraintError(err) {
				return 0, fmt.Errorf("%w: session %s seq %d already written", domain.ErrConcurrentWriteConflict, sessionID, evt.Seq)
			}
			return 0, fmt.Errorf("insert event %d: %w", evt.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		if shared.IsConstraintError(err) {
			return 0, fmt.Errorf("%w: session %s: %v", domain.ErrConcurrentWriteConflict, sessionID, err)
		}
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return events[len(events)-1].Seq, nil
}

// ReadEvents returns events after afterSeq in order.
func (s *SQLStore) ReadEvents(ctx context.Context, sessionID string, afterSeq int64) ([]domain.Event, error) {
	query := s.q(`
		SELECT seq, event_type, payload, created_at
		FROM events WHERE session_id = ? AND seq > ?
		ORDER BY seq`)

	rows, err := s.db.QueryContext(ctx, query, sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close event rows", "error", closeErr)
		}
	}()

	var events []domain.Event
	for rows.Next() {
		var (
			evt       domain.Event
			typ       string
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&evt.Seq, &typ, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		evt.SessionID = sessionID
		evt.Type = domain.EventType(typ)
		evt.Payload = json.RawMessage(payload)
		evt.Timestamp = fromMillis(createdAt)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// LastSeq returns the highest stored sequence for the session.
func (s *SQLStore) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`), sessionID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("read last seq: %w", err)
	}
	return last, nil
}

// LatestSnapshot returns the newest snapshot or nil.
func (s *SQLStore) LatestSnapshot(ctx context.Context, sessionID string) (*domain.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT seq, state_json, created_at FROM snapshots WHERE session_id = ?`), sessionID)

	var (
		snap      domain.Snapshot
		stateJSON string
		createdAt int64
	)
	err := row.Scan(&snap.Seq, &stateJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot row: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &snap.State); err != nil {
		// A corrupt cache entry is treated as absent.
		slog.Warn("discarding unreadable snapshot", "session_id", sessionID, "seq", snap.Seq, "error", err)
		return nil, nil
	}
	snap.SessionID = sessionID
	snap.CreatedAt = fromMillis(createdAt)
	return &snap, nil
}

// SaveSnapshot upserts the snapshot, keeping the newest sequence.
func (s *SQLStore) SaveSnapshot(ctx context.Context, snap *domain.Snapshot) error {
	stateJSON, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	query := s.q(`
	INSERT INTO snapshots (session_id, seq, state_json, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		seq = excluded.seq,
		state_json = excluded.state_json,
		created_at = excluded.created_at
	WHERE excluded.seq >= snapshots.seq`)

	return withRetry(ctx, "save snapshot", snap.SessionID, func() error {
		if _, err := s.db.ExecContext(ctx, query, snap.SessionID, snap.Seq, string(stateJSON), toMillis(snap.CreatedAt)); err != nil {
			return fmt.Errorf("upsert snapshot: %w", err)
		}
		return nil
	})
}

// DeleteSnapshots drops cached state for a session.
func (s *SQLStore) DeleteSnapshots(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM snapshots WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	return nil
}

// CreateSession inserts an index row.
func (s *SQLStore) CreateSession(ctx context.Context, rec *domain.SessionRecord) error {
	query := s.q(`
	INSERT INTO sessions (session_id, user_id, challenge_id, status, last_seq, pending_tasks, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.UserID, rec.ChallengeID, string(rec.Status), rec.LastSeq, rec.PendingTasks,
		toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt),
	)
	if err != nil {
		if shared.IsConstraintError(err) {
			return fmt.Errorf("%w: session %s already exists", domain.ErrConcurrentWriteConflict, rec.ID)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `session_id, user_id, challenge_id, status, last_seq, pending_tasks, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.SessionRecord, error) {
	var (
		rec                  domain.SessionRecord
		status               string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.ChallengeID, &status, &rec.LastSeq, &rec.PendingTasks, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.Status = domain.Status(status)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}

// GetSession returns the index row or nil.
func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`), sessionID)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return rec, nil
}

// UpdateSession refreshes derived columns. Older sequences never
// overwrite newer ones.
func (s *SQLStore) UpdateSession(ctx context.Context, rec *domain.SessionRecord) error {
	query := s.q(`
	UPDATE sessions SET status = ?, last_seq = ?, pending_tasks = ?, updated_at = ?
	WHERE session_id = ? AND last_seq <= ?`)

	return withRetry(ctx, "update session", rec.ID, func() error {
		result, err := s.db.ExecContext(ctx, query,
			string(rec.Status), rec.LastSeq, rec.PendingTasks, toMillis(rec.UpdatedAt), rec.ID, rec.LastSeq)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		if rows == 0 {
			existing, err := s.GetSession(ctx, rec.ID)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, rec.ID)
			}
		}
		return nil
	})
}

// ListSessions returns a user's sessions, newest first.
func (s *SQLStore) ListSessions(ctx context.Context, userID string) ([]*domain.SessionRecord, error) {
	return s.querySessions(ctx, "list sessions",
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY created_at DESC, session_id`, userID)
}

// StalePendingSessions returns active sessions with unresolved tasks idle
// for at least olderThan.
func (s *SQLStore) StalePendingSessions(ctx context.Context, olderThan time.Duration) ([]*domain.SessionRecord, error) {
	threshold := toMillis(time.Now().Add(-olderThan))
	return s.querySessions(ctx, "stale sessions",
		`SELECT `+sessionColumns+` FROM sessions
		WHERE status = ? AND pending_tasks > 0 AND updated_at <= ?
		ORDER BY updated_at`, string(domain.StatusActive), threshold)
}

func (s *SQLStore) querySessions(ctx context.Context, op, query string, args ...any) ([]*domain.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", op, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "op", op, "error", closeErr)
		}
	}()

	var out []*domain.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s row: %w", op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", op, err)
	}
	return out, nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := s.q(`
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	user.LastSeenAt = fromMillis(lastSeen)
	user.CreatedAt = fromMillis(createdAt)
	user.UpdatedAt = fromMillis(updatedAt)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := s.q(`
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`)

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, toMillis(user.LastSeenAt), toMillis(user.CreatedAt), toMillis(user.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := s.q(`UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`)
	now := toMillis(time.Now())
	if _, err := s.db.ExecContext(ctx, query, toMillis(lastSeen), now, userID); err != nil {
		return fmt.Errorf("update last seen: %w", err)
	}
	return nil
}

// checkBatch verifies events are contiguous after expectedSeq.
func checkBatch(sessionID string, expectedSeq int64, events []domain.Event) error {
	for i, evt := range events {
		if evt.SessionID != sessionID {
			return fmt.Errorf("%w: event belongs to session %q, not %q", domain.ErrMalformedEvent, evt.SessionID, sessionID)
		}
		if want := expectedSeq + int64(i) + 1; evt.Seq != want {
			return fmt.Errorf("%w: event sequence gap: expected %d got %d", domain.ErrMalformedEvent, want, evt.Seq)
		}
		if !evt.Type.Valid() {
			return fmt.Errorf("%w: unknown event type %q", domain.ErrMalformedEvent, evt.Type)
		}
	}
	return nil
}
