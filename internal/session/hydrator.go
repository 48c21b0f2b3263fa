package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/lore-engine/internal/domain"
	"github.com/ashureev/lore-engine/internal/engine"
	"github.com/ashureev/lore-engine/internal/store"
)

// Hydrator rebuilds session state from the latest usable snapshot plus
// the events after it. An unusable snapshot falls back to a full replay.
type Hydrator struct {
	events    store.EventLog
	snapshots store.SnapshotStore
	logger    *slog.Logger
}

// NewHydrator returns a hydrator over the given stores.
func NewHydrator(events store.EventLog, snapshots store.SnapshotStore, logger *slog.Logger) *Hydrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hydrator{events: events, snapshots: snapshots, logger: logger}
}

// Hydrate returns the current state of sessionID.
func (h *Hydrator) Hydrate(ctx context.Context, eng *engine.Engine, sessionID string) (domain.SessionState, error) {
	if state, ok := h.fromSnapshot(ctx, eng, sessionID); ok {
		return state, nil
	}

	events, err := h.events.ReadEvents(ctx, sessionID, 0)
	if err != nil {
		return domain.SessionState{}, fmt.Errorf("read events: %w", err)
	}
	if len(events) == 0 {
		return domain.SessionState{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	state, err := eng.Replay(eng.Initial(sessionID), events)
	if err != nil {
		return domain.SessionState{}, fmt.Errorf("%w: replay session %s: %w", domain.ErrCorruptLog, sessionID, err)
	}
	return state, nil
}

func (h *Hydrator) fromSnapshot(ctx context.Context, eng *engine.Engine, sessionID string) (domain.SessionState, bool) {
	snap, err := h.snapshots.LatestSnapshot(ctx, sessionID)
	if err != nil {
		h.logger.Warn("snapshot lookup failed, replaying log", "session_id", sessionID, "error", err)
		return domain.SessionState{}, false
	}
	if snap == nil {
		return domain.SessionState{}, false
	}
	if snap.State.SessionID != sessionID || snap.State.LastSeq != snap.Seq {
		h.logger.Warn("ignoring inconsistent snapshot", "session_id", sessionID, "seq", snap.Seq)
		return domain.SessionState{}, false
	}

	last, err := h.events.LastSeq(ctx, sessionID)
	if err != nil || last < snap.Seq {
		h.logger.Warn("snapshot ahead of log, replaying", "session_id", sessionID, "snapshot_seq", snap.Seq, "log_seq", last, "error", err)
		return domain.SessionState{}, false
	}

	events, err := h.events.ReadEvents(ctx, sessionID, snap.Seq)
	if err != nil {
		h.logger.Warn("reading events after snapshot failed", "session_id", sessionID, "error", err)
		return domain.SessionState{}, false
	}
	state, err := eng.Replay(snap.State, events)
	if err != nil {
		h.logger.Warn("snapshot replay failed, rebuilding from log", "session_id", sessionID, "error", err)
		return domain.SessionState{}, false
	}
	return state, true
}
