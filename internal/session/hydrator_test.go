package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/lore-engine/internal/domain"
	"github.com/ashureev/lore-engine/internal/engine"
	"github.com/ashureev/lore-engine/internal/store"
)

func seed(t *testing.T, repo *store.MemoryStore, eng *engine.Engine, id string) domain.SessionState {
	t.Helper()
	ctx := context.Background()
	state := eng.Initial(id)
	steps := []struct {
		typ     domain.EventType
		payload any
	}{
		{domain.EventSessionCreated, domain.SessionCreatedPayload{ChallengeID: "intro", UserID: "u1"}},
		{domain.EventSessionStarted, domain.SessionStartedPayload{}},
		{domain.EventUserContinued, domain.UserContinuedPayload{StepIndex: 0}},
	}
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, s := range steps {
		evt, err := domain.NewEvent(id, s.typ, ts, s.payload)
		if err != nil {
			t.Fatalf("NewEvent: %v", err)
		}
		evt.Seq = state.LastSeq + 1
		next, batch, _, err := eng.Fold(state, evt)
		if err != nil {
			t.Fatalf("Fold %s: %v", s.typ, err)
		}
		if _, err := repo.Append(ctx, id, state.LastSeq, batch); err != nil {
			t.Fatalf("Append: %v", err)
		}
		state = next
	}
	return state
}

func testEngine(t *testing.T) *engine.Engine {
	t.Helper()
	ch := testChallenge()
	ch.Steps[0].AutoNarrate = false
	eng, err := engine.New(ch)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng
}

func TestHydrateReplaysLog(t *testing.T) {
	repo := store.NewMemory()
	eng := testEngine(t)
	want := seed(t, repo, eng, "s1")

	got, err := NewHydrator(repo, repo, quietLogger()).Hydrate(context.Background(), eng, "s1")
	if err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	if got.LastSeq != want.LastSeq || got.CurrentStepIndex != 1 {
		t.Fatalf("hydrated seq %d step %d", got.LastSeq, got.CurrentStepIndex)
	}
}

func TestHydrateIgnoresBadSnapshots(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t)

	cases := map[string]func(domain.SessionState) *domain.Snapshot{
		"ahead of log": func(s domain.SessionState) *domain.Snapshot {
			s.LastSeq += 10
			return &domain.Snapshot{SessionID: "s1", Seq: s.LastSeq, State: s}
		},
		"seq mismatch": func(s domain.SessionState) *domain.Snapshot {
			s.TotalScore = 999
			return &domain.Snapshot{SessionID: "s1", Seq: s.LastSeq - 1, State: s}
		},
		"wrong session": func(s domain.SessionState) *domain.Snapshot {
			s.SessionID = "other"
			s.TotalScore = 999
			return &domain.Snapshot{SessionID: "s1", Seq: s.LastSeq, State: s}
		},
	}
	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			repo := store.NewMemory()
			want := seed(t, repo, eng, "s1")
			if err := repo.SaveSnapshot(ctx, build(want.Clone())); err != nil {
				t.Fatalf("SaveSnapshot: %v", err)
			}
			got, err := NewHydrator(repo, repo, quietLogger()).Hydrate(ctx, eng, "s1")
			if err != nil {
				t.Fatalf("Hydrate: %v", err)
			}
			if got.LastSeq != want.LastSeq || got.TotalScore != want.TotalScore || got.SessionID != "s1" {
				t.Fatalf("bad snapshot leaked into state: %+v", got)
			}
		})
	}
}

func TestHydrateUnknownSession(t *testing.T) {
	repo := store.NewMemory()
	_, err := NewHydrator(repo, repo, nil).Hydrate(context.Background(), testEngine(t), "ghost")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHydrateCorruptLog(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	eng := testEngine(t)
	state := seed(t, repo, eng, "s1")

	bad := domain.Event{
		SessionID: "s1",
		Seq:       state.LastSeq + 1,
		Type:      domain.EventUserContinued,
		Timestamp: time.Date(2026, 3, 1, 0, 1, 0, 0, time.UTC),
		Payload:   []byte(`{"step_index": "one"}`),
	}
	if _, err := repo.Append(ctx, "s1", state.LastSeq, []domain.Event{bad}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	_, err := NewHydrator(repo, repo, quietLogger()).Hydrate(ctx, eng, "s1")
	if !errors.Is(err, domain.ErrCorruptLog) {
		t.Fatalf("expected ErrCorruptLog, got %v", err)
	}
}
