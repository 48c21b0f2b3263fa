package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/lore-engine/internal/advisory"
	"github.com/ashureev/lore-engine/internal/catalog"
	"github.com/ashureev/lore-engine/internal/domain"
	"github.com/ashureev/lore-engine/internal/engine"
	"github.com/ashureev/lore-engine/internal/store"
)

func intPtr(v int) *int { return &v }

func testChallenge() *domain.Challenge {
	return &domain.Challenge{
		ID:    "intro",
		Title: "Intro",
		Steps: []domain.StepDefinition{
			{Type: domain.StepContinueGate, Title: "Welcome", Instruction: "Press continue.", AutoNarrate: true},
			{Type: domain.StepMCQSingle, Title: "Pick", Options: []string{"red", "blue", "green"}, CorrectAnswer: intPtr(1), PointsPossible: 10, PassingThreshold: 100},
			{Type: domain.StepChat, Title: "Explain", PointsPossible: 30, PassingThreshold: 70, Rubric: &domain.Rubric{
				Criteria:    map[string]domain.Criterion{"clarity": {Description: "clear", Points: 30}},
				TotalPoints: 30,
			}},
		},
	}
}

type fakeService struct {
	invoke func(ctx context.Context, req advisory.Request) (advisory.Response, error)
	calls  atomic.Int32
}

func (f *fakeService) Invoke(ctx context.Context, req advisory.Request) (advisory.Response, error) {
	f.calls.Add(1)
	return f.invoke(ctx, req)
}

func (f *fakeService) Health(context.Context) error { return nil }
func (f *fakeService) Close() error                 { return nil }

func scoringService(score int) *fakeService {
	return &fakeService{invoke: func(_ context.Context, req advisory.Request) (advisory.Response, error) {
		if req.TaskType == domain.TaskLEMEvaluate {
			return advisory.Response{RawScore: &score, Rationale: "Well argued."}, nil
		}
		return advisory.Response{Text: "The lantern hums."}, nil
	}}
}

type recorder struct {
	mu  sync.Mutex
	got []domain.UIState
}

func (r *recorder) Publish(_ string, ui domain.UIState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ui)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	t     *testing.T
	repo  store.Repository
	coord *Coordinator
	pub   *recorder
}

func newFixture(t *testing.T, repo store.Repository, svc advisory.Service, orchOpts ...advisory.OrchestratorOption) *fixture {
	t.Helper()
	cat, err := catalog.NewMemory(testChallenge())
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	orchOpts = append(orchOpts, advisory.WithLogger(quietLogger()))
	pub := &recorder{}
	ids := 0
	coord := NewCoordinator(repo, cat, advisory.NewOrchestrator(svc, orchOpts...),
		WithPublisher(pub),
		WithLogger(quietLogger()),
		WithIDGenerator(func() string { ids++; return fmt.Sprintf("sess-%d", ids) }),
	)
	return &fixture{t: t, repo: repo, coord: coord, pub: pub}
}

func (f *fixture) create() string {
	f.t.Helper()
	ui, err := f.coord.CreateSession(context.Background(), "u1", "intro")
	if err != nil {
		f.t.Fatalf("CreateSession: %v", err)
	}
	return ui.SessionID
}

// toChat drives a session to the CHAT step.
func (f *fixture) toChat() string {
	f.t.Helper()
	ctx := context.Background()
	id := f.create()
	if _, err := f.coord.StartSession(ctx, id); err != nil {
		f.t.Fatalf("StartSession: %v", err)
	}
	if _, err := f.coord.SubmitAction(ctx, id, ActionContinue, nil); err != nil {
		f.t.Fatalf("continue: %v", err)
	}
	if _, err := f.coord.SubmitAnswer(ctx, id, Submission{Answer: json.RawMessage(`1`)}); err != nil {
		f.t.Fatalf("mcq: %v", err)
	}
	return id
}

func assertGapFree(t *testing.T, events []domain.Event) {
	t.Helper()
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, e.Seq)
		}
	}
}

func TestCoordinatorFullSession(t *testing.T) {
	f := newFixture(t, store.NewMemory(), scoringService(30))
	ctx := context.Background()

	id := f.create()
	ui, err := f.coord.StartSession(ctx, id)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if ui.Status != domain.StatusActive || ui.StepIndex != 0 {
		t.Fatalf("after start: %+v", ui)
	}
	narrated := false
	for _, m := range ui.Messages {
		if m.Role == domain.RoleGM && m.Content == "The lantern hums." {
			narrated = true
		}
	}
	if !narrated {
		t.Fatalf("auto narration missing from messages: %+v", ui.Messages)
	}

	if _, err := f.coord.SubmitAction(ctx, id, ActionContinue, intPtr(0)); err != nil {
		t.Fatalf("continue: %v", err)
	}
	ui, err = f.coord.SubmitAnswer(ctx, id, Submission{Answer: json.RawMessage(`1`), StepIndex: intPtr(1)})
	if err != nil {
		t.Fatalf("mcq: %v", err)
	}
	if ui.Score != 10 || ui.StepIndex != 2 {
		t.Fatalf("after mcq: score %d step %d", ui.Score, ui.StepIndex)
	}

	ui, err = f.coord.SubmitAnswer(ctx, id, Submission{Answer: json.RawMessage(`"A keeper trims the wick."`)})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if ui.Status != domain.StatusCompleted || ui.Score != 40 || ui.MaxScore != 40 || ui.ProgressPercentage != 100 {
		t.Fatalf("after chat: %+v", ui)
	}

	events, err := f.coord.Events(ctx, id, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	assertGapFree(t, events)
	if last := events[len(events)-1]; last.Type != domain.EventSessionCompleted {
		t.Fatalf("last event = %s", last.Type)
	}

	rec, err := f.coord.Session(ctx, id)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if rec.Status != domain.StatusCompleted || rec.PendingTasks != 0 || rec.LastSeq != events[len(events)-1].Seq {
		t.Fatalf("index out of date: %+v", rec)
	}
	if f.pub.count() != 5 {
		t.Fatalf("published %d states, want 5", f.pub.count())
	}

	tail, err := f.coord.Events(ctx, id, int64(len(events)-2))
	if err != nil || len(tail) != 2 {
		t.Fatalf("Events after: %d (%v)", len(tail), err)
	}
}

func TestCoordinatorEvaluationTimeoutFallsBack(t *testing.T) {
	svc := &fakeService{invoke: func(ctx context.Context, req advisory.Request) (advisory.Response, error) {
		if req.TaskType == domain.TaskLEMEvaluate {
			time.Sleep(200 * time.Millisecond)
			return advisory.Response{}, errors.New("too slow")
		}
		return advisory.Response{Text: "ok"}, nil
	}}
	f := newFixture(t, store.NewMemory(), svc, advisory.WithTimeout(20*time.Millisecond))
	id := f.toChat()

	ui, err := f.coord.SubmitAnswer(context.Background(), id, Submission{Answer: json.RawMessage(`"my answer"`)})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if ui.Status != domain.StatusActive || ui.StepIndex != 2 || ui.Score != 10 {
		t.Fatalf("unexpected ui after timeout: %+v", ui)
	}
	if ui.MistakesCount != 0 {
		t.Fatalf("advisory failure counted as a mistake: %d", ui.MistakesCount)
	}
	if ui.UIMode == domain.UIModeAwaitingEvaluation {
		t.Fatal("session still awaiting evaluation after fallback")
	}
}

func TestCoordinatorBoundsHugeTextScore(t *testing.T) {
	svc := &fakeService{invoke: func(_ context.Context, req advisory.Request) (advisory.Response, error) {
		if req.TaskType == domain.TaskLEMEvaluate {
			return advisory.Response{Text: `{"raw_score": 1e30, "rationale": "great"}`}, nil
		}
		return advisory.Response{Text: "ok"}, nil
	}}
	f := newFixture(t, store.NewMemory(), svc)
	id := f.toChat()

	ui, err := f.coord.SubmitAnswer(context.Background(), id, Submission{Answer: json.RawMessage(`"A keeper trims the wick."`)})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if ui.Status != domain.StatusCompleted || ui.Score != 40 || ui.MistakesCount != 0 {
		t.Fatalf("huge score not clamped to step maximum: %+v", ui)
	}
}

func TestCoordinatorSnapshotMatchesFullReplay(t *testing.T) {
	repo := store.NewMemory()
	f := newFixture(t, repo, scoringService(20))
	ctx := context.Background()
	id := f.toChat()
	if _, err := f.coord.SubmitAnswer(ctx, id, Submission{Answer: json.RawMessage(`"short"`)}); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if _, err := f.coord.SubmitAction(ctx, id, ActionHint, nil); err != nil {
		t.Fatalf("hint: %v", err)
	}

	snap, err := repo.LatestSnapshot(ctx, id)
	if err != nil || snap == nil {
		t.Fatalf("expected a snapshot: %v", err)
	}

	eng, err := engine.New(testChallenge())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	withSnap, err := NewHydrator(repo, repo, quietLogger()).Hydrate(ctx, eng, id)
	if err != nil {
		t.Fatalf("hydrate with snapshot: %v", err)
	}
	full, err := NewHydrator(repo, store.NewMemory(), quietLogger()).Hydrate(ctx, eng, id)
	if err != nil {
		t.Fatalf("hydrate from log: %v", err)
	}
	a, _ := json.Marshal(withSnap)
	b, _ := json.Marshal(full)
	if string(a) != string(b) {
		t.Fatalf("snapshot hydrate differs from replay:\n%s\n%s", a, b)
	}
}

type conflictOnce struct {
	*store.MemoryStore
	armed    atomic.Bool
	appends  atomic.Int32
	conflict atomic.Int32
}

func (c *conflictOnce) Append(ctx context.Context, sessionID string, expectedSeq int64, events []domain.Event) (int64, error) {
	c.appends.Add(1)
	if c.armed.CompareAndSwap(true, false) {
		c.conflict.Add(1)
		return 0, domain.ErrConcurrentWriteConflict
	}
	return c.MemoryStore.Append(ctx, sessionID, expectedSeq, events)
}

func TestCoordinatorRetriesOnConflict(t *testing.T) {
	repo := &conflictOnce{MemoryStore: store.NewMemory()}
	f := newFixture(t, repo, scoringService(30))
	id := f.create()

	repo.armed.Store(true)
	ui, err := f.coord.StartSession(context.Background(), id)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if ui.Status != domain.StatusActive {
		t.Fatalf("status = %s", ui.Status)
	}
	if repo.conflict.Load() != 1 {
		t.Fatalf("conflict not injected")
	}
	events, err := repo.ReadEvents(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	assertGapFree(t, events)
}

type alwaysConflict struct {
	*store.MemoryStore
	armed atomic.Bool
}

func (c *alwaysConflict) Append(ctx context.Context, sessionID string, expectedSeq int64, events []domain.Event) (int64, error) {
	if c.armed.Load() {
		return 0, domain.ErrConcurrentWriteConflict
	}
	return c.MemoryStore.Append(ctx, sessionID, expectedSeq, events)
}

func TestCoordinatorGivesUpAfterRetries(t *testing.T) {
	repo := &alwaysConflict{MemoryStore: store.NewMemory()}
	f := newFixture(t, repo, scoringService(30))
	id := f.create()

	repo.armed.Store(true)
	_, err := f.coord.StartSession(context.Background(), id)
	if !errors.Is(err, domain.ErrConcurrentWriteConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCoordinatorSerializesConcurrentSubmits(t *testing.T) {
	f := newFixture(t, store.NewMemory(), scoringService(30))
	ctx := context.Background()
	id := f.create()
	if _, err := f.coord.StartSession(ctx, id); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := f.coord.SubmitAction(ctx, id, ActionContinue, nil); err != nil {
		t.Fatalf("continue: %v", err)
	}

	const n = 4
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.coord.SubmitAnswer(ctx, id, Submission{Answer: json.RawMessage(`1`), StepIndex: intPtr(1)})
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInvalidTransition):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("%d submits succeeded, want 1", ok)
	}

	events, err := f.coord.Events(ctx, id, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	assertGapFree(t, events)
	if f.coord.locks.size() != 0 {
		t.Fatalf("lock table not drained: %d", f.coord.locks.size())
	}
}

// strand appends a CHAT answer straight to the log, leaving its evaluation
// task pending as if the process died before running it.
func strand(t *testing.T, repo store.Repository, id string) {
	t.Helper()
	ctx := context.Background()
	eng, err := engine.New(testChallenge())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	state, err := NewHydrator(repo, repo, quietLogger()).Hydrate(ctx, eng, id)
	if err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	evt, err := domain.NewEvent(id, domain.EventUserSubmittedAnswer, time.Now(), domain.UserSubmittedAnswerPayload{
		StepIndex: 2,
		Answer:    json.RawMessage(`"stranded answer"`),
	})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	evt.Seq = state.LastSeq + 1
	next, batch, tasks, err := eng.Fold(state, evt)
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected one pending task, got %d", len(tasks))
	}
	if _, err := repo.Append(ctx, id, state.LastSeq, batch); err != nil {
		t.Fatalf("Append: %v", err)
	}
	rec, err := repo.GetSession(ctx, id)
	if err != nil || rec == nil {
		t.Fatalf("GetSession: %v", err)
	}
	rec.LastSeq = next.LastSeq
	rec.PendingTasks = len(next.PendingTasks)
	rec.UpdatedAt = time.Now().Add(-time.Hour)
	if err := repo.UpdateSession(ctx, rec); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
}

func TestCoordinatorResumeDrainsPendingTasks(t *testing.T) {
	repo := store.NewMemory()
	f := newFixture(t, repo, scoringService(30))
	ctx := context.Background()
	id := f.toChat()
	strand(t, repo, id)

	ui, err := f.coord.GetState(ctx, id)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if ui.UIMode != domain.UIModeAwaitingEvaluation {
		t.Fatalf("ui mode = %s, want awaiting evaluation", ui.UIMode)
	}

	ui, err = f.coord.Resume(ctx, id)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if ui.Status != domain.StatusCompleted || ui.Score != 40 {
		t.Fatalf("after resume: %+v", ui)
	}

	again, err := f.coord.Resume(ctx, id)
	if err != nil || again.Score != 40 {
		t.Fatalf("second resume: %+v (%v)", again, err)
	}
}

func TestRecoverPendingResumesStaleSessions(t *testing.T) {
	repo := store.NewMemory()
	f := newFixture(t, repo, scoringService(30))
	ctx := context.Background()
	stale := f.toChat()
	strand(t, repo, stale)
	idle := f.create()

	if n := RecoverPending(ctx, f.coord, repo, time.Minute); n != 1 {
		t.Fatalf("resumed %d sessions, want 1", n)
	}
	rec, err := f.coord.Session(ctx, stale)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if rec.Status != domain.StatusCompleted || rec.PendingTasks != 0 {
		t.Fatalf("stale session not recovered: %+v", rec)
	}
	if n := RecoverPending(ctx, f.coord, repo, time.Minute); n != 0 {
		t.Fatalf("second sweep resumed %d sessions", n)
	}
	if rec, _ := f.coord.Session(ctx, idle); rec.Status != domain.StatusCreated {
		t.Fatalf("idle session touched: %+v", rec)
	}
}

func TestCoordinatorErrors(t *testing.T) {
	f := newFixture(t, store.NewMemory(), scoringService(30))
	ctx := context.Background()

	if _, err := f.coord.CreateSession(ctx, "u1", "missing"); !errors.Is(err, domain.ErrChallengeNotFound) {
		t.Fatalf("expected challenge not found, got %v", err)
	}
	if _, err := f.coord.GetState(ctx, "nope"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
	if _, err := f.coord.StartSession(ctx, "nope"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}

	id := f.create()
	if _, err := f.coord.SubmitAnswer(ctx, id, Submission{Answer: json.RawMessage(`1`)}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("answer before start: %v", err)
	}
	if _, err := f.coord.SubmitAction(ctx, id, Action("dance"), nil); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("unknown action: %v", err)
	}

	list, err := f.coord.ListSessions(ctx, "u1")
	if err != nil || len(list) != 1 || list[0].ID != id {
		t.Fatalf("ListSessions = %+v (%v)", list, err)
	}
}
