// Package session coordinates the engine, event log and advisory layer.
// Every mutating operation follows one cycle: hydrate, apply, append with
// an expected sequence, then run and fold any advisory tasks.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashureev/lore-engine/internal/advisory"
	"github.com/ashureev/lore-engine/internal/catalog"
	"github.com/ashureev/lore-engine/internal/domain"
	"github.com/ashureev/lore-engine/internal/engine"
	"github.com/ashureev/lore-engine/internal/store"
)

// Defaults for Options.
const (
	DefaultSnapshotInterval = 5
	DefaultConflictRetries  = 3
	DefaultMaxTaskRounds    = 4
)

// Action is a non-answer learner input.
type Action string

const (
	ActionContinue Action = "continue"
	ActionHint     Action = "hint"
)

// Submission is a learner answer. StepIndex, when set, must match the
// current step so stale clients are rejected.
type Submission struct {
	Answer    json.RawMessage
	StepIndex *int
}

// Publisher receives the render state after every committed change.
type Publisher interface {
	Publish(sessionID string, ui domain.UIState)
}

// Options tunes the coordinator.
type Options struct {
	SnapshotInterval int
	ConflictRetries  int
	ContextMessages  int
	MaxTaskRounds    int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithOptions overrides tuning; zero fields keep their defaults.
func WithOptions(o Options) Option {
	return func(c *Coordinator) {
		if o.SnapshotInterval > 0 {
			c.opts.SnapshotInterval = o.SnapshotInterval
		}
		if o.ConflictRetries > 0 {
			c.opts.ConflictRetries = o.ConflictRetries
		}
		if o.ContextMessages > 0 {
			c.opts.ContextMessages = o.ContextMessages
		}
		if o.MaxTaskRounds > 0 {
			c.opts.MaxTaskRounds = o.MaxTaskRounds
		}
	}
}

// WithPublisher fans committed states out to live subscribers.
func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDGenerator replaces the session id generator.
func WithIDGenerator(gen func() string) Option {
	return func(c *Coordinator) { c.newID = gen }
}

// Coordinator is the only writer of session events.
type Coordinator struct {
	repo      store.Repository
	catalog   catalog.Reader
	orch      *advisory.Orchestrator
	hydrator  *Hydrator
	locks     *Locks
	engines   sync.Map
	opts      Options
	publisher Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
}

// NewCoordinator wires a coordinator.
func NewCoordinator(repo store.Repository, cat catalog.Reader, orch *advisory.Orchestrator, opts ...Option) *Coordinator {
	if orch == nil {
		orch = advisory.NewOrchestrator(nil)
	}
	c := &Coordinator{
		repo:    repo,
		catalog: cat,
		orch:    orch,
		locks:   NewLocks(),
		opts: Options{
			SnapshotInterval: DefaultSnapshotInterval,
			ConflictRetries:  DefaultConflictRetries,
			ContextMessages:  engine.DefaultContextMessages,
			MaxTaskRounds:    DefaultMaxTaskRounds,
		},
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/ashureev/lore-engine/internal/session"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.hydrator = NewHydrator(repo, repo, c.logger)
	return c
}

func (c *Coordinator) clock() time.Time {
	return domain.NormalizeTime(c.now())
}

// CreateSession opens a new session on challengeID for userID.
func (c *Coordinator) CreateSession(ctx context.Context, userID, challengeID string) (domain.UIState, error) {
	ctx, span := c.tracer.Start(ctx, "session.create", trace.WithAttributes(attribute.String("challenge.id", challengeID)))
	defer span.End()

	ch, err := c.catalog.Get(ctx, challengeID)
	if err != nil {
		return domain.UIState{}, endSpan(span, err)
	}
	eng, err := c.engineFor(ch)
	if err != nil {
		return domain.UIState{}, endSpan(span, err)
	}

	id := c.newID()
	now := c.clock()
	evt, err := domain.NewEvent(id, domain.EventSessionCreated, now, domain.SessionCreatedPayload{ChallengeID: ch.ID, UserID: userID})
	if err != nil {
		return domain.UIState{}, endSpan(span, err)
	}
	evt.Seq = 1
	state, batch, _, err := eng.Fold(eng.Initial(id), evt)
	if err != nil {
		return domain.UIState{}, endSpan(span, err)
	}
	if _, err := c.repo.Append(ctx, id, 0, batch); err != nil {
		return domain.UIState{}, endSpan(span, fmt.Errorf("append session created: %w", err))
	}
	rec := &domain.SessionRecord{
		ID:          id,
		UserID:      userID,
		ChallengeID: ch.ID,
		Status:      state.Status,
		LastSeq:     state.LastSeq,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.repo.CreateSession(ctx, rec); err != nil {
		return domain.UIState{}, endSpan(span, fmt.Errorf("index session: %w", err))
	}

	c.logger.Info("session created", "session_id", id, "user_id", userID, "challenge_id", ch.ID)
	span.SetAttributes(attribute.String("session.id", id))
	ui := eng.Describe(state)
	c.publish(ui)
	return ui, nil
}

// StartSession moves a created session onto its first step.
func (c *Coordinator) StartSession(ctx context.Context, sessionID string) (domain.UIState, error) {
	return c.act(ctx, sessionID, "start_session", func(domain.SessionState) (domain.EventType, any, error) {
		return domain.EventSessionStarted, domain.SessionStartedPayload{}, nil
	})
}

// SubmitAnswer grades or schedules evaluation of an answer to the
// current step.
func (c *Coordinator) SubmitAnswer(ctx context.Context, sessionID string, sub Submission) (domain.UIState, error) {
	return c.act(ctx, sessionID, "submit_answer", func(state domain.SessionState) (domain.EventType, any, error) {
		return domain.EventUserSubmittedAnswer, domain.UserSubmittedAnswerPayload{
			StepIndex: stepIndex(state, sub.StepIndex),
			Answer:    sub.Answer,
		}, nil
	})
}

// SubmitAction handles continue and hint requests.
func (c *Coordinator) SubmitAction(ctx context.Context, sessionID string, action Action, step *int) (domain.UIState, error) {
	return c.act(ctx, sessionID, "submit_action", func(state domain.SessionState) (domain.EventType, any, error) {
		idx := stepIndex(state, step)
		switch action {
		case ActionContinue:
			return domain.EventUserContinued, domain.UserContinuedPayload{StepIndex: idx}, nil
		case ActionHint:
			return domain.EventUserRequestedHint, domain.UserRequestedHintPayload{StepIndex: idx}, nil
		}
		return "", nil, domain.Reject("submit_action", "unknown action %q", action)
	})
}

func stepIndex(state domain.SessionState, requested *int) int {
	if requested != nil {
		return *requested
	}
	return state.CurrentStepIndex
}

// GetState returns the render state without side effects.
func (c *Coordinator) GetState(ctx context.Context, sessionID string) (domain.UIState, error) {
	_, eng, err := c.load(ctx, sessionID)
	if err != nil {
		return domain.UIState{}, err
	}
	state, err := c.hydrator.Hydrate(ctx, eng, sessionID)
	if err != nil {
		return domain.UIState{}, err
	}
	return eng.Describe(state), nil
}

// Resume executes advisory tasks left pending by an interrupted cycle.
func (c *Coordinator) Resume(ctx context.Context, sessionID string) (domain.UIState, error) {
	ctx, span := c.tracer.Start(ctx, "session.resume", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	unlock, err := c.locks.Lock(ctx, sessionID)
	if err != nil {
		return domain.UIState{}, endSpan(span, err)
	}
	defer unlock()

	rec, eng, err := c.load(ctx, sessionID)
	if err != nil {
		return domain.UIState{}, endSpan(span, err)
	}
	state, err := c.hydrator.Hydrate(ctx, eng, sessionID)
	if err != nil {
		return domain.UIState{}, endSpan(span, err)
	}
	pending := len(state.PendingTasks)
	state, err = c.drain(ctx, eng, rec, state)
	if err != nil {
		return domain.UIState{}, endSpan(span, err)
	}
	ui := eng.Describe(state)
	if pending > 0 {
		c.logger.Info("resumed pending advisory tasks", "session_id", sessionID, "tasks", pending)
		c.publish(ui)
	}
	return ui, nil
}

// Session returns the index record.
func (c *Coordinator) Session(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	rec, err := c.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	return rec, nil
}

// ListSessions returns a user's sessions, newest first.
func (c *Coordinator) ListSessions(ctx context.Context, userID string) ([]*domain.SessionRecord, error) {
	return c.repo.ListSessions(ctx, userID)
}

// Events returns the raw log after afterSeq.
func (c *Coordinator) Events(ctx context.Context, sessionID string, afterSeq int64) ([]domain.Event, error) {
	if _, err := c.Session(ctx, sessionID); err != nil {
		return nil, err
	}
	return c.repo.ReadEvents(ctx, sessionID, afterSeq)
}

// Challenges lists the catalog.
func (c *Coordinator) Challenges(ctx context.Context) ([]domain.ChallengeSummary, error) {
	return c.catalog.List(ctx)
}

type buildFunc func(state domain.SessionState) (domain.EventType, any, error)

func (c *Coordinator) act(ctx context.Context, sessionID, op string, build buildFunc) (domain.UIState, error) {
	ctx, span := c.tracer.Start(ctx, "session."+op, trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	unlock, err := c.locks.Lock(ctx, sessionID)
	if err != nil {
		return domain.UIState{}, endSpan(span, err)
	}
	defer unlock()

	rec, eng, err := c.load(ctx, sessionID)
	if err != nil {
		return domain.UIState{}, endSpan(span, err)
	}

	var state domain.SessionState
	for attempt := 0; ; attempt++ {
		state, err = c.hydrator.Hydrate(ctx, eng, sessionID)
		if err != nil {
			return domain.UIState{}, endSpan(span, err)
		}
		state, err = c.drain(ctx, eng, rec, state)
		if err != nil {
			return domain.UIState{}, endSpan(span, err)
		}

		typ, payload, err := build(state)
		if err != nil {
			return domain.UIState{}, endSpan(span, err)
		}
		evt, err := domain.NewEvent(sessionID, typ, c.clock(), payload)
		if err != nil {
			return domain.UIState{}, endSpan(span, err)
		}
		evt.Seq = state.LastSeq + 1

		next, err := c.commit(ctx, eng, rec, state, evt)
		if err == nil {
			state = next
			break
		}
		if !errors.Is(err, domain.ErrConcurrentWriteConflict) {
			return domain.UIState{}, endSpan(span, err)
		}
		if attempt >= c.opts.ConflictRetries {
			return domain.UIState{}, endSpan(span, fmt.Errorf("%s after %d retries: %w", op, attempt, err))
		}
		c.logger.Debug("write conflict, retrying", "session_id", sessionID, "op", op, "attempt", attempt+1)
	}

	state, err = c.drain(ctx, eng, rec, state)
	if err != nil {
		return domain.UIState{}, endSpan(span, err)
	}

	ui := eng.Describe(state)
	c.publish(ui)
	c.logger.Info("session updated", "session_id", sessionID, "op", op,
		"status", state.Status, "step_index", state.CurrentStepIndex, "score", state.TotalScore, "seq", state.LastSeq)
	return ui, nil
}

// commit folds evt with its derived events and appends the batch.
func (c *Coordinator) commit(ctx context.Context, eng *engine.Engine, rec *domain.SessionRecord, state domain.SessionState, evt domain.Event) (domain.SessionState, error) {
	next, batch, _, err := eng.Fold(state, evt)
	if err != nil {
		return state, err
	}
	if _, err := c.repo.Append(ctx, state.SessionID, state.LastSeq, batch); err != nil {
		return state, err
	}
	c.afterAppend(ctx, rec, state.LastSeq, next)
	return next, nil
}

// afterAppend maintains the derived caches. Failures are logged and never
// undo the append.
func (c *Coordinator) afterAppend(ctx context.Context, rec *domain.SessionRecord, prevSeq int64, state domain.SessionState) {
	n := int64(c.opts.SnapshotInterval)
	if prevSeq/n != state.LastSeq/n {
		snap := &domain.Snapshot{SessionID: state.SessionID, Seq: state.LastSeq, State: state, CreatedAt: c.clock()}
		if err := c.repo.SaveSnapshot(ctx, snap); err != nil {
			c.logger.Warn("failed to save snapshot", "session_id", state.SessionID, "seq", state.LastSeq, "error", err)
		}
	}

	update := *rec
	update.Status = state.Status
	update.LastSeq = state.LastSeq
	update.PendingTasks = len(state.PendingTasks)
	update.UpdatedAt = c.clock()
	if err := c.repo.UpdateSession(ctx, &update); err != nil {
		c.logger.Warn("failed to update session index", "session_id", state.SessionID, "error", err)
	}
}

// drain executes pending tasks and folds their results until none remain.
// Advisory work outlives the caller's context so results are never lost
// to a dropped request.
func (c *Coordinator) drain(ctx context.Context, eng *engine.Engine, rec *domain.SessionRecord, state domain.SessionState) (domain.SessionState, error) {
	ctx = context.WithoutCancel(ctx)
	for round := 0; len(state.PendingTasks) > 0; round++ {
		if round >= c.opts.MaxTaskRounds {
			c.logger.Warn("advisory task rounds exhausted", "session_id", state.SessionID, "pending", len(state.PendingTasks))
			break
		}
		tasks := append([]domain.AdvisoryTask(nil), state.PendingTasks...)
		for _, res := range c.orch.Execute(ctx, state.SessionID, state.UserID, tasks) {
			var err error
			state, err = c.resolve(ctx, eng, rec, state, res)
			if err != nil {
				return state, err
			}
		}
	}
	return state, nil
}

func (c *Coordinator) resolve(ctx context.Context, eng *engine.Engine, rec *domain.SessionRecord, state domain.SessionState, res advisory.Resolution) (domain.SessionState, error) {
	for attempt := 0; ; attempt++ {
		if _, ok := state.PendingTask(res.Task.ID); !ok {
			return state, nil
		}
		evt, err := domain.NewEvent(state.SessionID, res.Type, c.clock(), res.Payload)
		if err != nil {
			return state, err
		}
		evt.Seq = state.LastSeq + 1

		next, err := c.commit(ctx, eng, rec, state, evt)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, domain.ErrConcurrentWriteConflict) || attempt >= c.opts.ConflictRetries {
			return state, fmt.Errorf("fold %s for task %s: %w", res.Type, res.Task.ID, err)
		}
		state, err = c.hydrator.Hydrate(ctx, eng, state.SessionID)
		if err != nil {
			return state, err
		}
	}
}

func (c *Coordinator) load(ctx context.Context, sessionID string) (*domain.SessionRecord, *engine.Engine, error) {
	rec, err := c.Session(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	ch, err := c.catalog.Get(ctx, rec.ChallengeID)
	if err != nil {
		return nil, nil, err
	}
	eng, err := c.engineFor(ch)
	if err != nil {
		return nil, nil, err
	}
	return rec, eng, nil
}

func (c *Coordinator) engineFor(ch *domain.Challenge) (*engine.Engine, error) {
	if cached, ok := c.engines.Load(ch.ID); ok {
		return cached.(*engine.Engine), nil
	}
	eng, err := engine.New(ch, engine.WithContextMessages(c.opts.ContextMessages))
	if err != nil {
		return nil, err
	}
	actual, _ := c.engines.LoadOrStore(ch.ID, eng)
	return actual.(*engine.Engine), nil
}

func (c *Coordinator) publish(ui domain.UIState) {
	if c.publisher != nil {
		c.publisher.Publish(ui.SessionID, ui)
	}
}

func endSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
