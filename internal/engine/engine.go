// Package engine implements the pure session state machine. Apply folds
// one event into a state and reports the derived audit events and the
// advisory tasks the transition schedules. It performs no I/O.
package engine

import (
	"errors"
	"fmt"

	"github.com/ashureev/lore-engine/internal/domain"
)

// DefaultContextMessages is how many trailing transcript messages an
// advisory task sees.
const DefaultContextMessages = 6

// Option configures an Engine.
type Option func(*Engine)

// WithContextMessages sets the transcript tail handed to advisory tasks.
func WithContextMessages(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.contextMessages = n
		}
	}
}

// Engine folds events for sessions of a single challenge.
type Engine struct {
	challenge       *domain.Challenge
	contextMessages int
}

// New returns an engine for ch. The challenge must validate.
func New(ch *domain.Challenge, opts ...Option) (*Engine, error) {
	if ch == nil {
		return nil, errors.New("challenge cannot be nil")
	}
	if err := ch.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{challenge: ch, contextMessages: DefaultContextMessages}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Challenge returns the challenge this engine plays.
func (e *Engine) Challenge() *domain.Challenge {
	return e.challenge
}

// Initial returns the state of a session before its first event.
func (e *Engine) Initial(sessionID string) domain.SessionState {
	return domain.NewSessionState(sessionID)
}

// Result is the outcome of folding one event.
type Result struct {
	State   domain.SessionState
	Derived []domain.Event
	Tasks   []domain.AdvisoryTask
}

// Apply folds evt into state. The input state is never modified. Derived
// events are numbered after evt and must be appended with it; folding
// them afterwards only advances LastSeq.
func (e *Engine) Apply(state domain.SessionState, evt domain.Event) (Result, error) {
	if evt.SessionID != state.SessionID {
		return Result{}, fmt.Errorf("%w: event for session %q applied to %q", domain.ErrMalformedEvent, evt.SessionID, state.SessionID)
	}
	if evt.Seq != state.LastSeq+1 {
		return Result{}, fmt.Errorf("%w: event sequence gap: expected %d got %d", domain.ErrMalformedEvent, state.LastSeq+1, evt.Seq)
	}

	t := &transition{engine: e, state: state.Clone(), evt: evt}
	var err error
	switch evt.Type {
	case domain.EventSessionCreated:
		err = t.sessionCreated()
	case domain.EventSessionStarted:
		err = t.sessionStarted()
	case domain.EventUserSubmittedAnswer:
		err = t.answerSubmitted()
	case domain.EventUserContinued:
		err = t.continued()
	case domain.EventUserRequestedHint:
		err = t.hintRequested()
	case domain.EventGMNarrated:
		err = t.gmNarrated()
	case domain.EventLEMEvaluated:
		err = t.lemEvaluated()
	case domain.EventStepEntered:
		err = evt.Decode(&domain.StepEnteredPayload{})
	case domain.EventScoreAwarded:
		err = evt.Decode(&domain.ScoreAwardedPayload{})
	case domain.EventSessionCompleted:
		err = evt.Decode(&domain.SessionCompletedPayload{})
	default:
		err = fmt.Errorf("%w: unknown event type %q", domain.ErrMalformedEvent, evt.Type)
	}
	if err != nil {
		return Result{}, err
	}

	t.state.LastSeq = evt.Seq
	return Result{State: t.state, Derived: t.derived, Tasks: t.tasks}, nil
}

// Fold applies evt and then its derived events, returning the state after
// the whole batch together with the batch itself.
func (e *Engine) Fold(state domain.SessionState, evt domain.Event) (domain.SessionState, []domain.Event, []domain.AdvisoryTask, error) {
	res, err := e.Apply(state, evt)
	if err != nil {
		return state, nil, nil, err
	}
	batch := make([]domain.Event, 0, len(res.Derived)+1)
	batch = append(batch, evt)
	next := res.State
	for _, d := range res.Derived {
		r, err := e.Apply(next, d)
		if err != nil {
			return state, nil, nil, fmt.Errorf("fold derived %s: %w", d.Type, err)
		}
		next = r.State
		batch = append(batch, d)
	}
	return next, batch, res.Tasks, nil
}

// Replay folds events starting from state.
func (e *Engine) Replay(state domain.SessionState, events []domain.Event) (domain.SessionState, error) {
	for _, evt := range events {
		res, err := e.Apply(state, evt)
		if err != nil {
			return state, err
		}
		state = res.State
	}
	return state, nil
}

type transition struct {
	engine  *Engine
	state   domain.SessionState
	evt     domain.Event
	derived []domain.Event
	tasks   []domain.AdvisoryTask
}

func (t *transition) emit(typ domain.EventType, payload any) error {
	evt, err := domain.NewEvent(t.evt.SessionID, typ, t.evt.Timestamp, payload)
	if err != nil {
		return err
	}
	evt.Seq = t.evt.Seq + int64(len(t.derived)) + 1
	t.derived = append(t.derived, evt)
	return nil
}

func (t *transition) schedule(typ domain.TaskType, step domain.StepDefinition, answer string) {
	task := domain.AdvisoryTask{
		ID:        fmt.Sprintf("%s-%d-%d", taskPrefix(typ), t.evt.Seq, len(t.tasks)),
		Type:      typ,
		StepIndex: t.state.CurrentStepIndex,
		Context:   t.boundedContext(typ, step, answer),
	}
	t.tasks = append(t.tasks, task)
	t.state.PendingTasks = append(t.state.PendingTasks, task)
}

func taskPrefix(typ domain.TaskType) string {
	switch typ {
	case domain.TaskGMNarrate:
		return "narrate"
	case domain.TaskLEMEvaluate:
		return "evaluate"
	case domain.TaskTeachHints:
		return "hint"
	}
	return "task"
}

func (t *transition) currentStep() domain.StepDefinition {
	step, _ := t.engine.challenge.Step(t.state.CurrentStepIndex)
	return step
}

func (t *transition) requireActive(op string) error {
	if t.state.Status != domain.StatusActive {
		return domain.Reject(op, "session is %s", t.state.Status)
	}
	return nil
}

func (t *transition) requireStep(op string, idx int) error {
	if idx != t.state.CurrentStepIndex {
		return domain.Reject(op, "step %d is not the current step %d", idx, t.state.CurrentStepIndex)
	}
	return nil
}
