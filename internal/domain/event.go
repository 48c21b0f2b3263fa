package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// EventType names a fact recorded in a session's event log.
type EventType string

const (
	EventSessionCreated      EventType = "SESSION_CREATED"
	EventSessionStarted      EventType = "SESSION_STARTED"
	EventStepEntered         EventType = "STEP_ENTERED"
	EventUserSubmittedAnswer EventType = "USER_SUBMITTED_ANSWER"
	EventUserContinued       EventType = "USER_CONTINUED"
	EventUserRequestedHint   EventType = "USER_REQUESTED_HINT"
	EventScoreAwarded        EventType = "SCORE_AWARDED"
	EventGMNarrated          EventType = "GM_NARRATED"
	EventLEMEvaluated        EventType = "LEM_EVALUATED"
	EventSessionCompleted    EventType = "SESSION_COMPLETED"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventSessionCreated, EventSessionStarted, EventStepEntered,
		EventUserSubmittedAnswer, EventUserContinued, EventUserRequestedHint,
		EventScoreAwarded, EventGMNarrated, EventLEMEvaluated, EventSessionCompleted:
		return true
	}
	return false
}

// Derived reports whether events of type t are emitted by the engine as
// audit records of a transition carried by another event.
func (t EventType) Derived() bool {
	switch t {
	case EventStepEntered, EventScoreAwarded, EventSessionCompleted:
		return true
	}
	return false
}

// Event is an immutable entry in a session's append-only log.
// Seq starts at 1 and has no gaps within a session.
type Event struct {
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"sequence_number"`
	Type      EventType       `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEvent encodes payload into an event. Seq is assigned by the caller.
// Timestamps are stored in UTC with millisecond precision so the value
// read back from storage is identical to the one folded in memory.
func NewEvent(sessionID string, typ EventType, ts time.Time, payload any) (Event, error) {
	if payload == nil {
		payload = struct{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Event{
		SessionID: sessionID,
		Type:      typ,
		Timestamp: NormalizeTime(ts),
		Payload:   raw,
	}, nil
}

// NormalizeTime truncates t to the precision kept by the event log.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	raw := e.Payload
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s seq %d: %v", ErrMalformedEvent, e.Type, e.Seq, err)
	}
	return nil
}

// SessionCreatedPayload opens a session.
type SessionCreatedPayload struct {
	ChallengeID string `json:"challenge_id"`
	UserID      string `json:"user_id"`
}

// SessionStartedPayload moves a created session to its first step.
type SessionStartedPayload struct{}

// StepEnteredPayload records entry into a step.
type StepEnteredPayload struct {
	StepIndex int      `json:"step_index"`
	StepType  StepType `json:"step_type"`
}

// UserSubmittedAnswerPayload carries a learner answer in its raw JSON form.
type UserSubmittedAnswerPayload struct {
	StepIndex int             `json:"step_index"`
	Answer    json.RawMessage `json:"answer"`
}

// UserContinuedPayload acknowledges a continue gate.
type UserContinuedPayload struct {
	StepIndex int `json:"step_index"`
}

// UserRequestedHintPayload asks for a hint on the current step.
type UserRequestedHintPayload struct {
	StepIndex int `json:"step_index"`
}

// ScoreAwardedPayload records the grading of a step attempt.
type ScoreAwardedPayload struct {
	StepIndex      int    `json:"step_index"`
	PointsAwarded  int    `json:"points_awarded"`
	PointsPossible int    `json:"points_possible"`
	Passed         bool   `json:"passed"`
	Rationale      string `json:"rationale,omitempty"`
	Source         string `json:"source"`
}

// GMNarratedPayload carries narration or a hint from the advisory layer.
type GMNarratedPayload struct {
	TaskID    string `json:"task_id"`
	StepIndex int    `json:"step_index"`
	Content   string `json:"content"`
	IsHint    bool   `json:"is_hint"`
	Fallback  bool   `json:"fallback,omitempty"`
}

// LEMEvaluatedPayload carries an advisory evaluation of a CHAT answer.
type LEMEvaluatedPayload struct {
	TaskID         string         `json:"task_id"`
	StepIndex      int            `json:"step_index"`
	RawScore       int            `json:"raw_score"`
	Rationale      string         `json:"rationale"`
	CriteriaScores map[string]int `json:"criteria_scores,omitempty"`
	AdvisoryFailed bool           `json:"advisory_failed,omitempty"`
}

// SessionCompletedPayload records the final tally.
type SessionCompletedPayload struct {
	FinalScore       int     `json:"final_score"`
	MaxPossibleScore int     `json:"max_possible_score"`
	Percentage       float64 `json:"percentage"`
}

// Score sources.
const (
	SourceDeterministic = "deterministic"
	SourceAdvisory      = "advisory"
)
