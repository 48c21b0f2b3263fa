package domain

import (
	"time"
	"unicode/utf8"
)

// Status is the lifecycle position of a session.
type Status string

const (
	StatusCreated   Status = "created"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Message roles.
const (
	RoleUser   = "user"
	RoleSystem = "system"
	RoleGM     = "gm"
)

// MaxContextSummary caps the rolling summary handed to advisory calls.
const MaxContextSummary = 2000

// Message is one entry in the session transcript.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsHint    bool      `json:"is_hint,omitempty"`
}

// StepScore is the latest grading of one step.
type StepScore struct {
	StepIndex      int    `json:"step_index"`
	PointsAwarded  int    `json:"points_awarded"`
	PointsPossible int    `json:"points_possible"`
	Passed         bool   `json:"passed"`
	Rationale      string `json:"rationale,omitempty"`
	Attempts       int    `json:"attempts"`
}

// SessionState is the fold of a session's events. It is never stored as
// the source of truth; snapshots cache it.
type SessionState struct {
	SessionID        string         `json:"session_id"`
	ChallengeID      string         `json:"challenge_id"`
	UserID           string         `json:"user_id"`
	Status           Status         `json:"status"`
	CurrentStepIndex int            `json:"current_step_index"`
	TotalScore       int            `json:"total_score"`
	MaxPossibleScore int            `json:"max_possible_score"`
	MistakesCount    int            `json:"mistakes_count"`
	HintsUsed        int            `json:"hints_used"`
	Messages         []Message      `json:"messages"`
	StepScores       []StepScore    `json:"step_scores"`
	ContextSummary   string         `json:"context_summary"`
	PendingTasks     []AdvisoryTask `json:"pending_tasks"`
	LastSeq          int64          `json:"last_seq"`
}

// NewSessionState returns the state before any event is folded.
func NewSessionState(sessionID string) SessionState {
	return SessionState{
		SessionID:    sessionID,
		Status:       StatusCreated,
		Messages:     []Message{},
		StepScores:   []StepScore{},
		PendingTasks: []AdvisoryTask{},
	}
}

// Clone returns a copy that shares no mutable slices with s.
func (s SessionState) Clone() SessionState {
	out := s
	out.Messages = append(make([]Message, 0, len(s.Messages)+2), s.Messages...)
	out.StepScores = append(make([]StepScore, 0, len(s.StepScores)+1), s.StepScores...)
	out.PendingTasks = make([]AdvisoryTask, len(s.PendingTasks))
	for i, t := range s.PendingTasks {
		t.Context.RecentMessages = append([]Message(nil), t.Context.RecentMessages...)
		out.PendingTasks[i] = t
	}
	return out
}

// ScoreFor returns the recorded score of step idx.
func (s *SessionState) ScoreFor(idx int) (StepScore, bool) {
	for _, sc := range s.StepScores {
		if sc.StepIndex == idx {
			return sc, true
		}
	}
	return StepScore{}, false
}

// SetStepScore records sc, replacing any earlier attempt on the same step,
// and recomputes the total from passed steps.
func (s *SessionState) SetStepScore(sc StepScore) {
	replaced := false
	for i := range s.StepScores {
		if s.StepScores[i].StepIndex == sc.StepIndex {
			s.StepScores[i] = sc
			replaced = true
			break
		}
	}
	if !replaced {
		s.StepScores = append(s.StepScores, sc)
	}
	total := 0
	for _, x := range s.StepScores {
		if x.Passed {
			total += x.PointsAwarded
		}
	}
	s.TotalScore = total
}

// AddMessage appends a transcript entry.
func (s *SessionState) AddMessage(role, content string, ts time.Time, isHint bool) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content, Timestamp: ts, IsHint: isHint})
}

// RecentMessages returns at most n trailing messages.
func (s *SessionState) RecentMessages(n int) []Message {
	if n <= 0 {
		return nil
	}
	if n >= len(s.Messages) {
		return append([]Message(nil), s.Messages...)
	}
	return append([]Message(nil), s.Messages[len(s.Messages)-n:]...)
}

// AppendSummary adds a line to the rolling context summary, keeping only
// the trailing MaxContextSummary characters.
func (s *SessionState) AppendSummary(line string) {
	if s.ContextSummary == "" {
		s.ContextSummary = line
	} else {
		s.ContextSummary += "\n" + line
	}
	s.ContextSummary = TruncateTail(s.ContextSummary, MaxContextSummary)
}

// PendingTask returns the pending task with id.
func (s *SessionState) PendingTask(id string) (AdvisoryTask, bool) {
	for _, t := range s.PendingTasks {
		if t.ID == id {
			return t, true
		}
	}
	return AdvisoryTask{}, false
}

// RemovePendingTask drops the task with id.
func (s *SessionState) RemovePendingTask(id string) {
	kept := make([]AdvisoryTask, 0, len(s.PendingTasks))
	for _, t := range s.PendingTasks {
		if t.ID != id {
			kept = append(kept, t)
		}
	}
	s.PendingTasks = kept
}

// AwaitingEvaluation reports whether the current step has an evaluation
// in flight.
func (s *SessionState) AwaitingEvaluation() bool {
	for _, t := range s.PendingTasks {
		if t.Type == TaskLEMEvaluate && t.StepIndex == s.CurrentStepIndex {
			return true
		}
	}
	return false
}

// TruncateTail keeps the last max runes of v.
func TruncateTail(v string, max int) string {
	if utf8.RuneCountInString(v) <= max {
		return v
	}
	r := []rune(v)
	return string(r[len(r)-max:])
}

// TruncateHead keeps the first max runes of v.
func TruncateHead(v string, max int) string {
	if utf8.RuneCountInString(v) <= max {
		return v
	}
	return string([]rune(v)[:max])
}
