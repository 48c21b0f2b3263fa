package domain

import (
	"time"
)

// SessionRecord is the index row kept beside the event log for listing
// and recovery. It is derived data; the log stays authoritative.
type SessionRecord struct {
	ID           string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	ChallengeID  string    `json:"challenge_id"`
	Status       Status    `json:"status"`
	LastSeq      int64     `json:"last_seq"`
	PendingTasks int       `json:"pending_tasks"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Snapshot caches a folded state at Seq.
type Snapshot struct {
	SessionID string       `json:"session_id"`
	Seq       int64        `json:"seq"`
	State     SessionState `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
}

// UIMode tells the client which interaction to render.
type UIMode string

const (
	UIModeNotStarted         UIMode = "NOT_STARTED"
	UIModeContinueGate       UIMode = "CONTINUE_GATE"
	UIModeMCQSingle          UIMode = "MCQ_SINGLE"
	UIModeMCQMulti           UIMode = "MCQ_MULTI"
	UIModeTrueFalse          UIMode = "TRUE_FALSE"
	UIModeChat               UIMode = "CHAT"
	UIModeAwaitingEvaluation UIMode = "AWAITING_EVALUATION"
	UIModeCompleted          UIMode = "COMPLETED"
)

// UIState is the render descriptor returned by every session operation.
type UIState struct {
	SessionID          string    `json:"session_id"`
	ChallengeID        string    `json:"challenge_id"`
	UIMode             UIMode    `json:"ui_mode"`
	StepIndex          int       `json:"step_index"`
	TotalSteps         int       `json:"total_steps"`
	StepTitle          string    `json:"step_title"`
	StepInstruction    string    `json:"step_instruction"`
	Messages           []Message `json:"messages"`
	Score              int       `json:"score"`
	MaxScore           int       `json:"max_score"`
	Status             Status    `json:"status"`
	ProgressPercentage float64   `json:"progress_percentage"`
	Options            []string  `json:"options,omitempty"`
	HintsUsed          int       `json:"hints_used"`
	MistakesCount      int       `json:"mistakes_count"`
}
