package domain

// TaskType names an advisory job the engine schedules.
type TaskType string

const (
	TaskGMNarrate   TaskType = "GM_NARRATE"
	TaskLEMEvaluate TaskType = "LEM_EVALUATE"
	TaskTeachHints  TaskType = "TEACH_HINTS"
)

// ResultEvent returns the event type that resolves a task of type t.
func (t TaskType) ResultEvent() EventType {
	if t == TaskLEMEvaluate {
		return EventLEMEvaluated
	}
	return EventGMNarrated
}

// AdvisoryTask is a pending request for the advisory layer. The ID is
// derived from the triggering event so replay schedules identical tasks.
type AdvisoryTask struct {
	ID        string         `json:"id"`
	Type      TaskType       `json:"type"`
	StepIndex int            `json:"step_index"`
	Context   BoundedContext `json:"context"`
}

// BoundedContext is the only view of a session an advisory call receives.
type BoundedContext struct {
	ChallengeTitle   string    `json:"challenge_title"`
	StepIndex        int       `json:"step_index"`
	TotalSteps       int       `json:"total_steps"`
	StepType         StepType  `json:"step_type"`
	StepTitle        string    `json:"step_title,omitempty"`
	StepInstruction  string    `json:"step_instruction,omitempty"`
	GMContext        string    `json:"gm_context,omitempty"`
	Answer           string    `json:"answer,omitempty"`
	Rubric           *Rubric   `json:"rubric,omitempty"`
	PointsPossible   int       `json:"points_possible"`
	PassingThreshold int       `json:"passing_threshold"`
	CurrentScore     int       `json:"current_score"`
	MaxScore         int       `json:"max_score"`
	HintsUsed        int       `json:"hints_used"`
	MistakesCount    int       `json:"mistakes_count"`
	ContextSummary   string    `json:"context_summary,omitempty"`
	RecentMessages   []Message `json:"recent_messages,omitempty"`
	Temperature      float64   `json:"temperature"`
	MaxTokens        int       `json:"max_tokens"`
}
