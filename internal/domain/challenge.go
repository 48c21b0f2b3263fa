package domain

import (
	"fmt"
	"strings"
)

// StepType is the closed set of step kinds a challenge can contain.
type StepType string

const (
	StepContinueGate StepType = "CONTINUE_GATE"
	StepMCQSingle    StepType = "MCQ_SINGLE"
	StepMCQMulti     StepType = "MCQ_MULTI"
	StepTrueFalse    StepType = "TRUE_FALSE"
	StepChat         StepType = "CHAT"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepContinueGate, StepMCQSingle, StepMCQMulti, StepTrueFalse, StepChat:
		return true
	}
	return false
}

// HasOptions reports whether the step is answered by picking options.
func (t StepType) HasOptions() bool {
	return t == StepMCQSingle || t == StepMCQMulti || t == StepTrueFalse
}

// Criterion is one weighted rubric line.
type Criterion struct {
	Description string `json:"description"`
	Points      int    `json:"points"`
}

// Rubric guides advisory evaluation of free-form answers.
type Rubric struct {
	Criteria         map[string]Criterion `json:"criteria"`
	TotalPoints      int                  `json:"total_points"`
	PassingThreshold int                  `json:"passing_threshold"`
}

// StepDefinition is the immutable configuration of one challenge step.
type StepDefinition struct {
	Type             StepType `json:"step_type"`
	Title            string   `json:"title,omitempty"`
	Instruction      string   `json:"instruction,omitempty"`
	Options          []string `json:"options,omitempty"`
	CorrectAnswer    *int     `json:"correct_answer,omitempty"`
	CorrectAnswers   []int    `json:"correct_answers,omitempty"`
	Rubric           *Rubric  `json:"rubric,omitempty"`
	PointsPossible   int      `json:"points_possible"`
	PassingThreshold int      `json:"passing_threshold"`
	AutoNarrate      bool     `json:"auto_narrate,omitempty"`
	GMContext        string   `json:"gm_context,omitempty"`
}

// Challenge is an ordered list of steps. Immutable once loaded.
type Challenge struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Steps       []StepDefinition `json:"steps"`
}

// ChallengeSummary is the listing view of a challenge.
type ChallengeSummary struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Description      string `json:"description"`
	TotalSteps       int    `json:"total_steps"`
	MaxPossibleScore int    `json:"max_possible_score"`
}

// Summary returns the listing view of c.
func (c *Challenge) Summary() ChallengeSummary {
	return ChallengeSummary{
		ID:               c.ID,
		Title:            c.Title,
		Description:      c.Description,
		TotalSteps:       len(c.Steps),
		MaxPossibleScore: c.MaxPossibleScore(),
	}
}

// MaxPossibleScore sums points_possible over all steps.
func (c *Challenge) MaxPossibleScore() int {
	total := 0
	for _, s := range c.Steps {
		total += s.PointsPossible
	}
	return total
}

// Step returns the definition at idx.
func (c *Challenge) Step(idx int) (StepDefinition, bool) {
	if idx < 0 || idx >= len(c.Steps) {
		return StepDefinition{}, false
	}
	return c.Steps[idx], true
}

// Normalize applies structural defaults: gates are worth nothing and
// true/false steps get their fixed option labels.
func (c *Challenge) Normalize() {
	for i := range c.Steps {
		s := &c.Steps[i]
		switch s.Type {
		case StepContinueGate:
			s.PointsPossible = 0
		case StepTrueFalse:
			if len(s.Options) == 0 {
				s.Options = []string{"True", "False"}
			}
		}
	}
}

// Validate checks the challenge is playable.
func (c *Challenge) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("challenge id cannot be empty")
	}
	if len(c.Steps) == 0 {
		return fmt.Errorf("challenge %s: at least one step is required", c.ID)
	}
	for i, s := range c.Steps {
		if err := s.validate(); err != nil {
			return fmt.Errorf("challenge %s step %d: %w", c.ID, i, err)
		}
	}
	return nil
}

func (s StepDefinition) validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("unknown step type %q", s.Type)
	}
	if s.PointsPossible < 0 {
		return fmt.Errorf("points_possible must be >= 0")
	}
	if s.PassingThreshold < 0 || s.PassingThreshold > 100 {
		return fmt.Errorf("passing_threshold must be within [0, 100]")
	}
	switch s.Type {
	case StepContinueGate:
		if s.PointsPossible != 0 {
			return fmt.Errorf("continue gate must have zero points")
		}
	case StepMCQSingle, StepTrueFalse:
		if s.Type == StepTrueFalse && len(s.Options) != 2 {
			return fmt.Errorf("true/false steps take exactly two options")
		}
		if len(s.Options) < 2 {
			return fmt.Errorf("at least two options are required")
		}
		if s.CorrectAnswer == nil {
			return fmt.Errorf("correct_answer is required")
		}
		if *s.CorrectAnswer < 0 || *s.CorrectAnswer >= len(s.Options) {
			return fmt.Errorf("correct_answer %d out of range", *s.CorrectAnswer)
		}
	case StepMCQMulti:
		if len(s.Options) < 2 {
			return fmt.Errorf("at least two options are required")
		}
		if len(s.CorrectAnswers) == 0 {
			return fmt.Errorf("correct_answers cannot be empty")
		}
		seen := make(map[int]bool, len(s.CorrectAnswers))
		for _, a := range s.CorrectAnswers {
			if a < 0 || a >= len(s.Options) {
				return fmt.Errorf("correct answer %d out of range", a)
			}
			if seen[a] {
				return fmt.Errorf("correct answer %d listed twice", a)
			}
			seen[a] = true
		}
	}
	return nil
}
