package domain

import (
	"errors"
	"testing"
)

func intPtr(v int) *int { return &v }

func TestNormalize(t *testing.T) {
	c := Challenge{ID: "c", Steps: []StepDefinition{
		{Type: StepContinueGate, PointsPossible: 15},
		{Type: StepTrueFalse, CorrectAnswer: intPtr(0), PointsPossible: 5},
	}}
	c.Normalize()
	if c.Steps[0].PointsPossible != 0 {
		t.Fatalf("gate points not zeroed")
	}
	if len(c.Steps[1].Options) != 2 || c.Steps[1].Options[0] != "True" {
		t.Fatalf("true/false options not defaulted: %v", c.Steps[1].Options)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if c.MaxPossibleScore() != 5 {
		t.Fatalf("max score = %d", c.MaxPossibleScore())
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		step StepDefinition
	}{
		{"unknown type", StepDefinition{Type: "ESSAY"}},
		{"single without answer", StepDefinition{Type: StepMCQSingle, Options: []string{"a", "b"}}},
		{"single answer out of range", StepDefinition{Type: StepMCQSingle, Options: []string{"a", "b"}, CorrectAnswer: intPtr(2)}},
		{"true/false with three options", StepDefinition{Type: StepTrueFalse, Options: []string{"True", "False", "Maybe"}, CorrectAnswer: intPtr(0)}},
		{"multi empty answers", StepDefinition{Type: StepMCQMulti, Options: []string{"a", "b"}}},
		{"multi duplicate", StepDefinition{Type: StepMCQMulti, Options: []string{"a", "b"}, CorrectAnswers: []int{1, 1}}},
		{"threshold too high", StepDefinition{Type: StepChat, PassingThreshold: 101}},
		{"negative points", StepDefinition{Type: StepChat, PointsPossible: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Challenge{ID: "c", Steps: []StepDefinition{tt.step}}
			if err := c.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	if err := (&Challenge{ID: "empty"}).Validate(); err == nil {
		t.Fatal("expected error for challenge without steps")
	}
}

func TestTransitionErrorMatchesSentinel(t *testing.T) {
	err := Reject("submit_answer", "step %d is a continue gate", 0)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	var te *TransitionError
	if !errors.As(err, &te) || te.Op != "submit_answer" {
		t.Fatalf("expected TransitionError, got %T", err)
	}
}

func TestEventDecodeMalformed(t *testing.T) {
	evt := Event{Type: EventUserContinued, Seq: 3, Payload: []byte(`{"step_index":"x"}`)}
	var p UserContinuedPayload
	if err := evt.Decode(&p); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}

	evt.Payload = nil
	if err := evt.Decode(&p); err != nil {
		t.Fatalf("empty payload should decode: %v", err)
	}
}
