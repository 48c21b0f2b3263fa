package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every layer. Callers match with errors.Is.
var (
	ErrSessionNotFound         = errors.New("session not found")
	ErrChallengeNotFound       = errors.New("challenge not found")
	ErrConcurrentWriteConflict = errors.New("concurrent write conflict")
	ErrInvalidTransition       = errors.New("invalid transition")
	ErrInvalidAnswer           = errors.New("invalid answer")
	ErrMalformedEvent          = errors.New("malformed event")

	// ErrCorruptLog marks a stored event log that no longer replays.
	ErrCorruptLog = errors.New("corrupt event log")
)

// TransitionError describes an action the current session state rejects.
type TransitionError struct {
	Op     string
	Reason string
	Err    error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *TransitionError) Unwrap() error {
	if e.Err == nil {
		return ErrInvalidTransition
	}
	return e.Err
}

// Reject builds an invalid-transition error for op.
func Reject(op, format string, args ...any) error {
	return &TransitionError{Op: op, Reason: fmt.Sprintf(format, args...), Err: ErrInvalidTransition}
}
