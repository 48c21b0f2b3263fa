// Package advisory runs the non-authoritative language model tasks the
// engine schedules: narration, hints and free-form answer evaluation.
// Results come back as events; nothing here mutates session state.
package advisory

import (
	"context"
	"errors"

	"github.com/ashureev/lore-engine/internal/domain"
)

var (
	// ErrUnavailable is returned when no advisory backend is configured.
	ErrUnavailable = errors.New("advisory service unavailable")
	// ErrTimeout is returned when a task exceeds its deadline.
	ErrTimeout = errors.New("advisory task timed out")
	// ErrEmptyResponse is returned when the backend produced no usable text.
	ErrEmptyResponse = errors.New("advisory response was empty")
	// ErrMissingScore is returned when an evaluation carries no raw_score.
	ErrMissingScore = errors.New("advisory evaluation missing raw_score")
)

// Request is one advisory invocation.
type Request struct {
	TaskID    string                `json:"task_id"`
	SessionID string                `json:"session_id"`
	TaskType  domain.TaskType       `json:"task_type"`
	Context   domain.BoundedContext `json:"context"`
}

// Response is what a backend returns. Evaluations may set RawScore
// directly or embed a JSON object in Text.
type Response struct {
	Text           string         `json:"text"`
	RawScore       *int           `json:"raw_score,omitempty"`
	Rationale      string         `json:"rationale,omitempty"`
	CriteriaScores map[string]int `json:"criteria_scores,omitempty"`
}

// Service is an advisory backend.
type Service interface {
	// Invoke runs a single task. Implementations should honor ctx.
	Invoke(ctx context.Context, req Request) (Response, error)

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Disabled is the Service used when no backend is configured. Every task
// resolves through its fallback.
type Disabled struct{}

var _ Service = Disabled{}

// Invoke always fails with ErrUnavailable.
func (Disabled) Invoke(context.Context, Request) (Response, error) {
	return Response{}, ErrUnavailable
}

// Health always fails with ErrUnavailable.
func (Disabled) Health(context.Context) error { return ErrUnavailable }

// Close is a no-op.
func (Disabled) Close() error { return nil }
