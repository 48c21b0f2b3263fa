package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/lore-engine/internal/domain"
)

// MaxAnswerLength bounds free-form answers in characters.
const MaxAnswerLength = 5000

type outcome struct {
	points         int
	passed         bool
	rationale      string
	advisoryFailed bool
}

// gradeChoice scores option-based steps. It returns the outcome and the
// transcript rendering of the answer.
func gradeChoice(step domain.StepDefinition, raw json.RawMessage) (outcome, string, error) {
	switch step.Type {
	case domain.StepMCQSingle:
		return gradeSingle(step, raw, false)
	case domain.StepTrueFalse:
		return gradeSingle(step, raw, true)
	case domain.StepMCQMulti:
		return gradeMulti(step, raw)
	}
	return outcome{}, "", fmt.Errorf("%w: step type %s is not option based", domain.ErrInvalidAnswer, step.Type)
}

func gradeSingle(step domain.StepDefinition, raw json.RawMessage, allowBool bool) (outcome, string, error) {
	idx, err := decodeIndex(raw, step.Options, allowBool)
	if err != nil {
		return outcome{}, "", err
	}
	if idx == *step.CorrectAnswer {
		return outcome{points: step.PointsPossible, passed: true}, step.Options[idx], nil
	}
	return outcome{}, step.Options[idx], nil
}

// gradeMulti awards partial credit for each correct option selected.
// Selecting extra options is neither rewarded nor penalized.
func gradeMulti(step domain.StepDefinition, raw json.RawMessage) (outcome, string, error) {
	picked, err := decodeIndexSet(raw, len(step.Options))
	if err != nil {
		return outcome{}, "", err
	}
	correct := make(map[int]bool, len(step.CorrectAnswers))
	for _, a := range step.CorrectAnswers {
		correct[a] = true
	}
	matched := 0
	labels := make([]string, 0, len(picked))
	for _, p := range picked {
		if correct[p] {
			matched++
		}
		labels = append(labels, step.Options[p])
	}

	total := len(step.CorrectAnswers)
	fraction := float64(matched) / float64(total)
	out := outcome{
		points:    int(math.Round(float64(step.PointsPossible) * fraction)),
		passed:    matched*100 >= step.PassingThreshold*total,
		rationale: fmt.Sprintf("%d of %d correct options selected", matched, total),
	}
	return out, strings.Join(labels, ", "), nil
}

func evaluationOutcome(step domain.StepDefinition, p domain.LEMEvaluatedPayload) outcome {
	points := clamp(p.RawScore, 0, step.PointsPossible)
	out := outcome{
		points:         points,
		passed:         points*100 >= step.PassingThreshold*step.PointsPossible,
		rationale:      p.Rationale,
		advisoryFailed: p.AdvisoryFailed,
	}
	if p.AdvisoryFailed {
		out.points = 0
		out.passed = false
	}
	return out
}

func feedback(out outcome, points, possible int) string {
	switch {
	case out.advisoryFailed:
		return "Your answer could not be evaluated right now. Please submit it again."
	case out.passed:
		return fmt.Sprintf("Correct! You earned %d/%d points.", points, possible)
	case points > 0:
		return fmt.Sprintf("Partially correct (%d/%d points). Try again.", points, possible)
	default:
		return "Not quite. Try again."
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func decodeValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidAnswer, err)
	}
	return v, nil
}

func toIndex(v any, n int) (int, error) {
	num, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("%w: expected an option index", domain.ErrInvalidAnswer)
	}
	i, err := num.Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: option index must be an integer", domain.ErrInvalidAnswer)
	}
	if i < 0 || i >= int64(n) {
		return 0, fmt.Errorf("%w: option %d out of range [0, %d)", domain.ErrInvalidAnswer, i, n)
	}
	return int(i), nil
}

// decodeIndex reads a single option index. With allowBool set, a JSON
// boolean selects the option labelled "true" or "false", falling back to
// index 0 for true and 1 for false when no label matches.
func decodeIndex(raw json.RawMessage, options []string, allowBool bool) (int, error) {
	v, err := decodeValue(raw)
	if err != nil {
		return 0, err
	}
	if b, ok := v.(bool); ok && allowBool {
		return boolIndex(b, options), nil
	}
	return toIndex(v, len(options))
}

func boolIndex(b bool, options []string) int {
	want := strconv.FormatBool(b)
	for i, opt := range options {
		if strings.EqualFold(strings.TrimSpace(opt), want) {
			return i
		}
	}
	if b {
		return 0
	}
	return 1
}

// decodeIndexSet reads a non-empty list of option indices, dropping
// duplicates while keeping first-seen order.
func decodeIndexSet(raw json.RawMessage, n int) ([]int, error) {
	v, err := decodeValue(raw)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected a list of option indices", domain.ErrInvalidAnswer)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: select at least one option", domain.ErrInvalidAnswer)
	}
	seen := make(map[int]bool, len(list))
	out := make([]int, 0, len(list))
	for _, item := range list {
		i, err := toIndex(item, n)
		if err != nil {
			return nil, err
		}
		if seen[i] {
			continue
		}
		seen[i] = true
		out = append(out, i)
	}
	return out, nil
}

func decodeText(raw json.RawMessage) (string, error) {
	v, err := decodeValue(raw)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: expected text", domain.ErrInvalidAnswer)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: answer cannot be empty", domain.ErrInvalidAnswer)
	}
	if utf8.RuneCountInString(s) > MaxAnswerLength {
		return "", fmt.Errorf("%w: answer exceeds %d characters", domain.ErrInvalidAnswer, MaxAnswerLength)
	}
	return s, nil
}

// ValidateAnswer checks raw against the shape step expects without
// grading it.
func ValidateAnswer(step domain.StepDefinition, raw json.RawMessage) error {
	var err error
	switch step.Type {
	case domain.StepMCQSingle:
		_, err = decodeIndex(raw, step.Options, false)
	case domain.StepTrueFalse:
		_, err = decodeIndex(raw, step.Options, true)
	case domain.StepMCQMulti:
		_, err = decodeIndexSet(raw, len(step.Options))
	case domain.StepChat:
		_, err = decodeText(raw)
	case domain.StepContinueGate:
		err = domain.Reject("submit_answer", "continue gates take no answer")
	}
	return err
}
