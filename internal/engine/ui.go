package engine

import (
	"github.com/ashureev/lore-engine/internal/domain"
)

// Describe renders state for the client. The UI never decides what comes
// next; it renders ui_mode.
func (e *Engine) Describe(state domain.SessionState) domain.UIState {
	total := len(e.challenge.Steps)
	ui := domain.UIState{
		SessionID:     state.SessionID,
		ChallengeID:   e.challenge.ID,
		StepIndex:     state.CurrentStepIndex,
		TotalSteps:    total,
		Messages:      append([]domain.Message{}, state.Messages...),
		Score:         state.TotalScore,
		MaxScore:      e.challenge.MaxPossibleScore(),
		Status:        state.Status,
		HintsUsed:     state.HintsUsed,
		MistakesCount: state.MistakesCount,
	}
	step, _ := e.challenge.Step(state.CurrentStepIndex)
	ui.StepTitle = step.Title
	ui.StepInstruction = step.Instruction

	switch state.Status {
	case domain.StatusCreated:
		ui.UIMode = domain.UIModeNotStarted
		ui.ProgressPercentage = 0
	case domain.StatusCompleted:
		ui.UIMode = domain.UIModeCompleted
		ui.ProgressPercentage = 100
	default:
		ui.UIMode = domain.UIMode(step.Type)
		if state.AwaitingEvaluation() {
			ui.UIMode = domain.UIModeAwaitingEvaluation
		}
		if total > 0 {
			ui.ProgressPercentage = float64(state.CurrentStepIndex+1) * 100 / float64(total)
		}
		if step.Type.HasOptions() {
			ui.Options = append([]string(nil), step.Options...)
		}
	}
	return ui
}
