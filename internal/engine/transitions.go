package engine

import (
	"fmt"

	"github.com/ashureev/lore-engine/internal/domain"
)

func (t *transition) sessionCreated() error {
	if t.state.LastSeq != 0 {
		return fmt.Errorf("%w: session %s already created", domain.ErrMalformedEvent, t.state.SessionID)
	}
	var p domain.SessionCreatedPayload
	if err := t.evt.Decode(&p); err != nil {
		return err
	}
	if p.ChallengeID != t.engine.challenge.ID {
		return fmt.Errorf("%w: session created for challenge %q, engine plays %q", domain.ErrMalformedEvent, p.ChallengeID, t.engine.challenge.ID)
	}
	t.state.ChallengeID = p.ChallengeID
	t.state.UserID = p.UserID
	t.state.Status = domain.StatusCreated
	t.state.MaxPossibleScore = t.engine.challenge.MaxPossibleScore()
	return nil
}

func (t *transition) sessionStarted() error {
	if t.state.Status != domain.StatusCreated {
		return domain.Reject("start_session", "session is %s", t.state.Status)
	}
	if err := t.evt.Decode(&domain.SessionStartedPayload{}); err != nil {
		return err
	}
	ch := t.engine.challenge
	t.state.Status = domain.StatusActive
	t.state.CurrentStepIndex = 0
	t.state.MaxPossibleScore = ch.MaxPossibleScore()
	t.state.AppendSummary(fmt.Sprintf("Started %q with %d steps", ch.Title, len(ch.Steps)))
	return t.enterStep(0)
}

func (t *transition) enterStep(idx int) error {
	step, ok := t.engine.challenge.Step(idx)
	if !ok {
		return fmt.Errorf("%w: step %d does not exist", domain.ErrMalformedEvent, idx)
	}
	t.state.CurrentStepIndex = idx
	if err := t.emit(domain.EventStepEntered, domain.StepEnteredPayload{StepIndex: idx, StepType: step.Type}); err != nil {
		return err
	}
	t.state.AppendSummary(fmt.Sprintf("Entered step %d/%d: %s", idx+1, len(t.engine.challenge.Steps), stepLabel(step)))
	if step.AutoNarrate {
		t.schedule(domain.TaskGMNarrate, step, "")
	}
	return nil
}

func (t *transition) continued() error {
	const op = "continue"
	if err := t.requireActive(op); err != nil {
		return err
	}
	var p domain.UserContinuedPayload
	if err := t.evt.Decode(&p); err != nil {
		return err
	}
	if err := t.requireStep(op, p.StepIndex); err != nil {
		return err
	}
	step := t.currentStep()
	if step.Type != domain.StepContinueGate {
		return domain.Reject(op, "step %d is %s, not a continue gate", p.StepIndex, step.Type)
	}
	return t.grade(step, outcome{passed: true})
}

func (t *transition) answerSubmitted() error {
	const op = "submit_answer"
	if err := t.requireActive(op); err != nil {
		return err
	}
	var p domain.UserSubmittedAnswerPayload
	if err := t.evt.Decode(&p); err != nil {
		return err
	}
	if err := t.requireStep(op, p.StepIndex); err != nil {
		return err
	}

	step := t.currentStep()
	switch step.Type {
	case domain.StepContinueGate:
		return domain.Reject(op, "step %d is a continue gate and takes no answer", p.StepIndex)
	case domain.StepChat:
		if t.state.AwaitingEvaluation() {
			return domain.Reject(op, "an evaluation is already pending for step %d", p.StepIndex)
		}
		text, err := decodeText(p.Answer)
		if err != nil {
			return err
		}
		t.state.AddMessage(domain.RoleUser, text, t.evt.Timestamp, false)
		t.state.AppendSummary(fmt.Sprintf("Answered step %d; awaiting evaluation", p.StepIndex+1))
		t.schedule(domain.TaskLEMEvaluate, step, text)
		return nil
	case domain.StepMCQSingle, domain.StepTrueFalse, domain.StepMCQMulti:
		out, display, err := gradeChoice(step, p.Answer)
		if err != nil {
			return err
		}
		t.state.AddMessage(domain.RoleUser, display, t.evt.Timestamp, false)
		return t.grade(step, out)
	}
	return fmt.Errorf("%w: step type %q has no handler", domain.ErrMalformedEvent, step.Type)
}

func (t *transition) hintRequested() error {
	const op = "request_hint"
	if err := t.requireActive(op); err != nil {
		return err
	}
	var p domain.UserRequestedHintPayload
	if err := t.evt.Decode(&p); err != nil {
		return err
	}
	if err := t.requireStep(op, p.StepIndex); err != nil {
		return err
	}
	t.state.HintsUsed++
	t.state.AppendSummary(fmt.Sprintf("Requested a hint on step %d", p.StepIndex+1))
	t.schedule(domain.TaskTeachHints, t.currentStep(), "")
	return nil
}

func (t *transition) gmNarrated() error {
	var p domain.GMNarratedPayload
	if err := t.evt.Decode(&p); err != nil {
		return err
	}
	task, ok := t.state.PendingTask(p.TaskID)
	if !ok {
		return fmt.Errorf("%w: no pending task %q", domain.ErrMalformedEvent, p.TaskID)
	}
	if task.Type == domain.TaskLEMEvaluate {
		return fmt.Errorf("%w: task %q expects an evaluation", domain.ErrMalformedEvent, p.TaskID)
	}
	t.state.RemovePendingTask(p.TaskID)
	t.state.AddMessage(domain.RoleGM, p.Content, t.evt.Timestamp, p.IsHint)
	return nil
}

func (t *transition) lemEvaluated() error {
	var p domain.LEMEvaluatedPayload
	if err := t.evt.Decode(&p); err != nil {
		return err
	}
	task, ok := t.state.PendingTask(p.TaskID)
	if !ok {
		return fmt.Errorf("%w: no pending task %q", domain.ErrMalformedEvent, p.TaskID)
	}
	if task.Type != domain.TaskLEMEvaluate {
		return fmt.Errorf("%w: task %q is not an evaluation", domain.ErrMalformedEvent, p.TaskID)
	}
	if t.state.Status != domain.StatusActive || task.StepIndex != t.state.CurrentStepIndex {
		return fmt.Errorf("%w: evaluation for step %d does not match current step %d", domain.ErrMalformedEvent, task.StepIndex, t.state.CurrentStepIndex)
	}
	t.state.RemovePendingTask(p.TaskID)

	step := t.currentStep()
	if p.Rationale != "" {
		t.state.AddMessage(domain.RoleGM, p.Rationale, t.evt.Timestamp, false)
	}
	return t.grade(step, evaluationOutcome(step, p))
}

// grade records the attempt on the current step and advances on a pass.
func (t *transition) grade(step domain.StepDefinition, out outcome) error {
	idx := t.state.CurrentStepIndex
	points := clamp(out.points, 0, step.PointsPossible)
	prev, _ := t.state.ScoreFor(idx)
	t.state.SetStepScore(domain.StepScore{
		StepIndex:      idx,
		PointsAwarded:  points,
		PointsPossible: step.PointsPossible,
		Passed:         out.passed,
		Rationale:      out.rationale,
		Attempts:       prev.Attempts + 1,
	})

	source := domain.SourceDeterministic
	if step.Type == domain.StepChat {
		source = domain.SourceAdvisory
	}
	if err := t.emit(domain.EventScoreAwarded, domain.ScoreAwardedPayload{
		StepIndex:      idx,
		PointsAwarded:  points,
		PointsPossible: step.PointsPossible,
		Passed:         out.passed,
		Rationale:      out.rationale,
		Source:         source,
	}); err != nil {
		return err
	}

	if step.Type != domain.StepContinueGate {
		t.state.AddMessage(domain.RoleSystem, feedback(out, points, step.PointsPossible), t.evt.Timestamp, false)
	}

	if !out.passed {
		if !out.advisoryFailed {
			t.state.MistakesCount++
		}
		t.state.AppendSummary(fmt.Sprintf("Missed step %d with %d/%d points", idx+1, points, step.PointsPossible))
		return nil
	}
	t.state.AppendSummary(fmt.Sprintf("Passed step %d with %d/%d points", idx+1, points, step.PointsPossible))
	return t.advance()
}

func (t *transition) advance() error {
	last := len(t.engine.challenge.Steps) - 1
	if t.state.CurrentStepIndex < last {
		return t.enterStep(t.state.CurrentStepIndex + 1)
	}

	t.state.Status = domain.StatusCompleted
	pct := 0.0
	if t.state.MaxPossibleScore > 0 {
		pct = float64(t.state.TotalScore) * 100 / float64(t.state.MaxPossibleScore)
	}
	if err := t.emit(domain.EventSessionCompleted, domain.SessionCompletedPayload{
		FinalScore:       t.state.TotalScore,
		MaxPossibleScore: t.state.MaxPossibleScore,
		Percentage:       pct,
	}); err != nil {
		return err
	}
	t.state.AddMessage(domain.RoleSystem,
		fmt.Sprintf("Challenge complete! Final score: %d/%d", t.state.TotalScore, t.state.MaxPossibleScore),
		t.evt.Timestamp, false)
	t.state.AppendSummary(fmt.Sprintf("Completed challenge with %d/%d points", t.state.TotalScore, t.state.MaxPossibleScore))
	return nil
}

func stepLabel(step domain.StepDefinition) string {
	if step.Title != "" {
		return step.Title
	}
	return string(step.Type)
}
