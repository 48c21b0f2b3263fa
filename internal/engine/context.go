package engine

import (
	"github.com/ashureev/lore-engine/internal/domain"
)

// maxContextMessageChars caps each transcript message copied into a task.
const maxContextMessageChars = 1000

type generation struct {
	temperature float64
	maxTokens   int
}

var generationParams = map[domain.TaskType]generation{
	domain.TaskGMNarrate:   {temperature: 0.7, maxTokens: 300},
	domain.TaskLEMEvaluate: {temperature: 0.0, maxTokens: 500},
	domain.TaskTeachHints:  {temperature: 0.5, maxTokens: 200},
}

func (t *transition) boundedContext(typ domain.TaskType, step domain.StepDefinition, answer string) domain.BoundedContext {
	gen := generationParams[typ]
	recent := t.state.RecentMessages(t.engine.contextMessages)
	for i := range recent {
		recent[i].Content = domain.TruncateHead(recent[i].Content, maxContextMessageChars)
	}

	bc := domain.BoundedContext{
		ChallengeTitle:   t.engine.challenge.Title,
		StepIndex:        t.state.CurrentStepIndex,
		TotalSteps:       len(t.engine.challenge.Steps),
		StepType:         step.Type,
		StepTitle:        step.Title,
		StepInstruction:  step.Instruction,
		GMContext:        step.GMContext,
		PointsPossible:   step.PointsPossible,
		PassingThreshold: step.PassingThreshold,
		CurrentScore:     t.state.TotalScore,
		MaxScore:         t.state.MaxPossibleScore,
		HintsUsed:        t.state.HintsUsed,
		MistakesCount:    t.state.MistakesCount,
		ContextSummary:   domain.TruncateTail(t.state.ContextSummary, domain.MaxContextSummary),
		RecentMessages:   recent,
		Temperature:      gen.temperature,
		MaxTokens:        gen.maxTokens,
	}
	if typ == domain.TaskLEMEvaluate {
		bc.Answer = domain.TruncateHead(answer, MaxAnswerLength)
		bc.Rubric = step.Rubric
	}
	return bc
}
