package domain

import (
	"strings"
	"testing"
	"time"
)

func TestSetStepScoreReplacesEarlierAttempt(t *testing.T) {
	s := NewSessionState("s1")
	s.SetStepScore(StepScore{StepIndex: 1, PointsAwarded: 0, PointsPossible: 10, Passed: false, Attempts: 1})
	s.SetStepScore(StepScore{StepIndex: 1, PointsAwarded: 10, PointsPossible: 10, Passed: true, Attempts: 2})
	s.SetStepScore(StepScore{StepIndex: 2, PointsAwarded: 4, PointsPossible: 10, Passed: false, Attempts: 1})

	if len(s.StepScores) != 2 {
		t.Fatalf("expected 2 step scores, got %d", len(s.StepScores))
	}
	if s.TotalScore != 10 {
		t.Fatalf("expected total 10 from passed steps only, got %d", s.TotalScore)
	}
	sc, ok := s.ScoreFor(1)
	if !ok || sc.Attempts != 2 || !sc.Passed {
		t.Fatalf("unexpected score for step 1: %+v", sc)
	}
}

func TestCloneSharesNoSlices(t *testing.T) {
	s := NewSessionState("s1")
	s.AddMessage(RoleUser, "hello", time.Unix(0, 0).UTC(), false)
	s.PendingTasks = append(s.PendingTasks, AdvisoryTask{ID: "t-1-0", Type: TaskGMNarrate})

	c := s.Clone()
	c.Messages[0].Content = "changed"
	c.AddMessage(RoleGM, "extra", time.Unix(1, 0).UTC(), false)
	c.RemovePendingTask("t-1-0")

	if s.Messages[0].Content != "hello" || len(s.Messages) != 1 {
		t.Fatalf("original messages mutated: %+v", s.Messages)
	}
	if len(s.PendingTasks) != 1 {
		t.Fatalf("original pending tasks mutated: %+v", s.PendingTasks)
	}
}

func TestAppendSummaryKeepsTail(t *testing.T) {
	s := NewSessionState("s1")
	for i := 0; i < 300; i++ {
		s.AppendSummary("Entered step with a reasonably long line")
	}
	s.AppendSummary("final line")
	if got := len([]rune(s.ContextSummary)); got > MaxContextSummary {
		t.Fatalf("summary length %d exceeds cap", got)
	}
	if !strings.HasSuffix(s.ContextSummary, "final line") {
		t.Fatalf("summary lost most recent line")
	}
}

func TestRecentMessages(t *testing.T) {
	s := NewSessionState("s1")
	for i := 0; i < 10; i++ {
		s.AddMessage(RoleSystem, strings.Repeat("x", i), time.Time{}, false)
	}
	got := s.RecentMessages(3)
	if len(got) != 3 || got[2].Content != strings.Repeat("x", 9) {
		t.Fatalf("unexpected tail: %+v", got)
	}
	if s.RecentMessages(0) != nil {
		t.Fatal("expected nil for n=0")
	}
}

func TestAwaitingEvaluation(t *testing.T) {
	s := NewSessionState("s1")
	s.CurrentStepIndex = 2
	if s.AwaitingEvaluation() {
		t.Fatal("no tasks should not await")
	}
	s.PendingTasks = []AdvisoryTask{{ID: "a", Type: TaskGMNarrate, StepIndex: 2}}
	if s.AwaitingEvaluation() {
		t.Fatal("narration should not count as evaluation")
	}
	s.PendingTasks = append(s.PendingTasks, AdvisoryTask{ID: "b", Type: TaskLEMEvaluate, StepIndex: 2})
	if !s.AwaitingEvaluation() {
		t.Fatal("expected awaiting evaluation")
	}
}
