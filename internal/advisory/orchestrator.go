package advisory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/lore-engine/internal/domain"
)

const (
	// MaxTimeout is the ceiling on any single advisory call.
	MaxTimeout = 30 * time.Second

	// abandonLimit bounds how long a timed-out call may keep running.
	abandonLimit = MaxTimeout

	defaultConcurrency = 4
	maxNarrationChars  = 4000
)

// Fallback texts used when a task fails or times out.
const (
	FallbackNarration = "The Game Master is momentarily unavailable. Continue when you are ready."
	FallbackHint      = "Hints are unavailable right now. Try again in a moment."
)

// Resolution is the result event a task produced, real or fallback.
type Resolution struct {
	Task    domain.AdvisoryTask
	Type    domain.EventType
	Payload any
	Failed  bool
	Err     error
	Latency time.Duration
}

// Orchestrator executes advisory tasks with a bounded timeout and turns
// every outcome, including failure, into a result event payload.
type Orchestrator struct {
	svc         Service
	timeout     time.Duration
	concurrency int
	transcript  TranscriptLogger
	logger      *slog.Logger
	tracer      trace.Tracer
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithTimeout sets the per-task deadline, capped at MaxTimeout.
func WithTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = min(d, MaxTimeout)
		}
	}
}

// WithConcurrency bounds how many tasks of one batch run at once.
func WithConcurrency(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithTranscript records every request and response.
func WithTranscript(t TranscriptLogger) OrchestratorOption {
	return func(o *Orchestrator) {
		if t != nil {
			o.transcript = t
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewOrchestrator returns an orchestrator over svc. A nil svc behaves
// like Disabled.
func NewOrchestrator(svc Service, opts ...OrchestratorOption) *Orchestrator {
	if svc == nil {
		svc = Disabled{}
	}
	o := &Orchestrator{
		svc:         svc,
		timeout:     MaxTimeout,
		concurrency: defaultConcurrency,
		transcript:  NopTranscript{},
		logger:      slog.Default(),
		tracer:      otel.Tracer("github.com/ashureev/lore-engine/internal/advisory"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Service returns the backend.
func (o *Orchestrator) Service() Service {
	return o.svc
}

// Execute runs tasks concurrently and returns their resolutions in task
// order. It never fails: errors become fallbacks.
func (o *Orchestrator) Execute(ctx context.Context, sessionID, userID string, tasks []domain.AdvisoryTask) []Resolution {
	out := make([]Resolution, len(tasks))
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, task := range tasks {
		g.Go(func() error {
			out[i] = o.resolve(ctx, sessionID, userID, task)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (o *Orchestrator) resolve(ctx context.Context, sessionID, userID string, task domain.AdvisoryTask) Resolution {
	ctx, span := o.tracer.Start(ctx, "advisory."+strings.ToLower(string(task.Type)),
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("task.id", task.ID),
			attribute.Int("step.index", task.StepIndex),
		))
	defer span.End()

	req := Request{TaskID: task.ID, SessionID: sessionID, TaskType: task.Type, Context: task.Context}
	o.record(userID, sessionID, task, "request", contextPreview(task), nil)

	start := time.Now()
	resp, err := o.invoke(ctx, req)
	latency := time.Since(start)

	res := Resolution{Task: task, Type: task.Type.ResultEvent(), Latency: latency}
	switch task.Type {
	case domain.TaskLEMEvaluate:
		res.Payload, err = evaluation(task, resp, err)
	default:
		res.Payload, err = narration(task, resp, err)
	}
	if err != nil {
		res.Failed = true
		res.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Warn("advisory task fell back",
			"session_id", sessionID, "task_id", task.ID, "task_type", task.Type,
			"latency_ms", latency.Milliseconds(), "error", err)
	} else {
		o.logger.Debug("advisory task resolved",
			"session_id", sessionID, "task_id", task.ID, "task_type", task.Type,
			"latency_ms", latency.Milliseconds())
	}
	span.SetAttributes(attribute.Bool("advisory.fallback", res.Failed))

	o.record(userID, sessionID, task, "response", resultText(res.Payload), &res)
	return res
}

// invoke calls the backend without inheriting cancellation and abandons
// the call once the timeout elapses. An abandoned call is not cancelled;
// it runs on until it returns or hits the outer abandonLimit bound.
func (o *Orchestrator) invoke(ctx context.Context, req Request) (Response, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout+abandonLimit)

	type result struct {
		resp Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer cancel()
		resp, err := o.svc.Invoke(callCtx, req)
		done <- result{resp: resp, err: err}
	}()

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.resp, r.err
	case <-timer.C:
		return Response{}, fmt.Errorf("%w after %s", ErrTimeout, o.timeout)
	}
}

func narration(task domain.AdvisoryTask, resp Response, err error) (domain.GMNarratedPayload, error) {
	p := domain.GMNarratedPayload{
		TaskID:    task.ID,
		StepIndex: task.StepIndex,
		IsHint:    task.Type == domain.TaskTeachHints,
	}
	text := strings.TrimSpace(resp.Text)
	if err == nil && text == "" {
		err = ErrEmptyResponse
	}
	if err != nil {
		p.Fallback = true
		p.Content = FallbackNarration
		if p.IsHint {
			p.Content = FallbackHint
		}
		return p, err
	}
	p.Content = domain.TruncateHead(text, maxNarrationChars)
	return p, nil
}

func evaluation(task domain.AdvisoryTask, resp Response, err error) (domain.LEMEvaluatedPayload, error) {
	p := domain.LEMEvaluatedPayload{TaskID: task.ID, StepIndex: task.StepIndex}
	if err == nil && resp.RawScore == nil {
		resp, err = parseEvaluationText(resp)
	}
	if err != nil {
		p.AdvisoryFailed = true
		p.Rationale = fmt.Sprintf("Automatic evaluation was unavailable (%v). No points were awarded; please submit again.", err)
		return p, err
	}
	p.RawScore = *resp.RawScore
	p.Rationale = strings.TrimSpace(resp.Rationale)
	if p.Rationale == "" {
		p.Rationale = "Evaluation complete."
	}
	p.CriteriaScores = resp.CriteriaScores
	return p, nil
}

// parseEvaluationText recovers a structured evaluation from free text.
func parseEvaluationText(resp Response) (Response, error) {
	obj, ok := ExtractJSON(resp.Text)
	if !ok {
		return resp, ErrMissingScore
	}
	parsed, err := decodeWire([]byte(obj))
	if err != nil {
		return resp, err
	}
	if parsed.RawScore == nil {
		return resp, ErrMissingScore
	}
	if parsed.Rationale == "" {
		parsed.Rationale = resp.Rationale
	}
	return parsed, nil
}

func contextPreview(task domain.AdvisoryTask) string {
	raw, err := json.Marshal(task.Context)
	if err != nil {
		return ""
	}
	return string(raw)
}

func resultText(payload any) string {
	switch p := payload.(type) {
	case domain.GMNarratedPayload:
		return p.Content
	case domain.LEMEvaluatedPayload:
		return fmt.Sprintf("raw_score=%d rationale=%s", p.RawScore, p.Rationale)
	}
	return ""
}

func (o *Orchestrator) record(userID, sessionID string, task domain.AdvisoryTask, direction, content string, res *Resolution) {
	evt := TranscriptEvent{
		Timestamp:  time.Now().UTC(),
		UserID:     userID,
		SessionID:  sessionID,
		TaskID:     task.ID,
		TaskType:   string(task.Type),
		Direction:  direction,
		ContentRaw: content,
	}
	if res != nil {
		evt.Fallback = res.Failed
		evt.LatencyMS = res.Latency.Milliseconds()
		if res.Err != nil {
			evt.Error = res.Err.Error()
		}
	}
	o.transcript.Log(evt)
}
