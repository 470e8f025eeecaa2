package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/loopgate/loopgate/internal/domain/entity"
	apperrors "github.com/loopgate/loopgate/pkg/errors"
)

// Agent backends. The rule backend is also the silent fallback for every
// LLM-backed agent failure.
const (
	BackendLLM   = "llm"
	BackendRules = "rules"
)

const (
	DefaultPhaseTimeout     = 30 * time.Second
	DefaultMaxParallelTools = 3
)

// Reasoner is the minimal LLM surface the agents need: one short completion.
type Reasoner interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ToolRunner executes one tool call and exposes the catalog snapshot the
// pipeline plans against. Failures come back as data inside the StepResult.
type ToolRunner interface {
	Run(ctx context.Context, tool string, args map[string]interface{}) entity.StepResult
	AvailableTools() []entity.ToolView
}

// Config tunes the pipeline.
type Config struct {
	Enabled          bool
	AgentBackend     string        // "llm" or "rules"
	PhaseTimeout     time.Duration // per-phase budget
	MaxParallelTools int           // concurrent tool calls within one step
}

// Result is the pipeline's terminal state. It is valid only after the event
// channel returned by Run has been closed.
type Result struct {
	Augmented   *entity.ChatCompletionRequest
	Intent      *entity.IntentAnalysis
	Plan        *entity.ExecutionPlan
	Collected   []entity.StepResult
	Sufficiency *entity.SufficiencyEvaluation
	History     []entity.PhaseRecord
	Err         error
	Elapsed     time.Duration
}

// Pipeline drives the four reasoning phases and produces the augmented
// upstream request.
type Pipeline struct {
	cfg    Config
	logger *zap.Logger

	intent      *IntentAgent
	planner     *PlannerAgent
	executor    *Executor
	sufficiency *SufficiencyAgent
}

// NewPipeline wires the four agents. A nil reasoner or the "rules" backend
// makes every agent deterministic.
func NewPipeline(reasoner Reasoner, tools ToolRunner, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = DefaultPhaseTimeout
	}
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = DefaultMaxParallelTools
	}
	if cfg.AgentBackend == BackendRules {
		reasoner = nil
	}
	return &Pipeline{
		cfg:    cfg,
		logger: logger,
		intent: &IntentAgent{reasoner: reasoner, logger: logger},
		planner: &PlannerAgent{
			reasoner: reasoner, logger: logger,
		},
		executor: &Executor{
			reasoner:    reasoner,
			tools:       tools,
			maxParallel: cfg.MaxParallelTools,
			logger:      logger,
		},
		sufficiency: &SufficiencyAgent{reasoner: reasoner, logger: logger},
	}
}

// Run starts the pipeline and returns immediately. The caller must drain the
// event channel until it closes; only then is the Result populated. On any
// failure the Result carries the original, un-augmented request so the proxy
// can still forward it.
func (p *Pipeline) Run(ctx context.Context, req *entity.ChatCompletionRequest) (*Result, <-chan entity.PipelineEvent) {
	events := make(chan entity.PipelineEvent, 64)
	result := &Result{Augmented: req}

	if !p.cfg.Enabled {
		close(events)
		return result, events
	}

	go func() {
		defer close(events)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Reasoning pipeline panicked",
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				result.Err = apperrors.NewInternalError(fmt.Sprintf("pipeline panic: %v", r))
				result.Augmented = req
				p.emit(events, entity.PipelineEvent{
					Kind: entity.EventError,
					Text: fmt.Sprintf("Internal error: %v", r),
				})
			}
		}()
		p.run(ctx, req, result, events)
	}()

	return result, events
}

func (p *Pipeline) run(ctx context.Context, req *entity.ChatCompletionRequest, result *Result, events chan<- entity.PipelineEvent) {
	start := time.Now()
	defer func() { result.Elapsed = time.Since(start) }()

	rc := &entity.ReasoningContext{
		UserMessage:    req.LastUserMessage(),
		AvailableTools: p.executor.tools.AvailableTools(),
		StartedAt:      start,
	}

	p.emit(events, entity.PipelineEvent{Kind: entity.EventReasoningStart, Text: "🔍 Analyzing..."})

	// Phase 1 — intent.
	rc.CurrentPhase = entity.PhaseIntentAnalysis
	p.emitPhase(events, rc.CurrentPhase, "Analyzing user intent...")
	rc.Intent = runPhaseTimed(ctx, p, rc, func(phaseCtx context.Context) *entity.IntentAnalysis {
		return p.intent.Analyze(phaseCtx, rc)
	})
	result.Intent = rc.Intent
	p.emitPhaseResult(events, rc.CurrentPhase,
		fmt.Sprintf("Intent: %s (confidence %.2f)", rc.Intent.IntentType, rc.Intent.Confidence))
	if p.cancelled(ctx, req, result, events) {
		return
	}

	// Phase 2 — plan.
	rc.CurrentPhase = entity.PhasePlanGeneration
	p.emitPhase(events, rc.CurrentPhase, "Creating detailed execution plan...")
	rc.Plan = runPhaseTimed(ctx, p, rc, func(phaseCtx context.Context) *entity.ExecutionPlan {
		return p.planner.BuildPlan(phaseCtx, rc)
	})
	result.Plan = rc.Plan
	p.emitPhaseResult(events, rc.CurrentPhase,
		fmt.Sprintf("Plan ready: %d steps (%d tool calls)", len(rc.Plan.Steps), rc.Plan.ToolCallSteps()))
	if p.cancelled(ctx, req, result, events) {
		return
	}

	// Phase 3 — execute.
	rc.CurrentPhase = entity.PhasePlanExecution
	p.emitPhase(events, rc.CurrentPhase, "Executing plan...")
	phaseStart := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, p.cfg.PhaseTimeout)
	p.executor.Execute(execCtx, rc, func(ev entity.PipelineEvent) { p.emit(events, ev) })
	cancel()
	result.Collected = rc.CollectedContext
	successes := rc.SuccessfulResults()
	rc.History = append(rc.History, entity.PhaseRecord{
		Phase:   rc.CurrentPhase,
		Summary: fmt.Sprintf("%d calls, %d succeeded", len(rc.CollectedContext), len(successes)),
		Took:    time.Since(phaseStart),
	})
	p.emitPhaseResult(events, rc.CurrentPhase, fmt.Sprintf("Collected %d sources", len(successes)))
	if p.cancelled(ctx, req, result, events) {
		return
	}

	// Phase 4 — sufficiency.
	rc.CurrentPhase = entity.PhaseContextEvaluation
	p.emitPhase(events, rc.CurrentPhase, "Evaluating context...")
	eval := runPhaseTimed(ctx, p, rc, func(phaseCtx context.Context) *entity.SufficiencyEvaluation {
		return p.sufficiency.Evaluate(phaseCtx, rc)
	})
	result.Sufficiency = eval
	if eval.Recommendation == entity.RecommendContinue {
		// Honored as stop: the pipeline answers with what it has rather
		// than looping on collection.
		p.logger.Info("Sufficiency recommends more collection; responding anyway",
			zap.Float64("score", eval.SufficiencyScore))
	}
	p.emitPhaseResult(events, rc.CurrentPhase,
		fmt.Sprintf("Context sufficient: %v (score %.2f)", eval.IsSufficient, eval.SufficiencyScore))

	rc.CurrentPhase = entity.PhaseCompletion
	p.emit(events, entity.PipelineEvent{Kind: entity.EventReasoningEnd, Text: "✅ Analysis complete."})

	result.Augmented = BuildAugmentedRequest(req, successes)
	result.History = rc.History

	p.logger.Info("Reasoning pipeline complete",
		zap.String("intent", rc.Intent.IntentType),
		zap.Int("plan_steps", len(rc.Plan.Steps)),
		zap.Int("collected", len(rc.CollectedContext)),
		zap.Int("successes", len(successes)),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// runPhaseTimed runs one agent under the per-phase budget and appends a
// history record with its timing.
func runPhaseTimed[T any](ctx context.Context, p *Pipeline, rc *entity.ReasoningContext, fn func(context.Context) T) T {
	phaseCtx, cancel := context.WithTimeout(ctx, p.cfg.PhaseTimeout)
	defer cancel()
	start := time.Now()
	out := fn(phaseCtx)
	rc.History = append(rc.History, entity.PhaseRecord{
		Phase:   rc.CurrentPhase,
		Summary: string(rc.CurrentPhase) + " done",
		Took:    time.Since(start),
	})
	return out
}

// cancelled checks for context cancellation between phases. A cancelled
// pipeline emits an error event and leaves the request un-augmented.
func (p *Pipeline) cancelled(ctx context.Context, req *entity.ChatCompletionRequest, result *Result, events chan<- entity.PipelineEvent) bool {
	if ctx.Err() == nil {
		return false
	}
	result.Err = apperrors.NewCancelledError("pipeline cancelled", ctx.Err())
	result.Augmented = req
	p.emit(events, entity.PipelineEvent{
		Kind: entity.EventError,
		Text: "Reasoning interrupted.",
	})
	return true
}

func (p *Pipeline) emitPhase(events chan<- entity.PipelineEvent, phase entity.PipelinePhase, text string) {
	p.emit(events, entity.PipelineEvent{Kind: entity.EventPhase, Phase: phase, Text: text})
}

func (p *Pipeline) emitPhaseResult(events chan<- entity.PipelineEvent, phase entity.PipelinePhase, text string) {
	p.emit(events, entity.PipelineEvent{Kind: entity.EventPhaseResult, Phase: phase, Text: text})
}

// emit never blocks: a stalled consumer loses events instead of wedging the
// pipeline.
func (p *Pipeline) emit(events chan<- entity.PipelineEvent, ev entity.PipelineEvent) {
	select {
	case events <- ev:
	default:
		p.logger.Warn("Pipeline event channel full, dropping event",
			zap.String("kind", string(ev.Kind)),
		)
	}
}
