package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loopgate/loopgate/internal/domain/entity"
)

// resultSnippetLen bounds how much tool output lands in a stream event.
const resultSnippetLen = 200

// Executor runs phase 3: it walks the plan in step order, resolves tool
// hints against the catalog snapshot, invokes tools, and appends every
// outcome to the reasoning context. Failures are recorded, never raised.
type Executor struct {
	reasoner    Reasoner
	tools       ToolRunner
	maxParallel int
	logger      *zap.Logger
}

// Execute walks the plan. Tool outcomes land in rc.CollectedContext and are
// mirrored as execution-result events; analysis and processing steps leave a
// record in the reasoning history.
func (e *Executor) Execute(ctx context.Context, rc *entity.ReasoningContext, emit func(entity.PipelineEvent)) {
	if rc.Plan == nil || len(rc.Plan.Steps) == 0 {
		return
	}

	steps := orderedSteps(rc.Plan)
	executed := make(map[int]bool, len(steps))

	for i, step := range steps {
		if ctx.Err() != nil {
			e.logger.Debug("Plan execution cancelled",
				zap.Int("completed_steps", i), zap.Error(ctx.Err()))
			return
		}

		if dep, ok := unmetDependency(step, executed); ok {
			result := entity.StepResult{
				ToolName: step.StepName,
				Error:    fmt.Sprintf("dependency %d not executed", dep),
			}
			rc.CollectedContext = append(rc.CollectedContext, result)
			emit(executionEvent(result))
			continue
		}

		switch step.StepType {
		case entity.StepToolCall:
			e.runToolStep(ctx, rc, step, emit)
		case entity.StepAnalysis:
			e.runAnalysisStep(ctx, rc, step)
		case entity.StepProcessing:
			e.runProcessingStep(rc, step)
		}
		executed[step.StepNumber] = true

		if i < len(steps)-1 && !e.shouldContinue(ctx, rc, step) {
			e.logger.Info("Agent halted plan execution early",
				zap.Int("after_step", step.StepNumber))
			return
		}
	}
}

// runToolStep resolves each required-tool hint and calls the tool. Hints in
// one step run concurrently when the pipeline allows parallelism.
func (e *Executor) runToolStep(ctx context.Context, rc *entity.ReasoningContext, step entity.PlanStep, emit func(entity.PipelineEvent)) {
	if len(step.RequiredTools) == 0 {
		e.logger.Debug("Tool step without required_tools", zap.String("step", step.StepName))
		return
	}

	args := map[string]interface{}{"query": rc.UserMessage}
	results := make([]entity.StepResult, len(step.RequiredTools))

	run := func(idx int, hint string) {
		tool, ok := resolveTool(hint, rc.AvailableTools)
		if !ok {
			results[idx] = entity.StepResult{
				ToolName: hint,
				Error:    fmt.Sprintf("no matching tool in catalog for %q", hint),
			}
			return
		}
		results[idx] = e.tools.Run(ctx, tool, args)
	}

	if e.maxParallel > 1 && len(step.RequiredTools) > 1 {
		sem := make(chan struct{}, e.maxParallel)
		var wg sync.WaitGroup
		for idx, hint := range step.RequiredTools {
			wg.Add(1)
			go func(idx int, hint string) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				run(idx, hint)
			}(idx, hint)
		}
		wg.Wait()
	} else {
		for idx, hint := range step.RequiredTools {
			run(idx, hint)
		}
	}

	for _, r := range results {
		rc.CollectedContext = append(rc.CollectedContext, r)
		emit(executionEvent(r))
	}
}

// runAnalysisStep asks the reasoner to think out loud. The response is kept
// in the history log only; it is never parsed as structured output.
func (e *Executor) runAnalysisStep(ctx context.Context, rc *entity.ReasoningContext, step entity.PlanStep) {
	start := time.Now()
	summary := "analysis skipped: rule backend has no reasoner"
	if e.reasoner != nil {
		prompt := fmt.Sprintf("Step %q for request %q. Expected output: %s.\nThink briefly.",
			step.StepName, rc.UserMessage, step.ExpectedOutput)
		raw, err := e.reasoner.Complete(ctx, "", prompt)
		if err != nil {
			summary = "analysis failed: " + err.Error()
			e.logger.Debug("Analysis step failed", zap.String("step", step.StepName), zap.Error(err))
		} else {
			summary = "analysis " + step.StepName + ": " + snippet(raw, resultSnippetLen)
		}
	}
	rc.History = append(rc.History, entity.PhaseRecord{
		Phase:   entity.PhasePlanExecution,
		Summary: summary,
		Took:    time.Since(start),
	})
}

// runProcessingStep aggregates over what has been collected so far. Pure
// computation; no I/O.
func (e *Executor) runProcessingStep(rc *entity.ReasoningContext, step entity.PlanStep) {
	successes, failures := 0, 0
	for _, r := range rc.CollectedContext {
		if r.Success {
			successes++
		} else {
			failures++
		}
	}
	rc.History = append(rc.History, entity.PhaseRecord{
		Phase:   entity.PhasePlanExecution,
		Summary: fmt.Sprintf("processing %s: %d successes, %d failures", step.StepName, successes, failures),
	})
}

// shouldContinue consults the agent between steps. Parse failures and rule
// backends default to continuing.
func (e *Executor) shouldContinue(ctx context.Context, rc *entity.ReasoningContext, step entity.PlanStep) bool {
	if e.reasoner == nil {
		return true
	}
	prompt := fmt.Sprintf(
		"Plan step %d (%s) finished. Collected results so far: %d. Respond with JSON {\"should_continue\": true|false}.",
		step.StepNumber, step.StepName, len(rc.CollectedContext))
	raw, err := e.reasoner.Complete(ctx, "", prompt)
	if err != nil {
		return true
	}
	var verdict struct {
		ShouldContinue *bool `json:"should_continue"`
	}
	if err := parseAgentJSON(raw, &verdict); err != nil || verdict.ShouldContinue == nil {
		return true
	}
	return *verdict.ShouldContinue
}

func orderedSteps(plan *entity.ExecutionPlan) []entity.PlanStep {
	steps := make([]entity.PlanStep, len(plan.Steps))
	copy(steps, plan.Steps)
	for i := 1; i < len(steps); i++ {
		for j := i; j > 0 && steps[j].StepNumber < steps[j-1].StepNumber; j-- {
			steps[j], steps[j-1] = steps[j-1], steps[j]
		}
	}
	return steps
}

func unmetDependency(step entity.PlanStep, executed map[int]bool) (int, bool) {
	for _, dep := range step.Dependencies {
		if !executed[dep] {
			return dep, true
		}
	}
	return 0, false
}

// resolveTool maps a hint to a catalog tool: exact name match first, then
// substring in either direction.
func resolveTool(hint string, tools []entity.ToolView) (string, bool) {
	lower := strings.ToLower(hint)
	for _, t := range tools {
		if strings.ToLower(t.Name) == lower {
			return t.Name, true
		}
	}
	for _, t := range tools {
		name := strings.ToLower(t.Name)
		if strings.Contains(name, lower) || strings.Contains(lower, name) {
			return t.Name, true
		}
	}
	return "", false
}

func executionEvent(r entity.StepResult) entity.PipelineEvent {
	text := fmt.Sprintf("❌ %s: %s", r.ToolName, snippet(r.Error, resultSnippetLen))
	if r.Success {
		text = fmt.Sprintf("✅ %s: %s", r.ToolName, snippet(r.Result, resultSnippetLen))
	}
	return entity.PipelineEvent{
		Kind:  entity.EventExecutionResult,
		Phase: entity.PhasePlanExecution,
		Text:  text,
	}
}

func snippet(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
