package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/loopgate/loopgate/internal/domain/entity"
)

func collectEvents() (func(entity.PipelineEvent), *[]entity.PipelineEvent) {
	var events []entity.PipelineEvent
	return func(ev entity.PipelineEvent) { events = append(events, ev) }, &events
}

func TestExecutorUnmetDependencyRecordedAsFailure(t *testing.T) {
	runner := &stubRunner{
		tools: []entity.ToolView{{Name: "jira_list_tickets", Server: "jira"}},
	}
	rc := &entity.ReasoningContext{
		UserMessage:    "tickets",
		AvailableTools: runner.AvailableTools(),
		Plan: &entity.ExecutionPlan{
			Steps: []entity.PlanStep{
				{StepNumber: 2, StepName: "fetch", StepType: entity.StepToolCall,
					RequiredTools: []string{"jira_list_tickets"}, Dependencies: []int{1}},
			},
		},
	}

	e := &Executor{tools: runner, maxParallel: 1, logger: zap.NewNop()}
	emit, events := collectEvents()
	e.Execute(context.Background(), rc, emit)

	if len(rc.CollectedContext) != 1 {
		t.Fatalf("collected = %+v, want 1 failure record", rc.CollectedContext)
	}
	got := rc.CollectedContext[0]
	if got.Success || !strings.Contains(got.Error, "dependency 1 not executed") {
		t.Fatalf("result = %+v", got)
	}
	if len(runner.called()) != 0 {
		t.Fatalf("tool must not run with unmet dependency")
	}
	if len(*events) != 1 || (*events)[0].Kind != entity.EventExecutionResult {
		t.Fatalf("events = %+v", *events)
	}
}

func TestExecutorResolvesToolBySubstring(t *testing.T) {
	runner := &stubRunner{
		tools: []entity.ToolView{{Name: "jira_list_tickets", Server: "jira"}},
		results: map[string]entity.StepResult{
			"jira_list_tickets": {Success: true, ToolName: "jira_list_tickets", Result: "ok"},
		},
	}
	rc := &entity.ReasoningContext{
		UserMessage:    "tickets",
		AvailableTools: runner.AvailableTools(),
		Plan: &entity.ExecutionPlan{
			Steps: []entity.PlanStep{
				{StepNumber: 1, StepName: "fetch", StepType: entity.StepToolCall,
					RequiredTools: []string{"tickets"}},
			},
		},
	}

	e := &Executor{tools: runner, maxParallel: 1, logger: zap.NewNop()}
	emit, _ := collectEvents()
	e.Execute(context.Background(), rc, emit)

	if got := runner.called(); len(got) != 1 || got[0] != "jira_list_tickets" {
		t.Fatalf("calls = %v, want resolved catalog name", got)
	}
}

func TestExecutorUnresolvableHintFailsSoft(t *testing.T) {
	runner := &stubRunner{
		tools: []entity.ToolView{{Name: "weather_lookup", Server: "wx"}},
	}
	rc := &entity.ReasoningContext{
		UserMessage:    "tickets",
		AvailableTools: runner.AvailableTools(),
		Plan: &entity.ExecutionPlan{
			Steps: []entity.PlanStep{
				{StepNumber: 1, StepName: "fetch", StepType: entity.StepToolCall,
					RequiredTools: []string{"jira"}},
			},
		},
	}

	e := &Executor{tools: runner, maxParallel: 1, logger: zap.NewNop()}
	emit, _ := collectEvents()
	e.Execute(context.Background(), rc, emit)

	if len(rc.CollectedContext) != 1 {
		t.Fatalf("collected = %+v", rc.CollectedContext)
	}
	if got := rc.CollectedContext[0]; got.Success || !strings.Contains(got.Error, "no matching tool") {
		t.Fatalf("result = %+v", got)
	}
}

func TestExecutorBoundsParallelFanout(t *testing.T) {
	runner := &stubRunner{
		tools: []entity.ToolView{
			{Name: "tool_a"}, {Name: "tool_b"}, {Name: "tool_c"}, {Name: "tool_d"},
		},
		results: map[string]entity.StepResult{
			"tool_a": {Success: true, ToolName: "tool_a", Result: "a"},
			"tool_b": {Success: true, ToolName: "tool_b", Result: "b"},
			"tool_c": {Success: true, ToolName: "tool_c", Result: "c"},
			"tool_d": {Success: true, ToolName: "tool_d", Result: "d"},
		},
		delay: 20 * time.Millisecond,
	}
	rc := &entity.ReasoningContext{
		UserMessage:    "everything",
		AvailableTools: runner.AvailableTools(),
		Plan: &entity.ExecutionPlan{
			Steps: []entity.PlanStep{
				{StepNumber: 1, StepName: "fan out", StepType: entity.StepToolCall,
					RequiredTools: []string{"tool_a", "tool_b", "tool_c", "tool_d"}},
			},
		},
	}

	e := &Executor{tools: runner, maxParallel: 2, logger: zap.NewNop()}
	emit, events := collectEvents()
	e.Execute(context.Background(), rc, emit)

	if len(rc.CollectedContext) != 4 {
		t.Fatalf("collected %d results, want 4", len(rc.CollectedContext))
	}
	if hw := runner.highWater.Load(); hw > 2 {
		t.Fatalf("high water = %d, want <= 2", hw)
	}
	if len(*events) != 4 {
		t.Fatalf("events = %d, want one per tool", len(*events))
	}
}

func TestExecutorStepOrderFollowsStepNumbers(t *testing.T) {
	runner := &stubRunner{
		tools: []entity.ToolView{{Name: "tool_a"}, {Name: "tool_b"}},
		results: map[string]entity.StepResult{
			"tool_a": {Success: true, ToolName: "tool_a", Result: "a"},
			"tool_b": {Success: true, ToolName: "tool_b", Result: "b"},
		},
	}
	rc := &entity.ReasoningContext{
		UserMessage:    "both",
		AvailableTools: runner.AvailableTools(),
		Plan: &entity.ExecutionPlan{
			Steps: []entity.PlanStep{
				{StepNumber: 2, StepName: "second", StepType: entity.StepToolCall,
					RequiredTools: []string{"tool_b"}, Dependencies: []int{1}},
				{StepNumber: 1, StepName: "first", StepType: entity.StepToolCall,
					RequiredTools: []string{"tool_a"}},
			},
		},
	}

	e := &Executor{tools: runner, maxParallel: 1, logger: zap.NewNop()}
	emit, _ := collectEvents()
	e.Execute(context.Background(), rc, emit)

	if got := runner.called(); len(got) != 2 || got[0] != "tool_a" || got[1] != "tool_b" {
		t.Fatalf("call order = %v, want [tool_a tool_b]", got)
	}
}

func TestExecutorProcessingStepSummarizes(t *testing.T) {
	runner := &stubRunner{
		tools: []entity.ToolView{{Name: "tool_a"}},
		results: map[string]entity.StepResult{
			"tool_a": {Success: true, ToolName: "tool_a", Result: "a"},
		},
	}
	rc := &entity.ReasoningContext{
		UserMessage:    "go",
		AvailableTools: runner.AvailableTools(),
		Plan: &entity.ExecutionPlan{
			Steps: []entity.PlanStep{
				{StepNumber: 1, StepName: "fetch", StepType: entity.StepToolCall,
					RequiredTools: []string{"tool_a"}},
				{StepNumber: 2, StepName: "aggregate_results", StepType: entity.StepProcessing,
					Dependencies: []int{1}},
			},
		},
	}

	e := &Executor{tools: runner, maxParallel: 1, logger: zap.NewNop()}
	emit, _ := collectEvents()
	e.Execute(context.Background(), rc, emit)

	var found bool
	for _, rec := range rc.History {
		if strings.Contains(rec.Summary, "1 successes, 0 failures") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no processing summary in history: %+v", rc.History)
	}
}
