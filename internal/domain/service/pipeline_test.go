package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/loopgate/loopgate/internal/domain/entity"
	apperrors "github.com/loopgate/loopgate/pkg/errors"
)

// scriptReasoner replays canned completions in call order.
type scriptReasoner struct {
	mu    sync.Mutex
	queue []string
	err   error
	calls int
}

func (s *scriptReasoner) Complete(_ context.Context, _, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	if len(s.queue) == 0 {
		return "", errors.New("script exhausted")
	}
	out := s.queue[0]
	s.queue = s.queue[1:]
	return out, nil
}

// stubRunner implements ToolRunner with scripted per-tool results and
// concurrency accounting.
type stubRunner struct {
	mu      sync.Mutex
	tools   []entity.ToolView
	results map[string]entity.StepResult
	delay   time.Duration
	calls   []string

	inflight  atomic.Int32
	highWater atomic.Int32
}

func (r *stubRunner) Run(ctx context.Context, tool string, _ map[string]interface{}) entity.StepResult {
	cur := r.inflight.Add(1)
	for {
		hw := r.highWater.Load()
		if cur <= hw || r.highWater.CompareAndSwap(hw, cur) {
			break
		}
	}
	defer r.inflight.Add(-1)

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return entity.StepResult{ToolName: tool, Error: ctx.Err().Error()}
		}
	}

	r.mu.Lock()
	r.calls = append(r.calls, tool)
	res, ok := r.results[tool]
	r.mu.Unlock()
	if !ok {
		return entity.StepResult{ToolName: tool, Error: "no script for " + tool}
	}
	return res
}

func (r *stubRunner) AvailableTools() []entity.ToolView { return r.tools }

func (r *stubRunner) called() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func drainEvents(t *testing.T, events <-chan entity.PipelineEvent) []entity.PipelineEvent {
	t.Helper()
	var out []entity.PipelineEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("event channel never closed; got %d events", len(out))
		}
	}
}

func ticketRequest() *entity.ChatCompletionRequest {
	return &entity.ChatCompletionRequest{
		Model: "gpt-4o",
		Messages: []entity.ChatMessage{
			{Role: "user", Content: "show my assigned tickets"},
		},
		Stream: true,
	}
}

func TestPipelineCollectsToolContext(t *testing.T) {
	runner := &stubRunner{
		tools: []entity.ToolView{
			{Name: "jira_list_tickets", Server: "jira", Description: "List tickets assigned to the user"},
		},
		results: map[string]entity.StepResult{
			"jira_list_tickets": {
				Success:  true,
				ToolName: "jira_list_tickets",
				Result:   "TICKET-1: Fix login bug (in progress)",
			},
		},
	}
	p := NewPipeline(nil, runner, Config{Enabled: true, AgentBackend: BackendRules}, zap.NewNop())

	result, events := p.Run(context.Background(), ticketRequest())
	evs := drainEvents(t, events)

	if result.Err != nil {
		t.Fatalf("pipeline failed: %v", result.Err)
	}
	if got := runner.called(); len(got) != 1 || got[0] != "jira_list_tickets" {
		t.Fatalf("tool calls = %v, want [jira_list_tickets]", got)
	}

	aug := result.Augmented
	if len(aug.Messages) != 2 {
		t.Fatalf("augmented messages = %d, want 2", len(aug.Messages))
	}
	if aug.Messages[0].Role != "system" {
		t.Fatalf("first augmented message role = %q, want system", aug.Messages[0].Role)
	}
	sys := aug.Messages[0].Content
	if !strings.Contains(sys, "Context gathered from tools:") {
		t.Fatalf("system message missing context block: %q", sys)
	}
	if !strings.Contains(sys, "TICKET-1") {
		t.Fatalf("system message missing tool result: %q", sys)
	}
	if aug.Messages[1].Role != "user" {
		t.Fatalf("user turn not preserved: %+v", aug.Messages)
	}

	if result.Intent == nil || result.Intent.IntentType != entity.IntentTaskManagement {
		t.Fatalf("intent = %+v, want task_management", result.Intent)
	}
	if result.Sufficiency == nil || !result.Sufficiency.IsSufficient {
		t.Fatalf("sufficiency = %+v, want sufficient", result.Sufficiency)
	}

	if len(evs) == 0 || evs[0].Kind != entity.EventReasoningStart {
		t.Fatalf("first event = %+v, want reasoning_start", evs)
	}
	if last := evs[len(evs)-1]; last.Kind != entity.EventReasoningEnd {
		t.Fatalf("last event = %+v, want reasoning_end", last)
	}
	var sawExec bool
	for _, ev := range evs {
		if ev.Kind == entity.EventExecutionResult && strings.Contains(ev.Text, "✅ jira_list_tickets") {
			sawExec = true
		}
	}
	if !sawExec {
		t.Fatalf("no success execution event in %+v", evs)
	}
}

func TestPipelineNoMatchingTool(t *testing.T) {
	runner := &stubRunner{
		tools: []entity.ToolView{
			{Name: "weather_lookup", Server: "wx", Description: "Current weather by city"},
		},
	}
	p := NewPipeline(nil, runner, Config{Enabled: true, AgentBackend: BackendRules}, zap.NewNop())

	req := ticketRequest()
	result, events := p.Run(context.Background(), req)
	evs := drainEvents(t, events)

	if result.Err != nil {
		t.Fatalf("pipeline failed: %v", result.Err)
	}
	if got := runner.called(); len(got) != 0 {
		t.Fatalf("tool calls = %v, want none", got)
	}
	for _, ev := range evs {
		if ev.Kind == entity.EventExecutionResult {
			t.Fatalf("unexpected execution event: %+v", ev)
		}
	}

	// Nothing collected and no system prompt: the request passes through.
	aug := result.Augmented
	if len(aug.Messages) != 1 || aug.Messages[0].Content != "show my assigned tickets" {
		t.Fatalf("augmented = %+v, want pass-through", aug.Messages)
	}
	if result.Sufficiency.IsSufficient {
		t.Fatalf("sufficiency = %+v, want insufficient", result.Sufficiency)
	}
}

func TestPipelineCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &stubRunner{}
	p := NewPipeline(nil, runner, Config{Enabled: true, AgentBackend: BackendRules}, zap.NewNop())

	req := ticketRequest()
	result, events := p.Run(ctx, req)
	evs := drainEvents(t, events)

	if result.Err == nil || !apperrors.IsCancelled(result.Err) {
		t.Fatalf("err = %v, want cancelled", result.Err)
	}
	if result.Augmented != req {
		t.Fatalf("cancelled pipeline must return the original request")
	}
	var sawErr bool
	for _, ev := range evs {
		if ev.Kind == entity.EventError {
			sawErr = true
		}
	}
	if !sawErr {
		t.Fatalf("no error event in %+v", evs)
	}
}

func TestPipelineLLMBackend(t *testing.T) {
	reasoner := &scriptReasoner{queue: []string{
		`{"intent_type":"task_management","primary_goal":"list assigned tickets","confidence":1.7}`,
		`Here is the plan:
{"plan_type":"task_management","steps":[{"step_number":1,"step_name":"fetch tickets","step_type":"tool_call","required_tools":["jira_list_tickets"]}],"confidence":0.8}`,
		`{"is_sufficient":true,"sufficiency_score":0.9,"recommendation":"stop_and_respond","confidence":0.9}`,
	}}
	runner := &stubRunner{
		tools: []entity.ToolView{
			{Name: "jira_list_tickets", Server: "jira", Description: "List tickets"},
		},
		results: map[string]entity.StepResult{
			"jira_list_tickets": {Success: true, ToolName: "jira_list_tickets", Result: "TICKET-9"},
		},
	}
	p := NewPipeline(reasoner, runner, Config{Enabled: true, AgentBackend: BackendLLM}, zap.NewNop())

	result, events := p.Run(context.Background(), ticketRequest())
	drainEvents(t, events)

	if result.Err != nil {
		t.Fatalf("pipeline failed: %v", result.Err)
	}
	if result.Intent.IntentType != entity.IntentTaskManagement {
		t.Fatalf("intent = %q", result.Intent.IntentType)
	}
	if result.Intent.Confidence != 1.0 {
		t.Fatalf("confidence = %v, want clamped to 1.0", result.Intent.Confidence)
	}
	if reasoner.calls != 3 {
		t.Fatalf("reasoner calls = %d, want 3 (intent, plan, sufficiency)", reasoner.calls)
	}
	if got := runner.called(); len(got) != 1 {
		t.Fatalf("tool calls = %v", got)
	}
	if !strings.Contains(result.Augmented.Messages[0].Content, "TICKET-9") {
		t.Fatalf("augmented system = %q", result.Augmented.Messages[0].Content)
	}
}

func TestPipelineLLMFailureFallsBackToRules(t *testing.T) {
	reasoner := &scriptReasoner{err: errors.New("upstream down")}
	runner := &stubRunner{
		tools: []entity.ToolView{
			{Name: "jira_list_tickets", Server: "jira", Description: "List tickets assigned to the user"},
		},
		results: map[string]entity.StepResult{
			"jira_list_tickets": {Success: true, ToolName: "jira_list_tickets", Result: "TICKET-2"},
		},
	}
	p := NewPipeline(reasoner, runner, Config{Enabled: true, AgentBackend: BackendLLM}, zap.NewNop())

	result, events := p.Run(context.Background(), ticketRequest())
	drainEvents(t, events)

	if result.Err != nil {
		t.Fatalf("pipeline failed: %v", result.Err)
	}
	// Every agent degraded to its deterministic rules; the request still got
	// augmented.
	if result.Intent.IntentType != entity.IntentTaskManagement {
		t.Fatalf("intent = %q", result.Intent.IntentType)
	}
	if !strings.Contains(result.Augmented.Messages[0].Content, "TICKET-2") {
		t.Fatalf("augmented system = %q", result.Augmented.Messages[0].Content)
	}
}

func TestPipelineRecoversFromPanic(t *testing.T) {
	runner := &panicRunner{}
	p := NewPipeline(nil, runner, Config{Enabled: true, AgentBackend: BackendRules}, zap.NewNop())

	result, events := p.Run(context.Background(), ticketRequest())
	evs := drainEvents(t, events)

	if result.Err == nil {
		t.Fatalf("want error after panic")
	}
	if result.Augmented == nil {
		t.Fatalf("panicked pipeline must still return a forwardable request")
	}
	var sawErr bool
	for _, ev := range evs {
		if ev.Kind == entity.EventError {
			sawErr = true
		}
	}
	if !sawErr {
		t.Fatalf("no error event in %+v", evs)
	}
}

type panicRunner struct{}

func (panicRunner) Run(context.Context, string, map[string]interface{}) entity.StepResult {
	panic("runner exploded")
}

func (panicRunner) AvailableTools() []entity.ToolView {
	return []entity.ToolView{{Name: "jira_list_tickets", Server: "jira", Description: "tickets"}}
}

func TestPipelineDisabledPassesThrough(t *testing.T) {
	runner := &stubRunner{
		tools: []entity.ToolView{
			{Name: "jira_list_tickets", Server: "jira", Description: "tickets"},
		},
	}
	p := NewPipeline(nil, runner, Config{Enabled: false, AgentBackend: BackendRules}, zap.NewNop())

	req := ticketRequest()
	result, events := p.Run(context.Background(), req)
	evs := drainEvents(t, events)

	if len(evs) != 0 {
		t.Fatalf("disabled pipeline emitted %d events", len(evs))
	}
	if result.Err != nil {
		t.Fatalf("disabled pipeline errored: %v", result.Err)
	}
	if result.Augmented != req {
		t.Fatalf("disabled pipeline must forward the original request untouched")
	}
	if got := runner.called(); len(got) != 0 {
		t.Fatalf("disabled pipeline called tools: %v", got)
	}
}
