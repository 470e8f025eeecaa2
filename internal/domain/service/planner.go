package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/loopgate/loopgate/internal/domain/entity"
	apperrors "github.com/loopgate/loopgate/pkg/errors"
)

// maxRulePlanTools caps how many catalog tools a deterministic plan calls.
const maxRulePlanTools = 3

const plannerSystemPrompt = `You plan tool usage for an assistant. Given the user's intent and the
available tools, respond with a single JSON object, no prose:
{"plan_type": string,
 "steps": [{"step_number": int starting at 1,
            "step_name": string,
            "step_type": "tool_call"|"analysis"|"processing",
            "required_tools": [string],
            "dependencies": [int],
            "expected_output": string,
            "error_handling": string,
            "estimated_time_ms": int}],
 "success_criteria": [string],
 "fallback_strategies": [string],
 "confidence": float 0..1}
Only name tools from the provided list. Keep plans short.`

// planStopwords are ignored when matching message tokens to tool names.
var planStopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "can": true, "do": true,
	"for": true, "from": true, "get": true, "in": true, "is": true, "it": true,
	"me": true, "my": true, "of": true, "on": true, "or": true, "please": true,
	"show": true, "that": true, "the": true, "this": true, "to": true,
	"what": true, "with": true, "you": true,
}

// PlannerAgent runs phase 2: it turns the intent record into an execution
// plan. The rule backend matches message tokens and intent actions against
// the tool catalog and chains one tool_call step per match.
type PlannerAgent struct {
	reasoner Reasoner
	logger   *zap.Logger
}

// BuildPlan produces an execution plan; it never fails.
func (a *PlannerAgent) BuildPlan(ctx context.Context, rc *entity.ReasoningContext) *entity.ExecutionPlan {
	if a.reasoner != nil {
		plan, err := a.planLLM(ctx, rc)
		if err == nil {
			return plan
		}
		a.logger.Debug("Planner agent falling back to rules", zap.Error(err))
	}
	return a.planRules(rc)
}

func (a *PlannerAgent) planLLM(ctx context.Context, rc *entity.ReasoningContext) (*entity.ExecutionPlan, error) {
	var tools strings.Builder
	for _, t := range rc.AvailableTools {
		fmt.Fprintf(&tools, "- %s: %s\n", t.Name, t.Description)
	}
	intentType := ""
	goal := rc.UserMessage
	if rc.Intent != nil {
		intentType = rc.Intent.IntentType
		if rc.Intent.PrimaryGoal != "" {
			goal = rc.Intent.PrimaryGoal
		}
	}
	user := fmt.Sprintf("Intent: %s\nGoal: %s\nUser request:\n%s\n\nAvailable tools:\n%s",
		intentType, goal, rc.UserMessage, tools.String())

	raw, err := a.reasoner.Complete(ctx, plannerSystemPrompt, user)
	if err != nil {
		return nil, err
	}

	var plan entity.ExecutionPlan
	if err := parseAgentJSON(raw, &plan); err != nil {
		return nil, err
	}
	if len(plan.Steps) == 0 {
		return nil, apperrors.NewParseError("plan has no steps")
	}
	for i := range plan.Steps {
		if plan.Steps[i].StepNumber == 0 {
			plan.Steps[i].StepNumber = i + 1
		}
		if !validStepType(plan.Steps[i].StepType) {
			plan.Steps[i].StepType = entity.StepAnalysis
		}
	}
	if plan.PlanType == "" && rc.Intent != nil {
		plan.PlanType = rc.Intent.IntentType
	}
	plan.Confidence = clamp01(plan.Confidence)
	return &plan, nil
}

// planRules builds a deterministic plan: one tool_call step per catalog tool
// matched by the message or the intent's actions, then one processing step
// that aggregates. Dependencies chain strictly.
func (a *PlannerAgent) planRules(rc *entity.ReasoningContext) *entity.ExecutionPlan {
	hints := tokenize(rc.UserMessage)
	if rc.Intent != nil {
		for _, action := range rc.Intent.SpecificActions {
			hints = append(hints, strings.ToLower(action))
		}
	}

	matched := matchTools(hints, rc.AvailableTools, maxRulePlanTools)

	planType := entity.IntentGeneralQuery
	if rc.Intent != nil && rc.Intent.IntentType != "" {
		planType = rc.Intent.IntentType
	}

	plan := &entity.ExecutionPlan{
		PlanType:   planType,
		Confidence: 0.6,
		SuccessCriteria: []string{
			"collected context answers the user's question",
		},
		FallbackStrategies: []string{
			"respond from model knowledge when no tool succeeds",
		},
	}

	n := 0
	for _, tool := range matched {
		n++
		step := entity.PlanStep{
			StepNumber:      n,
			StepName:        "call " + tool,
			StepType:        entity.StepToolCall,
			RequiredTools:   []string{tool},
			ExpectedOutput:  "raw result from " + tool,
			ErrorHandling:   "record failure and continue",
			EstimatedTimeMS: 2000,
		}
		if n > 1 {
			step.Dependencies = []int{n - 1}
		}
		plan.Steps = append(plan.Steps, step)
	}

	n++
	final := entity.PlanStep{
		StepNumber:      n,
		StepName:        "aggregate_results",
		StepType:        entity.StepProcessing,
		ExpectedOutput:  "consolidated context for the upstream model",
		ErrorHandling:   "none",
		EstimatedTimeMS: 10,
	}
	if n > 1 {
		final.Dependencies = []int{n - 1}
	}
	plan.Steps = append(plan.Steps, final)
	return plan
}

// tokenize lowercases and splits the message, dropping stopwords and
// punctuation-only tokens.
func tokenize(message string) []string {
	fields := strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_' || r == '-')
	})
	var out []string
	for _, f := range fields {
		if len(f) < 2 || planStopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// matchTools pairs hint tokens with catalog tools by substring over name and
// description. Catalog order breaks ties; each tool appears once.
func matchTools(hints []string, tools []entity.ToolView, limit int) []string {
	var matched []string
	seen := make(map[string]bool)
	for _, t := range tools {
		if len(matched) >= limit {
			break
		}
		name := strings.ToLower(t.Name)
		desc := strings.ToLower(t.Description)
		for _, h := range hints {
			if strings.Contains(name, h) || strings.Contains(desc, h) {
				if !seen[t.Name] {
					matched = append(matched, t.Name)
					seen[t.Name] = true
				}
				break
			}
		}
	}
	return matched
}

func validStepType(t string) bool {
	switch t {
	case entity.StepToolCall, entity.StepAnalysis, entity.StepProcessing:
		return true
	}
	return false
}
