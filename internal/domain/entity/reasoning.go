package entity

import "time"

// PipelinePhase names one stage of the reasoning pipeline's state machine.
type PipelinePhase string

const (
	PhaseIntentAnalysis    PipelinePhase = "intent_analysis"
	PhasePlanGeneration    PipelinePhase = "plan_generation"
	PhasePlanExecution     PipelinePhase = "plan_execution"
	PhaseContextEvaluation PipelinePhase = "context_evaluation"
	PhaseCompletion        PipelinePhase = "completion"
)

// Intent classifications produced by phase 1. The set is closed; anything the
// classifier cannot place lands in IntentGeneralQuery.
const (
	IntentTaskManagement = "task_management"
	IntentVersionControl = "version_control"
	IntentFileManagement = "file_management"
	IntentDataAnalysis   = "data_analysis"
	IntentGeneralQuery   = "general_query"
	IntentConversation   = "conversation"
)

// IntentAnalysis is the structured output of phase 1.
type IntentAnalysis struct {
	IntentType        string   `json:"intent_type"`
	PrimaryGoal       string   `json:"primary_goal"`
	RequiredSystems   []string `json:"required_systems,omitempty"`
	SpecificActions   []string `json:"specific_actions,omitempty"`
	InformationNeeded []string `json:"information_needed,omitempty"`
	ComplexityLevel   string   `json:"complexity_level,omitempty"`
	EstimatedSteps    int      `json:"estimated_steps,omitempty"`
	Confidence        float64  `json:"confidence"`
	Reasoning         string   `json:"reasoning,omitempty"`
}

// Step types within an execution plan.
const (
	StepToolCall   = "tool_call"
	StepAnalysis   = "analysis"
	StepProcessing = "processing"
)

// PlanStep is one step of an execution plan. Dependencies reference earlier
// steps by step number and must all be executed before the step is eligible.
type PlanStep struct {
	StepNumber      int      `json:"step_number"`
	StepName        string   `json:"step_name"`
	StepType        string   `json:"step_type"`
	RequiredTools   []string `json:"required_tools,omitempty"`
	Dependencies    []int    `json:"dependencies,omitempty"`
	ExpectedOutput  string   `json:"expected_output,omitempty"`
	ErrorHandling   string   `json:"error_handling,omitempty"`
	EstimatedTimeMS int      `json:"estimated_time_ms,omitempty"`
}

// ExecutionPlan is the structured output of phase 2.
type ExecutionPlan struct {
	PlanType           string     `json:"plan_type"`
	Steps              []PlanStep `json:"steps"`
	SuccessCriteria    []string   `json:"success_criteria,omitempty"`
	FallbackStrategies []string   `json:"fallback_strategies,omitempty"`
	Confidence         float64    `json:"confidence"`
}

// ToolCallSteps counts the steps that invoke tools.
func (p *ExecutionPlan) ToolCallSteps() int {
	n := 0
	for _, s := range p.Steps {
		if s.StepType == StepToolCall {
			n++
		}
	}
	return n
}

// StepResult is one collected tool outcome in its normalized shape.
type StepResult struct {
	Success         bool   `json:"success"`
	ToolName        string `json:"tool_name"`
	ServerName      string `json:"server_name,omitempty"`
	Result          string `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
}

// Sufficiency recommendations produced by phase 4.
const (
	RecommendStop     = "stop_and_respond"
	RecommendContinue = "continue_collection"
	RecommendClarify  = "need_clarification"
)

// SufficiencyEvaluation is the structured output of phase 4.
type SufficiencyEvaluation struct {
	IsSufficient         bool     `json:"is_sufficient"`
	SufficiencyScore     float64  `json:"sufficiency_score"`
	MissingInformation   []string `json:"missing_information,omitempty"`
	CollectedInformation []string `json:"collected_information,omitempty"`
	Recommendation       string   `json:"recommendation"`
	Reasoning            string   `json:"reasoning,omitempty"`
	Confidence           float64  `json:"confidence"`
}

// ToolView is the pipeline's read-only snapshot of one catalog tool.
type ToolView struct {
	Name        string `json:"name"`
	Server      string `json:"server"`
	Description string `json:"description,omitempty"`
}

// PhaseRecord is one entry of the reasoning history log.
type PhaseRecord struct {
	Phase   PipelinePhase `json:"phase"`
	Summary string        `json:"summary"`
	Took    time.Duration `json:"took"`
}

// ReasoningContext is the per-request value threaded through the pipeline.
// It is constructed at pipeline entry, consumed at exit, and never outlives
// the HTTP response it belongs to.
type ReasoningContext struct {
	UserMessage      string
	AvailableTools   []ToolView
	History          []PhaseRecord
	CurrentPhase     PipelinePhase
	CollectedContext []StepResult
	Intent           *IntentAnalysis
	Plan             *ExecutionPlan
	StartedAt        time.Time
}

// SuccessfulResults filters CollectedContext down to the successes.
func (rc *ReasoningContext) SuccessfulResults() []StepResult {
	var out []StepResult
	for _, r := range rc.CollectedContext {
		if r.Success {
			out = append(out, r)
		}
	}
	return out
}
