package entity

// PipelineEventKind discriminates the synthetic progress events emitted while
// a request is being reasoned about, before any upstream content exists.
type PipelineEventKind string

const (
	EventReasoningStart  PipelineEventKind = "reasoning_start"
	EventPhase           PipelineEventKind = "phase"
	EventPhaseResult     PipelineEventKind = "phase_result"
	EventExecutionResult PipelineEventKind = "execution_result"
	EventReasoningEnd    PipelineEventKind = "reasoning_end"
	EventError           PipelineEventKind = "error"
)

// PipelineEvent is one synthetic progress event. Text is rendered by the
// HTTP layer as a content delta inside the upstream-compatible envelope.
type PipelineEvent struct {
	Kind  PipelineEventKind `json:"kind"`
	Phase PipelinePhase     `json:"phase,omitempty"`
	Text  string            `json:"text"`
}
