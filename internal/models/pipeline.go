package models

import "time"

// PipelineState tracks the request through the ask pipeline.
type PipelineState string

const (
	StateClassifying PipelineState = "classifying"
	StateResolving   PipelineState = "resolving"
	StateBranching   PipelineState = "branching"
	StateComposing   PipelineState = "composing"
	StateDone        PipelineState = "done"
	StateFailed      PipelineState = "failed"
)

// Diagnostic is one structured event captured during a request. Diagnostics
// never appear in answer text; they live in the debug report.
type Diagnostic struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Stage     string                 `json:"stage,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Answer is what the caller receives.
type Answer struct {
	Text    string   `json:"text"`
	Sources []Source `json:"sources,omitempty"`
}

// PipelineResult is the full outcome of one ask request.
type PipelineResult struct {
	RequestID   string              `json:"requestId"`
	Question    string              `json:"question"`
	State       PipelineState       `json:"state"`
	Intent      IntentResult        `json:"intent"`
	Entities    []ResolvedEntity    `json:"entities,omitempty"`
	Rejected    []RejectedCandidate `json:"rejected,omitempty"`
	Evidence    EvidenceBundle      `json:"evidence"`
	Answer      Answer              `json:"answer"`
	Diagnostics []Diagnostic        `json:"diagnostics,omitempty"`
	StartedAt   time.Time           `json:"startedAt"`
	FinishedAt  time.Time           `json:"finishedAt"`
}
