package model

// OutcomeKind classifies the result of one worker invocation. The worker
// adapter returns a structured kind rather than free text, so classification
// never depends on a specific worker tool's wording.
type OutcomeKind string

const (
	// OutcomeSuccess means the worker finished the task.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeTransient is a network/timeout/overload-style failure worth retrying.
	OutcomeTransient OutcomeKind = "transient"
	// OutcomePermanent is a malformed-input or validation failure; never retried.
	OutcomePermanent OutcomeKind = "permanent"
	// OutcomeHandoff means the worker wants the task moved to another executor
	// role without completing it.
	OutcomeHandoff OutcomeKind = "handoff"
	// OutcomeCancelled means the invocation was cancelled before finishing.
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is the contract between the worker invocation boundary and the
// retry/loop guard.
type Outcome struct {
	Kind       OutcomeKind    `json:"kind"`
	Result     map[string]any `json:"result,omitempty"`
	TargetRole string         `json:"target_role,omitempty"` // handoff only
	Code       int            `json:"code,omitempty"`        // adapter-specific status code
	Message    string         `json:"message,omitempty"`
}
