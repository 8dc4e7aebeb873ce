package flowsentry

import "time"

// Status classifies how a run ended.
type Status string

const (
	// StatusCompleted means the graph reached END normally.
	StatusCompleted Status = "completed"

	// StatusPartial means a hard ceiling stopped the run, or an error
	// interrupted it. The returned state reflects all work finished so far.
	StatusPartial Status = "partial"

	// StatusTerminated means the cycle detector matched a terminal pattern
	// and stopped the run. The state at termination is returned.
	StatusTerminated Status = "terminated"
)

// ReasonCeilingExceeded is the termination reason reported when any hard
// ceiling (per-node visits, total tool calls, or max iterations) stops a run.
// Cycle terminations instead report the matched pattern name.
const ReasonCeilingExceeded = "ceiling_exceeded"

// Report summarizes a run for callers that need to distinguish a complete
// result from a guarded early stop. Controlled terminations are not errors:
// Run returns the report with a nil error and partial state intact.
type Report struct {
	// RunID identifies the run.
	RunID string

	// Status is the final classification of the run.
	Status Status

	// TerminationReason is set for non-completed runs: ReasonCeilingExceeded
	// for ceiling stops, or the cycle pattern name for detector verdicts.
	TerminationReason string

	// LastNode is the node at which the run stopped.
	LastNode string

	// NodesExecuted counts successful node executions.
	NodesExecuted int

	// ToolCalls is the state's tool-call count at the end of the run.
	// Zero when no tool counter is configured.
	ToolCalls int

	// Duration is the wall-clock time of the run.
	Duration time.Duration
}

// Completed reports whether the run reached END normally.
func (r *Report) Completed() bool {
	return r.Status == StatusCompleted
}
