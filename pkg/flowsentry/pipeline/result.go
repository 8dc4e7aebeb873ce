package pipeline

import (
	"time"

	"github.com/flowsentry/flowsentry/pkg/flowsentry"
	"github.com/flowsentry/flowsentry/pkg/flowsentry/chunk"
)

// Result is the pipeline's final output for one piece of content, whether
// it ran as a single workflow or as merged chunk sub-workflows.
type Result struct {
	// Status classifies the run: completed, partial (ceiling or failure), or
	// terminated (cycle detector verdict).
	Status flowsentry.Status `json:"status"`

	// TerminationReason is empty for completed runs. For chunked runs it is
	// the first non-empty chunk reason.
	TerminationReason string `json:"termination_reason,omitempty"`

	// Summary is the service's overall assessment. Chunked runs join the
	// per-chunk summaries in input order.
	Summary string `json:"summary,omitempty"`

	// Findings are deduplicated and ordered by start line, in original
	// input coordinates.
	Findings []chunk.Finding `json:"findings,omitempty"`

	// ValidationPassed is true when every executed validation accepted its
	// analysis.
	ValidationPassed bool `json:"validation_passed"`

	// NeedsMoreInput is true when any workflow ended at request_info.
	NeedsMoreInput bool `json:"needs_more_input,omitempty"`

	// Covered is the merged covered line range.
	Covered chunk.Range `json:"covered"`

	// Gaps lists uncovered ranges when chunks failed. Empty otherwise.
	Gaps []chunk.Range `json:"gaps,omitempty"`

	// IncompleteCoverage is true when any chunk failed irrecoverably or the
	// run stopped before finishing.
	IncompleteCoverage bool `json:"incomplete_coverage,omitempty"`

	// FailedChunks counts chunks that contributed no result.
	FailedChunks int `json:"failed_chunks,omitempty"`

	// NodesExecuted and ToolCalls aggregate across all sub-workflows.
	NodesExecuted int `json:"nodes_executed"`
	ToolCalls     int `json:"tool_calls"`

	// Duration is the wall-clock time of the whole run.
	Duration time.Duration `json:"duration"`
}

// resultFromRun maps a single (unchunked) workflow outcome onto a Result.
func resultFromRun(state State, report *flowsentry.Report, lineCount int) *Result {
	res := &Result{
		Status:            report.Status,
		TerminationReason: report.TerminationReason,
		NeedsMoreInput:    state.InfoRequested,
		NodesExecuted:     report.NodesExecuted,
		ToolCalls:         report.ToolCalls,
		Duration:          report.Duration,
	}
	if state.Analysis != nil {
		res.Summary = state.Analysis.Summary
		res.Findings = state.Analysis.Findings
		res.Covered = chunk.Range{Start: 1, End: lineCount}
	}
	if state.Validation != nil {
		res.ValidationPassed = state.Validation.Passed
	}
	res.IncompleteCoverage = !report.Completed() || state.Analysis == nil
	return res
}
