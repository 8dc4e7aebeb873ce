// Package analysis defines the contract between the workflow engine and the
// external inference service that performs the actual analysis.
//
// The engine treats the service as a black box: it sends content, receives
// a structured result, and only cares about the error taxonomy (transient
// vs fatal) for retry and circuit-breaking decisions. Prompting and output
// quality live entirely behind the Service implementation.
package analysis

import (
	"context"

	"github.com/flowsentry/flowsentry/pkg/flowsentry/chunk"
)

// Request carries the content to analyze plus caller metadata the service
// may fold into its prompt or routing.
type Request struct {
	// Content is the text under analysis.
	Content string `json:"content"`
	// Meta is free-form context: file name, language, chunk position.
	Meta map[string]string `json:"meta,omitempty"`
	// ToolResults carries results of helper-tool invocations from earlier
	// workflow steps, so re-analysis can use them.
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// Result is the service's structured analysis output.
type Result struct {
	// Summary is the service's overall assessment.
	Summary string `json:"summary"`
	// Findings are issues located in the content, in content-relative
	// line coordinates.
	Findings []chunk.Finding `json:"findings"`
	// ToolQueries lists helper-tool lookups the service wants performed
	// before it can finish (e.g. documentation searches).
	ToolQueries []string `json:"tool_queries,omitempty"`
	// NeedsMoreInput is set when the service cannot proceed without
	// additional information from the caller.
	NeedsMoreInput bool `json:"needs_more_input,omitempty"`
}

// Validation is the service's verdict on a prior Result.
type Validation struct {
	// Passed is true when the analysis is accepted as final.
	Passed bool `json:"passed"`
	// RetryRequested asks the workflow to re-run analysis.
	RetryRequested bool `json:"retry_requested,omitempty"`
	// Reasons explains a failed or retried validation.
	Reasons []string `json:"reasons,omitempty"`
}

// Service is the external inference dependency.
//
// Implementations must return *TransientError for failures that a retry may
// cure (timeouts, overload, connection resets) and *FatalError for failures
// that retrying cannot fix. Anything else is treated as fatal.
type Service interface {
	// Analyze produces an analysis of the request content.
	Analyze(ctx context.Context, req Request) (*Result, error)

	// Validate judges a previously produced result.
	Validate(ctx context.Context, req Request, prior *Result) (*Validation, error)
}

// ToolResult is the output of one helper-tool invocation.
type ToolResult struct {
	// Query is the lookup that was performed.
	Query string `json:"query"`
	// Content is the tool's answer.
	Content string `json:"content"`
}

// Tool is the external helper-tool dependency (e.g. documentation search).
// Subject to the same transient/fatal error taxonomy as Service.
type Tool interface {
	Invoke(ctx context.Context, query string) (*ToolResult, error)
}
