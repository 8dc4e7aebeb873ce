// Package pipeline assembles the analysis workflow: a compiled graph whose
// nodes call the external inference service and helper tool through circuit
// breakers and rate limiters, guarded by visit ceilings and cycle detection,
// with oversized input split into chunks that run as parallel sub-workflows.
package pipeline

import (
	"github.com/flowsentry/flowsentry/pkg/flowsentry/analysis"
)

// Node names. Routing decisions reference these, so they are fixed
// identifiers rather than free-form strings.
const (
	// NodeAnalyze calls the inference service on the content.
	NodeAnalyze = "analyze"
	// NodeValidate asks the service to judge the analysis.
	NodeValidate = "validate"
	// NodeTool performs one pending helper-tool lookup.
	NodeTool = "tool"
	// NodeRequestInfo records that the service needs caller input and ends
	// the run.
	NodeRequestInfo = "request_info"
	// NodeBackoff is the recovery node: it absorbs recoverable failures
	// (breaker rejections, quota rejections, transient service errors),
	// waits, and routes back to whatever work is unfinished.
	NodeBackoff = "backoff"
)

// Dependency names used for circuit breakers and rate-limit buckets.
const (
	DependencyAnalysis = "analysis"
	DependencyTool     = "tool_search"
)

// State is the workflow state threaded through the graph. It is passed by
// value; nodes return modified copies and never mutate shared references.
type State struct {
	// Content is the text under analysis. Immutable during the run.
	Content string `json:"content"`
	// Meta is caller-provided context (file name, language, chunk position).
	Meta map[string]string `json:"meta,omitempty"`

	// Visits counts node executions. Part of the state fingerprint so
	// structurally identical situations at different visit depths hash
	// differently.
	Visits map[string]int `json:"visits,omitempty"`

	// Analysis is the latest inference result, nil before the first
	// successful analyze.
	Analysis *analysis.Result `json:"analysis,omitempty"`
	// Validation is the verdict on Analysis, nil until validate runs.
	Validation *analysis.Validation `json:"validation,omitempty"`

	// PendingQueries are tool lookups the service asked for and the tool
	// node has not performed yet.
	PendingQueries []string `json:"pending_queries,omitempty"`
	// ToolResults accumulates completed lookups for re-analysis.
	ToolResults []analysis.ToolResult `json:"tool_results,omitempty"`
	// ToolInvocations counts completed tool calls; the executor compares it
	// against the tool-call ceiling.
	ToolInvocations int `json:"tool_invocations,omitempty"`

	// InfoRequested is set when the run ended because the service needs
	// more input from the caller.
	InfoRequested bool `json:"info_requested,omitempty"`

	// Backoffs counts trips through the recovery node.
	Backoffs int `json:"backoffs,omitempty"`
}

// visit returns a copy of the state with the node's visit count bumped.
// The map is cloned because State travels by value but maps alias.
func (s State) visit(node string) State {
	visits := make(map[string]int, len(s.Visits)+1)
	for k, v := range s.Visits {
		visits[k] = v
	}
	visits[node]++
	s.Visits = visits
	return s
}

// validationStatus collapses the validation field into a small enum for
// fingerprinting.
func (s State) validationStatus() byte {
	switch {
	case s.Validation == nil:
		return 0
	case s.Validation.Passed:
		return 1
	case s.Validation.RetryRequested:
		return 2
	default:
		return 3
	}
}
