package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/flowsentry/flowsentry/pkg/flowsentry"
	"github.com/flowsentry/flowsentry/pkg/flowsentry/analysis"
	"github.com/flowsentry/flowsentry/pkg/flowsentry/breaker"
	"github.com/flowsentry/flowsentry/pkg/flowsentry/ratelimit"
)

// analyzeNode calls the inference service on the content, passing along any
// tool results accumulated so far. Every external call goes through the
// rate limiter first and the circuit breaker second; rejections from either
// are recoverable and route to the backoff node with the state unchanged.
func (p *Pipeline) analyzeNode(ctx flowsentry.Context, s State) (State, error) {
	if err := p.limiter.Acquire(DependencyAnalysis, ratelimit.EstimateCost(s.Content)); err != nil {
		p.recordQuotaRejection(ctx, DependencyAnalysis, err)
		return s, err
	}

	req := analysis.Request{Content: s.Content, Meta: s.Meta, ToolResults: s.ToolResults}
	res, err := breaker.Do(ctx, p.breakers.Get(DependencyAnalysis), func(ctx context.Context) (*analysis.Result, error) {
		return p.svc.Analyze(ctx, req)
	})
	if err != nil {
		return s, err
	}

	s = s.visit(NodeAnalyze)
	s.Analysis = res
	s.Validation = nil // a fresh analysis invalidates the old verdict
	s.PendingQueries = append([]string(nil), res.ToolQueries...)
	return s, nil
}

// analyzeRouter sends the fresh analysis wherever it needs to go next:
// caller input, tool lookups, or validation.
func (p *Pipeline) analyzeRouter(_ flowsentry.Context, s State) string {
	switch {
	case s.Analysis == nil:
		return NodeAnalyze
	case s.Analysis.NeedsMoreInput:
		return NodeRequestInfo
	case len(s.PendingQueries) > 0:
		return NodeTool
	default:
		return NodeValidate
	}
}

// validateNode asks the service to judge the current analysis.
func (p *Pipeline) validateNode(ctx flowsentry.Context, s State) (State, error) {
	if err := p.limiter.Acquire(DependencyAnalysis, 1); err != nil {
		p.recordQuotaRejection(ctx, DependencyAnalysis, err)
		return s, err
	}

	req := analysis.Request{Content: s.Content, Meta: s.Meta, ToolResults: s.ToolResults}
	v, err := breaker.Do(ctx, p.breakers.Get(DependencyAnalysis), func(ctx context.Context) (*analysis.Validation, error) {
		return p.svc.Validate(ctx, req, s.Analysis)
	})
	if err != nil {
		return s, err
	}

	s = s.visit(NodeValidate)
	s.Validation = v
	return s, nil
}

// validateRouter ends the run on a pass or a rejected-without-retry verdict,
// and loops back to analysis when the service requests a retry. The retry
// loop is bounded by the analyze node's visit ceiling.
func (p *Pipeline) validateRouter(_ flowsentry.Context, s State) string {
	switch {
	case s.Validation == nil:
		return NodeValidate
	case s.Validation.Passed:
		return flowsentry.END
	case s.Validation.RetryRequested:
		return NodeAnalyze
	default:
		return flowsentry.END
	}
}

// toolNode performs the oldest pending lookup. One lookup per visit keeps
// every tool call individually visible to the ceilings and the detector.
func (p *Pipeline) toolNode(ctx flowsentry.Context, s State) (State, error) {
	if len(s.PendingQueries) == 0 {
		return s.visit(NodeTool), nil
	}
	if p.tool == nil {
		return s, &analysis.FatalError{Op: "tool", Err: errors.New("no tool service configured")}
	}

	query := s.PendingQueries[0]
	if err := p.limiter.Acquire(DependencyTool, ratelimit.EstimateCost(query)); err != nil {
		p.recordQuotaRejection(ctx, DependencyTool, err)
		return s, err
	}

	res, err := breaker.Do(ctx, p.breakers.Get(DependencyTool), func(ctx context.Context) (*analysis.ToolResult, error) {
		return p.tool.Invoke(ctx, query)
	})
	if err != nil {
		return s, err
	}

	s = s.visit(NodeTool)
	s.PendingQueries = append([]string(nil), s.PendingQueries[1:]...)
	s.ToolResults = append(append([]analysis.ToolResult(nil), s.ToolResults...), *res)
	s.ToolInvocations++
	return s, nil
}

// toolRouter drains the pending queue, then hands the enriched state back
// to analysis.
func (p *Pipeline) toolRouter(_ flowsentry.Context, s State) string {
	if len(s.PendingQueries) > 0 {
		return NodeTool
	}
	return NodeAnalyze
}

// requestInfoNode records that the service cannot proceed without caller
// input. The run ends here; the result surfaces NeedsMoreInput so the
// caller can supply the missing context and start a new run.
func (p *Pipeline) requestInfoNode(ctx flowsentry.Context, s State) (State, error) {
	s = s.visit(NodeRequestInfo)
	s.InfoRequested = true
	ctx.Logger().Info("analysis needs more input from caller")
	return s, nil
}

// backoffNode is the recovery node. It absorbs recoverable failures, waits
// with exponential backoff, and lets its router redirect to whatever work
// remains. The wait aborts at cancellation.
func (p *Pipeline) backoffNode(ctx flowsentry.Context, s State) (State, error) {
	s = s.visit(NodeBackoff)
	s.Backoffs++

	delay := p.opts.BackoffBase
	for i := 1; i < s.Backoffs && delay < p.opts.BackoffMax; i++ {
		delay *= 2
	}
	if delay > p.opts.BackoffMax {
		delay = p.opts.BackoffMax
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return s, ctx.Err()
	case <-timer.C:
	}
	return s, nil
}

// backoffRouter retries the unfinished stage, inferred from the state: the
// recovery handoff preserves the failing node's input state, so whatever is
// missing is what failed. Too many backoffs end the run with what we have.
func (p *Pipeline) backoffRouter(_ flowsentry.Context, s State) string {
	if s.Backoffs > p.opts.MaxBackoffs {
		return flowsentry.END
	}
	switch {
	case s.Analysis == nil:
		return NodeAnalyze
	case len(s.PendingQueries) > 0:
		return NodeTool
	case s.Validation == nil:
		return NodeValidate
	case s.Validation.RetryRequested:
		return NodeAnalyze
	default:
		return flowsentry.END
	}
}

// recordQuotaRejection forwards a limiter rejection to metrics with its
// retry-after for the logs.
func (p *Pipeline) recordQuotaRejection(ctx flowsentry.Context, resource string, err error) {
	p.metrics.RecordQuotaRejection(ctx, resource)
	var quota *ratelimit.QuotaError
	if errors.As(err, &quota) {
		ctx.Logger().Debug("rate limit rejection",
			"resource", resource,
			"retry_after", quota.RetryAfter.String(),
		)
	}
}
