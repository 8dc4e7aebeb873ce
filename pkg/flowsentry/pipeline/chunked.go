package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowsentry/flowsentry/pkg/flowsentry"
	"github.com/flowsentry/flowsentry/pkg/flowsentry/chunk"
	"github.com/flowsentry/flowsentry/pkg/flowsentry/observability"
)

// chunkOutcome is one worker's bookkeeping, indexed by chunk position so
// aggregation never depends on completion order.
type chunkOutcome struct {
	result    chunk.Result
	report    *flowsentry.Report
	summary   string
	needsInfo bool
	passed    bool
	ran       bool
}

// runChunked splits the content, runs each chunk as an independent
// sub-workflow on a bounded worker pool, and merges the results.
//
// Worker failures never abort the whole run: a failed chunk becomes a
// coverage gap in the merged report. Cancellation skips chunks that have
// not started and returns the merged results of the chunks that finished,
// marked partial.
func (p *Pipeline) runChunked(ctx context.Context, content string, meta map[string]string) (*Result, error) {
	start := time.Now()

	tasks := chunk.Split(content, p.opts.Chunking)
	outcomes := make([]chunkOutcome, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.MaxConcurrency)

	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			if gctx.Err() != nil {
				// Queued after cancellation: skip rather than start.
				outcomes[i] = chunkOutcome{result: skippedResult(task, gctx.Err())}
				return nil
			}
			outcomes[i] = p.runChunk(gctx, task, meta)
			return nil
		})
	}
	// Workers record failures in their outcome instead of returning errors,
	// so Wait only synchronizes.
	_ = g.Wait()

	merged := chunk.Merge(collectResults(outcomes))
	p.metrics.RecordChunkMerge(ctx, len(tasks), merged.FailedChunks)

	res := &Result{
		Status:             flowsentry.StatusCompleted,
		Findings:           merged.Findings,
		ValidationPassed:   true,
		Covered:            merged.Covered,
		Gaps:               merged.Gaps,
		IncompleteCoverage: merged.IncompleteCoverage,
		FailedChunks:       merged.FailedChunks,
		Duration:           time.Since(start),
	}

	var summaries []string
	for _, o := range outcomes {
		if o.summary != "" {
			summaries = append(summaries, o.summary)
		}
		if o.needsInfo {
			res.NeedsMoreInput = true
		}
		if o.ran && !o.passed {
			res.ValidationPassed = false
		}
		if o.report != nil {
			res.NodesExecuted += o.report.NodesExecuted
			res.ToolCalls += o.report.ToolCalls
			if !o.report.Completed() && res.TerminationReason == "" {
				res.TerminationReason = o.report.TerminationReason
			}
			if !o.report.Completed() {
				res.Status = flowsentry.StatusPartial
			}
		}
	}
	res.Summary = strings.Join(summaries, "\n")

	if merged.IncompleteCoverage {
		res.Status = flowsentry.StatusPartial
	}
	if err := ctx.Err(); err != nil {
		res.Status = flowsentry.StatusPartial
	}

	return res, nil
}

// runChunk executes one chunk's sub-workflow and converts the outcome into
// merge input, shifting findings from chunk-relative to original input
// coordinates.
func (p *Pipeline) runChunk(ctx context.Context, task chunk.Task, meta map[string]string) chunkOutcome {
	elapsed := observability.TimedOperation()

	chunkMeta := make(map[string]string, len(meta)+2)
	for k, v := range meta {
		chunkMeta[k] = v
	}
	chunkMeta["chunk_index"] = fmt.Sprintf("%d", task.Index)
	chunkMeta["chunk_range"] = fmt.Sprintf("%d-%d", task.StartLine, task.EndLine)

	state, report, err := p.execute(ctx, task.Content, chunkMeta, task.ID)

	out := chunkOutcome{report: report, ran: true}

	if err != nil || state.Analysis == nil {
		reason := "no analysis produced"
		if err != nil {
			reason = err.Error()
		} else if report != nil && report.TerminationReason != "" {
			reason = report.TerminationReason
		}
		out.result = chunk.Result{
			TaskID:        task.ID,
			Index:         task.Index,
			StartLine:     task.StartLine,
			EndLine:       task.EndLine,
			Failed:        true,
			FailureReason: reason,
		}
		observability.LogChunkComplete(p.logger, task.ID, task.Index, true, elapsed())
		return out
	}

	offset := task.StartLine - 1
	findings := make([]chunk.Finding, 0, len(state.Analysis.Findings))
	for _, f := range state.Analysis.Findings {
		f.StartLine += offset
		f.EndLine += offset
		findings = append(findings, f)
	}

	out.result = chunk.Result{
		TaskID:    task.ID,
		Index:     task.Index,
		StartLine: task.StartLine,
		EndLine:   task.EndLine,
		Findings:  findings,
	}
	out.summary = state.Analysis.Summary
	out.needsInfo = state.InfoRequested
	out.passed = state.Validation != nil && state.Validation.Passed

	observability.LogChunkComplete(p.logger, task.ID, task.Index, false, elapsed())
	return out
}

// skippedResult marks a chunk that cancellation prevented from starting.
func skippedResult(task chunk.Task, cause error) chunk.Result {
	return chunk.Result{
		TaskID:        task.ID,
		Index:         task.Index,
		StartLine:     task.StartLine,
		EndLine:       task.EndLine,
		Failed:        true,
		FailureReason: fmt.Sprintf("skipped: %v", cause),
	}
}

func collectResults(outcomes []chunkOutcome) []chunk.Result {
	results := make([]chunk.Result, len(outcomes))
	for i, o := range outcomes {
		results[i] = o.result
	}
	return results
}
