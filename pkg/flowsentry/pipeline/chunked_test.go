package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsentry/flowsentry/pkg/flowsentry"
	"github.com/flowsentry/flowsentry/pkg/flowsentry/analysis"
	"github.com/flowsentry/flowsentry/pkg/flowsentry/chunk"
)

// numberedContent builds n lines of input.
func numberedContent(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	return b.String()
}

// chunkedOptions splits 25-line input into [1,10] [9,18] [17,25] and runs the
// chunks serially so scripted mock responses line up with chunk order.
func chunkedOptions() Options {
	o := testOptions()
	o.Chunking = chunk.Config{MaxLines: 10, OverlapLines: 2}
	o.MaxConcurrency = 1
	return o
}

// TestPipeline_RunChunked_MergesFindings verifies findings come back in
// original input coordinates with the overlap duplicate collapsed.
func TestPipeline_RunChunked_MergesFindings(t *testing.T) {
	svc := analysis.NewMockService(
		// Chunk [1,10]: finding at chunk lines 9-10 = original 9-10.
		&analysis.Result{Summary: "s0", Findings: []chunk.Finding{
			{Category: "bug", StartLine: 9, EndLine: 10, Message: "boundary issue"},
		}},
		// Chunk [9,18]: the same issue seen from the overlap side, chunk
		// lines 1-2 = original 9-10.
		&analysis.Result{Summary: "s1", Findings: []chunk.Finding{
			{Category: "bug", StartLine: 1, EndLine: 2, Message: "boundary issue again"},
		}},
		// Chunk [17,25]: chunk line 4 = original 20.
		&analysis.Result{Summary: "s2", Findings: []chunk.Finding{
			{Category: "style", StartLine: 4, EndLine: 4, Message: "nit"},
		}},
	)
	p := newTestPipeline(t, svc, nil, chunkedOptions())

	res, err := p.Run(context.Background(), numberedContent(25), nil)

	require.NoError(t, err)
	assert.Equal(t, flowsentry.StatusCompleted, res.Status)
	assert.Equal(t, "s0\ns1\ns2", res.Summary)
	assert.True(t, res.ValidationPassed)
	assert.Equal(t, chunk.Range{Start: 1, End: 25}, res.Covered)
	assert.Empty(t, res.Gaps)
	assert.False(t, res.IncompleteCoverage)
	assert.Zero(t, res.FailedChunks)

	require.Len(t, res.Findings, 2)
	assert.Equal(t, "boundary issue", res.Findings[0].Message)
	assert.Equal(t, 9, res.Findings[0].StartLine)
	assert.Equal(t, 10, res.Findings[0].EndLine)
	assert.Equal(t, 20, res.Findings[1].StartLine)

	// Three sub-workflows, two service calls each.
	assert.Equal(t, 3, svc.AnalyzeCalls)
	assert.Equal(t, 3, svc.ValidateCalls)
	assert.Equal(t, 6, res.NodesExecuted)
}

// TestPipeline_RunChunked_FailedChunkBecomesGap verifies a chunk whose
// analysis fails fatally shows up as a coverage gap instead of failing the
// whole run.
func TestPipeline_RunChunked_FailedChunkBecomesGap(t *testing.T) {
	svc := analysis.NewMockService(&analysis.Result{Summary: "ok"})
	// Calls per chunk: analyze then validate. Call 2 is the second chunk's
	// analyze.
	svc.FailCall(2, &analysis.FatalError{Op: "analyze", Err: errors.New("context too large")})
	p := newTestPipeline(t, svc, nil, chunkedOptions())

	res, err := p.Run(context.Background(), numberedContent(25), nil)

	require.NoError(t, err)
	assert.Equal(t, flowsentry.StatusPartial, res.Status)
	assert.True(t, res.IncompleteCoverage)
	assert.Equal(t, 1, res.FailedChunks)
	assert.Equal(t, chunk.Range{Start: 1, End: 25}, res.Covered)
	require.Len(t, res.Gaps, 1)
	// The failed chunk covered [9,18]; its neighbors cover through 10 and
	// from 17, leaving [11,16] dark.
	assert.Equal(t, chunk.Range{Start: 11, End: 16}, res.Gaps[0])
}

// TestPipeline_RunChunked_ChunkCeilingMarksPartial verifies a guard stop
// inside any chunk marks the merged result partial with the chunk's reason.
func TestPipeline_RunChunked_ChunkCeilingMarksPartial(t *testing.T) {
	// The second chunk's validator demands retries until the analyze
	// ceiling trips.
	svc := analysis.NewMockService(&analysis.Result{Summary: "ok"}).
		WithValidations(
			&analysis.Validation{Passed: true},
			&analysis.Validation{RetryRequested: true},
			&analysis.Validation{RetryRequested: true},
			&analysis.Validation{Passed: true},
		)

	o := chunkedOptions()
	o.NodeCeilings = map[string]int{NodeAnalyze: 2}
	o.Cycle = nil
	p := newTestPipeline(t, svc, nil, o)

	res, err := p.Run(context.Background(), numberedContent(25), nil)

	require.NoError(t, err)
	assert.Equal(t, flowsentry.StatusPartial, res.Status)
	assert.Equal(t, flowsentry.ReasonCeilingExceeded, res.TerminationReason)
	assert.False(t, res.ValidationPassed)
}

// TestPipeline_RunChunked_SmallInputNotChunked verifies input at the
// threshold runs as a single workflow.
func TestPipeline_RunChunked_SmallInputNotChunked(t *testing.T) {
	svc := analysis.NewMockService(&analysis.Result{Summary: "single"})
	p := newTestPipeline(t, svc, nil, chunkedOptions())

	res, err := p.Run(context.Background(), numberedContent(10), nil)

	require.NoError(t, err)
	assert.Equal(t, "single", res.Summary)
	assert.Equal(t, 1, svc.AnalyzeCalls)
}

// TestPipeline_RunChunked_Cancellation verifies cancellation yields a
// partial merged result rather than an error.
func TestPipeline_RunChunked_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := analysis.NewMockService(&analysis.Result{Summary: "ok"})
	p := newTestPipeline(t, svc, nil, chunkedOptions())

	res, err := p.Run(ctx, numberedContent(25), nil)

	require.NoError(t, err)
	assert.Equal(t, flowsentry.StatusPartial, res.Status)
	assert.True(t, res.IncompleteCoverage)
	assert.Equal(t, 3, res.FailedChunks)
}
