package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okResult(index, start, end int, findings ...Finding) Result {
	return Result{
		TaskID:    "task",
		Index:     index,
		StartLine: start,
		EndLine:   end,
		Findings:  findings,
	}
}

func failedResult(index, start, end int) Result {
	return Result{
		TaskID:        "task",
		Index:         index,
		StartLine:     start,
		EndLine:       end,
		Failed:        true,
		FailureReason: "analysis failed",
	}
}

// TestMerge_OrderIndependent verifies the merged output is identical no
// matter what order the chunk results arrive in.
func TestMerge_OrderIndependent(t *testing.T) {
	a := okResult(0, 1, 10, Finding{Category: "style", StartLine: 3, EndLine: 3, Message: "a"})
	b := okResult(1, 9, 18, Finding{Category: "bug", StartLine: 12, EndLine: 12, Message: "b"})
	c := okResult(2, 17, 25, Finding{Category: "bug", StartLine: 20, EndLine: 21, Message: "c"})

	forward := Merge([]Result{a, b, c})
	reversed := Merge([]Result{c, b, a})

	assert.Equal(t, forward, reversed)
	assert.Equal(t, Range{Start: 1, End: 25}, forward.Covered)
	assert.False(t, forward.IncompleteCoverage)
	require.Len(t, forward.Findings, 3)
	assert.Equal(t, 3, forward.Findings[0].StartLine)
	assert.Equal(t, 12, forward.Findings[1].StartLine)
	assert.Equal(t, 20, forward.Findings[2].StartLine)
}

// TestMerge_DeduplicatesOverlapFindings verifies a finding reported by both
// sides of an overlap region appears once, keeping the earlier chunk's copy.
func TestMerge_DeduplicatesOverlapFindings(t *testing.T) {
	first := okResult(0, 1, 10,
		Finding{Category: "bug", StartLine: 9, EndLine: 10, Message: "from chunk 0"},
	)
	second := okResult(1, 9, 18,
		Finding{Category: "bug", StartLine: 9, EndLine: 10, Message: "from chunk 1"},
		Finding{Category: "bug", StartLine: 15, EndLine: 15, Message: "distinct"},
	)

	merged := Merge([]Result{second, first})

	require.Len(t, merged.Findings, 2)
	assert.Equal(t, "from chunk 0", merged.Findings[0].Message)
	assert.Equal(t, "distinct", merged.Findings[1].Message)
}

// TestMerge_DifferentCategoriesKept verifies overlapping ranges survive when
// the categories differ: only same-category overlaps are duplicates.
func TestMerge_DifferentCategoriesKept(t *testing.T) {
	merged := Merge([]Result{
		okResult(0, 1, 10,
			Finding{Category: "bug", StartLine: 5, EndLine: 6, Message: "a"},
			Finding{Category: "style", StartLine: 5, EndLine: 6, Message: "b"},
		),
	})

	assert.Len(t, merged.Findings, 2)
}

// TestMerge_FailedChunkCreatesGap verifies a failed middle chunk shows up as
// an uncovered range and marks the report partial.
func TestMerge_FailedChunkCreatesGap(t *testing.T) {
	merged := Merge([]Result{
		okResult(0, 1, 10),
		failedResult(1, 9, 18),
		okResult(2, 17, 25),
	})

	assert.True(t, merged.IncompleteCoverage)
	assert.Equal(t, 1, merged.FailedChunks)
	assert.Equal(t, Range{Start: 1, End: 25}, merged.Covered)
	require.Len(t, merged.Gaps, 1)
	assert.Equal(t, Range{Start: 11, End: 16}, merged.Gaps[0])
}

// TestMerge_AdjacentChunksNoGap verifies coverage is contiguous when one
// chunk starts exactly where the previous one ended.
func TestMerge_AdjacentChunksNoGap(t *testing.T) {
	merged := Merge([]Result{
		okResult(0, 1, 10),
		okResult(1, 11, 20),
	})

	assert.False(t, merged.IncompleteCoverage)
	assert.Empty(t, merged.Gaps)
	assert.Equal(t, Range{Start: 1, End: 20}, merged.Covered)
}

// TestMerge_AllFailed verifies a fully failed run produces an empty covered
// range and no findings.
func TestMerge_AllFailed(t *testing.T) {
	merged := Merge([]Result{
		failedResult(0, 1, 10),
		failedResult(1, 9, 18),
	})

	assert.True(t, merged.IncompleteCoverage)
	assert.Equal(t, 2, merged.FailedChunks)
	assert.Equal(t, Range{}, merged.Covered)
	assert.Empty(t, merged.Findings)
}

func TestMerge_Empty(t *testing.T) {
	merged := Merge(nil)

	assert.Empty(t, merged.Findings)
	assert.Equal(t, Range{}, merged.Covered)
	assert.False(t, merged.IncompleteCoverage)
}

// TestMerge_InputNotMutated verifies Merge sorts a copy, not the caller's
// slice.
func TestMerge_InputNotMutated(t *testing.T) {
	results := []Result{
		okResult(1, 9, 18),
		okResult(0, 1, 10),
	}

	Merge(results)

	assert.Equal(t, 1, results[0].Index)
	assert.Equal(t, 0, results[1].Index)
}

func TestFinding_Overlaps(t *testing.T) {
	base := Finding{StartLine: 5, EndLine: 10}

	testCases := []struct {
		name  string
		other Finding
		want  bool
	}{
		{"contained", Finding{StartLine: 6, EndLine: 8}, true},
		{"touching start", Finding{StartLine: 1, EndLine: 5}, true},
		{"touching end", Finding{StartLine: 10, EndLine: 12}, true},
		{"before", Finding{StartLine: 1, EndLine: 4}, false},
		{"after", Finding{StartLine: 11, EndLine: 12}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, base.overlaps(tc.other))
		})
	}
}
