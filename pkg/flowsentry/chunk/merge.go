package chunk

import (
	"sort"
)

// Finding is one issue reported against a line range of the original input.
type Finding struct {
	// Category classifies the finding (e.g. "null-deref", "style").
	Category string `json:"category"`
	// Severity is the reporter's severity label, passed through untouched.
	Severity string `json:"severity,omitempty"`
	// StartLine and EndLine delimit the finding in original input
	// coordinates, inclusive.
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`
	// Message is the human-readable description.
	Message string `json:"message"`
}

// overlaps reports whether two findings touch the same lines.
func (f Finding) overlaps(other Finding) bool {
	return f.StartLine <= other.EndLine && other.StartLine <= f.EndLine
}

// Result is the outcome of one chunk's sub-workflow.
type Result struct {
	// TaskID and Index identify the originating Task.
	TaskID string
	Index  int
	// StartLine and EndLine are the covered range in original input
	// coordinates. They echo the Task on success.
	StartLine int
	EndLine   int
	// Findings are in original input coordinates.
	Findings []Finding
	// Failed marks a chunk whose sub-workflow failed irrecoverably or was
	// skipped by cancellation. Failed chunks contribute no coverage.
	Failed bool
	// FailureReason describes why the chunk failed. Empty on success.
	FailureReason string
}

// Range is an inclusive 1-based line range.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Merged is the combined outcome of all chunks.
type Merged struct {
	// Findings is the deduplicated union, ordered by start line.
	Findings []Finding
	// Covered is the overall covered range (first covered line to last).
	Covered Range
	// Gaps lists uncovered ranges inside Covered, one per failed chunk
	// region. Empty when coverage is contiguous.
	Gaps []Range
	// IncompleteCoverage is true when any chunk failed or coverage has
	// holes. Findings are still usable; the report is partial.
	IncompleteCoverage bool
	// FailedChunks counts chunks that contributed no result.
	FailedChunks int
}

// Merge combines chunk results into one report. The output is deterministic
// and independent of chunk completion order: results are sorted by start
// line before any other processing.
//
// Two findings are considered duplicates when they share a category and
// their line ranges overlap; the copy from the earlier chunk wins. This is
// what collapses the double reports produced inside overlap regions.
func Merge(results []Result) Merged {
	sorted := make([]Result, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].StartLine != sorted[j].StartLine {
			return sorted[i].StartLine < sorted[j].StartLine
		}
		return sorted[i].Index < sorted[j].Index
	})

	var m Merged
	var findings []Finding
	coveredEnd := 0 // last covered line so far

	for _, r := range sorted {
		if r.Failed {
			m.FailedChunks++
			m.IncompleteCoverage = true
			continue
		}

		if m.Covered.Start == 0 {
			m.Covered.Start = r.StartLine
		} else if r.StartLine > coveredEnd+1 {
			m.Gaps = append(m.Gaps, Range{Start: coveredEnd + 1, End: r.StartLine - 1})
			m.IncompleteCoverage = true
		}
		if r.EndLine > coveredEnd {
			coveredEnd = r.EndLine
		}

		findings = append(findings, r.Findings...)
	}
	m.Covered.End = coveredEnd

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].StartLine != findings[j].StartLine {
			return findings[i].StartLine < findings[j].StartLine
		}
		if findings[i].EndLine != findings[j].EndLine {
			return findings[i].EndLine < findings[j].EndLine
		}
		return findings[i].Category < findings[j].Category
	})
	m.Findings = dedupe(findings)

	return m
}

// dedupe removes findings that overlap an already-kept finding of the same
// category. Input must be sorted by start line.
func dedupe(findings []Finding) []Finding {
	if len(findings) == 0 {
		return nil
	}

	kept := make([]Finding, 0, len(findings))
	for _, f := range findings {
		dup := false
		for i := range kept {
			if kept[i].Category == f.Category && kept[i].overlaps(f) {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, f)
		}
	}
	return kept
}
