// Package chunk splits oversized text input into line-aligned overlapping
// segments and merges the per-segment results back into one deterministic
// report.
//
// Splitting never breaks a line in half, and every chunk after the first
// repeats the tail of its predecessor so a finding that spans a boundary is
// visible to at least one chunk in full. Merging orders results by start
// line regardless of completion order, deduplicates findings discovered
// twice inside an overlap region, and flags incomplete coverage when a
// chunk failed irrecoverably.
package chunk

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Config holds the splitting parameters.
type Config struct {
	// MaxLines is the largest number of lines a single chunk may carry.
	MaxLines int `yaml:"max_lines"`
	// OverlapLines is how many trailing lines of each chunk are repeated at
	// the start of the next one.
	OverlapLines int `yaml:"overlap_lines"`
}

// DefaultConfig returns splitting parameters tuned for source review:
// chunks small enough for a single inference call, with enough overlap to
// catch boundary-spanning issues.
func DefaultConfig() Config {
	return Config{MaxLines: 400, OverlapLines: 20}
}

// Validate reports the first configuration error, or nil.
func (c Config) Validate() error {
	if c.MaxLines < 1 {
		return fmt.Errorf("chunk: max lines must be >= 1, got %d", c.MaxLines)
	}
	if c.OverlapLines < 0 {
		return fmt.Errorf("chunk: overlap lines must be >= 0, got %d", c.OverlapLines)
	}
	if c.OverlapLines >= c.MaxLines {
		return fmt.Errorf("chunk: overlap (%d) must be smaller than max lines (%d)",
			c.OverlapLines, c.MaxLines)
	}
	return nil
}

// Task is one independent segment of the input. Line numbers are 1-based
// and refer to the original input.
type Task struct {
	// ID uniquely identifies the chunk within the run.
	ID string
	// Index is the chunk's position in input order, starting at 0.
	Index int
	// StartLine and EndLine delimit the chunk in the original input,
	// inclusive on both ends.
	StartLine int
	EndLine   int
	// OverlapLines is how many leading lines are repeated from the
	// previous chunk. Zero for the first chunk.
	OverlapLines int
	// Content is the chunk text.
	Content string
}

// Split cuts content into line-aligned tasks. Content at or under MaxLines
// yields a single task covering the whole input. The configuration must be
// valid; Split panics otherwise because splitting with a bad configuration
// is a programming error caught at startup.
func Split(content string, cfg Config) []Task {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	lines := splitLines(content)
	total := len(lines)
	if total == 0 {
		return nil
	}

	stride := cfg.MaxLines - cfg.OverlapLines
	tasks := make([]Task, 0, (total+stride-1)/stride)

	for first := 0; ; first += stride {
		end := first + cfg.MaxLines
		if end > total {
			end = total
		}
		overlap := 0
		if first > 0 {
			overlap = cfg.OverlapLines
		}

		tasks = append(tasks, Task{
			ID:           uuid.New().String(),
			Index:        len(tasks),
			StartLine:    first + 1,
			EndLine:      end,
			OverlapLines: overlap,
			Content:      strings.Join(lines[first:end], "\n"),
		})

		if end == total {
			break
		}
	}

	return tasks
}

// splitLines splits on newlines without manufacturing a trailing empty line
// for newline-terminated input.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	content = strings.TrimSuffix(content, "\n")
	return strings.Split(content, "\n")
}

// LineCount returns how many lines the content has, counting the way Split
// does. Callers use it to decide whether chunking is needed at all.
func LineCount(content string) int {
	return len(splitLines(content))
}
