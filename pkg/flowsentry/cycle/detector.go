// Package cycle detects unproductive repetition in workflow executions.
//
// The detector consumes the executor's transition log and classifies the
// recent history into one of five terminal patterns:
//
//   - simple_loop: the same edge repeating back to back
//   - complex_loop: a multi-node cycle repeating with identical state
//   - oscillation: the state fingerprint alternating between two values
//   - spiral: a structural cycle whose state never converges
//   - deadlock: the state fingerprint frozen across transitions
//
// The detector is a pure function of its sliding window: it holds no state
// beyond the last Window transitions, so identical transition sequences
// always produce identical verdicts.
package cycle

import (
	"fmt"
	"time"
)

// Transition records one edge taken by the executor.
type Transition struct {
	// From is the node that just executed.
	From string
	// To is the node selected by routing.
	To string
	// Fingerprint is the digest of the state after From executed.
	Fingerprint uint64
	// Seq is the monotonically increasing transition number within the run.
	Seq int
	// At is when the transition was observed. Informational only; it never
	// participates in pattern matching.
	At time.Time
}

// Pattern identifies a terminal repetition pattern.
type Pattern string

// Terminal patterns, in detection priority order.
const (
	PatternSimpleLoop  Pattern = "simple_loop"
	PatternComplexLoop Pattern = "complex_loop"
	PatternOscillation Pattern = "oscillation"
	PatternSpiral      Pattern = "spiral"
	PatternDeadlock    Pattern = "deadlock"
)

// Verdict is the detector's answer after each observation.
type Verdict struct {
	// Terminate is true when a terminal pattern was matched.
	Terminate bool
	// Pattern names the matched pattern. Empty when Terminate is false.
	Pattern Pattern
	// Action is a short machine-readable hint for the caller.
	Action string
}

// Continue is the verdict returned while execution looks productive.
var Continue = Verdict{}

// suggested actions per pattern.
var actions = map[Pattern]string{
	PatternSimpleLoop:  "stop retrying the repeating edge",
	PatternComplexLoop: "break the cycle or raise its visit ceiling",
	PatternOscillation: "pin one of the two competing branches",
	PatternSpiral:      "results are not converging; return partial output",
	PatternDeadlock:    "state is frozen; check routing predicates",
}

// Config holds the detection thresholds. All values are workload dependent
// and intentionally not hard-coded: a large input legitimately needs more
// iterations than a small one.
type Config struct {
	// Window is the number of transitions kept for inspection.
	Window int `yaml:"window"`
	// RepeatThreshold (k) is how many consecutive repeats of an edge or an
	// oscillation pair are tolerated before terminating.
	RepeatThreshold int `yaml:"repeat_threshold"`
	// MaxCycleLen (L) bounds the node-name cycle lengths searched for.
	MaxCycleLen int `yaml:"max_cycle_len"`
	// SpiralRepeats (m) is how many structural repetitions without
	// fingerprint repetition count as a spiral.
	SpiralRepeats int `yaml:"spiral_repeats"`
	// DeadlockRun (n) is how many consecutive identical fingerprints count
	// as a deadlock.
	DeadlockRun int `yaml:"deadlock_run"`
}

// DefaultConfig returns thresholds suitable for interactive workloads.
func DefaultConfig() Config {
	return Config{
		Window:          50,
		RepeatThreshold: 3,
		MaxCycleLen:     6,
		SpiralRepeats:   4,
		DeadlockRun:     5,
	}
}

// Validate reports the first configuration error, or nil.
// Detection with an invalid configuration is a programmer error and must be
// caught before any run starts.
func (c Config) Validate() error {
	switch {
	case c.Window < 2:
		return fmt.Errorf("cycle: window must be >= 2, got %d", c.Window)
	case c.RepeatThreshold < 2:
		return fmt.Errorf("cycle: repeat threshold must be >= 2, got %d", c.RepeatThreshold)
	case c.MaxCycleLen < 2:
		return fmt.Errorf("cycle: max cycle length must be >= 2, got %d", c.MaxCycleLen)
	case c.SpiralRepeats < 2:
		return fmt.Errorf("cycle: spiral repeats must be >= 2, got %d", c.SpiralRepeats)
	case c.DeadlockRun < 2:
		return fmt.Errorf("cycle: deadlock run must be >= 2, got %d", c.DeadlockRun)
	case c.Window < 2*c.MaxCycleLen:
		return fmt.Errorf("cycle: window (%d) must cover two full cycles of max length (%d)",
			c.Window, c.MaxCycleLen)
	}
	return nil
}

// Detector classifies transition sequences. It is NOT safe for concurrent
// use; the executor owns one detector per run and feeds it sequentially.
type Detector struct {
	cfg    Config
	window []Transition
}

// New creates a detector. The configuration must already be validated;
// New panics on invalid thresholds because that is a programming error,
// not a runtime condition.
func New(cfg Config) *Detector {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return &Detector{
		cfg:    cfg,
		window: make([]Transition, 0, cfg.Window),
	}
}

// Observe appends a transition to the window and re-evaluates the patterns
// in priority order. Each call is O(window).
func (d *Detector) Observe(t Transition) Verdict {
	d.window = append(d.window, t)
	if len(d.window) > d.cfg.Window {
		d.window = d.window[len(d.window)-d.cfg.Window:]
	}

	if d.simpleLoop() {
		return terminate(PatternSimpleLoop)
	}
	if cycleLen, repeats, converged := d.structuralCycle(); cycleLen > 0 {
		if converged && repeats >= 2 && !d.fingerprintPair() {
			return terminate(PatternComplexLoop)
		}
		if !converged && repeats >= d.cfg.SpiralRepeats {
			// Spiral is checked below oscillation; remember the finding.
			if d.oscillation() {
				return terminate(PatternOscillation)
			}
			return terminate(PatternSpiral)
		}
	}
	if d.oscillation() {
		return terminate(PatternOscillation)
	}
	if d.deadlock() {
		return terminate(PatternDeadlock)
	}
	return Continue
}

// Window returns a copy of the current window, oldest first.
func (d *Detector) Window() []Transition {
	out := make([]Transition, len(d.window))
	copy(out, d.window)
	return out
}

// Reset discards the window. Used when the executor intentionally changes
// course (e.g. after routing through a recovery node).
func (d *Detector) Reset() {
	d.window = d.window[:0]
}

func terminate(p Pattern) Verdict {
	return Verdict{Terminate: true, Pattern: p, Action: actions[p]}
}

// simpleLoop reports whether the same (from, to) edge occupies the last
// RepeatThreshold entries.
func (d *Detector) simpleLoop() bool {
	k := d.cfg.RepeatThreshold
	if len(d.window) < k {
		return false
	}
	last := d.window[len(d.window)-1]
	for i := len(d.window) - k; i < len(d.window); i++ {
		if d.window[i].From != last.From || d.window[i].To != last.To {
			return false
		}
	}
	return true
}

// structuralCycle searches the tail of the window for a repeating cycle in
// the node-name sequence using a polynomial rolling hash over the last 2L
// entries. It returns the shortest cycle length found, how many times the
// cycle repeats consecutively at the tail, and whether the fingerprints of
// the last two repetitions match (converged) or strictly differ each
// repetition.
//
// Returns cycleLen == 0 when no cycle of length 2..MaxCycleLen repeats.
func (d *Detector) structuralCycle() (cycleLen, repeats int, converged bool) {
	names := make([]string, len(d.window))
	prints := make([]uint64, len(d.window))
	for i, t := range d.window {
		names[i] = t.To
		prints[i] = t.Fingerprint
	}

	n := len(names)
	for c := 2; c <= d.cfg.MaxCycleLen; c++ {
		if n < 2*c {
			break
		}
		if blockHash(names[n-c:]) != blockHash(names[n-2*c:n-c]) {
			continue
		}
		if !equalBlocks(names[n-c:], names[n-2*c:n-c]) {
			continue // hash collision
		}
		// Degenerate cycle: every entry identical. Leave it to the
		// simple-loop and deadlock checks.
		if uniform(names[n-c:]) {
			continue
		}

		// Count how many consecutive repetitions end at the tail.
		reps := 2
		for start := n - 3*c; start >= 0; start -= c {
			if !equalBlocks(names[start:start+c], names[n-c:]) {
				break
			}
			reps++
		}

		// Converged when the last two repetitions carried identical
		// fingerprints. Strictly-changing fingerprints across every
		// repetition signal a spiral.
		conv := equalPrints(prints[n-c:], prints[n-2*c:n-c])
		if !conv {
			// A spiral requires the fingerprint block to differ on
			// every repetition, not just the last two.
			for r := 1; r < reps; r++ {
				a := prints[n-r*c : n-(r-1)*c]
				b := prints[n-(r+1)*c : n-r*c]
				if equalPrints(a, b) {
					conv = true // converged mid-way; not a spiral
					break
				}
			}
		}
		return c, reps, conv
	}
	return 0, 0, false
}

// fingerprintPair reports whether the recent fingerprints consist of exactly
// two values in strict alternation, judged over however much of the 2k tail
// exists so far. A structural cycle whose state merely flips between two
// fingerprints is an oscillation in the making, not a complex loop, so the
// complex-loop check defers while the alternation holds.
func (d *Detector) fingerprintPair() bool {
	need := 2 * d.cfg.RepeatThreshold
	if len(d.window) < need {
		need = len(d.window)
	}
	if need < 4 {
		return false
	}
	return alternating(d.window[len(d.window)-need:])
}

// oscillation reports whether the fingerprints alternate between exactly two
// values for RepeatThreshold full periods.
func (d *Detector) oscillation() bool {
	need := 2 * d.cfg.RepeatThreshold
	if len(d.window) < need {
		return false
	}
	return alternating(d.window[len(d.window)-need:])
}

// alternating reports whether the fingerprints flip between exactly two
// distinct values across the whole slice.
func alternating(tail []Transition) bool {
	a, b := tail[0].Fingerprint, tail[1].Fingerprint
	if a == b {
		return false
	}
	for i, t := range tail {
		want := a
		if i%2 == 1 {
			want = b
		}
		if t.Fingerprint != want {
			return false
		}
	}
	return true
}

// deadlock reports whether the fingerprint has been identical for
// DeadlockRun consecutive transitions.
func (d *Detector) deadlock() bool {
	n := d.cfg.DeadlockRun
	if len(d.window) < n {
		return false
	}
	tail := d.window[len(d.window)-n:]
	first := tail[0].Fingerprint
	for _, t := range tail[1:] {
		if t.Fingerprint != first {
			return false
		}
	}
	return true
}

// blockHash computes a polynomial rolling hash over a block of node names.
const hashBase = 1099511628211 // FNV prime doubles as the polynomial base

func blockHash(names []string) uint64 {
	var h uint64 = 14695981039346656037
	for _, s := range names {
		for i := 0; i < len(s); i++ {
			h = h*hashBase ^ uint64(s[i])
		}
		h = h*hashBase ^ 0x1f // name separator
	}
	return h
}

func equalBlocks(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalPrints(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func uniform(names []string) bool {
	for _, s := range names[1:] {
		if s != names[0] {
			return false
		}
	}
	return true
}
