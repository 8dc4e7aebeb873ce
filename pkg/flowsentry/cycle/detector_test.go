package cycle

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig returns small thresholds so tests need few transitions.
func testConfig() Config {
	return Config{
		Window:          20,
		RepeatThreshold: 3,
		MaxCycleLen:     6,
		SpiralRepeats:   4,
		DeadlockRun:     5,
	}
}

// tr builds a transition; Seq and At are irrelevant to pattern matching.
func tr(from, to string, fp uint64) Transition {
	return Transition{From: from, To: to, Fingerprint: fp}
}

// observeAll feeds transitions in order and returns the verdicts.
func observeAll(d *Detector, ts []Transition) []Verdict {
	verdicts := make([]Verdict, len(ts))
	for i, t := range ts {
		verdicts[i] = d.Observe(t)
	}
	return verdicts
}

// lastVerdict feeds transitions and returns the final verdict, requiring
// all earlier observations to continue.
func lastVerdict(t *testing.T, d *Detector, ts []Transition) Verdict {
	t.Helper()
	verdicts := observeAll(d, ts)
	for i := 0; i < len(verdicts)-1; i++ {
		require.False(t, verdicts[i].Terminate,
			"unexpected early termination at transition %d: %s", i, verdicts[i].Pattern)
	}
	return verdicts[len(verdicts)-1]
}

func TestConfig_Validate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(*Config) {}, false},
		{"window too small", func(c *Config) { c.Window = 1 }, true},
		{"repeat threshold too small", func(c *Config) { c.RepeatThreshold = 1 }, true},
		{"max cycle len too small", func(c *Config) { c.MaxCycleLen = 1 }, true},
		{"spiral repeats too small", func(c *Config) { c.SpiralRepeats = 1 }, true},
		{"deadlock run too small", func(c *Config) { c.DeadlockRun = 1 }, true},
		{"window under two cycles", func(c *Config) { c.Window = 10; c.MaxCycleLen = 6 }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_PanicsOnInvalidConfig(t *testing.T) {
	assert.Panics(t, func() {
		New(Config{Window: 0})
	})
}

// TestDetector_ProductiveRunContinues verifies that a run visiting distinct
// nodes with distinct fingerprints never terminates.
func TestDetector_ProductiveRunContinues(t *testing.T) {
	d := New(testConfig())

	nodes := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for i := 1; i < len(nodes); i++ {
		v := d.Observe(tr(nodes[i-1], nodes[i], uint64(i)))
		assert.Equal(t, Continue, v, "transition %d", i)
	}
}

// TestDetector_SimpleLoop verifies that the same edge repeating k times
// terminates, even while the fingerprint keeps changing.
func TestDetector_SimpleLoop(t *testing.T) {
	d := New(testConfig())

	v := lastVerdict(t, d, []Transition{
		tr("analyze", "validate", 1),
		tr("analyze", "validate", 2),
		tr("analyze", "validate", 3),
	})

	require.True(t, v.Terminate)
	assert.Equal(t, PatternSimpleLoop, v.Pattern)
	assert.NotEmpty(t, v.Action)
}

// TestDetector_SimpleLoop_PriorityOverDeadlock verifies that an edge
// repeating with a frozen fingerprint reports simple_loop, which is checked
// first, not deadlock.
func TestDetector_SimpleLoop_PriorityOverDeadlock(t *testing.T) {
	d := New(testConfig())

	v := lastVerdict(t, d, []Transition{
		tr("a", "b", 7),
		tr("a", "b", 7),
		tr("a", "b", 7),
	})

	require.True(t, v.Terminate)
	assert.Equal(t, PatternSimpleLoop, v.Pattern)
}

// TestDetector_ComplexLoop verifies that a three-node cycle repeating with
// identical fingerprints per position terminates as complex_loop.
func TestDetector_ComplexLoop(t *testing.T) {
	d := New(testConfig())

	v := lastVerdict(t, d, []Transition{
		tr("a", "b", 1),
		tr("b", "c", 2),
		tr("c", "a", 3),
		tr("a", "b", 1),
		tr("b", "c", 2),
		tr("c", "a", 3),
	})

	require.True(t, v.Terminate)
	assert.Equal(t, PatternComplexLoop, v.Pattern)
}

// TestDetector_Oscillation verifies that two fingerprints in strict
// alternation terminate as oscillation, not as the two-node structural
// cycle they also form.
func TestDetector_Oscillation(t *testing.T) {
	d := New(testConfig())

	v := lastVerdict(t, d, []Transition{
		tr("a", "b", 10),
		tr("b", "a", 20),
		tr("a", "b", 10),
		tr("b", "a", 20),
		tr("a", "b", 10),
		tr("b", "a", 20),
	})

	require.True(t, v.Terminate)
	assert.Equal(t, PatternOscillation, v.Pattern)
}

// TestDetector_Spiral verifies that a structural cycle whose fingerprints
// strictly change on every repetition terminates as spiral once it repeats
// SpiralRepeats times.
func TestDetector_Spiral(t *testing.T) {
	d := New(testConfig())

	var ts []Transition
	fp := uint64(1)
	for rep := 0; rep < 4; rep++ {
		ts = append(ts, tr("a", "b", fp), tr("b", "a", fp+1))
		fp += 2
	}

	v := lastVerdict(t, d, ts)

	require.True(t, v.Terminate)
	assert.Equal(t, PatternSpiral, v.Pattern)
}

// TestDetector_Deadlock verifies that a frozen fingerprint across distinct
// nodes terminates as deadlock.
func TestDetector_Deadlock(t *testing.T) {
	d := New(testConfig())

	v := lastVerdict(t, d, []Transition{
		tr("a", "b", 42),
		tr("b", "c", 42),
		tr("c", "d", 42),
		tr("d", "e", 42),
		tr("e", "f", 42),
	})

	require.True(t, v.Terminate)
	assert.Equal(t, PatternDeadlock, v.Pattern)
}

// TestDetector_BelowThresholds verifies that one-fewer-than-threshold
// repetitions of each pattern continue.
func TestDetector_BelowThresholds(t *testing.T) {
	t.Run("simple loop k-1", func(t *testing.T) {
		d := New(testConfig())
		verdicts := observeAll(d, []Transition{
			tr("a", "b", 1),
			tr("a", "b", 2),
		})
		for _, v := range verdicts {
			assert.False(t, v.Terminate)
		}
	})

	t.Run("deadlock n-1", func(t *testing.T) {
		d := New(testConfig())
		verdicts := observeAll(d, []Transition{
			tr("a", "b", 42),
			tr("b", "c", 42),
			tr("c", "d", 42),
			tr("d", "e", 42),
		})
		for _, v := range verdicts {
			assert.False(t, v.Terminate)
		}
	})
}

// TestDetector_Determinism verifies that identical transition sequences
// always produce identical verdicts: the detector is a pure function of its
// window.
func TestDetector_Determinism(t *testing.T) {
	seq := []Transition{
		tr("a", "b", 1),
		tr("b", "c", 2),
		tr("c", "a", 3),
		tr("a", "b", 1),
		tr("b", "c", 2),
		tr("c", "a", 3),
	}

	first := observeAll(New(testConfig()), seq)
	second := observeAll(New(testConfig()), seq)

	assert.Equal(t, first, second)
}

// TestDetector_WindowTrims verifies the window never exceeds its configured
// size and keeps the most recent transitions.
func TestDetector_WindowTrims(t *testing.T) {
	cfg := testConfig()
	cfg.Window = 4
	cfg.MaxCycleLen = 2
	d := New(cfg)

	for i := 0; i < 10; i++ {
		// Distinct edges and fingerprints: never terminates.
		from := fmt.Sprintf("n%d", i)
		to := fmt.Sprintf("n%d", i+1)
		v := d.Observe(tr(from, to, uint64(i)))
		require.False(t, v.Terminate)
	}

	window := d.Window()
	require.Len(t, window, 4)
	assert.Equal(t, "n9", window[3].From)
}

// TestDetector_Reset verifies that Reset discards history so a pattern
// interrupted by a deliberate course change does not terminate.
func TestDetector_Reset(t *testing.T) {
	d := New(testConfig())

	d.Observe(tr("a", "b", 1))
	d.Observe(tr("a", "b", 2))
	d.Reset()
	assert.Empty(t, d.Window())

	// One more repetition of the same edge: below threshold after reset.
	v := d.Observe(tr("a", "b", 3))
	assert.False(t, v.Terminate)
}

// TestDetector_UniformCycleNotComplexLoop verifies that a degenerate cycle
// of one repeated node name is never reported as complex_loop.
func TestDetector_UniformCycleNotComplexLoop(t *testing.T) {
	cfg := testConfig()
	cfg.RepeatThreshold = 5 // keep simple_loop out of the way
	d := New(cfg)

	verdicts := observeAll(d, []Transition{
		tr("a", "a", 1),
		tr("a", "a", 2),
		tr("a", "a", 3),
		tr("a", "a", 4),
	})
	for _, v := range verdicts {
		assert.NotEqual(t, PatternComplexLoop, v.Pattern)
	}
}

func BenchmarkDetector_Observe(b *testing.B) {
	d := New(DefaultConfig())
	nodes := []string{"analyze", "validate", "tool", "backoff"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		from := nodes[i%len(nodes)]
		to := nodes[(i+1)%len(nodes)]
		d.Observe(tr(from, to, uint64(i)))
	}
}
