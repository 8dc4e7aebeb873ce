package pipeline

import (
	"fmt"
	"time"

	"github.com/flowsentry/flowsentry/pkg/flowsentry/breaker"
	"github.com/flowsentry/flowsentry/pkg/flowsentry/chunk"
	"github.com/flowsentry/flowsentry/pkg/flowsentry/config"
	"github.com/flowsentry/flowsentry/pkg/flowsentry/cycle"
	"github.com/flowsentry/flowsentry/pkg/flowsentry/ratelimit"
)

// Options is the pipeline's configuration surface: termination guards,
// dependency protection, chunking, and concurrency. Zero values are not
// usable; start from DefaultOptions or OptionsFromConfig.
type Options struct {
	// MaxIterations bounds total node executions per (sub-)workflow.
	MaxIterations int

	// NodeCeilings caps per-node visits. Keys are node names.
	NodeCeilings map[string]int

	// ToolCallCeiling caps total helper-tool invocations per (sub-)workflow.
	ToolCallCeiling int

	// Cycle configures the cycle detector. Nil disables detection.
	Cycle *cycle.Config

	// Breaker is the default circuit-breaker configuration for both
	// dependencies.
	Breaker breaker.Config

	// RateLimit is the default token-bucket configuration for both
	// dependencies.
	RateLimit ratelimit.Config

	// Chunking controls when and how oversized input is split.
	Chunking chunk.Config

	// MaxConcurrency bounds how many chunk sub-workflows run in parallel.
	MaxConcurrency int

	// BackoffBase and BackoffMax bound the recovery node's exponential wait.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// MaxBackoffs is how many recovery trips a run tolerates before giving
	// up with a partial result.
	MaxBackoffs int
}

// DefaultOptions returns a configuration suitable for interactive review
// workloads.
func DefaultOptions() Options {
	cycleCfg := cycle.DefaultConfig()
	return Options{
		MaxIterations: 200,
		NodeCeilings: map[string]int{
			NodeAnalyze:  5,
			NodeValidate: 5,
			NodeTool:     10,
			NodeBackoff:  6,
		},
		ToolCallCeiling: 10,
		Cycle:           &cycleCfg,
		Breaker:         breaker.DefaultConfig(),
		RateLimit:       ratelimit.DefaultConfig(),
		Chunking:        chunk.DefaultConfig(),
		MaxConcurrency:  4,
		BackoffBase:     250 * time.Millisecond,
		BackoffMax:      4 * time.Second,
		MaxBackoffs:     5,
	}
}

// Validate reports the first configuration error, or nil.
func (o Options) Validate() error {
	if o.MaxIterations < 1 {
		return fmt.Errorf("pipeline: max iterations must be >= 1, got %d", o.MaxIterations)
	}
	for node, n := range o.NodeCeilings {
		if n < 1 {
			return fmt.Errorf("pipeline: ceiling for node %s must be >= 1, got %d", node, n)
		}
	}
	if o.ToolCallCeiling < 0 {
		return fmt.Errorf("pipeline: tool-call ceiling must be >= 0, got %d", o.ToolCallCeiling)
	}
	if o.Cycle != nil {
		if err := o.Cycle.Validate(); err != nil {
			return err
		}
	}
	if err := o.Breaker.Validate(); err != nil {
		return err
	}
	if err := o.RateLimit.Validate(); err != nil {
		return err
	}
	if err := o.Chunking.Validate(); err != nil {
		return err
	}
	if o.MaxConcurrency < 1 {
		return fmt.Errorf("pipeline: max concurrency must be >= 1, got %d", o.MaxConcurrency)
	}
	if o.BackoffBase <= 0 || o.BackoffMax < o.BackoffBase {
		return fmt.Errorf("pipeline: backoff bounds invalid: base %s, max %s", o.BackoffBase, o.BackoffMax)
	}
	if o.MaxBackoffs < 0 {
		return fmt.Errorf("pipeline: max backoffs must be >= 0, got %d", o.MaxBackoffs)
	}
	return nil
}

// OptionsFromConfig builds Options from a loaded configuration file,
// falling back to defaults for anything the file omits.
//
// Recognized sections and keys:
//
//	pipeline:  max_iterations, tool_call_ceiling, max_concurrency,
//	           backoff_base, backoff_max, max_backoffs, node_ceilings
//	cycle:     enabled, window, repeat_threshold, max_cycle_len,
//	           spiral_repeats, deadlock_run
//	breaker:   failure_threshold, recovery_timeout, call_timeout
//	ratelimit: capacity, refill_rate
//	chunk:     max_lines, overlap_lines
func OptionsFromConfig(cfg config.Config) (Options, error) {
	o := DefaultOptions()

	pl := cfg.Section("pipeline")
	o.MaxIterations = pl.Int("max_iterations", o.MaxIterations)
	o.ToolCallCeiling = pl.Int("tool_call_ceiling", o.ToolCallCeiling)
	o.MaxConcurrency = pl.Int("max_concurrency", o.MaxConcurrency)
	o.BackoffBase = pl.Duration("backoff_base", o.BackoffBase)
	o.BackoffMax = pl.Duration("backoff_max", o.BackoffMax)
	o.MaxBackoffs = pl.Int("max_backoffs", o.MaxBackoffs)
	o.NodeCeilings = pl.IntMap("node_ceilings", o.NodeCeilings)

	if cfg.Has("cycle") {
		cy := cfg.Section("cycle")
		if !cy.Bool("enabled", true) {
			o.Cycle = nil
		} else {
			base := cycle.DefaultConfig()
			if o.Cycle != nil {
				base = *o.Cycle
			}
			base.Window = cy.Int("window", base.Window)
			base.RepeatThreshold = cy.Int("repeat_threshold", base.RepeatThreshold)
			base.MaxCycleLen = cy.Int("max_cycle_len", base.MaxCycleLen)
			base.SpiralRepeats = cy.Int("spiral_repeats", base.SpiralRepeats)
			base.DeadlockRun = cy.Int("deadlock_run", base.DeadlockRun)
			o.Cycle = &base
		}
	}

	br := cfg.Section("breaker")
	o.Breaker.FailureThreshold = br.Int("failure_threshold", o.Breaker.FailureThreshold)
	o.Breaker.RecoveryTimeout = br.Duration("recovery_timeout", o.Breaker.RecoveryTimeout)
	o.Breaker.CallTimeout = br.Duration("call_timeout", o.Breaker.CallTimeout)

	rl := cfg.Section("ratelimit")
	o.RateLimit.Capacity = rl.Int("capacity", o.RateLimit.Capacity)
	o.RateLimit.RefillRate = rl.Float("refill_rate", o.RateLimit.RefillRate)

	ch := cfg.Section("chunk")
	o.Chunking.MaxLines = ch.Int("max_lines", o.Chunking.MaxLines)
	o.Chunking.OverlapLines = ch.Int("overlap_lines", o.Chunking.OverlapLines)

	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}
