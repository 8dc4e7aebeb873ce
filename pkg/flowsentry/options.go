package flowsentry

import (
	"log/slog"

	"github.com/flowsentry/flowsentry/pkg/flowsentry/checkpoint"
	"github.com/flowsentry/flowsentry/pkg/flowsentry/cycle"
	"github.com/flowsentry/flowsentry/pkg/flowsentry/observability"
)

// runConfig holds configuration for graph execution.
type runConfig struct {
	// Termination guards
	maxIterations   int
	nodeCeilings    map[string]int
	toolCallCeiling int
	cycleCfg        *cycle.Config

	// Observability
	logger         *slog.Logger
	metrics        observability.MetricsRecorder
	spans          observability.SpanManager
	tracingEnabled bool

	// Checkpointing
	checkpointStore        checkpoint.Store
	runID                  string
	sequence               int
	checkpointFailureFatal bool

	// Counters restored by Resume so ceilings survive a restart.
	initialVisits    map[string]int
	initialToolCalls int
}

// defaultRunConfig returns the default execution configuration.
func defaultRunConfig() runConfig {
	return runConfig{
		maxIterations: 1000,
		metrics:       observability.NoopMetrics{},
		spans:         observability.NoopSpanManager{},
	}
}

// RunOption configures execution behavior.
type RunOption func(*runConfig)

// WithMaxIterations sets the maximum number of node executions.
// Default: 1000
//
// This is the outermost termination guard. If a run exceeds this limit,
// it stops with StatusPartial and ReasonCeilingExceeded.
//
// Example:
//
//	result, report, err := compiled.Run(ctx, state, flowsentry.WithMaxIterations(100))
func WithMaxIterations(n int) RunOption {
	return func(c *runConfig) {
		if n > 0 {
			c.maxIterations = n
		}
	}
}

// WithNodeCeiling caps how many times a single node may execute in one run.
// Exceeding the ceiling stops the run with StatusPartial and
// ReasonCeilingExceeded. Nodes without a ceiling are unbounded (up to the
// iteration limit).
func WithNodeCeiling(nodeID string, n int) RunOption {
	return func(c *runConfig) {
		if n <= 0 {
			return
		}
		if c.nodeCeilings == nil {
			c.nodeCeilings = make(map[string]int)
		}
		c.nodeCeilings[nodeID] = n
	}
}

// WithNodeCeilings sets per-node visit ceilings in bulk.
// Non-positive values are ignored.
func WithNodeCeilings(ceilings map[string]int) RunOption {
	return func(c *runConfig) {
		for nodeID, n := range ceilings {
			if n <= 0 {
				continue
			}
			if c.nodeCeilings == nil {
				c.nodeCeilings = make(map[string]int)
			}
			c.nodeCeilings[nodeID] = n
		}
	}
}

// WithToolCallCeiling caps the total tool invocations accumulated across the
// run, as reported by the graph's tool counter (see Graph.SetToolCounter).
// Exceeding the ceiling stops the run with StatusPartial and
// ReasonCeilingExceeded.
func WithToolCallCeiling(n int) RunOption {
	return func(c *runConfig) {
		if n > 0 {
			c.toolCallCeiling = n
		}
	}
}

// WithCycleDetection enables the cycle detector for this run. The graph must
// have a fingerprint function (see Graph.SetFingerprint); Run returns
// ErrFingerprintRequired otherwise.
//
// The configuration is validated when the detector is created; invalid
// thresholds panic, as they are a programming error.
func WithCycleDetection(cfg cycle.Config) RunOption {
	return func(c *runConfig) {
		c.cycleCfg = &cfg
	}
}

// WithRunLogger overrides the logger for this run.
// Defaults to the context's logger.
func WithRunLogger(logger *slog.Logger) RunOption {
	return func(c *runConfig) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder for this run.
// Defaults to a no-op recorder.
func WithMetrics(m observability.MetricsRecorder) RunOption {
	return func(c *runConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracing enables span creation for the run and each node execution.
func WithTracing(sm observability.SpanManager) RunOption {
	return func(c *runConfig) {
		if sm != nil {
			c.spans = sm
			c.tracingEnabled = true
		}
	}
}

// WithCheckpointing enables checkpoint persistence after each node.
// The run ID keys the checkpoints; Run returns ErrRunIDRequired if empty.
func WithCheckpointing(store checkpoint.Store, runID string) RunOption {
	return func(c *runConfig) {
		c.checkpointStore = store
		c.runID = runID
	}
}

// WithCheckpointFailureFatal makes checkpoint save failures abort the run.
// By default failures are logged and execution continues, since losing a
// checkpoint is usually preferable to losing the run.
func WithCheckpointFailureFatal() RunOption {
	return func(c *runConfig) {
		c.checkpointFailureFatal = true
	}
}

// resumeConfig holds configuration for Resume and ResumeFrom.
type resumeConfig struct {
	stateOverride func(any) any
	validateState func(any) error
	replayNode    bool
	runOpts       []RunOption
}

// ResumeOption configures resume behavior.
type ResumeOption func(*resumeConfig)

// WithStateOverride mutates the deserialized state before execution resumes.
// The function receives and must return the graph's state type; other return
// types are ignored.
func WithStateOverride(fn func(any) any) ResumeOption {
	return func(c *resumeConfig) {
		c.stateOverride = fn
	}
}

// WithStateValidation checks the deserialized state before execution resumes.
// A non-nil error aborts the resume.
func WithStateValidation(fn func(any) error) ResumeOption {
	return func(c *resumeConfig) {
		c.validateState = fn
	}
}

// WithReplay re-executes the checkpointed node instead of starting at its
// successor. Useful when the node's side effects did not take.
func WithReplay() ResumeOption {
	return func(c *resumeConfig) {
		c.replayNode = true
	}
}

// WithRunOptions applies run options (ceilings, cycle detection, metrics)
// to the resumed execution.
func WithRunOptions(opts ...RunOption) ResumeOption {
	return func(c *resumeConfig) {
		c.runOpts = append(c.runOpts, opts...)
	}
}
