package flowsentry

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flowsentry/flowsentry/pkg/flowsentry/checkpoint"
)

// Resume continues execution from the last checkpoint for a run.
// It loads the latest checkpoint and starts execution from the next node.
//
// The checkpoint's guard counters (node visits, tool calls) are restored,
// so ceilings apply to the whole logical run across restarts.
//
// Example:
//
//	// Previous run crashed after node B
//	// Resume continues from node C with state from B's checkpoint
//	result, report, err := compiled.Resume(ctx, store, "run-123")
func (cg *CompiledGraph[S]) Resume(ctx Context, store checkpoint.Store, runID string, opts ...ResumeOption) (S, *Report, error) {
	var zero S

	if ctx == nil {
		return zero, nil, ErrNilContext
	}

	cfg := resumeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	// Find latest checkpoint
	infos, err := store.List(runID)
	if err != nil {
		return zero, nil, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(infos) == 0 {
		return zero, nil, fmt.Errorf("%w: %s", ErrNoCheckpoints, runID)
	}

	// Load the latest checkpoint (last in sequence)
	latest := infos[len(infos)-1]
	data, err := store.Load(runID, latest.NodeID)
	if err != nil {
		return zero, nil, fmt.Errorf("load checkpoint: %w", err)
	}

	return cg.resumeFromData(ctx, store, runID, latest.NodeID, data, &cfg)
}

// ResumeFrom continues execution from a specific checkpoint.
// Unlike Resume, this loads the checkpoint at a specific node rather than the latest.
//
// Example:
//
//	// Retry from a specific node
//	result, report, err := compiled.ResumeFrom(ctx, store, "run-123", "validate")
func (cg *CompiledGraph[S]) ResumeFrom(ctx Context, store checkpoint.Store, runID, nodeID string, opts ...ResumeOption) (S, *Report, error) {
	var zero S

	if ctx == nil {
		return zero, nil, ErrNilContext
	}

	cfg := resumeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	// Load checkpoint at specified node
	data, err := store.Load(runID, nodeID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return zero, nil, fmt.Errorf("%w: %s at node %s", ErrNoCheckpoints, runID, nodeID)
		}
		return zero, nil, fmt.Errorf("load checkpoint: %w", err)
	}

	return cg.resumeFromData(ctx, store, runID, nodeID, data, &cfg)
}

// resumeFromData deserializes a checkpoint and continues execution.
func (cg *CompiledGraph[S]) resumeFromData(ctx Context, store checkpoint.Store, runID, nodeID string, data []byte, cfg *resumeConfig) (S, *Report, error) {
	var zero S

	// Unmarshal checkpoint
	cp, err := checkpoint.Unmarshal(data)
	if err != nil {
		return zero, nil, fmt.Errorf("%w: %v", ErrDeserializeState, err)
	}

	// Check version compatibility
	if cp.Version != checkpoint.Version {
		return zero, nil, fmt.Errorf("%w: got %d, expected %d",
			ErrCheckpointVersionMismatch, cp.Version, checkpoint.Version)
	}

	// Deserialize state
	var state S
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return zero, nil, fmt.Errorf("%w: %v", ErrDeserializeState, err)
	}

	// Apply state override if configured
	if cfg.stateOverride != nil {
		modified := cfg.stateOverride(state)
		if typed, ok := modified.(S); ok {
			state = typed
		}
	}

	// Validate state if configured
	if cfg.validateState != nil {
		if err := cfg.validateState(state); err != nil {
			return state, nil, fmt.Errorf("state validation failed: %w", err)
		}
	}

	// Determine start node
	startNode := cp.NextNode
	if cfg.replayNode {
		// Re-execute the checkpointed node
		startNode = nodeID
	}

	// Validate start node exists (unless it's END)
	if startNode != END && !cg.HasNode(startNode) {
		return zero, nil, fmt.Errorf("%w: %s", ErrInvalidResumeNode, startNode)
	}

	// Continue execution from determined node
	runCfg := defaultRunConfig()
	for _, opt := range cfg.runOpts {
		opt(&runCfg)
	}
	runCfg.checkpointStore = store
	runCfg.runID = runID
	runCfg.sequence = cp.Sequence
	runCfg.initialVisits = cp.Visits
	runCfg.initialToolCalls = cp.ToolCalls
	if runCfg.logger == nil {
		runCfg.logger = ctx.Logger()
	}
	if runCfg.cycleCfg != nil && cg.fingerprint == nil {
		return state, nil, ErrFingerprintRequired
	}
	if runCfg.toolCallCeiling > 0 && cg.toolCounter == nil {
		return state, nil, ErrToolCounterRequired
	}

	result, report, runErr := cg.runLoop(ctx, ctx, state, startNode, &runCfg)
	report.RunID = runID
	return result, report, runErr
}
