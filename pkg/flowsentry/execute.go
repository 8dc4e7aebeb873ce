package flowsentry

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/flowsentry/flowsentry/pkg/flowsentry/checkpoint"
	"github.com/flowsentry/flowsentry/pkg/flowsentry/cycle"
	"github.com/flowsentry/flowsentry/pkg/flowsentry/observability"
	"go.opentelemetry.io/otel/trace"
)

// Run executes the graph with the given initial state.
// Returns the final state, a run report, and any error encountered.
//
// Controlled terminations are not errors: when a hard ceiling trips or the
// cycle detector matches a terminal pattern, Run returns the state produced
// so far with a nil error, and the report carries the status and reason.
// On error, the returned state is the state at the point of failure.
//
// Execution flow, per step:
//  1. Check hard ceilings (visit counters, tool-call counter, iteration limit)
//  2. Check for cancellation
//  3. Execute the current node; recoverable failures route to the recovery node
//  4. Determine the next node (via simple or conditional edge)
//  5. Feed the transition to the cycle detector, if enabled
//  6. Checkpoint, if enabled
//  7. Repeat until END is reached
//
// Example:
//
//	ctx := flowsentry.NewContext(context.Background())
//	result, report, err := compiled.Run(ctx, initialState)
//	if err == nil && !report.Completed() {
//	    // partial result; report.TerminationReason says why
//	}
func (cg *CompiledGraph[S]) Run(ctx Context, state S, opts ...RunOption) (result S, report *Report, runErr error) {
	if ctx == nil {
		return state, nil, ErrNilContext
	}

	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	// Validate guard and checkpointing configuration before starting.
	if cfg.checkpointStore != nil && cfg.runID == "" {
		return state, nil, ErrRunIDRequired
	}
	if cfg.cycleCfg != nil && cg.fingerprint == nil {
		return state, nil, ErrFingerprintRequired
	}
	if cfg.toolCallCeiling > 0 && cg.toolCounter == nil {
		return state, nil, ErrToolCounterRequired
	}

	// Get run ID for observability (from config or context)
	runID := cfg.runID
	if runID == "" {
		runID = ctx.RunID()
		cfg.runID = runID
	}
	if cfg.logger == nil {
		cfg.logger = ctx.Logger()
	}

	startTime := time.Now()

	observability.LogRunStart(cfg.logger, runID)

	// Start run span if tracing enabled
	var execCtx context.Context = ctx
	var runSpan trace.Span
	if cfg.tracingEnabled {
		execCtx, runSpan = cfg.spans.StartRunSpan(ctx, "flowsentry", runID)
		defer func() {
			cfg.spans.EndSpanWithError(runSpan, runErr)
		}()
	}

	result, report, runErr = cg.runLoop(execCtx, ctx, state, cg.entryPoint, &cfg)

	duration := time.Since(startTime)
	durationMs := float64(duration.Milliseconds())
	report.RunID = runID
	report.Duration = duration

	cfg.metrics.RecordRun(ctx, string(report.Status), duration)

	switch {
	case runErr != nil:
		observability.LogRunError(cfg.logger, runID, runErr, durationMs, report.LastNode)
	case report.Status == StatusCompleted:
		observability.LogRunComplete(cfg.logger, runID, durationMs, report.NodesExecuted)
	default:
		observability.LogRunTerminated(cfg.logger, runID, report.TerminationReason, report.LastNode, report.NodesExecuted)
	}

	return result, report, runErr
}

// runLoop executes the graph starting from a specific node.
// tracingCtx carries span context; fsCtx is the flowsentry Context.
// The returned report is always non-nil.
func (cg *CompiledGraph[S]) runLoop(tracingCtx context.Context, fsCtx Context, state S, startNode string, cfg *runConfig) (S, *Report, error) {
	report := &Report{Status: StatusPartial}

	// Guard counters. Resume seeds them from the checkpoint so ceilings
	// cover the whole logical run, not just the portion after a restart.
	visits := make(map[string]int, len(cg.nodes))
	for id, n := range cfg.initialVisits {
		visits[id] = n
	}
	toolCalls := cfg.initialToolCalls
	report.ToolCalls = toolCalls

	var detector *cycle.Detector
	if cfg.cycleCfg != nil {
		detector = cycle.New(*cfg.cycleCfg)
	}

	current := startNode
	prevNode := ""
	iterations := 0
	seq := 0

	for current != END {
		iterations++
		visits[current]++

		// Guard (a): hard ceilings, checked before anything else.
		// The visit counter was just incremented, so exceeding the ceiling
		// means this execution would be one too many; it does not happen.
		if iterations > cfg.maxIterations {
			return cg.stopAtCeiling(cfg, report, state, current, "max_iterations")
		}
		if ceil, ok := cfg.nodeCeilings[current]; ok && visits[current] > ceil {
			return cg.stopAtCeiling(cfg, report, state, current, "node_visits")
		}
		if cfg.toolCallCeiling > 0 && toolCalls > cfg.toolCallCeiling {
			return cg.stopAtCeiling(cfg, report, state, current, "tool_calls")
		}

		// Check for cancellation before executing node
		select {
		case <-fsCtx.Done():
			report.LastNode = current
			return state, report, &CancellationError{
				NodeID:       current,
				State:        state,
				Cause:        fsCtx.Err(),
				WasExecuting: false,
			}
		default:
		}

		// Log node start
		observability.LogNodeStart(cfg.logger, current)

		// Start node span if tracing enabled
		nodeTracingCtx := tracingCtx
		var nodeSpan trace.Span
		if cfg.tracingEnabled {
			nodeTracingCtx, nodeSpan = cfg.spans.StartNodeSpan(tracingCtx, current)
		}

		// Time the node execution
		nodeStart := time.Now()

		// Execute the node
		newState, nodeErr := cg.executeNode(fsCtx, current, state)

		// Calculate duration
		nodeDuration := time.Since(nodeStart)
		nodeDurationMs := float64(nodeDuration.Milliseconds())

		// Record node metrics
		cfg.metrics.RecordNodeExecution(nodeTracingCtx, current, nodeDuration, nodeErr)

		// End node span with error status
		if cfg.tracingEnabled {
			cfg.spans.EndSpanWithError(nodeSpan, nodeErr)
		}

		if nodeErr != nil {
			// Recoverable failures route to the recovery node with the
			// state unchanged instead of aborting the run. The failed
			// attempt still counts against the node's visit ceiling.
			if cg.recoveryNode != "" && current != cg.recoveryNode && IsRecoverable(nodeErr) {
				observability.LogNodeRecovered(cfg.logger, current, cg.recoveryNode, nodeErr)
				if detector != nil {
					// The run is deliberately changing course; stale
					// transitions would poison pattern matching.
					detector.Reset()
				}
				prevNode = current
				current = cg.recoveryNode
				continue
			}

			observability.LogNodeError(cfg.logger, current, nodeErr)
			report.LastNode = current
			return state, report, nodeErr
		}

		state = newState
		observability.LogNodeComplete(cfg.logger, current, nodeDurationMs)
		report.NodesExecuted++

		if cg.toolCounter != nil {
			toolCalls = cg.toolCounter(state)
			report.ToolCalls = toolCalls
		}

		// Determine next node
		next, err := cg.nextNode(fsCtx, state, current)
		if err != nil {
			report.LastNode = current
			return state, report, err
		}

		// Guard (b): cycle detector verdict.
		if detector != nil {
			seq++
			verdict := detector.Observe(cycle.Transition{
				From:        current,
				To:          next,
				Fingerprint: cg.fingerprint(state),
				Seq:         seq,
				At:          time.Now(),
			})
			if verdict.Terminate {
				observability.LogVerdict(cfg.logger, cfg.runID, string(verdict.Pattern), verdict.Action)
				cfg.metrics.RecordVerdict(tracingCtx, string(verdict.Pattern))
				report.Status = StatusTerminated
				report.TerminationReason = string(verdict.Pattern)
				report.LastNode = current
				return state, report, nil
			}
		}

		// Checkpoint after successful node execution
		if cfg.checkpointStore != nil {
			if err := cg.saveCheckpoint(fsCtx, cfg, current, prevNode, state, next, visits, toolCalls); err != nil {
				report.LastNode = current
				return state, report, err
			}
		}

		prevNode = current
		current = next
	}

	report.Status = StatusCompleted
	report.LastNode = prevNode
	return state, report, nil
}

// stopAtCeiling finalizes a report for a hard-ceiling termination.
// All ceilings share one externally visible reason; the specific counter
// is only logged.
func (cg *CompiledGraph[S]) stopAtCeiling(cfg *runConfig, report *Report, state S, nodeID, which string) (S, *Report, error) {
	if cfg.logger != nil {
		cfg.logger.Debug("hard ceiling reached",
			"node_id", nodeID,
			"ceiling", which,
		)
	}
	report.Status = StatusPartial
	report.TerminationReason = ReasonCeilingExceeded
	report.LastNode = nodeID
	return state, report, nil
}

// saveCheckpoint persists the current state after node execution, including
// the executor's guard counters.
func (cg *CompiledGraph[S]) saveCheckpoint(ctx Context, cfg *runConfig, nodeID, prevNodeID string, state S, nextNode string, visits map[string]int, toolCalls int) error {
	// Serialize state
	stateBytes, err := json.Marshal(state)
	if err != nil {
		if cfg.checkpointFailureFatal {
			return &CheckpointError{
				NodeID: nodeID,
				Op:     "serialize",
				Err:    err,
			}
		}
		observability.LogCheckpointError(cfg.logger, nodeID, "serialize", err)
		return nil
	}

	// Create checkpoint
	cfg.sequence++
	cp := checkpoint.New(cfg.runID, nodeID, cfg.sequence, stateBytes, nextNode).
		WithPrevNode(prevNodeID).
		WithCounters(visits, toolCalls)

	if ec, ok := ctx.(*executionContext); ok {
		cp = cp.WithAttempt(ec.attempt)
	}

	data, err := cp.Marshal()
	if err != nil {
		if cfg.checkpointFailureFatal {
			return &CheckpointError{
				NodeID: nodeID,
				Op:     "marshal",
				Err:    err,
			}
		}
		observability.LogCheckpointError(cfg.logger, nodeID, "marshal", err)
		return nil
	}

	// Save to store
	if err := cfg.checkpointStore.Save(cfg.runID, nodeID, data); err != nil {
		if cfg.checkpointFailureFatal {
			return &CheckpointError{
				NodeID: nodeID,
				Op:     "save",
				Err:    err,
			}
		}
		observability.LogCheckpointError(cfg.logger, nodeID, "save", err)
		return nil
	}

	// Log and record successful checkpoint
	sizeBytes := len(data)
	observability.LogCheckpoint(cfg.logger, nodeID, sizeBytes)
	cfg.metrics.RecordCheckpoint(ctx, nodeID, int64(sizeBytes))

	return nil
}

// executeNode executes a single node with panic recovery.
// Returns the new state and any error (including wrapped panics).
func (cg *CompiledGraph[S]) executeNode(ctx Context, nodeID string, state S) (result S, err error) {
	fn, exists := cg.getNode(nodeID)
	if !exists {
		// This shouldn't happen if compilation was successful
		return state, &NodeError{
			NodeID: nodeID,
			Op:     "lookup",
			Err:    fmt.Errorf("node not found: %s", nodeID),
		}
	}

	// Create node-specific context with enriched logger
	nodeCtx := ctx
	if ec, ok := ctx.(*executionContext); ok {
		nodeCtx = ec.withNodeID(nodeID)
	}

	// Panic recovery
	defer func() {
		if r := recover(); r != nil {
			result = state
			err = &PanicError{
				NodeID: nodeID,
				Value:  r,
				Stack:  string(debug.Stack()),
			}
		}
	}()

	result, err = fn(nodeCtx, state)
	if err != nil {
		return result, &NodeError{
			NodeID: nodeID,
			Op:     "execute",
			Err:    err,
		}
	}

	return result, nil
}

// nextNode determines the next node to execute.
// Checks conditional edges first, then simple edges.
func (cg *CompiledGraph[S]) nextNode(ctx Context, state S, current string) (string, error) {
	// Check for conditional edge first
	if router, exists := cg.getRouter(current); exists {
		// Create node-specific context for the router
		routerCtx := ctx
		if ec, ok := ctx.(*executionContext); ok {
			routerCtx = ec.withNodeID(current)
		}

		next := router(routerCtx, state)

		// Validate router result
		if next == "" {
			return "", &RouterError{
				FromNode: current,
				Returned: next,
				Err:      ErrInvalidRouterResult,
			}
		}

		if next != END {
			if _, exists := cg.getNode(next); !exists {
				return "", &RouterError{
					FromNode: current,
					Returned: next,
					Err:      ErrRouterTargetNotFound,
				}
			}
		}

		return next, nil
	}

	// Use simple edges
	edges := cg.getEdges(current)
	if len(edges) == 0 {
		// No outgoing edges - this shouldn't happen if compilation was successful
		return "", &NodeError{
			NodeID: current,
			Op:     "routing",
			Err:    fmt.Errorf("no outgoing edge from node %s", current),
		}
	}

	// For simple edges, take the first one.
	return edges[0], nil
}
