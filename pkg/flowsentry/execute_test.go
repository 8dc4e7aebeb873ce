package flowsentry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsentry/flowsentry/pkg/flowsentry/checkpoint"
	"github.com/flowsentry/flowsentry/pkg/flowsentry/cycle"
)

// recoverableError is a minimal error that opts into recovery routing.
type recoverableError struct{ msg string }

func (e *recoverableError) Error() string     { return e.msg }
func (e *recoverableError) Recoverable() bool { return true }

// linearGraph compiles a -> b -> END.
func linearGraph(t *testing.T) *CompiledGraph[testState] {
	t.Helper()
	cg, err := NewGraph[testState]().
		AddNode("a", appendStep("a")).
		AddNode("b", appendStep("b")).
		AddEdge("a", "b").
		AddEdge("b", END).
		SetEntry("a").
		Compile()
	require.NoError(t, err)
	return cg
}

// spinGraph compiles a single node that routes to itself forever. The state
// fingerprint changes every visit so only the requested guard can fire.
func spinGraph(t *testing.T) *CompiledGraph[testState] {
	t.Helper()
	cg, err := NewGraph[testState]().
		AddNode("spin", func(ctx Context, s testState) (testState, error) {
			s.Loops++
			return s, nil
		}).
		AddConditionalEdge("spin", func(ctx Context, s testState) string { return "spin" }).
		SetEntry("spin").
		SetFingerprint(func(s testState) uint64 { return uint64(s.Loops) }).
		SetToolCounter(func(s testState) int { return s.Tools }).
		Compile()
	require.NoError(t, err)
	return cg
}

func TestRun_NilContext(t *testing.T) {
	cg := linearGraph(t)

	_, _, err := cg.Run(nil, testState{})
	assert.ErrorIs(t, err, ErrNilContext)
}

// TestRun_Completes verifies a linear run reaches END with the state threaded
// through every node and a completed report.
func TestRun_Completes(t *testing.T) {
	cg := linearGraph(t)

	state, report, err := cg.Run(NewContext(context.Background()), testState{})

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, state.Steps)
	assert.Equal(t, StatusCompleted, report.Status)
	assert.True(t, report.Completed())
	assert.Empty(t, report.TerminationReason)
	assert.Equal(t, "b", report.LastNode)
	assert.Equal(t, 2, report.NodesExecuted)
	assert.NotEmpty(t, report.RunID)
	assert.GreaterOrEqual(t, report.Duration, time.Duration(0))
}

// TestRun_ConditionalRouting verifies routers pick the next node from state.
func TestRun_ConditionalRouting(t *testing.T) {
	cg, err := NewGraph[testState]().
		AddNode("check", appendStep("check")).
		AddNode("left", appendStep("left")).
		AddNode("right", appendStep("right")).
		AddConditionalEdge("check", func(ctx Context, s testState) string {
			if s.Loops > 0 {
				return "left"
			}
			return "right"
		}).
		AddEdge("left", END).
		AddEdge("right", END).
		SetEntry("check").
		Compile()
	require.NoError(t, err)

	state, _, err := cg.Run(NewContext(context.Background()), testState{Loops: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"check", "left"}, state.Steps)

	state, _, err = cg.Run(NewContext(context.Background()), testState{})
	require.NoError(t, err)
	assert.Equal(t, []string{"check", "right"}, state.Steps)
}

func TestRun_RouterErrors(t *testing.T) {
	buildWithRouter := func(router RouterFunc[testState]) *CompiledGraph[testState] {
		cg, err := NewGraph[testState]().
			AddNode("a", noop).
			AddConditionalEdge("a", router).
			SetEntry("a").
			Compile()
		require.NoError(t, err)
		return cg
	}

	t.Run("empty result", func(t *testing.T) {
		cg := buildWithRouter(func(ctx Context, s testState) string { return "" })

		_, report, err := cg.Run(NewContext(context.Background()), testState{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidRouterResult)
		var re *RouterError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, "a", re.FromNode)
		assert.Equal(t, "a", report.LastNode)
	})

	t.Run("unknown target", func(t *testing.T) {
		cg := buildWithRouter(func(ctx Context, s testState) string { return "ghost" })

		_, _, err := cg.Run(NewContext(context.Background()), testState{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRouterTargetNotFound)
		var re *RouterError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, "ghost", re.Returned)
	})
}

// TestRun_MaxIterations verifies the outermost guard stops a runaway loop
// with a partial report and a nil error.
func TestRun_MaxIterations(t *testing.T) {
	cg := spinGraph(t)

	state, report, err := cg.Run(NewContext(context.Background()), testState{},
		WithMaxIterations(5))

	require.NoError(t, err)
	assert.Equal(t, StatusPartial, report.Status)
	assert.Equal(t, ReasonCeilingExceeded, report.TerminationReason)
	assert.Equal(t, "spin", report.LastNode)
	assert.Equal(t, 5, report.NodesExecuted)
	assert.Equal(t, 5, state.Loops)
}

// TestRun_NodeCeiling verifies a node executes exactly its ceiling times and
// the next attempt stops the run instead of running.
func TestRun_NodeCeiling(t *testing.T) {
	cg := spinGraph(t)

	state, report, err := cg.Run(NewContext(context.Background()), testState{},
		WithNodeCeiling("spin", 3))

	require.NoError(t, err)
	assert.Equal(t, StatusPartial, report.Status)
	assert.Equal(t, ReasonCeilingExceeded, report.TerminationReason)
	assert.Equal(t, 3, state.Loops)
	assert.Equal(t, 3, report.NodesExecuted)
}

// TestRun_ToolCallCeiling verifies the run stops once the state's tool-call
// count passes the ceiling.
func TestRun_ToolCallCeiling(t *testing.T) {
	cg, err := NewGraph[testState]().
		AddNode("tooluse", func(ctx Context, s testState) (testState, error) {
			s.Tools++
			return s, nil
		}).
		AddConditionalEdge("tooluse", func(ctx Context, s testState) string { return "tooluse" }).
		SetEntry("tooluse").
		SetToolCounter(func(s testState) int { return s.Tools }).
		Compile()
	require.NoError(t, err)

	state, report, err := cg.Run(NewContext(context.Background()), testState{},
		WithToolCallCeiling(2))

	require.NoError(t, err)
	assert.Equal(t, StatusPartial, report.Status)
	assert.Equal(t, ReasonCeilingExceeded, report.TerminationReason)
	// The third execution pushes the count to 3; the guard stops the run
	// before a fourth.
	assert.Equal(t, 3, state.Tools)
	assert.Equal(t, 3, report.ToolCalls)
}

func TestRun_GuardConfigValidation(t *testing.T) {
	t.Run("tool ceiling without counter", func(t *testing.T) {
		cg := linearGraph(t)
		_, _, err := cg.Run(NewContext(context.Background()), testState{},
			WithToolCallCeiling(5))
		assert.ErrorIs(t, err, ErrToolCounterRequired)
	})

	t.Run("cycle detection without fingerprint", func(t *testing.T) {
		cg := linearGraph(t)
		_, _, err := cg.Run(NewContext(context.Background()), testState{},
			WithCycleDetection(cycle.DefaultConfig()))
		assert.ErrorIs(t, err, ErrFingerprintRequired)
	})

	t.Run("checkpointing without run ID", func(t *testing.T) {
		cg := linearGraph(t)
		_, _, err := cg.Run(NewContext(context.Background()), testState{},
			WithCheckpointing(checkpoint.NewMemoryStore(), ""))
		assert.ErrorIs(t, err, ErrRunIDRequired)
	})
}

// TestRun_CycleDetectorTerminates verifies a detector verdict stops the run
// with StatusTerminated, the pattern name as the reason, and a nil error.
func TestRun_CycleDetectorTerminates(t *testing.T) {
	// The spin node routes to itself, so the same edge repeats every step:
	// a simple loop, regardless of the changing fingerprint.
	cg := spinGraph(t)

	state, report, err := cg.Run(NewContext(context.Background()), testState{},
		WithCycleDetection(cycle.Config{
			Window:          20,
			RepeatThreshold: 3,
			MaxCycleLen:     6,
			SpiralRepeats:   4,
			DeadlockRun:     5,
		}))

	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, report.Status)
	assert.Equal(t, string(cycle.PatternSimpleLoop), report.TerminationReason)
	assert.False(t, report.Completed())
	assert.Equal(t, 3, state.Loops)
}

// TestRun_RecoverableErrorRoutesToRecovery verifies a recoverable failure
// hands control to the recovery node with the state unchanged, and the run
// then completes.
func TestRun_RecoverableErrorRoutesToRecovery(t *testing.T) {
	attempts := 0
	cg, err := NewGraph[testState]().
		AddNode("flaky", func(ctx Context, s testState) (testState, error) {
			attempts++
			if attempts == 1 {
				s.Steps = append(s.Steps, "poisoned")
				return s, &recoverableError{msg: "quota"}
			}
			s.Steps = append(s.Steps, "flaky")
			return s, nil
		}).
		AddNode("backoff", appendStep("backoff")).
		AddEdge("flaky", END).
		AddEdge("backoff", "flaky").
		SetEntry("flaky").
		SetRecovery("backoff").
		Compile()
	require.NoError(t, err)

	state, report, runErr := cg.Run(NewContext(context.Background()), testState{})

	require.NoError(t, runErr)
	assert.Equal(t, StatusCompleted, report.Status)
	// The failed attempt's state mutation is discarded.
	assert.Equal(t, []string{"backoff", "flaky"}, state.Steps)
	assert.Equal(t, 2, report.NodesExecuted)
}

// TestRun_FailedAttemptCountsAgainstCeiling verifies the visit ceiling
// includes failed attempts, so a permanently flaky node cannot retry forever.
func TestRun_FailedAttemptCountsAgainstCeiling(t *testing.T) {
	cg, err := NewGraph[testState]().
		AddNode("flaky", func(ctx Context, s testState) (testState, error) {
			return s, &recoverableError{msg: "quota"}
		}).
		AddNode("backoff", appendStep("backoff")).
		AddEdge("flaky", END).
		AddEdge("backoff", "flaky").
		SetEntry("flaky").
		SetRecovery("backoff").
		Compile()
	require.NoError(t, err)

	_, report, runErr := cg.Run(NewContext(context.Background()), testState{},
		WithNodeCeiling("flaky", 2))

	require.NoError(t, runErr)
	assert.Equal(t, StatusPartial, report.Status)
	assert.Equal(t, ReasonCeilingExceeded, report.TerminationReason)
	assert.Equal(t, "flaky", report.LastNode)
}

// TestRun_RecoveryNodeFailureAborts verifies a recoverable error from the
// recovery node itself is not rerouted: that would loop forever.
func TestRun_RecoveryNodeFailureAborts(t *testing.T) {
	cg, err := NewGraph[testState]().
		AddNode("flaky", func(ctx Context, s testState) (testState, error) {
			return s, &recoverableError{msg: "quota"}
		}).
		AddNode("backoff", func(ctx Context, s testState) (testState, error) {
			return s, &recoverableError{msg: "still failing"}
		}).
		AddEdge("flaky", END).
		AddEdge("backoff", "flaky").
		SetEntry("flaky").
		SetRecovery("backoff").
		Compile()
	require.NoError(t, err)

	_, report, runErr := cg.Run(NewContext(context.Background()), testState{})

	require.Error(t, runErr)
	var ne *NodeError
	require.ErrorAs(t, runErr, &ne)
	assert.Equal(t, "backoff", ne.NodeID)
	assert.Equal(t, "backoff", report.LastNode)
}

// TestRun_NonRecoverableErrorAborts verifies plain errors bypass recovery.
func TestRun_NonRecoverableErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	cg, err := NewGraph[testState]().
		AddNode("a", func(ctx Context, s testState) (testState, error) {
			return s, boom
		}).
		AddNode("backoff", appendStep("backoff")).
		AddEdge("a", END).
		AddEdge("backoff", "a").
		SetEntry("a").
		SetRecovery("backoff").
		Compile()
	require.NoError(t, err)

	_, report, runErr := cg.Run(NewContext(context.Background()), testState{})

	require.Error(t, runErr)
	assert.ErrorIs(t, runErr, boom)
	var ne *NodeError
	require.ErrorAs(t, runErr, &ne)
	assert.Equal(t, "a", ne.NodeID)
	assert.Equal(t, "execute", ne.Op)
	assert.Equal(t, StatusPartial, report.Status)
}

// TestRun_PanicBecomesError verifies node panics are captured with the node
// ID and stack instead of crashing the process.
func TestRun_PanicBecomesError(t *testing.T) {
	cg, err := NewGraph[testState]().
		AddNode("a", func(ctx Context, s testState) (testState, error) {
			panic("node exploded")
		}).
		AddEdge("a", END).
		SetEntry("a").
		Compile()
	require.NoError(t, err)

	_, _, runErr := cg.Run(NewContext(context.Background()), testState{})

	require.Error(t, runErr)
	var pe *PanicError
	require.ErrorAs(t, runErr, &pe)
	assert.Equal(t, "a", pe.NodeID)
	assert.Equal(t, "node exploded", pe.Value)
	assert.NotEmpty(t, pe.Stack)
}

// TestRun_Cancellation verifies a cancelled context stops the run before the
// next node executes and preserves the state.
func TestRun_Cancellation(t *testing.T) {
	baseCtx, cancel := context.WithCancel(context.Background())

	cg, err := NewGraph[testState]().
		AddNode("first", func(ctx Context, s testState) (testState, error) {
			s.Steps = append(s.Steps, "first")
			cancel() // cancel mid-run; the next node must not start
			return s, nil
		}).
		AddNode("second", appendStep("second")).
		AddEdge("first", "second").
		AddEdge("second", END).
		SetEntry("first").
		Compile()
	require.NoError(t, err)

	state, report, runErr := cg.Run(NewContext(baseCtx), testState{})

	require.Error(t, runErr)
	assert.ErrorIs(t, runErr, context.Canceled)
	var ce *CancellationError
	require.ErrorAs(t, runErr, &ce)
	assert.Equal(t, "second", ce.NodeID)
	assert.False(t, ce.WasExecuting)
	assert.Equal(t, []string{"first"}, state.Steps)
	assert.Equal(t, 1, report.NodesExecuted)
}

// TestRun_Checkpointing verifies a checkpoint is written after each node
// with the routing decision and the guard counters.
func TestRun_Checkpointing(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	defer store.Close()
	cg := linearGraph(t)

	_, report, err := cg.Run(NewContext(context.Background()), testState{},
		WithCheckpointing(store, "run-1"))
	require.NoError(t, err)
	assert.Equal(t, "run-1", report.RunID)

	infos, err := store.List("run-1")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].NodeID)
	assert.Equal(t, "b", infos[1].NodeID)

	data, err := store.Load("run-1", "b")
	require.NoError(t, err)
	cp, err := checkpoint.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, END, cp.NextNode)
	assert.Equal(t, "a", cp.PrevNodeID)
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, cp.Visits)
	assert.Equal(t, 2, cp.Sequence)
}

// TestRun_CheckpointFailureHandling verifies save failures are swallowed by
// default and fatal with WithCheckpointFailureFatal.
func TestRun_CheckpointFailureHandling(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.Close()) // every Save now fails
	cg := linearGraph(t)

	t.Run("default logs and continues", func(t *testing.T) {
		_, report, err := cg.Run(NewContext(context.Background()), testState{},
			WithCheckpointing(store, "run-1"))
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, report.Status)
	})

	t.Run("fatal aborts", func(t *testing.T) {
		_, _, err := cg.Run(NewContext(context.Background()), testState{},
			WithCheckpointing(store, "run-1"),
			WithCheckpointFailureFatal())
		require.Error(t, err)
		var ce *CheckpointError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "save", ce.Op)
		assert.ErrorIs(t, err, checkpoint.ErrStoreClosed)
	})
}

// TestRun_ConcurrentRuns verifies one compiled graph can serve parallel runs
// without sharing mutable state.
func TestRun_ConcurrentRuns(t *testing.T) {
	cg := linearGraph(t)

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			state, report, err := cg.Run(NewContext(context.Background()), testState{})
			if err == nil && (len(state.Steps) != 2 || !report.Completed()) {
				err = fmt.Errorf("unexpected outcome: steps=%v status=%s", state.Steps, report.Status)
			}
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		assert.NoError(t, <-done)
	}
}

func TestIsRecoverable(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("x"), false},
		{"recoverable", &recoverableError{msg: "x"}, true},
		{"wrapped in NodeError", &NodeError{NodeID: "a", Op: "execute", Err: &recoverableError{msg: "x"}}, true},
		{"double wrapped", fmt.Errorf("outer: %w", &NodeError{NodeID: "a", Op: "execute", Err: &recoverableError{msg: "x"}}), true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRecoverable(tc.err))
		})
	}
}

func TestNewContext_Defaults(t *testing.T) {
	ctx := NewContext(context.Background())

	assert.NotNil(t, ctx.Logger())
	assert.NotEmpty(t, ctx.RunID())
	assert.Empty(t, ctx.NodeID())
	assert.Empty(t, ctx.ChunkID())
	assert.Equal(t, 1, ctx.Attempt())

	tagged := NewContext(context.Background(),
		WithContextRunID("run-9"),
		WithChunkID("chunk-1"),
	)
	assert.Equal(t, "run-9", tagged.RunID())
	assert.Equal(t, "chunk-1", tagged.ChunkID())
}
