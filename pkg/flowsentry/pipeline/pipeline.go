package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/flowsentry/flowsentry/pkg/flowsentry"
	"github.com/flowsentry/flowsentry/pkg/flowsentry/analysis"
	"github.com/flowsentry/flowsentry/pkg/flowsentry/breaker"
	"github.com/flowsentry/flowsentry/pkg/flowsentry/checkpoint"
	"github.com/flowsentry/flowsentry/pkg/flowsentry/chunk"
	"github.com/flowsentry/flowsentry/pkg/flowsentry/observability"
	"github.com/flowsentry/flowsentry/pkg/flowsentry/ratelimit"
)

// Pipeline runs analysis workflows. One Pipeline is built per process and
// shared: the circuit breakers and rate-limit buckets it owns are the
// process-wide guards for the external dependencies.
type Pipeline struct {
	svc  analysis.Service
	tool analysis.Tool
	opts Options

	breakers *breaker.Group
	limiter  *ratelimit.Limiter
	graph    *flowsentry.CompiledGraph[State]

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	store   checkpoint.Store
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder. Defaults to a no-op recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithTracing enables span creation for runs and node executions.
func WithTracing(sm observability.SpanManager) Option {
	return func(p *Pipeline) {
		p.spans = sm
	}
}

// WithCheckpointStore enables checkpointing. Each run (and each chunk
// sub-workflow) checkpoints under its own run ID.
func WithCheckpointStore(store checkpoint.Store) Option {
	return func(p *Pipeline) {
		p.store = store
	}
}

// New builds a pipeline around the given service and tool. The options are
// validated up front: a bad threshold fails here, not mid-run.
// The tool may be nil when the service never requests lookups; a run that
// does request one then fails that branch fatally.
func New(svc analysis.Service, tool analysis.Tool, opts Options, pipeOpts ...Option) (*Pipeline, error) {
	if svc == nil {
		return nil, errors.New("pipeline: analysis service is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		svc:     svc,
		tool:    tool,
		opts:    opts,
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
	}
	for _, opt := range pipeOpts {
		opt(p)
	}

	// Breaker transitions feed metrics; chain any caller-provided hook.
	brCfg := opts.Breaker
	prev := brCfg.OnStateChange
	brCfg.OnStateChange = func(dep string, from, to breaker.State) {
		p.metrics.RecordBreakerTransition(context.Background(), dep, from.String(), to.String())
		if prev != nil {
			prev(dep, from, to)
		}
	}

	p.breakers = breaker.NewGroup(brCfg, breaker.WithLogger(p.logger))
	p.limiter = ratelimit.New(opts.RateLimit)

	graph, err := p.buildGraph()
	if err != nil {
		return nil, err
	}
	p.graph = graph

	return p, nil
}

// buildGraph wires the five nodes. Routing is conditional everywhere except
// request_info, which always ends the run.
func (p *Pipeline) buildGraph() (*flowsentry.CompiledGraph[State], error) {
	return flowsentry.NewGraph[State]().
		AddNode(NodeAnalyze, p.analyzeNode).
		AddNode(NodeValidate, p.validateNode).
		AddNode(NodeTool, p.toolNode).
		AddNode(NodeRequestInfo, p.requestInfoNode).
		AddNode(NodeBackoff, p.backoffNode).
		AddConditionalEdge(NodeAnalyze, p.analyzeRouter).
		AddConditionalEdge(NodeValidate, p.validateRouter).
		AddConditionalEdge(NodeTool, p.toolRouter).
		AddConditionalEdge(NodeBackoff, p.backoffRouter).
		AddEdge(NodeRequestInfo, flowsentry.END).
		SetEntry(NodeAnalyze).
		SetRecovery(NodeBackoff).
		SetFingerprint(Fingerprint).
		SetToolCounter(func(s State) int { return s.ToolInvocations }).
		Compile()
}

// Graph exposes the compiled graph for introspection and tests.
func (p *Pipeline) Graph() *flowsentry.CompiledGraph[State] {
	return p.graph
}

// Breakers exposes the breaker group for introspection and operator resets.
func (p *Pipeline) Breakers() *breaker.Group {
	return p.breakers
}

// Run analyzes content. Input longer than the chunking threshold is split
// into overlapping chunks that run as parallel sub-workflows and merge into
// one report; smaller input runs as a single workflow.
//
// Controlled terminations (ceilings, cycle verdicts) return a partial
// Result with a nil error. A non-nil error is accompanied by a partial
// Result whenever one exists.
func (p *Pipeline) Run(ctx context.Context, content string, meta map[string]string) (*Result, error) {
	if chunk.LineCount(content) > p.opts.Chunking.MaxLines {
		return p.runChunked(ctx, content, meta)
	}

	state, report, err := p.execute(ctx, content, meta, "")
	if err != nil {
		if report == nil {
			return nil, err
		}
		return resultFromRun(state, report, chunk.LineCount(content)), err
	}
	return resultFromRun(state, report, chunk.LineCount(content)), nil
}

// execute runs one workflow over the given content. chunkID is empty for
// unchunked runs.
func (p *Pipeline) execute(ctx context.Context, content string, meta map[string]string, chunkID string) (State, *flowsentry.Report, error) {
	runID := uuid.New().String()

	fsCtx := flowsentry.NewContext(ctx,
		flowsentry.WithLogger(p.logger),
		flowsentry.WithContextRunID(runID),
		flowsentry.WithChunkID(chunkID),
	)

	state := State{Content: content, Meta: meta}
	return p.graph.Run(fsCtx, state, p.runOptions(runID)...)
}

// runOptions translates pipeline options into executor options.
func (p *Pipeline) runOptions(runID string) []flowsentry.RunOption {
	opts := []flowsentry.RunOption{
		flowsentry.WithMaxIterations(p.opts.MaxIterations),
		flowsentry.WithNodeCeilings(p.opts.NodeCeilings),
		flowsentry.WithMetrics(p.metrics),
	}
	if p.opts.ToolCallCeiling > 0 {
		opts = append(opts, flowsentry.WithToolCallCeiling(p.opts.ToolCallCeiling))
	}
	if p.opts.Cycle != nil {
		opts = append(opts, flowsentry.WithCycleDetection(*p.opts.Cycle))
	}
	if p.spans != nil {
		opts = append(opts, flowsentry.WithTracing(p.spans))
	}
	if p.store != nil {
		opts = append(opts, flowsentry.WithCheckpointing(p.store, runID))
	}
	return opts
}
