package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records flowsentry metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordNodeExecution records a node execution with duration and error status.
	RecordNodeExecution(ctx context.Context, nodeID string, duration time.Duration, err error)

	// RecordRun records a workflow run completion with its final status.
	RecordRun(ctx context.Context, status string, duration time.Duration)

	// RecordVerdict records a cycle detector termination by pattern name.
	RecordVerdict(ctx context.Context, pattern string)

	// RecordBreakerTransition records a circuit breaker state change.
	RecordBreakerTransition(ctx context.Context, dependency, from, to string)

	// RecordQuotaRejection records a rate limiter rejection for a resource.
	RecordQuotaRejection(ctx context.Context, resource string)

	// RecordChunkMerge records a merge with chunk and failure counts.
	RecordChunkMerge(ctx context.Context, chunks, failed int)

	// RecordCheckpoint records a checkpoint save.
	RecordCheckpoint(ctx context.Context, nodeID string, sizeBytes int64)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	nodeExecutions     metric.Int64Counter
	nodeLatency        metric.Float64Histogram
	nodeErrors         metric.Int64Counter
	runs               metric.Int64Counter
	runLatency         metric.Float64Histogram
	verdicts           metric.Int64Counter
	breakerTransitions metric.Int64Counter
	quotaRejections    metric.Int64Counter
	chunkMerges        metric.Int64Counter
	chunkFailures      metric.Int64Counter
	checkpointSize     metric.Int64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("flowsentry")

	nodeExecutions, err := meter.Int64Counter("flowsentry.node.executions",
		metric.WithDescription("Number of node executions"),
	)
	if err != nil {
		return nil, err
	}

	nodeLatency, err := meter.Float64Histogram("flowsentry.node.latency_ms",
		metric.WithDescription("Node execution latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	nodeErrors, err := meter.Int64Counter("flowsentry.node.errors",
		metric.WithDescription("Number of node execution errors"),
	)
	if err != nil {
		return nil, err
	}

	runs, err := meter.Int64Counter("flowsentry.run.count",
		metric.WithDescription("Number of workflow runs by final status"),
	)
	if err != nil {
		return nil, err
	}

	runLatency, err := meter.Float64Histogram("flowsentry.run.latency_ms",
		metric.WithDescription("Workflow run latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	verdicts, err := meter.Int64Counter("flowsentry.cycle.verdicts",
		metric.WithDescription("Cycle detector terminations by pattern"),
	)
	if err != nil {
		return nil, err
	}

	breakerTransitions, err := meter.Int64Counter("flowsentry.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
	)
	if err != nil {
		return nil, err
	}

	quotaRejections, err := meter.Int64Counter("flowsentry.ratelimit.rejections",
		metric.WithDescription("Rate limiter rejections by resource"),
	)
	if err != nil {
		return nil, err
	}

	chunkMerges, err := meter.Int64Counter("flowsentry.chunk.merges",
		metric.WithDescription("Number of chunk merge operations"),
	)
	if err != nil {
		return nil, err
	}

	chunkFailures, err := meter.Int64Counter("flowsentry.chunk.failures",
		metric.WithDescription("Number of failed chunks across merges"),
	)
	if err != nil {
		return nil, err
	}

	checkpointSize, err := meter.Int64Histogram("flowsentry.checkpoint.size_bytes",
		metric.WithDescription("Checkpoint size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		nodeExecutions:     nodeExecutions,
		nodeLatency:        nodeLatency,
		nodeErrors:         nodeErrors,
		runs:               runs,
		runLatency:         runLatency,
		verdicts:           verdicts,
		breakerTransitions: breakerTransitions,
		quotaRejections:    quotaRejections,
		chunkMerges:        chunkMerges,
		chunkFailures:      chunkFailures,
		checkpointSize:     checkpointSize,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder backed by OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordNodeExecution records a node execution.
func (m *otelMetrics) RecordNodeExecution(ctx context.Context, nodeID string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("node_id", nodeID),
	}

	m.nodeExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.nodeLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		m.nodeErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRun records a workflow run.
func (m *otelMetrics) RecordRun(ctx context.Context, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("status", status),
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.runLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordVerdict records a cycle detector termination.
func (m *otelMetrics) RecordVerdict(ctx context.Context, pattern string) {
	m.verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pattern", pattern),
	))
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *otelMetrics) RecordBreakerTransition(ctx context.Context, dependency, from, to string) {
	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dependency", dependency),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordQuotaRejection records a rate limiter rejection.
func (m *otelMetrics) RecordQuotaRejection(ctx context.Context, resource string) {
	m.quotaRejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource", resource),
	))
}

// RecordChunkMerge records a merge operation.
func (m *otelMetrics) RecordChunkMerge(ctx context.Context, chunks, failed int) {
	m.chunkMerges.Add(ctx, 1)
	if failed > 0 {
		m.chunkFailures.Add(ctx, int64(failed))
	}
}

// RecordCheckpoint records a checkpoint save.
func (m *otelMetrics) RecordCheckpoint(ctx context.Context, nodeID string, sizeBytes int64) {
	m.checkpointSize.Record(ctx, sizeBytes, metric.WithAttributes(
		attribute.String("node_id", nodeID),
	))
}
