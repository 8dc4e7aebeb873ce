// Package observability provides structured logging, metrics, and tracing
// for flowsentry runs.
//
// Logging uses slog from the standard library; metrics and tracing use
// OpenTelemetry. Both otel features are opt-in and fall back to no-op
// implementations when disabled, so library users pay nothing by default.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds run context to a logger. Chunked executions also carry
// the chunk index so interleaved worker logs stay attributable.
func EnrichLogger(logger *slog.Logger, runID, nodeID string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("run_id", runID),
		slog.String("node_id", nodeID),
		slog.Int("attempt", attempt),
	)
}

// LogRunStart logs the start of a workflow run.
func LogRunStart(logger *slog.Logger, runID string) {
	if logger == nil {
		return
	}
	logger.Info("workflow run starting",
		slog.String("run_id", runID),
	)
}

// LogRunComplete logs successful run completion.
func LogRunComplete(logger *slog.Logger, runID string, durationMs float64, nodeCount int) {
	if logger == nil {
		return
	}
	logger.Info("workflow run completed",
		slog.String("run_id", runID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("nodes_executed", nodeCount),
	)
}

// LogRunTerminated logs a controlled early termination (ceiling or cycle
// verdict). This is not an error path: a partial result was returned.
func LogRunTerminated(logger *slog.Logger, runID, reason, lastNode string, nodeCount int) {
	if logger == nil {
		return
	}
	logger.Warn("workflow run terminated early",
		slog.String("run_id", runID),
		slog.String("reason", reason),
		slog.String("last_node", lastNode),
		slog.Int("nodes_executed", nodeCount),
	)
}

// LogRunError logs run failure.
func LogRunError(logger *slog.Logger, runID string, err error, durationMs float64, lastNode string) {
	if logger == nil {
		return
	}
	logger.Error("workflow run failed",
		slog.String("run_id", runID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
		slog.String("last_node", lastNode),
	)
}

// LogNodeStart logs node execution start.
func LogNodeStart(logger *slog.Logger, nodeID string) {
	if logger == nil {
		return
	}
	logger.Debug("node starting",
		slog.String("node_id", nodeID),
	)
}

// LogNodeComplete logs successful node completion.
func LogNodeComplete(logger *slog.Logger, nodeID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("node completed",
		slog.String("node_id", nodeID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogNodeError logs node execution failure.
func LogNodeError(logger *slog.Logger, nodeID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("node failed",
		slog.String("node_id", nodeID),
		slog.String("error", err.Error()),
	)
}

// LogNodeRecovered logs a recoverable node failure that was rerouted to the
// recovery node instead of aborting the run.
func LogNodeRecovered(logger *slog.Logger, nodeID, recoveryNode string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("node failure rerouted to recovery",
		slog.String("node_id", nodeID),
		slog.String("recovery_node", recoveryNode),
		slog.String("error", err.Error()),
	)
}

// LogVerdict logs a cycle detector termination verdict.
func LogVerdict(logger *slog.Logger, runID, pattern, action string) {
	if logger == nil {
		return
	}
	logger.Warn("cycle detected",
		slog.String("run_id", runID),
		slog.String("pattern", pattern),
		slog.String("suggested_action", action),
	)
}

// LogCheckpoint logs checkpoint creation.
func LogCheckpoint(logger *slog.Logger, nodeID string, sizeBytes int) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint saved",
		slog.String("node_id", nodeID),
		slog.Int("size_bytes", sizeBytes),
	)
}

// LogCheckpointError logs checkpoint failure (non-fatal by default).
func LogCheckpointError(logger *slog.Logger, nodeID string, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("checkpoint failed",
		slog.String("node_id", nodeID),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogChunkComplete logs one chunk's sub-workflow completion.
func LogChunkComplete(logger *slog.Logger, chunkID string, index int, failed bool, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("chunk completed",
		slog.String("chunk_id", chunkID),
		slog.Int("chunk_index", index),
		slog.Bool("failed", failed),
		slog.Float64("duration_ms", durationMs),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns elapsed milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
