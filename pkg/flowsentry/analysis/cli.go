package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CLIService implements Service by shelling out to an analyzer binary that
// reads the request on stdin as JSON and writes a JSON result on stdout.
//
// The binary contract:
//
//	<bin> analyze  < request.json  > result.json
//	<bin> validate < request.json  > validation.json
//
// A non-zero exit with a stderr message containing a known transient marker
// (timeout, overloaded, rate) is classified transient; everything else is
// fatal.
type CLIService struct {
	path    string
	args    []string
	workdir string
	timeout time.Duration
}

// CLIOption configures CLIService.
type CLIOption func(*CLIService)

// WithPath sets the analyzer binary path. Default "analyzer".
func WithPath(path string) CLIOption {
	return func(c *CLIService) { c.path = path }
}

// WithArgs sets extra arguments passed before the subcommand.
func WithArgs(args ...string) CLIOption {
	return func(c *CLIService) { c.args = args }
}

// WithWorkdir sets the working directory for analyzer invocations.
func WithWorkdir(dir string) CLIOption {
	return func(c *CLIService) { c.workdir = dir }
}

// WithTimeout bounds each invocation. Default 5 minutes.
func WithTimeout(d time.Duration) CLIOption {
	return func(c *CLIService) { c.timeout = d }
}

// NewCLIService creates a CLI-backed analysis service.
func NewCLIService(opts ...CLIOption) *CLIService {
	c := &CLIService{
		path:    "analyzer",
		timeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Analyze implements Service.
func (c *CLIService) Analyze(ctx context.Context, req Request) (*Result, error) {
	out, err := c.run(ctx, "analyze", req)
	if err != nil {
		return nil, err
	}
	var res Result
	if jsonErr := json.Unmarshal(out, &res); jsonErr != nil {
		return nil, &FatalError{Op: "analyze", Err: fmt.Errorf("decode result: %w", jsonErr)}
	}
	return &res, nil
}

// Validate implements Service.
func (c *CLIService) Validate(ctx context.Context, req Request, prior *Result) (*Validation, error) {
	payload := struct {
		Request
		Prior *Result `json:"prior"`
	}{Request: req, Prior: prior}

	out, err := c.runPayload(ctx, "validate", payload)
	if err != nil {
		return nil, err
	}
	var v Validation
	if jsonErr := json.Unmarshal(out, &v); jsonErr != nil {
		return nil, &FatalError{Op: "validate", Err: fmt.Errorf("decode validation: %w", jsonErr)}
	}
	return &v, nil
}

func (c *CLIService) run(ctx context.Context, op string, req Request) ([]byte, error) {
	return c.runPayload(ctx, op, req)
}

func (c *CLIService) runPayload(ctx context.Context, op string, payload any) ([]byte, error) {
	input, err := json.Marshal(payload)
	if err != nil {
		return nil, &FatalError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
	}

	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	args := append(append([]string{}, c.args...), op)
	cmd := exec.CommandContext(runCtx, c.path, args...)
	if c.workdir != "" {
		cmd.Dir = c.workdir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return nil, &TransientError{Op: op, Err: runCtx.Err()}
		}
		msg := strings.TrimSpace(stderr.String())
		wrapped := fmt.Errorf("%w: %s", err, msg)
		if isTransientMessage(msg) {
			return nil, &TransientError{Op: op, Err: wrapped}
		}
		return nil, &FatalError{Op: op, Err: wrapped}
	}

	return stdout.Bytes(), nil
}

// transientMarkers are stderr substrings that indicate the analyzer backend
// was temporarily unavailable rather than rejecting the input.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"overloaded",
	"rate limit",
	"rate_limit",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
	"503",
	"529",
}

func isTransientMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
