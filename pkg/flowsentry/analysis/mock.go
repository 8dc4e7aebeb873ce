package analysis

import (
	"context"
	"sync"
)

// MockService is a scripted Service implementation for tests and examples.
// Responses are consumed in order and the last one repeats; errors can be
// injected per call index. MockService is safe for concurrent use.
type MockService struct {
	mu sync.Mutex

	results     []*Result
	validations []*Validation
	errs        map[int]error // call index (across both ops) -> error

	calls         int
	AnalyzeCalls  int
	ValidateCalls int
}

// NewMockService creates a mock returning the given results in order.
func NewMockService(results ...*Result) *MockService {
	return &MockService{
		results: results,
		errs:    make(map[int]error),
	}
}

// WithValidations scripts the validation responses, consumed in order.
func (m *MockService) WithValidations(vs ...*Validation) *MockService {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validations = vs
	return m
}

// FailCall injects an error for the n-th call (0-based, counting Analyze
// and Validate together).
func (m *MockService) FailCall(n int, err error) *MockService {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[n] = err
	return m
}

// Calls returns the total number of calls observed.
func (m *MockService) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Analyze implements Service.
func (m *MockService) Analyze(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransientError{Op: "analyze", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.calls
	m.calls++
	m.AnalyzeCalls++

	if err, ok := m.errs[idx]; ok {
		return nil, err
	}
	if len(m.results) == 0 {
		return &Result{Summary: "ok"}, nil
	}
	i := m.AnalyzeCalls - 1
	if i >= len(m.results) {
		i = len(m.results) - 1
	}
	return m.results[i], nil
}

// Validate implements Service.
func (m *MockService) Validate(ctx context.Context, req Request, prior *Result) (*Validation, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransientError{Op: "validate", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.calls
	m.calls++
	m.ValidateCalls++

	if err, ok := m.errs[idx]; ok {
		return nil, err
	}
	if len(m.validations) == 0 {
		return &Validation{Passed: true}, nil
	}
	i := m.ValidateCalls - 1
	if i >= len(m.validations) {
		i = len(m.validations) - 1
	}
	return m.validations[i], nil
}

// MockTool is a scripted Tool for tests and examples.
type MockTool struct {
	mu      sync.Mutex
	answers map[string]string
	err     error
	Invoked []string
}

// NewMockTool creates a tool that answers queries from the given map.
// Unknown queries return an empty result.
func NewMockTool(answers map[string]string) *MockTool {
	if answers == nil {
		answers = make(map[string]string)
	}
	return &MockTool{answers: answers}
}

// WithError makes every invocation fail with err.
func (t *MockTool) WithError(err error) *MockTool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
	return t
}

// Invoke implements Tool.
func (t *MockTool) Invoke(ctx context.Context, query string) (*ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransientError{Op: "invoke", Err: err}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.Invoked = append(t.Invoked, query)
	if t.err != nil {
		return nil, t.err
	}
	return &ToolResult{Query: query, Content: t.answers[query]}, nil
}
